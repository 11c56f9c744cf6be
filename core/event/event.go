// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package event defines the lifecycle events delivered to a unit.
package event

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	// Install fires once, when the unit is first deployed.
	Install Kind = "install"

	// LeaderElected fires on the unit that has just become leader.
	LeaderElected Kind = "leader-elected"

	// ConfigChanged fires after install and whenever the application
	// configuration changes.
	ConfigChanged Kind = "config-changed"

	// WorkloadReady fires when the workload container's supervisor is
	// reachable.
	WorkloadReady Kind = "mysql-pebble-ready"

	// PeerRelationCreated fires when the peer relation first exists.
	PeerRelationCreated Kind = "database-peers-relation-created"

	// PeerRelationChanged fires when any peer changes the databag.
	PeerRelationChanged Kind = "database-peers-relation-changed"

	// PeerRelationDeparted fires when a peer unit leaves the relation.
	PeerRelationDeparted Kind = "database-peers-relation-departed"

	// UpdateStatus fires periodically as a safety net.
	UpdateStatus Kind = "update-status"

	// StorageDetaching fires before the unit's storage is removed; on
	// Kubernetes this is the scale-down signal.
	StorageDetaching Kind = "database-storage-detaching"

	// MemberJoined is emitted locally after this unit has been added to
	// the cluster.
	MemberJoined Kind = "cluster-member-joined"
)

// ErrDeferred marks an event whose preconditions are not yet met. The
// dispatcher keeps such events and re-delivers them later.
const ErrDeferred = errors.ConstError("event deferred")

// Defer returns an error that asks the dispatcher to re-deliver the
// current event later.
func Defer(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), ErrDeferred)
}

// IsDeferred reports whether err asks for the event to be deferred.
func IsDeferred(err error) bool {
	return errors.Is(err, ErrDeferred)
}

// Event holds details of a single event delivery.
type Event struct {
	// Kind identifies the event.
	Kind Kind `yaml:"kind"`

	// RemoteUnit is the name of the peer unit that triggered the event.
	// It is only set for peer relation events.
	RemoteUnit string `yaml:"remote-unit,omitempty"`

	// Payload holds additional event data.
	Payload map[string]string `yaml:"payload,omitempty"`

	// Seq is assigned by the dispatcher and orders deliveries.
	Seq uint64 `yaml:"seq"`
}

// Validate returns an error if k is not a known event kind.
func (k Kind) Validate() error {
	switch k {
	case Install, LeaderElected, ConfigChanged, WorkloadReady, PeerRelationCreated,
		PeerRelationChanged, PeerRelationDeparted, UpdateStatus, StorageDetaching, MemberJoined:
		return nil
	}
	return errors.NotValidf("event kind %q", k)
}

// Validate returns an error if the event is not valid.
func (e Event) Validate() error {
	if err := e.Kind.Validate(); err != nil {
		return errors.Trace(err)
	}
	if e.Kind == PeerRelationDeparted && e.RemoteUnit == "" {
		return errors.NotValidf("%q event without remote unit", e.Kind)
	}
	return nil
}

// Key identifies events that supersede one another: a newer event with
// the same key carries all the information of an older deferred one.
func (e Event) Key() string {
	switch e.Kind {
	case PeerRelationChanged:
		// Any databag change makes every previous change observable.
		return string(e.Kind)
	case PeerRelationDeparted:
		return string(e.Kind) + "/" + e.RemoteUnit
	}
	return string(e.Kind)
}

func (e Event) String() string {
	if e.RemoteUnit != "" {
		return fmt.Sprintf("%s(%s)#%d", e.Kind, e.RemoteUnit, e.Seq)
	}
	return fmt.Sprintf("%s#%d", e.Kind, e.Seq)
}
