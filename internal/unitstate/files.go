// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package unitstate keeps the facts about a unit that the charm hook shim
// and the agent share through files in the agent data directory.
package unitstate

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
)

// LeaderFile records whether the unit holds leadership. The hook shim
// rewrites it from is-leader before relaying leader-elected; a missing
// file means the unit is not the leader.
type LeaderFile struct {
	path string
}

// NewLeaderFile returns a LeaderFile at path.
func NewLeaderFile(path string) *LeaderFile {
	return &LeaderFile{path: path}
}

// Path returns the file location.
func (f *LeaderFile) Path() string {
	return f.path
}

// IsLeader is part of the databag.LeadershipChecker interface.
func (f *LeaderFile) IsLeader() (bool, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Annotate(err, "reading leadership")
	}
	leader, err := strconv.ParseBool(strings.TrimSpace(string(data)))
	if err != nil {
		return false, errors.NotValidf("leadership record %q", strings.TrimSpace(string(data)))
	}
	return leader, nil
}

// SetLeader records leadership.
func (f *LeaderFile) SetLeader(leader bool) error {
	return errors.Annotate(
		utils.AtomicWriteFile(f.path, []byte(strconv.FormatBool(leader)+"\n"), 0644),
		"writing leadership",
	)
}

// RelationMarker records that the peer relation has been created. Juju
// fires the relation-created hook once, so the marker outlives it.
type RelationMarker struct {
	path string
}

// NewRelationMarker returns a RelationMarker at path.
func NewRelationMarker(path string) *RelationMarker {
	return &RelationMarker{path: path}
}

// Exists is part of the reconciler.PeerRelation interface.
func (m *RelationMarker) Exists() (bool, error) {
	_, err := os.Stat(m.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, errors.Trace(err)
}

// Record creates the marker. It has the signature of a dispatcher
// handler so that it can run ahead of the reconciler on
// database-peers-relation-created.
func (m *RelationMarker) Record(context.Context, event.Event) error {
	return errors.Annotate(utils.AtomicWriteFile(m.path, nil, 0644), "recording peer relation")
}

type statusDoc struct {
	Status  string    `yaml:"status"`
	Message string    `yaml:"message,omitempty"`
	Since   time.Time `yaml:"since"`
}

// StatusFile holds the last unit status computed by the agent, for the
// hook shim to pass on to status-set.
type StatusFile struct {
	path  string
	clock clock.Clock
}

// NewStatusFile returns a StatusFile at path.
func NewStatusFile(path string, clock clock.Clock) *StatusFile {
	return &StatusFile{path: path, clock: clock}
}

// SetStatus is part of the status.StatusSetter interface. Rewriting an
// unchanged status keeps its since time.
func (f *StatusFile) SetStatus(info status.StatusInfo) error {
	if !status.ValidWorkloadStatus(info.Status) {
		return errors.NotValidf("status %q", info.Status)
	}
	current, err := f.Status()
	if err == nil && current.Status == info.Status && current.Message == info.Message {
		return nil
	}
	since := f.clock.Now().UTC()
	if info.Since != nil {
		since = info.Since.UTC()
	}
	doc := statusDoc{
		Status:  info.Status.String(),
		Message: info.Message,
		Since:   since,
	}
	return errors.Annotate(utils.WriteYaml(f.path, doc), "writing unit status")
}

// Status is part of the status.StatusGetter interface. Before the first
// SetStatus the status is unknown.
func (f *StatusFile) Status() (status.StatusInfo, error) {
	var doc statusDoc
	if err := utils.ReadYaml(f.path, &doc); os.IsNotExist(errors.Cause(err)) {
		return status.StatusInfo{Status: status.Unknown}, nil
	} else if err != nil {
		return status.StatusInfo{}, errors.Annotate(err, "reading unit status")
	}
	since := doc.Since
	return status.StatusInfo{
		Status:  status.Status(doc.Status),
		Message: doc.Message,
		Since:   &since,
	}, nil
}
