// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unit

import (
	"github.com/juju/errors"
)

// Phase is the lifecycle phase of a unit with respect to the cluster.
type Phase string

const (
	// Unconfigured units have not yet prepared their instance.
	Unconfigured Phase = "unconfigured"

	// Configured units have their users and instance parameters in
	// place and may host or join the cluster.
	Configured Phase = "configured"

	// Joining units hold the topology token and are being added.
	Joining Phase = "joining"

	// InCluster units are members of the cluster.
	InCluster Phase = "in-cluster"

	// Departing units are being removed from the cluster.
	Departing Phase = "departing"

	// Removed units have left the cluster for good.
	Removed Phase = "removed"
)

// transitions lists, for each phase, the phases it may move to.
var transitions = map[Phase][]Phase{
	Unconfigured: {Configured, Removed},
	// Configured goes straight to InCluster when bootstrapping.
	Configured: {Joining, InCluster, Removed},
	// Joining falls back to Configured when adding the instance fails.
	Joining:   {InCluster, Configured},
	InCluster: {Departing},
	// Departing falls back to InCluster when the removal fails.
	Departing: {Removed, InCluster},
	Removed:   {},
}

// Validate returns an error if p is not a known phase.
func (p Phase) Validate() error {
	if _, ok := transitions[p]; !ok {
		return errors.NotValidf("phase %q", p)
	}
	return nil
}

// CanTransitionTo reports whether moving from p to next is allowed.
func (p Phase) CanTransitionTo(next Phase) bool {
	for _, candidate := range transitions[p] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Transition returns next if the move from p is allowed, and an error
// otherwise. Moving to the current phase is always allowed.
func (p Phase) Transition(next Phase) (Phase, error) {
	if err := next.Validate(); err != nil {
		return p, errors.Trace(err)
	}
	if p == next || p.CanTransitionTo(next) {
		return next, nil
	}
	return p, errors.NotValidf("transition from %q to %q", p, next)
}

// IsMember reports whether a unit in this phase counts as a cluster
// member.
func (p Phase) IsMember() bool {
	return p == InCluster || p == Departing
}

// ParsePhase converts s to a Phase; the empty string is Unconfigured.
func ParsePhase(s string) (Phase, error) {
	if s == "" {
		return Unconfigured, nil
	}
	p := Phase(s)
	return p, errors.Trace(p.Validate())
}
