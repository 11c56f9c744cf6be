// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"os"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
)

// State is the dispatcher state that outlives a single dispatch.
type State struct {
	// Seq is the sequence number of the last event accepted.
	Seq uint64 `yaml:"seq"`

	// Deferred holds the events waiting to be re-delivered, in order.
	Deferred []event.Event `yaml:"deferred,omitempty"`
}

func (st State) validate() error {
	for _, ev := range st.Deferred {
		if err := ev.Validate(); err != nil {
			return errors.Annotatef(err, "deferred event %s", ev)
		}
		if ev.Seq > st.Seq {
			return errors.NotValidf("deferred event %s after sequence %d", ev, st.Seq)
		}
	}
	return nil
}

// StateStore persists the dispatcher State.
type StateStore interface {
	Read() (State, error)
	Write(State) error
}

// StateFile is a StateStore backed by a YAML file.
type StateFile struct {
	path string
}

// NewStateFile returns a new StateFile using path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path}
}

// Read reads the State from the file. A missing file is an empty State.
func (f *StateFile) Read() (State, error) {
	var st State
	if err := utils.ReadYaml(f.path, &st); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return State{}, nil
		}
		return State{}, errors.Annotatef(err, "reading dispatcher state at %q", f.path)
	}
	if err := st.validate(); err != nil {
		return State{}, errors.Annotatef(err, "cannot read dispatcher state at %q", f.path)
	}
	return st, nil
}

// Write atomically replaces the file with st.
func (f *StateFile) Write(st State) error {
	if err := st.validate(); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(utils.WriteYaml(f.path, st), "writing dispatcher state at %q", f.path)
}

// MemState is a StateStore held in memory, for the long-running agent
// and tests.
type MemState struct {
	mu    sync.Mutex
	state State
}

// Read is part of the StateStore interface.
func (m *MemState) Read() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.Deferred = append([]event.Event(nil), m.state.Deferred...)
	return st, nil
}

// Write is part of the StateStore interface.
func (m *MemState) Write(st State) error {
	if err := st.validate(); err != nil {
		return errors.Trace(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
	m.state.Deferred = append([]event.Event(nil), st.Deferred...)
	return nil
}
