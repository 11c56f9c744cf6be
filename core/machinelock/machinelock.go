// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package machinelock serializes the agent processes of one unit, so
// that hook dispatch and out-of-band actions never run concurrently.
package machinelock

import (
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"
)

var logger = loggo.GetLogger("mysql.machinelock")

// Lock is a lock shared by every agent process of the unit.
type Lock interface {
	// Acquire blocks until the lock is held, or spec.Cancel is closed.
	// It returns a func that releases the lock.
	Acquire(spec Spec) (func(), error)

	// Report returns a description of the current holder, if any.
	Report() string
}

// Spec is the argument to Acquire.
type Spec struct {
	// Cancel aborts the acquisition when closed. It must not be nil.
	Cancel <-chan struct{}

	// Worker names the component taking the lock.
	Worker string

	// Comment describes what the lock is taken for, eg the event kind.
	Comment string
}

// Validate checks the spec.
func (s Spec) Validate() error {
	if s.Cancel == nil {
		return errors.NotValidf("nil Cancel")
	}
	if s.Worker == "" {
		return errors.NotValidf("empty Worker")
	}
	return nil
}

// Config holds the values used to create a Lock.
type Config struct {
	// AgentName identifies the unit, eg "mysql/0".
	AgentName string

	// Clock paces the retries while the lock is contended.
	Clock clock.Clock

	// Name is the OS-level lock name. It must be valid for mutex.Spec.
	Name string

	// Delay is the interval between acquisition attempts.
	Delay time.Duration
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.AgentName == "" {
		return errors.NotValidf("empty AgentName")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if c.Delay <= 0 {
		return errors.NotValidf("non-positive Delay")
	}
	return nil
}

type lock struct {
	config   Config
	acquire  func(mutex.Spec) (mutex.Releaser, error)
	mu       sync.Mutex
	holder   string
	acquired time.Time
}

// New returns a Lock backed by a juju/mutex OS lock.
func New(config Config) (Lock, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &lock{config: config, acquire: mutex.Acquire}, nil
}

// Acquire is part of the Lock interface.
func (l *lock) Acquire(spec Spec) (func(), error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("acquire machine lock %q for %s (%s)", l.config.Name, spec.Worker, spec.Comment)
	releaser, err := l.acquire(mutex.Spec{
		Name:   l.config.Name,
		Clock:  l.config.Clock,
		Delay:  l.config.Delay,
		Cancel: spec.Cancel,
	})
	if errors.Is(err, mutex.ErrCancelled) {
		return nil, errors.Annotatef(err, "acquiring machine lock for %s", spec.Worker)
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	l.mu.Lock()
	l.holder = fmt.Sprintf("%s: %s (%s)", l.config.AgentName, spec.Worker, spec.Comment)
	l.acquired = l.config.Clock.Now()
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			held := l.config.Clock.Now().Sub(l.acquired)
			l.holder = ""
			l.mu.Unlock()
			releaser.Release()
			logger.Debugf("machine lock released for %s (%s) after %s", spec.Worker, spec.Comment, held)
		})
	}, nil
}

// Report is part of the Lock interface.
func (l *lock) Report() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" {
		return "not held"
	}
	return fmt.Sprintf("held by %s since %s", l.holder, l.acquired.Format(time.RFC3339))
}
