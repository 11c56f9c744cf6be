// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
)

// WatcherConfig holds configuration required to run a Watcher.
type WatcherConfig struct {
	Store    Store
	Clock    clock.Clock
	Interval time.Duration
	Logger   logger.Logger
}

// Validate ensures that the configuration is
// correctly populated for worker operation.
func (config WatcherConfig) Validate() error {
	if config.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Interval <= 0 {
		return errors.NotValidf("non-positive Interval")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Watcher polls the store revision and sends a value on its Changes
// channel whenever the databag changed. Like every notify watcher, it
// sends one initial value.
type Watcher struct {
	catacomb catacomb.Catacomb
	config   WatcherConfig
	out      chan struct{}
}

// NewWatcher starts a Watcher.
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Watcher{
		config: config,
		out:    make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Changes returns the notification channel.
func (w *Watcher) Changes() <-chan struct{} {
	return w.out
}

func (w *Watcher) loop() error {
	ctx := w.catacomb.Context(context.Background())

	var (
		last int64 = -1
		out  chan struct{}
	)
	timer := w.config.Clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
			revision, err := w.config.Store.Revision(ctx)
			if errors.Is(err, ErrStateUnavailable) {
				w.config.Logger.Warningf("peer state unavailable: %v", err)
			} else if err != nil {
				return errors.Trace(err)
			} else if revision != last {
				last = revision
				out = w.out
			}
			timer.Reset(w.config.Interval)
		case out <- struct{}{}:
			out = nil
		}
	}
}

// Kill is part of the worker.Worker interface.
func (w *Watcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Watcher) Wait() error {
	return w.catacomb.Wait()
}
