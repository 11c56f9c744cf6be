// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package unitstate

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
)

// LeaderWatcherConfig holds configuration required to run a
// LeaderWatcher.
type LeaderWatcherConfig struct {
	Leader *LeaderFile
	Events chan<- event.Event
	Logger logger.Logger
}

// Validate ensures that the configuration is
// correctly populated for worker operation.
func (config LeaderWatcherConfig) Validate() error {
	if config.Leader == nil {
		return errors.NotValidf("nil Leader")
	}
	if config.Events == nil {
		return errors.NotValidf("nil Events")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// LeaderWatcher sends leader-elected whenever the leader file changes
// to record leadership the unit did not hold before. It watches the
// file's directory, since the file is replaced rather than written in
// place.
type LeaderWatcher struct {
	catacomb catacomb.Catacomb
	config   LeaderWatcherConfig
	watcher  *fsnotify.Watcher
}

// NewLeaderWatcher starts a LeaderWatcher.
func NewLeaderWatcher(config LeaderWatcherConfig) (*LeaderWatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Annotate(err, "creating file watcher")
	}
	if err := watcher.Add(filepath.Dir(config.Leader.Path())); err != nil {
		_ = watcher.Close()
		return nil, errors.Annotatef(err, "watching %q", filepath.Dir(config.Leader.Path()))
	}
	w := &LeaderWatcher{
		config:  config,
		watcher: watcher,
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		_ = watcher.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *LeaderWatcher) loop() error {
	defer func() { _ = w.watcher.Close() }()

	leader, err := w.config.Leader.IsLeader()
	if err != nil {
		w.config.Logger.Warningf("%v", err)
	}
	target := filepath.Clean(w.config.Leader.Path())

	var out chan<- event.Event
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			now, err := w.config.Leader.IsLeader()
			if err != nil {
				w.config.Logger.Warningf("%v", err)
				continue
			}
			if now && !leader {
				w.config.Logger.Infof("leadership acquired")
				out = w.config.Events
			} else if !now && leader {
				w.config.Logger.Infof("leadership lost")
				out = nil
			}
			leader = now

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			return errors.Annotate(err, "watching leadership")

		case out <- event.Event{Kind: event.LeaderElected}:
			out = nil
		}
	}
}

// Kill is part of the worker.Worker interface.
func (w *LeaderWatcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *LeaderWatcher) Wait() error {
	return w.catacomb.Wait()
}
