// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
)

// DefaultUpdateStatusInterval is how often update-status fires.
const DefaultUpdateStatusInterval = 5 * time.Minute

// WorkerConfig holds configuration required to run a Worker.
type WorkerConfig struct {
	Dispatcher *Dispatcher
	Clock      clock.Clock
	Logger     logger.Logger

	// Events delivers events from outside the agent, eg hook
	// invocations relayed over the local API.
	Events <-chan event.Event

	// PeerChanges signals databag changes; each becomes a
	// peer-relation-changed event. It may be nil.
	PeerChanges <-chan struct{}

	// UpdateStatusInterval paces the update-status event.
	UpdateStatusInterval time.Duration
}

// Validate ensures that the configuration is
// correctly populated for worker operation.
func (config WorkerConfig) Validate() error {
	if config.Dispatcher == nil {
		return errors.NotValidf("nil Dispatcher")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Events == nil {
		return errors.NotValidf("nil Events")
	}
	if config.UpdateStatusInterval <= 0 {
		return errors.NotValidf("non-positive UpdateStatusInterval")
	}
	return nil
}

type dispatchRequest struct {
	ctx    context.Context
	ev     event.Event
	result chan error
}

type actionRequest struct {
	ctx    context.Context
	name   string
	fn     ActionFunc
	result chan actionResult
}

type actionResult struct {
	results map[string]any
	err     error
}

// Worker owns a Dispatcher in the long-running agent. It is the only
// goroutine calling handlers.
type Worker struct {
	catacomb   catacomb.Catacomb
	config     WorkerConfig
	dispatches chan dispatchRequest
	actions    chan actionRequest
}

// NewWorker starts a Worker.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:     config,
		dispatches: make(chan dispatchRequest),
		actions:    make(chan actionRequest),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (w *Worker) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.catacomb.Dying()
		cancel()
	}()

	timer := w.config.Clock.NewTimer(w.config.UpdateStatusInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()

		case ev, ok := <-w.config.Events:
			if !ok {
				return errors.New("event source closed")
			}
			w.dispatch(ctx, ev)

		case _, ok := <-w.config.PeerChanges:
			if !ok {
				return errors.New("peer change source closed")
			}
			w.dispatch(ctx, event.Event{Kind: event.PeerRelationChanged})

		case <-timer.Chan():
			w.dispatch(ctx, event.Event{Kind: event.UpdateStatus})
			timer.Reset(w.config.UpdateStatusInterval)

		case req := <-w.dispatches:
			req.result <- w.config.Dispatcher.Dispatch(req.ctx, req.ev)

		case req := <-w.actions:
			results, err := w.config.Dispatcher.RunAction(req.ctx, req.name, req.fn)
			req.result <- actionResult{results: results, err: err}
		}
	}
}

// dispatch delivers ev. Handler failures leave the event queued and do
// not stop the worker; the next event retries it.
func (w *Worker) dispatch(ctx context.Context, ev event.Event) {
	if err := w.config.Dispatcher.Dispatch(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.config.Logger.Errorf("dispatching %s: %v", ev.Kind, err)
	}
}

// Dispatch delivers ev on the worker goroutine and returns the outcome,
// for callers that must not return before the event is handled.
func (w *Worker) Dispatch(ctx context.Context, ev event.Event) error {
	req := dispatchRequest{
		ctx:    ctx,
		ev:     ev,
		result: make(chan error, 1),
	}
	select {
	case w.dispatches <- req:
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-w.catacomb.Dying():
		return errors.New("dispatcher worker stopping")
	}
	return errors.Trace(<-req.result)
}

// RunAction runs fn on the worker goroutine and returns its results.
func (w *Worker) RunAction(ctx context.Context, name string, fn ActionFunc) (map[string]any, error) {
	req := actionRequest{
		ctx:    ctx,
		name:   name,
		fn:     fn,
		result: make(chan actionResult, 1),
	}
	select {
	case w.actions <- req:
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-w.catacomb.Dying():
		return nil, errors.New("dispatcher worker stopping")
	}
	res := <-req.result
	return res.results, errors.Trace(res.err)
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}
