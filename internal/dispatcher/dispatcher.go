// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dispatcher routes lifecycle events to their handlers, one at a
// time, keeping deferred events for re-delivery.
package dispatcher

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/core/machinelock"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
)

// Handler handles one kind of event.
type Handler interface {
	// Handle processes ev. Returning an error satisfying
	// event.ErrDeferred keeps the event for re-delivery.
	Handle(ctx context.Context, ev event.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev event.Event) error

// Handle is part of the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, ev event.Event) error {
	return f(ctx, ev)
}

// Chain returns a Handler running each of handlers in turn. It stops at
// the first error, including a deferral.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, ev event.Event) error {
		for _, h := range handlers {
			if err := h.Handle(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
}

// ActionFunc runs a user action and returns its results.
type ActionFunc func(ctx context.Context) (map[string]any, error)

// Emitter queues follow-up events.
type Emitter interface {
	Emit(ev event.Event)
}

// Config holds the dependencies of a Dispatcher.
type Config struct {
	State       StateStore
	MachineLock machinelock.Lock
	Clock       clock.Clock
	Logger      logger.Logger

	// Metrics is optional.
	Metrics *Collector

	// Tracer is optional; the global tracer provider is used when nil.
	Tracer trace.Tracer
}

// Validate ensures that the configuration is
// correctly populated for dispatcher operation.
func (config Config) Validate() error {
	if config.State == nil {
		return errors.NotValidf("nil State")
	}
	if config.MachineLock == nil {
		return errors.NotValidf("nil MachineLock")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Dispatcher delivers events to handlers. Dispatch and RunAction must
// not be called concurrently; the machine lock serializes them across
// processes and Worker serializes them within one.
type Dispatcher struct {
	config   Config
	tracer   trace.Tracer
	handlers map[event.Kind]Handler

	mu        sync.Mutex
	followups []event.Event
}

// New returns a Dispatcher with no handlers registered.
func New(config Config) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer("mysql.dispatcher")
	}
	return &Dispatcher{
		config:   config,
		tracer:   tracer,
		handlers: make(map[event.Kind]Handler),
	}, nil
}

// Register sets the handler for kind. Each kind has at most one handler.
func (d *Dispatcher) Register(kind event.Kind, h Handler) error {
	if err := kind.Validate(); err != nil {
		return errors.Trace(err)
	}
	if _, ok := d.handlers[kind]; ok {
		return errors.AlreadyExistsf("handler for %q", kind)
	}
	d.handlers[kind] = h
	return nil
}

// Emit queues a follow-up event. Events emitted while handling are
// delivered after that handler returns, within the same dispatch; events
// emitted otherwise wait for the next dispatch.
func (d *Dispatcher) Emit(ev event.Event) {
	d.mu.Lock()
	d.followups = append(d.followups, ev)
	d.mu.Unlock()
}

func (d *Dispatcher) takeFollowups() []event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	evs := d.followups
	d.followups = nil
	return evs
}

// Deferred returns the events waiting for re-delivery.
func (d *Dispatcher) Deferred() ([]event.Event, error) {
	st, err := d.config.State.Read()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return st.Deferred, nil
}

// Dispatch delivers ev. Deferred events go first in their original
// order, then ev, then any follow-up events. An event superseding a
// deferred one, having the same Key, takes its place in the queue.
//
// Deferred events stay queued. The first unexpected handler error stops
// the dispatch and is returned; the failed event and those not yet
// delivered stay queued too.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) error {
	if err := ev.Validate(); err != nil {
		return errors.Trace(err)
	}
	release, err := d.acquire(ctx, string(ev.Kind))
	if err != nil {
		return errors.Trace(err)
	}
	defer release()

	st, err := d.config.State.Read()
	if err != nil {
		return errors.Trace(err)
	}
	st.Seq++
	ev.Seq = st.Seq
	pending := enqueue(st.Deferred, ev)
	pending = d.enqueueFollowups(&st, pending)

	var deferred []event.Event
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]

		err := d.handle(ctx, next)
		switch {
		case err == nil:
		case isDeferral(err):
			d.config.Logger.Debugf("deferring %s: %v", next, err)
			deferred = append(deferred, next)
		default:
			deferred = append(deferred, next)
			deferred = append(deferred, pending...)
			st.Deferred = deferred
			if werr := d.writeState(st); werr != nil {
				d.config.Logger.Errorf("saving dispatcher state: %v", werr)
			}
			return errors.Annotatef(err, "handling %s", next)
		}
		pending = d.enqueueFollowups(&st, pending)
	}
	st.Deferred = deferred
	return errors.Trace(d.writeState(st))
}

// RunAction runs fn under the machine lock, then delivers any follow-up
// events it emitted. Deferred events are left for the next dispatch.
func (d *Dispatcher) RunAction(ctx context.Context, name string, fn ActionFunc) (map[string]any, error) {
	release, err := d.acquire(ctx, "action "+name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer release()

	ctx, span := d.tracer.Start(ctx, "action "+name, trace.WithAttributes(
		attribute.String("action.name", name),
	))
	defer span.End()

	start := d.config.Clock.Now()
	results, err := fn(ctx)
	outcome := OutcomeHandled
	if err != nil {
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	d.config.Metrics.observe("action/"+name, outcome, d.config.Clock.Now().Sub(start).Seconds())
	if err != nil {
		return nil, errors.Trace(err)
	}

	st, err := d.config.State.Read()
	if err != nil {
		return results, errors.Trace(err)
	}
	pending := d.enqueueFollowups(&st, nil)
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if err := d.handle(ctx, next); err != nil && !isDeferral(err) {
			return results, errors.Annotatef(err, "handling %s", next)
		} else if err != nil {
			st.Deferred = enqueue(st.Deferred, next)
		}
		pending = d.enqueueFollowups(&st, pending)
	}
	return results, errors.Trace(d.writeState(st))
}

func (d *Dispatcher) acquire(ctx context.Context, comment string) (func(), error) {
	cancel := ctx.Done()
	if cancel == nil {
		cancel = make(chan struct{})
	}
	release, err := d.config.MachineLock.Acquire(machinelock.Spec{
		Cancel:  cancel,
		Worker:  "dispatcher",
		Comment: comment,
	})
	return release, errors.Trace(err)
}

func (d *Dispatcher) enqueueFollowups(st *State, pending []event.Event) []event.Event {
	for _, ev := range d.takeFollowups() {
		if err := ev.Validate(); err != nil {
			d.config.Logger.Errorf("dropping invalid follow-up event: %v", err)
			continue
		}
		st.Seq++
		ev.Seq = st.Seq
		pending = enqueue(pending, ev)
	}
	return pending
}

func (d *Dispatcher) writeState(st State) error {
	d.config.Metrics.setDeferred(len(st.Deferred))
	return errors.Trace(d.config.State.Write(st))
}

func (d *Dispatcher) handle(ctx context.Context, ev event.Event) error {
	h, ok := d.handlers[ev.Kind]
	if !ok {
		d.config.Logger.Debugf("no handler for %s", ev)
		d.config.Metrics.observe(string(ev.Kind), OutcomeUnhandled, 0)
		return nil
	}

	ctx, span := d.tracer.Start(ctx, string(ev.Kind), trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.Int64("event.seq", int64(ev.Seq)),
		attribute.String("event.remote-unit", ev.RemoteUnit),
	))
	defer span.End()

	d.config.Logger.Debugf("handling %s", ev)
	start := d.config.Clock.Now()
	err := h.Handle(ctx, ev)
	elapsed := d.config.Clock.Now().Sub(start).Seconds()
	switch {
	case err == nil:
		d.config.Metrics.observe(string(ev.Kind), OutcomeHandled, elapsed)
	case isDeferral(err):
		span.AddEvent("deferred", trace.WithAttributes(attribute.String("reason", err.Error())))
		d.config.Metrics.observe(string(ev.Kind), OutcomeDeferred, elapsed)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.config.Metrics.observe(string(ev.Kind), OutcomeFailed, elapsed)
	}
	return err
}

// isDeferral reports whether err asks for the event to be re-delivered.
// An unreachable databag is a deferral too.
func isDeferral(err error) bool {
	return event.IsDeferred(err) || errors.Is(err, databag.ErrStateUnavailable)
}

// enqueue appends ev to queue, unless an event with the same key is
// already queued, in which case ev replaces it in place.
func enqueue(queue []event.Event, ev event.Event) []event.Event {
	key := ev.Key()
	for i, queued := range queue {
		if queued.Key() == key {
			queue[i] = ev
			return queue
		}
	}
	return append(queue, ev)
}
