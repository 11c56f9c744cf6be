// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package dispatcher

import (
	"context"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	coretesting "github.com/canonical/mysql-k8s-operator-sub000/testing"
)

type workerSuite struct {
	testing.IsolationSuite

	clock   *testclock.Clock
	events  chan event.Event
	changes chan struct{}
	handled chan event.Event
	d       *Dispatcher
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.events = make(chan event.Event)
	s.changes = make(chan struct{})
	s.handled = make(chan event.Event, 10)

	d, err := New(Config{
		State:       &MemState{},
		MachineLock: &fakeLock{},
		Clock:       s.clock,
		Logger:      coretesting.NoopLogger{},
	})
	c.Assert(err, jc.ErrorIsNil)
	h := HandlerFunc(func(_ context.Context, ev event.Event) error {
		s.handled <- ev
		if ev.Kind == event.ConfigChanged {
			return errors.New("boom")
		}
		return nil
	})
	for _, kind := range []event.Kind{event.UpdateStatus, event.PeerRelationChanged, event.ConfigChanged, event.LeaderElected} {
		c.Assert(d.Register(kind, h), jc.ErrorIsNil)
	}
	s.d = d
}

func (s *workerSuite) config() WorkerConfig {
	return WorkerConfig{
		Dispatcher:           s.d,
		Clock:                s.clock,
		Logger:               coretesting.NoopLogger{},
		Events:               s.events,
		PeerChanges:          s.changes,
		UpdateStatusInterval: time.Minute,
	}
}

func (s *workerSuite) nextHandled(c *gc.C) event.Event {
	select {
	case ev := <-s.handled:
		return ev
	case <-time.After(coretesting.LongWait):
		c.Fatalf("timed out waiting for an event to be handled")
	}
	panic("unreachable")
}

func (s *workerSuite) TestValidate(c *gc.C) {
	for i, t := range []struct {
		mutate func(*WorkerConfig)
		err    string
	}{
		{func(c *WorkerConfig) { c.Dispatcher = nil }, "nil Dispatcher not valid"},
		{func(c *WorkerConfig) { c.Clock = nil }, "nil Clock not valid"},
		{func(c *WorkerConfig) { c.Logger = nil }, "nil Logger not valid"},
		{func(c *WorkerConfig) { c.Events = nil }, "nil Events not valid"},
		{func(c *WorkerConfig) { c.UpdateStatusInterval = 0 }, "non-positive UpdateStatusInterval not valid"},
	} {
		config := s.config()
		t.mutate(&config)
		_, err := NewWorker(config)
		c.Check(err, gc.ErrorMatches, t.err, gc.Commentf("test %d", i))
	}
}

func (s *workerSuite) TestDispatchesEvents(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	s.events <- event.Event{Kind: event.LeaderElected}
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.LeaderElected)

	s.changes <- struct{}{}
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.PeerRelationChanged)
}

func (s *workerSuite) TestUpdateStatusTicks(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	c.Assert(s.clock.WaitAdvance(time.Minute, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.UpdateStatus)
	c.Assert(s.clock.WaitAdvance(time.Minute, coretesting.LongWait, 1), jc.ErrorIsNil)
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.UpdateStatus)
}

func (s *workerSuite) TestHandlerFailureDoesNotStopWorker(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	s.events <- event.Event{Kind: event.ConfigChanged}
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.ConfigChanged)

	// The failed event is retried ahead of the next one.
	s.events <- event.Event{Kind: event.LeaderElected}
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.ConfigChanged)
	workertest.CheckAlive(c, w)
}

func (s *workerSuite) TestRunAction(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	results, err := w.RunAction(context.Background(), "get-cluster-status", func(ctx context.Context) (map[string]any, error) {
		return map[string]any{"members": 3}, nil
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(results, jc.DeepEquals, map[string]any{"members": 3})
}

func (s *workerSuite) TestDispatchWaitsForOutcome(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, w)

	err = w.Dispatch(context.Background(), event.Event{Kind: event.UpdateStatus})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.UpdateStatus)

	err = w.Dispatch(context.Background(), event.Event{Kind: event.ConfigChanged})
	c.Check(err, gc.ErrorMatches, `handling config-changed#\d+: boom`)
	c.Check(s.nextHandled(c).Kind, gc.Equals, event.ConfigChanged)
	workertest.CheckAlive(c, w)
}

func (s *workerSuite) TestRunActionAfterKill(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)

	_, err = w.RunAction(context.Background(), "get-password", func(context.Context) (map[string]any, error) {
		return nil, nil
	})
	c.Check(err, gc.ErrorMatches, "dispatcher worker stopping")
}

func (s *workerSuite) TestClosedEventsKillsWorker(c *gc.C) {
	w, err := NewWorker(s.config())
	c.Assert(err, jc.ErrorIsNil)
	close(s.events)
	err = workertest.CheckKilled(c, w)
	c.Check(err, gc.ErrorMatches, "event source closed")
}
