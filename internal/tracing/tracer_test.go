// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tracing

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	gc "gopkg.in/check.v1"

	coretesting "github.com/canonical/mysql-k8s-operator-sub000/testing"
)

type tracerSuite struct {
	testing.IsolationSuite

	client *fakeClient
	spans  *tracetest.SpanRecorder
}

var _ = gc.Suite(&tracerSuite{})

func (s *tracerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.client = &fakeClient{}
	s.spans = tracetest.NewSpanRecorder()
}

func (s *tracerSuite) config() Config {
	return Config{
		Endpoint:   "otel-collector:4317",
		Insecure:   true,
		SampleRate: 1,
		Instance:   "mysql/0",
		Logger:     coretesting.NoopLogger{},
		NewClient: func(_ context.Context, config Config) (Client, ClientTracerProvider, trace.Tracer, error) {
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithSpanProcessor(s.spans),
				sdktrace.WithResource(newResource(config.Instance)),
			)
			return s.client, tp, tp.Tracer(serviceName), nil
		},
	}
}

func (s *tracerSuite) TestValidate(c *gc.C) {
	cfg := s.config()
	cfg.SampleRate = 1.5
	_, err := NewWorker(context.Background(), cfg)
	c.Assert(err, gc.ErrorMatches, "SampleRate 1.5 not valid")

	cfg = s.config()
	cfg.Endpoint = ""
	_, err = NewWorker(context.Background(), cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *tracerSuite) TestSpansCarryResource(c *gc.C) {
	w, err := NewWorker(context.Background(), s.config())
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.DirtyKill(c, w)

	_, span := w.Tracer().Start(context.Background(), "update-status")
	span.End()

	ended := s.spans.Ended()
	c.Assert(ended, gc.HasLen, 1)
	c.Check(ended[0].Name(), gc.Equals, "update-status")
	attrs := ended[0].Resource().Set()
	value, ok := attrs.Value(semconv.ServiceInstanceIDKey)
	c.Check(ok, jc.IsTrue)
	c.Check(value, gc.Equals, attribute.StringValue("mysql/0"))

	workertest.CleanKill(c, w)
}

func (s *tracerSuite) TestStopsClientOnKill(c *gc.C) {
	w, err := NewWorker(context.Background(), s.config())
	c.Assert(err, jc.ErrorIsNil)
	workertest.CleanKill(c, w)
	c.Assert(s.client.stopped, jc.IsTrue)
}

func (s *tracerSuite) TestNewClientError(c *gc.C) {
	cfg := s.config()
	cfg.NewClient = func(context.Context, Config) (Client, ClientTracerProvider, trace.Tracer, error) {
		return nil, nil, nil, errors.New("no collector")
	}
	_, err := NewWorker(context.Background(), cfg)
	c.Assert(err, gc.ErrorMatches, "no collector")
}

type fakeClient struct {
	stopped bool
}

func (f *fakeClient) Start(context.Context) error {
	return nil
}

func (f *fakeClient) Stop(context.Context) error {
	f.stopped = true
	return nil
}
