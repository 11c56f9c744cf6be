// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tracing exports the agent's spans to an OpenTelemetry
// collector.
package tracing

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/tomb.v2"

	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/version"
)

// serviceName identifies the agent in the collector.
const serviceName = "mysql-agent"

// Client manages the connection to the collector.
type Client interface {
	// Start establishes the connection to the collector.
	Start(ctx context.Context) error

	// Stop closes the connection.
	Stop(ctx context.Context) error
}

// ClientTracerProvider flushes and shuts down the span pipeline.
type ClientTracerProvider interface {
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// NewClientFunc creates the client, provider and tracer of a Tracer.
type NewClientFunc func(ctx context.Context, config Config) (Client, ClientTracerProvider, trace.Tracer, error)

// Config holds the dependencies of a Tracer.
type Config struct {
	// Endpoint is the collector's OTLP gRPC address.
	Endpoint string

	// Insecure disables TLS to the collector.
	Insecure bool

	// SampleRate is the fraction of traces kept, between 0 and 1.
	SampleRate float64

	// Instance identifies this agent, usually the unit name.
	Instance string

	Logger    logger.Logger
	NewClient NewClientFunc
}

// Validate ensures that the configuration is
// correctly populated for tracer operation.
func (config Config) Validate() error {
	if config.Endpoint == "" {
		return errors.NotValidf("empty Endpoint")
	}
	if config.SampleRate < 0 || config.SampleRate > 1 {
		return errors.NotValidf("SampleRate %v", config.SampleRate)
	}
	if config.Instance == "" {
		return errors.NotValidf("empty Instance")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.NewClient == nil {
		return errors.NotValidf("nil NewClient")
	}
	return nil
}

// Tracer is a worker owning the span pipeline. Spans started from its
// tracer are flushed when the worker stops.
type Tracer struct {
	tomb tomb.Tomb

	client   Client
	provider ClientTracerProvider
	tracer   trace.Tracer
	logger   logger.Logger
}

// NewWorker returns a running Tracer.
func NewWorker(ctx context.Context, config Config) (*Tracer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	client, provider, tracer, err := config.NewClient(ctx, config)
	if err != nil {
		return nil, errors.Trace(err)
	}
	t := &Tracer{
		client:   client,
		provider: provider,
		tracer:   tracer,
		logger:   config.Logger,
	}
	t.tomb.Go(t.loop)
	return t, nil
}

// Tracer returns the tracer spans are started from.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// Kill implements the worker.Worker interface.
func (t *Tracer) Kill() {
	t.tomb.Kill(nil)
}

// Wait implements the worker.Worker interface.
func (t *Tracer) Wait() error {
	return t.tomb.Wait()
}

func (t *Tracer) loop() error {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := t.provider.ForceFlush(ctx); err != nil {
			t.logger.Infof("failed to flush spans: %v", err)
		}
		if err := t.client.Stop(ctx); err != nil {
			t.logger.Infof("failed to stop client: %v", err)
		}
		if err := t.provider.Shutdown(ctx); err != nil {
			t.logger.Infof("failed to shutdown provider: %v", err)
		}
	}()

	<-t.tomb.Dying()
	return tomb.ErrDying
}

// NewClient returns an OTLP gRPC client and the provider batching spans
// to it.
func NewClient(ctx context.Context, config Config) (Client, ClientTracerProvider, trace.Tracer, error) {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}

	client := otlptracegrpc.NewClient(options...)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
		sdktrace.WithResource(newResource(config.Instance)),
	)
	return client, tp, tp.Tracer(serviceName), nil
}

func newResource(instance string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version.Current.String()),
		semconv.ServiceInstanceID(instance),
	)
}
