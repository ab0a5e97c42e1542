// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package charmtracing exports the spans of a charm to the tracing
// backend found over the tracing relation.
package charmtracing

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/tomb.v2"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/internal/logger"
)

// EndpointFunc returns the host:port of the OTLP gRPC receiver, or "" if
// there is none yet. It typically wraps tracing.Requirer.Endpoint.
type EndpointFunc func(ctx context.Context) (string, error)

// Client is the connection to the collector.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// TracerProvider flushes and shuts down exported spans.
type TracerProvider interface {
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Resource identifies the charm emitting spans.
type Resource struct {
	ServiceName string
	InstanceID  string
	Version     string
}

// NewClientFunc creates the exporting pipeline for endpoint.
type NewClientFunc func(ctx context.Context, res Resource, endpoint string, insecure bool) (Client, TracerProvider, trace.Tracer, error)

// Config holds the collaborators of a Tracer.
type Config struct {
	Resource Resource
	Endpoint EndpointFunc

	// Insecure disables TLS towards the receiver.
	Insecure bool

	// NewClient defaults to NewClient.
	NewClient NewClientFunc

	Logger logger.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Resource.ServiceName == "" {
		return errors.NotValidf("empty service name")
	}
	if c.Endpoint == nil {
		return errors.NotValidf("nil Endpoint")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Tracer is a worker that owns the span export pipeline. Spans started on
// it end when the worker dies.
type Tracer struct {
	tomb tomb.Tomb

	logger   logger.Logger
	client   Client
	provider TracerProvider
	tracer   trace.Tracer
	enabled  bool
	resource Resource
}

// NewTracer starts a tracer exporting to the current endpoint. Without an
// endpoint the tracer is a no-op.
func NewTracer(ctx context.Context, cfg Config) (*Tracer, error) {
	if cfg.NewClient == nil {
		cfg.NewClient = NewClient
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	t := &Tracer{
		logger:   cfg.Logger,
		resource: cfg.Resource,
		tracer:   noop.NewTracerProvider().Tracer(cfg.Resource.ServiceName),
	}
	endpoint, err := cfg.Endpoint(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "resolving tracing endpoint")
	}
	if endpoint != "" {
		client, provider, tracer, err := cfg.NewClient(ctx, cfg.Resource, endpoint, cfg.Insecure)
		if err != nil {
			return nil, errors.Trace(err)
		}
		t.client, t.provider, t.tracer, t.enabled = client, provider, tracer, true
		cfg.Logger.Debugf(ctx, "exporting charm traces to %s", endpoint)
	} else {
		cfg.Logger.Debugf(ctx, "no tracing endpoint, charm tracing disabled")
	}
	t.tomb.Go(t.loop)
	return t, nil
}

// Kill implements worker.Worker.
func (t *Tracer) Kill() {
	t.tomb.Kill(nil)
}

// Wait implements worker.Worker.
func (t *Tracer) Wait() error {
	return t.tomb.Wait()
}

// Enabled reports whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t.enabled
}

func (t *Tracer) loop() error {
	<-t.tomb.Dying()
	if !t.enabled {
		return tomb.ErrDying
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.provider.ForceFlush(ctx); err != nil {
		t.logger.Infof(ctx, "failed to flush spans: %v", err)
	}
	if err := t.client.Stop(ctx); err != nil {
		t.logger.Infof(ctx, "failed to stop client: %v", err)
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		t.logger.Infof(ctx, "failed to shutdown provider: %v", err)
	}
	return tomb.ErrDying
}

// Start creates a span whose context is cancelled when the span ends or
// the worker dies.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	ctx, cancel := context.WithCancel(ctx)
	ctx = t.tomb.Context(ctx)
	attrs = append(attrs,
		attribute.String("charm.service", t.resource.ServiceName),
		attribute.String("charm.instance", t.resource.InstanceID),
	)
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, &Span{span: span, cancel: cancel}
}

// Handler wraps h so that every event it handles runs in a span named
// after the event kind.
func (t *Tracer) Handler(h event.Handler) event.Handler {
	return func(ctx context.Context, e event.Event) error {
		attrs := []attribute.KeyValue{attribute.String("event.kind", e.Kind.String())}
		if e.Kind.IsRelationEvent() {
			attrs = append(attrs,
				attribute.String("relation.endpoint", e.Endpoint),
				attribute.Int("relation.id", e.RelationID),
			)
		}
		ctx, span := t.Start(ctx, e.Kind.String(), attrs...)
		err := h(ctx, e)
		span.RecordError(err)
		span.End()
		return err
	}
}

// Span is a span owned by the caller, who must end it.
type Span struct {
	span   trace.Span
	cancel context.CancelFunc
}

// AddEvent records a named event on the span.
func (s *Span) AddEvent(message string, attrs ...attribute.KeyValue) {
	if !s.span.IsRecording() {
		return
	}
	s.span.AddEvent(message, trace.WithAttributes(attrs...))
}

// RecordError records err and marks the span failed. A nil err is
// ignored.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End completes the span.
func (s *Span) End() {
	defer s.cancel()
	s.span.End()
}

// SpanContext returns the identifiers of the span.
func (s *Span) SpanContext() trace.SpanContext {
	return s.span.SpanContext()
}

// NewClient returns an OTLP gRPC exporting pipeline with batched export.
func NewClient(ctx context.Context, res Resource, endpoint string, insecure bool) (Client, TracerProvider, trace.Tracer, error) {
	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
	}
	if insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	client := otlptracegrpc.NewClient(options...)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, nil, nil, errors.Trace(err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(NewResource(res)),
	)
	return client, tp, tp.Tracer(res.ServiceName), nil
}

// NewResource returns the OpenTelemetry resource describing res.
func NewResource(res Resource) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(res.ServiceName),
		semconv.ServiceVersion(res.Version),
		semconv.ServiceInstanceID(res.InstanceID),
	)
}
