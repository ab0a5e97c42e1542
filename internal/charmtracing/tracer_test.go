// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package charmtracing_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	"github.com/juju/relationlibs/internal/charmtracing"
	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/relations/tracing"
)

type fakeClient struct {
	stopped bool
}

func (f *fakeClient) Start(context.Context) error { return nil }

func (f *fakeClient) Stop(context.Context) error {
	f.stopped = true
	return nil
}

type tracerSuite struct {
	recorder *tracetest.SpanRecorder
	client   *fakeClient
	endpoint string
	dialled  []string
}

var _ = gc.Suite(&tracerSuite{})

func (s *tracerSuite) SetUpTest(c *gc.C) {
	s.recorder = tracetest.NewSpanRecorder()
	s.client = &fakeClient{}
	s.endpoint = "tempo.cos.svc:4317"
	s.dialled = nil
}

func (s *tracerSuite) newTracer(c *gc.C) *charmtracing.Tracer {
	t, err := charmtracing.NewTracer(context.Background(), charmtracing.Config{
		Resource: charmtracing.Resource{ServiceName: "prometheus", InstanceID: "prometheus/0", Version: "3.1.0"},
		Endpoint: func(context.Context) (string, error) { return s.endpoint, nil },
		NewClient: func(_ context.Context, res charmtracing.Resource, endpoint string, _ bool) (charmtracing.Client, charmtracing.TracerProvider, trace.Tracer, error) {
			s.dialled = append(s.dialled, endpoint)
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithSpanProcessor(s.recorder),
				sdktrace.WithResource(charmtracing.NewResource(res)),
			)
			return s.client, tp, tp.Tracer(res.ServiceName), nil
		},
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	return t
}

func (s *tracerSuite) TestSpansExported(c *gc.C) {
	t := s.newTracer(c)
	c.Check(t.Enabled(), jc.IsTrue)
	c.Check(s.dialled, jc.DeepEquals, []string{"tempo.cos.svc:4317"})

	ctx, span := t.Start(context.Background(), "reconcile", attribute.String("relation", "metrics-endpoint"))
	span.AddEvent("configured")
	span.RecordError(errors.New("boom"))
	span.End()
	c.Check(ctx.Err(), gc.Equals, context.Canceled)

	t.Kill()
	c.Assert(t.Wait(), jc.ErrorIsNil)
	c.Check(s.client.stopped, jc.IsTrue)

	ended := s.recorder.Ended()
	c.Assert(ended, gc.HasLen, 1)
	c.Check(ended[0].Name(), gc.Equals, "reconcile")
	c.Check(ended[0].Status().Code, gc.Equals, codes.Error)
	c.Check(ended[0].Events(), gc.HasLen, 2)
	attrs := make(map[attribute.Key]string)
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	c.Check(attrs["relation"], gc.Equals, "metrics-endpoint")
	c.Check(attrs["charm.instance"], gc.Equals, "prometheus/0")
}

func (s *tracerSuite) TestNoEndpoint(c *gc.C) {
	s.endpoint = ""
	t := s.newTracer(c)
	c.Check(t.Enabled(), jc.IsFalse)
	c.Check(s.dialled, gc.HasLen, 0)

	_, span := t.Start(context.Background(), "noop")
	c.Check(span.SpanContext().IsValid(), jc.IsFalse)
	span.End()

	t.Kill()
	c.Assert(t.Wait(), jc.ErrorIsNil)
	c.Check(s.client.stopped, jc.IsFalse)
}

func (s *tracerSuite) TestEndpointError(c *gc.C) {
	_, err := charmtracing.NewTracer(context.Background(), charmtracing.Config{
		Resource: charmtracing.Resource{ServiceName: "prometheus"},
		Endpoint: func(context.Context) (string, error) { return "", errors.New("ambiguous") },
		Logger:   loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, gc.ErrorMatches, "resolving tracing endpoint: ambiguous")
}

func (s *tracerSuite) newRelationTracer(c *gc.C, r *tracing.Requirer) *charmtracing.Tracer {
	t, err := charmtracing.NewTracer(context.Background(), charmtracing.Config{
		Resource: charmtracing.Resource{ServiceName: "prometheus", InstanceID: "prometheus/0"},
		Endpoint: func(ctx context.Context) (string, error) {
			return r.Endpoint(ctx, tracing.OTLPGRPC, nil)
		},
		NewClient: func(_ context.Context, res charmtracing.Resource, endpoint string, _ bool) (charmtracing.Client, charmtracing.TracerProvider, trace.Tracer, error) {
			s.dialled = append(s.dialled, endpoint)
			tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(s.recorder))
			return s.client, tp, tp.Tracer(res.ServiceName), nil
		},
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	return t
}

func (s *tracerSuite) TestRequirerEndpointNotPublished(c *gc.C) {
	model := relationtesting.NewModel("prometheus", 0).
		WithEndpoint("tracing", tracing.Interface, relation.Requires).
		WithLimit("tracing", 1)
	model.AddRelation("tracing", "tempo", "tempo/0")
	r, err := tracing.NewRequirer(context.Background(), tracing.RequirerConfig{
		Model:     model,
		Protocols: []tracing.Protocol{tracing.OTLPGRPC},
		Logger:    loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)

	t := s.newRelationTracer(c, r)
	c.Check(t.Enabled(), jc.IsFalse)
	c.Check(s.dialled, gc.HasLen, 0)
	_, span := t.Start(context.Background(), "reconcile")
	span.End()

	t.Kill()
	c.Assert(t.Wait(), jc.ErrorIsNil)
	c.Check(s.recorder.Ended(), gc.HasLen, 0)
}

func (s *tracerSuite) TestRequirerEndpointPublished(c *gc.C) {
	model := relationtesting.NewModel("prometheus", 0).
		WithEndpoint("tracing", tracing.Interface, relation.Requires)
	rel := model.AddRelation("tracing", "tempo", "tempo/0")
	rel.Data("tempo")["host"] = `"tempo"`
	rel.Data("tempo")["receivers"] = `[{"protocol":"otlp_grpc","port":4317}]`
	r, err := tracing.NewRequirer(context.Background(), tracing.RequirerConfig{
		Model:  model,
		Logger: loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)

	t := s.newRelationTracer(c, r)
	c.Check(t.Enabled(), jc.IsTrue)
	c.Check(s.dialled, jc.DeepEquals, []string{"tempo:4317"})

	t.Kill()
	c.Assert(t.Wait(), jc.ErrorIsNil)
}

func (s *tracerSuite) TestSpanEndsWithWorker(c *gc.C) {
	t := s.newTracer(c)
	ctx, _ := t.Start(context.Background(), "long")
	t.Kill()
	c.Assert(t.Wait(), jc.ErrorIsNil)
	<-ctx.Done()
}

func (s *tracerSuite) TestHandler(c *gc.C) {
	t := s.newTracer(c)
	d := event.NewDispatcher(nil)
	d.Observe(event.RelationChanged, "metrics-endpoint", t.Handler(func(ctx context.Context, e event.Event) error {
		c.Check(trace.SpanFromContext(ctx).SpanContext().IsValid(), jc.IsTrue)
		return nil
	}))
	err := d.Dispatch(context.Background(), event.Event{
		Kind:       event.RelationChanged,
		Endpoint:   "metrics-endpoint",
		RelationID: 3,
	})
	c.Assert(err, jc.ErrorIsNil)
	t.Kill()
	c.Assert(t.Wait(), jc.ErrorIsNil)

	ended := s.recorder.Ended()
	c.Assert(ended, gc.HasLen, 1)
	c.Check(ended[0].Name(), gc.Equals, "relation-changed")
	c.Check(ended[0].Status().Code, gc.Equals, codes.Unset)
}
