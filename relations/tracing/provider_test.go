// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tracing_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/relations/tracing"
)

type providerSuite struct {
	model    *relationtesting.Model
	log      loggertesting.Recorder
	provider *tracing.Provider
}

var _ = gc.Suite(&providerSuite{})

func (s *providerSuite) SetUpTest(c *gc.C) {
	s.model = relationtesting.NewModel("tempo", 0).
		WithEndpoint("tracing", tracing.Interface, relation.Provides)
	s.log = loggertesting.NewRecorder()
	var err error
	s.provider, err = tracing.NewProvider(tracing.ProviderConfig{
		Model:       s.model,
		Host:        "tempo-0.tempo-endpoints.testmodel.svc.cluster.local",
		ExternalURL: "https://tempo.example.com",
		Logger:      s.log,
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *providerSuite) addRequirer(app string, protocols string) *relation.Relation {
	rel := s.model.AddRelation("tracing", app, app+"/0")
	if protocols != "" {
		rel.Data(app)["receivers"] = protocols
	}
	return rel
}

func (s *providerSuite) TestInvalidScheme(c *gc.C) {
	_, err := tracing.NewProvider(tracing.ProviderConfig{
		Model:          s.model,
		Host:           "tempo",
		InternalScheme: "ftp",
		Logger:         s.log,
	})
	c.Assert(err, gc.ErrorMatches, `internal scheme "ftp" not valid`)
}

func (s *providerSuite) TestRequestedProtocols(c *gc.C) {
	first := s.addRequirer("grafana-agent", `["otlp_grpc","otlp_http"]`)
	s.addRequirer("loki", `["otlp_http","zipkin"]`)
	legacy := s.addRequirer("legacy", "")

	c.Check(s.provider.IsV2(context.Background(), first), jc.IsTrue)
	c.Check(s.provider.IsV2(context.Background(), legacy), jc.IsFalse)
	c.Check(s.provider.RequestedProtocols(context.Background()), jc.DeepEquals,
		[]tracing.Protocol{tracing.OTLPGRPC, tracing.OTLPHTTP, tracing.Zipkin})
	c.Check(s.provider.Relations(context.Background()), gc.HasLen, 2)
}

func (s *providerSuite) TestPublishReceivers(c *gc.C) {
	rel := s.addRequirer("grafana-agent", `["otlp_grpc"]`)
	legacy := s.addRequirer("legacy", "")

	err := s.provider.PublishReceivers(context.Background(), []tracing.Receiver{
		{Protocol: tracing.OTLPGRPC, Port: 4317},
	})
	c.Assert(err, jc.ErrorIsNil)

	bag := s.model.LocalAppData(rel)
	c.Check(bag["host"], gc.Equals, `"tempo-0.tempo-endpoints.testmodel.svc.cluster.local"`)
	c.Check(bag["receivers"], gc.Equals, `[{"port":4317,"protocol":"otlp_grpc"}]`)
	c.Check(bag["external_url"], gc.Equals, `"https://tempo.example.com"`)
	c.Check(bag["internal_scheme"], gc.Equals, `"http"`)
	c.Check(s.model.LocalAppData(legacy), gc.HasLen, 0)
}

func (s *providerSuite) TestPublishReceiversSkipsDyingRelation(c *gc.C) {
	rel := s.addRequirer("grafana-agent", `["otlp_grpc"]`)
	rel.Active = false

	err := s.provider.PublishReceivers(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(rel), gc.HasLen, 0)
	c.Check(s.log.Messages("ERROR"), gc.HasLen, 1)
}

func (s *providerSuite) TestPublishReceiversNotLeader(c *gc.C) {
	s.model.SetLeader(false)
	err := s.provider.PublishReceivers(context.Background(), nil)
	c.Assert(err, gc.ErrorMatches, "cannot publish receivers: unit is not leader")
	c.Assert(relation.IsNotLeader(err), jc.IsTrue)
}

func (s *providerSuite) TestRequestEvent(c *gc.C) {
	d := event.NewDispatcher(nil)
	s.provider.Register(d)
	rec := new(event.Recorder[tracing.RequestEvent]).Record(&s.provider.Request)

	rel := s.addRequirer("grafana-agent", `["otlp_http"]`)
	legacy := s.addRequirer("legacy", "")
	for _, r := range []*relation.Relation{rel, legacy} {
		err := d.Dispatch(context.Background(), event.Event{Kind: event.RelationChanged, Endpoint: "tracing", RelationID: r.ID})
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Assert(rec.Events, jc.DeepEquals, []tracing.RequestEvent{{
		RelationID: rel.ID,
		Protocols:  []tracing.Protocol{tracing.OTLPHTTP},
	}})
}
