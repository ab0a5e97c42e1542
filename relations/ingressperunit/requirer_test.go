// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingressperunit_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/relations/ingressperunit"
)

type requirerSuite struct {
	model *relationtesting.Model
	log   loggertesting.Recorder
	d     *event.Dispatcher
}

var _ = gc.Suite(&requirerSuite{})

func (s *requirerSuite) SetUpTest(c *gc.C) {
	s.model = relationtesting.NewModel("prometheus", 0).
		WithEndpoint("ingress-per-unit", ingressperunit.Interface, relation.Requires).
		WithLimit("ingress-per-unit", 1)
	s.model.SetBindAddress("ingress-per-unit", "10.1.2.3")
	s.log = loggertesting.NewRecorder()
	s.d = event.NewDispatcher(nil)
}

func (s *requirerSuite) newRequirer(c *gc.C, mutate func(*ingressperunit.RequirerConfig)) *ingressperunit.Requirer {
	cfg := ingressperunit.RequirerConfig{
		Model:  s.model,
		Logger: s.log,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := ingressperunit.NewRequirer(cfg)
	c.Assert(err, jc.ErrorIsNil)
	r.Register(s.d)
	return r
}

func (s *requirerSuite) dispatch(c *gc.C, kind event.Kind, rel *relation.Relation) {
	err := s.d.Dispatch(context.Background(), event.Event{Kind: kind, Endpoint: "ingress-per-unit", RelationID: rel.ID})
	c.Assert(err, jc.ErrorIsNil)
}

func publish(rel *relation.Relation, urls map[string]string) {
	bag := rel.Data("traefik")
	if len(urls) == 0 {
		bag.Delete("ingress")
		return
	}
	raw := ""
	for unit, url := range urls {
		raw += unit + ":\n  url: " + url + "\n"
	}
	bag["ingress"] = raw
}

func (s *requirerSuite) TestInvalidConfig(c *gc.C) {
	for _, mutate := range []func(*ingressperunit.RequirerConfig){
		func(cfg *ingressperunit.RequirerConfig) { cfg.Mode = "udp" },
		func(cfg *ingressperunit.RequirerConfig) { cfg.ListenTo = "nobody" },
		func(cfg *ingressperunit.RequirerConfig) { cfg.Port = 70000 },
	} {
		cfg := ingressperunit.RequirerConfig{Model: s.model, Logger: s.log}
		mutate(&cfg)
		_, err := ingressperunit.NewRequirer(cfg)
		c.Check(err, jc.Satisfies, errors.IsNotValid)
	}
}

func (s *requirerSuite) TestProvideIngressRequirements(c *gc.C) {
	r := s.newRequirer(c, func(cfg *ingressperunit.RequirerConfig) {
		cfg.Mode = ingressperunit.ModeTCP
		cfg.RedirectHTTPS = true
	})
	ctx := context.Background()
	err := r.ProvideIngressRequirements(ctx, "", 9090)
	c.Assert(errors.Is(err, ingressperunit.ErrNotRelated), jc.IsTrue)

	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")
	c.Assert(r.ProvideIngressRequirements(ctx, "", 9090), jc.ErrorIsNil)
	c.Check(s.model.LocalUnitData(rel), jc.DeepEquals, databag.Databag{
		"model":          relationtesting.ModelName,
		"name":           "prometheus/0",
		"host":           "10.1.2.3",
		"port":           "9090",
		"mode":           "tcp",
		"redirect-https": "true",
	})

	c.Assert(r.ProvideIngressRequirements(ctx, "prometheus-0.local", 9091), jc.ErrorIsNil)
	c.Check(s.model.LocalUnitData(rel)["host"], gc.Equals, "prometheus-0.local")
	c.Check(r.ProvideIngressRequirements(ctx, "", 0), jc.Satisfies, errors.IsNotValid)
}

func (s *requirerSuite) TestAutoPublish(c *gc.C) {
	s.newRequirer(c, func(cfg *ingressperunit.RequirerConfig) {
		cfg.Port = 9090
		cfg.StripPrefix = true
	})
	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")
	s.dispatch(c, event.RelationJoined, rel)
	c.Check(s.model.LocalUnitData(rel)["port"], gc.Equals, "9090")
	c.Check(s.model.LocalUnitData(rel)["strip-prefix"], gc.Equals, "true")

	s.model.LocalUnitData(rel).Clear()
	c.Assert(s.d.Dispatch(context.Background(), event.Event{Kind: event.UpgradeCharm}), jc.ErrorIsNil)
	c.Check(s.model.LocalUnitData(rel)["port"], gc.Equals, "9090")
}

func (s *requirerSuite) TestURLs(c *gc.C) {
	r := s.newRequirer(c, nil)
	ctx := context.Background()
	c.Check(r.IsReady(ctx), jc.IsFalse)

	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")
	publish(rel, map[string]string{"prometheus/1": "http://traefik/cos-prometheus-1"})
	c.Check(r.URLs(ctx), jc.DeepEquals, map[string]string{"prometheus/1": "http://traefik/cos-prometheus-1"})
	c.Check(r.URL(ctx), gc.Equals, "")
	c.Check(r.IsReady(ctx), jc.IsFalse)

	publish(rel, map[string]string{"prometheus/0": "http://traefik/cos-prometheus-0"})
	c.Check(r.URL(ctx), gc.Equals, "http://traefik/cos-prometheus-0")
	c.Check(r.IsReady(ctx), jc.IsTrue)

	rel.Data("traefik")["ingress"] = "- not\n- a mapping\n"
	c.Check(r.URLs(ctx), gc.HasLen, 0)
	c.Check(s.log.Messages("ERROR"), gc.HasLen, 1)
}

type recorders struct {
	ready          *event.Recorder[ingressperunit.ReadyEvent]
	revoked        *event.Recorder[ingressperunit.RevokedEvent]
	readyForUnit   *event.Recorder[ingressperunit.ReadyForUnitEvent]
	revokedForUnit *event.Recorder[ingressperunit.RevokedForUnitEvent]
}

func record(r *ingressperunit.Requirer) recorders {
	return recorders{
		ready:          new(event.Recorder[ingressperunit.ReadyEvent]).Record(&r.Ready),
		revoked:        new(event.Recorder[ingressperunit.RevokedEvent]).Record(&r.Revoked),
		readyForUnit:   new(event.Recorder[ingressperunit.ReadyForUnitEvent]).Record(&r.ReadyForUnit),
		revokedForUnit: new(event.Recorder[ingressperunit.RevokedForUnitEvent]).Record(&r.RevokedForUnit),
	}
}

func (s *requirerSuite) TestOnlyThisUnitEvents(c *gc.C) {
	rec := record(s.newRequirer(c, nil))
	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")

	publish(rel, map[string]string{"prometheus/1": "http://traefik/p1"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.readyForUnit.Events, gc.HasLen, 0)

	publish(rel, map[string]string{"prometheus/0": "http://traefik/p0", "prometheus/1": "http://traefik/p1"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.readyForUnit.Events, jc.DeepEquals, []ingressperunit.ReadyForUnitEvent{{
		RelationID: rel.ID, URL: "http://traefik/p0",
	}})

	// Unchanged data emits nothing.
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.readyForUnit.Events, gc.HasLen, 1)

	publish(rel, map[string]string{"prometheus/0": "http://traefik/p0-new"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.readyForUnit.Events, gc.HasLen, 2)
	c.Check(rec.readyForUnit.Events[1].URL, gc.Equals, "http://traefik/p0-new")

	s.dispatch(c, event.RelationBroken, rel)
	c.Check(rec.revokedForUnit.Events, jc.DeepEquals, []ingressperunit.RevokedForUnitEvent{{RelationID: rel.ID}})
	c.Check(rec.ready.Events, gc.HasLen, 0)
	c.Check(rec.revoked.Events, gc.HasLen, 0)
}

func (s *requirerSuite) TestAllUnitsEvents(c *gc.C) {
	rec := record(s.newRequirer(c, func(cfg *ingressperunit.RequirerConfig) {
		cfg.ListenTo = ingressperunit.AllUnits
	}))
	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")

	publish(rel, map[string]string{"prometheus/0": "http://traefik/p0", "prometheus/1": "http://traefik/p1"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.ready.Events, jc.DeepEquals, []ingressperunit.ReadyEvent{
		{RelationID: rel.ID, Unit: "prometheus/0", URL: "http://traefik/p0"},
		{RelationID: rel.ID, Unit: "prometheus/1", URL: "http://traefik/p1"},
	})

	publish(rel, map[string]string{"prometheus/0": "http://traefik/p0"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.ready.Events, gc.HasLen, 2)
	c.Check(rec.revoked.Events, jc.DeepEquals, []ingressperunit.RevokedEvent{{RelationID: rel.ID, Unit: "prometheus/1"}})
	c.Check(rec.readyForUnit.Events, gc.HasLen, 0)
}

func (s *requirerSuite) TestBothEvents(c *gc.C) {
	rec := record(s.newRequirer(c, func(cfg *ingressperunit.RequirerConfig) {
		cfg.ListenTo = ingressperunit.Both
	}))
	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")

	publish(rel, map[string]string{"prometheus/0": "http://traefik/p0"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.ready.Events, gc.HasLen, 1)
	c.Check(rec.readyForUnit.Events, gc.HasLen, 1)

	s.dispatch(c, event.RelationBroken, rel)
	c.Check(rec.revoked.Events, gc.HasLen, 1)
	c.Check(rec.revokedForUnit.Events, gc.HasLen, 1)
}

type fakeStore struct {
	urls  map[string]string
	saved int
}

func (f *fakeStore) LoadURLs(context.Context) (map[string]string, error) { return f.urls, nil }

func (f *fakeStore) SaveURLs(_ context.Context, urls map[string]string) error {
	f.urls = urls
	f.saved++
	return nil
}

func (s *requirerSuite) TestStoredURLsSurviveRestart(c *gc.C) {
	store := &fakeStore{urls: map[string]string{"prometheus/0": "http://traefik/p0"}}
	rec := record(s.newRequirer(c, func(cfg *ingressperunit.RequirerConfig) { cfg.Store = store }))
	rel := s.model.AddRelation("ingress-per-unit", "traefik", "traefik/0")

	publish(rel, map[string]string{"prometheus/0": "http://traefik/p0"})
	s.dispatch(c, event.RelationChanged, rel)
	c.Check(rec.readyForUnit.Events, gc.HasLen, 0)
	c.Check(store.saved, gc.Equals, 1)
}
