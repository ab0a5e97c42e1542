// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
)

type checkSuite struct {
	model *relationtesting.Model
}

var _ = gc.Suite(&checkSuite{})

func (s *checkSuite) SetUpTest(c *gc.C) {
	s.model = relationtesting.NewModel("prometheus", 0).
		WithEndpoint("metrics-endpoint", "prometheus_scrape", relation.Requires)
}

func (s *checkSuite) TestCheckEndpoint(c *gc.C) {
	err := relation.CheckEndpoint(s.model, "metrics-endpoint", "prometheus_scrape", relation.Requires)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *checkSuite) TestCheckEndpointNotFound(c *gc.C) {
	err := relation.CheckEndpoint(s.model, "ingress", "ingress_per_unit", relation.Requires)
	c.Assert(err, gc.ErrorMatches, `no relation named "ingress" found`)
	c.Check(errors.Is(err, relation.ErrRelationNotFound), jc.IsTrue)
}

func (s *checkSuite) TestCheckEndpointInterfaceMismatch(c *gc.C) {
	err := relation.CheckEndpoint(s.model, "metrics-endpoint", "prometheus_remote_write", relation.Requires)
	c.Assert(err, gc.ErrorMatches, `the "metrics-endpoint" relation has "prometheus_scrape" as interface rather than the expected "prometheus_remote_write"`)
	c.Check(errors.Is(err, relation.ErrInterfaceMismatch), jc.IsTrue)
}

func (s *checkSuite) TestCheckEndpointRoleMismatch(c *gc.C) {
	err := relation.CheckEndpoint(s.model, "metrics-endpoint", "prometheus_scrape", relation.Provides)
	c.Assert(err, gc.ErrorMatches, `the "metrics-endpoint" relation has role "requires" rather than the expected "provides"`)
	c.Check(errors.Is(err, relation.ErrRoleMismatch), jc.IsTrue)
}

func (s *checkSuite) TestRequireLeader(c *gc.C) {
	c.Assert(relation.RequireLeader(s.model, "publish"), jc.ErrorIsNil)

	s.model.SetLeader(false)
	err := relation.RequireLeader(s.model, "publish")
	c.Assert(err, gc.ErrorMatches, `cannot publish: unit is not leader`)
	c.Check(relation.IsNotLeader(err), jc.IsTrue)
	c.Check(relation.IsNotLeader(errors.Annotate(err, "wrapped")), jc.IsTrue)
}

func (s *checkSuite) TestUnitNumber(c *gc.C) {
	n, err := relation.UnitNumber("prometheus-k8s/12")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(n, gc.Equals, 12)

	_, err = relation.UnitNumber("prometheus")
	c.Check(errors.IsNotValid(err), jc.IsTrue)
}

func (s *checkSuite) TestUnitApplication(c *gc.C) {
	app, err := relation.UnitApplication("prometheus-k8s/12")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(app, gc.Equals, "prometheus-k8s")
}

func (s *checkSuite) TestActiveRelations(c *gc.C) {
	r1 := s.model.AddRelation("metrics-endpoint", "target", "target/0")
	r2 := s.model.AddRelation("metrics-endpoint", "other", "other/0")
	r2.Active = false
	c.Check(relation.ActiveRelations(s.model, "metrics-endpoint"), jc.DeepEquals, []*relation.Relation{r1})
}

func (s *checkSuite) TestIsPeerUnit(c *gc.C) {
	c.Check(relation.IsPeerUnit(s.model, "prometheus/1"), jc.IsTrue)
	c.Check(relation.IsPeerUnit(s.model, "target/1"), jc.IsFalse)
}

type relationSuite struct{}

var _ = gc.Suite(&relationSuite{})

func (s *relationSuite) TestData(c *gc.C) {
	r := relation.NewRelation(3, "ingress", "traefik")
	c.Check(r.String(), gc.Equals, "ingress:3")
	c.Check(r.HasData("traefik"), jc.IsFalse)

	r.Data("traefik")["ingress"] = "x"
	c.Check(r.HasData("traefik"), jc.IsTrue)
	c.Check(r.Data("traefik")["ingress"], gc.Equals, "x")
	c.Check(r.Entities(), jc.DeepEquals, []string{"traefik"})

	r.Units.Add("traefik/1")
	r.Units.Add("traefik/0")
	c.Check(r.RemoteUnits(), jc.DeepEquals, []string{"traefik/0", "traefik/1"})
}
