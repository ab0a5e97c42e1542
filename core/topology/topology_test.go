// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package topology_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	"github.com/juju/relationlibs/core/topology"
)

type topologySuite struct{}

var _ = gc.Suite(&topologySuite{})

const modelUUID = "12de4fae-06cc-4ceb-9089-567be09fec78"

func (s *topologySuite) TestIdentifier(c *gc.C) {
	t, err := topology.New("testmodel", modelUUID, "target-app", "target-app/0", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.Identifier(), gc.Equals, "testmodel_12de4fa_target-app")
	c.Check(t.ShortModelUUID(), gc.Equals, "12de4fa")
}

func (s *topologySuite) TestLabelMatchers(c *gc.C) {
	t, err := topology.New("testmodel", modelUUID, "target-app", "target-app/0", "target")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.LabelMatcherDict(), jc.DeepEquals, map[string]string{
		"juju_model":       "testmodel",
		"juju_model_uuid":  modelUUID,
		"juju_application": "target-app",
		"juju_charm":       "target",
	})
	c.Check(t.LabelMatchers(), gc.Equals,
		`juju_application="target-app", juju_charm="target", juju_model="testmodel", juju_model_uuid="`+modelUUID+`"`)
}

func (s *topologySuite) TestInject(c *gc.C) {
	t, err := topology.New("testmodel", modelUUID, "app", "", "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.Inject(`up{%%juju_topology%%} < 1`), gc.Equals,
		`up{juju_application="app", juju_model="testmodel", juju_model_uuid="`+modelUUID+`"} < 1`)
}

func (s *topologySuite) TestValidate(c *gc.C) {
	_, err := topology.New("testmodel", "not-a-uuid", "app", "", "")
	c.Check(errors.IsNotValid(err), jc.IsTrue)
	_, err = topology.New("", modelUUID, "app", "", "")
	c.Check(errors.IsNotValid(err), jc.IsTrue)
	_, err = topology.New("testmodel", modelUUID, "", "", "")
	c.Check(errors.IsNotValid(err), jc.IsTrue)
}

func (s *topologySuite) TestFromMap(c *gc.C) {
	t, err := topology.FromMap(map[string]string{
		"model":       "testmodel",
		"model_uuid":  modelUUID,
		"application": "app",
		"unit":        "app/1",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t.AsMap(), jc.DeepEquals, map[string]string{
		"model":       "testmodel",
		"model_uuid":  modelUUID,
		"application": "app",
		"unit":        "app/1",
	})

	_, err = topology.FromMap(map[string]string{"model": "testmodel"})
	c.Check(err, gc.ErrorMatches, `topology missing "model_uuid" not valid`)
}

func (s *topologySuite) TestFromModel(c *gc.C) {
	m := relationtesting.NewModel("prometheus", 2)
	t, err := topology.FromModel(m, "prometheus-k8s")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(t, jc.DeepEquals, topology.Topology{
		Model:       relationtesting.ModelName,
		ModelUUID:   relationtesting.ModelUUID,
		Application: "prometheus",
		Unit:        "prometheus/2",
		CharmName:   "prometheus-k8s",
	})
}
