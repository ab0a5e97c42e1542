// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape_test

import (
	"context"
	"os"
	"path/filepath"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/relations/prometheusscrape"
)

type alertRulesSuite struct {
	dir string
}

var _ = gc.Suite(&alertRulesSuite{})

const officialRules = `
groups:
- name: availability
  rules:
  - alert: Down
    expr: up{%%juju_topology%%} < 1
    for: 5m
`

const singleRule = `
alert: HighLatency
expr: latency > 1
labels:
  severity: page
`

func (s *alertRulesSuite) SetUpTest(c *gc.C) {
	s.dir = c.MkDir()
	s.write(c, "official.rules", officialRules)
	s.write(c, "nested/latency.rule", singleRule)
	s.write(c, "ignored.txt", singleRule)
}

func (s *alertRulesSuite) write(c *gc.C, name, content string) {
	path := filepath.Join(s.dir, name)
	c.Assert(os.MkdirAll(filepath.Dir(path), 0755), jc.ErrorIsNil)
	c.Assert(os.WriteFile(path, []byte(content), 0644), jc.ErrorIsNil)
}

func groups(c *gc.C, doc map[string]any) []map[string]any {
	raw, ok := doc["groups"].([]any)
	c.Assert(ok, jc.IsTrue)
	out := make([]map[string]any, len(raw))
	for i, g := range raw {
		out[i] = g.(map[string]any)
	}
	return out
}

func firstRule(g map[string]any) map[string]any {
	return g["rules"].([]any)[0].(map[string]any)
}

func (s *alertRulesSuite) TestAddPathRecursiveWithTopology(c *gc.C) {
	top := testTopology(c)
	rules := prometheusscrape.NewAlertRules(&top, &fakeTool{}, loggertesting.WrapCheckLog(c))
	rules.AddPath(context.Background(), s.dir, true)

	gs := groups(c, rules.AsMap())
	c.Assert(gs, gc.HasLen, 2)

	c.Check(gs[0]["name"], gc.Equals, "testmodel_12de4fa_app_nested_latency_alerts")
	latency := firstRule(gs[0])
	c.Check(latency["expr"], gc.Equals,
		`latency > 1{juju_application="app", juju_model="testmodel", juju_model_uuid="12de4fae-06cc-4ceb-9089-567be09fec78"}`)
	c.Check(latency["labels"], jc.DeepEquals, map[string]any{
		"severity":         "page",
		"juju_model":       "testmodel",
		"juju_model_uuid":  "12de4fae-06cc-4ceb-9089-567be09fec78",
		"juju_application": "app",
	})

	c.Check(gs[1]["name"], gc.Equals, "testmodel_12de4fa_app_availability_alerts")
	down := firstRule(gs[1])
	c.Check(down["expr"], gc.Equals,
		`up{} < 1{juju_application="app", juju_model="testmodel", juju_model_uuid="12de4fae-06cc-4ceb-9089-567be09fec78"}`)
	c.Check(down["for"], gc.Equals, "5m")
}

func (s *alertRulesSuite) TestAddPathNonRecursive(c *gc.C) {
	rules := prometheusscrape.NewAlertRules(nil, nil, loggertesting.WrapCheckLog(c))
	rules.AddPath(context.Background(), s.dir, false)

	gs := groups(c, rules.AsMap())
	c.Assert(gs, gc.HasLen, 1)
	c.Check(gs[0]["name"], gc.Equals, "availability_alerts")
	// Without a topology the expression is left alone.
	c.Check(firstRule(gs[0])["expr"], gc.Equals, "up{%%juju_topology%%} < 1")
	c.Check(firstRule(gs[0])["labels"], jc.DeepEquals, map[string]any{})
}

func (s *alertRulesSuite) TestAddPathSingleFile(c *gc.C) {
	rules := prometheusscrape.NewAlertRules(nil, nil, loggertesting.WrapCheckLog(c))
	rules.AddPath(context.Background(), filepath.Join(s.dir, "nested", "latency.rule"), false)
	gs := groups(c, rules.AsMap())
	c.Assert(gs, gc.HasLen, 1)
	c.Check(gs[0]["name"], gc.Equals, "latency_alerts")
}

func (s *alertRulesSuite) TestInvalidFilesAreSkipped(c *gc.C) {
	dir := c.MkDir()
	for name, content := range map[string]string{
		"empty.rule":    "",
		"list.rule":     "- a\n- b\n",
		"unknown.rule":  "foo: bar\n",
		"broken.rule":   "groups: [\n",
		"good.rule":     singleRule,
		"notafile.yaml": "",
	} {
		c.Assert(os.WriteFile(filepath.Join(dir, name), []byte(content), 0644), jc.ErrorIsNil)
	}
	log := loggertesting.NewRecorder()
	rules := prometheusscrape.NewAlertRules(nil, nil, log)
	rules.AddPath(context.Background(), dir, false)

	c.Assert(rules.Groups(), gc.Equals, 1)
	c.Assert(log.Messages("ERROR"), gc.HasLen, 3)
	c.Assert(log.Messages("WARNING"), gc.HasLen, 2)
}

func (s *alertRulesSuite) TestMissingPath(c *gc.C) {
	rules := prometheusscrape.NewAlertRules(nil, nil, loggertesting.WrapCheckLog(c))
	rules.AddPath(context.Background(), filepath.Join(s.dir, "missing"), true)
	c.Assert(rules.AsMap(), jc.DeepEquals, map[string]any{})
}

func (s *alertRulesSuite) TestAddRule(c *gc.C) {
	top := testTopology(c)
	rules := prometheusscrape.NewAlertRules(&top, &fakeTool{}, loggertesting.WrapCheckLog(c))
	rules.AddRule(context.Background(), "extra", map[string]any{
		"alert": "A",
		"expr":  "%%juju_topology%%,up",
	})
	gs := groups(c, rules.AsMap())
	c.Assert(gs, gc.HasLen, 1)
	c.Check(gs[0]["name"], gc.Equals, "testmodel_12de4fa_app_extra_alerts")
	c.Check(firstRule(gs[0])["expr"], gc.Matches, `up\{juju_application="app".*\}`)
}
