// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape_test

import (
	"context"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/relations/prometheusscrape"
)

const scrapeMetadata = `{"model":"testmodel","model_uuid":"12de4fae-06cc-4ceb-9089-567be09fec78","application":"app","unit":"app/0","charm_name":"app-k8s"}`

const labelledRules = `{"groups":[{"name":"g","rules":[{"alert":"A","expr":"up < 1",` +
	`"labels":{"juju_model":"testmodel","juju_model_uuid":"12de4fae-06cc-4ceb-9089-567be09fec78","juju_application":"app"}}]}]}`

type consumerSuite struct {
	model    *relationtesting.Model
	tool     *fakeTool
	log      loggertesting.Recorder
	consumer *prometheusscrape.MetricsEndpointConsumer
	rel      *relation.Relation
}

var _ = gc.Suite(&consumerSuite{})

func (s *consumerSuite) SetUpTest(c *gc.C) {
	s.model = relationtesting.NewModel("prometheus", 0).
		WithEndpoint("metrics-endpoint", prometheusscrape.Interface, relation.Requires)
	s.tool = &fakeTool{}
	s.log = loggertesting.NewRecorder()

	var err error
	s.consumer, err = prometheusscrape.NewMetricsEndpointConsumer(prometheusscrape.ConsumerConfig{
		Model:  s.model,
		Tool:   s.tool,
		Logger: s.log,
	})
	c.Assert(err, jc.ErrorIsNil)

	s.rel = s.model.AddRelation("metrics-endpoint", "app", "app/0", "app/1")
	s.rel.Data("app/0")["prometheus_scrape_unit_address"] = "10.1.1.1"
	s.rel.Data("app/0")["prometheus_scrape_unit_name"] = "app/0"
	s.rel.Data("app/1")["prometheus_scrape_host"] = "10.1.1.2"
}

func (s *consumerSuite) publish(metadata, jobs string) {
	app := s.rel.Data("app")
	if metadata != "" {
		app["scrape_metadata"] = metadata
	}
	app["scrape_jobs"] = jobs
}

func (s *consumerSuite) TestValidateConfig(c *gc.C) {
	_, err := prometheusscrape.NewMetricsEndpointConsumer(prometheusscrape.ConsumerConfig{
		Model:  s.model,
		Logger: s.log,
	})
	c.Assert(err, gc.ErrorMatches, "nil Tool not valid")
}

func (s *consumerSuite) TestJobsExpandsWildcards(c *gc.C) {
	s.publish(scrapeMetadata, `[{"job_name":"job","static_configs":[{"targets":["*:8080"]}]}]`)

	jobs := s.consumer.Jobs(context.Background())
	c.Assert(jobs, gc.HasLen, 2)
	c.Check(jobs[0]["job_name"], gc.Equals, "juju_testmodel_12de4fa_app_prometheus_scrape_job-0")
	c.Check(jobs[1]["job_name"], gc.Equals, "juju_testmodel_12de4fa_app_prometheus_scrape_job-1")
	c.Check(jobs[0]["static_configs"], jc.DeepEquals, []any{map[string]any{
		"targets": []any{"10.1.1.1:8080"},
		"labels": map[string]any{
			"juju_model":       "testmodel",
			"juju_model_uuid":  relationtesting.ModelUUID,
			"juju_application": "app",
			"juju_charm":       "app-k8s",
			"juju_unit":        "app/0",
		},
	}})
	c.Check(jobs[1]["static_configs"].([]any)[0].(map[string]any)["targets"], jc.DeepEquals, []any{"10.1.1.2:8080"})
}

func (s *consumerSuite) TestJobsWithoutMetadataAreUnchanged(c *gc.C) {
	s.publish("", `[{"job_name":"raw","static_configs":[{"targets":["*:8080"]}]}]`)
	jobs := s.consumer.Jobs(context.Background())
	c.Assert(jobs, jc.DeepEquals, []prometheusscrape.Job{{
		"job_name":       "raw",
		"static_configs": []any{map[string]any{"targets": []any{"*:8080"}}},
	}})
}

func (s *consumerSuite) TestJobsSkipsRelationsWithoutUnits(c *gc.C) {
	rel := s.model.AddRelation("metrics-endpoint", "lonely")
	rel.Data("lonely")["scrape_jobs"] = `[{"job_name":"x"}]`
	c.Assert(s.consumer.Jobs(context.Background()), gc.HasLen, 0)
}

func (s *consumerSuite) TestJobsDeduplicated(c *gc.C) {
	s.publish("", `[{"job_name":"dup","metrics_path":"/a"},{"job_name":"dup","metrics_path":"/b"}]`)
	jobs := s.consumer.Jobs(context.Background())
	c.Assert(jobs, gc.HasLen, 2)
	c.Assert(jobs[0]["job_name"], gc.Not(gc.Equals), jobs[1]["job_name"])
}

func (s *consumerSuite) TestJobsInvalid(c *gc.C) {
	s.tool.jobsError = "bad job"
	s.publish(scrapeMetadata, `[{"job_name":"job"}]`)
	c.Assert(s.consumer.Jobs(context.Background()), gc.HasLen, 0)
	c.Assert(s.log.Messages("ERROR"), jc.DeepEquals, []string{"scrape jobs failed validation: bad job"})
}

func (s *consumerSuite) TestAlertsFromLabels(c *gc.C) {
	s.rel.Data("app")["alert_rules"] = labelledRules
	alerts := s.consumer.Alerts(context.Background())
	c.Assert(alerts, gc.HasLen, 1)
	rules, ok := alerts["testmodel_12de4fa_app"]
	c.Assert(ok, jc.IsTrue)
	c.Check(firstRule(groups(c, rules)[0])["expr"], gc.Equals,
		`up < 1{juju_application="app", juju_model="testmodel", juju_model_uuid="12de4fae-06cc-4ceb-9089-567be09fec78"}`)
}

func (s *consumerSuite) TestAlertsFromMetadata(c *gc.C) {
	s.rel.Data("app")["scrape_metadata"] = scrapeMetadata
	s.rel.Data("app")["alert_rules"] = `{"groups":[{"name":"g","rules":[{"alert":"A","expr":"up < 1"}]}]}`
	alerts := s.consumer.Alerts(context.Background())
	_, ok := alerts["testmodel_12de4fa_app"]
	c.Assert(ok, jc.IsTrue)
}

func (s *consumerSuite) TestAlertsFallBackToGroupName(c *gc.C) {
	s.rel.Data("app")["alert_rules"] = `{"groups":[{"name":"g","rules":[{"alert":"A","expr":"up < 1"}]}]}`
	alerts := s.consumer.Alerts(context.Background())
	_, ok := alerts["g"]
	c.Assert(ok, jc.IsTrue)
	c.Assert(s.log.Messages("WARNING"), gc.HasLen, 1)
}

func (s *consumerSuite) TestAlertsInvalidReportsErrors(c *gc.C) {
	s.tool.rulesError = "error validating g: bad expr"
	s.rel.Data("app")["alert_rules"] = labelledRules
	c.Assert(s.consumer.Alerts(context.Background()), gc.HasLen, 0)
	c.Assert(s.model.LocalAppData(s.rel)["event"], gc.Equals, `{"errors":"error validating g: bad expr"}`)
}

func (s *consumerSuite) TestAlertsInvalidNotLeader(c *gc.C) {
	s.model.SetLeader(false)
	s.tool.rulesError = "bad"
	s.rel.Data("app")["alert_rules"] = labelledRules
	c.Assert(s.consumer.Alerts(context.Background()), gc.HasLen, 0)
	c.Assert(s.model.LocalAppData(s.rel), gc.HasLen, 0)
}

func (s *consumerSuite) TestTargetsChanged(c *gc.C) {
	d := event.NewDispatcher(nil)
	s.consumer.Register(d)
	rec := new(event.Recorder[prometheusscrape.TargetsChangedEvent]).Record(&s.consumer.TargetsChanged)

	for _, kind := range []event.Kind{event.RelationChanged, event.RelationDeparted} {
		err := d.Dispatch(context.Background(), event.Event{Kind: kind, Endpoint: "metrics-endpoint", RelationID: s.rel.ID})
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Assert(rec.Events, jc.DeepEquals, []prometheusscrape.TargetsChangedEvent{
		{RelationID: s.rel.ID}, {RelationID: s.rel.ID},
	})
}

func (s *consumerSuite) TestRelationJobsInvalidData(c *gc.C) {
	s.publish(scrapeMetadata, `not json`)
	_, err := prometheusscrape.RelationJobs(s.rel)
	c.Assert(err, gc.ErrorMatches, "scrape jobs: decoding scrape_jobs: .*")

	s.publish(`[]`, `[{"job_name":"job"}]`)
	_, err = prometheusscrape.RelationJobs(s.rel)
	c.Assert(err, gc.ErrorMatches, "scrape metadata: decoding scrape_metadata: .*")
}
