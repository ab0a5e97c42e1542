// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package prometheusscrape implements the prometheus_scrape relation
// interface.
//
// A MetricsEndpointProvider publishes scrape jobs, alert rules and the
// topology of the scraped application. A MetricsEndpointConsumer (the
// Prometheus charm) turns them into scrape configuration, expanding
// wildcard targets into one job per unit. A RulesProvider forwards rule
// files only, and a MetricsEndpointAggregator builds jobs for targets that
// do not speak the interface.
package prometheusscrape

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/topology"
)

const (
	// Interface is the relation interface name.
	Interface = "prometheus_scrape"

	// DefaultRelationName is the endpoint name used by providers and
	// consumers.
	DefaultRelationName = "metrics-endpoint"

	// DefaultAlertRulesPath is the rules directory, relative to the charm
	// directory.
	DefaultAlertRulesPath = "src/prometheus_alert_rules"
)

// Application databag keys.
const (
	scrapeMetadataKey = "scrape_metadata"
	scrapeJobsKey     = "scrape_jobs"
	alertRulesKey     = "alert_rules"
	eventKey          = "event"
)

// Unit databag keys.
const (
	unitAddressKey = "prometheus_scrape_unit_address"
	unitPathKey    = "prometheus_scrape_unit_path"
	unitNameKey    = "prometheus_scrape_unit_name"

	// legacyHostKey is read when unitAddressKey is absent.
	legacyHostKey = "prometheus_scrape_host"
)

// Tool is the subset of the cos-tool used by the consumer. It is
// implemented by *costool.Tool.
type Tool interface {
	AlertTool
	ValidateScrapeJobs(ctx context.Context, jobs []map[string]any) (bool, string)
}

// AlertRuleStatus is written by the consumer into its application data
// when the alert rules of a provider fail validation.
type AlertRuleStatus struct {
	Valid  *bool  `json:"valid,omitempty"`
	Errors string `json:"errors,omitempty"`
}

// loadJobs decodes the scrape jobs of a provider application databag.
func loadJobs(bag databag.Databag) ([]Job, error) {
	raw, ok := bag[scrapeJobsKey]
	if !ok {
		return nil, nil
	}
	var jobs []Job
	if err := databag.Decode(raw, &jobs); err != nil {
		return nil, errors.Annotatef(err, "decoding %s", scrapeJobsKey)
	}
	return jobs, nil
}

// loadAlertRules decodes the alert rules of an application databag.
func loadAlertRules(bag databag.Databag) (map[string]any, error) {
	raw, ok := bag[alertRulesKey]
	if !ok {
		return map[string]any{}, nil
	}
	rules := make(map[string]any)
	if err := databag.Decode(raw, &rules); err != nil {
		return nil, errors.Annotatef(err, "decoding %s", alertRulesKey)
	}
	return rules, nil
}

// loadMetadata decodes the scrape metadata of a provider. It returns nil
// when the provider has not published any.
func loadMetadata(bag databag.Databag) (*topology.Topology, error) {
	raw, ok := bag[scrapeMetadataKey]
	if !ok {
		return nil, nil
	}
	metadata := make(map[string]string)
	if err := databag.Decode(raw, &metadata); err != nil {
		return nil, errors.Annotatef(err, "decoding %s", scrapeMetadataKey)
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	top, err := topology.FromMap(metadata)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &top, nil
}
