// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"context"
	"sort"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/core/topology"
	"github.com/juju/relationlibs/internal/logger"
)

// TargetsChangedEvent is emitted when the scrape targets of a relation
// may have changed.
type TargetsChangedEvent struct {
	RelationID int
}

// ConsumerConfig holds the collaborators of a MetricsEndpointConsumer.
type ConsumerConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

	// Tool validates jobs and rules and injects label matchers.
	Tool Tool

	Logger logger.Logger
}

// Validate checks the configuration.
func (c ConsumerConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Tool == nil {
		return errors.NotValidf("nil Tool")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// MetricsEndpointConsumer gathers scrape jobs and alert rules from
// related metrics providers.
type MetricsEndpointConsumer struct {
	model  relation.Model
	name   string
	tool   Tool
	logger logger.Logger

	TargetsChanged event.Source[TargetsChangedEvent]
}

// NewMetricsEndpointConsumer returns a consumer for the configured
// endpoint, which must require the prometheus_scrape interface.
func NewMetricsEndpointConsumer(cfg ConsumerConfig) (*MetricsEndpointConsumer, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Requires); err != nil {
		return nil, errors.Trace(err)
	}
	return &MetricsEndpointConsumer{
		model:  cfg.Model,
		name:   cfg.RelationName,
		tool:   cfg.Tool,
		logger: cfg.Logger,
	}, nil
}

// Register observes the relation events of the endpoint.
func (c *MetricsEndpointConsumer) Register(d *event.Dispatcher) {
	d.ObserveRelation(c.name, c.onTargetsChanged, event.RelationChanged, event.RelationDeparted)
}

func (c *MetricsEndpointConsumer) onTargetsChanged(ctx context.Context, e event.Event) error {
	c.TargetsChanged.Emit(ctx, TargetsChangedEvent{RelationID: e.RelationID})
	return nil
}

// Jobs returns the scrape jobs of every related provider that published
// targets, with unique names. No jobs are returned if the combined
// configuration fails validation.
func (c *MetricsEndpointConsumer) Jobs(ctx context.Context) []Job {
	var jobs []Job
	for _, rel := range c.model.Relations(c.name) {
		jobs = append(jobs, c.staticScrapeConfig(ctx, rel)...)
	}
	jobs = DedupeJobNames(jobs)
	if ok, msg := c.tool.ValidateScrapeJobs(ctx, jobs); !ok {
		c.logger.Errorf(ctx, "scrape jobs failed validation: %s", msg)
		return nil
	}
	return jobs
}

func (c *MetricsEndpointConsumer) staticScrapeConfig(ctx context.Context, rel *relation.Relation) []Job {
	jobs, err := RelationJobs(rel)
	if err != nil {
		c.logger.Errorf(ctx, "invalid scrape data in relation %d: %v", rel.ID, err)
		return nil
	}
	return jobs
}

// RelationJobs returns the scrape jobs published on rel by the remote
// application, prefixed with its topology and with wildcard targets
// expanded to the addresses of the remote units. Jobs of a provider that
// published no topology are returned unchanged.
func RelationJobs(rel *relation.Relation) ([]Job, error) {
	if rel.Units.IsEmpty() {
		return nil, nil
	}
	appData := rel.Data(rel.App)
	jobs, err := loadJobs(appData)
	if err != nil {
		return nil, errors.Annotate(err, "scrape jobs")
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	top, err := loadMetadata(appData)
	if err != nil {
		return nil, errors.Annotate(err, "scrape metadata")
	}
	if top == nil {
		return jobs, nil
	}
	prefix := "juju_" + top.Identifier() + "_prometheus_scrape"
	jobs = SanitizeJobs(PrefixJobNames(jobs, prefix))
	return ExpandWildcardTargets(jobs, relationHosts(rel), top), nil
}

// relationHosts maps the unit names of the relation to their advertised
// address and path.
func relationHosts(rel *relation.Relation) map[string]Host {
	hosts := make(map[string]Host)
	for _, unit := range rel.RemoteUnits() {
		bag := rel.Data(unit)
		name := bag[unitNameKey]
		if name == "" {
			name = unit
		}
		address := bag[unitAddressKey]
		if address == "" {
			address = bag[legacyHostKey]
		}
		if address == "" {
			continue
		}
		hosts[name] = Host{Address: address, Path: bag[unitPathKey]}
	}
	return hosts
}

// Alerts returns the alert rules of every related provider, indexed by
// the topology identifier of the provider. Rules failing validation are
// left out and the errors are reported to the provider.
func (c *MetricsEndpointConsumer) Alerts(ctx context.Context) map[string]map[string]any {
	collector := AlertCollector{Model: c.model, Tool: c.tool, Logger: c.logger}
	return collector.Collect(ctx, c.model.Relations(c.name))
}

// identifierFromRules names the rules after the topology found in the
// labels of the first rule of a group, falling back to the first group
// name.
func identifierFromRules(ctx context.Context, log logger.Logger, rules map[string]any) (string, *topology.Topology) {
	groups, ok := rules["groups"].([]any)
	if !ok {
		log.Debugf(ctx, "no alert groups were found in relation data")
		return "", nil
	}
	for _, g := range groups {
		group, _ := g.(map[string]any)
		groupRules, _ := group["rules"].([]any)
		if len(groupRules) == 0 {
			continue
		}
		rule, _ := groupRules[0].(map[string]any)
		if top, ok := topologyFromLabels(rule["labels"]); ok {
			return top.Identifier(), &top
		}
		log.Debugf(ctx, "alert rules were found but no usable labels were present")
	}
	log.Warningf(ctx, "no labeled alert rules were found, and no 'scrape_metadata' was available; "+
		"using the alert group name as filename")
	for _, g := range groups {
		group, _ := g.(map[string]any)
		if name, ok := group["name"].(string); ok {
			return name, nil
		}
	}
	return "", nil
}

func topologyFromLabels(v any) (topology.Topology, bool) {
	labels, ok := v.(map[string]any)
	if !ok {
		return topology.Topology{}, false
	}
	get := func(k string) string {
		s, _ := labels[k].(string)
		return s
	}
	for _, k := range []string{"juju_model", "juju_model_uuid", "juju_application"} {
		if _, ok := labels[k]; !ok {
			return topology.Topology{}, false
		}
	}
	return topology.Topology{
		Model:       get("juju_model"),
		ModelUUID:   get("juju_model_uuid"),
		Application: get("juju_application"),
		Unit:        get("juju_unit"),
		CharmName:   get("juju_charm"),
	}, true
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
