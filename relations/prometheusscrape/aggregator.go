// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"context"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// Default aggregator relation names.
const (
	DefaultPrometheusRelationName = "downstream-prometheus-scrape"
	DefaultTargetRelationName     = "prometheus-target"
	DefaultAlertRulesRelationName = "prometheus-rules"
)

// Target is the scrape address of one unit that does not speak the
// prometheus_scrape interface.
type Target struct {
	Hostname string
	Port     string
}

// AggregatorConfig holds the collaborators of a
// MetricsEndpointAggregator.
type AggregatorConfig struct {
	Model relation.Model

	// PrometheusRelationName is the relation with the consumers. It
	// defaults to DefaultPrometheusRelationName.
	PrometheusRelationName string

	// TargetRelationName is the relation with the scrape targets. It
	// defaults to DefaultTargetRelationName.
	TargetRelationName string

	// AlertRulesRelationName is the relation carrying raw alert rules. It
	// defaults to DefaultAlertRulesRelationName.
	AlertRulesRelationName string

	// KeepInstanceLabel disables rewriting the instance label from the
	// topology.
	KeepInstanceLabel bool

	// ResolveAddresses adds a dns_name label from a reverse lookup of
	// each target.
	ResolveAddresses bool

	// LookupAddr performs the reverse lookup. It defaults to
	// net.LookupAddr.
	LookupAddr func(ctx context.Context, addr string) ([]string, error)

	Logger logger.Logger
}

// Validate checks the configuration.
func (c AggregatorConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// JobOption customises a job built by SetTargetJobData.
type JobOption func(Job)

// WithRelabelConfigs appends relabel configurations to the job.
func WithRelabelConfigs(configs ...map[string]any) JobOption {
	return func(job Job) {
		existing, _ := job["relabel_configs"].([]any)
		for _, c := range configs {
			existing = append(existing, normalize(c))
		}
		job["relabel_configs"] = existing
	}
}

// WithJobUpdates overrides keys of the job.
func WithJobUpdates(updates Job) JobOption {
	return func(job Job) {
		for k, v := range updates {
			job[k] = normalize(v)
		}
	}
}

// MetricsEndpointAggregator collects targets and alert rules from charms
// that do not implement the prometheus_scrape interface, and forwards
// them to consumers. It must be deployed in the same model as its
// targets, since the targets are labelled with its own model.
type MetricsEndpointAggregator struct {
	cfg AggregatorConfig

	// jobs and groups are the last published state, also handed to
	// consumers joining later.
	jobs   []Job
	groups []any
}

// NewMetricsEndpointAggregator returns an aggregator.
func NewMetricsEndpointAggregator(cfg AggregatorConfig) (*MetricsEndpointAggregator, error) {
	if cfg.PrometheusRelationName == "" {
		cfg.PrometheusRelationName = DefaultPrometheusRelationName
	}
	if cfg.TargetRelationName == "" {
		cfg.TargetRelationName = DefaultTargetRelationName
	}
	if cfg.AlertRulesRelationName == "" {
		cfg.AlertRulesRelationName = DefaultAlertRulesRelationName
	}
	if cfg.LookupAddr == nil {
		cfg.LookupAddr = net.DefaultResolver.LookupAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &MetricsEndpointAggregator{cfg: cfg}, nil
}

// Register observes the events of the three relations.
func (a *MetricsEndpointAggregator) Register(d *event.Dispatcher) {
	d.Observe(event.RelationJoined, a.cfg.PrometheusRelationName, a.onPrometheusJoined)
	d.Observe(event.RelationChanged, a.cfg.TargetRelationName, a.onTargetsChanged)
	d.Observe(event.RelationDeparted, a.cfg.TargetRelationName, a.onTargetDeparted)
	d.Observe(event.RelationChanged, a.cfg.AlertRulesRelationName, a.onAlertRulesChanged)
	d.Observe(event.RelationDeparted, a.cfg.AlertRulesRelationName, a.onAlertRulesDeparted)
}

// onPrometheusJoined hands a new consumer every known job and rule group.
func (a *MetricsEndpointAggregator) onPrometheusJoined(ctx context.Context, e event.Event) error {
	if !a.cfg.Model.IsLeader() {
		return nil
	}
	rel, err := a.cfg.Model.Relation(a.cfg.PrometheusRelationName, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}

	jobs := append([]Job(nil), a.jobs...)
	for _, target := range a.cfg.Model.Relations(a.cfg.TargetRelationName) {
		if targets := unitTargets(target); len(targets) > 0 && target.App != "" {
			jobs = append(jobs, a.staticScrapeJob(ctx, targets, target.App))
		}
	}
	groups := append([]any(nil), a.groups...)
	for _, rules := range a.cfg.Model.Relations(a.cfg.AlertRulesRelationName) {
		if unitRules := a.unitAlertRules(ctx, rules); len(unitRules) > 0 && rules.App != "" {
			groups = append(groups, map[string]any{
				"name":  a.GroupName(rules.App),
				"rules": a.labelAlertRules(unitRules, rules.App),
			})
		}
	}

	bag := rel.Data(a.cfg.Model.AppName())
	if err := databag.Set(bag, scrapeJobsKey, jobs); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(databag.Set(bag, alertRulesKey, map[string]any{"groups": groups}))
}

func (a *MetricsEndpointAggregator) onTargetsChanged(ctx context.Context, e event.Event) error {
	if !a.cfg.Model.IsLeader() {
		return nil
	}
	rel, err := a.cfg.Model.Relation(a.cfg.TargetRelationName, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	targets := unitTargets(rel)
	if len(targets) == 0 {
		return nil
	}
	return errors.Trace(a.SetTargetJobData(ctx, targets, rel.App))
}

func (a *MetricsEndpointAggregator) onTargetDeparted(ctx context.Context, e event.Event) error {
	if !a.cfg.Model.IsLeader() {
		return nil
	}
	return errors.Trace(a.RemovePrometheusJobs(ctx, a.JobName(a.remoteApp(e)), e.Unit))
}

func (a *MetricsEndpointAggregator) onAlertRulesChanged(ctx context.Context, e event.Event) error {
	if !a.cfg.Model.IsLeader() {
		return nil
	}
	rel, err := a.cfg.Model.Relation(a.cfg.AlertRulesRelationName, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	unitRules := a.unitAlertRules(ctx, rel)
	if len(unitRules) == 0 {
		return nil
	}
	return errors.Trace(a.SetAlertRuleData(ctx, rel.App, unitRules))
}

func (a *MetricsEndpointAggregator) onAlertRulesDeparted(ctx context.Context, e event.Event) error {
	if !a.cfg.Model.IsLeader() {
		return nil
	}
	return errors.Trace(a.RemoveAlertRules(ctx, a.GroupName(a.remoteApp(e)), e.Unit))
}

// remoteApp is the application of the departing unit.
func (a *MetricsEndpointAggregator) remoteApp(e event.Event) string {
	if e.App != "" {
		return e.App
	}
	if app, err := relation.UnitApplication(e.Unit); err == nil {
		return app
	}
	return ""
}

// SetTargetJobData replaces the job of the application on every consumer
// relation with one built from targets, keyed by unit name. Like the
// other mutators it returns relation.ErrNotLeader on a non-leader unit.
func (a *MetricsEndpointAggregator) SetTargetJobData(ctx context.Context, targets map[string]Target, app string, opts ...JobOption) error {
	if err := relation.RequireLeader(a.cfg.Model, "set target job data"); err != nil {
		return errors.Trace(err)
	}
	updated := a.staticScrapeJob(ctx, targets, app, opts...)
	name := updated["job_name"]
	for _, rel := range a.cfg.Model.Relations(a.cfg.PrometheusRelationName) {
		bag := rel.Data(a.cfg.Model.AppName())
		jobs, err := loadJobs(bag)
		if err != nil {
			return errors.Trace(err)
		}
		kept := make([]Job, 0, len(jobs)+1)
		for _, job := range jobs {
			if job["job_name"] != name {
				kept = append(kept, job)
			}
		}
		kept = append(kept, updated)
		if err := databag.Set(bag, scrapeJobsKey, kept); err != nil {
			return errors.Trace(err)
		}
		a.jobs = kept
	}
	return nil
}

// RemovePrometheusJobs removes the static configs of unit from the named
// job, and the job itself once it has none left. An empty unit matches
// static configs without a juju_unit label.
func (a *MetricsEndpointAggregator) RemovePrometheusJobs(ctx context.Context, jobName, unit string) error {
	if err := relation.RequireLeader(a.cfg.Model, "remove scrape jobs"); err != nil {
		return errors.Trace(err)
	}
	for _, rel := range a.cfg.Model.Relations(a.cfg.PrometheusRelationName) {
		bag := rel.Data(a.cfg.Model.AppName())
		jobs, err := loadJobs(bag)
		if err != nil {
			return errors.Trace(err)
		}
		var changed Job
		kept := make([]Job, 0, len(jobs))
		for _, job := range jobs {
			if job["job_name"] == jobName {
				if changed == nil {
					changed = job
				}
				continue
			}
			kept = append(kept, job)
		}
		if changed == nil {
			continue
		}
		configs, _ := changed["static_configs"].([]any)
		var configsKept []any
		for _, c := range configs {
			config, _ := c.(map[string]any)
			labels, _ := config["labels"].(map[string]any)
			if u, _ := labels["juju_unit"].(string); u != unit {
				configsKept = append(configsKept, c)
			}
		}
		if len(configsKept) > 0 {
			changed["static_configs"] = configsKept
			kept = append(kept, changed)
		}
		if err := databag.Set(bag, scrapeJobsKey, kept); err != nil {
			return errors.Trace(err)
		}
		a.jobs = kept
	}
	return nil
}

// SetAlertRuleData labels the rules of each unit with the topology and
// merges them into the application rule group on every consumer
// relation.
func (a *MetricsEndpointAggregator) SetAlertRuleData(ctx context.Context, app string, unitRules map[string][]any) error {
	return a.setGroup(ctx, a.GroupName(app), a.labelAlertRules(unitRules, app))
}

// SetLabelledAlertRule merges a rule that already carries its topology
// labels into the named rule group.
func (a *MetricsEndpointAggregator) SetLabelledAlertRule(ctx context.Context, name string, rule map[string]any) error {
	return a.setGroup(ctx, a.GroupName(name), []any{normalize(rule)})
}

func (a *MetricsEndpointAggregator) setGroup(ctx context.Context, groupName string, rules []any) error {
	if err := relation.RequireLeader(a.cfg.Model, "set alert rules"); err != nil {
		return errors.Trace(err)
	}
	for _, rel := range a.cfg.Model.Relations(a.cfg.PrometheusRelationName) {
		bag := rel.Data(a.cfg.Model.AppName())
		doc, err := loadAlertRules(bag)
		if err != nil {
			return errors.Trace(err)
		}
		groups, _ := doc["groups"].([]any)
		found := false
		for _, g := range groups {
			group, _ := g.(map[string]any)
			if group["name"] != groupName {
				continue
			}
			found = true
			existing, _ := group["rules"].([]any)
			var merged []any
			for _, r := range existing {
				if !containsRule(rules, r) {
					merged = append(merged, r)
				}
			}
			group["rules"] = append(merged, rules...)
		}
		if !found {
			groups = append(groups, map[string]any{"name": groupName, "rules": rules})
		}
		if err := databag.Set(bag, alertRulesKey, map[string]any{"groups": groups}); err != nil {
			return errors.Trace(err)
		}
		a.groups = groups
	}
	return nil
}

// RemoveAlertRules removes the rules of unit from the named group, and the
// group itself once it has no rules left.
func (a *MetricsEndpointAggregator) RemoveAlertRules(ctx context.Context, groupName, unit string) error {
	if err := relation.RequireLeader(a.cfg.Model, "remove alert rules"); err != nil {
		return errors.Trace(err)
	}
	for _, rel := range a.cfg.Model.Relations(a.cfg.PrometheusRelationName) {
		bag := rel.Data(a.cfg.Model.AppName())
		doc, err := loadAlertRules(bag)
		if err != nil {
			return errors.Trace(err)
		}
		groups, _ := doc["groups"].([]any)
		if len(groups) == 0 {
			continue
		}
		var changed map[string]any
		kept := make([]any, 0, len(groups))
		for _, g := range groups {
			group, _ := g.(map[string]any)
			if group["name"] == groupName {
				if changed == nil {
					changed = group
				}
				continue
			}
			kept = append(kept, g)
		}
		if changed == nil {
			continue
		}
		rules, _ := changed["rules"].([]any)
		var rulesKept []any
		for _, r := range rules {
			rule, _ := r.(map[string]any)
			labels, _ := rule["labels"].(map[string]any)
			if u, _ := labels["juju_unit"].(string); u != unit {
				rulesKept = append(rulesKept, r)
			}
		}
		if len(rulesKept) > 0 {
			changed["rules"] = rulesKept
			kept = append(kept, changed)
		}
		if len(kept) == 0 {
			bag[alertRulesKey] = "{}"
		} else if err := databag.Set(bag, alertRulesKey, map[string]any{"groups": kept}); err != nil {
			return errors.Trace(err)
		}
		a.groups = kept
	}
	return nil
}

// JobName is the scrape job name of an application:
// juju_<model>_<uuid[:7]>_<app>_prometheus_scrape.
func (a *MetricsEndpointAggregator) JobName(app string) string {
	return fmt.Sprintf("juju_%s_%s_%s_prometheus_scrape", a.cfg.Model.Name(), shortUUID(a.cfg.Model.UUID()), app)
}

// GroupName is the alert rule group name of an application.
func (a *MetricsEndpointAggregator) GroupName(app string) string {
	app = strings.ReplaceAll(app, "/", "_")
	return fmt.Sprintf("juju_%s_%s_%s_alert_rules", a.cfg.Model.Name(), shortUUID(a.cfg.Model.UUID()), app)
}

func (a *MetricsEndpointAggregator) staticScrapeJob(ctx context.Context, targets map[string]Target, app string, opts ...JobOption) Job {
	configs := make([]any, 0, len(targets))
	for _, unit := range sortedKeys(targets) {
		target := targets[unit]
		labels := map[string]any{
			"juju_model":       a.cfg.Model.Name(),
			"juju_model_uuid":  a.cfg.Model.UUID(),
			"juju_application": app,
			"juju_unit":        unit,
			"host":             target.Hostname,
		}
		if a.cfg.ResolveAddresses {
			labels["dns_name"] = a.dnsName(ctx, target.Hostname)
		}
		configs = append(configs, map[string]any{
			"targets": []any{target.Hostname + ":" + target.Port},
			"labels":  labels,
		})
	}
	relabel := []any{}
	if !a.cfg.KeepInstanceLabel {
		relabel = append(relabel, RelabelInstanceConfig(true))
	}
	job := Job{
		"job_name":        a.JobName(app),
		"static_configs":  configs,
		"relabel_configs": relabel,
	}
	for _, opt := range opts {
		opt(job)
	}
	return normalize(job).(map[string]any)
}

func (a *MetricsEndpointAggregator) dnsName(ctx context.Context, host string) string {
	names, err := a.cfg.LookupAddr(ctx, host)
	if err != nil || len(names) == 0 {
		a.cfg.Logger.Debugf(ctx, "could not perform DNS lookup for %s", host)
		return host
	}
	return strings.TrimSuffix(names[0], ".")
}

// labelAlertRules adds the topology of each unit to its rules.
func (a *MetricsEndpointAggregator) labelAlertRules(unitRules map[string][]any, app string) []any {
	var labelled []any
	for _, unit := range sortedKeys(unitRules) {
		for _, r := range unitRules[unit] {
			rule, ok := normalize(r).(map[string]any)
			if !ok {
				continue
			}
			labels, ok := rule["labels"].(map[string]any)
			if !ok {
				labels = make(map[string]any)
				rule["labels"] = labels
			}
			labels["juju_model"] = a.cfg.Model.Name()
			labels["juju_model_uuid"] = a.cfg.Model.UUID()
			labels["juju_application"] = app
			labels["juju_unit"] = unit
			labelled = append(labelled, rule)
		}
	}
	return labelled
}

// unitAlertRules reads the YAML rule lists published by each unit under
// the groups key.
func (a *MetricsEndpointAggregator) unitAlertRules(ctx context.Context, rel *relation.Relation) map[string][]any {
	rules := make(map[string][]any)
	for _, unit := range rel.RemoteUnits() {
		raw := rel.Data(unit)["groups"]
		if raw == "" {
			continue
		}
		var unitRules []any
		if err := yaml.Unmarshal([]byte(raw), &unitRules); err != nil {
			a.cfg.Logger.Errorf(ctx, "invalid alert rules from %s: %v", unit, err)
			continue
		}
		if len(unitRules) > 0 {
			rules[unit] = unitRules
		}
	}
	return rules
}

// unitTargets reads the hostname and port published by each unit. The
// port defaults to 80.
func unitTargets(rel *relation.Relation) map[string]Target {
	targets := make(map[string]Target)
	for _, unit := range rel.RemoteUnits() {
		bag := rel.Data(unit)
		if bag["hostname"] == "" {
			continue
		}
		port := bag["port"]
		if port == "" {
			port = "80"
		}
		targets[unit] = Target{Hostname: bag["hostname"], Port: port}
	}
	return targets
}

func containsRule(rules []any, rule any) bool {
	for _, r := range rules {
		if reflect.DeepEqual(r, rule) {
			return true
		}
	}
	return false
}

func shortUUID(uuid string) string {
	if len(uuid) > 7 {
		return uuid[:7]
	}
	return uuid
}
