// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"context"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/core/topology"
	"github.com/juju/relationlibs/internal/logger"
)

// AlertRuleStatusChangedEvent is emitted when the consumer reports on
// the validity of the published alert rules.
type AlertRuleStatusChangedEvent struct {
	Valid  bool
	Errors string
}

// ProviderConfig holds the collaborators of a MetricsEndpointProvider.
type ProviderConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

	// CharmName is published as part of the topology.
	CharmName string

	// Jobs are the scrape jobs of this charm. DefaultJob is used when
	// empty.
	Jobs []Job

	// LookasideJobs, if set, supplies extra jobs each time the scrape
	// jobs are published.
	LookasideJobs func() []Job

	// CharmDir is the directory AlertRulesPath is resolved against. It
	// defaults to the working directory.
	CharmDir string

	// AlertRulesPath defaults to DefaultAlertRulesPath.
	AlertRulesPath string

	// ExternalURL, if set, returns the URL the units are reachable at,
	// such as one provided by an ingress.
	ExternalURL func() string

	// RefreshEvents republish the scrape jobs. They default to
	// update-status.
	RefreshEvents []event.Kind

	// Hostname returns the fully qualified host name, used when the bind
	// address is not an IP address. It defaults to os.Hostname.
	Hostname func() (string, error)

	// Tool injects label matchers into alert expressions. It may be nil.
	Tool MatcherInjector

	Logger logger.Logger
}

// Validate checks the configuration.
func (c ProviderConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// MetricsEndpointProvider publishes the scrape jobs and alert rules of a
// charm.
type MetricsEndpointProvider struct {
	cfg      ProviderConfig
	name     string
	topology topology.Topology
	jobs     []Job
	rulesDir string

	AlertRuleStatusChanged event.Source[AlertRuleStatusChangedEvent]
}

// NewMetricsEndpointProvider returns a provider for the configured
// endpoint, which must provide the prometheus_scrape interface.
func NewMetricsEndpointProvider(cfg ProviderConfig) (*MetricsEndpointProvider, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if cfg.AlertRulesPath == "" {
		cfg.AlertRulesPath = DefaultAlertRulesPath
	}
	if len(cfg.RefreshEvents) == 0 {
		cfg.RefreshEvents = []event.Kind{event.UpdateStatus}
	}
	if cfg.Hostname == nil {
		cfg.Hostname = os.Hostname
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Provides); err != nil {
		return nil, errors.Trace(err)
	}
	top, err := topology.FromModel(cfg.Model, cfg.CharmName)
	if err != nil {
		return nil, errors.Annotate(err, "building topology")
	}
	return &MetricsEndpointProvider{
		cfg:      cfg,
		name:     cfg.RelationName,
		topology: top,
		jobs:     SanitizeJobs(cfg.Jobs),
		rulesDir: ResolveRulesDir(context.Background(), cfg.Logger, cfg.CharmDir, cfg.AlertRulesPath),
	}, nil
}

// ResolveRulesDir resolves path against the charm directory. A missing
// directory is not an error; it holds no rules.
func ResolveRulesDir(ctx context.Context, log logger.Logger, charmDir, path string) string {
	if !filepath.IsAbs(path) {
		if charmDir == "" {
			charmDir, _ = os.Getwd()
		}
		path = filepath.Join(charmDir, path)
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		log.Debugf(ctx, "invalid Prometheus alert rules folder at %s: directory does not exist", path)
	case !info.IsDir():
		log.Debugf(ctx, "invalid Prometheus alert rules folder at %s: is not a directory", path)
	}
	return path
}

// Register observes the events that publish the scrape jobs.
func (p *MetricsEndpointProvider) Register(d *event.Dispatcher) {
	d.Observe(event.RelationJoined, p.name, p.onRefresh)
	d.Observe(event.RelationChanged, p.name, p.onRelationChanged)
	for _, kind := range p.cfg.RefreshEvents {
		d.Observe(kind, "", p.onRefresh)
	}
}

func (p *MetricsEndpointProvider) onRefresh(ctx context.Context, _ event.Event) error {
	return errors.Trace(p.SetScrapeJobSpec(ctx))
}

func (p *MetricsEndpointProvider) onRelationChanged(ctx context.Context, e event.Event) error {
	if !p.cfg.Model.IsLeader() {
		return nil
	}
	rel, err := p.cfg.Model.Relation(p.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	status, ok, err := ReadAlertRuleStatus(rel)
	if err != nil {
		p.cfg.Logger.Errorf(ctx, "invalid alert rule status in relation %d: %v", rel.ID, err)
		return nil
	}
	if ok {
		p.AlertRuleStatusChanged.Emit(ctx, status)
	}
	return nil
}

// UpdateScrapeJobSpec replaces the scrape jobs and publishes them.
func (p *MetricsEndpointProvider) UpdateScrapeJobSpec(ctx context.Context, jobs []Job) error {
	p.jobs = SanitizeJobs(jobs)
	return errors.Trace(p.SetScrapeJobSpec(ctx))
}

// SetScrapeJobSpec publishes the unit address on every relation and,
// on the leader, the scrape metadata, jobs and alert rules.
func (p *MetricsEndpointProvider) SetScrapeJobSpec(ctx context.Context) error {
	if err := p.setUnitAddress(ctx); err != nil {
		return errors.Trace(err)
	}
	if !p.cfg.Model.IsLeader() {
		return nil
	}

	rules := NewAlertRules(&p.topology, p.cfg.Tool, p.cfg.Logger)
	rules.AddPath(ctx, p.rulesDir, true)
	alertRules := rules.AsMap()

	for _, rel := range p.cfg.Model.Relations(p.name) {
		bag := rel.Data(p.cfg.Model.AppName())
		if err := databag.Set(bag, scrapeMetadataKey, p.topology.AsMap()); err != nil {
			return errors.Trace(err)
		}
		if err := databag.Set(bag, scrapeJobsKey, p.scrapeJobs()); err != nil {
			return errors.Trace(err)
		}
		if len(alertRules) > 0 {
			if err := databag.Set(bag, alertRulesKey, alertRules); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (p *MetricsEndpointProvider) scrapeJobs() []Job {
	jobs := p.jobs
	if len(jobs) == 0 {
		jobs = []Job{DefaultJob()}
	}
	if p.cfg.LookasideJobs != nil {
		jobs = append(jobs[:len(jobs):len(jobs)], SanitizeJobs(p.cfg.LookasideJobs())...)
	}
	return jobs
}

func (p *MetricsEndpointProvider) setUnitAddress(ctx context.Context) error {
	for _, rel := range p.cfg.Model.Relations(p.name) {
		address, path, err := p.unitAddress(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		bag := rel.Data(p.cfg.Model.UnitName())
		bag[unitAddressKey] = address
		bag[unitPathKey] = path
		bag[unitNameKey] = p.cfg.Model.UnitName()
	}
	return nil
}

// unitAddress prefers the external URL, then the bind address when it is
// an IP address, then the host name.
func (p *MetricsEndpointProvider) unitAddress(ctx context.Context) (string, string, error) {
	if p.cfg.ExternalURL != nil {
		if external := p.cfg.ExternalURL(); external != "" {
			if !strings.Contains(external, "://") {
				external = "http://" + external
			}
			u, err := url.Parse(external)
			if err != nil {
				return "", "", errors.NotValidf("external URL %q", external)
			}
			return u.Hostname(), u.Path, nil
		}
	}
	bind, err := p.cfg.Model.BindAddress(p.name)
	if err == nil && net.ParseIP(bind) != nil {
		return bind, "", nil
	}
	if err != nil {
		p.cfg.Logger.Debugf(ctx, "no bind address for %q: %v", p.name, err)
	}
	host, err := p.cfg.Hostname()
	if err != nil {
		return "", "", errors.Annotate(err, "getting host name")
	}
	return host, "", nil
}
