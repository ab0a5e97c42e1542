// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remotewrite

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/core/topology"
	"github.com/juju/relationlibs/internal/logger"
	"github.com/juju/relationlibs/relations/prometheusscrape"
)

// EndpointsChangedEvent is emitted when the endpoints of a relation may
// have changed.
type EndpointsChangedEvent struct {
	RelationID int
}

// ConsumerConfig holds the collaborators of a Consumer.
type ConsumerConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultConsumerRelationName.
	RelationName string

	// CharmName is added to the topology labels of the alert rules.
	CharmName string

	// CharmDir is the directory AlertRulesPath is resolved against.
	CharmDir string

	// AlertRulesPath defaults to DefaultAlertRulesPath.
	AlertRulesPath string

	// Tool injects label matchers into alert expressions. It may be nil.
	Tool prometheusscrape.MatcherInjector

	Logger logger.Logger
}

// Validate checks the configuration.
func (c ConsumerConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Consumer sends metrics to related remote write providers.
type Consumer struct {
	cfg      ConsumerConfig
	name     string
	topology topology.Topology
	rulesDir string

	EndpointsChanged       event.Source[EndpointsChangedEvent]
	AlertRuleStatusChanged event.Source[prometheusscrape.AlertRuleStatusChangedEvent]
}

// NewConsumer returns a consumer for the configured endpoint, which must
// require the prometheus_remote_write interface.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultConsumerRelationName
	}
	if cfg.AlertRulesPath == "" {
		cfg.AlertRulesPath = DefaultAlertRulesPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Requires); err != nil {
		return nil, errors.Trace(err)
	}
	top, err := topology.FromModel(cfg.Model, cfg.CharmName)
	if err != nil {
		return nil, errors.Annotate(err, "building topology")
	}
	return &Consumer{
		cfg:      cfg,
		name:     cfg.RelationName,
		topology: top,
		rulesDir: prometheusscrape.ResolveRulesDir(context.Background(), cfg.Logger, cfg.CharmDir, cfg.AlertRulesPath),
	}, nil
}

// Register observes the relation events of the endpoint and the charm
// events that republish the alert rules.
func (c *Consumer) Register(d *event.Dispatcher) {
	d.ObserveRelation(c.name, c.onEndpointsChanged,
		event.RelationJoined, event.RelationChanged, event.RelationDeparted)
	d.Observe(event.RelationBroken, c.name, c.onBroken)
	d.Observe(event.RelationJoined, c.name, c.onJoined)
	d.Observe(event.LeaderElected, "", c.onReload)
	d.Observe(event.UpgradeCharm, "", c.onReload)
}

func (c *Consumer) onEndpointsChanged(ctx context.Context, e event.Event) error {
	if c.cfg.Model.IsLeader() && e.App != "" {
		rel, err := c.cfg.Model.Relation(c.name, e.RelationID)
		if err != nil {
			return errors.Trace(err)
		}
		status, ok, err := prometheusscrape.ReadAlertRuleStatus(rel)
		if err != nil {
			c.cfg.Logger.Errorf(ctx, "invalid alert rule status in relation %d: %v", rel.ID, err)
		} else if ok {
			c.AlertRuleStatusChanged.Emit(ctx, status)
		}
	}
	c.EndpointsChanged.Emit(ctx, EndpointsChangedEvent{RelationID: e.RelationID})
	return nil
}

func (c *Consumer) onBroken(ctx context.Context, e event.Event) error {
	c.EndpointsChanged.Emit(ctx, EndpointsChangedEvent{RelationID: e.RelationID})
	return nil
}

func (c *Consumer) onJoined(ctx context.Context, e event.Event) error {
	if !c.cfg.Model.IsLeader() {
		return nil
	}
	rel, err := c.cfg.Model.Relation(c.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.pushAlerts(ctx, []*relation.Relation{rel}))
}

func (c *Consumer) onReload(ctx context.Context, _ event.Event) error {
	if !c.cfg.Model.IsLeader() {
		return nil
	}
	return errors.Trace(c.ReloadAlerts(ctx))
}

// ReloadAlerts reads the alert rules from disk and publishes them on
// every relation.
func (c *Consumer) ReloadAlerts(ctx context.Context) error {
	if err := relation.RequireLeader(c.cfg.Model, "publish alert rules"); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.pushAlerts(ctx, c.cfg.Model.Relations(c.name)))
}

func (c *Consumer) pushAlerts(ctx context.Context, rels []*relation.Relation) error {
	rules := prometheusscrape.NewAlertRules(&c.topology, c.cfg.Tool, c.cfg.Logger)
	rules.AddPath(ctx, c.rulesDir, false)
	doc := rules.AsMap()
	if len(doc) == 0 {
		return nil
	}
	for _, rel := range rels {
		if err := databag.Set(rel.Data(c.cfg.Model.AppName()), alertRulesKey, doc); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Endpoints returns the remote write endpoints advertised by the units of
// every related provider.
func (c *Consumer) Endpoints(ctx context.Context) []Endpoint {
	var endpoints []Endpoint
	for _, rel := range c.cfg.Model.Relations(c.name) {
		for _, unit := range rel.RemoteUnits() {
			if relation.IsPeerUnit(c.cfg.Model, unit) {
				continue
			}
			ep, ok, err := loadEndpoint(rel.Data(unit))
			if err != nil {
				c.cfg.Logger.Errorf(ctx, "invalid remote write endpoint from %s: %v", unit, err)
				continue
			}
			if ok {
				endpoints = append(endpoints, ep)
			}
		}
	}
	return endpoints
}
