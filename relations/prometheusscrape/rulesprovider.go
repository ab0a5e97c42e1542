// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package prometheusscrape

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// RulesProviderConfig holds the collaborators of a RulesProvider.
type RulesProviderConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

	// CharmDir is the directory Dir is resolved against.
	CharmDir string

	// Dir is the root of the rule files. It defaults to
	// DefaultAlertRulesPath.
	Dir string

	// NonRecursive restricts the rule files to the top of Dir.
	NonRecursive bool

	Logger logger.Logger
}

// Validate checks the configuration.
func (c RulesProviderConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// RulesProvider forwards rule files that apply across every deployed
// charm, without topology labels, over the prometheus_scrape interface.
type RulesProvider struct {
	model     relation.Model
	name      string
	dir       string
	recursive bool
	logger    logger.Logger
}

// NewRulesProvider returns a rules provider for the configured endpoint.
func NewRulesProvider(cfg RulesProviderConfig) (*RulesProvider, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultAlertRulesPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &RulesProvider{
		model:     cfg.Model,
		name:      cfg.RelationName,
		dir:       ResolveRulesDir(context.Background(), cfg.Logger, cfg.CharmDir, cfg.Dir),
		recursive: !cfg.NonRecursive,
		logger:    cfg.Logger,
	}, nil
}

// Register observes the events that republish the rules.
func (p *RulesProvider) Register(d *event.Dispatcher) {
	d.ObserveRelation(p.name, p.onUpdate, event.RelationJoined, event.RelationChanged)
	d.Observe(event.LeaderElected, "", p.onUpdate)
	d.Observe(event.UpgradeCharm, "", p.onUpdate)
}

func (p *RulesProvider) onUpdate(ctx context.Context, _ event.Event) error {
	if !p.model.IsLeader() {
		return nil
	}
	return errors.Trace(p.Reload(ctx))
}

// Reload reads the rule files and publishes them on every relation.
func (p *RulesProvider) Reload(ctx context.Context) error {
	if err := relation.RequireLeader(p.model, "publish alert rules"); err != nil {
		return errors.Trace(err)
	}
	rules := NewAlertRules(nil, nil, p.logger)
	rules.AddPath(ctx, p.dir, p.recursive)
	doc := rules.AsMap()

	p.logger.Infof(ctx, "updating relation data with rule files from disk")
	for _, rel := range p.model.Relations(p.name) {
		// Map keys encode sorted, so unchanged rules do not churn the
		// relation.
		if err := databag.Set(rel.Data(p.model.AppName()), alertRulesKey, doc); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
