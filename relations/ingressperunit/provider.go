// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingressperunit

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// DataProvidedEvent is emitted when some requirer unit published valid
// data, or changed it.
type DataProvidedEvent struct {
	RelationID int
}

// DataRemovedEvent is emitted when the requirer data is gone, invalid or
// inconsistent across units.
type DataRemovedEvent struct {
	RelationID int
}

// ProviderConfig holds the collaborators of a Provider.
type ProviderConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

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

// Provider routes traffic to each requirer unit.
type Provider struct {
	cfg  ProviderConfig
	name string

	DataProvided event.Source[DataProvidedEvent]
	DataRemoved  event.Source[DataRemovedEvent]
}

// NewProvider returns a provider for the configured endpoint, which must
// provide the ingress_per_unit interface.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Provides); err != nil {
		return nil, errors.Trace(err)
	}
	return &Provider{cfg: cfg, name: cfg.RelationName}, nil
}

// Register observes the relation events of the endpoint.
func (p *Provider) Register(d *event.Dispatcher) {
	d.ObserveRelation(p.name, p.onRelationEvent,
		event.RelationCreated, event.RelationJoined, event.RelationChanged)
	d.Observe(event.RelationBroken, p.name, p.onRelationBroken)
}

func (p *Provider) onRelationEvent(ctx context.Context, e event.Event) error {
	rel, err := p.cfg.Model.Relation(p.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := p.Validate(ctx, rel); errors.Is(err, ErrDataMismatch) {
		p.cfg.Logger.Warningf(ctx, "%v: removing ingress data for %s", err, rel)
		p.DataRemoved.Emit(ctx, DataRemovedEvent{RelationID: rel.ID})
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if p.IsReady(ctx, rel) {
		p.DataProvided.Emit(ctx, DataProvidedEvent{RelationID: rel.ID})
	} else {
		p.DataRemoved.Emit(ctx, DataRemovedEvent{RelationID: rel.ID})
	}
	return nil
}

func (p *Provider) onRelationBroken(ctx context.Context, e event.Event) error {
	p.DataRemoved.Emit(ctx, DataRemovedEvent{RelationID: e.RelationID})
	return nil
}

// IsReady reports whether some requirer unit of rel published valid data.
// A nil rel means any relation of the endpoint.
func (p *Provider) IsReady(ctx context.Context, rel *relation.Relation) bool {
	if rel == nil {
		for _, r := range p.cfg.Model.Relations(p.name) {
			if p.IsReady(ctx, r) {
				return true
			}
		}
		return false
	}
	return len(p.requirerUnitsData(ctx, rel)) > 0
}

// Validate checks that every requirer unit which published a model agrees
// on it. Ports may legitimately differ during upgrades and are not
// compared.
func (p *Provider) Validate(ctx context.Context, rel *relation.Relation) error {
	var expected string
	for _, unit := range rel.RemoteUnits() {
		model, ok := rel.Data(unit)["model"]
		if !ok || model == "" {
			continue
		}
		if expected == "" {
			expected = model
			continue
		}
		if model != expected {
			return errors.Annotatef(ErrDataMismatch, "relation %s:%d with %s", rel.Name, rel.ID, unit)
		}
	}
	return nil
}

// IsUnitReady reports whether unit published valid data on rel. A unit
// that is not part of the relation is never ready.
func (p *Provider) IsUnitReady(rel *relation.Relation, unit string) bool {
	if !rel.Units.Contains(unit) {
		return false
	}
	_, err := p.Data(rel, unit)
	return err == nil
}

// Data returns the data published by the requirer unit. It returns an
// error satisfying errors.IsNotFound if the unit published nothing, and a
// databag.ValidationError if the data is invalid.
func (p *Provider) Data(rel *relation.Relation, unit string) (RequirerData, error) {
	if rel.App == "" {
		return RequirerData{}, errors.NotFoundf("remote application of %s", rel)
	}
	data, err := LoadRequirerUnitData(rel.Data(unit))
	return data, errors.Trace(err)
}

func (p *Provider) requirerUnitsData(ctx context.Context, rel *relation.Relation) map[string]RequirerData {
	out := make(map[string]RequirerData)
	if rel.App == "" {
		return out
	}
	for _, unit := range rel.RemoteUnits() {
		data, err := p.Data(rel, unit)
		if errors.Is(err, errors.NotFound) {
			p.cfg.Logger.Warningf(ctx, "remote unit %s not ready", unit)
			continue
		} else if err != nil {
			p.cfg.Logger.Errorf(ctx, "remote unit %s sent invalid data: %v", unit, err)
			continue
		}
		out[unit] = data
	}
	return out
}

// PublishURL assigns url to the requirer unit. A corrupted application
// databag is logged and left untouched.
func (p *Provider) PublishURL(ctx context.Context, rel *relation.Relation, unit, url string) error {
	if err := relation.RequireLeader(p.cfg.Model, "publish ingress url"); err != nil {
		return errors.Trace(err)
	}
	bag := rel.Data(p.cfg.Model.AppName())
	urls, err := LoadIngress(bag)
	if err != nil {
		p.cfg.Logger.Errorf(ctx, "unable to publish url to %s: corrupted application databag (%v)", unit, err)
		return nil
	}
	urls[unit] = UnitURL{URL: url}
	return errors.Trace(dumpIngress(urls, bag))
}

// WipeIngressData removes every URL published on rel.
func (p *Provider) WipeIngressData(ctx context.Context, rel *relation.Relation) error {
	if err := relation.RequireLeader(p.cfg.Model, "wipe ingress data"); err != nil {
		return errors.Trace(err)
	}
	if !rel.Active {
		p.cfg.Logger.Warningf(ctx, "relation %s is being removed, not wiping its ingress data", rel)
		return nil
	}
	rel.Data(p.cfg.Model.AppName()).Delete(ingressKey)
	return nil
}

// ProxiedEndpoints returns the URLs published to every requirer unit,
// keyed by unit name. Only the leader can read them.
func (p *Provider) ProxiedEndpoints(ctx context.Context) map[string]UnitURL {
	out := make(map[string]UnitURL)
	if !p.cfg.Model.IsLeader() {
		return out
	}
	for _, rel := range p.cfg.Model.Relations(p.name) {
		if rel.App == "" {
			continue
		}
		urls, err := LoadIngress(rel.Data(p.cfg.Model.AppName()))
		if err != nil {
			p.cfg.Logger.Errorf(ctx, "invalid ingress data on %s: %v", rel, err)
			continue
		}
		for unit, url := range urls {
			out[unit] = url
		}
	}
	return out
}
