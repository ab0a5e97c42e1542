// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remotewrite

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
	"github.com/juju/relationlibs/relations/prometheusscrape"
)

// AlertRulesChangedEvent is emitted when a consumer may have published
// new alert rules.
type AlertRulesChangedEvent struct {
	RelationID int
}

// ConsumersChangedEvent is emitted when a consumer joins.
type ConsumersChangedEvent struct {
	RelationID int
}

// ProviderConfig holds the collaborators of a Provider.
type ProviderConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultProviderRelationName.
	RelationName string

	// ServerURL, if set, returns the base URL of the server, to which
	// Path is appended. Scheme, Address and Port are then ignored.
	ServerURL func() string

	// Scheme defaults to DefaultScheme.
	Scheme string

	// Address defaults to the bind address of the endpoint.
	Address string

	// Port defaults to DefaultPort.
	Port int

	// Path defaults to DefaultPath.
	Path string

	// Tool qualifies and validates the alert rules of consumers.
	Tool prometheusscrape.AlertTool

	Logger logger.Logger
}

// Validate checks the configuration.
func (c ProviderConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Tool == nil {
		return errors.NotValidf("nil Tool")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	return nil
}

// Provider receives metrics over remote write.
type Provider struct {
	cfg  ProviderConfig
	name string

	ConsumersChanged  event.Source[ConsumersChangedEvent]
	AlertRulesChanged event.Source[AlertRulesChangedEvent]
}

// NewProvider returns a provider for the configured endpoint, which must
// provide the prometheus_remote_write interface.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultProviderRelationName
	}
	if cfg.Scheme == "" {
		cfg.Scheme = DefaultScheme
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
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
	d.ObserveRelation(p.name, p.onConsumersChanged, event.RelationCreated, event.RelationJoined)
	d.Observe(event.RelationChanged, p.name, p.onRelationChanged)
}

func (p *Provider) onConsumersChanged(ctx context.Context, e event.Event) error {
	rel, err := p.cfg.Model.Relation(p.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := p.UpdateEndpoint(ctx, rel); err != nil {
		return errors.Trace(err)
	}
	p.ConsumersChanged.Emit(ctx, ConsumersChangedEvent{RelationID: e.RelationID})
	return nil
}

func (p *Provider) onRelationChanged(ctx context.Context, e event.Event) error {
	p.AlertRulesChanged.Emit(ctx, AlertRulesChangedEvent{RelationID: e.RelationID})
	return nil
}

// UpdateEndpoint writes the endpoint URL into the unit data of rel, or of
// every relation when rel is nil. It is called when the address of the
// server changes outside the relation lifecycle, such as when an ingress
// becomes available.
func (p *Provider) UpdateEndpoint(ctx context.Context, rel *relation.Relation) error {
	rels := []*relation.Relation{rel}
	if rel == nil {
		rels = p.cfg.Model.Relations(p.name)
	}
	url, err := p.EndpointURL()
	if err != nil {
		return errors.Trace(err)
	}
	for _, rel := range rels {
		bag := rel.Data(p.cfg.Model.UnitName())
		if err := databag.Set(bag, remoteWriteKey, Endpoint{URL: url}); err != nil {
			return errors.Trace(err)
		}
	}
	p.cfg.Logger.Debugf(ctx, "advertising remote write endpoint %s", url)
	return nil
}

// EndpointURL is the advertised remote write URL.
func (p *Provider) EndpointURL() (string, error) {
	if p.cfg.ServerURL != nil {
		return strings.TrimRight(p.cfg.ServerURL(), "/") + "/" + strings.Trim(p.cfg.Path, "/"), nil
	}
	address := p.cfg.Address
	if address == "" {
		bind, err := p.cfg.Model.BindAddress(p.name)
		if err != nil {
			return "", errors.Annotatef(err, "getting bind address of %q", p.name)
		}
		address = bind
	}
	path := p.cfg.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return p.cfg.Scheme + "://" + net.JoinHostPort(address, strconv.Itoa(p.cfg.Port)) + path, nil
}

// Alerts returns the valid alert rules of every related consumer, indexed
// by the topology identifier of the consumer.
func (p *Provider) Alerts(ctx context.Context) map[string]map[string]any {
	collector := prometheusscrape.AlertCollector{
		Model:  p.cfg.Model,
		Tool:   p.cfg.Tool,
		Logger: p.cfg.Logger,
	}
	return collector.Collect(ctx, p.cfg.Model.Relations(p.name))
}
