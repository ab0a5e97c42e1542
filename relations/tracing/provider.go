// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tracing

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// RequestEvent is emitted when a v2 requirer publishes or updates the
// protocols it wants.
type RequestEvent struct {
	RelationID int
	Protocols  []Protocol
}

// ProviderConfig holds the collaborators of a Provider.
type ProviderConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

	// Host is the address of the tracing server.
	Host string

	// ExternalURL is the ingress URL of the server, if any.
	ExternalURL string

	// InternalScheme is the scheme of the host URL. It defaults to http.
	InternalScheme string

	Logger logger.Logger
}

// Validate checks the configuration.
func (c ProviderConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Host == "" {
		return errors.NotValidf("empty Host")
	}
	if c.InternalScheme != "http" && c.InternalScheme != "https" {
		return errors.NotValidf("internal scheme %q", c.InternalScheme)
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Provider is the tracing backend side of the relation.
type Provider struct {
	cfg  ProviderConfig
	name string

	Request event.Source[RequestEvent]
}

// NewProvider returns a provider for the configured endpoint, which must
// provide the tracing interface.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if cfg.InternalScheme == "" {
		cfg.InternalScheme = "http"
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
}

func (p *Provider) onRelationEvent(ctx context.Context, e event.Event) error {
	rel, err := p.cfg.Model.Relation(p.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	protocols, err := p.requestedProtocols(ctx, rel)
	if errors.Is(err, ErrNotReady) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	p.Request.Emit(ctx, RequestEvent{RelationID: rel.ID, Protocols: protocols})
	return nil
}

// IsV2 reports whether the requirer of rel speaks version 2, that is,
// whether it has published its requested protocols.
func (p *Provider) IsV2(ctx context.Context, rel *relation.Relation) bool {
	_, err := p.requestedProtocols(ctx, rel)
	return err == nil
}

func (p *Provider) requestedProtocols(ctx context.Context, rel *relation.Relation) ([]Protocol, error) {
	if rel.App == "" {
		return nil, errors.Annotate(ErrNotReady, "relation has no remote application")
	}
	data, err := LoadRequirerAppData(rel.Data(rel.App))
	if err != nil {
		p.cfg.Logger.Infof(ctx, "relation %s is not ready to talk tracing v2", rel)
		return nil, errors.Annotatef(ErrNotReady, "%v", err)
	}
	return data.Receivers, nil
}

// RequestedProtocols returns the protocols requested across every v2
// relation, in order.
func (p *Provider) RequestedProtocols(ctx context.Context) []Protocol {
	requested := set.NewStrings()
	for _, rel := range p.cfg.Model.Relations(p.name) {
		protocols, err := p.requestedProtocols(ctx, rel)
		if err != nil {
			continue
		}
		for _, proto := range protocols {
			requested.Add(string(proto))
		}
	}
	out := make([]Protocol, 0, requested.Size())
	for _, proto := range requested.SortedValues() {
		out = append(out, Protocol(proto))
	}
	return out
}

// Relations returns the v2 relations of the endpoint.
func (p *Provider) Relations(ctx context.Context) []*relation.Relation {
	var out []*relation.Relation
	for _, rel := range p.cfg.Model.Relations(p.name) {
		if p.IsV2(ctx, rel) {
			out = append(out, rel)
		}
	}
	return out
}

// PublishReceivers announces the enabled receivers on every v2 relation.
// Relations that are being removed are skipped.
func (p *Provider) PublishReceivers(ctx context.Context, receivers []Receiver) error {
	if err := relation.RequireLeader(p.cfg.Model, "publish receivers"); err != nil {
		return errors.Trace(err)
	}
	if receivers == nil {
		receivers = []Receiver{}
	}
	data := ProviderAppData{
		Host:           p.cfg.Host,
		Receivers:      receivers,
		ExternalURL:    p.cfg.ExternalURL,
		InternalScheme: p.cfg.InternalScheme,
	}
	for _, rel := range p.Relations(ctx) {
		if !rel.Active {
			p.cfg.Logger.Errorf(ctx, "cannot update relation data of %s: the relation is being removed", rel)
			continue
		}
		if _, err := providerAppModel.Dump(data, rel.Data(p.cfg.Model.AppName())); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
