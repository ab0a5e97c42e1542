// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tracing

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// EndpointChangedEvent is emitted when the provider publishes valid data.
type EndpointChangedEvent struct {
	RelationID  int
	Host        string
	ExternalURL string
	Receivers   []Receiver
}

// EndpointRemovedEvent is emitted when the provider data is gone or no
// longer valid.
type EndpointRemovedEvent struct {
	RelationID int
}

// RequirerConfig holds the collaborators of a Requirer.
type RequirerConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

	// Protocols are requested from the provider as soon as a relation
	// exists, if this unit is the leader.
	Protocols []Protocol

	Logger logger.Logger
}

// Validate checks the configuration.
func (c RequirerConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	for _, p := range c.Protocols {
		if err := p.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Requirer is the side of the relation that pushes traces.
type Requirer struct {
	cfg    RequirerConfig
	name   string
	single bool

	EndpointChanged event.Source[EndpointChangedEvent]
	EndpointRemoved event.Source[EndpointRemovedEvent]
}

// NewRequirer returns a requirer for the configured endpoint, which must
// require the tracing interface. Configured protocols are requested on
// every existing relation when this unit is the leader.
func NewRequirer(ctx context.Context, cfg RequirerConfig) (*Requirer, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Requires); err != nil {
		return nil, errors.Trace(err)
	}
	ep, _ := cfg.Model.Endpoint(cfg.RelationName)
	r := &Requirer{
		cfg:    cfg,
		name:   cfg.RelationName,
		single: ep.Limit == 1,
	}
	if len(cfg.Protocols) > 0 && cfg.Model.IsLeader() {
		for _, rel := range cfg.Model.Relations(r.name) {
			if err := r.RequestProtocols(ctx, cfg.Protocols, rel); err != nil {
				return nil, errors.Trace(err)
			}
		}
	}
	return r, nil
}

// Register observes the relation events of the endpoint.
func (r *Requirer) Register(d *event.Dispatcher) {
	d.Observe(event.RelationCreated, r.name, r.onRelationCreated)
	d.Observe(event.RelationChanged, r.name, r.onRelationChanged)
	d.Observe(event.RelationBroken, r.name, r.onRelationBroken)
}

func (r *Requirer) onRelationCreated(ctx context.Context, e event.Event) error {
	if len(r.cfg.Protocols) == 0 || !r.cfg.Model.IsLeader() {
		return nil
	}
	rel, err := r.cfg.Model.Relation(r.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.RequestProtocols(ctx, r.cfg.Protocols, rel))
}

func (r *Requirer) onRelationChanged(ctx context.Context, e event.Event) error {
	rel, err := r.cfg.Model.Relation(r.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	data, err := r.providerData(rel)
	if err != nil {
		r.cfg.Logger.Infof(ctx, "tracing provider on %s is not ready: %v", rel, err)
		r.EndpointRemoved.Emit(ctx, EndpointRemovedEvent{RelationID: rel.ID})
		return nil
	}
	r.EndpointChanged.Emit(ctx, EndpointChangedEvent{
		RelationID:  rel.ID,
		Host:        data.Host,
		ExternalURL: data.ExternalURL,
		Receivers:   data.Receivers,
	})
	return nil
}

func (r *Requirer) onRelationBroken(ctx context.Context, e event.Event) error {
	r.EndpointRemoved.Emit(ctx, EndpointRemovedEvent{RelationID: e.RelationID})
	return nil
}

// RequestProtocols publishes the protocols this application intends to
// push traces with. A nil rel means the only relation of a single
// relation endpoint.
func (r *Requirer) RequestProtocols(ctx context.Context, protocols []Protocol, rel *relation.Relation) error {
	if len(protocols) == 0 {
		return errors.NotValidf("empty protocol list")
	}
	if err := relation.RequireLeader(r.cfg.Model, "request protocols"); err != nil {
		return errors.Trace(err)
	}
	rel, err := r.relation(rel, true)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := requirerAppModel.Dump(RequirerAppData{Receivers: protocols}, rel.Data(r.cfg.Model.AppName())); err != nil {
		return errors.Trace(err)
	}
	r.cfg.Logger.Debugf(ctx, "requested tracing protocols %v on %s", protocols, rel)
	return nil
}

// relation resolves rel, falling back to the only relation of the
// endpoint. More than one bound relation requires an explicit one, as
// does any write to an endpoint without a limit of one.
func (r *Requirer) relation(rel *relation.Relation, write bool) (*relation.Relation, error) {
	if rel != nil {
		return rel, nil
	}
	rels := r.cfg.Model.Relations(r.name)
	if len(rels) > 1 || (write && !r.single) {
		return nil, errors.Annotatef(ErrAmbiguousRelation,
			"endpoint %q may hold more than one relation; pass one explicitly", r.name)
	}
	if len(rels) == 0 {
		return nil, errors.Annotatef(ErrNotReady, "no %q relation", r.name)
	}
	return rels[0], nil
}

func (r *Requirer) providerData(rel *relation.Relation) (ProviderAppData, error) {
	if rel.App == "" {
		return ProviderAppData{}, errors.Annotate(ErrNotReady, "relation has no remote application")
	}
	data, err := LoadProviderAppData(rel.Data(rel.App))
	if err != nil {
		return ProviderAppData{}, errors.Annotatef(ErrNotReady, "%v", err)
	}
	return data, nil
}

// IsReady reports whether the provider of rel has published valid data.
func (r *Requirer) IsReady(ctx context.Context, rel *relation.Relation) bool {
	rel, err := r.relation(rel, false)
	if err != nil {
		r.cfg.Logger.Debugf(ctx, "tracing relation not ready: %v", err)
		return false
	}
	if _, err := r.providerData(rel); err != nil {
		r.cfg.Logger.Debugf(ctx, "tracing relation %s not ready: %v", rel, err)
		return false
	}
	return true
}

// AllEndpoints returns the provider data of every ready relation.
func (r *Requirer) AllEndpoints() []ProviderAppData {
	var out []ProviderAppData
	for _, rel := range r.cfg.Model.Relations(r.name) {
		data, err := r.providerData(rel)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// Endpoint returns the URL of the receiver serving protocol on rel. It
// returns an empty string while the provider has not published, or does
// not serve the protocol, and ErrProtocolNotRequested when the protocol
// was also never requested. gRPC endpoints are returned without a scheme.
func (r *Requirer) Endpoint(ctx context.Context, protocol Protocol, rel *relation.Relation) (string, error) {
	rel, err := r.relation(rel, false)
	if err != nil {
		return "", errors.Trace(err)
	}
	data, err := r.providerData(rel)
	if err != nil {
		if !r.requested(rel, protocol) {
			return "", errors.Annotatef(ErrProtocolNotRequested, "%q", protocol)
		}
		r.cfg.Logger.Debugf(ctx, "tracing provider on %s not ready: %v", rel, err)
		return "", nil
	}

	var matches []Receiver
	for _, recv := range data.Receivers {
		if recv.Protocol == protocol {
			matches = append(matches, recv)
		}
	}
	switch len(matches) {
	case 0:
		if !r.requested(rel, protocol) {
			r.cfg.Logger.Errorf(ctx, "endpoint for protocol %q requested, but not requested in the relation data", protocol)
			return "", errors.Annotatef(ErrProtocolNotRequested, "%q", protocol)
		}
		r.cfg.Logger.Errorf(ctx, "no receiver found with protocol %q", protocol)
		return "", nil
	case 1:
	default:
		r.cfg.Logger.Errorf(ctx, "too many receivers with protocol %q", protocol)
		return "", nil
	}
	return receiverURL(data, matches[0]), nil
}

// requested reports whether this application asked for protocol on rel.
func (r *Requirer) requested(rel *relation.Relation, protocol Protocol) bool {
	data, err := LoadRequirerAppData(rel.Data(r.cfg.Model.AppName()))
	return err == nil && containsProtocol(data.Receivers, protocol)
}

func receiverURL(data ProviderAppData, recv Receiver) string {
	port := strconv.Itoa(recv.Port)
	if data.ExternalURL != "" {
		base := strings.TrimRight(data.ExternalURL, "/")
		if recv.Protocol.IsGRPC() {
			base = stripScheme(base)
		}
		return base + ":" + port
	}
	hostPort := net.JoinHostPort(data.Host, port)
	if recv.Protocol.IsGRPC() {
		return hostPort
	}
	scheme := data.InternalScheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + hostPort
}

func stripScheme(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[i+3:]
	}
	return url
}

func containsProtocol(protocols []Protocol, p Protocol) bool {
	for _, known := range protocols {
		if known == p {
			return true
		}
	}
	return false
}
