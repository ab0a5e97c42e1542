// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ingressperunit

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// ErrNotRelated is returned when requesting ingress before the relation
// is established.
const ErrNotRelated = errors.ConstError("ingress-per-unit relation not established")

// ListenTo selects which unit notifications the requirer emits.
type ListenTo string

const (
	// OnlyThisUnit emits ReadyForUnit and RevokedForUnit.
	OnlyThisUnit ListenTo = "only-this-unit"
	// AllUnits emits Ready and Revoked for every unit, this one included.
	AllUnits ListenTo = "all-units"
	// Both emits every event, so changes to this unit are seen twice.
	Both ListenTo = "both"
)

// Validate checks the value is known.
func (l ListenTo) Validate() error {
	switch l {
	case OnlyThisUnit, AllUnits, Both:
		return nil
	}
	return errors.NotValidf("listen mode %q", string(l))
}

func (l ListenTo) thisUnit() bool { return l == OnlyThisUnit || l == Both }
func (l ListenTo) allUnits() bool { return l == AllUnits || l == Both }

// ReadyEvent is emitted when the URL of some unit is new or changed.
type ReadyEvent struct {
	RelationID int
	Unit       string
	URL        string
}

// RevokedEvent is emitted when the URL of some unit is withdrawn.
type RevokedEvent struct {
	RelationID int
	Unit       string
}

// ReadyForUnitEvent is emitted when the URL of this unit is new or
// changed.
type ReadyForUnitEvent struct {
	RelationID int
	URL        string
}

// RevokedForUnitEvent is emitted when the URL of this unit is withdrawn.
type RevokedForUnitEvent struct {
	RelationID int
}

// URLStore persists the URLs last seen by the requirer, so that changes
// can be computed across hook invocations.
type URLStore interface {
	LoadURLs(ctx context.Context) (map[string]string, error)
	SaveURLs(ctx context.Context, urls map[string]string) error
}

type memoryStore struct {
	urls map[string]string
}

func (s *memoryStore) LoadURLs(context.Context) (map[string]string, error) {
	return s.urls, nil
}

func (s *memoryStore) SaveURLs(_ context.Context, urls map[string]string) error {
	s.urls = urls
	return nil
}

// RequirerConfig holds the collaborators and the ingress request of a
// Requirer.
type RequirerConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName. The endpoint should
	// declare a limit of one.
	RelationName string

	// Host is the address the provider should route to. If empty the
	// bind address of the endpoint is used.
	Host string

	// Port, when set, is published automatically on every relation
	// change, upgrade and leader election.
	Port int

	// Mode defaults to ModeHTTP.
	Mode Mode

	// ListenTo defaults to OnlyThisUnit.
	ListenTo ListenTo

	StripPrefix   bool
	RedirectHTTPS bool

	// Store defaults to an in-memory store.
	Store URLStore

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
	if c.Port < 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	if err := c.Mode.Validate(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(c.ListenTo.Validate())
}

// Requirer requests ingress for the units of the application.
type Requirer struct {
	cfg  RequirerConfig
	name string

	Ready          event.Source[ReadyEvent]
	Revoked        event.Source[RevokedEvent]
	ReadyForUnit   event.Source[ReadyForUnitEvent]
	RevokedForUnit event.Source[RevokedForUnitEvent]
}

// NewRequirer returns a requirer for the configured endpoint, which must
// require the ingress_per_unit interface.
func NewRequirer(cfg RequirerConfig) (*Requirer, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHTTP
	}
	if cfg.ListenTo == "" {
		cfg.ListenTo = OnlyThisUnit
	}
	if cfg.Store == nil {
		cfg.Store = &memoryStore{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Requires); err != nil {
		return nil, errors.Trace(err)
	}
	return &Requirer{cfg: cfg, name: cfg.RelationName}, nil
}

// Register observes the relation, upgrade and leadership events.
func (r *Requirer) Register(d *event.Dispatcher) {
	d.ObserveRelation(r.name, r.onRelationEvent,
		event.RelationCreated, event.RelationJoined, event.RelationChanged, event.RelationBroken)
	d.Observe(event.LeaderElected, "", r.onUpgradeOrLeader)
	d.Observe(event.UpgradeCharm, "", r.onUpgradeOrLeader)
}

func (r *Requirer) relation() *relation.Relation {
	rels := r.cfg.Model.Relations(r.name)
	if len(rels) == 0 {
		return nil
	}
	return rels[0]
}

func (r *Requirer) onRelationEvent(ctx context.Context, e event.Event) error {
	previous, err := r.cfg.Store.LoadURLs(ctx)
	if err != nil {
		return errors.Annotate(err, "loading known ingress urls")
	}
	current := map[string]string{}
	if e.Kind != event.RelationBroken {
		current = r.URLs(ctx)
	}
	if err := r.cfg.Store.SaveURLs(ctx, current); err != nil {
		return errors.Annotate(err, "saving known ingress urls")
	}

	changed, removed := set.NewStrings(), set.NewStrings()
	for unit, url := range current {
		if prev, ok := previous[unit]; !ok || prev != url {
			changed.Add(unit)
		}
	}
	for unit := range previous {
		if _, ok := current[unit]; !ok {
			removed.Add(unit)
		}
	}

	self := r.cfg.Model.UnitName()
	if r.cfg.ListenTo.thisUnit() {
		if changed.Contains(self) {
			url := current[self]
			r.ReadyForUnit.Emit(ctx, ReadyForUnitEvent{RelationID: e.RelationID, URL: url})
		}
		if removed.Contains(self) {
			r.RevokedForUnit.Emit(ctx, RevokedForUnitEvent{RelationID: e.RelationID})
		}
	}
	if r.cfg.ListenTo.allUnits() {
		for _, unit := range changed.SortedValues() {
			r.Ready.Emit(ctx, ReadyEvent{RelationID: e.RelationID, Unit: unit, URL: current[unit]})
		}
		for _, unit := range removed.SortedValues() {
			r.Revoked.Emit(ctx, RevokedEvent{RelationID: e.RelationID, Unit: unit})
		}
	}
	if e.Kind == event.RelationBroken {
		return nil
	}
	return errors.Trace(r.publishAutoData(ctx))
}

func (r *Requirer) onUpgradeOrLeader(ctx context.Context, _ event.Event) error {
	if r.relation() == nil {
		return nil
	}
	return errors.Trace(r.publishAutoData(ctx))
}

func (r *Requirer) publishAutoData(ctx context.Context) error {
	if r.cfg.Port == 0 || r.relation() == nil {
		return nil
	}
	return errors.Trace(r.ProvideIngressRequirements(ctx, r.cfg.Host, r.cfg.Port))
}

// ProvideIngressRequirements publishes the data the provider needs to
// route to this unit. An empty host means the bind address of the
// endpoint.
func (r *Requirer) ProvideIngressRequirements(ctx context.Context, host string, port int) error {
	rel := r.relation()
	if rel == nil {
		return errors.Trace(ErrNotRelated)
	}
	if port <= 0 || port > 65535 {
		return errors.NotValidf("port %d", port)
	}
	if host == "" {
		addr, err := r.cfg.Model.BindAddress(r.name)
		if err != nil {
			return errors.Annotate(err, "resolving ingress host")
		}
		host = addr
	}
	data := RequirerData{
		Model:         r.cfg.Model.Name(),
		Name:          r.cfg.Model.UnitName(),
		Host:          host,
		Port:          port,
		Mode:          r.cfg.Mode,
		StripPrefix:   r.cfg.StripPrefix,
		RedirectHTTPS: r.cfg.RedirectHTTPS,
	}
	values, err := data.toBag()
	if err != nil {
		return errors.Trace(err)
	}
	rel.Data(r.cfg.Model.UnitName()).Update(values)
	r.cfg.Logger.Debugf(ctx, "requested ingress for %s on %s:%d", data.Name, host, port)
	return nil
}

// URLs returns the ingress URL of every unit, keyed by unit name. It is
// empty until the provider publishes them.
func (r *Requirer) URLs(ctx context.Context) map[string]string {
	out := map[string]string{}
	rel := r.relation()
	if rel == nil || rel.App == "" {
		return out
	}
	urls, err := LoadIngress(rel.Data(rel.App))
	if err != nil {
		r.cfg.Logger.Errorf(ctx, "invalid ingress data from %s: %v", rel.App, err)
		return out
	}
	for unit, u := range urls {
		out[unit] = u.URL
	}
	return out
}

// URL returns the ingress URL of this unit, or "" if there is none yet.
func (r *Requirer) URL(ctx context.Context) string {
	return r.URLs(ctx)[r.cfg.Model.UnitName()]
}

// IsReady reports whether this unit has been given an ingress URL.
func (r *Requirer) IsReady(ctx context.Context) bool {
	rel := r.relation()
	if rel == nil || rel.App == "" {
		return false
	}
	return r.URL(ctx) != ""
}
