// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificatetransfer

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// CertificateSetUpdatedEvent is emitted when the provider changes the
// certificates on a relation.
type CertificateSetUpdatedEvent struct {
	Certificates set.Strings
	RelationID   int
}

// CertificatesRemovedEvent is emitted when a relation is broken.
type CertificatesRemovedEvent struct {
	RelationID int
}

// Requirer receives certificates from providers.
type Requirer struct {
	model  relation.Model
	name   string
	logger logger.Logger

	CertificateSetUpdated event.Source[CertificateSetUpdatedEvent]
	CertificatesRemoved   event.Source[CertificatesRemovedEvent]
}

// NewRequirer returns a Requirer for the configured endpoint.
func NewRequirer(cfg Config) (*Requirer, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRequirerRelationName
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Requires); err != nil {
		return nil, errors.Trace(err)
	}
	return &Requirer{
		model:  cfg.Model,
		name:   cfg.RelationName,
		logger: cfg.Logger,
	}, nil
}

// Register observes the relation events of the endpoint.
func (r *Requirer) Register(d *event.Dispatcher) {
	d.Observe(event.RelationCreated, r.name, r.onRelationCreated)
	d.Observe(event.RelationChanged, r.name, r.onRelationChanged)
	d.Observe(event.RelationBroken, r.name, r.onRelationBroken)
}

func (r *Requirer) onRelationCreated(ctx context.Context, e event.Event) error {
	if err := relation.RequireLeader(r.model, "set the interface version"); err != nil {
		r.logger.Debugf(ctx, "only leader unit sets the version number in the app databag")
		return nil
	}
	rel, err := r.model.Relation(r.name, e.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = requirerAppModel.Dump(RequirerAppData{Version: 1}, rel.Data(r.model.AppName()), databag.Clear(false))
	return errors.Trace(err)
}

func (r *Requirer) onRelationChanged(ctx context.Context, e event.Event) error {
	id := e.RelationID
	r.CertificateSetUpdated.Emit(ctx, CertificateSetUpdatedEvent{
		Certificates: r.Certificates(ctx, &id),
		RelationID:   id,
	})
	return nil
}

func (r *Requirer) onRelationBroken(ctx context.Context, e event.Event) error {
	r.CertificatesRemoved.Emit(ctx, CertificatesRemovedEvent{RelationID: e.RelationID})
	return nil
}

// Certificates returns the certificates received on the relation with
// the given id, or the union over every active relation when relationID
// is nil.
func (r *Requirer) Certificates(ctx context.Context, relationID *int) set.Strings {
	var relations []*relation.Relation
	if relationID != nil {
		if rel, err := r.model.Relation(r.name, *relationID); err == nil {
			relations = []*relation.Relation{rel}
		}
	}
	if relations == nil {
		relations = relation.ActiveRelations(r.model, r.name)
	}
	result := set.NewStrings()
	for _, rel := range relations {
		result = result.Union(r.relationCertificates(ctx, rel))
	}
	return result
}

// IsReady reports whether the provider published valid application data.
func (r *Requirer) IsReady(rel *relation.Relation) bool {
	if len(rel.Data(rel.App)) == 0 {
		return false
	}
	_, err := LoadProviderAppData(rel.Data(rel.App))
	return err == nil
}

// relationCertificates prefers the version 1 application data and falls
// back to the chain of a legacy provider unit.
func (r *Requirer) relationCertificates(ctx context.Context, rel *relation.Relation) set.Strings {
	data, err := LoadProviderAppData(rel.Data(rel.App))
	if err != nil {
		r.logger.Errorf(ctx, "error parsing relation databag: %v", err)
		return set.NewStrings()
	}
	if len(data.Certificates) > 0 {
		return data.CertificateSet()
	}
	for _, unit := range rel.RemoteUnits() {
		bag := rel.Data(unit)
		if len(bag) == 0 {
			continue
		}
		legacy, err := LoadProviderUnitDataV0(bag)
		if err != nil {
			r.logger.Errorf(ctx, "error parsing relation databag: %v", err)
			return set.NewStrings()
		}
		return set.NewStrings(legacy.Chain...)
	}
	return set.NewStrings()
}
