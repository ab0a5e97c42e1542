// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package certificatetransfer

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
)

// Config holds the collaborators of a Provider or Requirer.
type Config struct {
	// Model is the orchestrator model.
	Model relation.Model

	// RelationName is the endpoint name. It defaults to
	// DefaultProviderRelationName or DefaultRequirerRelationName.
	RelationName string

	// Logger is used for diagnostics.
	Logger logger.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.RelationName == "" {
		return errors.NotValidf("empty RelationName")
	}
	return nil
}

// peerVersion is the version of the interface spoken by the requirer.
type peerVersion int

const (
	versionLegacy peerVersion = iota
	versionCurrent
)

// Provider sends certificates to requirers.
type Provider struct {
	model  relation.Model
	name   string
	logger logger.Logger
}

// NewProvider returns a Provider for the configured endpoint.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultProviderRelationName
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Provides); err != nil {
		return nil, errors.Trace(err)
	}
	return &Provider{
		model:  cfg.Model,
		name:   cfg.RelationName,
		logger: cfg.Logger,
	}, nil
}

// AddCertificates adds certs to the certificates published on the
// relation with the given id, or on every active relation when
// relationID is nil. A non-leader unit gets relation.ErrNotLeader.
func (p *Provider) AddCertificates(ctx context.Context, certs set.Strings, relationID *int) error {
	return p.update(ctx, "add certificates", relationID, func(existing set.Strings) set.Strings {
		return existing.Union(certs)
	})
}

// RemoveCertificate removes cert from the published certificates.
func (p *Provider) RemoveCertificate(ctx context.Context, cert string, relationID *int) error {
	return p.update(ctx, "remove certificate", relationID, func(existing set.Strings) set.Strings {
		existing.Remove(cert)
		return existing
	})
}

// RemoveAllCertificates removes every published certificate.
func (p *Provider) RemoveAllCertificates(ctx context.Context, relationID *int) error {
	return p.update(ctx, "remove certificates", relationID, func(set.Strings) set.Strings {
		return set.NewStrings()
	})
}

func (p *Provider) update(ctx context.Context, action string, relationID *int, fn func(set.Strings) set.Strings) error {
	if err := relation.RequireLeader(p.model, action); err != nil {
		p.logger.Warningf(ctx, "only the leader unit can %s on %q", action, p.name)
		return errors.Trace(err)
	}
	relations, err := p.activeRelations(relationID)
	if err != nil {
		p.logger.Warningf(ctx, "no matching relation found with the relation name %q", p.name)
		return errors.Trace(err)
	}
	if len(relations) == 0 {
		p.logger.Debugf(ctx, "no active relations found with the relation name %q", p.name)
		return nil
	}
	for _, rel := range relations {
		certs := fn(p.certificates(ctx, rel))
		if err := p.publish(ctx, rel, certs); err != nil {
			return errors.Annotatef(err, "publishing certificates on %s", rel)
		}
	}
	return nil
}

func (p *Provider) activeRelations(relationID *int) ([]*relation.Relation, error) {
	if relationID == nil {
		return relation.ActiveRelations(p.model, p.name), nil
	}
	rel, err := p.model.Relation(p.name, *relationID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !rel.Active {
		return nil, errors.NotFoundf("active relation %s", rel)
	}
	return []*relation.Relation{rel}, nil
}

// version is re-evaluated on every write from the requirer's current
// application data.
func (p *Provider) version(ctx context.Context, rel *relation.Relation) peerVersion {
	remote := rel.Data(rel.App)
	v, ok := remote[versionKey]
	if v == "1" {
		return versionCurrent
	}
	if ok {
		p.logger.Warningf(ctx,
			"requirer in relation %d is using version %s of the interface, defaulting to version 0; "+
				"this is deprecated, please consider upgrading the requirer to version 1 of the library",
			rel.ID, v)
	} else {
		p.logger.Warningf(ctx,
			"requirer in relation %d did not provide version field, defaulting to version 0; "+
				"this is deprecated, please consider upgrading the requirer to version 1 of the library",
			rel.ID)
	}
	return versionLegacy
}

func (p *Provider) certificates(ctx context.Context, rel *relation.Relation) set.Strings {
	if rel.Data(rel.App)[versionKey] == "1" {
		data, err := LoadProviderAppData(rel.Data(p.model.AppName()))
		if err != nil {
			p.logger.Errorf(ctx, "error parsing relation databag: %v", err)
			return set.NewStrings()
		}
		return data.CertificateSet()
	}
	bag := rel.Data(p.model.UnitName())
	if len(bag) == 0 {
		return set.NewStrings()
	}
	data, err := LoadProviderUnitDataV0(bag)
	if err != nil {
		p.logger.Errorf(ctx, "error parsing relation databag: %v", err)
		return set.NewStrings()
	}
	return set.NewStrings(data.Chain...)
}

func (p *Provider) publish(ctx context.Context, rel *relation.Relation, certs set.Strings) error {
	if p.version(ctx, rel) == versionCurrent {
		_, err := providerAppModel.Dump(NewProviderAppData(certs), rel.Data(p.model.AppName()))
		return errors.Trace(err)
	}
	if certs.IsEmpty() {
		return nil
	}
	chain := certs.SortedValues()
	_, err := providerUnitV0Model.Dump(ProviderUnitDataV0{
		CA:          chain[0],
		Certificate: chain[0],
		Chain:       chain,
	}, rel.Data(p.model.UnitName()))
	return errors.Trace(err)
}

