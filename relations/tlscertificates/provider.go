// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tlscertificates

import (
	"context"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
	"github.com/juju/relationlibs/internal/pki"
)

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

// Provider issues certificates over tls-certificates.
type Provider struct {
	cfg  ProviderConfig
	name string
}

// NewProvider returns a provider for the configured endpoint, which must
// provide the tls-certificates interface.
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

// Register observes the events that trigger reconciliation.
func (p *Provider) Register(d *event.Dispatcher) {
	d.ObserveRelation(p.name, p.onConfigure, event.RelationJoined, event.RelationChanged)
	d.Observe(event.UpdateStatus, "", p.onConfigure)
}

func (p *Provider) onConfigure(ctx context.Context, _ event.Event) error {
	if !p.cfg.Model.IsLeader() {
		return nil
	}
	return errors.Trace(p.removeUnsolicitedCertificates(ctx))
}

// removeUnsolicitedCertificates drops certificates whose CSR was
// withdrawn by the requirer.
func (p *Provider) removeUnsolicitedCertificates(ctx context.Context) error {
	requests := p.CertificateRequests(ctx, nil)
	for _, cert := range p.ProviderCertificates(ctx, nil) {
		if containsCSR(requests, cert.CSR) {
			continue
		}
		rel, err := p.relation(cert.RelationID)
		if err != nil {
			return errors.Trace(err)
		}
		if err := p.removeCertificate(ctx, rel, func(d certificateData) bool {
			return d.Certificate == cert.Certificate.String()
		}); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (p *Provider) relations(relationID *int) []*relation.Relation {
	rels := p.cfg.Model.Relations(p.name)
	if relationID == nil {
		return rels
	}
	for _, rel := range rels {
		if rel.ID == *relationID {
			return []*relation.Relation{rel}
		}
	}
	return nil
}

func (p *Provider) relation(id int) (*relation.Relation, error) {
	rel, err := p.cfg.Model.Relation(p.name, id)
	if errors.Is(err, errors.NotFound) {
		return nil, errors.Annotatef(ErrRelationNotFound, "relation %s:%d", p.name, id)
	}
	return rel, errors.Trace(err)
}

// CertificateRequests returns the CSRs published by every requirer unit
// and application, optionally restricted to one relation.
func (p *Provider) CertificateRequests(ctx context.Context, relationID *int) []RequirerCertificateRequest {
	var requests []RequirerCertificateRequest
	for _, rel := range p.relations(relationID) {
		entities := append(rel.RemoteUnits(), rel.App)
		for _, entity := range entities {
			if entity == "" {
				continue
			}
			requests = append(requests, p.loadRequests(ctx, rel, entity)...)
		}
	}
	return requests
}

func (p *Provider) loadRequests(ctx context.Context, rel *relation.Relation, entity string) []RequirerCertificateRequest {
	data, err := loadRequirerData(rel.Data(entity))
	if err != nil {
		p.cfg.Logger.Debugf(ctx, "invalid requirer relation data for %s: %v", entity, err)
		return nil
	}
	requests := make([]RequirerCertificateRequest, 0, len(data.CSRs))
	for _, entry := range data.CSRs {
		csr, err := pki.ParseCSR(entry.CSR)
		if err != nil {
			p.cfg.Logger.Debugf(ctx, "invalid CSR from %s: %v", entity, err)
			continue
		}
		requests = append(requests, RequirerCertificateRequest{
			RelationID: rel.ID,
			CSR:        csr,
			IsCA:       entry.CA,
		})
	}
	return requests
}

func (p *Provider) loadCertificates(ctx context.Context, rel *relation.Relation) []certificateData {
	data, err := loadProviderAppData(rel.Data(p.cfg.Model.AppName()))
	if err != nil {
		p.cfg.Logger.Debugf(ctx, "invalid provider relation data: %v", err)
		return nil
	}
	return data.Certificates
}

func (p *Provider) dumpCertificates(ctx context.Context, rel *relation.Relation, certs []certificateData) error {
	if err := dumpProviderAppData(providerAppData{Certificates: certs}, rel.Data(p.cfg.Model.AppName())); err != nil {
		return errors.Trace(err)
	}
	p.cfg.Logger.Infof(ctx, "certificate relation data updated")
	return nil
}

func (p *Provider) removeCertificate(ctx context.Context, rel *relation.Relation, match func(certificateData) bool) error {
	certs := p.loadCertificates(ctx, rel)
	kept := make([]certificateData, 0, len(certs))
	for _, cert := range certs {
		if !match(cert) {
			kept = append(kept, cert)
		}
	}
	return errors.Trace(p.dumpCertificates(ctx, rel, kept))
}

// SetRelationCertificate publishes cert on its relation, replacing any
// certificate previously issued for the same CSR.
func (p *Provider) SetRelationCertificate(ctx context.Context, cert ProviderCertificate) error {
	if err := relation.RequireLeader(p.cfg.Model, "set relation certificate"); err != nil {
		return errors.Trace(err)
	}
	rel, err := p.relation(cert.RelationID)
	if err != nil {
		return errors.Trace(err)
	}
	csr := cert.CSR.String()
	if err := p.removeCertificate(ctx, rel, func(d certificateData) bool {
		return d.CSR == csr
	}); err != nil {
		return errors.Trace(err)
	}

	entry := cert.data()
	switch {
	case len(entry.Chain) == 0 || entry.Chain[0] != entry.Certificate:
		p.cfg.Logger.Warningf(ctx, "the order of the chain from the TLS certificates provider is incorrect: "+
			"the leaf certificate should be the first element of the chain")
	case !pki.ChainHasValidOrder(entry.Chain):
		p.cfg.Logger.Warningf(ctx, "the order of the chain from the TLS certificates provider is partially incorrect")
	}
	certs := p.loadCertificates(ctx, rel)
	for _, existing := range certs {
		if sameCertificateData(existing, entry) {
			p.cfg.Logger.Infof(ctx, "certificate already in relation data, doing nothing")
			return nil
		}
	}
	return errors.Trace(p.dumpCertificates(ctx, rel, append(certs, entry)))
}

// RevokeAllCertificates flags every published certificate as revoked.
// It is used when the root CA changes.
func (p *Provider) RevokeAllCertificates(ctx context.Context) error {
	if err := relation.RequireLeader(p.cfg.Model, "revoke certificates"); err != nil {
		return errors.Trace(err)
	}
	revoked := true
	for _, rel := range p.relations(nil) {
		certs := p.loadCertificates(ctx, rel)
		for i := range certs {
			certs[i].Revoked = &revoked
		}
		if err := p.dumpCertificates(ctx, rel, certs); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ProviderCertificates returns every published certificate, optionally
// restricted to one relation.
func (p *Provider) ProviderCertificates(ctx context.Context, relationID *int) []ProviderCertificate {
	var certs []ProviderCertificate
	for _, rel := range p.relations(relationID) {
		if rel.App == "" {
			p.cfg.Logger.Warningf(ctx, "relation %d does not have an application", rel.ID)
			continue
		}
		for _, entry := range p.loadCertificates(ctx, rel) {
			cert, err := entry.parse(rel.ID)
			if err != nil {
				p.cfg.Logger.Warningf(ctx, "ignoring invalid certificate on %s: %v", rel, err)
				continue
			}
			certs = append(certs, cert)
		}
	}
	return certs
}

// IssuedCertificates returns the certificates that are not revoked. A
// unit that is not the leader gets none.
func (p *Provider) IssuedCertificates(ctx context.Context, relationID *int) []ProviderCertificate {
	if !p.cfg.Model.IsLeader() {
		p.cfg.Logger.Warningf(ctx, "unit is not a leader, will not read relation data")
		return nil
	}
	var issued []ProviderCertificate
	for _, cert := range p.ProviderCertificates(ctx, relationID) {
		if !cert.Revoked {
			issued = append(issued, cert)
		}
	}
	return issued
}

// UnsolicitedCertificates returns the certificates whose CSR is no longer
// published by any requirer. They should be revoked.
func (p *Provider) UnsolicitedCertificates(ctx context.Context, relationID *int) []ProviderCertificate {
	requests := p.CertificateRequests(ctx, relationID)
	var unsolicited []ProviderCertificate
	for _, cert := range p.ProviderCertificates(ctx, relationID) {
		if !containsCSR(requests, cert.CSR) {
			unsolicited = append(unsolicited, cert)
		}
	}
	return unsolicited
}

// OutstandingCertificateRequests returns the CSRs for which no
// certificate carrying the CSR public key has been issued.
func (p *Provider) OutstandingCertificateRequests(ctx context.Context, relationID *int) []RequirerCertificateRequest {
	issued := p.IssuedCertificates(ctx, relationID)
	var outstanding []RequirerCertificateRequest
	for _, req := range p.CertificateRequests(ctx, relationID) {
		if !issuedFor(issued, req.CSR) {
			outstanding = append(outstanding, req)
		}
	}
	return outstanding
}

func issuedFor(issued []ProviderCertificate, csr pki.CertificateSigningRequest) bool {
	for _, cert := range issued {
		if cert.CSR.Equal(csr) {
			return csr.MatchesCertificate(cert.Certificate)
		}
	}
	return false
}

func sameCertificateData(a, b certificateData) bool {
	if a.CA != b.CA || a.CSR != b.CSR || a.Certificate != b.Certificate {
		return false
	}
	if (a.Revoked != nil && *a.Revoked) != (b.Revoked != nil && *b.Revoked) {
		return false
	}
	if len(a.Chain) != len(b.Chain) {
		return false
	}
	for i := range a.Chain {
		if a.Chain[i] != b.Chain[i] {
			return false
		}
	}
	return true
}
