// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tlscertificates

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/internal/logger"
	"github.com/juju/relationlibs/internal/pki"
)

const (
	// DefaultRenewalRelativeTime is the fraction of the validity period
	// after which a certificate is renewed.
	DefaultRenewalRelativeTime = 0.9

	privateKeyContentKey  = "private-key"
	certificateContentKey = "certificate"
	csrContentKey         = "csr"
)

// RequirerConfig holds the collaborators of a Requirer.
type RequirerConfig struct {
	Model relation.Model

	// RelationName defaults to DefaultRelationName.
	RelationName string

	// Requests are the certificates the charm needs.
	Requests []pki.RequestAttributes

	// Mode defaults to UnitMode.
	Mode Mode

	// RefreshEvents are extra charm events that trigger a sync.
	RefreshEvents []event.Kind

	// PrivateKey, when set, is used instead of a generated key.
	PrivateKey pki.PrivateKey

	// KeyProfile generates private keys. It defaults to pki.RSA2048.
	KeyProfile pki.KeyProfile

	// RenewalRelativeTime must be in (0.5, 1.0]. It defaults to
	// DefaultRenewalRelativeTime.
	RenewalRelativeTime float64

	Clock  clock.Clock
	Logger logger.Logger
}

// Validate checks the configuration.
func (c RequirerConfig) Validate() error {
	if c.Model == nil {
		return errors.NotValidf("nil Model")
	}
	if err := c.Mode.Validate(); err != nil {
		return errors.Trace(err)
	}
	for _, req := range c.Requests {
		if err := req.Validate(); err != nil {
			return errors.Annotate(err, "certificate request")
		}
	}
	if !c.PrivateKey.IsZero() {
		if err := c.PrivateKey.Validate(); err != nil {
			return errors.Annotate(err, "private key")
		}
	}
	if c.RenewalRelativeTime <= 0.5 || c.RenewalRelativeTime > 1.0 {
		return errors.NotValidf("renewal relative time %v (must be in (0.5, 1.0])", c.RenewalRelativeTime)
	}
	if c.KeyProfile == nil {
		return errors.NotValidf("nil KeyProfile")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Requirer requests certificates over tls-certificates and keeps the
// issued ones in secrets that expire when renewal is due.
type Requirer struct {
	cfg  RequirerConfig
	name string

	CertificateAvailable event.Source[CertificateAvailableEvent]
}

// NewRequirer returns a requirer for the configured endpoint, which must
// require the tls-certificates interface.
func NewRequirer(cfg RequirerConfig) (*Requirer, error) {
	if cfg.RelationName == "" {
		cfg.RelationName = DefaultRelationName
	}
	if cfg.Mode == 0 {
		cfg.Mode = UnitMode
	}
	if cfg.RenewalRelativeTime == 0 {
		cfg.RenewalRelativeTime = DefaultRenewalRelativeTime
	}
	if cfg.KeyProfile == nil {
		cfg.KeyProfile = pki.RSA2048
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := relation.CheckEndpoint(cfg.Model, cfg.RelationName, Interface, relation.Requires); err != nil {
		return nil, errors.Trace(err)
	}
	return &Requirer{cfg: cfg, name: cfg.RelationName}, nil
}

// Register observes the relation, secret and refresh events.
func (r *Requirer) Register(d *event.Dispatcher) {
	d.ObserveRelation(r.name, r.onConfigure, event.RelationCreated, event.RelationChanged)
	d.Observe(event.SecretExpired, "", r.onSecretExpired)
	for _, kind := range r.cfg.RefreshEvents {
		d.Observe(kind, "", r.onConfigure)
	}
}

func (r *Requirer) onConfigure(ctx context.Context, _ event.Event) error {
	return errors.Trace(r.Sync(ctx))
}

// Sync reconciles the relation data with the configured requests: it
// ensures there is a private key, withdraws stale CSRs, sends missing
// ones and stores the certificates that became available.
func (r *Requirer) Sync(ctx context.Context) error {
	if _, ok := r.relation(); !ok {
		r.cfg.Logger.Debugf(ctx, "tls relation not created yet")
		return nil
	}
	if err := r.ensurePrivateKey(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := r.cleanupRequests(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := r.sendRequests(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.storeAvailableCertificates(ctx))
}

func (r *Requirer) onSecretExpired(ctx context.Context, e event.Event) error {
	if !strings.HasPrefix(e.SecretLabel, LibID+"-certificate") {
		return nil
	}
	content, err := r.cfg.Model.Secrets().Get(ctx, e.SecretLabel)
	if err != nil {
		r.cfg.Logger.Errorf(ctx, "failed to get CSR from secret %q, skipping: %v", e.SecretLabel, err)
		return nil
	}
	csr, err := pki.ParseCSR(content[csrContentKey])
	if err != nil {
		r.cfg.Logger.Errorf(ctx, "invalid CSR in secret %q, skipping: %v", e.SecretLabel, err)
		return nil
	}
	if err := r.renewRequest(ctx, csr); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.cfg.Model.Secrets().Remove(ctx, e.SecretLabel))
}

// RenewCertificate withdraws the CSR of cert and sends a fresh one in
// the same call. Certificates this unit holds no secret for are skipped.
func (r *Requirer) RenewCertificate(ctx context.Context, cert ProviderCertificate) error {
	label, err := r.certificateLabel(cert.CSR)
	if err != nil {
		return errors.Trace(err)
	}
	content, err := r.cfg.Model.Secrets().Get(ctx, label)
	if errors.Is(err, errors.NotFound) {
		r.cfg.Logger.Warningf(ctx, "no matching secret found, skipping renewal")
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	if content[csrContentKey] != cert.CSR.String() {
		r.cfg.Logger.Warningf(ctx, "no matching CSR found, skipping renewal")
		return nil
	}
	if err := r.renewRequest(ctx, cert.CSR); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.cfg.Model.Secrets().Remove(ctx, label))
}

func (r *Requirer) renewRequest(ctx context.Context, csr pki.CertificateSigningRequest) error {
	if err := r.removeRequest(ctx, csr); err != nil {
		return errors.Trace(err)
	}
	if err := r.sendRequests(ctx); err != nil {
		return errors.Trace(err)
	}
	r.cfg.Logger.Infof(ctx, "renewed certificate request")
	return nil
}

// PrivateKey returns the key used for the CSRs. The zero key is returned
// while none has been generated.
func (r *Requirer) PrivateKey(ctx context.Context) (pki.PrivateKey, error) {
	if !r.cfg.PrivateKey.IsZero() {
		return r.cfg.PrivateKey, nil
	}
	label, err := r.privateKeyLabel()
	if err != nil {
		return pki.PrivateKey{}, errors.Trace(err)
	}
	content, err := r.cfg.Model.Secrets().Get(ctx, label)
	if errors.Is(err, errors.NotFound) {
		return pki.PrivateKey{}, nil
	} else if err != nil {
		return pki.PrivateKey{}, errors.Trace(err)
	}
	key, err := pki.ParsePrivateKey(content[privateKeyContentKey])
	return key, errors.Trace(err)
}

// RegeneratePrivateKey replaces the generated key and reissues every
// request with it.
func (r *Requirer) RegeneratePrivateKey(ctx context.Context) error {
	if !r.cfg.PrivateKey.IsZero() {
		return errors.Annotate(ErrPrivateKeyProvided, "cannot regenerate private key")
	}
	key, err := r.PrivateKey(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if key.IsZero() {
		r.cfg.Logger.Warningf(ctx, "no private key to regenerate")
		return nil
	}
	if err := r.generatePrivateKey(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := r.cleanupRequests(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.sendRequests(ctx))
}

func (r *Requirer) ensurePrivateKey(ctx context.Context) error {
	if !r.cfg.PrivateKey.IsZero() {
		// A generated key is superseded by the charm provided one.
		label, err := r.privateKeyLabel()
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(r.cfg.Model.Secrets().Remove(ctx, label))
	}
	key, err := r.PrivateKey(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !key.IsZero() {
		r.cfg.Logger.Debugf(ctx, "private key already generated")
		return nil
	}
	return errors.Trace(r.generatePrivateKey(ctx))
}

func (r *Requirer) generatePrivateKey(ctx context.Context) error {
	rsaKey, err := r.cfg.KeyProfile()
	if err != nil {
		return errors.Annotate(err, "generating private key")
	}
	label, err := r.privateKeyLabel()
	if err != nil {
		return errors.Trace(err)
	}
	content := map[string]string{privateKeyContentKey: pki.NewPrivateKey(rsaKey).String()}
	if err := r.cfg.Model.Secrets().Set(ctx, label, content, time.Time{}); err != nil {
		return errors.Annotate(err, "storing private key")
	}
	r.cfg.Logger.Infof(ctx, "private key generated")
	return nil
}

// CertificateRequests returns the CSRs currently published by this unit
// or application. In AppMode only the leader sees them.
func (r *Requirer) CertificateRequests(ctx context.Context) []RequirerCertificateRequest {
	if r.cfg.Mode == AppMode && !r.cfg.Model.IsLeader() {
		r.cfg.Logger.Debugf(ctx, "not a leader unit, skipping")
		return nil
	}
	rel, ok := r.relation()
	if !ok {
		r.cfg.Logger.Debugf(ctx, "no relation: %s", r.name)
		return nil
	}
	data, err := loadRequirerData(rel.Data(r.owner()))
	if err != nil {
		r.cfg.Logger.Warningf(ctx, "invalid relation data: %v", err)
		return nil
	}
	requests := make([]RequirerCertificateRequest, 0, len(data.CSRs))
	for _, entry := range data.CSRs {
		csr, err := pki.ParseCSR(entry.CSR)
		if err != nil {
			r.cfg.Logger.Warningf(ctx, "ignoring invalid CSR: %v", err)
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

// ProviderCertificates returns every certificate published by the
// provider.
func (r *Requirer) ProviderCertificates(ctx context.Context) []ProviderCertificate {
	rel, ok := r.relation()
	if !ok {
		r.cfg.Logger.Debugf(ctx, "no relation: %s", r.name)
		return nil
	}
	if rel.App == "" {
		r.cfg.Logger.Debugf(ctx, "no remote app in relation: %s", r.name)
		return nil
	}
	data, err := loadProviderAppData(rel.Data(rel.App))
	if err != nil {
		r.cfg.Logger.Warningf(ctx, "invalid relation data: %v", err)
		return nil
	}
	certs := make([]ProviderCertificate, 0, len(data.Certificates))
	for _, entry := range data.Certificates {
		cert, err := entry.parse(rel.ID)
		if err != nil {
			r.cfg.Logger.Warningf(ctx, "ignoring invalid provider certificate: %v", err)
			continue
		}
		certs = append(certs, cert)
	}
	return certs
}

// AssignedCertificates returns the certificates issued for the
// published CSRs, together with the private key.
func (r *Requirer) AssignedCertificates(ctx context.Context) ([]ProviderCertificate, pki.PrivateKey, error) {
	key, err := r.PrivateKey(ctx)
	if err != nil {
		return nil, pki.PrivateKey{}, errors.Trace(err)
	}
	var assigned []ProviderCertificate
	for _, req := range r.CertificateRequests(ctx) {
		if cert, ok := r.findCertificate(ctx, req, key); ok {
			assigned = append(assigned, cert)
		}
	}
	return assigned, key, nil
}

// AssignedCertificate returns the certificate issued for attrs, or nil
// if there is none yet.
func (r *Requirer) AssignedCertificate(ctx context.Context, attrs pki.RequestAttributes) (*ProviderCertificate, pki.PrivateKey, error) {
	key, err := r.PrivateKey(ctx)
	if err != nil {
		return nil, pki.PrivateKey{}, errors.Trace(err)
	}
	for _, req := range r.CertificateRequests(ctx) {
		if !attrs.Equal(pki.AttributesFromCSR(req.CSR, req.IsCA)) {
			continue
		}
		cert, ok := r.findCertificate(ctx, req, key)
		if !ok {
			return nil, key, nil
		}
		return &cert, key, nil
	}
	return nil, pki.PrivateKey{}, nil
}

// findCertificate returns the provider certificate issued for req,
// checked against key.
func (r *Requirer) findCertificate(ctx context.Context, req RequirerCertificateRequest, key pki.PrivateKey) (ProviderCertificate, bool) {
	if key.IsZero() {
		return ProviderCertificate{}, false
	}
	for _, cert := range r.ProviderCertificates(ctx) {
		if !cert.CSR.Equal(req.CSR) {
			continue
		}
		if cert.Certificate.IsCA && !req.IsCA {
			r.cfg.Logger.Warningf(ctx, "non CA certificate requested, got a CA certificate, ignoring")
			continue
		}
		if !cert.Certificate.IsCA && req.IsCA {
			r.cfg.Logger.Warningf(ctx, "CA certificate requested, got a non CA certificate, ignoring")
			continue
		}
		if !cert.Certificate.MatchesPrivateKey(key) {
			r.cfg.Logger.Warningf(ctx, "certificate does not match the private key, ignoring invalid certificate")
			continue
		}
		return cert, true
	}
	return ProviderCertificate{}, false
}

func (r *Requirer) matchesRequest(csr pki.CertificateSigningRequest, isCA bool) bool {
	attrs := pki.AttributesFromCSR(csr, isCA)
	for _, req := range r.cfg.Requests {
		if req.Equal(attrs) {
			return true
		}
	}
	return false
}

// isRequested reports whether a CSR made with the current key has been
// published for attrs.
func (r *Requirer) isRequested(ctx context.Context, attrs pki.RequestAttributes, key pki.PrivateKey) bool {
	for _, req := range r.CertificateRequests(ctx) {
		if attrs.Equal(pki.AttributesFromCSR(req.CSR, req.IsCA)) {
			return req.CSR.MatchesPrivateKey(key)
		}
	}
	return false
}

func (r *Requirer) sendRequests(ctx context.Context) error {
	key, err := r.PrivateKey(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if key.IsZero() {
		r.cfg.Logger.Debugf(ctx, "private key not generated yet")
		return nil
	}
	for _, attrs := range r.cfg.Requests {
		if r.isRequested(ctx, attrs, key) {
			continue
		}
		csr, err := attrs.GenerateCSR(key)
		if err != nil {
			r.cfg.Logger.Warningf(ctx, "failed to generate CSR: %v", err)
			continue
		}
		if err := r.addRequest(ctx, csr, attrs.IsCA); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (r *Requirer) addRequest(ctx context.Context, csr pki.CertificateSigningRequest, isCA bool) error {
	if r.cfg.Mode == AppMode && !r.cfg.Model.IsLeader() {
		r.cfg.Logger.Debugf(ctx, "not a leader unit, skipping")
		return nil
	}
	rel, ok := r.relation()
	if !ok {
		r.cfg.Logger.Debugf(ctx, "no relation: %s", r.name)
		return nil
	}
	bag := rel.Data(r.owner())
	data, err := loadRequirerData(bag)
	if err != nil {
		data = requirerData{}
	}
	data.CSRs = append(data.CSRs, csrData{CSR: strings.TrimSpace(csr.String()), CA: isCA})
	if err := dumpRequirerData(data, bag); err != nil {
		return errors.Trace(err)
	}
	r.cfg.Logger.Infof(ctx, "certificate signing request added to relation data")
	return nil
}

func (r *Requirer) removeRequest(ctx context.Context, csr pki.CertificateSigningRequest) error {
	rel, ok := r.relation()
	if !ok {
		r.cfg.Logger.Debugf(ctx, "no relation: %s", r.name)
		return nil
	}
	if len(r.CertificateRequests(ctx)) == 0 {
		r.cfg.Logger.Infof(ctx, "no CSRs in relation data, doing nothing")
		return nil
	}
	bag := rel.Data(r.owner())
	data, err := loadRequirerData(bag)
	if err != nil {
		r.cfg.Logger.Warningf(ctx, "invalid relation data, skipping removal of CSR")
		return nil
	}
	kept := data.CSRs[:0]
	for _, entry := range data.CSRs {
		if strings.TrimSpace(entry.CSR) != strings.TrimSpace(csr.String()) {
			kept = append(kept, entry)
		}
	}
	data.CSRs = kept
	if err := dumpRequirerData(data, bag); err != nil {
		return errors.Trace(err)
	}
	r.cfg.Logger.Infof(ctx, "removed CSR from relation data")
	return nil
}

// cleanupRequests withdraws CSRs matching no configured request, and
// CSRs made with a key other than the current one.
func (r *Requirer) cleanupRequests(ctx context.Context) error {
	key, err := r.PrivateKey(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	for _, req := range r.CertificateRequests(ctx) {
		switch {
		case !r.matchesRequest(req.CSR, req.IsCA):
			r.cfg.Logger.Infof(ctx, "removing CSR that does not match any certificate request")
		case !key.IsZero() && !req.CSR.MatchesPrivateKey(key):
			r.cfg.Logger.Infof(ctx, "removing CSR that does not match the private key")
		default:
			continue
		}
		if err := r.removeRequest(ctx, req.CSR); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// storeAvailableCertificates keeps a secret per issued certificate,
// expiring when renewal is due, and drops the secrets of revoked ones.
func (r *Requirer) storeAvailableCertificates(ctx context.Context) error {
	requests := r.CertificateRequests(ctx)
	secrets := r.cfg.Model.Secrets()
	for _, cert := range r.ProviderCertificates(ctx) {
		if !containsCSR(requests, cert.CSR) {
			continue
		}
		label, err := r.certificateLabel(cert.CSR)
		if err != nil {
			return errors.Trace(err)
		}
		if cert.Revoked {
			r.cfg.Logger.Debugf(ctx, "removing secret with label %s", label)
			if err := secrets.Remove(ctx, label); err != nil {
				return errors.Trace(err)
			}
			continue
		}
		if !r.matchesRequest(cert.CSR, cert.Certificate.IsCA) {
			r.cfg.Logger.Debugf(ctx, "certificate requested for different attributes, skipping")
			continue
		}
		content, err := secrets.Get(ctx, label)
		if err != nil && !errors.Is(err, errors.NotFound) {
			return errors.Trace(err)
		}
		if err == nil && content[certificateContentKey] == cert.Certificate.String() {
			r.cfg.Logger.Debugf(ctx, "secret %s with correct certificate already exists", label)
			continue
		}
		expire, err := pki.RelativeDateTime(cert.Certificate.ExpiryTime, r.cfg.RenewalRelativeTime, r.cfg.Clock.Now())
		if err != nil {
			return errors.Trace(err)
		}
		r.cfg.Logger.Debugf(ctx, "setting secret with label %s", label)
		err = secrets.Set(ctx, label, map[string]string{
			certificateContentKey: cert.Certificate.String(),
			csrContentKey:         cert.CSR.String(),
		}, expire)
		if err != nil {
			return errors.Annotate(err, "storing certificate")
		}
		r.CertificateAvailable.Emit(ctx, CertificateAvailableEvent{
			Certificate: cert.Certificate,
			CSR:         cert.CSR,
			CA:          cert.CA,
			Chain:       cert.Chain,
		})
	}
	return nil
}

func (r *Requirer) relation() (*relation.Relation, bool) {
	rels := r.cfg.Model.Relations(r.name)
	if len(rels) == 0 {
		return nil, false
	}
	return rels[0], true
}

func (r *Requirer) owner() string {
	if r.cfg.Mode == AppMode {
		return r.cfg.Model.AppName()
	}
	return r.cfg.Model.UnitName()
}

func (r *Requirer) unitNumber() (string, error) {
	n, err := relation.UnitNumber(r.cfg.Model.UnitName())
	if err != nil {
		return "", errors.Trace(err)
	}
	return strconv.Itoa(n), nil
}

func (r *Requirer) privateKeyLabel() (string, error) {
	if r.cfg.Mode == AppMode {
		return fmt.Sprintf("%s-private-key-%s", LibID, r.name), nil
	}
	n, err := r.unitNumber()
	if err != nil {
		return "", errors.Trace(err)
	}
	return fmt.Sprintf("%s-private-key-%s-%s", LibID, n, r.name), nil
}

func (r *Requirer) certificateLabel(csr pki.CertificateSigningRequest) (string, error) {
	if r.cfg.Mode == AppMode {
		return fmt.Sprintf("%s-certificate-%s", LibID, csr.SHA256Hex()), nil
	}
	n, err := r.unitNumber()
	if err != nil {
		return "", errors.Trace(err)
	}
	return fmt.Sprintf("%s-certificate-%s-%s", LibID, n, csr.SHA256Hex()), nil
}
