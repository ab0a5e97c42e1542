// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tlscertificates_test

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/event"
	"github.com/juju/relationlibs/core/relation"
	relationtesting "github.com/juju/relationlibs/core/relation/testing"
	loggertesting "github.com/juju/relationlibs/internal/logger/testing"
	"github.com/juju/relationlibs/internal/pki"
	"github.com/juju/relationlibs/relations/tlscertificates"
)

const (
	keyLabel = tlscertificates.LibID + "-private-key-0-certificates"
)

type wireCSR struct {
	CSR string `json:"certificate_signing_request"`
	CA  bool   `json:"ca"`
}

type requirerSuite struct {
	fixtures
	model *relationtesting.Model
	rel   *relation.Relation
	clock *testclock.Clock
	log   loggertesting.Recorder
	keys  []pki.PrivateKey
	attrs pki.RequestAttributes
}

var _ = gc.Suite(&requirerSuite{})

func (s *requirerSuite) SetUpSuite(c *gc.C) {
	s.fixtures = loadFixtures(c)
}

func (s *requirerSuite) SetUpTest(c *gc.C) {
	s.model = relationtesting.NewModel("nginx", 0).
		WithEndpoint("certificates", tlscertificates.Interface, relation.Requires)
	s.rel = s.model.AddRelation("certificates", "ca-app", "ca-app/0")
	s.clock = testclock.NewClock(epoch)
	s.log = loggertesting.NewRecorder()
	s.keys = []pki.PrivateKey{s.key, s.otherKey}
	s.attrs = pki.RequestAttributes{CommonName: "nginx.example.com", SANsDNS: []string{"nginx.example.com"}}
}

func (s *requirerSuite) newRequirer(c *gc.C, mutate func(*tlscertificates.RequirerConfig)) *tlscertificates.Requirer {
	cfg := tlscertificates.RequirerConfig{
		Model:    s.model,
		Requests: []pki.RequestAttributes{s.attrs},
		// Hand out the pre-generated keys in turn.
		KeyProfile: func() (*rsa.PrivateKey, error) {
			key := s.keys[0]
			s.keys = append(s.keys[1:], key)
			return key.RSA(), nil
		},
		Clock:  s.clock,
		Logger: s.log,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := tlscertificates.NewRequirer(cfg)
	c.Assert(err, jc.ErrorIsNil)
	return r
}

func (s *requirerSuite) csrs(c *gc.C, bag databag.Databag) []wireCSR {
	var out []wireCSR
	if _, ok := bag["certificate_signing_requests"]; !ok {
		return nil
	}
	c.Assert(databag.Get(bag, "certificate_signing_requests", &out), jc.ErrorIsNil)
	return out
}

func (s *requirerSuite) onlyCSR(c *gc.C) pki.CertificateSigningRequest {
	entries := s.csrs(c, s.model.LocalUnitData(s.rel))
	c.Assert(entries, gc.HasLen, 1)
	csr, err := pki.ParseCSR(entries[0].CSR)
	c.Assert(err, jc.ErrorIsNil)
	return csr
}

func (s *requirerSuite) publish(c *gc.C, certs ...map[string]any) {
	c.Assert(databag.Set(s.rel.Data("ca-app"), "certificates", certs), jc.ErrorIsNil)
}

func (s *requirerSuite) entry(csr pki.CertificateSigningRequest, cert pki.Certificate) map[string]any {
	return map[string]any{
		"ca":                          s.ca.String(),
		"certificate_signing_request": csr.String(),
		"certificate":                 cert.String(),
		"chain":                       []string{cert.String(), s.ca.String()},
	}
}

func (s *requirerSuite) certificateLabel(csr pki.CertificateSigningRequest) string {
	return tlscertificates.LibID + "-certificate-0-" + csr.SHA256Hex()
}

func (s *requirerSuite) TestInvalidRenewalRelativeTime(c *gc.C) {
	for _, f := range []float64{0.5, 1.1, -1} {
		_, err := tlscertificates.NewRequirer(tlscertificates.RequirerConfig{
			Model:               s.model,
			RenewalRelativeTime: f,
			Logger:              s.log,
		})
		c.Check(err, jc.Satisfies, errors.IsNotValid)
	}
}

func (s *requirerSuite) TestInvalidRequest(c *gc.C) {
	_, err := tlscertificates.NewRequirer(tlscertificates.RequirerConfig{
		Model:    s.model,
		Requests: []pki.RequestAttributes{{}},
		Logger:   s.log,
	})
	c.Assert(err, gc.ErrorMatches, "certificate request: empty common name not valid")
}

func (s *requirerSuite) TestSyncWithoutRelation(c *gc.C) {
	s.model.RemoveRelation(s.rel)
	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	_, ok := s.model.SecretStore().Secret(keyLabel)
	c.Assert(ok, jc.IsFalse)
}

func (s *requirerSuite) TestSyncSendsRequest(c *gc.C) {
	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	secret, ok := s.model.SecretStore().Secret(keyLabel)
	c.Assert(ok, jc.IsTrue)
	c.Check(secret.Content["private-key"], gc.Equals, s.key.String())

	csr := s.onlyCSR(c)
	c.Check(csr.CommonName, gc.Equals, "nginx.example.com")
	c.Check(csr.MatchesPrivateKey(s.key), jc.IsTrue)
	c.Check(s.csrs(c, s.model.LocalUnitData(s.rel))[0].CA, jc.IsFalse)

	// A second pass leaves the request alone.
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	c.Check(s.onlyCSR(c).Equal(csr), jc.IsTrue)
}

func (s *requirerSuite) TestSyncOnRelationEvents(c *gc.C) {
	r := s.newRequirer(c, func(cfg *tlscertificates.RequirerConfig) {
		cfg.RefreshEvents = []event.Kind{event.ConfigChanged}
	})
	d := event.NewDispatcher(nil)
	r.Register(d)
	err := d.Dispatch(context.Background(), event.Event{Kind: event.ConfigChanged})
	c.Assert(err, jc.ErrorIsNil)
	s.onlyCSR(c)
}

func (s *requirerSuite) TestCleanupStaleRequests(c *gc.C) {
	stale, err := pki.RequestAttributes{CommonName: "old.example.com"}.GenerateCSR(s.key)
	c.Assert(err, jc.ErrorIsNil)
	err = databag.Set(s.model.LocalUnitData(s.rel), "certificate_signing_requests",
		[]wireCSR{{CSR: stale.String()}})
	c.Assert(err, jc.ErrorIsNil)

	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	c.Check(s.onlyCSR(c).CommonName, gc.Equals, "nginx.example.com")
}

func (s *requirerSuite) TestCertificateAvailable(c *gc.C) {
	r := s.newRequirer(c, nil)
	rec := new(event.Recorder[tlscertificates.CertificateAvailableEvent]).Record(&r.CertificateAvailable)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	csr := s.onlyCSR(c)
	cert := s.sign(c, csr, false)
	s.publish(c, s.entry(csr, cert))
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	c.Assert(rec.Events, gc.HasLen, 1)
	c.Check(rec.Events[0].Certificate.String(), gc.Equals, cert.String())
	c.Check(rec.Events[0].CA.String(), gc.Equals, s.ca.String())
	c.Check(rec.Events[0].ChainPEM(), gc.Equals, cert.String()+"\n\n"+s.ca.String())

	secret, ok := s.model.SecretStore().Secret(s.certificateLabel(csr))
	c.Assert(ok, jc.IsTrue)
	c.Check(secret.Content, jc.DeepEquals, map[string]string{
		"certificate": cert.String(),
		"csr":         csr.String(),
	})
	c.Check(secret.Expire.Equal(epoch.Add(9*time.Hour)), jc.IsTrue)

	// The stored certificate is not announced again.
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	c.Check(rec.Events, gc.HasLen, 1)

	assigned, key, err := r.AssignedCertificates(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(key.Equal(s.key), jc.IsTrue)
	c.Assert(assigned, gc.HasLen, 1)
	c.Check(assigned[0].RelationID, gc.Equals, s.rel.ID)

	one, _, err := r.AssignedCertificate(context.Background(), s.attrs)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(one, gc.NotNil)
	c.Check(one.Certificate.String(), gc.Equals, cert.String())

	none, _, err := r.AssignedCertificate(context.Background(), pki.RequestAttributes{CommonName: "other"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(none, gc.IsNil)
}

func (s *requirerSuite) TestCertificateForOtherKeyIgnored(c *gc.C) {
	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	csr := s.onlyCSR(c)

	foreign, err := s.attrs.GenerateCSR(s.otherKey)
	c.Assert(err, jc.ErrorIsNil)
	entry := s.entry(csr, s.sign(c, foreign, false))
	s.publish(c, entry)

	assigned, _, err := r.AssignedCertificates(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(assigned, gc.HasLen, 0)
	c.Check(s.log.Messages("WARNING"), gc.HasLen, 1)
}

func (s *requirerSuite) TestRevokedCertificateRemovesSecret(c *gc.C) {
	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	csr := s.onlyCSR(c)
	entry := s.entry(csr, s.sign(c, csr, false))
	s.publish(c, entry)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	entry["revoked"] = true
	s.publish(c, entry)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	_, ok := s.model.SecretStore().Secret(s.certificateLabel(csr))
	c.Assert(ok, jc.IsFalse)
}

func (s *requirerSuite) TestRenewCertificate(c *gc.C) {
	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	csr := s.onlyCSR(c)
	s.publish(c, s.entry(csr, s.sign(c, csr, false)))
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	certs := r.ProviderCertificates(context.Background())
	c.Assert(certs, gc.HasLen, 1)
	c.Assert(r.RenewCertificate(context.Background(), certs[0]), jc.ErrorIsNil)

	renewed := s.onlyCSR(c)
	c.Check(renewed.Equal(csr), jc.IsFalse)
	c.Check(renewed.CommonName, gc.Equals, csr.CommonName)
	_, ok := s.model.SecretStore().Secret(s.certificateLabel(csr))
	c.Check(ok, jc.IsFalse)
}

func (s *requirerSuite) TestRenewUnknownCertificate(c *gc.C) {
	r := s.newRequirer(c, nil)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	csr := s.onlyCSR(c)
	err := r.RenewCertificate(context.Background(), tlscertificates.ProviderCertificate{CSR: csr})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.onlyCSR(c).Equal(csr), jc.IsTrue)
	c.Check(s.log.Messages("WARNING"), gc.HasLen, 1)
}

func (s *requirerSuite) TestSecretExpiredRenews(c *gc.C) {
	r := s.newRequirer(c, nil)
	d := event.NewDispatcher(nil)
	r.Register(d)
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	csr := s.onlyCSR(c)
	s.publish(c, s.entry(csr, s.sign(c, csr, false)))
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	label := s.certificateLabel(csr)
	err := d.Dispatch(context.Background(), event.Event{Kind: event.SecretExpired, SecretLabel: label})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.onlyCSR(c).Equal(csr), jc.IsFalse)
	_, ok := s.model.SecretStore().Secret(label)
	c.Check(ok, jc.IsFalse)

	// Secrets of other libraries are ignored.
	err = d.Dispatch(context.Background(), event.Event{Kind: event.SecretExpired, SecretLabel: "other"})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *requirerSuite) TestRegeneratePrivateKey(c *gc.C) {
	r := s.newRequirer(c, nil)
	c.Assert(r.RegeneratePrivateKey(context.Background()), jc.ErrorIsNil)
	c.Check(s.log.Messages("WARNING"), gc.HasLen, 1)

	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	first := s.onlyCSR(c)
	c.Assert(r.RegeneratePrivateKey(context.Background()), jc.ErrorIsNil)

	key, err := r.PrivateKey(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(key.Equal(s.otherKey), jc.IsTrue)
	second := s.onlyCSR(c)
	c.Check(second.Equal(first), jc.IsFalse)
	c.Check(second.MatchesPrivateKey(s.otherKey), jc.IsTrue)
}

func (s *requirerSuite) TestProvidedPrivateKey(c *gc.C) {
	err := s.model.SecretStore().Set(context.Background(), keyLabel,
		map[string]string{"private-key": s.otherKey.String()}, time.Time{})
	c.Assert(err, jc.ErrorIsNil)
	r := s.newRequirer(c, func(cfg *tlscertificates.RequirerConfig) {
		cfg.PrivateKey = s.key
	})
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)

	_, ok := s.model.SecretStore().Secret(keyLabel)
	c.Check(ok, jc.IsFalse)
	c.Check(s.onlyCSR(c).MatchesPrivateKey(s.key), jc.IsTrue)

	err = r.RegeneratePrivateKey(context.Background())
	c.Assert(errors.Is(err, tlscertificates.ErrPrivateKeyProvided), jc.IsTrue)
}

func (s *requirerSuite) TestAppMode(c *gc.C) {
	r := s.newRequirer(c, func(cfg *tlscertificates.RequirerConfig) {
		cfg.Mode = tlscertificates.AppMode
	})
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	c.Check(s.csrs(c, s.model.LocalAppData(s.rel)), gc.HasLen, 1)
	c.Check(s.model.LocalUnitData(s.rel), gc.HasLen, 0)
	_, ok := s.model.SecretStore().Secret(tlscertificates.LibID + "-private-key-certificates")
	c.Check(ok, jc.IsTrue)
}

func (s *requirerSuite) TestAppModeFollower(c *gc.C) {
	s.model.SetLeader(false)
	r := s.newRequirer(c, func(cfg *tlscertificates.RequirerConfig) {
		cfg.Mode = tlscertificates.AppMode
	})
	c.Assert(r.Sync(context.Background()), jc.ErrorIsNil)
	c.Check(s.model.LocalAppData(s.rel), gc.HasLen, 0)
	c.Check(r.CertificateRequests(context.Background()), gc.HasLen, 0)
}
