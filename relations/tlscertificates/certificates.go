// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package tlscertificates

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/internal/pki"
)

// Mode selects which databag and secrets the requirer manages.
type Mode int

const (
	// UnitMode requests a certificate per unit. Each unit manages its
	// own private key, CSRs and certificates.
	UnitMode Mode = iota + 1

	// AppMode requests a certificate for the application. Only the
	// leader manages the private key, CSRs and certificates.
	AppMode
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case UnitMode:
		return "unit"
	case AppMode:
		return "app"
	}
	return "invalid"
}

// Validate checks the mode is known.
func (m Mode) Validate() error {
	if m != UnitMode && m != AppMode {
		return errors.NotValidf("mode %d", int(m))
	}
	return nil
}

// ProviderCertificate is a certificate published by the provider.
type ProviderCertificate struct {
	RelationID  int
	Certificate pki.Certificate
	CSR         pki.CertificateSigningRequest
	CA          pki.Certificate
	Chain       []pki.Certificate
	Revoked     bool
}

// ChainPEM returns the chain as a single PEM bundle.
func (c ProviderCertificate) ChainPEM() string {
	pems := make([]string, len(c.Chain))
	for i, cert := range c.Chain {
		pems[i] = cert.String()
	}
	return strings.Join(pems, "\n\n")
}

// MarshalJSON implements json.Marshaler.
func (c ProviderCertificate) MarshalJSON() ([]byte, error) {
	chain := make([]string, len(c.Chain))
	for i, cert := range c.Chain {
		chain[i] = cert.String()
	}
	return json.Marshal(struct {
		CSR         string   `json:"csr"`
		Certificate string   `json:"certificate"`
		CA          string   `json:"ca"`
		Chain       []string `json:"chain"`
		Revoked     bool     `json:"revoked"`
	}{
		CSR:         c.CSR.String(),
		Certificate: c.Certificate.String(),
		CA:          c.CA.String(),
		Chain:       chain,
		Revoked:     c.Revoked,
	})
}

func (c ProviderCertificate) data() certificateData {
	chain := make([]string, len(c.Chain))
	for i, cert := range c.Chain {
		chain[i] = cert.String()
	}
	return certificateData{
		CA:          c.CA.String(),
		CSR:         c.CSR.String(),
		Certificate: c.Certificate.String(),
		Chain:       chain,
	}
}

func (d certificateData) parse(relationID int) (ProviderCertificate, error) {
	cert, err := pki.ParseCertificate(d.Certificate)
	if err != nil {
		return ProviderCertificate{}, errors.Trace(err)
	}
	csr, err := pki.ParseCSR(d.CSR)
	if err != nil {
		return ProviderCertificate{}, errors.Trace(err)
	}
	ca, err := pki.ParseCertificate(d.CA)
	if err != nil {
		return ProviderCertificate{}, errors.Trace(err)
	}
	chain := make([]pki.Certificate, 0, len(d.Chain))
	for _, s := range d.Chain {
		link, err := pki.ParseCertificate(s)
		if err != nil {
			return ProviderCertificate{}, errors.Annotate(err, "chain")
		}
		chain = append(chain, link)
	}
	return ProviderCertificate{
		RelationID:  relationID,
		Certificate: cert,
		CSR:         csr,
		CA:          ca,
		Chain:       chain,
		Revoked:     d.Revoked != nil && *d.Revoked,
	}, nil
}

// RequirerCertificateRequest is a CSR published by a requirer.
type RequirerCertificateRequest struct {
	RelationID int
	CSR        pki.CertificateSigningRequest
	IsCA       bool
}

// CertificateAvailableEvent is emitted by the requirer when a certificate
// matching one of its requests is published.
type CertificateAvailableEvent struct {
	Certificate pki.Certificate
	CSR         pki.CertificateSigningRequest
	CA          pki.Certificate
	Chain       []pki.Certificate
}

// ChainPEM returns the chain as a single PEM bundle.
func (e CertificateAvailableEvent) ChainPEM() string {
	return ProviderCertificate{Chain: e.Chain}.ChainPEM()
}

func containsCSR(requests []RequirerCertificateRequest, csr pki.CertificateSigningRequest) bool {
	for _, r := range requests {
		if r.CSR.Equal(csr) {
			return true
		}
	}
	return false
}
