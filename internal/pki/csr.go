// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// RequestAttributes describes the certificate a requirer wants.
type RequestAttributes struct {
	CommonName          string
	SANsDNS             []string
	SANsIP              []string
	SANsOID             []string
	EmailAddress        string
	Organization        string
	OrganizationalUnit  string
	CountryName         string
	StateOrProvinceName string
	LocalityName        string
	IsCA                bool

	// OmitUniqueID leaves the x500UniqueIdentifier out of the subject.
	// It must stay false for CSRs sent over tls-certificates so that
	// two requests for the same subject differ.
	OmitUniqueID bool
}

// Validate checks the attributes can produce a CSR.
func (a RequestAttributes) Validate() error {
	if a.CommonName == "" {
		return errors.NotValidf("empty common name")
	}
	return nil
}

// Equal compares attributes treating the SAN lists as sets.
func (a RequestAttributes) Equal(b RequestAttributes) bool {
	sameSet := func(x, y []string) bool {
		sx, sy := set.NewStrings(x...), set.NewStrings(y...)
		return sx.Size() == sy.Size() && sx.Difference(sy).IsEmpty()
	}
	return a.CommonName == b.CommonName &&
		sameSet(a.SANsDNS, b.SANsDNS) &&
		sameSet(a.SANsIP, b.SANsIP) &&
		sameSet(a.SANsOID, b.SANsOID) &&
		a.EmailAddress == b.EmailAddress &&
		a.Organization == b.Organization &&
		a.OrganizationalUnit == b.OrganizationalUnit &&
		a.CountryName == b.CountryName &&
		a.StateOrProvinceName == b.StateOrProvinceName &&
		a.LocalityName == b.LocalityName &&
		a.IsCA == b.IsCA &&
		a.OmitUniqueID == b.OmitUniqueID
}

func (a RequestAttributes) subject(uniqueID bool) pkix.Name {
	name := pkix.Name{CommonName: a.CommonName}
	if a.Organization != "" {
		name.Organization = []string{a.Organization}
	}
	if a.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{a.OrganizationalUnit}
	}
	if a.CountryName != "" {
		name.Country = []string{a.CountryName}
	}
	if a.StateOrProvinceName != "" {
		name.Province = []string{a.StateOrProvinceName}
	}
	if a.LocalityName != "" {
		name.Locality = []string{a.LocalityName}
	}
	if uniqueID {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidX500UniqueIdentifier,
			Value: uuid.NewString(),
		})
	}
	if a.EmailAddress != "" {
		name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
			Type:  oidEmailAddress,
			Value: a.EmailAddress,
		})
	}
	return name
}

func (a RequestAttributes) altNames(withEmail bool) altNames {
	names := altNames{
		DNS: set.NewStrings(a.SANsDNS...),
		IP:  set.NewStrings(a.SANsIP...),
		OID: set.NewStrings(a.SANsOID...),
	}
	if withEmail && a.EmailAddress != "" {
		names.Emails = []string{a.EmailAddress}
	}
	return names
}

// GenerateCSR signs a certificate signing request for the attributes
// with key.
func (a RequestAttributes) GenerateCSR(key PrivateKey) (CertificateSigningRequest, error) {
	if err := a.Validate(); err != nil {
		return CertificateSigningRequest{}, errors.Trace(err)
	}
	if key.IsZero() {
		return CertificateSigningRequest{}, errors.NotValidf("empty private key")
	}
	template := &x509.CertificateRequest{
		Subject:            a.subject(!a.OmitUniqueID),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	if names := a.altNames(false); !names.empty() {
		ext, err := names.marshal()
		if err != nil {
			return CertificateSigningRequest{}, errors.Trace(err)
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key.RSA())
	if err != nil {
		return CertificateSigningRequest{}, errors.Annotate(err, "signing certificate signing request")
	}
	return ParseCSR(encodePEM(PEMTypeCSR, der))
}

// AttributesFromCSR recovers the request attributes of csr.
func AttributesFromCSR(csr CertificateSigningRequest, isCA bool) RequestAttributes {
	return RequestAttributes{
		CommonName:          csr.CommonName,
		SANsDNS:             csr.SANsDNS.SortedValues(),
		SANsIP:              csr.SANsIP.SortedValues(),
		SANsOID:             csr.SANsOID.SortedValues(),
		EmailAddress:        csr.EmailAddress,
		Organization:        csr.Organization,
		OrganizationalUnit:  csr.OrganizationalUnit,
		CountryName:         csr.CountryName,
		StateOrProvinceName: csr.StateOrProvinceName,
		LocalityName:        csr.LocalityName,
		IsCA:                isCA,
		OmitUniqueID:        !csr.HasUniqueIdentifier,
	}
}

// CertificateSigningRequest is a parsed PEM encoded CSR.
type CertificateSigningRequest struct {
	Raw                 string
	CommonName          string
	SANsDNS             set.Strings
	SANsIP              set.Strings
	SANsOID             set.Strings
	EmailAddress        string
	Organization        string
	OrganizationalUnit  string
	CountryName         string
	StateOrProvinceName string
	LocalityName        string
	HasUniqueIdentifier bool

	csr *x509.CertificateRequest
}

// ParseCSR decodes a PEM encoded certificate signing request.
func ParseCSR(s string) (CertificateSigningRequest, error) {
	s = strings.TrimSpace(s)
	block, err := decodePEM(s, PEMTypeCSR)
	if err != nil {
		return CertificateSigningRequest{}, errors.Annotate(err, "could not load CSR")
	}
	parsed, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return CertificateSigningRequest{}, errors.Annotate(err, "could not load CSR")
	}
	names, err := parseAltNames(parsed.Extensions)
	if err != nil {
		return CertificateSigningRequest{}, errors.Annotate(err, "could not load CSR")
	}
	email, _ := subjectAttribute(parsed.Subject.Names, oidEmailAddress)
	_, unique := subjectAttribute(parsed.Subject.Names, oidX500UniqueIdentifier)
	return CertificateSigningRequest{
		Raw:                 s,
		CommonName:          parsed.Subject.CommonName,
		SANsDNS:             names.DNS,
		SANsIP:              names.IP,
		SANsOID:             names.OID,
		EmailAddress:        email,
		Organization:        first(parsed.Subject.Organization),
		OrganizationalUnit:  first(parsed.Subject.OrganizationalUnit),
		CountryName:         first(parsed.Subject.Country),
		StateOrProvinceName: first(parsed.Subject.Province),
		LocalityName:        first(parsed.Subject.Locality),
		HasUniqueIdentifier: unique,
		csr:                 parsed,
	}, nil
}

// String returns the PEM encoding.
func (c CertificateSigningRequest) String() string {
	return c.Raw
}

// Equal compares the PEM encodings.
func (c CertificateSigningRequest) Equal(other CertificateSigningRequest) bool {
	return strings.TrimSpace(c.Raw) == strings.TrimSpace(other.Raw)
}

// MatchesPrivateKey reports whether the CSR was made for key.
func (c CertificateSigningRequest) MatchesPrivateKey(key PrivateKey) bool {
	if c.csr == nil || key.IsZero() {
		return false
	}
	return sameRSAModulus(c.csr.PublicKey, &key.RSA().PublicKey)
}

// MatchesCertificate reports whether cert carries the CSR's public key.
func (c CertificateSigningRequest) MatchesCertificate(cert Certificate) bool {
	if c.csr == nil || cert.cert == nil {
		return false
	}
	return publicKeysEqual(c.csr.PublicKey, cert.cert.PublicKey)
}

// SHA256Hex returns the hex encoded SHA-256 digest of the PEM encoding.
func (c CertificateSigningRequest) SHA256Hex() string {
	return SHA256Hex(c.Raw)
}

// SHA256Hex returns the hex encoded SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
