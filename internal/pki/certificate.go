// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Certificate is a parsed PEM encoded x509 certificate.
type Certificate struct {
	Raw                 string
	CommonName          string
	ExpiryTime          time.Time
	ValidityStartTime   time.Time
	IsCA                bool
	SANsDNS             set.Strings
	SANsIP              set.Strings
	SANsOID             set.Strings
	EmailAddress        string
	Organization        string
	OrganizationalUnit  string
	CountryName         string
	StateOrProvinceName string
	LocalityName        string

	cert *x509.Certificate
}

// ParseCertificate decodes a PEM encoded certificate.
func ParseCertificate(s string) (Certificate, error) {
	s = strings.TrimSpace(s)
	block, err := decodePEM(s, PEMTypeCertificate)
	if err != nil {
		return Certificate{}, errors.Annotate(err, "could not load certificate")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Certificate{}, errors.Annotate(err, "could not load certificate")
	}
	names, err := parseAltNames(parsed.Extensions)
	if err != nil {
		return Certificate{}, errors.Annotate(err, "could not load certificate")
	}
	email, _ := subjectAttribute(parsed.Subject.Names, oidEmailAddress)
	return Certificate{
		Raw:                 s,
		CommonName:          parsed.Subject.CommonName,
		ExpiryTime:          parsed.NotAfter.UTC(),
		ValidityStartTime:   parsed.NotBefore.UTC(),
		IsCA:                parsed.BasicConstraintsValid && parsed.IsCA,
		SANsDNS:             names.DNS,
		SANsIP:              names.IP,
		SANsOID:             names.OID,
		EmailAddress:        email,
		Organization:        first(parsed.Subject.Organization),
		OrganizationalUnit:  first(parsed.Subject.OrganizationalUnit),
		CountryName:         first(parsed.Subject.Country),
		StateOrProvinceName: first(parsed.Subject.Province),
		LocalityName:        first(parsed.Subject.Locality),
		cert:                parsed,
	}, nil
}

// String returns the PEM encoding.
func (c Certificate) String() string {
	return c.Raw
}

// X509 returns the decoded certificate.
func (c Certificate) X509() *x509.Certificate {
	return c.cert
}

// MatchesPrivateKey reports whether the certificate's RSA public key
// belongs to key.
func (c Certificate) MatchesPrivateKey(key PrivateKey) bool {
	if c.cert == nil || key.IsZero() {
		return false
	}
	pub, ok := c.cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return false
	}
	return pub.N.Cmp(key.RSA().N) == 0 && pub.E == key.RSA().E
}

// GenerateCA returns a self signed CA certificate for attrs.
func GenerateCA(key PrivateKey, attrs RequestAttributes, validity time.Duration, clk clock.Clock) (Certificate, error) {
	if err := attrs.Validate(); err != nil {
		return Certificate{}, errors.Trace(err)
	}
	serial, err := newSerial()
	if err != nil {
		return Certificate{}, errors.Trace(err)
	}
	keyID := subjectKeyID(&key.RSA().PublicKey)
	now := clk.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               attrs.subject(false),
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		SubjectKeyId:          keyID,
		AuthorityKeyId:        keyID,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if names := attrs.altNames(true); !names.empty() {
		ext, err := names.marshal()
		if err != nil {
			return Certificate{}, errors.Trace(err)
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.RSA().PublicKey, key.RSA())
	if err != nil {
		return Certificate{}, errors.Annotate(err, "signing CA certificate")
	}
	return ParseCertificate(encodePEM(PEMTypeCertificate, der))
}

// GenerateCertificate signs csr with the CA key. The subject and
// subject alternative names are copied from the CSR, with any subject
// email address added to the alternative names. Extensions the CA
// manages are not copied from the CSR.
func GenerateCertificate(
	csr CertificateSigningRequest, ca Certificate, caKey PrivateKey,
	validity time.Duration, isCA bool, clk clock.Clock,
) (Certificate, error) {
	if csr.csr == nil {
		return Certificate{}, errors.NotValidf("empty CSR")
	}
	if ca.cert == nil {
		return Certificate{}, errors.NotValidf("empty CA certificate")
	}
	pub, ok := csr.csr.PublicKey.(*rsa.PublicKey)
	if !ok {
		return Certificate{}, errors.NotValidf("CSR public key type %T", csr.csr.PublicKey)
	}
	serial, err := newSerial()
	if err != nil {
		return Certificate{}, errors.Trace(err)
	}
	now := clk.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		RawSubject:            csr.csr.RawSubject,
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		SubjectKeyId:          subjectKeyID(pub),
		AuthorityKeyId:        ca.cert.SubjectKeyId,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	names := altNames{DNS: csr.SANsDNS, IP: csr.SANsIP, OID: csr.SANsOID}
	if sans, err := parseAltNames(csr.csr.Extensions); err == nil {
		names.Emails = sans.Emails
	}
	if csr.EmailAddress != "" && !set.NewStrings(names.Emails...).Contains(csr.EmailAddress) {
		names.Emails = append(names.Emails, csr.EmailAddress)
	}
	if !names.empty() {
		ext, err := names.marshal()
		if err != nil {
			return Certificate{}, errors.Trace(err)
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	for _, ext := range csr.csr.Extensions {
		if isManagedExtension(ext, isCA) {
			continue
		}
		template.ExtraExtensions = append(template.ExtraExtensions, ext)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, pub, caKey.RSA())
	if err != nil {
		return Certificate{}, errors.Annotate(err, "signing certificate")
	}
	return ParseCertificate(encodePEM(PEMTypeCertificate, der))
}

func isManagedExtension(ext pkix.Extension, isCA bool) bool {
	switch {
	case ext.Id.Equal(oidSubjectAltName),
		ext.Id.Equal(oidAuthorityKeyID),
		ext.Id.Equal(oidSubjectKeyID),
		ext.Id.Equal(oidBasicConstraints):
		return true
	case ext.Id.Equal(oidKeyUsage):
		return isCA
	}
	return false
}

// ChainHasValidOrder reports whether every certificate in chain is
// directly issued by the one following it. Chains are ordered from leaf
// to root.
func ChainHasValidOrder(chain []string) bool {
	if len(chain) < 2 {
		return true
	}
	certs := make([]*x509.Certificate, len(chain))
	for i, s := range chain {
		cert, err := ParseCertificate(s)
		if err != nil {
			return false
		}
		certs[i] = cert.cert
	}
	for i := 0; i < len(certs)-1; i++ {
		cert, issuer := certs[i], certs[i+1]
		if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
			return false
		}
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			return false
		}
	}
	return true
}

// RelativeDateTime returns the time after fraction of the interval
// between now and target has passed. fraction must be in (0, 1].
func RelativeDateTime(target time.Time, fraction float64, now time.Time) (time.Time, error) {
	if fraction <= 0 || fraction > 1 {
		return time.Time{}, errors.NotValidf("fraction %v (must be in (0, 1])", fraction)
	}
	remaining := target.Sub(now)
	return now.Add(time.Duration(float64(remaining) * fraction)), nil
}

func newSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 159)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, errors.Annotate(err, "generating serial number")
	}
	return serial, nil
}

// subjectKeyID follows RFC 5280 4.2.1.2 method 1.
func subjectKeyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	ka, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return ka.Equal(b)
}

func sameRSAModulus(pub crypto.PublicKey, other *rsa.PublicKey) bool {
	rsaPub, ok := pub.(*rsa.PublicKey)
	return ok && rsaPub.N.Cmp(other.N) == 0
}
