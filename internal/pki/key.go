// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"strings"

	"github.com/juju/errors"
)

const (
	// MinKeySize is the smallest RSA key accepted for tls-certificates.
	MinKeySize = 2048

	// DefaultKeySize is the key size used when none is requested.
	DefaultKeySize = 2048
)

// KeyProfile produces a new RSA private key.
type KeyProfile func() (*rsa.PrivateKey, error)

// RSA2048 returns a RSA 2048 private key.
func RSA2048() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// RSA3072 returns a RSA 3072 private key.
func RSA3072() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 3072)
}

// PrivateKey is a PEM encoded RSA private key.
type PrivateKey struct {
	raw string
	key *rsa.PrivateKey
}

// GeneratePrivateKey returns a new RSA key of the given size encoded as
// PKCS#1 PEM. Sizes below MinKeySize are rejected.
func GeneratePrivateKey(bits int) (PrivateKey, error) {
	if bits < MinKeySize {
		return PrivateKey{}, errors.NotValidf("key size %d (minimum %d)", bits, MinKeySize)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return PrivateKey{}, errors.Annotate(err, "generating private key")
	}
	return NewPrivateKey(key), nil
}

// NewPrivateKey wraps an existing RSA key.
func NewPrivateKey(key *rsa.PrivateKey) PrivateKey {
	raw := encodePEM(PEMTypePKCS1, x509.MarshalPKCS1PrivateKey(key))
	return PrivateKey{raw: raw, key: key}
}

// ParsePrivateKey decodes a PKCS#1 or PKCS#8 PEM encoded RSA key.
func ParsePrivateKey(s string) (PrivateKey, error) {
	s = strings.TrimSpace(s)
	block, err := decodePEM(s, PEMTypePKCS1, PEMTypePKCS8)
	if err != nil {
		return PrivateKey{}, errors.Annotate(err, "invalid private key format")
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case PEMTypePKCS1:
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(*rsa.PrivateKey); !ok {
				return PrivateKey{}, errors.NotValidf("private key type %T", parsed)
			}
		}
	}
	if err != nil {
		return PrivateKey{}, errors.Annotate(err, "invalid private key format")
	}
	return PrivateKey{raw: s, key: key}, nil
}

// String returns the PEM encoding of the key.
func (k PrivateKey) String() string {
	return k.raw
}

// IsZero reports whether k holds no key.
func (k PrivateKey) IsZero() bool {
	return k.key == nil
}

// RSA returns the underlying key.
func (k PrivateKey) RSA() *rsa.PrivateKey {
	return k.key
}

// Validate checks the key is an RSA key of at least MinKeySize bits.
func (k PrivateKey) Validate() error {
	if k.key == nil {
		return errors.NotValidf("empty private key")
	}
	if size := k.key.N.BitLen(); size < MinKeySize {
		return errors.NotValidf("RSA key size %d", size)
	}
	return nil
}

// Equal reports whether both keys have the same PEM encoding.
func (k PrivateKey) Equal(other PrivateKey) bool {
	return k.raw == other.raw
}
