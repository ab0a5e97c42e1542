// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"encoding/pem"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

const (
	// PEMTypeCertificate is the PEM block type of x509 certificates.
	PEMTypeCertificate = "CERTIFICATE"

	// PEMTypeCSR is the PEM block type of certificate signing requests.
	PEMTypeCSR = "CERTIFICATE REQUEST"

	// PEMTypePKCS1 is the PEM block type of PKCS#1 RSA private keys.
	PEMTypePKCS1 = "RSA PRIVATE KEY"

	// PEMTypePKCS8 is the PEM block type of PKCS#8 private keys.
	PEMTypePKCS8 = "PRIVATE KEY"
)

func encodePEM(blockType string, der []byte) string {
	out := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return strings.TrimSpace(string(out))
}

// decodePEM returns the first block of s, which must have one of the
// accepted types.
func decodePEM(s string, accepted ...string) (*pem.Block, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.NotValidf("PEM data")
	}
	if !set.NewStrings(accepted...).Contains(block.Type) {
		return nil, errors.NotValidf("PEM block type %q", block.Type)
	}
	return block, nil
}

// SplitPEM splits a bundle into its PEM encoded blocks, in order.
func SplitPEM(bundle string) []string {
	var (
		out  []string
		rest = []byte(bundle)
	)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return out
		}
		out = append(out, strings.TrimSpace(string(pem.EncodeToMemory(block))))
	}
}
