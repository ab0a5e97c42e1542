// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"net"
	"strconv"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// GeneralName tags from RFC 5280 4.2.1.6.
const (
	nameTypeEmail        = 1
	nameTypeDNS          = 2
	nameTypeIP           = 7
	nameTypeRegisteredID = 8
)

var (
	oidSubjectAltName       = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidSubjectKeyID         = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidKeyUsage             = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidBasicConstraints     = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidAuthorityKeyID       = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidEmailAddress         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	oidX500UniqueIdentifier = asn1.ObjectIdentifier{2, 5, 4, 45}
)

// altNames holds the subject alternative names of a certificate or CSR.
type altNames struct {
	DNS    set.Strings
	IP     set.Strings
	OID    set.Strings
	Emails []string
}

func (a altNames) empty() bool {
	return a.DNS.IsEmpty() && a.IP.IsEmpty() && a.OID.IsEmpty() && len(a.Emails) == 0
}

// marshal encodes the names as a subjectAltName extension. The standard
// library cannot express registeredID names, so the extension is always
// built by hand.
func (a altNames) marshal() (pkix.Extension, error) {
	var raw []asn1.RawValue
	for _, email := range a.Emails {
		raw = append(raw, contextValue(nameTypeEmail, []byte(email)))
	}
	for _, name := range a.DNS.SortedValues() {
		raw = append(raw, contextValue(nameTypeDNS, []byte(name)))
	}
	for _, addr := range a.IP.SortedValues() {
		ip := net.ParseIP(addr)
		if ip == nil {
			return pkix.Extension{}, errors.NotValidf("IP address %q", addr)
		}
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		raw = append(raw, contextValue(nameTypeIP, ip))
	}
	for _, s := range a.OID.SortedValues() {
		oid, err := parseOID(s)
		if err != nil {
			return pkix.Extension{}, errors.Trace(err)
		}
		der, err := asn1.Marshal(oid)
		if err != nil {
			return pkix.Extension{}, errors.Trace(err)
		}
		var value asn1.RawValue
		if _, err := asn1.Unmarshal(der, &value); err != nil {
			return pkix.Extension{}, errors.Trace(err)
		}
		raw = append(raw, contextValue(nameTypeRegisteredID, value.Bytes))
	}
	value, err := asn1.Marshal(raw)
	if err != nil {
		return pkix.Extension{}, errors.Annotate(err, "marshalling subject alternative names")
	}
	return pkix.Extension{Id: oidSubjectAltName, Value: value}, nil
}

func contextValue(tag int, data []byte) asn1.RawValue {
	return asn1.RawValue{Tag: tag, Class: asn1.ClassContextSpecific, Bytes: data}
}

// parseAltNames extracts the subject alternative names from exts.
func parseAltNames(exts []pkix.Extension) (altNames, error) {
	names := altNames{
		DNS: set.NewStrings(),
		IP:  set.NewStrings(),
		OID: set.NewStrings(),
	}
	for _, ext := range exts {
		if !ext.Id.Equal(oidSubjectAltName) {
			continue
		}
		var seq asn1.RawValue
		rest, err := asn1.Unmarshal(ext.Value, &seq)
		if err != nil {
			return names, errors.Annotate(err, "parsing subject alternative names")
		} else if len(rest) != 0 || !seq.IsCompound || seq.Tag != asn1.TagSequence {
			return names, errors.NotValidf("subject alternative names extension")
		}
		rest = seq.Bytes
		for len(rest) > 0 {
			var v asn1.RawValue
			if rest, err = asn1.Unmarshal(rest, &v); err != nil {
				return names, errors.Annotate(err, "parsing subject alternative name")
			}
			if v.Class != asn1.ClassContextSpecific {
				continue
			}
			switch v.Tag {
			case nameTypeEmail:
				names.Emails = append(names.Emails, string(v.Bytes))
			case nameTypeDNS:
				names.DNS.Add(string(v.Bytes))
			case nameTypeIP:
				names.IP.Add(net.IP(v.Bytes).String())
			case nameTypeRegisteredID:
				der := append([]byte{asn1.TagOID, byte(len(v.Bytes))}, v.Bytes...)
				var oid asn1.ObjectIdentifier
				if _, err := asn1.Unmarshal(der, &oid); err != nil {
					return names, errors.Annotate(err, "parsing registered ID")
				}
				names.OID.Add(oid.String())
			}
		}
	}
	return names, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, errors.NotValidf("object identifier %q", s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return nil, errors.NotValidf("object identifier %q", s)
		}
		oid[i] = n
	}
	return oid, nil
}

// subjectAttribute returns the first value of the attribute oid in names.
func subjectAttribute(names []pkix.AttributeTypeAndValue, oid asn1.ObjectIdentifier) (string, bool) {
	for _, attr := range names {
		if attr.Type.Equal(oid) {
			if s, ok := attr.Value.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
