// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tlscertificates implements version 4 of the tls-certificates
// relation interface.
//
// Requirers place certificate signing requests in their unit or
// application databag. The provider answers in its application databag
// with one entry per CSR holding the signed certificate, the issuing CA
// and the chain. Certificates are flagged as revoked rather than removed
// until the requirer withdraws the CSR.
package tlscertificates

import (
	"github.com/juju/errors"
	"github.com/juju/jsonschema"
	"github.com/juju/schema"

	"github.com/juju/relationlibs/core/databag"
)

const (
	// Interface is the relation interface name.
	Interface = "tls-certificates"

	// DefaultRelationName is the endpoint name used by both sides.
	DefaultRelationName = "certificates"

	// LibID prefixes the labels of every secret owned by the requirer.
	LibID = "afd8c2bccf834997afce12c2706d2ede"
)

const (
	// ErrRelationNotFound is returned when the relation a certificate is
	// addressed to does not exist.
	ErrRelationNotFound = errors.ConstError("tls-certificates relation not found")

	// ErrPrivateKeyProvided is returned when regenerating a private key
	// that is supplied by the charm.
	ErrPrivateKeyProvided = errors.ConstError("private key is provided by the charm")
)

const (
	certificatesKey = "certificates"
	csrsKey         = "certificate_signing_requests"
)

// certificateData is one provider certificate entry on the wire.
type certificateData struct {
	CA          string   `json:"ca"`
	CSR         string   `json:"certificate_signing_request"`
	Certificate string   `json:"certificate"`
	Chain       []string `json:"chain,omitempty"`
	Revoked     *bool    `json:"revoked,omitempty"`
}

// csrData is one certificate signing request entry on the wire.
type csrData struct {
	CSR string `json:"certificate_signing_request"`
	CA  bool   `json:"ca"`
}

type providerAppData struct {
	Certificates []certificateData `json:"certificates"`
}

// requirerData is used for both the unit and the application databag of
// the requirer.
type requirerData struct {
	CSRs []csrData `json:"certificate_signing_requests"`
}

func nullable(c schema.Checker) schema.Checker {
	return schema.OneOf(schema.Nil(""), c)
}

var (
	providerAppModel = databag.Model[providerAppData]{
		Name: "ProviderApplicationData",
		Fields: []databag.Field{
			databag.WithDefault(certificatesKey, schema.List(schema.FieldMap(
				schema.Fields{
					"ca":                          schema.String(),
					"certificate_signing_request": schema.String(),
					"certificate":                 schema.String(),
					"chain":                       nullable(schema.List(schema.String())),
					"revoked":                     nullable(schema.Bool()),
				},
				schema.Defaults{
					"chain":   schema.Omit,
					"revoked": schema.Omit,
				},
			)), []any{}),
		},
		ExcludeDefaults: true,
	}

	requirerModel = databag.Model[requirerData]{
		Name: "RequirerData",
		Fields: []databag.Field{
			databag.WithDefault(csrsKey, schema.List(schema.FieldMap(
				schema.Fields{
					"certificate_signing_request": schema.String(),
					"ca":                          nullable(schema.Bool()),
				},
				schema.Defaults{
					"ca": false,
				},
			)), []any{}),
		},
		ExcludeDefaults: true,
	}
)

func stringType() *jsonschema.Schema {
	return &jsonschema.Schema{Type: []jsonschema.Type{jsonschema.StringType}}
}

func booleanType() *jsonschema.Schema {
	return &jsonschema.Schema{Type: []jsonschema.Type{jsonschema.BooleanType}}
}

// providerSchema is the published JSON Schema of the provider
// application databag.
var providerSchema = &jsonschema.Schema{
	Type:     []jsonschema.Type{jsonschema.ObjectType},
	Required: []string{certificatesKey},
	Properties: map[string]*jsonschema.Schema{
		certificatesKey: {
			Type: []jsonschema.Type{jsonschema.ArrayType},
			Items: &jsonschema.ItemSpec{
				Schemas: []*jsonschema.Schema{{
					Type:     []jsonschema.Type{jsonschema.ObjectType},
					Required: []string{"ca", "certificate_signing_request", "certificate"},
					Properties: map[string]*jsonschema.Schema{
						"ca":                          stringType(),
						"certificate_signing_request": stringType(),
						"certificate":                 stringType(),
						"chain": {
							Type:  []jsonschema.Type{jsonschema.ArrayType},
							Items: &jsonschema.ItemSpec{Schemas: []*jsonschema.Schema{stringType()}},
						},
						"revoked": booleanType(),
					},
				}},
			},
		},
	},
}

// requirerSchema is the published JSON Schema of the requirer unit and
// application databags.
var requirerSchema = &jsonschema.Schema{
	Type:     []jsonschema.Type{jsonschema.ObjectType},
	Required: []string{csrsKey},
	Properties: map[string]*jsonschema.Schema{
		csrsKey: {
			Type: []jsonschema.Type{jsonschema.ArrayType},
			Items: &jsonschema.ItemSpec{
				Schemas: []*jsonschema.Schema{{
					Type:     []jsonschema.Type{jsonschema.ObjectType},
					Required: []string{"certificate_signing_request"},
					Properties: map[string]*jsonschema.Schema{
						"certificate_signing_request": stringType(),
						"ca":                          booleanType(),
					},
				}},
			},
		},
	},
}

func loadProviderAppData(bag databag.Databag) (providerAppData, error) {
	data, err := providerAppModel.Load(bag)
	if err != nil {
		return providerAppData{}, errors.Trace(err)
	}
	if err := databag.ValidateDocument(providerAppModel.Name, providerSchema, data); err != nil {
		return providerAppData{}, errors.Trace(err)
	}
	return data, nil
}

func dumpProviderAppData(data providerAppData, bag databag.Databag) error {
	if data.Certificates == nil {
		data.Certificates = []certificateData{}
	}
	_, err := providerAppModel.Dump(data, bag)
	return errors.Trace(err)
}

func loadRequirerData(bag databag.Databag) (requirerData, error) {
	data, err := requirerModel.Load(bag)
	if err != nil {
		return requirerData{}, errors.Trace(err)
	}
	if err := databag.ValidateDocument(requirerModel.Name, requirerSchema, data); err != nil {
		return requirerData{}, errors.Trace(err)
	}
	return data, nil
}

func dumpRequirerData(data requirerData, bag databag.Databag) error {
	if data.CSRs == nil {
		data.CSRs = []csrData{}
	}
	_, err := requirerModel.Dump(data, bag)
	return errors.Trace(err)
}

// ValidateProviderAppData checks a provider application databag against
// the published schema.
func ValidateProviderAppData(bag databag.Databag) error {
	_, err := loadProviderAppData(bag)
	return errors.Trace(err)
}

// ValidateRequirerData checks a requirer unit or application databag
// against the published schema.
func ValidateRequirerData(bag databag.Databag) error {
	_, err := loadRequirerData(bag)
	return errors.Trace(err)
}
