// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package certificatetransfer implements the certificate_transfer relation
// interface, used to share CA certificates between applications.
//
// Version 1 requirers announce "version": 1 in their application data and
// receive the certificate set in the provider application data. Any other
// requirer is served the legacy per-unit format.
package certificatetransfer

import (
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/schema"

	"github.com/juju/relationlibs/core/databag"
)

const (
	// Interface is the relation interface name.
	Interface = "certificate_transfer"

	// DefaultProviderRelationName is the endpoint used by providers.
	DefaultProviderRelationName = "send-ca-cert"

	// DefaultRequirerRelationName is the endpoint used by requirers.
	DefaultRequirerRelationName = "receive-ca-cert"

	versionKey = "version"
)

// ProviderAppData is the provider application databag of version 1.
type ProviderAppData struct {
	Certificates []string `json:"certificates"`
	Version      int      `json:"version"`
}

// NewProviderAppData returns version 1 provider data holding certs in a
// stable order.
func NewProviderAppData(certs set.Strings) ProviderAppData {
	values := certs.SortedValues()
	if values == nil {
		values = []string{}
	}
	return ProviderAppData{Certificates: values, Version: 1}
}

// CertificateSet returns the certificates as a set.
func (d ProviderAppData) CertificateSet() set.Strings {
	return set.NewStrings(d.Certificates...)
}

// ProviderUnitDataV0 is the legacy provider unit databag.
type ProviderUnitDataV0 struct {
	CA          string   `json:"ca"`
	Certificate string   `json:"certificate"`
	Chain       []string `json:"chain,omitempty"`
	Version     int      `json:"version"`
}

// RequirerAppData is the requirer application databag.
type RequirerAppData struct {
	Version int `json:"version"`
}

var (
	providerAppModel = databag.Model[ProviderAppData]{
		Name: "ProviderApplicationData",
		Fields: []databag.Field{
			databag.WithDefault("certificates", schema.List(schema.String()), []any{}),
			databag.WithDefault("version", schema.ForceInt(), 1),
		},
	}

	providerUnitV0Model = databag.Model[ProviderUnitDataV0]{
		Name: "ProviderUnitDataV0",
		Fields: []databag.Field{
			databag.Required("ca", schema.String()),
			databag.Required("certificate", schema.String()),
			databag.Optional("chain", schema.List(schema.String())),
			databag.WithDefault("version", schema.ForceInt(), 0),
		},
	}

	requirerAppModel = databag.Model[RequirerAppData]{
		Name: "RequirerApplicationData",
		Fields: []databag.Field{
			databag.WithDefault("version", schema.ForceInt(), 1),
		},
	}
)

// LoadProviderAppData decodes version 1 provider application data.
func LoadProviderAppData(bag databag.Databag) (ProviderAppData, error) {
	data, err := providerAppModel.Load(bag)
	if err != nil {
		return data, err
	}
	sort.Strings(data.Certificates)
	return data, nil
}

// LoadProviderUnitDataV0 decodes legacy provider unit data.
func LoadProviderUnitDataV0(bag databag.Databag) (ProviderUnitDataV0, error) {
	return providerUnitV0Model.Load(bag)
}

// LoadRequirerAppData decodes requirer application data.
func LoadRequirerAppData(bag databag.Databag) (RequirerAppData, error) {
	return requirerAppModel.Load(bag)
}
