// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ingressperunit implements version 1 of the ingress_per_unit
// relation interface.
//
// Each requirer unit publishes how it wants to be reached in its unit
// databag, using plain strings rather than JSON values. The provider
// answers with a single "ingress" key in its application databag holding a
// YAML mapping of unit name to the URL assigned to that unit.
package ingressperunit

import (
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/jsonschema"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	"github.com/juju/relationlibs/core/databag"
)

const (
	// Interface is the relation interface name.
	Interface = "ingress_per_unit"

	// DefaultRelationName is the endpoint name used by both sides.
	DefaultRelationName = "ingress-per-unit"

	// LibID identifies this library.
	LibID = "7ef06111da2945ed84f4f5d4eb5b353a"

	ingressKey = "ingress"
)

// ErrDataMismatch is returned when requirer units disagree on data that
// must be shared by the whole application.
const ErrDataMismatch = errors.ConstError("relation data mismatch")

// Mode is the kind of routing requested by a unit.
type Mode string

const (
	ModeHTTP Mode = "http"
	ModeTCP  Mode = "tcp"
)

// Validate checks the mode is known.
func (m Mode) Validate() error {
	if m != ModeHTTP && m != ModeTCP {
		return errors.NotValidf("ingress mode %q", string(m))
	}
	return nil
}

// RequirerData is the data published by a requirer unit.
type RequirerData struct {
	Model         string
	Name          string
	Host          string
	Port          int
	Mode          Mode
	StripPrefix   bool
	RedirectHTTPS bool
}

// UnitURL is the ingress assigned to a single unit.
type UnitURL struct {
	URL string `yaml:"url" json:"url"`
}

var requirerKeys = []string{"model", "name", "host", "port", "mode", "strip-prefix", "redirect-https"}

func stringProperty() *jsonschema.Schema {
	return &jsonschema.Schema{Type: []jsonschema.Type{jsonschema.StringType}}
}

// requirerUnitSchema is the published JSON Schema of a requirer unit
// databag.
var requirerUnitSchema = &jsonschema.Schema{
	Type:     []jsonschema.Type{jsonschema.ObjectType},
	Required: []string{"model", "name", "host", "port"},
	Properties: map[string]*jsonschema.Schema{
		"model":          stringProperty(),
		"name":           stringProperty(),
		"host":           stringProperty(),
		"port":           stringProperty(),
		"mode":           stringProperty(),
		"strip-prefix":   stringProperty(),
		"redirect-https": stringProperty(),
	},
}

// providerAppSchema is the published JSON Schema of the provider
// application databag, once the ingress value is decoded.
var providerAppSchema = &jsonschema.Schema{
	Type:     []jsonschema.Type{jsonschema.ObjectType},
	Required: []string{ingressKey},
	Properties: map[string]*jsonschema.Schema{
		ingressKey: {
			Type: []jsonschema.Type{jsonschema.ObjectType},
			AdditionalProperties: &jsonschema.Schema{
				Type:       []jsonschema.Type{jsonschema.ObjectType},
				Required:   []string{"url"},
				Properties: map[string]*jsonschema.Schema{"url": stringProperty()},
			},
		},
	},
}

// requirerChecker coerces the validated unit data. Flags are true only
// when spelled "true".
var requirerChecker = schema.FieldMap(
	schema.Fields{
		"model":          schema.String(),
		"name":           schema.String(),
		"host":           schema.String(),
		"port":           schema.ForceInt(),
		"mode":           schema.OneOf(schema.Const(string(ModeHTTP)), schema.Const(string(ModeTCP))),
		"strip-prefix":   schema.String(),
		"redirect-https": schema.String(),
	},
	schema.Defaults{
		"mode":           string(ModeHTTP),
		"strip-prefix":   "false",
		"redirect-https": "false",
	},
)

// LoadRequirerUnitData decodes a requirer unit databag. It returns an
// error satisfying errors.IsNotFound if the unit has not published
// anything yet.
func LoadRequirerUnitData(bag databag.Databag) (RequirerData, error) {
	doc := make(map[string]any)
	for _, k := range requirerKeys {
		if v, ok := bag[k]; ok {
			doc[k] = v
		}
	}
	if len(doc) == 0 {
		return RequirerData{}, errors.NotFoundf("requirer unit data")
	}
	if err := databag.ValidateDocument("RequirerUnitData", requirerUnitSchema, doc); err != nil {
		return RequirerData{}, errors.Trace(err)
	}
	coerced, err := requirerChecker.Coerce(doc, nil)
	if err != nil {
		return RequirerData{}, &databag.ValidationError{
			Model:  "RequirerUnitData",
			Reason: "failed to validate databag",
			Err:    err,
		}
	}
	m := coerced.(map[string]any)
	return RequirerData{
		Model:         m["model"].(string),
		Name:          m["name"].(string),
		Host:          m["host"].(string),
		Port:          asInt(m["port"]),
		Mode:          Mode(m["mode"].(string)),
		StripPrefix:   m["strip-prefix"] == "true",
		RedirectHTTPS: m["redirect-https"] == "true",
	}, nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// toBag returns the wire form of the data.
func (d RequirerData) toBag() (map[string]string, error) {
	out := map[string]string{
		"model": d.Model,
		"name":  d.Name,
		"host":  d.Host,
		"port":  strconv.Itoa(d.Port),
		"mode":  string(d.Mode),
	}
	if d.StripPrefix {
		out["strip-prefix"] = "true"
	}
	if d.RedirectHTTPS {
		out["redirect-https"] = "true"
	}
	doc := make(map[string]any, len(out))
	for k, v := range out {
		doc[k] = v
	}
	if err := databag.ValidateDocument("RequirerUnitData", requirerUnitSchema, doc); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

// LoadIngress decodes the provider application databag. An absent or
// empty ingress key yields an empty mapping.
func LoadIngress(bag databag.Databag) (map[string]UnitURL, error) {
	raw := bag[ingressKey]
	if raw == "" {
		return map[string]UnitURL{}, nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &databag.ValidationError{
			Model:  "ProviderApplicationData",
			Reason: "invalid YAML",
			Err:    err,
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := databag.ValidateDocument("ProviderApplicationData", providerAppSchema, map[string]any{ingressKey: doc}); err != nil {
		return nil, errors.Trace(err)
	}
	urls := make(map[string]UnitURL, len(doc))
	for unit, v := range doc {
		entry := v.(map[string]any)
		urls[unit] = UnitURL{URL: entry["url"].(string)}
	}
	return urls, nil
}

// dumpIngress writes urls to the provider application databag.
func dumpIngress(urls map[string]UnitURL, bag databag.Databag) error {
	if urls == nil {
		urls = map[string]UnitURL{}
	}
	if err := databag.ValidateDocument("ProviderApplicationData", providerAppSchema, map[string]any{ingressKey: urls}); err != nil {
		return errors.Trace(err)
	}
	out, err := yaml.Marshal(urls)
	if err != nil {
		return errors.Trace(err)
	}
	bag[ingressKey] = string(out)
	return nil
}
