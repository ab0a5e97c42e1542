// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/names/v5"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/relation"
	"github.com/juju/relationlibs/relations/certificatetransfer"
	"github.com/juju/relationlibs/relations/ingressperunit"
	"github.com/juju/relationlibs/relations/tlscertificates"
	"github.com/juju/relationlibs/relations/tracing"
	"github.com/juju/relationlibs/version"
)

const validateDoc = `
Loads every non-empty databag of the remote side of a relation with the
models of the given library and reports the databags that fail to load.
The --role flag names the role of the remote application.

Supported libraries: certificate_transfer, ingress_per_unit,
tls_certificates and tracing. Use scrape-config for prometheus_scrape.

Examples:

    relationlibs validate tracing tempo.yaml
    relationlibs validate --role requires tls_certificates requirer.yaml
`

type loadFunc func(databag.Databag) error

func discard[T any](load func(databag.Databag) (T, error)) loadFunc {
	return func(bag databag.Databag) error {
		_, err := load(bag)
		return err
	}
}

// databagLoaders hold the loaders of the application and unit databags
// published by one side of a relation. A nil loader means the side does
// not publish in that databag.
type databagLoaders struct {
	app  loadFunc
	unit loadFunc
}

var libraryLoaders = map[string]map[relation.Role]databagLoaders{
	"certificate_transfer": {
		relation.Provides: {
			app:  discard(certificatetransfer.LoadProviderAppData),
			unit: discard(certificatetransfer.LoadProviderUnitDataV0),
		},
		relation.Requires: {
			app: discard(certificatetransfer.LoadRequirerAppData),
		},
	},
	"ingress_per_unit": {
		relation.Provides: {
			app: discard(ingressperunit.LoadIngress),
		},
		relation.Requires: {
			unit: discard(ingressperunit.LoadRequirerUnitData),
		},
	},
	"tls_certificates": {
		relation.Provides: {
			app: tlscertificates.ValidateProviderAppData,
		},
		relation.Requires: {
			app:  tlscertificates.ValidateRequirerData,
			unit: tlscertificates.ValidateRequirerData,
		},
	},
	"tracing": {
		relation.Provides: {
			app: discard(tracing.LoadProviderAppData),
		},
		relation.Requires: {
			app: discard(tracing.LoadRequirerAppData),
		},
	},
}

// databagResult is the outcome of loading one databag.
type databagResult struct {
	Entity string `yaml:"entity" json:"entity"`
	Valid  bool   `yaml:"valid" json:"valid"`
	Error  string `yaml:"error,omitempty" json:"error,omitempty"`
}

type validateCommand struct {
	out     Output
	role    string
	library string
	file    string
}

func (c *validateCommand) Info() *Info {
	return &Info{
		Name:    "validate",
		Args:    "<library> <file>",
		Purpose: "Validate relation data against a library's databag models.",
		Doc:     validateDoc,
	}
}

func (c *validateCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "yaml", defaultFormatters)
	f.StringVar(&c.role, "role", string(relation.Provides), "Role of the remote application (provides|requires)")
}

func (c *validateCommand) Init(args []string) error {
	if len(args) < 2 {
		return errors.New("expected a library name and a relation data file")
	}
	c.library, c.file = args[0], args[1]
	if err := checkEmpty(args[2:]); err != nil {
		return errors.Trace(err)
	}
	lib, err := version.Lookup(c.library)
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := libraryLoaders[lib.Name]; !ok {
		return errors.NotSupportedf("validating %s", lib)
	}
	switch relation.Role(c.role) {
	case relation.Provides, relation.Requires:
	default:
		return errors.NotValidf("role %q", c.role)
	}
	return nil
}

func (c *validateCommand) Run(ctx *Context) error {
	rel, err := readRelation(ctx.AbsPath(c.file))
	if err != nil {
		return errors.Trace(err)
	}
	loaders := libraryLoaders[c.library][relation.Role(c.role)]

	var results []databagResult
	failed := 0
	for _, entity := range rel.Entities() {
		if !rel.HasData(entity) {
			continue
		}
		load := loaders.app
		if names.IsValidUnit(entity) {
			if !rel.Units.Contains(entity) {
				continue
			}
			load = loaders.unit
		} else if entity != rel.App {
			continue
		}
		result := databagResult{Entity: entity, Valid: true}
		switch {
		case load == nil:
			result.Valid = false
			result.Error = "unexpected data"
		default:
			if err := load(rel.Data(entity)); err != nil {
				logger.Debugf(ctx, "loading %s databag: %v", entity, errors.ErrorStack(err))
				result.Valid = false
				result.Error = err.Error()
			}
		}
		if !result.Valid {
			failed++
		}
		results = append(results, result)
	}
	if results == nil {
		results = []databagResult{}
	}
	if err := c.out.Write(ctx, results); err != nil {
		return errors.Trace(err)
	}
	if failed > 0 {
		ctx.Infof("%d of %d databags failed to load as %s data", failed, len(results), c.library)
		return ErrSilent
	}
	return nil
}
