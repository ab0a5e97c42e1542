// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"gopkg.in/yaml.v3"

	"github.com/juju/relationlibs/core/relation"
)

// relationDump is the file format read by the data commands: the databags
// of one relation as seen from the local side, keyed by entity.
//
//	id: 3
//	endpoint: metrics-endpoint
//	remote-app: zinc
//	data:
//	  zinc:
//	    scrape_jobs: '[{"static_configs": [{"targets": ["*:8000"]}]}]'
//	  zinc/0:
//	    prometheus_scrape_unit_address: 10.1.2.3
type relationDump struct {
	ID        int                          `yaml:"id"`
	Endpoint  string                       `yaml:"endpoint"`
	RemoteApp string                       `yaml:"remote-app"`
	Data      map[string]map[string]string `yaml:"data"`
}

// readRelation decodes the relation dump at path. Units of the remote
// application that hold data are joined to the relation.
func readRelation(path string) (*relation.Relation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var dump relationDump
	if err := yaml.Unmarshal(raw, &dump); err != nil {
		return nil, errors.Annotatef(err, "parsing %s", path)
	}
	if dump.RemoteApp == "" {
		return nil, errors.NotValidf("relation dump %s without remote-app", path)
	}
	if !names.IsValidApplication(dump.RemoteApp) {
		return nil, errors.NotValidf("remote application name %q", dump.RemoteApp)
	}
	rel := relation.NewRelation(dump.ID, dump.Endpoint, dump.RemoteApp)
	for entity, bag := range dump.Data {
		switch {
		case names.IsValidUnit(entity):
			app, err := names.UnitApplication(entity)
			if err != nil {
				return nil, errors.Trace(err)
			}
			if app == dump.RemoteApp {
				rel.Units.Add(entity)
			}
		case names.IsValidApplication(entity):
		default:
			return nil, errors.NotValidf("entity name %q", entity)
		}
		rel.Data(entity).Update(bag)
	}
	return rel, nil
}
