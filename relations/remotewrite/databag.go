// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package remotewrite implements the prometheus_remote_write relation
// interface.
//
// A Provider (a metrics store such as Prometheus or Mimir) advertises the
// URL of its remote write endpoint in the data of each of its units, and
// reads the alert rules of its consumers. A Consumer (a metrics agent)
// collects those endpoints and publishes its alert rules.
package remotewrite

import (
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
)

const (
	// Interface is the relation interface name.
	Interface = "prometheus_remote_write"

	// DefaultProviderRelationName is the endpoint name of providers.
	DefaultProviderRelationName = "receive-remote-write"

	// DefaultConsumerRelationName is the endpoint name of consumers.
	DefaultConsumerRelationName = "send-remote-write"

	// DefaultAlertRulesPath is the rules directory, relative to the charm
	// directory.
	DefaultAlertRulesPath = "src/prometheus_alert_rules"
)

// Defaults of the advertised endpoint URL.
const (
	DefaultScheme = "http"
	DefaultPort   = 9090
	DefaultPath   = "/api/v1/write"
)

const (
	remoteWriteKey = "remote_write"
	alertRulesKey  = "alert_rules"
)

// Endpoint is one remote write target, in the form of a Prometheus
// remote_write configuration entry.
type Endpoint struct {
	URL string `json:"url"`
}

func loadEndpoint(bag databag.Databag) (Endpoint, bool, error) {
	raw, ok := bag[remoteWriteKey]
	if !ok || raw == "" {
		return Endpoint{}, false, nil
	}
	var ep Endpoint
	if err := databag.Decode(raw, &ep); err != nil {
		return Endpoint{}, false, errors.Annotatef(err, "decoding %s", remoteWriteKey)
	}
	if ep.URL == "" {
		return Endpoint{}, false, errors.NotValidf("remote write endpoint without url")
	}
	return ep, true, nil
}
