// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package topology describes the Juju topology used to label telemetry and
// alert rules per deployment.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/relation"
)

// Stub is the placeholder replaced by label matchers in alert expressions.
const Stub = "%%juju_topology%%"

// Topology is the (model, model UUID, application, unit) tuple of a
// deployment, optionally with the charm name.
type Topology struct {
	Model       string
	ModelUUID   string
	Application string
	Unit        string
	CharmName   string
}

// New returns a validated topology.
func New(model, modelUUID, application, unit, charmName string) (Topology, error) {
	t := Topology{
		Model:       model,
		ModelUUID:   modelUUID,
		Application: application,
		Unit:        unit,
		CharmName:   charmName,
	}
	if err := t.Validate(); err != nil {
		return Topology{}, errors.Trace(err)
	}
	return t, nil
}

// FromModel returns the topology of the local unit.
func FromModel(m relation.Model, charmName string) (Topology, error) {
	return New(m.Name(), m.UUID(), m.AppName(), m.UnitName(), charmName)
}

// FromMap builds a topology from its map form. The model, model_uuid and
// application keys are required.
func FromMap(data map[string]string) (Topology, error) {
	for _, k := range []string{"model", "model_uuid", "application"} {
		if data[k] == "" {
			return Topology{}, errors.NotValidf("topology missing %q", k)
		}
	}
	return New(data["model"], data["model_uuid"], data["application"], data["unit"], data["charm_name"])
}

// Validate checks the required fields and the model UUID.
func (t Topology) Validate() error {
	if t.Model == "" {
		return errors.NotValidf("empty model")
	}
	if t.Application == "" {
		return errors.NotValidf("empty application")
	}
	if _, err := uuid.Parse(t.ModelUUID); err != nil {
		return errors.NotValidf("model uuid %q", t.ModelUUID)
	}
	return nil
}

// ShortModelUUID is the first 7 characters of the model UUID.
func (t Topology) ShortModelUUID() string {
	if len(t.ModelUUID) <= 7 {
		return t.ModelUUID
	}
	return t.ModelUUID[:7]
}

// Identifier uniquely names the application across models:
// <model>_<uuid[:7]>_<application>.
func (t Topology) Identifier() string {
	id := strings.Join([]string{t.Model, t.ShortModelUUID(), t.Application}, "_")
	return strings.ReplaceAll(id, "/", "_")
}

// AsMap returns the map form of the topology. Empty unit and charm name
// are omitted.
func (t Topology) AsMap() map[string]string {
	out := map[string]string{
		"model":       t.Model,
		"model_uuid":  t.ModelUUID,
		"application": t.Application,
	}
	if t.Unit != "" {
		out["unit"] = t.Unit
	}
	if t.CharmName != "" {
		out["charm_name"] = t.CharmName
	}
	return out
}

// LabelMatcherDict returns the juju_ prefixed labels of the topology,
// without the unit.
func (t Topology) LabelMatcherDict() map[string]string {
	out := map[string]string{
		"juju_model":       t.Model,
		"juju_model_uuid":  t.ModelUUID,
		"juju_application": t.Application,
	}
	if t.CharmName != "" {
		out["juju_charm"] = t.CharmName
	}
	for k, v := range out {
		if v == "" {
			delete(out, k)
		}
	}
	return out
}

// LabelMatchers returns the label matcher dict rendered as PromQL
// matchers, sorted by key and joined by ", ".
func (t Topology) LabelMatchers() string {
	return RenderMatchers(t.LabelMatcherDict())
}

// Inject replaces the topology stub in expr with the label matchers.
func (t Topology) Inject(expr string) string {
	return strings.ReplaceAll(expr, Stub, t.LabelMatchers())
}

// RenderMatchers renders labels as k="v" pairs sorted by key.
func RenderMatchers(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if labels[k] == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ", ")
}
