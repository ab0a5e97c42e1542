// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// CheckEndpoint verifies that the named endpoint is declared with the
// expected interface and role. Libraries call it at construction so that
// misconfigured charms fail at startup.
func CheckEndpoint(m Model, name, iface string, role Role) error {
	ep, ok := m.Endpoint(name)
	if !ok {
		return &topologyError{
			kind:    ErrRelationNotFound,
			message: fmt.Sprintf("no relation named %q found", name),
		}
	}
	if ep.Interface != iface {
		return &topologyError{
			kind: ErrInterfaceMismatch,
			message: fmt.Sprintf("the %q relation has %q as interface rather than the expected %q",
				name, ep.Interface, iface),
		}
	}
	if ep.Role != role {
		return &topologyError{
			kind: ErrRoleMismatch,
			message: fmt.Sprintf("the %q relation has role %q rather than the expected %q",
				name, ep.Role, role),
		}
	}
	return nil
}

// RequireLeader is the single authorization check performed before any
// application scoped mutation.
func RequireLeader(m Model, action string) error {
	if m.IsLeader() {
		return nil
	}
	return &NotLeaderError{Action: action}
}

// UnitNumber returns the number of the named unit, "prometheus/3" being 3.
func UnitNumber(unit string) (int, error) {
	if !names.IsValidUnit(unit) {
		return 0, errors.NotValidf("unit name %q", unit)
	}
	return names.NewUnitTag(unit).Number(), nil
}

// UnitApplication returns the application of the named unit.
func UnitApplication(unit string) (string, error) {
	app, err := names.UnitApplication(unit)
	if err != nil {
		return "", errors.Trace(err)
	}
	return app, nil
}

// ActiveRelations returns the relations of the endpoint that are not being
// removed.
func ActiveRelations(m Model, name string) []*Relation {
	var out []*Relation
	for _, r := range m.Relations(name) {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// IsPeerUnit reports whether unit belongs to the local application.
func IsPeerUnit(m Model, unit string) bool {
	app, err := names.UnitApplication(unit)
	return err == nil && app == m.AppName()
}
