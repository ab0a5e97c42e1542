// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the release version of the relation libraries and
// the registry of the charm libraries they implement.
//
// A charm library is versioned by its API (the major version, part of the
// import path of the library) and its patch level. Two charms can relate
// over a library when they use the same API; the patch level only orders
// backwards compatible releases.
package version

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"
	semversion "github.com/juju/version/v2"
)

const version = "0.4.0"

// Current gives the current version of the relation libraries.
var Current = semversion.MustParse(version)

// Library describes a published charm library.
type Library struct {
	// Name is the library name, also the relation interface for most
	// libraries.
	Name string

	// ID is the library identifier, stable across every API version.
	ID string

	API   int
	Patch int
}

// Number returns the library version as API.Patch.
func (l Library) Number() semversion.Number {
	return semversion.Number{Major: l.API, Minor: l.Patch}
}

// String implements fmt.Stringer.
func (l Library) String() string {
	return fmt.Sprintf("%s v%d.%d", l.Name, l.API, l.Patch)
}

// Supports reports whether a peer using the library at n can relate with
// this implementation. The API must match and the peer patch level must
// not be newer.
func (l Library) Supports(n semversion.Number) bool {
	return n.Major == l.API && n.Minor <= l.Patch
}

// Libraries are the charm libraries implemented by this module, keyed by
// name.
var Libraries = map[string]Library{
	"certificate_transfer": {
		Name: "certificate_transfer", ID: "3785165b24a743f2b0c60de52db25c8b", API: 1, Patch: 13,
	},
	"prometheus_scrape": {
		Name: "prometheus_scrape", ID: "bc84295fef5f4049878f07b131968ee2", API: 0, Patch: 32,
	},
	"prometheus_remote_write": {
		Name: "prometheus_remote_write", ID: "f783823fa75f4b7880eb70f2077ec259", API: 1, Patch: 4,
	},
	"tracing": {
		Name: "tracing", ID: "12977e9aa0b34367903d8afeb8c3d85d", API: 2, Patch: 5,
	},
	"tls_certificates": {
		Name: "tls_certificates", ID: "afd8c2bccf834997afce12c2706d2ede", API: 4, Patch: 21,
	},
	"ingress_per_unit": {
		Name: "ingress_per_unit", ID: "7ef06111da2945ed84f4f5d4eb5b353a", API: 1, Patch: 12,
	},
	"kubernetes_service_patch": {
		Name: "kubernetes_service_patch", ID: "0042f86d0a874435adef581806cddbbb", API: 1, Patch: 5,
	},
}

// Lookup returns the library with the given name.
func Lookup(name string) (Library, error) {
	lib, ok := Libraries[name]
	if !ok {
		return Library{}, errors.NotFoundf("library %q", name)
	}
	return lib, nil
}

// LookupID returns the library with the given identifier.
func LookupID(id string) (Library, error) {
	for _, lib := range Libraries {
		if lib.ID == id {
			return lib, nil
		}
	}
	return Library{}, errors.NotFoundf("library with id %q", id)
}

// Names returns the library names in order.
func Names() []string {
	names := make([]string, 0, len(Libraries))
	for name := range Libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseLibrary parses a library reference of the form "name" or
// "name:API.Patch", as printed by charmcraft. A bare name refers to the
// implemented version.
func ParseLibrary(ref string) (Library, semversion.Number, error) {
	name, v, hasVersion := strings.Cut(ref, ":")
	lib, err := Lookup(name)
	if err != nil {
		return Library{}, semversion.Zero, errors.Trace(err)
	}
	if !hasVersion {
		return lib, lib.Number(), nil
	}
	// Charm library versions carry two parts.
	n, err := semversion.Parse(v + ".0")
	if err != nil {
		return Library{}, semversion.Zero, errors.NotValidf("library version %q", v)
	}
	return lib, n, nil
}
