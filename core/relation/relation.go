// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"fmt"
	"sort"

	"github.com/juju/collections/set"

	"github.com/juju/relationlibs/core/databag"
)

// Role is the role of an endpoint in a relation.
type Role string

const (
	Provides Role = "provides"
	Requires Role = "requires"
	Peers    Role = "peers"
)

// Endpoint is a relation endpoint declared in the charm metadata.
type Endpoint struct {
	Name      string
	Interface string
	Role      Role
	// Limit is the maximum number of relations, zero meaning unlimited.
	Limit int
}

// Relation is one established relation of an endpoint, as reported by the
// orchestrator. Databags are keyed by entity name, which is either an
// application or a unit name.
type Relation struct {
	// ID is the orchestrator assigned relation id.
	ID int

	// Name is the endpoint name on this side of the relation.
	Name string

	// App is the remote application name. It may be empty while the
	// relation is being torn down.
	App string

	// Units are the remote units currently in the relation.
	Units set.Strings

	// Active is false once the relation is being removed.
	Active bool

	data map[string]databag.Databag
}

// NewRelation returns an active relation with no units and empty
// databags.
func NewRelation(id int, name, remoteApp string) *Relation {
	return &Relation{
		ID:     id,
		Name:   name,
		App:    remoteApp,
		Units:  set.NewStrings(),
		Active: true,
		data:   make(map[string]databag.Databag),
	}
}

// Data returns the databag of the given entity. The returned map is live:
// mutating it mutates the relation data.
func (r *Relation) Data(entity string) databag.Databag {
	if r.data == nil {
		r.data = make(map[string]databag.Databag)
	}
	bag, ok := r.data[entity]
	if !ok {
		bag = make(databag.Databag)
		r.data[entity] = bag
	}
	return bag
}

// HasData reports whether the entity has a non-empty databag.
func (r *Relation) HasData(entity string) bool {
	return len(r.data[entity]) > 0
}

// RemoteUnits returns the sorted remote unit names.
func (r *Relation) RemoteUnits() []string {
	if r.Units == nil {
		return nil
	}
	return r.Units.SortedValues()
}

// Entities returns the sorted names of every entity holding data.
func (r *Relation) Entities() []string {
	names := make([]string, 0, len(r.data))
	for k := range r.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer.
func (r *Relation) String() string {
	return fmt.Sprintf("%s:%d", r.Name, r.ID)
}
