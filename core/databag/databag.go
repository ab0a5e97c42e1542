// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"sort"
)

// Databag is the key-value map attached to one scope (an application or a
// unit) of a relation.
type Databag map[string]string

// Keys returns the sorted keys of the databag.
func (d Databag) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copy returns a shallow copy of the databag. A nil databag copies to an
// empty one.
func (d Databag) Copy() Databag {
	out := make(Databag, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Update copies every key of other into d.
func (d Databag) Update(other map[string]string) {
	for k, v := range other {
		d[k] = v
	}
}

// Clear removes every key from the databag.
func (d Databag) Clear() {
	for k := range d {
		delete(d, k)
	}
}

// Delete removes the given keys.
func (d Databag) Delete(keys ...string) {
	for _, k := range keys {
		delete(d, k)
	}
}
