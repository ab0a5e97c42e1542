// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package event provides the synchronous event dispatch used to drive the
// relation libraries. Orchestrator events are delivered to a Dispatcher,
// which calls the registered handlers in order. Libraries publish their own
// events through typed Sources.
package event

import "fmt"

// Kind identifies an orchestrator event.
type Kind int

const (
	Install Kind = iota
	UpgradeCharm
	LeaderElected
	ConfigChanged
	UpdateStatus
	RelationCreated
	RelationJoined
	RelationChanged
	RelationDeparted
	RelationBroken
	SecretChanged
	SecretExpired
	SecretRemove
)

var kindNames = map[Kind]string{
	Install:          "install",
	UpgradeCharm:     "upgrade-charm",
	LeaderElected:    "leader-elected",
	ConfigChanged:    "config-changed",
	UpdateStatus:     "update-status",
	RelationCreated:  "relation-created",
	RelationJoined:   "relation-joined",
	RelationChanged:  "relation-changed",
	RelationDeparted: "relation-departed",
	RelationBroken:   "relation-broken",
	SecretChanged:    "secret-changed",
	SecretExpired:    "secret-expired",
	SecretRemove:     "secret-remove",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsRelationEvent reports whether the kind is scoped to a relation.
func (k Kind) IsRelationEvent() bool {
	switch k {
	case RelationCreated, RelationJoined, RelationChanged, RelationDeparted, RelationBroken:
		return true
	}
	return false
}

// Event is one orchestrator event.
type Event struct {
	Kind Kind

	// Endpoint is the relation endpoint name for relation events.
	Endpoint string

	// RelationID is the relation id for relation events.
	RelationID int

	// Unit is the remote unit for joined and departed events.
	Unit string

	// App is the remote application for relation events.
	App string

	// SecretLabel is the label of the secret for secret events.
	SecretLabel string

	// SecretRevision is the revision of the secret for secret events.
	SecretRevision int
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e.Kind.IsRelationEvent() {
		return fmt.Sprintf("%s-%s:%d", e.Endpoint, e.Kind, e.RelationID)
	}
	if e.SecretLabel != "" {
		return fmt.Sprintf("%s(%s)", e.Kind, e.SecretLabel)
	}
	return e.Kind.String()
}
