// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"context"
	"time"
)

// Model is the view of the orchestrator consumed by the relation
// libraries. It is implemented by the charm runtime and by the in-memory
// model in core/relation/testing.
type Model interface {
	// Name is the model name.
	Name() string

	// UUID is the model UUID.
	UUID() string

	// AppName is the local application name.
	AppName() string

	// UnitName is the local unit name.
	UnitName() string

	// IsLeader reports whether the local unit is the application leader.
	IsLeader() bool

	// Endpoint returns the metadata of the named endpoint.
	Endpoint(name string) (Endpoint, bool)

	// Relations returns the relations established on the named endpoint.
	Relations(name string) []*Relation

	// Relation returns the relation with the given id on the named
	// endpoint. It returns an error satisfying errors.IsNotFound if there
	// is no such relation.
	Relation(name string, id int) (*Relation, error)

	// BindAddress returns the ingress address of the local unit on the
	// named endpoint.
	BindAddress(name string) (string, error)

	// Secrets returns the secret store of the local unit.
	Secrets() SecretStore
}

// SecretStore stores secret content owned by the local unit or
// application, addressed by label.
type SecretStore interface {
	// Get returns the content of the labelled secret. It returns an error
	// satisfying errors.IsNotFound if there is no such secret.
	Get(ctx context.Context, label string) (map[string]string, error)

	// Set creates or replaces the labelled secret. A zero expire means the
	// secret does not expire.
	Set(ctx context.Context, label string, content map[string]string, expire time.Time) error

	// Remove deletes the labelled secret. Removing a missing secret is not
	// an error.
	Remove(ctx context.Context, label string) error

	// Labels returns the labels of every stored secret.
	Labels(ctx context.Context) ([]string, error)
}
