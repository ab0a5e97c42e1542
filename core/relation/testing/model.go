// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/errors"

	"github.com/juju/relationlibs/core/databag"
	"github.com/juju/relationlibs/core/relation"
)

const (
	// ModelName is the name of every model created by NewModel.
	ModelName = "testmodel"

	// ModelUUID is the UUID of every model created by NewModel.
	ModelUUID = "12de4fae-06cc-4ceb-9089-567be09fec78"
)

// Model is an in-memory relation.Model.
type Model struct {
	name      string
	uuid      string
	app       string
	unit      string
	leader    bool
	endpoints map[string]relation.Endpoint
	relations map[string][]*relation.Relation
	addresses map[string]string
	secrets   *SecretStore
	nextID    int
}

var _ relation.Model = (*Model)(nil)

// NewModel returns a model for unit <app>/<unit> that is the leader.
func NewModel(app string, unit int) *Model {
	return &Model{
		name:      ModelName,
		uuid:      ModelUUID,
		app:       app,
		unit:      fmt.Sprintf("%s/%d", app, unit),
		leader:    true,
		endpoints: make(map[string]relation.Endpoint),
		relations: make(map[string][]*relation.Relation),
		addresses: make(map[string]string),
		secrets:   NewSecretStore(),
	}
}

// WithEndpoint declares an endpoint in the charm metadata.
func (m *Model) WithEndpoint(name, iface string, role relation.Role) *Model {
	m.endpoints[name] = relation.Endpoint{Name: name, Interface: iface, Role: role}
	return m
}

// WithLimit sets the relation limit of a declared endpoint.
func (m *Model) WithLimit(name string, limit int) *Model {
	ep := m.endpoints[name]
	ep.Limit = limit
	m.endpoints[name] = ep
	return m
}

// SetLeader sets the leadership of the local unit.
func (m *Model) SetLeader(leader bool) {
	m.leader = leader
}

// SetBindAddress sets the address returned by BindAddress.
func (m *Model) SetBindAddress(endpoint, address string) {
	m.addresses[endpoint] = address
}

// AddRelation establishes a relation on endpoint with remoteApp, joining
// the given remote units.
func (m *Model) AddRelation(endpoint, remoteApp string, remoteUnits ...string) *relation.Relation {
	r := relation.NewRelation(m.nextID, endpoint, remoteApp)
	m.nextID++
	for _, u := range remoteUnits {
		r.Units.Add(u)
	}
	m.relations[endpoint] = append(m.relations[endpoint], r)
	return r
}

// RemoveRelation marks the relation inactive and drops it from the model.
func (m *Model) RemoveRelation(r *relation.Relation) {
	r.Active = false
	rels := m.relations[r.Name]
	for i, other := range rels {
		if other == r {
			m.relations[r.Name] = append(rels[:i:i], rels[i+1:]...)
			return
		}
	}
}

// LocalAppData returns the local application databag of r.
func (m *Model) LocalAppData(r *relation.Relation) databag.Databag {
	return r.Data(m.app)
}

// LocalUnitData returns the local unit databag of r.
func (m *Model) LocalUnitData(r *relation.Relation) databag.Databag {
	return r.Data(m.unit)
}

// SecretStore returns the in-memory secret store.
func (m *Model) SecretStore() *SecretStore {
	return m.secrets
}

// Name implements relation.Model.
func (m *Model) Name() string { return m.name }

// UUID implements relation.Model.
func (m *Model) UUID() string { return m.uuid }

// AppName implements relation.Model.
func (m *Model) AppName() string { return m.app }

// UnitName implements relation.Model.
func (m *Model) UnitName() string { return m.unit }

// IsLeader implements relation.Model.
func (m *Model) IsLeader() bool { return m.leader }

// Endpoint implements relation.Model.
func (m *Model) Endpoint(name string) (relation.Endpoint, bool) {
	ep, ok := m.endpoints[name]
	return ep, ok
}

// Relations implements relation.Model.
func (m *Model) Relations(name string) []*relation.Relation {
	return append([]*relation.Relation(nil), m.relations[name]...)
}

// Relation implements relation.Model.
func (m *Model) Relation(name string, id int) (*relation.Relation, error) {
	for _, r := range m.relations[name] {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.NotFoundf("relation %s:%d", name, id)
}

// BindAddress implements relation.Model.
func (m *Model) BindAddress(name string) (string, error) {
	addr, ok := m.addresses[name]
	if !ok {
		return "", errors.NotFoundf("bind address for %q", name)
	}
	return addr, nil
}

// Secrets implements relation.Model.
func (m *Model) Secrets() relation.SecretStore {
	return m.secrets
}

// Secret is a stored secret.
type Secret struct {
	Content map[string]string
	Expire  time.Time
}

// SecretStore is an in-memory relation.SecretStore.
type SecretStore struct {
	secrets map[string]Secret
}

var _ relation.SecretStore = (*SecretStore)(nil)

// NewSecretStore returns an empty store.
func NewSecretStore() *SecretStore {
	return &SecretStore{secrets: make(map[string]Secret)}
}

// Get implements relation.SecretStore.
func (s *SecretStore) Get(_ context.Context, label string) (map[string]string, error) {
	secret, ok := s.secrets[label]
	if !ok {
		return nil, errors.NotFoundf("secret %q", label)
	}
	content := make(map[string]string, len(secret.Content))
	for k, v := range secret.Content {
		content[k] = v
	}
	return content, nil
}

// Set implements relation.SecretStore.
func (s *SecretStore) Set(_ context.Context, label string, content map[string]string, expire time.Time) error {
	stored := make(map[string]string, len(content))
	for k, v := range content {
		stored[k] = v
	}
	s.secrets[label] = Secret{Content: stored, Expire: expire}
	return nil
}

// Remove implements relation.SecretStore.
func (s *SecretStore) Remove(_ context.Context, label string) error {
	delete(s.secrets, label)
	return nil
}

// Labels implements relation.SecretStore.
func (s *SecretStore) Labels(context.Context) ([]string, error) {
	labels := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	return labels, nil
}

// Secret returns the stored secret and whether it exists.
func (s *SecretStore) Secret(label string) (Secret, bool) {
	secret, ok := s.secrets[label]
	return secret, ok
}
