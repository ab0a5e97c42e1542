// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package relation

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrRelationNotFound is returned when an endpoint is not declared in
	// the charm metadata.
	ErrRelationNotFound = errors.ConstError("relation not found")

	// ErrInterfaceMismatch is returned when an endpoint uses a different
	// interface than expected.
	ErrInterfaceMismatch = errors.ConstError("relation interface mismatch")

	// ErrRoleMismatch is returned when an endpoint has a different role
	// than expected.
	ErrRoleMismatch = errors.ConstError("relation role mismatch")

	// ErrNotLeader is returned when an application scoped write is
	// attempted by a unit that is not the leader.
	ErrNotLeader = errors.ConstError("not leader")
)

// topologyError is a relation metadata error carrying its sentinel kind.
type topologyError struct {
	kind    error
	message string
}

func (e *topologyError) Error() string {
	return e.message
}

func (e *topologyError) Unwrap() error {
	return e.kind
}

// NotLeaderError is returned by RequireLeader.
type NotLeaderError struct {
	// Action describes what was attempted.
	Action string
}

// Error implements error.
func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("cannot %s: unit is not leader", e.Action)
}

// Is reports whether target is ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

// IsNotLeader reports whether err is a leadership error.
func IsNotLeader(err error) bool {
	return errors.Is(err, ErrNotLeader)
}
