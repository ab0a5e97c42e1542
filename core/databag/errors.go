// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"github.com/juju/errors"
)

// ErrValidation is matched by every ValidationError when using errors.Is.
const ErrValidation = errors.ConstError("data validation failed")

// ValidationError is returned when databag contents cannot be decoded or
// do not satisfy a model's schema. Callers treat the relation as not ready.
type ValidationError struct {
	// Model is the name of the model being loaded or dumped.
	Model string
	// Reason describes the failure.
	Reason string
	// Err is the underlying decode or schema error.
	Err error
}

// Error implements error.
func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Model != "" {
		msg = e.Model + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsValidationError reports whether err is, or wraps, a ValidationError.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}
