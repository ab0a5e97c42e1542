// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/gojsonschema"
	"github.com/juju/jsonschema"
)

// ValidateDocument validates doc against a JSON Schema document. Schema
// violations are reported as a ValidationError listing every failure.
func ValidateDocument(name string, s *jsonschema.Schema, doc any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(s),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return errors.Annotatef(err, "validating %s", name)
	}
	if result.Valid() {
		return nil
	}
	var problems []string
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return &ValidationError{
		Model:  name,
		Reason: "schema violation",
		Err:    errors.New(strings.Join(problems, "; ")),
	}
}
