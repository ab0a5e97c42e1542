// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"encoding/json"
	"reflect"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"github.com/mitchellh/mapstructure"
)

// Field describes one declared field of a Model.
type Field struct {
	// Key is the wire name of the field. It must match the json tag of
	// the corresponding struct field of the model type.
	Key string

	// Checker validates and coerces the decoded value.
	Checker schema.Checker

	// Default is the value used when the key is absent. A nil Default
	// makes the field required and schema.Omit makes it optional.
	Default any
}

// Required returns a field that must be present.
func Required(key string, checker schema.Checker) Field {
	return Field{Key: key, Checker: checker}
}

// Optional returns a field that may be absent.
func Optional(key string, checker schema.Checker) Field {
	return Field{Key: key, Checker: checker, Default: schema.Omit}
}

// WithDefault returns a field that takes dflt when absent.
func WithDefault(key string, checker schema.Checker, dflt any) Field {
	return Field{Key: key, Checker: checker, Default: dflt}
}

func (f Field) required() bool {
	return f.Default == nil
}

func (f Field) hasDefault() bool {
	return f.Default != nil && f.Default != schema.Omit
}

// isDefault reports whether v, as produced by a JSON round trip, equals
// the declared default of the field.
func (f Field) isDefault(v any) bool {
	if !f.hasDefault() {
		return false
	}
	dflt, err := normalize(f.Default)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(v, dflt)
}

// Model is a declarative description of a record of type T stored in a
// databag. T is expected to be a struct whose json tags are the wire keys
// of the declared fields.
type Model[T any] struct {
	// Name identifies the model in errors.
	Name string

	// Fields are the declared fields.
	Fields []Field

	// NestUnder, when not empty, is the single databag key holding the
	// whole payload as one JSON object.
	NestUnder string

	// ExcludeDefaults skips fields equal to their declared default when
	// dumping.
	ExcludeDefaults bool
}

// DumpOption configures Dump.
type DumpOption func(*dumpOptions)

type dumpOptions struct {
	clear bool
}

// Clear sets whether the databag is cleared before writing. The default is
// to clear.
func Clear(clear bool) DumpOption {
	return func(o *dumpOptions) {
		o.clear = clear
	}
}

func (m Model[T]) checker() schema.Checker {
	fields := make(schema.Fields, len(m.Fields))
	defaults := make(schema.Defaults)
	for _, f := range m.Fields {
		fields[f.Key] = f.Checker
		if !f.required() {
			defaults[f.Key] = f.Default
		}
	}
	return schema.FieldMap(fields, defaults)
}

// Load decodes a T from bag. Unknown keys are ignored. A ValidationError
// is returned if a declared value is not JSON, or if the assembled value
// does not satisfy the declared fields.
func (m Model[T]) Load(bag Databag) (T, error) {
	var out T
	candidate, err := m.candidate(bag)
	if err != nil {
		return out, errors.Trace(err)
	}
	coerced, err := m.checker().Coerce(candidate, nil)
	if err != nil {
		return out, &ValidationError{
			Model:  m.Name,
			Reason: "failed to validate databag",
			Err:    err,
		}
	}
	if err := decodeMap(coerced, &out); err != nil {
		return out, &ValidationError{
			Model:  m.Name,
			Reason: "failed to validate databag",
			Err:    err,
		}
	}
	return out, nil
}

// IsValid reports whether bag loads without error.
func (m Model[T]) IsValid(bag Databag) bool {
	_, err := m.Load(bag)
	return err == nil
}

func (m Model[T]) candidate(bag Databag) (map[string]any, error) {
	if m.NestUnder != "" {
		candidate := make(map[string]any)
		raw, ok := bag[m.NestUnder]
		if !ok {
			return candidate, nil
		}
		if err := Decode(raw, &candidate); err != nil {
			return nil, m.annotate(err)
		}
		if candidate == nil {
			candidate = make(map[string]any)
		}
		return candidate, nil
	}

	candidate := make(map[string]any)
	for _, f := range m.Fields {
		raw, ok := bag[f.Key]
		if !ok {
			continue
		}
		var v any
		if err := Decode(raw, &v); err != nil {
			return nil, m.annotate(err)
		}
		candidate[f.Key] = v
	}
	return candidate, nil
}

// Dump writes v into bag and returns it. A nil bag is replaced by a new
// databag. The value is validated before anything is written, so an
// invalid value leaves bag untouched.
func (m Model[T]) Dump(v T, bag Databag, opts ...DumpOption) (Databag, error) {
	o := dumpOptions{clear: true}
	for _, opt := range opts {
		opt(&o)
	}

	values, err := toMap(v)
	if err != nil {
		return bag, errors.Annotatef(err, "dumping %s", m.Name)
	}
	values = m.prune(values)
	if _, err := m.checker().Coerce(values, nil); err != nil {
		return bag, &ValidationError{
			Model:  m.Name,
			Reason: "invalid value",
			Err:    err,
		}
	}

	if bag == nil {
		bag = make(Databag)
	}
	if o.clear {
		bag.Clear()
	}

	if m.NestUnder != "" {
		raw, err := Encode(values)
		if err != nil {
			return bag, errors.Trace(err)
		}
		bag[m.NestUnder] = raw
		return bag, nil
	}

	for _, f := range m.Fields {
		val, ok := values[f.Key]
		if !ok {
			continue
		}
		raw, err := Encode(val)
		if err != nil {
			return bag, errors.Trace(err)
		}
		bag[f.Key] = raw
	}
	return bag, nil
}

// prune keeps only declared fields, dropping absent optional values and,
// when configured, values equal to their default.
func (m Model[T]) prune(values map[string]any) map[string]any {
	out := make(map[string]any, len(m.Fields))
	for _, f := range m.Fields {
		val, ok := values[f.Key]
		if !ok {
			continue
		}
		if val == nil && !f.required() {
			continue
		}
		if m.ExcludeDefaults && f.isDefault(val) {
			continue
		}
		out[f.Key] = val
	}
	return out
}

func (m Model[T]) annotate(err error) error {
	if ve, ok := err.(*ValidationError); ok && ve.Model == "" {
		ve.Model = m.Name
	}
	return err
}

// toMap returns the generic JSON form of v.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Trace(err)
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// normalize returns the generic JSON form of any value.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}

func decodeMap(in any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     out,
		ZeroFields: true,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(decoder.Decode(in))
}
