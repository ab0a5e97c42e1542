// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Encode returns the JSON encoding of v for storage in a single databag
// slot.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Annotate(err, "encoding databag value")
	}
	return string(data), nil
}

// MustEncode is Encode for values that are known to be serializable.
func MustEncode(v any) string {
	s, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return s
}

// Decode decodes the JSON value held in one databag slot into out. A value
// that is not JSON results in a ValidationError.
func Decode(raw string, out any) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &ValidationError{
			Reason: "invalid databag contents: expecting json",
			Err:    err,
		}
	}
	return nil
}

// Get decodes the value stored under key. It returns an error satisfying
// errors.IsNotFound when the key is absent.
func Get(bag Databag, key string, out any) error {
	raw, ok := bag[key]
	if !ok {
		return errors.NotFoundf("databag key %q", key)
	}
	return errors.Trace(Decode(raw, out))
}

// Set encodes v and stores it under key.
func Set(bag Databag, key string, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return errors.Trace(err)
	}
	bag[key] = raw
	return nil
}
