// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package databag implements the string-to-string relation data maps and
// the schema-validated models that are loaded from and dumped to them.
//
// Every value written into a databag is JSON encoded. A Model declares the
// wire key, checker and default of each field, and either spreads the
// fields over the top level of the databag or nests the whole payload as a
// single JSON document under one key.
package databag
