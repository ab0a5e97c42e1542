// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package core holds the concepts shared by every relation library: databags
and their schema-validated models, the relations and the model they live
in, the dispatch of orchestrator events and the Juju topology.

When adding to core:

  - it's fine to import from any subpackage of "github.com/juju/relationlibs/core"
  - but never import from relations or internal
  - and do not introduce mutable global state

Interface specific logic belongs in its own package under relations.
*/
package core
