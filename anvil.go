// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package anvil orchestrates multi-stage builds of native software packages
// with shared, composable build configuration.
//
// A build is described by a graph of nodes (see [Package], [Target], and
// [Instance]). Each package advances through four stages: fetch, build,
// install, and configure. The first three touch the filesystem and are
// skipped when their completion stamps are already present; configure only
// mutates the in-memory [Context] and therefore runs on every realization.
// Dependencies are realized before their dependents, so a dependent's
// configure always observes the flags its dependencies appended.
//
// The stage engine that drives this lifecycle lives in a separate package;
// this package provides the data model (Context, environment maps, node
// contracts) and the process-level primitives recipes are written against
// (subprocess execution, output teeing, patch application, source fetching).
package anvil

// Version is the anvil release version.
const Version = "0.3.1"
