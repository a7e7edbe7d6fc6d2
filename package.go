// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"context"
	"iter"
	"slices"

	"github.com/spf13/pflag"
)

// A Package is a buildable node in the dependency graph.
//
// The engine drives each package through fetch, build, and install,
// consulting the corresponding predicate first and skipping stages
// whose work is already on disk. Configure has no predicate: its only
// effect is mutating the [Context], which must happen fresh on every
// realization so dependents observe the package's flags. Fetch, build,
// and install may only touch the filesystem under the directory keyed
// by Ident (see [Context.PackageDir]).
type Package interface {
	// Ident returns the package's unique, stable identifier. It is
	// used as the package's directory name and as its lock key, so
	// two distinct packages in one graph must never share an ident.
	Ident() string

	// Dependencies yields the package's direct dependencies.
	// The graph may contain diamonds but must be acyclic.
	Dependencies() iter.Seq[Package]

	IsFetched(ctx context.Context, bc *Context) bool
	Fetch(ctx context.Context, bc *Context) error

	IsBuilt(ctx context.Context, bc *Context) bool
	Build(ctx context.Context, bc *Context) error

	IsInstalled(ctx context.Context, bc *Context) bool
	Install(ctx context.Context, bc *Context) error

	// Configure mutates bc on behalf of dependents,
	// typically appending to its flag lists.
	Configure(ctx context.Context, bc *Context) error
}

// An EnvInstaller is a [Package] that exports environment to target
// runs. InstallEnv runs after the package is realized and typically
// prepends to PATH-like entries of bc.RunEnv.
type EnvInstaller interface {
	Package
	InstallEnv(ctx context.Context, bc *Context) error
}

// A PkgConfigEntry is one queryable value a package exposes to other
// recipes and to the pkg-config command.
type PkgConfigEntry struct {
	// Option is the flag-style name, like "--prefix".
	Option string
	// Help is a one-line description.
	Help string
	// Value computes the entry's value for a configured context.
	Value func(bc *Context) string
}

// A PkgConfiger is a [Package] that exposes pkg-config style values.
type PkgConfiger interface {
	Package
	PkgConfig(bc *Context) []PkgConfigEntry
}

// A BuildFlagger is a [Package] or [Target] that registers extra
// command-line flags on build commands.
type BuildFlagger interface {
	AddBuildFlags(flags *pflag.FlagSet)
}

// A Target is a root node of the graph: the artifact the user asks to
// build, parameterized by an [Instance].
type Target interface {
	Name() string
	Dependencies() iter.Seq[Package]

	IsFetched(ctx context.Context, bc *Context) bool
	Fetch(ctx context.Context, bc *Context) error

	// Build builds the target with the toolchain and flags the
	// instance and the dependency closure composed into bc.
	Build(ctx context.Context, bc *Context, inst Instance) error
}

// A Runner is a [Target] that can execute what it built.
type Runner interface {
	Target
	Run(ctx context.Context, bc *Context, inst Instance, args []string) error
}

// A BinaryLister is a [Target] that reports the binaries a build
// produced, consumed by post-build hooks.
type BinaryLister interface {
	Target
	BinaryPaths(ctx context.Context, bc *Context, inst Instance) ([]string, error)
}

// A Cleaner is a [Target] or [Package] with state outside the
// conventional directory layout that clean must remove.
type Cleaner interface {
	Clean(ctx context.Context, bc *Context) error
}

// An Instance is a named build variant: it selects packages and
// composes their flags into the [Context] before a target builds.
type Instance interface {
	Name() string
	Dependencies() iter.Seq[Package]
	Configure(ctx context.Context, bc *Context) error
}

// Deps returns the given packages as a dependency sequence, for
// recipes with a fixed dependency list.
func Deps(pkgs ...Package) iter.Seq[Package] {
	return slices.Values(pkgs)
}

// NoDeps returns an empty dependency sequence.
func NoDeps() iter.Seq[Package] {
	return func(yield func(Package) bool) {}
}
