// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package instances provides the built-in build variants. An instance
// names the packages a target build depends on and composes their
// flags, so the same target source can be built per allocator or per
// instrumentation without touching the target recipe.
package instances

import (
	"context"
	"iter"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/pkgs"
)

// Baseline builds targets with the plain Clang toolchain at -O2.
type Baseline struct {
	LLVM *pkgs.LLVM
}

func (i *Baseline) Name() string { return "baseline" }

func (i *Baseline) Dependencies() iter.Seq[anvil.Package] {
	return anvil.Deps(i.LLVM)
}

func (i *Baseline) Configure(ctx context.Context, bc *anvil.Context) error {
	bc.CFlags = append(bc.CFlags, "-O2")
	bc.CXXFlags = append(bc.CXXFlags, "-O2")
	return nil
}

// TCMalloc builds targets like [Baseline] but routes their allocations
// through gperftools' tcmalloc. The allocator flags come from the
// gperftools package itself when the dependency graph is configured.
type TCMalloc struct {
	LLVM       *pkgs.LLVM
	Gperftools *pkgs.Gperftools
}

func (i *TCMalloc) Name() string { return "tcmalloc" }

func (i *TCMalloc) Dependencies() iter.Seq[anvil.Package] {
	return anvil.Deps(i.LLVM, i.Gperftools)
}

func (i *TCMalloc) Configure(ctx context.Context, bc *anvil.Context) error {
	bc.CFlags = append(bc.CFlags, "-O2")
	bc.CXXFlags = append(bc.CXXFlags, "-O2")
	return nil
}

// Instrumented builds targets with a pass library loaded into the
// link-time plugin.
type Instrumented struct {
	LLVM   *pkgs.LLVM
	Passes *pkgs.LLVMPasses
	// PassFlags are options forwarded to the loaded passes through the
	// gold plugin, like "-stats-only=instrument".
	PassFlags []string
}

func (i *Instrumented) Name() string { return "instrumented" }

func (i *Instrumented) Dependencies() iter.Seq[anvil.Package] {
	return anvil.Deps(i.LLVM, i.Passes)
}

func (i *Instrumented) Configure(ctx context.Context, bc *anvil.Context) error {
	bc.CFlags = append(bc.CFlags, "-O2")
	bc.CXXFlags = append(bc.CXXFlags, "-O2")
	pkgs.AddPluginFlags(bc, i.PassFlags...)
	return nil
}
