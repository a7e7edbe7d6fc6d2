// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"iter"
	"strconv"

	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

const gperftoolsRepo = "https://github.com/gperftools/gperftools.git"

// DefaultLibUnwind is the libunwind build [Gperftools] links against
// when no explicit [LibUnwind] is configured.
var DefaultLibUnwind = &LibUnwind{Version: "1.4-rc1"}

// Gperftools is Google's gperftools, built from a git checkout for its
// tcmalloc allocator.
type Gperftools struct {
	// Commit is the branch, tag, or commit hash to build.
	Commit string
	// Patches are applied to the source tree with -p1 before building.
	Patches []string
	// Unwind overrides [DefaultLibUnwind] as the unwinder dependency.
	Unwind *LibUnwind
}

func (g *Gperftools) Ident() string {
	return "gperftools-" + g.Commit
}

func (g *Gperftools) unwind() *LibUnwind {
	if g.Unwind != nil {
		return g.Unwind
	}
	return DefaultLibUnwind
}

func (g *Gperftools) Dependencies() iter.Seq[anvil.Package] {
	return anvil.Deps(g.unwind())
}

func (g *Gperftools) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(g.Ident(), "src"))
}

func (g *Gperftools) Fetch(ctx context.Context, bc *anvil.Context) error {
	// A full clone, not a shallow one: Commit may be an arbitrary
	// commit hash that --branch cannot name.
	src := bc.PackageDir(g.Ident(), "src")
	if _, err := anvil.Run(ctx, bc, []string{"git", "clone", gperftoolsRepo, src}, nil); err != nil {
		return err
	}
	_, err := anvil.Run(ctx, bc, []string{"git", "checkout", g.Commit}, &anvil.RunOptions{Dir: src})
	return err
}

func (g *Gperftools) IsBuilt(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(g.Ident(), "obj", ".libs", "libtcmalloc.so"))
}

func (g *Gperftools) Build(ctx context.Context, bc *anvil.Context) error {
	src := bc.PackageDir(g.Ident(), "src")
	for _, p := range g.Patches {
		applied, err := anvil.ApplyPatch(ctx, bc, src, patchPath(bc, p), 1)
		if err != nil {
			return err
		}
		if applied {
			log.Warnf(ctx, "applied patch %s to gperftools source", p)
		}
	}

	if !osutil.Exists(bc.PackageDir(g.Ident(), "src", "configure")) ||
		!osutil.Exists(bc.PackageDir(g.Ident(), "src", "INSTALL")) {
		if _, err := anvil.Run(ctx, bc, []string{"autoreconf", "-vfi"}, &anvil.RunOptions{Dir: src}); err != nil {
			return err
		}
	}

	obj := bc.PackageDir(g.Ident(), "obj")
	if err := osutil.MkdirAllPerm(obj, 0o777); err != nil {
		return err
	}
	if !osutil.Exists(bc.PackageDir(g.Ident(), "obj", "Makefile")) {
		unwind := g.unwind()
		configure := []string{
			"../src/configure",
			"CPPFLAGS=-I" + bc.PackageDir(unwind.Ident(), "install", "include"),
			"LDFLAGS=-L" + bc.PackageDir(unwind.Ident(), "install", "lib"),
			"--prefix=" + bc.PackageDir(g.Ident(), "install"),
		}
		if _, err := anvil.Run(ctx, bc, configure, &anvil.RunOptions{Dir: obj}); err != nil {
			return err
		}
	}
	_, err := anvil.Run(ctx, bc, []string{"make", "-j" + strconv.Itoa(bc.Jobs)}, &anvil.RunOptions{Dir: obj})
	return err
}

func (g *Gperftools) IsInstalled(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(g.Ident(), "install", "lib", "libtcmalloc.so"))
}

func (g *Gperftools) Install(ctx context.Context, bc *anvil.Context) error {
	obj := bc.PackageDir(g.Ident(), "obj")
	_, err := anvil.Run(ctx, bc, []string{"make", "install"}, &anvil.RunOptions{Dir: obj})
	return err
}

// Configure adds the flags that route a target's allocations through
// tcmalloc: the compiler must not lower the allocator entry points to
// builtins, and the link must pull in libtcmalloc.
func (g *Gperftools) Configure(ctx context.Context, bc *anvil.Context) error {
	cflags := []string{
		"-fno-builtin-malloc",
		"-fno-builtin-calloc",
		"-fno-builtin-realloc",
		"-fno-builtin-free",
		"-I", bc.PackageDir(g.Ident(), "install", "include", "gperftools"),
	}
	bc.CFlags = append(bc.CFlags, cflags...)
	bc.CXXFlags = append(bc.CXXFlags, cflags...)
	bc.LDFlags = append(bc.LDFlags,
		"-L"+bc.PackageDir(g.Ident(), "install", "lib"),
		"-ltcmalloc", "-lpthread")
	return nil
}

func (g *Gperftools) InstallEnv(ctx context.Context, bc *anvil.Context) error {
	return installEnv(bc, g.Ident())
}
