// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"iter"
	"path/filepath"
	"strconv"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

// LLVMPasses is a library of LLVM passes compiled into shared objects
// that the gold plugin loads at link time. The pass sources live in
// the workspace, not in a fetched tree, and are built by their own
// Makefile, which receives the build and install locations as OBJDIR
// and PREFIX variables.
type LLVMPasses struct {
	// LLVM is the toolchain the passes are compiled against.
	LLVM *LLVM
	// SrcDir is the directory containing the pass sources and their
	// Makefile. A relative path is taken from the workspace root.
	SrcDir string
	// BuildSuffix distinguishes this set of passes from others built
	// from different source directories.
	BuildSuffix string
}

func (p *LLVMPasses) Ident() string {
	return "llvm-passes-" + p.BuildSuffix
}

func (p *LLVMPasses) Dependencies() iter.Seq[anvil.Package] {
	return anvil.Deps(p.LLVM)
}

func (p *LLVMPasses) srcDir(bc *anvil.Context) (string, error) {
	dir := p.SrcDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(bc.Paths.Root, dir)
	}
	if !osutil.Exists(dir) {
		return "", anvil.ConfigErrorf("llvm passes dir %q does not exist", dir)
	}
	return dir, nil
}

// The pass sources are part of the workspace; there is nothing to
// fetch.
func (p *LLVMPasses) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return true
}

func (p *LLVMPasses) Fetch(ctx context.Context, bc *anvil.Context) error {
	return nil
}

// Make owns staleness for the pass library, so the build and install
// stages always run and hand the decision to it.
func (p *LLVMPasses) IsBuilt(ctx context.Context, bc *anvil.Context) bool {
	return false
}

func (p *LLVMPasses) Build(ctx context.Context, bc *anvil.Context) error {
	if err := osutil.MkdirAllPerm(bc.PackageDir(p.Ident(), "obj"), 0o777); err != nil {
		return err
	}
	return p.runMake(ctx, bc, "-j"+strconv.Itoa(bc.Jobs))
}

func (p *LLVMPasses) IsInstalled(ctx context.Context, bc *anvil.Context) bool {
	return false
}

func (p *LLVMPasses) Install(ctx context.Context, bc *anvil.Context) error {
	return p.runMake(ctx, bc, "install")
}

func (p *LLVMPasses) runMake(ctx context.Context, bc *anvil.Context, arg string) error {
	src, err := p.srcDir(bc)
	if err != nil {
		return err
	}
	args := []string{
		"make", arg,
		"OBJDIR=" + bc.PackageDir(p.Ident(), "obj"),
		"PREFIX=" + bc.PackageDir(p.Ident(), "install"),
	}
	_, err = anvil.Run(ctx, bc, args, &anvil.RunOptions{Dir: src})
	return err
}

// Configure turns on LTO and loads the installed pass library into the
// gold plugin, so the passes run over whole-program bitcode at link
// time.
func (p *LLVMPasses) Configure(ctx context.Context, bc *anvil.Context) error {
	lib := bc.PackageDir(p.Ident(), "install", "libpasses.so")
	bc.CFlags = append(bc.CFlags, "-flto")
	bc.CXXFlags = append(bc.CXXFlags, "-flto")
	bc.LDFlags = append(bc.LDFlags, "-flto", "-Wl,-plugin-opt=-load="+lib)
	return nil
}

func (p *LLVMPasses) PkgConfig(bc *anvil.Context) []anvil.PkgConfigEntry {
	entries := []anvil.PkgConfigEntry{
		{
			Option: "--objdir",
			Help:   "absolute build path",
			Value: func(bc *anvil.Context) string {
				return bc.PackageDir(p.Ident(), "obj")
			},
		},
		{
			Option: "--cxxflags",
			Help:   "pass compile flags",
			Value: func(bc *anvil.Context) string {
				src, err := p.srcDir(bc)
				if err != nil {
					return ""
				}
				return anvil.QuoteJoin([]string{"-I", src})
			},
		},
		{
			Option: "--runtime-cflags",
			Help:   "compile flags for runtime libraries that use pass helpers",
			Value: func(bc *anvil.Context) string {
				src, err := p.srcDir(bc)
				if err != nil {
					return ""
				}
				return anvil.QuoteJoin([]string{"-I", filepath.Join(src, "include")})
			},
		},
	}
	return append(entries, basePkgConfig(p.Ident())...)
}
