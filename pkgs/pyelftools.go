// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"iter"
	"path/filepath"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

const pyelftoolsRepo = "https://github.com/eliben/pyelftools.git"

// PyElfTools is the pyelftools ELF parsing library for Python. It
// exists for post-build hooks that inspect produced binaries; realizing
// it mostly means exporting PYTHONPATH to the hook environment.
type PyElfTools struct {
	// Version is the upstream release version, like "0.29".
	Version string
	// Python is the interpreter to build with. Empty means "python3".
	Python string
}

func (p *PyElfTools) Ident() string {
	return "pyelftools-" + p.Version
}

func (p *PyElfTools) python() string {
	if p.Python != "" {
		return p.Python
	}
	return "python3"
}

func (p *PyElfTools) Dependencies() iter.Seq[anvil.Package] {
	return anvil.NoDeps()
}

func (p *PyElfTools) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(p.Ident(), "src"))
}

func (p *PyElfTools) Fetch(ctx context.Context, bc *anvil.Context) error {
	return anvil.CloneGit(ctx, bc, pyelftoolsRepo, "v"+p.Version, bc.PackageDir(p.Ident(), "src"))
}

func (p *PyElfTools) IsBuilt(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(p.Ident(), "src", "build"))
}

func (p *PyElfTools) Build(ctx context.Context, bc *anvil.Context) error {
	src := bc.PackageDir(p.Ident(), "src")
	_, err := anvil.Run(ctx, bc, []string{p.python(), "setup.py", "build"}, &anvil.RunOptions{Dir: src})
	return err
}

func (p *PyElfTools) IsInstalled(ctx context.Context, bc *anvil.Context) bool {
	return len(p.sitePackages(bc)) > 0
}

func (p *PyElfTools) Install(ctx context.Context, bc *anvil.Context) error {
	src := bc.PackageDir(p.Ident(), "src")
	args := []string{
		p.python(), "setup.py", "install", "--skip-build",
		"--prefix=" + bc.PackageDir(p.Ident(), "install"),
	}
	_, err := anvil.Run(ctx, bc, args, &anvil.RunOptions{Dir: src})
	return err
}

func (p *PyElfTools) Configure(ctx context.Context, bc *anvil.Context) error {
	return nil
}

func (p *PyElfTools) InstallEnv(ctx context.Context, bc *anvil.Context) error {
	bc.RunEnv.PrependPath("PYTHONPATH", p.sitePackages(bc)...)
	return nil
}

// sitePackages globs for installed site-packages directories, since
// the interpreter's minor version names the lib subdirectory.
func (p *PyElfTools) sitePackages(bc *anvil.Context) []string {
	pattern := bc.PackageDir(p.Ident(), "install", "lib", "*", "site-packages", "elftools")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil
	}
	dirs := make([]string, len(matches))
	for i, m := range matches {
		dirs[i] = filepath.Dir(m)
	}
	return dirs
}
