// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package pkgs provides the built-in package recipes: toolchains,
// allocators, and instrumentation libraries that instances compose
// into target builds.
//
// Recipes are plain exported structs. The command-line registry wires
// concrete values together; nothing in this package keeps global
// state.
package pkgs

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

// patchPath resolves a patch reference. References containing a path
// separator are used as given. Bare names refer to .patch files in the
// workspace patch directory, which is bc.Extra["patchdir"] when set
// and <root>/patches otherwise.
func patchPath(bc *anvil.Context, name string) string {
	if strings.ContainsRune(name, '/') {
		return name
	}
	dir := bc.Extra["patchdir"]
	if dir == "" {
		dir = filepath.Join(bc.Paths.Root, "patches")
	}
	return filepath.Join(dir, name+".patch")
}

// installEnv exports a package's conventional install tree to target
// runs: install/bin onto PATH and install/lib onto LD_LIBRARY_PATH,
// each only when the directory exists.
func installEnv(bc *anvil.Context, ident string) error {
	if bin := bc.PackageDir(ident, "install", "bin"); osutil.Exists(bin) {
		bc.RunEnv.PrependPath("PATH", bin)
	}
	if lib := bc.PackageDir(ident, "install", "lib"); osutil.Exists(lib) {
		bc.RunEnv.PrependPath("LD_LIBRARY_PATH", lib)
	}
	return nil
}

// basePkgConfig returns the pkg-config entries every package exposes.
func basePkgConfig(ident string) []anvil.PkgConfigEntry {
	return []anvil.PkgConfigEntry{
		{
			Option: "--root",
			Help:   "absolute root path of the package build tree",
			Value: func(bc *anvil.Context) string {
				return bc.PackageDir(ident)
			},
		},
		{
			Option: "--prefix",
			Help:   "absolute install path",
			Value: func(bc *anvil.Context) string {
				return bc.PackageDir(ident, "install")
			},
		},
	}
}

func copyFile(dst, src string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
