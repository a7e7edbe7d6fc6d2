// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

// binutilsURL is the release tarball location as a URI template.
const binutilsURL = "https://ftp.gnu.org/gnu/binutils/{file}"

// BinUtils is GNU binutils. With Gold set, the gold linker and plugin
// support are built and gold replaces ld in the installed tree, which
// is what [LLVM]'s link-time plugin loading needs.
type BinUtils struct {
	// Version is the upstream release version, like "2.38".
	Version string
	// Gold builds the gold linker with plugin support.
	Gold bool
}

func (b *BinUtils) Ident() string {
	ident := "binutils-" + b.Version
	if b.Gold {
		ident += "-gold"
	}
	return ident
}

func (b *BinUtils) Dependencies() iter.Seq[anvil.Package] {
	return anvil.NoDeps()
}

func (b *BinUtils) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(b.Ident(), "src"))
}

func (b *BinUtils) Fetch(ctx context.Context, bc *anvil.Context) error {
	tarName := "binutils-" + b.Version + ".tar.bz2"
	u, err := anvil.ExpandURL(binutilsURL, map[string]any{"file": tarName})
	if err != nil {
		return err
	}
	tarPath := bc.PackageDir(b.Ident(), tarName)
	if err := anvil.Download(ctx, bc, u, tarPath); err != nil {
		return err
	}
	if err := anvil.ExtractTar(ctx, bc, tarPath, bc.PackageDir(b.Ident(), "src"), 1); err != nil {
		return err
	}
	return os.Remove(tarPath)
}

func (b *BinUtils) IsBuilt(ctx context.Context, bc *anvil.Context) bool {
	ld := "ld/ld-new"
	if b.Gold {
		ld = "gold/ld-new"
	}
	return osutil.Exists(bc.PackageDir(b.Ident(), "obj", filepath.FromSlash(ld)))
}

func (b *BinUtils) Build(ctx context.Context, bc *anvil.Context) error {
	obj := bc.PackageDir(b.Ident(), "obj")
	if err := osutil.MkdirAllPerm(obj, 0o777); err != nil {
		return err
	}
	configure := []string{
		"../src/configure",
		"--enable-gold", "--enable-plugins", "--disable-werror",
		"--prefix=" + bc.PackageDir(b.Ident(), "install"),
	}
	// Match the system linker's sysroot setting, otherwise the built ld
	// cannot find libpthread.so on sysroot-configured distributions.
	probe, err := anvil.Run(ctx, bc, []string{"gcc", "--print-sysroot"},
		&anvil.RunOptions{Silent: true, AllowError: true})
	if err == nil && probe.ExitCode == 0 && strings.TrimSpace(probe.Output) != "" {
		configure = append(configure, "--with-sysroot")
	}
	if _, err := anvil.Run(ctx, bc, configure, &anvil.RunOptions{Dir: obj}); err != nil {
		return err
	}
	_, err = anvil.Run(ctx, bc, []string{"make", "-j" + strconv.Itoa(bc.Jobs)}, &anvil.RunOptions{Dir: obj})
	return err
}

func (b *BinUtils) IsInstalled(ctx context.Context, bc *anvil.Context) bool {
	ld := "ld"
	if b.Gold {
		ld = "ld.gold"
	}
	return osutil.Exists(bc.PackageDir(b.Ident(), "install", "bin", ld))
}

func (b *BinUtils) Install(ctx context.Context, bc *anvil.Context) error {
	obj := bc.PackageDir(b.Ident(), "obj")
	if _, err := anvil.Run(ctx, bc, []string{"make", "install"}, &anvil.RunOptions{Dir: obj}); err != nil {
		return err
	}
	if b.Gold {
		bin := bc.PackageDir(b.Ident(), "install", "bin")
		if err := os.Remove(filepath.Join(bin, "ld")); err != nil {
			return err
		}
		if err := copyFile(filepath.Join(bin, "ld"), filepath.Join(bin, "ld.gold"), 0o777); err != nil {
			return err
		}
	}
	return nil
}

func (b *BinUtils) Configure(ctx context.Context, bc *anvil.Context) error {
	return nil
}

func (b *BinUtils) InstallEnv(ctx context.Context, bc *anvil.Context) error {
	return installEnv(bc, b.Ident())
}
