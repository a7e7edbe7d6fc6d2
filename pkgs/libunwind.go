// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"iter"
	"os"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
	"github.com/anvilbuild/anvil/internal/xslices"
)

const libunwindURL = "https://download.savannah.gnu.org/releases/libunwind/{file}"

// LibUnwind is the libunwind stack unwinding library, the backtrace
// provider [Gperftools] links against.
type LibUnwind struct {
	// Version is the upstream release version, like "1.4-rc1".
	Version string
	// Patches are applied to the source tree with -p1 before building.
	Patches []string
}

func (u *LibUnwind) Ident() string {
	return "libunwind-" + u.Version
}

func (u *LibUnwind) Dependencies() iter.Seq[anvil.Package] {
	return anvil.NoDeps()
}

func (u *LibUnwind) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(u.Ident(), "src"))
}

func (u *LibUnwind) Fetch(ctx context.Context, bc *anvil.Context) error {
	tarName := "libunwind-" + u.Version + ".tar.gz"
	url, err := anvil.ExpandURL(libunwindURL, map[string]any{"file": tarName})
	if err != nil {
		return err
	}
	tarPath := bc.PackageDir(u.Ident(), tarName)
	if err := anvil.Download(ctx, bc, url, tarPath); err != nil {
		return err
	}
	if err := anvil.ExtractTar(ctx, bc, tarPath, bc.PackageDir(u.Ident(), "src"), 1); err != nil {
		return err
	}
	return os.Remove(tarPath)
}

func (u *LibUnwind) IsBuilt(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(u.Ident(), "obj", "src", ".libs", "libunwind.so"))
}

func (u *LibUnwind) applyPatches(ctx context.Context, bc *anvil.Context) error {
	patches := u.Patches
	// GCC 10 turned on -fno-common, which the release tarballs predate.
	if major := systemGCCMajor(ctx, bc); major >= 10 {
		fix := patchPath(bc, "0001-Fix-compilation-with-fno-common")
		if osutil.Exists(fix) {
			patches = append([]string{fix}, patches...)
		}
	}
	src := bc.PackageDir(u.Ident(), "src")
	for _, p := range patches {
		applied, err := anvil.ApplyPatch(ctx, bc, src, patchPath(bc, p), 1)
		if err != nil {
			return err
		}
		if applied {
			log.Warnf(ctx, "applied patch %s to libunwind source", p)
		}
	}
	return nil
}

func (u *LibUnwind) Build(ctx context.Context, bc *anvil.Context) error {
	if err := u.applyPatches(ctx, bc); err != nil {
		return err
	}
	obj := bc.PackageDir(u.Ident(), "obj")
	if err := osutil.MkdirAllPerm(obj, 0o777); err != nil {
		return err
	}
	if !osutil.Exists(bc.PackageDir(u.Ident(), "obj", "Makefile")) {
		configure := []string{"../src/configure", "--prefix=" + bc.PackageDir(u.Ident(), "install")}
		// libunwind is built with the system compiler, not the active
		// toolchain, and with clean flags.
		env := map[string]string{
			"CC":       "/usr/bin/gcc",
			"CXX":      "/usr/bin/g++",
			"CFLAGS":   "",
			"CXXFLAGS": "",
			"LDFLAGS":  "",
		}
		if _, err := anvil.Run(ctx, bc, configure, &anvil.RunOptions{Dir: obj, Env: env}); err != nil {
			return err
		}
	}
	_, err := anvil.Run(ctx, bc, []string{"make", "-j" + strconv.Itoa(bc.Jobs)}, &anvil.RunOptions{Dir: obj})
	return err
}

func (u *LibUnwind) IsInstalled(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(u.Ident(), "install", "lib", "libunwind.so"))
}

func (u *LibUnwind) Install(ctx context.Context, bc *anvil.Context) error {
	obj := bc.PackageDir(u.Ident(), "obj")
	_, err := anvil.Run(ctx, bc, []string{"make", "install"}, &anvil.RunOptions{Dir: obj})
	return err
}

func (u *LibUnwind) Configure(ctx context.Context, bc *anvil.Context) error {
	bc.LDFlags = append(bc.LDFlags, "-L"+bc.PackageDir(u.Ident(), "install", "lib"), "-lunwind")
	return nil
}

func (u *LibUnwind) InstallEnv(ctx context.Context, bc *anvil.Context) error {
	return installEnv(bc, u.Ident())
}

// systemGCCMajor reports the major version of the system gcc, or 0 if
// there is none to ask.
func systemGCCMajor(ctx context.Context, bc *anvil.Context) int {
	res, err := anvil.Run(ctx, bc, []string{"/usr/bin/gcc", "--version"},
		&anvil.RunOptions{Silent: true, AllowError: true})
	if err != nil || res.ExitCode != 0 {
		return 0
	}
	line, _, _ := strings.Cut(res.Output, "\n")
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0
	}
	v, err := semver.NewVersion(xslices.Last(fields))
	if err != nil {
		return 0
	}
	return int(v.Major())
}
