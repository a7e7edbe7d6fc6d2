// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/spf13/pflag"
	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

// Release tarball locations as URI templates. Releases moved to GitHub
// with LLVM 8; older versions stay on the project's own host.
const (
	llvmReleaseURL    = "https://github.com/llvm/llvm-project/releases/download/llvmorg-{version}/{file}"
	llvmOldReleaseURL = "https://releases.llvm.org/{version}/{file}"
)

// DefaultBinutils is the binutils build LLVM compiles its gold plugin
// against when no explicit [BinUtils] is configured.
var DefaultBinutils = &BinUtils{Version: "2.38", Gold: true}

// LLVM is the LLVM toolchain with Clang, built from release tarballs
// with CMake and Ninja.
//
// Patches lists unified diffs to apply to the source tree before
// building. An entry containing a path separator is a patch file
// location; a bare name refers to <name>-<version>.patch in the
// workspace patch directory.
type LLVM struct {
	// Version is the full release version, like "11.1.0".
	Version string
	// CompilerRT additionally fetches compiler-rt, which carries the
	// runtime support for the sanitizers.
	CompilerRT bool
	// LLD additionally fetches the lld linker.
	LLD bool
	// Patches are applied to the source tree with -p1 before building.
	Patches []string
	// BuildFlags are extra -D definitions passed to cmake.
	BuildFlags []string
	// Binutils overrides [DefaultBinutils] as the gold plugin header
	// source.
	Binutils *BinUtils
}

func (l *LLVM) Ident() string {
	ident := "llvm-" + l.Version
	if l.LLD {
		ident += "-lld"
	}
	return ident
}

func (l *LLVM) binutils() *BinUtils {
	if l.Binutils != nil {
		return l.Binutils
	}
	return DefaultBinutils
}

func (l *LLVM) Dependencies() iter.Seq[anvil.Package] {
	return anvil.Deps(l.binutils())
}

// major reports the release's major version, or 0 if Version does not
// parse.
func (l *LLVM) major() int {
	v, err := semver.NewVersion(l.Version)
	if err != nil {
		return 0
	}
	return int(v.Major())
}

func (l *LLVM) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(l.Ident(), "src"))
}

func (l *LLVM) Fetch(ctx context.Context, bc *anvil.Context) error {
	if err := l.fetchComponent(ctx, bc, "llvm", "src"); err != nil {
		return err
	}
	clang := "clang"
	if l.major() < 8 {
		clang = "cfe"
	}
	if err := l.fetchComponent(ctx, bc, clang, filepath.Join("src", "tools", "clang")); err != nil {
		return err
	}
	if l.CompilerRT {
		if err := l.fetchComponent(ctx, bc, "compiler-rt", filepath.Join("src", "projects", "compiler-rt")); err != nil {
			return err
		}
	}
	if l.LLD {
		if err := l.fetchComponent(ctx, bc, "lld", filepath.Join("src", "projects", "lld")); err != nil {
			return err
		}
	}
	return nil
}

// fetchComponent downloads one release tarball and unpacks it at dest
// relative to the package directory.
func (l *LLVM) fetchComponent(ctx context.Context, bc *anvil.Context, component, dest string) error {
	tarName := fmt.Sprintf("%s-%s.src.tar.xz", component, l.Version)
	template := llvmReleaseURL
	if l.major() < 8 {
		template = llvmOldReleaseURL
	}
	u, err := anvil.ExpandURL(template, map[string]any{
		"version": l.Version,
		"file":    tarName,
	})
	if err != nil {
		return err
	}
	tarPath := bc.PackageDir(l.Ident(), tarName)
	if err := anvil.Download(ctx, bc, u, tarPath); err != nil {
		return err
	}
	if err := anvil.ExtractTar(ctx, bc, tarPath, bc.PackageDir(l.Ident(), dest), 1); err != nil {
		return err
	}
	return os.Remove(tarPath)
}

func (l *LLVM) IsBuilt(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(bc.PackageDir(l.Ident(), "obj", "bin", "llvm-config"))
}

func (l *LLVM) Build(ctx context.Context, bc *anvil.Context) error {
	// Patches apply here rather than in Fetch so a forced rebuild of a
	// fetched tree still picks them up. The stamps keep them one-shot.
	src := bc.PackageDir(l.Ident(), "src")
	for _, p := range l.Patches {
		path := p
		if !strings.ContainsRune(p, '/') {
			path = patchPath(bc, p+"-"+l.Version)
		}
		if _, err := anvil.ApplyPatch(ctx, bc, src, path, 1); err != nil {
			return err
		}
	}

	obj := bc.PackageDir(l.Ident(), "obj")
	if err := osutil.MkdirAllPerm(obj, 0o777); err != nil {
		return err
	}
	configure := []string{
		"cmake",
		"-G", "Ninja",
		"-DCMAKE_INSTALL_PREFIX=" + bc.PackageDir(l.Ident(), "install"),
		"-DLLVM_BINUTILS_INCDIR=" + bc.PackageDir(l.binutils().Ident(), "install", "include"),
		"-DCMAKE_BUILD_TYPE=Release",
		"-DLLVM_ENABLE_ASSERTIONS=On",
		"-DLLVM_OPTIMIZED_TABLEGEN=On",
		"-DCMAKE_C_COMPILER=gcc",
		// Must match the compiler that builds pass plugins, or their
		// C++ ABI will not line up with the loaded libraries.
		"-DCMAKE_CXX_COMPILER=g++",
	}
	configure = append(configure, l.BuildFlags...)
	configure = append(configure, "../src")
	if _, err := anvil.Run(ctx, bc, configure, &anvil.RunOptions{Dir: obj}); err != nil {
		return err
	}
	build := []string{"cmake", "--build", ".", "--", "-j", strconv.Itoa(bc.Jobs)}
	_, err := anvil.Run(ctx, bc, build, &anvil.RunOptions{Dir: obj})
	return err
}

func (l *LLVM) IsInstalled(ctx context.Context, bc *anvil.Context) bool {
	if len(l.Patches) == 0 {
		// An unpatched toolchain may be satisfied by a preinstalled
		// LLVM whose version matches ~major.minor.
		probe, err := anvil.Run(ctx, bc, []string{"llvm-config", "--version"},
			&anvil.RunOptions{Silent: true, AllowError: true})
		if err == nil && probe.ExitCode == 0 {
			installed := strings.TrimSpace(probe.Output)
			if l.versionOK(installed) {
				return true
			}
			log.Debugf(ctx, "installed llvm-config version %s does not satisfy required %s", installed, l.Version)
		}
	}
	return osutil.Exists(bc.PackageDir(l.Ident(), "install", "bin", "llvm-config"))
}

// versionOK reports whether an installed toolchain version satisfies
// this recipe, accepting any patch release of the same major.minor.
func (l *LLVM) versionOK(installed string) bool {
	want, err := semver.NewVersion(l.Version)
	if err != nil {
		return false
	}
	c, err := semver.NewConstraint(fmt.Sprintf("~%d.%d", want.Major(), want.Minor()))
	if err != nil {
		return false
	}
	have, err := semver.NewVersion(installed)
	if err != nil {
		return false
	}
	return c.Check(have)
}

func (l *LLVM) Install(ctx context.Context, bc *anvil.Context) error {
	obj := bc.PackageDir(l.Ident(), "obj")
	_, err := anvil.Run(ctx, bc, []string{"cmake", "--build", ".", "--target", "install"},
		&anvil.RunOptions{Dir: obj})
	return err
}

// Configure switches the context to the Clang toolchain. Selecting a
// new toolchain resets the flag lists: flags composed for the previous
// toolchain do not carry over.
func (l *LLVM) Configure(ctx context.Context, bc *anvil.Context) error {
	bc.CC = "clang"
	bc.CXX = "clang++"
	bc.AR = "llvm-ar"
	bc.NM = "llvm-nm"
	bc.Ranlib = "llvm-ranlib"
	bc.CFlags = nil
	bc.CXXFlags = nil
	bc.LDFlags = nil
	return nil
}

func (l *LLVM) InstallEnv(ctx context.Context, bc *anvil.Context) error {
	return installEnv(bc, l.Ident())
}

func (l *LLVM) PkgConfig(bc *anvil.Context) []anvil.PkgConfigEntry {
	return basePkgConfig(l.Ident())
}

// AddBuildFlags registers the recipe's command-line flags.
func (l *LLVM) AddBuildFlags(flags *pflag.FlagSet) {
	flags.StringSliceVar(&l.BuildFlags, "llvm-build-flags", l.BuildFlags,
		"extra -D `definitions` for the llvm cmake configure")
}

// AddPluginFlags passes flags through to the gold plugin at link time,
// prefixing each with -Wl,-plugin-opt= before appending it to
// bc.LDFlags.
func AddPluginFlags(bc *anvil.Context, flags ...string) {
	for _, f := range flags {
		bc.LDFlags = append(bc.LDFlags, "-Wl,-plugin-opt="+f)
	}
}
