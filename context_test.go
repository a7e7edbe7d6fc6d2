// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/log/testlog"
)

func TestEnvMap(t *testing.T) {
	m := EnvMap{}
	m.Set("LDFLAGS", "-L/opt/lib")
	m.Append("LDFLAGS", "-lfoo")
	m.Prepend("LDFLAGS", "-L/usr/local/lib")

	want := EnvMap{"LDFLAGS": {"-L/usr/local/lib", "-L/opt/lib", "-lfoo"}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("env map (-want +got):\n%s", diff)
	}

	sep := string(filepath.ListSeparator)
	wantFlat := map[string]string{
		"LDFLAGS": strings.Join([]string{"-L/usr/local/lib", "-L/opt/lib", "-lfoo"}, sep),
	}
	if diff := cmp.Diff(wantFlat, m.Flatten()); diff != "" {
		t.Errorf("Flatten() (-want +got):\n%s", diff)
	}

	m.Set("LDFLAGS", "-lbar")
	if diff := cmp.Diff(EnvMap{"LDFLAGS": {"-lbar"}}, m); diff != "" {
		t.Errorf("after Set (-want +got):\n%s", diff)
	}
}

func TestEnvMapClone(t *testing.T) {
	m := EnvMap{"PATH": {"/usr/bin"}}
	m2 := m.Clone()
	m2.Append("PATH", "/opt/bin")
	m2.Set("CC", "clang")

	want := EnvMap{"PATH": {"/usr/bin"}}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("original mutated through clone (-want +got):\n%s", diff)
	}
}

func TestEnvMapPrependPath(t *testing.T) {
	const key = "ANVIL_TEST_SEARCH_PATH"
	sep := string(filepath.ListSeparator)

	t.Run("SeedsFromEnvironment", func(t *testing.T) {
		t.Setenv(key, strings.Join([]string{"/usr/bin", "/bin"}, sep))
		m := EnvMap{}
		m.PrependPath(key, "/opt/anvil/bin")
		want := EnvMap{key: {"/opt/anvil/bin", "/usr/bin", "/bin"}}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Errorf("env map (-want +got):\n%s", diff)
		}
	})

	t.Run("SeedsOnlyOnce", func(t *testing.T) {
		t.Setenv(key, "/usr/bin")
		m := EnvMap{}
		m.PrependPath(key, "/first")
		m.PrependPath(key, "/second")
		want := EnvMap{key: {"/second", "/first", "/usr/bin"}}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Errorf("env map (-want +got):\n%s", diff)
		}
	})

	t.Run("EmptyEnvironment", func(t *testing.T) {
		t.Setenv(key, "")
		m := EnvMap{}
		m.PrependPath(key, "/only")
		want := EnvMap{key: {"/only"}}
		if diff := cmp.Diff(want, m); diff != "" {
			t.Errorf("env map (-want +got):\n%s", diff)
		}
	})
}

func TestNew(t *testing.T) {
	bc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(bc.Paths.Root) {
		t.Errorf("Paths.Root = %q; want absolute", bc.Paths.Root)
	}
	wantPaths := Paths{
		Root:      bc.Paths.Root,
		BuildRoot: filepath.Join(bc.Paths.Root, "build"),
		Log:       filepath.Join(bc.Paths.Root, "build", "log"),
		DebugLog:  filepath.Join(bc.Paths.Root, "build", "log", "debug.txt"),
		RunLog:    filepath.Join(bc.Paths.Root, "build", "log", "commands.txt"),
		Packages:  filepath.Join(bc.Paths.Root, "build", "packages"),
		Targets:   filepath.Join(bc.Paths.Root, "build", "targets"),
	}
	if diff := cmp.Diff(wantPaths, bc.Paths); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
	if bc.Jobs < 1 {
		t.Errorf("Jobs = %d; want >= 1", bc.Jobs)
	}
	if bc.CC == "" || bc.CXX == "" {
		t.Errorf("default toolchain incomplete: CC=%q CXX=%q", bc.CC, bc.CXX)
	}
}

func TestContextCopy(t *testing.T) {
	bc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bc.CFlags = []string{"-O2"}
	bc.LDFlags = []string{"-flto"}
	bc.RunEnv.Set("PATH", "/usr/bin")
	bc.Extra["patchdir"] = "/patches"

	bc2 := bc.Copy()
	bc2.CFlags = append(bc2.CFlags, "-g")
	bc2.LDFlags[0] = "-fuse-ld=gold"
	bc2.RunEnv.Append("PATH", "/opt/bin")
	bc2.Extra["patchdir"] = "/elsewhere"
	bc2.LogSinks = append(bc2.LogSinks, os.Stderr)
	bc2.Jobs = bc.Jobs + 7

	if diff := cmp.Diff([]string{"-O2"}, bc.CFlags); diff != "" {
		t.Errorf("CFlags mutated through copy (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"-flto"}, bc.LDFlags); diff != "" {
		t.Errorf("LDFlags mutated through copy (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(EnvMap{"PATH": {"/usr/bin"}}, bc.RunEnv); diff != "" {
		t.Errorf("RunEnv mutated through copy (-want +got):\n%s", diff)
	}
	if got, want := bc.Extra["patchdir"], "/patches"; got != want {
		t.Errorf("Extra[patchdir] = %q; want %q", got, want)
	}
	if len(bc.LogSinks) != 0 {
		t.Errorf("LogSinks mutated through copy: %d sinks", len(bc.LogSinks))
	}
	if bc2.Jobs == bc.Jobs {
		t.Errorf("Jobs not independent: both %d", bc.Jobs)
	}
	if got, want := bc2.Paths.Root, bc.Paths.Root; got != want {
		t.Errorf("copy root = %q; want %q", got, want)
	}
}

func TestPackageDir(t *testing.T) {
	bc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got := bc.PackageDir("llvm-11.1.0", "obj", "bin")
	want := filepath.Join(bc.Paths.Packages, "llvm-11.1.0", "obj", "bin")
	if got != want {
		t.Errorf("PackageDir = %q; want %q", got, want)
	}
	if got, want := bc.TargetDir("hello"), filepath.Join(bc.Paths.Targets, "hello"); got != want {
		t.Errorf("TargetDir = %q; want %q", got, want)
	}
}

func TestRunLogSharedAcrossCopies(t *testing.T) {
	bc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := bc.OpenRunLog(); err != nil {
		t.Fatal(err)
	}
	defer bc.CloseRunLog()

	bc2 := bc.Copy()
	if bc2.runLogWriter() == nil {
		t.Error("copy lost the open run log handle")
	}
	if _, err := bc2.runLogWriter().Write([]byte("shared\n")); err != nil {
		t.Errorf("write through copy: %v", err)
	}
}

func TestCloseRunLogIdempotent(t *testing.T) {
	bc, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := bc.CloseRunLog(); err != nil {
		t.Errorf("close before open: %v", err)
	}
	if err := bc.OpenRunLog(); err != nil {
		t.Fatal(err)
	}
	if err := bc.OpenRunLog(); err != nil {
		t.Errorf("second open: %v", err)
	}
	if err := bc.CloseRunLog(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := bc.CloseRunLog(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}
