// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: MIT

package plan

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/anvilbuild/anvil"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.hcl")
	if err := os.WriteFile(path, []byte(content), 0o666); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writePlan(t, `
build "hello" {
  instances = ["baseline", "tcmalloc"]
  workers   = 2
}

build "bench" {
  instances = ["instrumented"]
  jobs      = jobs / 2
}
`)
	got, err := Load(path, Variables{Jobs: 16, Arch: "x86_64", BuildRoot: "/work/build"})
	if err != nil {
		t.Fatal(err)
	}
	want := &File{
		Builds: []*Build{
			{Target: "hello", Instances: []string{"baseline", "tcmalloc"}, Workers: 2},
			{Target: "bench", Instances: []string{"instrumented"}, Jobs: 8},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}
}

func TestLoadVariables(t *testing.T) {
	path := writePlan(t, `
build "hello" {
  instances = [arch, buildroot]
}
`)
	got, err := Load(path, Variables{Jobs: 4, Arch: "aarch64", BuildRoot: "/work/build"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"aarch64", "/work/build"}
	if diff := cmp.Diff(want, got.Builds[0].Instances); diff != "" {
		t.Errorf("instances (-want +got):\n%s", diff)
	}
}

func TestLoadNoInstances(t *testing.T) {
	path := writePlan(t, `
build "hello" {
  instances = []
}
`)
	_, err := Load(path, Variables{})
	if err == nil {
		t.Fatal("no error for build block without instances")
	}
	var ce *anvil.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("error is %T; want *anvil.ConfigError", err)
	}
}

func TestLoadParseError(t *testing.T) {
	path := writePlan(t, `build "hello" {`)
	_, err := Load(path, Variables{})
	if err == nil {
		t.Fatal("no error for malformed plan")
	}
	var ce *anvil.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("error is %T; want *anvil.ConfigError", err)
	}
}

func TestLoadUnknownAttribute(t *testing.T) {
	path := writePlan(t, `
build "hello" {
  instances = ["baseline"]
  shards    = 3
}
`)
	if _, err := Load(path, Variables{}); err == nil {
		t.Fatal("no error for unknown attribute")
	}
}
