// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package pkgs

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/log/testlog"
)

func TestGperftoolsConfigure(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	bc := newTestContext(t)

	// Compose the way the graph does: the unwinder first, then the
	// allocator on top.
	u := &LibUnwind{Version: "1.4-rc1"}
	g := &Gperftools{Commit: "gperftools-2.7", Unwind: u}
	if err := u.Configure(ctx, bc); err != nil {
		t.Fatal(err)
	}
	if err := g.Configure(ctx, bc); err != nil {
		t.Fatal(err)
	}

	wantCompile := []string{
		"-fno-builtin-malloc",
		"-fno-builtin-calloc",
		"-fno-builtin-realloc",
		"-fno-builtin-free",
		"-I", bc.PackageDir("gperftools-gperftools-2.7", "install", "include", "gperftools"),
	}
	if diff := cmp.Diff(wantCompile, bc.CFlags); diff != "" {
		t.Errorf("CFlags (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantCompile, bc.CXXFlags); diff != "" {
		t.Errorf("CXXFlags (-want +got):\n%s", diff)
	}
	wantLink := []string{
		"-L" + bc.PackageDir("libunwind-1.4-rc1", "install", "lib"),
		"-lunwind",
		"-L" + bc.PackageDir("gperftools-gperftools-2.7", "install", "lib"),
		"-ltcmalloc",
		"-lpthread",
	}
	if diff := cmp.Diff(wantLink, bc.LDFlags); diff != "" {
		t.Errorf("LDFlags (-want +got):\n%s", diff)
	}
}

func TestGperftoolsIdent(t *testing.T) {
	g := &Gperftools{Commit: "bf840dec0495e17f5c8403e68e10b9d6bf05c559"}
	if got, want := g.Ident(), "gperftools-bf840dec0495e17f5c8403e68e10b9d6bf05c559"; got != want {
		t.Errorf("Ident() = %q; want %q", got, want)
	}
}

func TestGperftoolsDefaultUnwind(t *testing.T) {
	g := &Gperftools{Commit: "gperftools-2.7"}
	if got, want := g.unwind().Ident(), DefaultLibUnwind.Ident(); got != want {
		t.Errorf("default unwinder = %q; want %q", got, want)
	}
}

func TestLibUnwindConfigure(t *testing.T) {
	ctx := testlog.WithTB(context.Background(), t)
	bc := newTestContext(t)
	u := &LibUnwind{Version: "1.4-rc1"}
	if err := u.Configure(ctx, bc); err != nil {
		t.Fatal(err)
	}
	want := []string{"-L" + bc.PackageDir("libunwind-1.4-rc1", "install", "lib"), "-lunwind"}
	if diff := cmp.Diff(want, bc.LDFlags); diff != "" {
		t.Errorf("LDFlags (-want +got):\n%s", diff)
	}
}
