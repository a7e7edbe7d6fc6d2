// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package targets provides the built-in targets.
package targets

import (
	"context"
	"iter"
	"path/filepath"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
)

// helloSource is a minimal C program that exercises the allocator, so
// building it under different instances produces observably different
// binaries.
const helloSource = `#include <stdio.h>
#include <stdlib.h>
#include <string.h>

int main(int argc, char **argv) {
	const char *who = argc > 1 ? argv[1] : "anvil";
	char *msg = malloc(strlen(who) + 16);
	if (msg == NULL)
		return 1;
	sprintf(msg, "hello from %s", who);
	puts(msg);
	free(msg);
	return 0;
}
`

// Hello is a one-file C target. Its source is written into the target
// tree rather than downloaded, and each instance builds its own binary
// under obj/<instance>/.
type Hello struct{}

func (h *Hello) Name() string { return "hello" }

func (h *Hello) Dependencies() iter.Seq[anvil.Package] {
	return anvil.NoDeps()
}

func (h *Hello) source(bc *anvil.Context) string {
	return bc.TargetDir(h.Name(), "src", "hello.c")
}

func (h *Hello) binary(bc *anvil.Context, inst anvil.Instance) string {
	return bc.TargetDir(h.Name(), "obj", inst.Name(), "hello")
}

func (h *Hello) IsFetched(ctx context.Context, bc *anvil.Context) bool {
	return osutil.Exists(h.source(bc))
}

func (h *Hello) Fetch(ctx context.Context, bc *anvil.Context) error {
	src := h.source(bc)
	if err := osutil.MkdirAllPerm(filepath.Dir(src), 0o777); err != nil {
		return err
	}
	return osutil.WriteFilePerm(src, []byte(helloSource), 0o666)
}

func (h *Hello) Build(ctx context.Context, bc *anvil.Context, inst anvil.Instance) error {
	bin := h.binary(bc, inst)
	if err := osutil.MkdirAllPerm(filepath.Dir(bin), 0o777); err != nil {
		return err
	}
	args := []string{bc.CC}
	args = append(args, bc.CFlags...)
	args = append(args, "-o", bin, h.source(bc))
	args = append(args, bc.LDFlags...)
	args = append(args, bc.ExtraLibs...)
	_, err := anvil.Run(ctx, bc, args, nil)
	return err
}

func (h *Hello) BinaryPaths(ctx context.Context, bc *anvil.Context, inst anvil.Instance) ([]string, error) {
	return []string{h.binary(bc, inst)}, nil
}

func (h *Hello) Run(ctx context.Context, bc *anvil.Context, inst anvil.Instance, args []string) error {
	argv := []string{h.binary(bc, inst)}
	if bc.RunWrapper != "" {
		argv = append([]string{bc.RunWrapper}, argv...)
	}
	argv = append(argv, args...)
	_, err := anvil.Run(ctx, bc, argv, &anvil.RunOptions{Stream: true})
	return err
}
