// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
)

// PostBuildHooks invokes every registered post-build hook once per
// binary the target produced, with the working directory set to the
// binary's containing directory. Targets that do not report binaries
// are skipped.
func (e *Engine) PostBuildHooks(ctx context.Context, bc *anvil.Context, tgt anvil.Target, inst anvil.Instance) error {
	if len(bc.Hooks.PostBuild) == 0 {
		return nil
	}
	lister, ok := tgt.(anvil.BinaryLister)
	if !ok {
		log.Debugf(ctx, "target %s reports no binaries, skipping hooks", tgt.Name())
		return nil
	}
	binaries, err := lister.BinaryPaths(ctx, bc, inst)
	if err != nil {
		return fmt.Errorf("hooks for %s: %v", tgt.Name(), err)
	}
	for _, bin := range binaries {
		bin, err := filepath.Abs(bin)
		if err != nil {
			return fmt.Errorf("hooks for %s: %v", tgt.Name(), err)
		}
		bc.Workdir = filepath.Dir(bin)
		for _, hook := range bc.Hooks.PostBuild {
			if err := hook(ctx, bc, bin); err != nil {
				return fmt.Errorf("post-build hook for %s: %v", bin, err)
			}
		}
	}
	return nil
}
