// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/anvilbuild/anvil"
)

// BuildAll builds every (target, instance) pair with at most workers
// pairs in flight at once. Each pair builds against its own copy of
// bc (see [Engine.BuildTarget]); pairs that share packages coordinate
// through the engine's ident locks, so a shared dependency is still
// realized only once. The first failure cancels the remaining pairs.
func (e *Engine) BuildAll(ctx context.Context, bc *anvil.Context, targets []anvil.Target, instances []anvil.Instance, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, tgt := range targets {
		for _, inst := range instances {
			g.Go(func() error {
				return e.BuildTarget(gctx, bc, tgt, inst)
			})
		}
	}
	return g.Wait()
}
