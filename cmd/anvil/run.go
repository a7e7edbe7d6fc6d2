// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/engine"
	"github.com/anvilbuild/anvil/internal/osutil"
)

type runOptions struct {
	target   string
	args     []string
	instance string
	wrapper  string
}

func newRunCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "run [options] TARGET [ARG [...]]",
		Short:                 "build a target if needed, then run it",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(runOptions)
	reg := newRegistry()
	c.Flags().StringVar(&opts.instance, "instance", "baseline", "`name` of the instance to run under")
	c.Flags().StringVar(&opts.wrapper, "wrapper", "", "`command` to prefix to the target's command line")
	reg.addBuildFlags(c.Flags())
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.target = args[0]
		opts.args = args[1:]
		return runRun(cmd.Context(), g, reg, opts)
	}
	return c
}

func runRun(ctx context.Context, g *globalConfig, reg *registry, opts *runOptions) (err error) {
	bc, err := g.buildContext()
	if err != nil {
		return err
	}
	if err := bc.OpenRunLog(); err != nil {
		return err
	}
	defer bc.CloseRunLog()
	bc.RunWrapper = opts.wrapper

	tgt, err := reg.target(opts.target)
	if err != nil {
		return err
	}
	inst, err := reg.instance(opts.instance)
	if err != nil {
		return err
	}

	eng := new(engine.Engine)
	if missingBinaries(ctx, bc, tgt, inst) {
		end := attachJournal(ctx, g, bc, eng)
		buildErr := eng.BuildTarget(ctx, bc, tgt, inst)
		end(buildErr)
		if buildErr != nil {
			return buildErr
		}
	}
	return eng.RunTarget(ctx, bc, tgt, inst, opts.args)
}

// missingBinaries reports whether the target needs a build before it
// can run. A target that does not report its binaries is always built.
func missingBinaries(ctx context.Context, bc *anvil.Context, tgt anvil.Target, inst anvil.Instance) bool {
	lister, ok := tgt.(anvil.BinaryLister)
	if !ok {
		return true
	}
	bins, err := lister.BinaryPaths(ctx, bc, inst)
	if err != nil || len(bins) == 0 {
		return true
	}
	for _, bin := range bins {
		if !osutil.Exists(bin) {
			return true
		}
	}
	return false
}
