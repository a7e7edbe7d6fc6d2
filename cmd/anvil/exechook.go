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

type execHookOptions struct {
	hook     string
	target   string
	instance string
}

func newExecHookCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "exec-hook [options] HOOK TARGET",
		Short:                 "run a post-build hook over a target's built binaries",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ExactArgs(2),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(execHookOptions)
	c.Flags().StringVar(&opts.instance, "instance", "baseline", "`name` of the instance whose binaries to use")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.hook = args[0]
		opts.target = args[1]
		return runExecHook(cmd.Context(), g, opts)
	}
	return c
}

func runExecHook(ctx context.Context, g *globalConfig, opts *execHookOptions) error {
	hook := buildHooks[opts.hook]
	if hook == nil {
		return unknownNameError("hook", opts.hook, buildHooks)
	}
	bc, err := g.buildContext()
	if err != nil {
		return err
	}
	if err := bc.OpenRunLog(); err != nil {
		return err
	}
	defer bc.CloseRunLog()

	reg := newRegistry()
	tgt, err := reg.target(opts.target)
	if err != nil {
		return err
	}
	inst, err := reg.instance(opts.instance)
	if err != nil {
		return err
	}
	lister, ok := tgt.(anvil.BinaryLister)
	if !ok {
		return anvil.ConfigErrorf("target %s reports no binaries to hook", opts.target)
	}
	bins, err := lister.BinaryPaths(ctx, bc, inst)
	if err != nil {
		return err
	}
	for _, bin := range bins {
		if !osutil.Exists(bin) {
			return anvil.ConfigErrorf("%s is not built for instance %s", bin, inst.Name())
		}
	}

	bc.Hooks.PostBuild = []anvil.PostBuildHook{hook}
	return new(engine.Engine).PostBuildHooks(ctx, bc, tgt, inst)
}
