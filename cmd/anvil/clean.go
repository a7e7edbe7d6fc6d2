// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/engine"
)

type cleanOptions struct {
	targets  []string
	packages []string
}

func newCleanCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "clean [options]",
		Short:                 "remove build trees of targets or packages",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(cleanOptions)
	c.Flags().StringSliceVar(&opts.targets, "targets", nil, "`names` of targets to clean")
	c.Flags().StringSliceVar(&opts.packages, "packages", nil, "`idents` of packages to clean")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runClean(cmd.Context(), g, opts)
	}
	return c
}

func runClean(ctx context.Context, g *globalConfig, opts *cleanOptions) error {
	if len(opts.targets) == 0 && len(opts.packages) == 0 {
		return anvil.ConfigErrorf("nothing to clean: name --targets or --packages")
	}
	bc, err := g.buildContext()
	if err != nil {
		return err
	}
	reg := newRegistry()
	for _, name := range opts.targets {
		tgt, err := reg.target(name)
		if err != nil {
			return err
		}
		if err := engine.CleanTarget(ctx, bc, tgt); err != nil {
			return err
		}
	}
	for _, ident := range opts.packages {
		pkg, err := reg.pkg(ident)
		if err != nil {
			return err
		}
		if err := engine.CleanPackage(ctx, bc, pkg); err != nil {
			return err
		}
	}
	return nil
}
