// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/engine"
)

type pkgBuildOptions struct {
	idents []string
	force  bool
	stream bool
}

func newPkgBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "pkg-build [options] PACKAGE [...]",
		Short:                 "realize one or more package subtrees",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(pkgBuildOptions)
	reg := newRegistry()
	c.Flags().BoolVar(&opts.force, "force", false, "re-run stages even when their work looks done")
	streamDefault := !term.IsTerminal(int(os.Stdout.Fd()))
	c.Flags().BoolVar(&opts.stream, "stream", streamDefault, "copy subprocess output to standard output")
	reg.addBuildFlags(c.Flags())
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.idents = args
		return runPkgBuild(cmd.Context(), g, reg, opts)
	}
	return c
}

func runPkgBuild(ctx context.Context, g *globalConfig, reg *registry, opts *pkgBuildOptions) (err error) {
	bc, err := g.buildContext()
	if err != nil {
		return err
	}
	if err := bc.OpenRunLog(); err != nil {
		return err
	}
	defer bc.CloseRunLog()
	if opts.stream && !g.Debug {
		bc.LogSinks = append(bc.LogSinks, os.Stdout)
	}

	roots := make([]anvil.Package, 0, len(opts.idents))
	for _, ident := range opts.idents {
		pkg, err := reg.pkg(ident)
		if err != nil {
			return err
		}
		roots = append(roots, pkg)
	}

	eng := &engine.Engine{Force: opts.force}
	end := attachJournal(ctx, g, bc, eng)
	defer func() { end(err) }()
	return eng.Realize(ctx, bc, roots...)
}
