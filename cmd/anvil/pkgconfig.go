// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil"
)

func newPkgConfigCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "pkg-config PACKAGE [OPTION [...]]",
		Short:                 "print paths and flags a package exposes",
		DisableFlagsInUseLine: true,
		Args:                  cobra.MinimumNArgs(1),
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runPkgConfig(cmd.Context(), g, args[0], args[1:])
	}
	return c
}

func runPkgConfig(ctx context.Context, g *globalConfig, ident string, options []string) error {
	bc, err := g.buildContext()
	if err != nil {
		return err
	}
	reg := newRegistry()
	pkg, err := reg.pkg(ident)
	if err != nil {
		return err
	}
	pc, ok := pkg.(anvil.PkgConfiger)
	if !ok {
		return anvil.ConfigErrorf("package %s exposes no pkg-config values", ident)
	}
	entries := pc.PkgConfig(bc)

	if len(options) == 0 {
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\n", e.Option, e.Help)
		}
		return tw.Flush()
	}

	for _, opt := range options {
		e, err := findPkgConfigEntry(entries, ident, opt)
		if err != nil {
			return err
		}
		fmt.Println(e.Value(bc))
	}
	return nil
}

func findPkgConfigEntry(entries []anvil.PkgConfigEntry, ident, option string) (anvil.PkgConfigEntry, error) {
	known := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Option == option {
			return e, nil
		}
		known = append(known, e.Option)
	}
	return anvil.PkgConfigEntry{}, anvil.ConfigErrorf("package %s has no option %q (have %s)",
		ident, option, strings.Join(known, ", "))
}
