// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/engine"
	"github.com/anvilbuild/anvil/internal/journal"
	"github.com/anvilbuild/anvil/internal/plan"
)

type buildOptions struct {
	targets   []string
	instances []string
	planFile  string
	workers   int
	force     bool
	stream    bool
}

func newBuildCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "build [options] [TARGET [...]]",
		Short:                 "build targets under one or more instances",
		DisableFlagsInUseLine: true,
		Args:                  cobra.ArbitraryArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(buildOptions)
	reg := newRegistry()
	c.Flags().StringSliceVar(&opts.instances, "instances", []string{"baseline"}, "`names` of instances to build under")
	c.Flags().StringVar(&opts.planFile, "plan", "", "`path` to an HCL build plan, instead of positional targets")
	c.Flags().IntVar(&opts.workers, "workers", 1, "number of target/instance pairs to build in parallel")
	c.Flags().BoolVar(&opts.force, "force", false, "re-run stages even when their work looks done")
	// Interactive sessions get the compact per-stage log; everything
	// still lands in the run log. Non-interactive output (CI) defaults
	// to the full command stream.
	streamDefault := !term.IsTerminal(int(os.Stdout.Fd()))
	c.Flags().BoolVar(&opts.stream, "stream", streamDefault, "copy subprocess output to standard output")
	reg.addBuildFlags(c.Flags())
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.targets = args
		return runBuild(cmd.Context(), g, reg, opts)
	}
	return c
}

// buildUnit is one scheduling unit: a set of target/instance pairs
// built with a common job count and worker limit.
type buildUnit struct {
	targets   []anvil.Target
	instances []anvil.Instance
	jobs      int
	workers   int
}

func runBuild(ctx context.Context, g *globalConfig, reg *registry, opts *buildOptions) (err error) {
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

	units, err := collectBuildUnits(reg, bc, opts)
	if err != nil {
		return err
	}

	eng := &engine.Engine{Force: opts.force}
	end := attachJournal(ctx, g, bc, eng)
	defer func() { end(err) }()

	for _, u := range units {
		ubc := bc
		if u.jobs > 0 {
			ubc = bc.Copy()
			ubc.Jobs = u.jobs
		}
		workers := u.workers
		if workers < 1 {
			workers = opts.workers
		}
		if err := eng.BuildAll(ctx, ubc, u.targets, u.instances, workers); err != nil {
			return err
		}
	}
	return nil
}

// collectBuildUnits resolves the command line (or the plan file it
// names) against the registry.
func collectBuildUnits(reg *registry, bc *anvil.Context, opts *buildOptions) ([]buildUnit, error) {
	if opts.planFile == "" {
		if len(opts.targets) == 0 {
			return nil, anvil.ConfigErrorf("no targets to build")
		}
		targets, err := reg.targetList(opts.targets)
		if err != nil {
			return nil, err
		}
		instances, err := reg.instanceList(opts.instances)
		if err != nil {
			return nil, err
		}
		return []buildUnit{{targets: targets, instances: instances, workers: opts.workers}}, nil
	}

	if len(opts.targets) > 0 {
		return nil, anvil.ConfigErrorf("--plan and positional targets are mutually exclusive")
	}
	f, err := plan.Load(opts.planFile, plan.Variables{
		Jobs:      bc.Jobs,
		Arch:      bc.Arch,
		BuildRoot: bc.Paths.BuildRoot,
	})
	if err != nil {
		return nil, err
	}
	units := make([]buildUnit, 0, len(f.Builds))
	for _, b := range f.Builds {
		tgt, err := reg.target(b.Target)
		if err != nil {
			return nil, err
		}
		instances, err := reg.instanceList(b.Instances)
		if err != nil {
			return nil, err
		}
		units = append(units, buildUnit{
			targets:   []anvil.Target{tgt},
			instances: instances,
			jobs:      b.Jobs,
			workers:   b.Workers,
		})
	}
	return units, nil
}

// attachJournal opens a journal run and attaches it to the engine as
// its stage recorder. The returned function finishes the run with a
// status derived from the build error. Journal trouble costs the
// record, never the build.
func attachJournal(ctx context.Context, g *globalConfig, bc *anvil.Context, eng *engine.Engine) (end func(error)) {
	j := journal.Open(g.journalPath(bc))
	if _, err := j.BeginRun(ctx, os.Args); err != nil {
		log.Warnf(ctx, "journal disabled: %v", err)
		j.Close()
		return func(error) {}
	}
	eng.Recorder = j
	return func(buildErr error) {
		status := "ok"
		if buildErr != nil {
			status = "failed"
		}
		if err := j.EndRun(ctx, status); err != nil {
			log.Warnf(ctx, "journal: %v", err)
		}
		if err := j.Close(); err != nil {
			log.Warnf(ctx, "close journal: %v", err)
		}
	}
}
