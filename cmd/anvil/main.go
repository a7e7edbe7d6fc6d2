// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

func main() {
	rootCommand := &cobra.Command{
		Use:           "anvil",
		Short:         "staged build orchestrator",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	g := defaultGlobalConfig()
	if err := g.mergeEnvironment(); err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}

	var configPath string
	rootFlag := g.Root
	jobsFlag := g.Jobs
	debugFlag := g.Debug
	rootCommand.PersistentFlags().StringVar(&configPath, "config", "", "`path` to an extra configuration file")
	rootCommand.PersistentFlags().StringVar(&rootFlag, "root", rootFlag, "`path` to the workspace root")
	rootCommand.PersistentFlags().IntVar(&jobsFlag, "jobs", jobsFlag, "parallelism handed to subprocess build systems")
	rootCommand.PersistentFlags().BoolVar(&debugFlag, "debug", debugFlag, "show debugging output")

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Files, then environment, then explicit flags. The root is
		// settled first since it decides which workspace file is read.
		flags := cmd.Flags()
		if flags.Changed("root") {
			g.Root = rootFlag
		}
		if err := g.mergeFiles(g.configFilePaths(configPath)); err != nil {
			return err
		}
		if err := g.mergeEnvironment(); err != nil {
			return err
		}
		if flags.Changed("root") {
			g.Root = rootFlag
		}
		if flags.Changed("jobs") {
			g.Jobs = jobsFlag
		}
		if flags.Changed("debug") {
			g.Debug = debugFlag
		}
		if err := g.validate(); err != nil {
			return err
		}
		initLogging(g.Debug)
		return nil
	}

	rootCommand.AddCommand(
		newBuildCommand(g),
		newPkgBuildCommand(g),
		newRunCommand(g),
		newCleanCommand(g),
		newConfigCommand(g),
		newPkgConfigCommand(g),
		newReportCommand(g),
		newExecHookCommand(g),
		newVersionCommand(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(debugFlag)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "anvil: ", log.StdFlags, nil),
		})
	})
}
