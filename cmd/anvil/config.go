// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strconv"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/spf13/cobra"
	"github.com/tailscale/hujson"

	"github.com/anvilbuild/anvil"
)

// globalConfig is the merged process configuration. Sources are, in
// increasing precedence: built-in defaults, configuration files,
// environment variables applied at startup, and command-line flags.
type globalConfig struct {
	Debug bool `json:"debug"`
	// Root is the workspace root directory.
	Root string `json:"root"`
	// Jobs overrides the subprocess parallelism. Zero keeps the
	// context default of one job per CPU.
	Jobs int `json:"jobs"`
	// PatchDir overrides where bare patch names resolve.
	PatchDir string `json:"patchDir"`
	// JournalDB overrides the journal database location.
	JournalDB string `json:"journalDB"`
	// Hooks names post-build hooks to run after every target build.
	Hooks []string `json:"hooks"`
}

func defaultGlobalConfig() *globalConfig {
	return &globalConfig{
		Root: ".",
	}
}

func (g *globalConfig) mergeEnvironment() error {
	if root := os.Getenv("ANVIL_ROOT"); root != "" {
		g.Root = root
	}
	if jobs := os.Getenv("ANVIL_JOBS"); jobs != "" {
		n, err := strconv.Atoi(jobs)
		if err != nil {
			return fmt.Errorf("ANVIL_JOBS: %v", err)
		}
		g.Jobs = n
	}
	return nil
}

func (g *globalConfig) mergeFiles(paths iter.Seq[string]) error {
	for path := range paths {
		huJSONData, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		jsonData, err := hujson.Standardize(huJSONData)
		if err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
		if err := jsonv2.Unmarshal(jsonData, g, jsonv2.RejectUnknownMembers(false)); err != nil {
			return fmt.Errorf("read %s: %v", path, err)
		}
	}

	return nil
}

// configFilePaths yields the configuration files to merge, lowest
// precedence first: the user configuration, the workspace
// configuration, then an explicit --config file.
func (g *globalConfig) configFilePaths(extra string) iter.Seq[string] {
	return func(yield func(string) bool) {
		if dir := configDir(); dir != "" {
			if !yield(filepath.Join(dir, "anvil", "config.jwcc")) {
				return
			}
		}
		if !yield(filepath.Join(g.Root, "anvil.jwcc")) {
			return
		}
		if extra != "" {
			yield(extra)
		}
	}
}

func (g *globalConfig) validate() error {
	if g.Root == "" {
		return fmt.Errorf("workspace root not set")
	}
	if g.Jobs < 0 {
		return fmt.Errorf("jobs must not be negative")
	}
	for _, name := range g.Hooks {
		if buildHooks[name] == nil {
			return unknownNameError("hook", name, buildHooks)
		}
	}
	return nil
}

// buildContext creates the build context this configuration describes.
func (g *globalConfig) buildContext() (*anvil.Context, error) {
	bc, err := anvil.New(g.Root)
	if err != nil {
		return nil, err
	}
	if g.Jobs > 0 {
		bc.Jobs = g.Jobs
	}
	if g.PatchDir != "" {
		dir, err := filepath.Abs(g.PatchDir)
		if err != nil {
			return nil, err
		}
		bc.Extra["patchdir"] = dir
	}
	for _, name := range g.Hooks {
		hook := buildHooks[name]
		if hook == nil {
			return nil, unknownNameError("hook", name, buildHooks)
		}
		bc.Hooks.PostBuild = append(bc.Hooks.PostBuild, hook)
	}
	return bc, nil
}

// journalPath returns the journal database location for a workspace.
func (g *globalConfig) journalPath(bc *anvil.Context) string {
	if g.JournalDB != "" {
		return g.JournalDB
	}
	return filepath.Join(bc.Paths.Log, "journal.db")
}

func newConfigCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "config",
		Short:                 "show the merged configuration",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		data, err := jsonv2.Marshal(g, jsontext.Multiline(true))
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = os.Stdout.Write(data)
		return err
	}
	return c
}
