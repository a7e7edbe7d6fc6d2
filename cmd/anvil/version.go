// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"
	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
)

// anvilVersion is the version string filled in by the linker. When it
// is empty, [anvil.Version] is reported instead.
var anvilVersion string

func newVersionCommand() *cobra.Command {
	c := &cobra.Command{
		Use:                   "version",
		Short:                 "show version information",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	c.RunE = func(cmd *cobra.Command, args []string) error {
		return runVersion(cmd.Context())
	}
	return c
}

func runVersion(ctx context.Context) error {
	v := anvilVersion
	if v == "" {
		v = anvil.Version
	}
	fmt.Printf("anvil version %s\nSystem: %s/%s\nCPUs:   %d\n", v, runtime.GOOS, runtime.GOARCH, runtime.NumCPU())

	if runtime.GOOS == "linux" {
		output, err := exec.CommandContext(ctx, "uname", "-srv").Output()
		if err != nil {
			log.Errorf(ctx, "uname: %v", err)
		} else {
			output = bytes.TrimSuffix(output, []byte("\n"))
			fmt.Printf("OS:     %s\n", output)
		}
	}
	return nil
}
