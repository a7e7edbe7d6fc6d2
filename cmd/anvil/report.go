// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/anvilbuild/anvil/internal/journal"
)

type reportOptions struct {
	jsonOut bool
	runID   uuid.UUID
	runSet  bool
	last    bool
	limit   int
}

func newReportCommand(g *globalConfig) *cobra.Command {
	c := &cobra.Command{
		Use:                   "report [options]",
		Short:                 "show recorded runs and their stages",
		DisableFlagsInUseLine: true,
		Args:                  cobra.NoArgs,
		SilenceErrors:         true,
		SilenceUsage:          true,
	}
	opts := new(reportOptions)
	c.Flags().BoolVar(&opts.jsonOut, "json", false, "write the report as JSON")
	c.Flags().Var((*uuidFlag)(&opts.runID), "run", "show the stages of the run with this `id`")
	c.Flags().BoolVar(&opts.last, "last", false, "show the stages of the most recent run")
	c.Flags().IntVar(&opts.limit, "limit", 10, "number of runs to list")
	c.RunE = func(cmd *cobra.Command, args []string) error {
		opts.runSet = cmd.Flags().Changed("run")
		return runReport(cmd.Context(), g, opts)
	}
	return c
}

func runReport(ctx context.Context, g *globalConfig, opts *reportOptions) error {
	bc, err := g.buildContext()
	if err != nil {
		return err
	}
	j := journal.Open(g.journalPath(bc))
	defer j.Close()

	if opts.runSet || opts.last {
		id := opts.runID
		if opts.last {
			id = uuid.UUID{}
		}
		report, err := j.Run(ctx, id)
		if err != nil {
			return err
		}
		if report == nil {
			if opts.last {
				return fmt.Errorf("no runs recorded")
			}
			return fmt.Errorf("run %v not found", opts.runID)
		}
		if opts.jsonOut {
			return writeJSON(report)
		}
		return writeRunReport(report)
	}

	runs, err := j.Runs(ctx, opts.limit)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return writeJSON(runs)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tCOMMAND")
	for _, r := range runs {
		fmt.Fprintf(tw, "%v\t%s\t%s\t%s\n",
			r.ID, orRunning(r.Status), r.StartedAt.Format(time.DateTime), r.Argv)
	}
	return tw.Flush()
}

func writeRunReport(r *journal.RunReport) error {
	fmt.Printf("run %v\ncommand: %s\nstarted: %s\nstatus:  %s\n\n",
		r.ID, r.Argv, r.StartedAt.Format(time.DateTime), orRunning(r.Status))
	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENT\tSTAGE\tSTATUS\tELAPSED\tDETAIL")
	for _, s := range r.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n",
			s.Ident, s.Stage, s.Status, s.Elapsed.Round(time.Millisecond), s.Detail)
	}
	return tw.Flush()
}

func orRunning(status string) string {
	if status == "" {
		return "running"
	}
	return status
}

func writeJSON(v any) error {
	data, err := jsonv2.Marshal(v, jsontext.Multiline(true))
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = os.Stdout.Write(data)
	return err
}
