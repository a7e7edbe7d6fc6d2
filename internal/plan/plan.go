// Copyright 2026 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package plan loads build plan files.
//
// A plan is an HCL file declaring the build matrix to run, one block
// per target:
//
//	build "hello" {
//	  instances = ["baseline", "tcmalloc"]
//	  workers   = 2
//	  jobs      = jobs
//	}
//
// Expressions may reference the variables jobs (the configured default
// job count), arch (the machine architecture), and buildroot (the
// absolute build directory).
package plan

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/anvilbuild/anvil"
)

// A File is a parsed plan.
type File struct {
	Builds []*Build `hcl:"build,block"`
}

// A Build is one build block: a target and the instances to build it
// under.
type Build struct {
	Target    string   `hcl:"target,label"`
	Instances []string `hcl:"instances"`
	// Jobs overrides the subprocess job count for this target's
	// builds. Zero means the configured default.
	Jobs int `hcl:"jobs,optional"`
	// Workers overrides how many instance builds run concurrently.
	// Zero means one.
	Workers int `hcl:"workers,optional"`
}

// Variables are the values plan expressions can reference.
type Variables struct {
	Jobs      int
	Arch      string
	BuildRoot string
}

// Load parses and decodes the plan at path.
func Load(path string, vars Variables) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, anvil.ConfigErrorf("parse plan %s: %v", path, diags)
	}
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"jobs":      cty.NumberIntVal(int64(vars.Jobs)),
			"arch":      cty.StringVal(vars.Arch),
			"buildroot": cty.StringVal(vars.BuildRoot),
		},
	}
	file := new(File)
	if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, file); diags.HasErrors() {
		return nil, anvil.ConfigErrorf("decode plan %s: %v", path, diags)
	}
	for _, b := range file.Builds {
		if len(b.Instances) == 0 {
			return nil, anvil.ConfigErrorf("plan %s: build %q names no instances", path, b.Target)
		}
	}
	return file, nil
}
