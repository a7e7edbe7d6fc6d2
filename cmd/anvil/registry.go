// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/instances"
	"github.com/anvilbuild/anvil/internal/xmaps"
	"github.com/anvilbuild/anvil/pkgs"
	"github.com/anvilbuild/anvil/targets"
)

// Versions of the built-in recipes.
const (
	llvmVersion       = "11.1.0"
	gperftoolsCommit  = "gperftools-2.7"
	pyelftoolsVersion = "0.29"
)

// buildHooks are the post-build hooks that configuration files and the
// exec-hook command can name.
var buildHooks = map[string]anvil.PostBuildHook{
	"size": sizeHook,
}

// sizeHook prints the section sizes of a produced binary.
func sizeHook(ctx context.Context, bc *anvil.Context, binary string) error {
	_, err := anvil.Run(ctx, bc, []string{"size", binary}, &anvil.RunOptions{Stream: true})
	return err
}

// registry is the set of packages, instances, and targets this binary
// knows how to build, keyed by ident or name.
type registry struct {
	packages  map[string]anvil.Package
	instances map[string]anvil.Instance
	targets   map[string]anvil.Target
}

func newRegistry() *registry {
	llvm := &pkgs.LLVM{Version: llvmVersion, CompilerRT: true}
	gperftools := &pkgs.Gperftools{Commit: gperftoolsCommit}
	passes := &pkgs.LLVMPasses{
		LLVM:        llvm,
		SrcDir:      filepath.Join("llvm-passes", llvmVersion),
		BuildSuffix: "builtin-" + llvmVersion,
	}
	pyelftools := &pkgs.PyElfTools{Version: pyelftoolsVersion}

	r := &registry{
		packages:  make(map[string]anvil.Package),
		instances: make(map[string]anvil.Instance),
		targets:   make(map[string]anvil.Target),
	}
	for _, pkg := range []anvil.Package{
		pkgs.DefaultBinutils,
		pkgs.DefaultLibUnwind,
		llvm,
		gperftools,
		passes,
		pyelftools,
	} {
		r.packages[pkg.Ident()] = pkg
	}
	for _, inst := range []anvil.Instance{
		&instances.Baseline{LLVM: llvm},
		&instances.TCMalloc{LLVM: llvm, Gperftools: gperftools},
		&instances.Instrumented{LLVM: llvm, Passes: passes},
	} {
		r.instances[inst.Name()] = inst
	}
	for _, tgt := range []anvil.Target{
		new(targets.Hello),
	} {
		r.targets[tgt.Name()] = tgt
	}
	return r
}

// addBuildFlags registers the flags of every recipe that has some on a
// build command's flag set, in a stable order.
func (r *registry) addBuildFlags(flags *pflag.FlagSet) {
	for _, ident := range xmaps.SortedKeys(r.packages) {
		if f, ok := r.packages[ident].(anvil.BuildFlagger); ok {
			f.AddBuildFlags(flags)
		}
	}
	for _, name := range xmaps.SortedKeys(r.instances) {
		if f, ok := r.instances[name].(anvil.BuildFlagger); ok {
			f.AddBuildFlags(flags)
		}
	}
	for _, name := range xmaps.SortedKeys(r.targets) {
		if f, ok := r.targets[name].(anvil.BuildFlagger); ok {
			f.AddBuildFlags(flags)
		}
	}
}

func (r *registry) pkg(ident string) (anvil.Package, error) {
	pkg := r.packages[ident]
	if pkg == nil {
		return nil, unknownNameError("package", ident, r.packages)
	}
	return pkg, nil
}

func (r *registry) instance(name string) (anvil.Instance, error) {
	inst := r.instances[name]
	if inst == nil {
		return nil, unknownNameError("instance", name, r.instances)
	}
	return inst, nil
}

func (r *registry) instanceList(names []string) ([]anvil.Instance, error) {
	list := make([]anvil.Instance, 0, len(names))
	for _, name := range names {
		inst, err := r.instance(name)
		if err != nil {
			return nil, err
		}
		list = append(list, inst)
	}
	return list, nil
}

func (r *registry) target(name string) (anvil.Target, error) {
	tgt := r.targets[name]
	if tgt == nil {
		return nil, unknownNameError("target", name, r.targets)
	}
	return tgt, nil
}

func (r *registry) targetList(names []string) ([]anvil.Target, error) {
	list := make([]anvil.Target, 0, len(names))
	for _, name := range names {
		tgt, err := r.target(name)
		if err != nil {
			return nil, err
		}
		list = append(list, tgt)
	}
	return list, nil
}

// unknownNameError formats a lookup failure, naming what is known.
func unknownNameError[V any](kind, name string, known map[string]V) error {
	return anvil.ConfigErrorf("unknown %s %q (have %s)", kind, name, strings.Join(xmaps.SortedKeys(known), ", "))
}
