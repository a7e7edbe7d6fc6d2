// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

// Package engine realizes package dependency graphs.
//
// Realizing a node walks its dependency closure in post order and
// drives every member through the fetch, build, and install stages,
// skipping stages whose on-disk state is already present, then runs
// configure so the node's flags land in the caller's build context.
// Shared dependencies are realized once per engine, and an in-process
// lock per package ident keeps concurrent workers from running the
// same node's stages twice.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"zombiezen.com/go/batchio"
	"zombiezen.com/go/log"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
	"github.com/anvilbuild/anvil/internal/sets"
)

// A Recorder receives an event for every stage the engine executes.
// Implementations must be safe for concurrent use.
type Recorder interface {
	RecordStage(ctx context.Context, ident string, stage Stage, start time.Time, elapsed time.Duration, stageErr error)
}

// An Engine drives package stages. The zero value is ready to use.
//
// Engines may be shared by concurrent workers: stage work for a given
// package ident runs under a per-ident lock, and an ident that one
// worker has realized is skipped by the others.
type Engine struct {
	// Force re-runs build and install even when their predicates
	// report the work as already done. Sources are never fetched
	// again once present.
	Force bool
	// Recorder, if not nil, receives stage events.
	Recorder Recorder

	inflight inflight
	realized doneSet
}

// Realize brings every package in the dependency closure of roots to
// the installed state and composes their flags into bc, dependencies
// strictly before dependents.
//
// Fetch, build, and install run at most once per ident per engine and
// only when their predicates report work to do. Configure (and
// InstallEnv, for packages that export environment) runs exactly once
// per ident per Realize call: a caller that needs flags composed
// independently realizes with its own [anvil.Context] copy.
func (e *Engine) Realize(ctx context.Context, bc *anvil.Context, roots ...anvil.Package) error {
	r := &realization{e: e, configured: sets.New[string]()}
	return r.realize(ctx, bc, roots...)
}

// BuildTarget builds one (target, instance) pair: it realizes the
// instance's packages, lets the instance compose its own flags,
// realizes the target's packages, fetches and builds the target, and
// finally runs post-build hooks over the produced binaries.
//
// The target builds against a copy of bc, so flag composition never
// leaks between pairs built from the same base context.
func (e *Engine) BuildTarget(ctx context.Context, bc *anvil.Context, tgt anvil.Target, inst anvil.Instance) error {
	bc = bc.Copy()
	r := &realization{e: e, configured: sets.New[string]()}

	if err := r.realize(ctx, bc, slices.Collect(inst.Dependencies())...); err != nil {
		return fmt.Errorf("build %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	if err := inst.Configure(ctx, bc); err != nil {
		return fmt.Errorf("build %s/%s: configure instance: %v", tgt.Name(), inst.Name(), err)
	}
	if err := r.realize(ctx, bc, slices.Collect(tgt.Dependencies())...); err != nil {
		return fmt.Errorf("build %s/%s: %v", tgt.Name(), inst.Name(), err)
	}

	dir := bc.TargetDir(tgt.Name())
	if err := osutil.MkdirAllPerm(dir, 0o777); err != nil {
		return fmt.Errorf("build %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	bc.Workdir = dir
	if err := e.fetchTarget(ctx, bc, tgt); err != nil {
		return err
	}
	log.Infof(ctx, "building %s with instance %s", tgt.Name(), inst.Name())
	if err := tgt.Build(ctx, bc, inst); err != nil {
		return fmt.Errorf("build %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	if err := e.PostBuildHooks(ctx, bc, tgt, inst); err != nil {
		return fmt.Errorf("build %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	return nil
}

// RunTarget executes a previously built target under the given
// instance. The instance's and target's packages are realized first so
// the run sees the same flags and environment the build saw.
func (e *Engine) RunTarget(ctx context.Context, bc *anvil.Context, tgt anvil.Target, inst anvil.Instance, args []string) error {
	runner, ok := tgt.(anvil.Runner)
	if !ok {
		return anvil.ConfigErrorf("target %s does not support running", tgt.Name())
	}
	bc = bc.Copy()
	r := &realization{e: e, configured: sets.New[string]()}
	if err := r.realize(ctx, bc, slices.Collect(inst.Dependencies())...); err != nil {
		return fmt.Errorf("run %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	if err := inst.Configure(ctx, bc); err != nil {
		return fmt.Errorf("run %s/%s: configure instance: %v", tgt.Name(), inst.Name(), err)
	}
	if err := r.realize(ctx, bc, slices.Collect(tgt.Dependencies())...); err != nil {
		return fmt.Errorf("run %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	bc.Workdir = bc.TargetDir(tgt.Name())
	if err := runner.Run(ctx, bc, inst, args); err != nil {
		return fmt.Errorf("run %s/%s: %v", tgt.Name(), inst.Name(), err)
	}
	return nil
}

// fetchTarget fetches a target's sources at most once per engine.
// Pairs built concurrently share the target's source tree, so the
// fetch runs under a lock the way package stages do.
func (e *Engine) fetchTarget(ctx context.Context, bc *anvil.Context, tgt anvil.Target) error {
	key := "target:" + tgt.Name()
	unlock, err := e.inflight.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	if e.realized.has(key) {
		return nil
	}
	if !tgt.IsFetched(ctx, bc) {
		log.Infof(ctx, "fetching %s", tgt.Name())
		if err := tgt.Fetch(ctx, bc); err != nil {
			return fmt.Errorf("fetch %s: %v", tgt.Name(), err)
		}
	}
	e.realized.add(key)
	return nil
}

// A realization tracks which idents have been configured on behalf of
// one realize call, so a diamond in the graph composes its flags into
// the shared context exactly once.
type realization struct {
	e          *Engine
	configured sets.Set[string]
}

func (r *realization) realize(ctx context.Context, bc *anvil.Context, roots ...anvil.Package) error {
	closure, err := DepClosure(roots...)
	if err != nil {
		return err
	}
	for _, pkg := range closure {
		if err := r.node(ctx, bc, pkg); err != nil {
			return err
		}
	}
	return nil
}

func (r *realization) node(ctx context.Context, bc *anvil.Context, pkg anvil.Package) error {
	ident := pkg.Ident()
	if r.configured.Has(ident) {
		return nil
	}
	if err := r.e.stages(ctx, bc, pkg); err != nil {
		return err
	}

	bc.Workdir = bc.PackageDir(ident)
	log.Debugf(ctx, "configuring %s", ident)
	start := time.Now()
	err := pkg.Configure(ctx, bc)
	r.e.record(ctx, ident, StageConfigure, start, err)
	if err != nil {
		return fmt.Errorf("configure %s: %v", ident, err)
	}
	if env, ok := pkg.(anvil.EnvInstaller); ok {
		if err := env.InstallEnv(ctx, bc); err != nil {
			return fmt.Errorf("install environment of %s: %v", ident, err)
		}
	}
	r.configured.Add(ident)
	return nil
}

// stages runs the filesystem stages of one package under its ident
// lock. A second worker arriving while the first is inside blocks,
// then observes the ident as realized and returns without work.
func (e *Engine) stages(ctx context.Context, bc *anvil.Context, pkg anvil.Package) error {
	ident := pkg.Ident()
	unlock, err := e.inflight.lock(ctx, ident)
	if err != nil {
		return err
	}
	defer unlock()
	if e.realized.has(ident) {
		log.Debugf(ctx, "%s already realized, skipping", ident)
		return nil
	}

	dir := bc.PackageDir(ident)
	if err := osutil.MkdirAllPerm(dir, 0o777); err != nil {
		return fmt.Errorf("realize %s: %v", ident, err)
	}
	bc.Workdir = dir

	nodeLog, closeNodeLog := e.openNodeLog(ctx, bc, ident)
	if nodeLog != nil {
		oldSinks := bc.LogSinks
		bc.LogSinks = append(slices.Clone(oldSinks), nodeLog)
		defer func() {
			bc.LogSinks = oldSinks
			closeNodeLog()
		}()
	}

	installed := pkg.IsInstalled(ctx, bc)
	if pkg.IsFetched(ctx, bc) || (installed && !e.Force) {
		log.Debugf(ctx, "%s already fetched, skipping", ident)
	} else {
		if err := e.stage(ctx, bc, pkg.Fetch, ident, StageFetch); err != nil {
			return err
		}
	}
	if !e.Force && (pkg.IsBuilt(ctx, bc) || pkg.IsInstalled(ctx, bc)) {
		log.Debugf(ctx, "%s already built, skipping", ident)
	} else {
		if err := e.stage(ctx, bc, pkg.Build, ident, StageBuild); err != nil {
			return err
		}
	}
	if !e.Force && pkg.IsInstalled(ctx, bc) {
		log.Debugf(ctx, "%s already installed, skipping", ident)
	} else {
		if err := e.stage(ctx, bc, pkg.Install, ident, StageInstall); err != nil {
			return err
		}
	}

	e.realized.add(ident)
	return nil
}

func (e *Engine) stage(ctx context.Context, bc *anvil.Context, f func(context.Context, *anvil.Context) error, ident string, st Stage) error {
	log.Infof(ctx, "%s %s", st.gerund(), ident)
	start := time.Now()
	err := f(ctx, bc)
	e.record(ctx, ident, st, start, err)
	if err != nil {
		return fmt.Errorf("%s %s: %v", st, ident, err)
	}
	return nil
}

func (e *Engine) record(ctx context.Context, ident string, st Stage, start time.Time, err error) {
	if e.Recorder == nil {
		return
	}
	e.Recorder.RecordStage(ctx, ident, st, start, time.Since(start), err)
}

// openNodeLog opens the per-package stage log, batched so chatty
// builds do not pay a write per line. Failure to open it costs the
// secondary log, not the build.
func (e *Engine) openNodeLog(ctx context.Context, bc *anvil.Context, ident string) (io.Writer, func()) {
	dir := filepath.Join(bc.Paths.Log, "pkg")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		log.Warnf(ctx, "package log: %v", err)
		return nil, nil
	}
	f, err := os.OpenFile(filepath.Join(dir, ident+".txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		log.Warnf(ctx, "package log: %v", err)
		return nil, nil
	}
	w := batchio.NewWriter(f, 8192, 250*time.Millisecond)
	return w, func() {
		if err := w.Flush(); err != nil {
			log.Warnf(ctx, "flush package log for %s: %v", ident, err)
		}
		if err := f.Close(); err != nil {
			log.Warnf(ctx, "close package log for %s: %v", ident, err)
		}
	}
}

// DepClosure returns the dependency closure of roots in post order:
// every package appears exactly once, after all of its dependencies
// and before any of its dependents. Roots themselves are included.
// A cycle is reported as a configuration error naming the cycle.
func DepClosure(roots ...anvil.Package) ([]anvil.Package, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var order []anvil.Package
	var visit func(pkg anvil.Package, path []string) error
	visit = func(pkg anvil.Package, path []string) error {
		ident := pkg.Ident()
		switch state[ident] {
		case done:
			return nil
		case visiting:
			i := slices.Index(path, ident)
			return anvil.ConfigErrorf("dependency cycle: %s", strings.Join(append(path[i:], ident), " -> "))
		}
		state[ident] = visiting
		path = append(path, ident)
		for dep := range pkg.Dependencies() {
			if err := visit(dep, path); err != nil {
				return err
			}
		}
		state[ident] = done
		order = append(order, pkg)
		return nil
	}
	for _, root := range roots {
		if err := visit(root, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// CleanPackage removes a package's build tree, or delegates to the
// package when it implements [anvil.Cleaner].
func CleanPackage(ctx context.Context, bc *anvil.Context, pkg anvil.Package) error {
	if c, ok := pkg.(anvil.Cleaner); ok {
		return c.Clean(ctx, bc)
	}
	dir := bc.PackageDir(pkg.Ident())
	log.Infof(ctx, "removing %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean %s: %v", pkg.Ident(), err)
	}
	return nil
}

// CleanTarget removes a target's build tree, or delegates to the
// target when it implements [anvil.Cleaner].
func CleanTarget(ctx context.Context, bc *anvil.Context, tgt anvil.Target) error {
	if c, ok := tgt.(anvil.Cleaner); ok {
		return c.Clean(ctx, bc)
	}
	dir := bc.TargetDir(tgt.Name())
	log.Infof(ctx, "removing %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean %s: %v", tgt.Name(), err)
	}
	return nil
}
