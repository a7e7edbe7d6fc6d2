// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zombiezen.com/go/log/testlog"

	"github.com/anvilbuild/anvil"
	"github.com/anvilbuild/anvil/internal/osutil"
	"github.com/anvilbuild/anvil/internal/testcontext"
)

// An eventLog records stage executions of fake graph nodes in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (l *eventLog) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

// A fakePackage is a graph node whose stage state lives in memory.
// Configure appends cflag to the context's CFlags when it is set.
type fakePackage struct {
	ident    string
	deps     []anvil.Package
	log      *eventLog
	cflag    string
	buildErr error

	fetched   bool
	built     bool
	installed bool
}

func (p *fakePackage) Ident() string { return p.ident }

func (p *fakePackage) Dependencies() iter.Seq[anvil.Package] { return anvil.Deps(p.deps...) }

func (p *fakePackage) IsFetched(ctx context.Context, bc *anvil.Context) bool { return p.fetched }

func (p *fakePackage) Fetch(ctx context.Context, bc *anvil.Context) error {
	p.log.add("%s fetch", p.ident)
	p.fetched = true
	return nil
}

func (p *fakePackage) IsBuilt(ctx context.Context, bc *anvil.Context) bool { return p.built }

func (p *fakePackage) Build(ctx context.Context, bc *anvil.Context) error {
	p.log.add("%s build", p.ident)
	if p.buildErr != nil {
		return p.buildErr
	}
	p.built = true
	return nil
}

func (p *fakePackage) IsInstalled(ctx context.Context, bc *anvil.Context) bool { return p.installed }

func (p *fakePackage) Install(ctx context.Context, bc *anvil.Context) error {
	p.log.add("%s install", p.ident)
	p.installed = true
	return nil
}

func (p *fakePackage) Configure(ctx context.Context, bc *anvil.Context) error {
	p.log.add("%s configure", p.ident)
	if p.cflag != "" {
		bc.CFlags = append(bc.CFlags, p.cflag)
	}
	return nil
}

// A fakeInstance composes one flag.
type fakeInstance struct {
	name  string
	deps  []anvil.Package
	cflag string
}

func (i *fakeInstance) Name() string { return i.name }

func (i *fakeInstance) Dependencies() iter.Seq[anvil.Package] { return anvil.Deps(i.deps...) }

func (i *fakeInstance) Configure(ctx context.Context, bc *anvil.Context) error {
	if i.cflag != "" {
		bc.CFlags = append(bc.CFlags, i.cflag)
	}
	return nil
}

// A fakeTarget records what the engine hands its build.
type fakeTarget struct {
	name     string
	deps     []anvil.Package
	log      *eventLog
	fetched  bool
	binaries []string

	mu         sync.Mutex
	gotCFlags  []string
	gotWorkdir string
}

func (t *fakeTarget) Name() string { return t.name }

func (t *fakeTarget) Dependencies() iter.Seq[anvil.Package] { return anvil.Deps(t.deps...) }

func (t *fakeTarget) IsFetched(ctx context.Context, bc *anvil.Context) bool { return t.fetched }

func (t *fakeTarget) Fetch(ctx context.Context, bc *anvil.Context) error {
	t.log.add("%s fetch", t.name)
	t.fetched = true
	return nil
}

func (t *fakeTarget) Build(ctx context.Context, bc *anvil.Context, inst anvil.Instance) error {
	t.mu.Lock()
	t.gotCFlags = slices.Clone(bc.CFlags)
	t.gotWorkdir = bc.Workdir
	t.mu.Unlock()
	t.log.add("%s build %s", t.name, inst.Name())
	return nil
}

func (t *fakeTarget) BinaryPaths(ctx context.Context, bc *anvil.Context, inst anvil.Instance) ([]string, error) {
	paths := make([]string, 0, len(t.binaries))
	for _, b := range t.binaries {
		paths = append(paths, bc.TargetDir(t.name, b))
	}
	return paths, nil
}

// A fakeRunner is a fakeTarget that can run.
type fakeRunner struct {
	fakeTarget
	gotArgs []string
}

func (t *fakeRunner) Run(ctx context.Context, bc *anvil.Context, inst anvil.Instance, args []string) error {
	t.mu.Lock()
	t.gotArgs = slices.Clone(args)
	t.gotCFlags = slices.Clone(bc.CFlags)
	t.gotWorkdir = bc.Workdir
	t.mu.Unlock()
	t.log.add("%s run %s", t.name, inst.Name())
	return nil
}

func newEngineTestContext(t *testing.T) *anvil.Context {
	t.Helper()
	bc, err := anvil.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return bc
}

func TestRealize(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events, cflag: "-da"}
	b := &fakePackage{ident: "b", deps: []anvil.Package{a}, log: events, cflag: "-db"}

	e := new(Engine)
	if err := e.Realize(ctx, bc, b); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"a fetch", "a build", "a install", "a configure",
		"b fetch", "b build", "b install", "b configure",
	}
	if diff := cmp.Diff(want, events.list()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"-da", "-db"}, bc.CFlags); diff != "" {
		t.Errorf("CFlags (-want +got):\n%s", diff)
	}
	if !osutil.Exists(bc.PackageDir("a")) {
		t.Error("package directory for a was not created")
	}
}

func TestRealizeSecondCallConfiguresOnly(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events}
	b := &fakePackage{ident: "b", deps: []anvil.Package{a}, log: events}

	e := new(Engine)
	if err := e.Realize(ctx, bc, b); err != nil {
		t.Fatal(err)
	}
	before := len(events.list())
	if err := e.Realize(ctx, bc, b); err != nil {
		t.Fatal(err)
	}

	want := []string{"a configure", "b configure"}
	if diff := cmp.Diff(want, events.list()[before:]); diff != "" {
		t.Errorf("second realize events (-want +got):\n%s", diff)
	}
}

func TestRealizeDiamond(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events, cflag: "-da"}
	b := &fakePackage{ident: "b", deps: []anvil.Package{a}, log: events}
	c := &fakePackage{ident: "c", deps: []anvil.Package{a}, log: events}
	d := &fakePackage{ident: "d", deps: []anvil.Package{b, c}, log: events}

	e := new(Engine)
	if err := e.Realize(ctx, bc, d); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"a fetch", "a build", "a install", "a configure",
		"b fetch", "b build", "b install", "b configure",
		"c fetch", "c build", "c install", "c configure",
		"d fetch", "d build", "d install", "d configure",
	}
	if diff := cmp.Diff(want, events.list()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
	// The shared dependency composes its flags once.
	if diff := cmp.Diff([]string{"-da"}, bc.CFlags); diff != "" {
		t.Errorf("CFlags (-want +got):\n%s", diff)
	}
}

func TestRealizeForce(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events}

	if err := new(Engine).Realize(ctx, bc, a); err != nil {
		t.Fatal(err)
	}
	before := len(events.list())

	forced := &Engine{Force: true}
	if err := forced.Realize(ctx, bc, a); err != nil {
		t.Fatal(err)
	}

	// Force re-runs build and install, but not fetch.
	want := []string{"a build", "a install", "a configure"}
	if diff := cmp.Diff(want, events.list()[before:]); diff != "" {
		t.Errorf("forced events (-want +got):\n%s", diff)
	}
}

func TestRealizeSkipsCompletedStages(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events, fetched: true, built: true, installed: true}

	if err := new(Engine).Realize(ctx, bc, a); err != nil {
		t.Fatal(err)
	}
	want := []string{"a configure"}
	if diff := cmp.Diff(want, events.list()); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestRealizeBuildFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events, buildErr: errors.New("compiler exploded")}
	b := &fakePackage{ident: "b", deps: []anvil.Package{a}, log: events}

	err := new(Engine).Realize(ctx, bc, b)
	if err == nil {
		t.Fatal("no error for failing build")
	}
	if !strings.Contains(err.Error(), "build a") {
		t.Errorf("error %q does not name the failing stage", err)
	}
	if got := events.count("b fetch"); got != 0 {
		t.Errorf("dependent ran %d stages after dependency failure", got)
	}
}

func TestDepClosureCycle(t *testing.T) {
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events}
	b := &fakePackage{ident: "b", deps: []anvil.Package{a}, log: events}
	a.deps = []anvil.Package{b}

	_, err := DepClosure(a)
	if err == nil {
		t.Fatal("no error for dependency cycle")
	}
	var ce *anvil.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("cycle error is %T; want *anvil.ConfigError", err)
	}
	if got, want := err.Error(), "dependency cycle: a -> b -> a"; got != want {
		t.Errorf("error = %q; want %q", got, want)
	}
}

func TestDepClosureOrder(t *testing.T) {
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events}
	b := &fakePackage{ident: "b", deps: []anvil.Package{a}, log: events}
	c := &fakePackage{ident: "c", deps: []anvil.Package{a}, log: events}
	d := &fakePackage{ident: "d", deps: []anvil.Package{b, c}, log: events}

	closure, err := DepClosure(d, b)
	if err != nil {
		t.Fatal(err)
	}
	idents := make([]string, len(closure))
	for i, pkg := range closure {
		idents[i] = pkg.Ident()
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, idents); diff != "" {
		t.Errorf("closure (-want +got):\n%s", diff)
	}
}

func TestBuildTarget(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	instPkg := &fakePackage{ident: "instpkg", log: events, cflag: "-instpkg"}
	tgtPkg := &fakePackage{ident: "tgtpkg", log: events, cflag: "-tgtpkg"}
	inst := &fakeInstance{name: "baseline", deps: []anvil.Package{instPkg}, cflag: "-O2"}
	tgt := &fakeTarget{name: "hello", deps: []anvil.Package{tgtPkg}, log: events, binaries: []string{"hello"}}

	var hookBinary, hookWorkdir string
	bc.Hooks.PostBuild = []anvil.PostBuildHook{
		func(ctx context.Context, bc *anvil.Context, binary string) error {
			hookBinary = binary
			hookWorkdir = bc.Workdir
			return nil
		},
	}

	if err := new(Engine).BuildTarget(ctx, bc, tgt, inst); err != nil {
		t.Fatal(err)
	}

	// Flag composition order: instance packages, then the instance,
	// then target packages.
	wantFlags := []string{"-instpkg", "-O2", "-tgtpkg"}
	if diff := cmp.Diff(wantFlags, tgt.gotCFlags); diff != "" {
		t.Errorf("build CFlags (-want +got):\n%s", diff)
	}
	if len(bc.CFlags) != 0 {
		t.Errorf("flag composition leaked into the caller's context: %q", bc.CFlags)
	}
	if got, want := tgt.gotWorkdir, bc.TargetDir("hello"); got != want {
		t.Errorf("build workdir = %q; want %q", got, want)
	}
	if !osutil.Exists(bc.TargetDir("hello")) {
		t.Error("target directory was not created")
	}

	wantBinary := bc.TargetDir("hello", "hello")
	if hookBinary != wantBinary {
		t.Errorf("hook binary = %q; want %q", hookBinary, wantBinary)
	}
	if got, want := hookWorkdir, filepath.Dir(wantBinary); got != want {
		t.Errorf("hook workdir = %q; want %q", got, want)
	}
}

func TestBuildTargetFetchesOnce(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	tgt := &fakeTarget{name: "hello", log: events}
	baseline := &fakeInstance{name: "baseline"}
	tcmalloc := &fakeInstance{name: "tcmalloc"}

	e := new(Engine)
	if err := e.BuildTarget(ctx, bc, tgt, baseline); err != nil {
		t.Fatal(err)
	}
	if err := e.BuildTarget(ctx, bc, tgt, tcmalloc); err != nil {
		t.Fatal(err)
	}

	if got := events.count("hello fetch"); got != 1 {
		t.Errorf("target fetched %d times; want 1", got)
	}
	if got := events.count("hello build baseline"); got != 1 {
		t.Errorf("built %d times for baseline; want 1", got)
	}
	if got := events.count("hello build tcmalloc"); got != 1 {
		t.Errorf("built %d times for tcmalloc; want 1", got)
	}
}

func TestRunTarget(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	instPkg := &fakePackage{ident: "instpkg", log: events, cflag: "-instpkg"}
	inst := &fakeInstance{name: "baseline", deps: []anvil.Package{instPkg}, cflag: "-O2"}
	tgt := &fakeRunner{fakeTarget: fakeTarget{name: "hello", log: events}}

	e := new(Engine)
	if err := e.RunTarget(ctx, bc, tgt, inst, []string{"world"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"world"}, tgt.gotArgs); diff != "" {
		t.Errorf("run args (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"-instpkg", "-O2"}, tgt.gotCFlags); diff != "" {
		t.Errorf("run CFlags (-want +got):\n%s", diff)
	}
	if got := events.count("hello build baseline"); got != 0 {
		t.Errorf("run built the target %d times", got)
	}

	plain := &fakeTarget{name: "plain", log: events}
	err := e.RunTarget(ctx, bc, plain, inst, nil)
	if err == nil {
		t.Fatal("no error for target without run support")
	}
	var ce *anvil.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("error is %T; want *anvil.ConfigError", err)
	}
}

func TestBuildAll(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	shared := &fakePackage{ident: "shared", log: events}
	baseline := &fakeInstance{name: "baseline", deps: []anvil.Package{shared}}
	tcmalloc := &fakeInstance{name: "tcmalloc", deps: []anvil.Package{shared}}
	tgt := &fakeTarget{name: "hello", deps: []anvil.Package{shared}, log: events}

	e := new(Engine)
	err := e.BuildAll(ctx, bc, []anvil.Target{tgt}, []anvil.Instance{baseline, tcmalloc}, 2)
	if err != nil {
		t.Fatal(err)
	}

	// Filesystem stages of the shared package run once; its flags are
	// composed once per pair.
	if got := events.count("shared build"); got != 1 {
		t.Errorf("shared package built %d times; want 1", got)
	}
	if got := events.count("shared install"); got != 1 {
		t.Errorf("shared package installed %d times; want 1", got)
	}
	if got := events.count("shared configure"); got != 2 {
		t.Errorf("shared package configured %d times; want 2", got)
	}
	if got := events.count("hello fetch"); got != 1 {
		t.Errorf("target fetched %d times; want 1", got)
	}
	if got := events.count("hello build baseline"); got != 1 {
		t.Errorf("built %d times for baseline; want 1", got)
	}
	if got := events.count("hello build tcmalloc"); got != 1 {
		t.Errorf("built %d times for tcmalloc; want 1", got)
	}
}

func TestBuildAllFailureStopsOtherPairs(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	broken := &fakePackage{ident: "broken", log: events, buildErr: errors.New("boom")}
	baseline := &fakeInstance{name: "baseline", deps: []anvil.Package{broken}}
	tgt := &fakeTarget{name: "hello", log: events}

	err := new(Engine).BuildAll(ctx, bc, []anvil.Target{tgt}, []anvil.Instance{baseline}, 1)
	if err == nil {
		t.Fatal("no error for failing pair")
	}
	if !strings.Contains(err.Error(), "hello/baseline") {
		t.Errorf("error %q does not name the failing pair", err)
	}
}

type recordedStage struct {
	Ident  string
	Stage  Stage
	Failed bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []recordedStage
}

func (r *fakeRecorder) RecordStage(ctx context.Context, ident string, stage Stage, start time.Time, elapsed time.Duration, stageErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, recordedStage{Ident: ident, Stage: stage, Failed: stageErr != nil})
}

func TestRecorder(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events}

	rec := new(fakeRecorder)
	e := &Engine{Recorder: rec}
	if err := e.Realize(ctx, bc, a); err != nil {
		t.Fatal(err)
	}

	want := []recordedStage{
		{Ident: "a", Stage: StageFetch},
		{Ident: "a", Stage: StageBuild},
		{Ident: "a", Stage: StageInstall},
		{Ident: "a", Stage: StageConfigure},
	}
	if diff := cmp.Diff(want, rec.records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
}

func TestRecorderFailure(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events, buildErr: errors.New("boom")}

	rec := new(fakeRecorder)
	e := &Engine{Recorder: rec}
	if err := e.Realize(ctx, bc, a); err == nil {
		t.Fatal("no error for failing build")
	}

	want := []recordedStage{
		{Ident: "a", Stage: StageFetch},
		{Ident: "a", Stage: StageBuild, Failed: true},
	}
	if diff := cmp.Diff(want, rec.records); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
}

func TestCleanPackage(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	a := &fakePackage{ident: "a", log: events}

	dir := bc.PackageDir("a")
	if err := os.MkdirAll(filepath.Join(dir, "obj"), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := CleanPackage(ctx, bc, a); err != nil {
		t.Fatal(err)
	}
	if osutil.Exists(dir) {
		t.Error("package directory still exists after clean")
	}
}

func TestCleanTarget(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	tgt := &fakeTarget{name: "hello", log: events}

	dir := bc.TargetDir("hello")
	if err := os.MkdirAll(filepath.Join(dir, "obj"), 0o777); err != nil {
		t.Fatal(err)
	}
	if err := CleanTarget(ctx, bc, tgt); err != nil {
		t.Fatal(err)
	}
	if osutil.Exists(dir) {
		t.Error("target directory still exists after clean")
	}
}

// cleanerPackage overrides the conventional clean.
type cleanerPackage struct {
	fakePackage
	cleaned bool
}

func (p *cleanerPackage) Clean(ctx context.Context, bc *anvil.Context) error {
	p.cleaned = true
	return nil
}

func TestCleanPackageDelegates(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	bc := newEngineTestContext(t)
	events := new(eventLog)
	p := &cleanerPackage{fakePackage: fakePackage{ident: "a", log: events}}

	dir := bc.PackageDir("a")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		t.Fatal(err)
	}
	if err := CleanPackage(ctx, bc, p); err != nil {
		t.Fatal(err)
	}
	if !p.cleaned {
		t.Error("Clean method was not called")
	}
	if !osutil.Exists(dir) {
		t.Error("conventional directory removed despite Clean override")
	}
}

func TestInflightLock(t *testing.T) {
	ctx, cancel := testcontext.New(t)
	defer cancel()
	reg := new(inflight)

	unlock, err := reg.lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	acquired := make(chan struct{})
	go func() {
		unlock2, err := reg.lock(ctx, "a")
		if err == nil {
			unlock2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(10 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after unlock")
	}

	cancelled, cancelLock := context.WithCancel(ctx)
	unlock3, err := reg.lock(cancelled, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock3()
	cancelLock()
	if _, err := reg.lock(cancelled, "b"); !errors.Is(err, context.Canceled) {
		t.Errorf("lock on cancelled context = %v; want context.Canceled", err)
	}
}

func TestMain(m *testing.M) {
	testlog.Main(nil)
	os.Exit(m.Run())
}
