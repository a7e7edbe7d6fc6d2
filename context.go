// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
)

// An EnvMap is an environment mapping whose values are element lists.
// When the environment is exported to a subprocess, each list is joined
// with the platform's path list separator, so multi-element values
// compose the way PATH-like variables do.
type EnvMap map[string][]string

// Set replaces the value of key with elems.
func (m EnvMap) Set(key string, elems ...string) {
	m[key] = slices.Clone(elems)
}

// Append adds elems after any existing elements of key.
func (m EnvMap) Append(key string, elems ...string) {
	m[key] = append(m[key], elems...)
}

// Prepend adds elems before any existing elements of key.
func (m EnvMap) Prepend(key string, elems ...string) {
	m[key] = append(slices.Clone(elems), m[key]...)
}

// PrependPath prepends elems to a PATH-like variable. The first time a
// key is touched through PrependPath, its entry is seeded from the
// inherited process environment, so the elements already visible to
// subprocesses stay in the list.
func (m EnvMap) PrependPath(key string, elems ...string) {
	if _, ok := m[key]; !ok {
		if v := os.Getenv(key); v != "" {
			m[key] = filepath.SplitList(v)
		}
	}
	m.Prepend(key, elems...)
}

// Flatten converts the map to single-string values,
// joining each element list with [filepath.ListSeparator].
func (m EnvMap) Flatten() map[string]string {
	flat := make(map[string]string, len(m))
	for k, v := range m {
		flat[k] = joinList(v)
	}
	return flat
}

// Clone returns a copy of the map that shares no storage with the
// original, including the element lists.
func (m EnvMap) Clone() EnvMap {
	m2 := make(EnvMap, len(m))
	for k, v := range m {
		m2[k] = slices.Clone(v)
	}
	return m2
}

func joinList(elems []string) string {
	switch len(elems) {
	case 0:
		return ""
	case 1:
		return elems[0]
	}
	n := len(elems) - 1
	for _, e := range elems {
		n += len(e)
	}
	buf := make([]byte, 0, n)
	buf = append(buf, elems[0]...)
	for _, e := range elems[1:] {
		buf = append(buf, filepath.ListSeparator)
		buf = append(buf, e...)
	}
	return string(buf)
}

// Paths holds the well-known locations of a build workspace.
// All fields are absolute paths.
type Paths struct {
	// Root is the workspace root.
	Root string
	// BuildRoot is the directory all build state lives under.
	BuildRoot string
	// Log is the directory for log files.
	Log string
	// DebugLog is the debug log file.
	DebugLog string
	// RunLog is the command log file that records every subprocess
	// invocation and its output.
	RunLog string
	// Packages is the parent directory of per-package build trees.
	Packages string
	// Targets is the parent directory of per-target build trees.
	Targets string
}

// A PostBuildHook runs after a target's build completes, once per
// produced binary. The hook's working directory (bc.Workdir) is the
// directory containing the binary.
type PostBuildHook func(ctx context.Context, bc *Context, binary string) error

// Hooks collects callbacks that the engine invokes at fixed points.
type Hooks struct {
	PostBuild []PostBuildHook
}

// A Context carries the mutable build configuration that flows through
// the dependency graph. Package configure methods mutate it, appending
// compiler and linker flags that later nodes in the same realization
// observe. List-valued fields are append-composed: a configure method
// adds to them rather than replacing them, unless it deliberately
// switches toolchains and documents the reset.
//
// Use [Context.Copy] before configuring a subtree whose flags must not
// leak into a sibling subtree.
type Context struct {
	Paths Paths
	// Jobs is the parallelism given to subprocess build systems.
	Jobs int
	// Arch is the machine architecture name (uname -m style).
	Arch string

	// Active toolchain.
	CC     string
	CXX    string
	AR     string
	NM     string
	Ranlib string

	// Flag lists, position-sensitive.
	CFlags     []string
	CXXFlags   []string
	LDFlags    []string
	LibLDFlags []string
	// ExtraLibs are libraries appended at the end of link commands.
	ExtraLibs []string

	// RunEnv is exported to target runs and hooks on top of the
	// inherited process environment.
	RunEnv EnvMap
	// RunWrapper, if set, is prefixed to target run command lines.
	RunWrapper string
	// Workdir is the working directory for subprocess execution when a
	// call does not name one explicitly. The engine points it at the
	// current node's build tree. Never the ambient process directory.
	Workdir string
	// Extra holds recipe-specific values that have no typed field.
	Extra map[string]string

	Hooks Hooks
	// LogSinks receive a copy of every teed command's output in
	// addition to the run log.
	LogSinks []io.Writer

	runLog *runLogFile
}

// New returns a Context rooted at the given workspace directory with
// the conventional path layout and default toolchain. It does not
// create any directories.
func New(root string) (*Context, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("new build context: %v", err)
	}
	buildRoot := filepath.Join(root, "build")
	logDir := filepath.Join(buildRoot, "log")
	return &Context{
		Paths: Paths{
			Root:      root,
			BuildRoot: buildRoot,
			Log:       logDir,
			DebugLog:  filepath.Join(logDir, "debug.txt"),
			RunLog:    filepath.Join(logDir, "commands.txt"),
			Packages:  filepath.Join(buildRoot, "packages"),
			Targets:   filepath.Join(buildRoot, "targets"),
		},
		Jobs:   runtime.NumCPU(),
		Arch:   machineName(),
		CC:     "cc",
		CXX:    "c++",
		AR:     "ar",
		NM:     "nm",
		Ranlib: "ranlib",
		RunEnv: EnvMap{},
		Extra:  map[string]string{},
	}, nil
}

// Copy returns a new Context that shares scalar values and the run log
// handle with bc but owns independent copies of every container, so
// mutations of flag lists, environment entries, hooks, or sinks on one
// copy are invisible to the other.
func (bc *Context) Copy() *Context {
	bc2 := new(Context)
	*bc2 = *bc
	bc2.CFlags = slices.Clone(bc.CFlags)
	bc2.CXXFlags = slices.Clone(bc.CXXFlags)
	bc2.LDFlags = slices.Clone(bc.LDFlags)
	bc2.LibLDFlags = slices.Clone(bc.LibLDFlags)
	bc2.ExtraLibs = slices.Clone(bc.ExtraLibs)
	bc2.RunEnv = bc.RunEnv.Clone()
	bc2.Extra = maps.Clone(bc.Extra)
	bc2.Hooks.PostBuild = slices.Clone(bc.Hooks.PostBuild)
	bc2.LogSinks = slices.Clone(bc.LogSinks)
	return bc2
}

// PackageDir returns the directory keyed by a package ident,
// optionally extended by path elements ("src", "obj", "install").
func (bc *Context) PackageDir(ident string, elem ...string) string {
	return filepath.Join(append([]string{bc.Paths.Packages, ident}, elem...)...)
}

// TargetDir returns the directory keyed by a target name,
// optionally extended by path elements.
func (bc *Context) TargetDir(name string, elem ...string) string {
	return filepath.Join(append([]string{bc.Paths.Targets, name}, elem...)...)
}

// OpenRunLog creates the log directory and opens the command log for
// appending. Copies made after the call share the open handle.
func (bc *Context) OpenRunLog() error {
	if bc.runLog != nil {
		return nil
	}
	if err := os.MkdirAll(bc.Paths.Log, 0o777); err != nil {
		return fmt.Errorf("open run log: %v", err)
	}
	f, err := os.OpenFile(bc.Paths.RunLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("open run log: %v", err)
	}
	bc.runLog = &runLogFile{f: f}
	return nil
}

// CloseRunLog closes the command log if it is open.
func (bc *Context) CloseRunLog() error {
	if bc.runLog == nil {
		return nil
	}
	err := bc.runLog.f.Close()
	bc.runLog = nil
	if err != nil {
		return fmt.Errorf("close run log: %v", err)
	}
	return nil
}

// runLogWriter returns the open command log as a writer, or nil if
// OpenRunLog has not been called.
func (bc *Context) runLogWriter() io.Writer {
	if bc.runLog == nil {
		return nil
	}
	return bc.runLog
}

// runLogFile serializes writes from concurrently running commands.
// The tee writes whole lines, so interleaving stays line-oriented.
type runLogFile struct {
	mu sync.Mutex
	f  *os.File
}

func (l *runLogFile) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Write(p)
}

// machineName reports the machine hardware name the way uname -m
// does, since configure scripts and recipe version checks key on
// those names rather than Go's architecture names.
func machineName() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "386":
		return "i686"
	case "arm64":
		return "aarch64"
	case "arm":
		return "armv7l"
	case "ppc64le":
		return "ppc64le"
	case "riscv64":
		return "riscv64"
	default:
		return runtime.GOARCH
	}
}
