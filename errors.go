// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"fmt"
)

// A ConfigError reports a problem with user-provided configuration,
// like an unknown target name, a malformed plan file, or a dependency
// cycle. The command-line driver prints these without a stack of
// wrapped context.
type ConfigError struct {
	msg string
}

// ConfigErrorf returns a new [ConfigError] with the given printf-style
// message.
func ConfigErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Error returns the error message.
func (e *ConfigError) Error() string { return e.msg }

// A CommandError describes a subprocess that could not be started or
// that exited with a non-zero status. The runner has already logged
// the command line, working directory, and environment overrides by
// the time a CommandError is returned, so Error keeps to one line.
//
// A command that could not be started because the executable does not
// exist satisfies errors.Is(err, [os/exec.ErrNotFound]).
type CommandError struct {
	// Args is the command line that failed. Args[0] is the executable.
	Args []string
	// Dir is the working directory the command ran in.
	Dir string
	// Env holds the environment overrides that were applied on top of
	// the inherited environment for this command.
	Env map[string]string
	// ExitCode is the command's exit status, or -1 if the command did
	// not run to completion.
	ExitCode int
	// Err is the underlying error from the os/exec package, if any.
	Err error
}

// Error returns a one-line description of the failure.
func (e *CommandError) Error() string {
	name := "command"
	if len(e.Args) > 0 {
		name = e.Args[0]
	}
	if e.Err != nil {
		return fmt.Sprintf("run %s: %v", name, e.Err)
	}
	return fmt.Sprintf("%s: exit status %d", name, e.ExitCode)
}

// Unwrap returns the underlying os/exec error, if any.
func (e *CommandError) Unwrap() error { return e.Err }
