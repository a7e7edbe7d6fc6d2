// Copyright 2025 The Anvil Authors
// SPDX-License-Identifier: MIT

package anvil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"zombiezen.com/go/log"
	"zombiezen.com/go/xcontext"

	"github.com/anvilbuild/anvil/internal/xmaps"
)

// RunOptions adjust a single subprocess invocation.
// The zero value is a foreground run in bc.Workdir.
type RunOptions struct {
	// Dir overrides the working directory. Empty means bc.Workdir.
	Dir string
	// Env is applied on top of the inherited environment and
	// bc.RunEnv, taking precedence over both.
	Env map[string]string
	// Stdin feeds the command's standard input.
	Stdin io.Reader
	// AllowError tolerates a non-zero exit (or a missing executable):
	// the result is returned with its exit code for the caller to
	// inspect instead of an error.
	AllowError bool
	// Silent captures output without writing the run log.
	Silent bool
	// Stream copies output to standard output as it is produced, in
	// addition to the run log. Output always streams when debug
	// logging is enabled.
	Stream bool
}

// A Result describes a finished subprocess.
type Result struct {
	// Args is the command line that ran.
	Args []string
	// ExitCode is the exit status, or -1 if the command never ran.
	ExitCode int
	// Output is the combined standard output and standard error.
	Output string
}

// Run executes a command and waits for it.
//
// The command's working directory is opts.Dir or bc.Workdir, never the
// process working directory. Its environment is the inherited process
// environment, overlaid with bc.RunEnv, overlaid with opts.Env. Unless
// opts.Silent is set, the invocation and its combined output are
// recorded in the run log behind a [Tee], and the same bytes land in
// the returned result and every bc.LogSinks entry.
//
// A missing executable or non-zero exit returns a [*CommandError]
// after the offending command, directory, and environment overlay are
// logged, unless opts.AllowError is set.
func Run(ctx context.Context, bc *Context, args []string, opts *RunOptions) (*Result, error) {
	if opts == nil {
		opts = new(RunOptions)
	}
	c, overlay := command(ctx, bc, args, opts)
	log.Debugf(ctx, "running: %s", QuoteJoin(args))

	if opts.Silent {
		buf := new(bytes.Buffer)
		c.Stdout = buf
		c.Stderr = buf
		err := c.Run()
		return finish(ctx, bc, c, args, overlay, buf.String(), err, opts.AllowError)
	}

	var sinks []io.Writer
	if w := bc.runLogWriter(); w != nil {
		writeRunLogHeader(w, args, c.Dir, overlay)
		sinks = append(sinks, w)
	}
	capture := new(bytes.Buffer)
	sinks = append(sinks, capture)
	sinks = append(sinks, bc.LogSinks...)
	if opts.Stream || log.IsEnabled(log.Debug) {
		sinks = append(sinks, os.Stdout)
	}
	tee, err := NewTee(sinks...)
	if err != nil {
		return nil, err
	}
	c.Stdout = tee.writeEnd()
	c.Stderr = tee.writeEnd()

	runErr := c.Run()
	if err := tee.Close(); err != nil {
		log.Warnf(ctx, "close tee for %s: %v", args[0], err)
	}
	if w := bc.runLogWriter(); w != nil {
		io.WriteString(w, "\n")
	}
	return finish(ctx, bc, c, args, overlay, capture.String(), runErr, opts.AllowError)
}

// A Proc is a deferred command started by [Start]. The caller owns the
// output pipes and must eventually call Wait.
type Proc struct {
	// Args is the command line that is running.
	Args []string
	// Stdout and Stderr stream the live output.
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	cmd  *exec.Cmd
	stop io.Closer
}

// Start executes a command without waiting for it and returns a handle
// for consuming its output. The working directory and environment are
// assembled the way [Run] assembles them, but nothing is written to
// the run log. If ctx ends before [Proc.Wait], the process is signaled
// and the handle's pipes are closed.
func Start(ctx context.Context, bc *Context, args []string, opts *RunOptions) (*Proc, error) {
	if opts == nil {
		opts = new(RunOptions)
	}
	c, overlay := command(ctx, bc, args, opts)
	log.Debugf(ctx, "starting: %s", QuoteJoin(args))
	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("start %s: %v", args[0], err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("start %s: %v", args[0], err)
	}
	if err := c.Start(); err != nil {
		logCommandFailure(ctx, err, args, c.Dir, overlay)
		return nil, &CommandError{Args: args, Dir: c.Dir, Env: overlay, ExitCode: -1, Err: err}
	}
	p := &Proc{Args: args, Stdout: stdout, Stderr: stderr, cmd: c}
	p.stop = xcontext.CloseWhenDone(ctx, p)
	return p, nil
}

// Wait blocks until the process exits and reports its exit code.
// Wait does not consume the output pipes; the caller must drain them
// before calling Wait, as [os/exec.Cmd.Wait] requires.
func (p *Proc) Wait() (*Result, error) {
	err := p.cmd.Wait()
	if p.stop != nil {
		p.stop.Close()
		p.stop = nil
	}
	res := &Result{Args: p.Args, ExitCode: exitCode(p.cmd, err)}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("wait for %s: %v", p.Args[0], err)
	}
	return res, nil
}

// Close releases the handle early: the process is killed if it is
// still running and both output pipes are closed.
func (p *Proc) Close() error {
	if p.cmd.ProcessState == nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.Stdout.Close()
	p.Stderr.Close()
	return nil
}

// command builds the exec.Cmd for an invocation and returns it with
// the environment overlay that was applied.
func command(ctx context.Context, bc *Context, args []string, opts *RunOptions) (*exec.Cmd, map[string]string) {
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	setCancelFunc(c)
	c.Dir = opts.Dir
	if c.Dir == "" {
		c.Dir = bc.Workdir
	}
	overlay := bc.RunEnv.Flatten()
	for k, v := range opts.Env {
		overlay[k] = v
	}
	c.Env = os.Environ()
	for k, v := range xmaps.Sorted(overlay) {
		c.Env = append(c.Env, k+"="+v)
	}
	c.Stdin = opts.Stdin
	return c, overlay
}

// finish turns an exec error into the runner's result contract.
func finish(ctx context.Context, bc *Context, c *exec.Cmd, args []string, overlay map[string]string, output string, err error, allowError bool) (*Result, error) {
	res := &Result{Args: args, ExitCode: exitCode(c, err)}
	res.Output = output
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	startFailure := !errors.As(err, &exitErr)
	if allowError {
		if startFailure {
			log.Warnf(ctx, "command not found: %s", args[0])
		}
		return res, nil
	}
	logCommandFailure(ctx, err, args, c.Dir, overlay)
	ce := &CommandError{Args: args, Dir: c.Dir, Env: overlay, ExitCode: res.ExitCode}
	if startFailure {
		ce.Err = err
	}
	return res, ce
}

func exitCode(c *exec.Cmd, err error) int {
	if c.ProcessState != nil {
		return c.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// logCommandFailure writes the diagnostic dump for a fatal command:
// the command line, working directory, and environment overlay, so
// the failing step can be reproduced by hand.
func logCommandFailure(ctx context.Context, err error, args []string, dir string, overlay map[string]string) {
	sb := new(strings.Builder)
	if errors.Is(err, exec.ErrNotFound) {
		fmt.Fprintf(sb, "command not found: %s", args[0])
	} else {
		fmt.Fprintf(sb, "command failed: %v", err)
	}
	fmt.Fprintf(sb, "\ncommand: %s", QuoteJoin(args))
	fmt.Fprintf(sb, "\nworkdir: %s", dir)
	for k, v := range xmaps.Sorted(overlay) {
		fmt.Fprintf(sb, "\n%s=%s", k, v)
	}
	log.Errorf(ctx, "%s", sb.String())
}

// writeRunLogHeader records an invocation in the run log ahead of its
// output. The layout is fixed: a delimiter line, the quoted command,
// the working directory, one line per overlay variable, then an
// output header padded to the delimiter width.
func writeRunLogHeader(w io.Writer, args []string, dir string, overlay map[string]string) {
	const width = 80
	sb := new(strings.Builder)
	sb.WriteString(strings.Repeat("-", width))
	fmt.Fprintf(sb, "\ncommand: %s", QuoteJoin(args))
	fmt.Fprintf(sb, "\nworkdir: %s", dir)
	for k, v := range xmaps.Sorted(overlay) {
		fmt.Fprintf(sb, "\n%s=%s", k, v)
	}
	const hdr = "-- output: "
	sb.WriteString("\n" + hdr + strings.Repeat("-", width-len(hdr)) + "\n")
	io.WriteString(w, sb.String())
}

// QuoteJoin renders an argument vector as a shell-pasteable string,
// single-quoting arguments that need it.
func QuoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

const shellSafe = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_@%+=:,./-"

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	clean := true
	for _, r := range s {
		if !strings.ContainsRune(shellSafe, r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
