/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package execrunner runs external commands (lint and format tools, the
// build verifier) under an explicit timeout and output-size cap. Timeout
// expiry forcibly terminates the child process.
package execrunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chainguard-dev/clog"
)

const (
	// defaultMaxOutput caps captured stdout/stderr per stream.
	defaultMaxOutput = 1 << 20 // 1 MiB

	// killGrace is how long a timed-out child gets between SIGKILL and
	// the runner giving up on collecting it.
	killGrace = 5 * time.Second
)

// Result captures one command execution.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithDir sets the working directory for executed commands.
func WithDir(dir string) Option {
	return func(r *Runner) {
		r.dir = dir
	}
}

// WithMaxOutput overrides the per-stream output cap.
func WithMaxOutput(n int) Option {
	return func(r *Runner) {
		r.maxOutput = n
	}
}

// Runner executes commands with bounded time and output.
type Runner struct {
	dir       string
	maxOutput int
}

// New constructs a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{maxOutput: defaultMaxOutput}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunShell executes command through the shell, bounded by timeout. A
// non-nil Result is returned whenever the command started, including on
// timeout and non-zero exit; the error then describes why it failed.
func (r *Runner) RunShell(ctx context.Context, timeout time.Duration, command string) (*Result, error) {
	return r.Run(ctx, timeout, "sh", "-c", command)
}

// Run executes name with args, bounded by timeout.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (*Result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = r.dir
	cmd.WaitDelay = killGrace

	stdout := &cappedBuffer{max: r.maxOutput}
	stderr := &cappedBuffer{max: r.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if cctx.Err() != nil && ctx.Err() == nil {
		res.TimedOut = true
		clog.FromContext(ctx).With("command", name).With("timeout", timeout).Warn("Command timed out, child killed")
		return res, fmt.Errorf("command %q timed out after %s", name, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("command %q exited with code %d", name, res.ExitCode)
		}
		return res, fmt.Errorf("running %q: %w", name, err)
	}

	clog.FromContext(ctx).With("command", name).With("duration", time.Since(start)).Debug("Command completed")
	return res, nil
}

// cappedBuffer keeps at most max bytes and records whether anything was
// dropped.
type cappedBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.truncated = true
		b.buf.Write(p[:remaining])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
