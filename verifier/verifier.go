/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package verifier re-runs a project's own check command after a fix
// has been applied, so the remediation engine can reject fixes that
// break something else.
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/cimender/execrunner"
	"chainguard.dev/cimender/remediate"
	"github.com/chainguard-dev/clog"
)

// maxReportedErrors caps how many output lines a failed verification
// carries back.
const maxReportedErrors = 20

// Command runs a shell command and treats a zero exit as verified.
type Command struct {
	runner  *execrunner.Runner
	command string
}

var _ remediate.Verifier = (*Command)(nil)

// New builds a verifier for the given shell command, executed in dir.
func New(dir, command string) *Command {
	return &Command{
		runner:  execrunner.New(execrunner.WithDir(dir)),
		command: command,
	}
}

// Run executes the verification command, bounded by timeout. A non-zero
// exit is a failed verification, not an error; errors are reserved for
// the command not completing at all.
func (c *Command) Run(ctx context.Context, timeout time.Duration) (*remediate.VerifyReport, error) {
	log := clog.FromContext(ctx)
	log.Infof("Verifying fix: %s", c.command)

	res, err := c.runner.RunShell(ctx, timeout, c.command)
	if err != nil {
		if res == nil {
			return nil, fmt.Errorf("running %q: %w", c.command, err)
		}
		if res.TimedOut {
			return nil, fmt.Errorf("verification timed out after %s", timeout)
		}
		report := &remediate.VerifyReport{Errors: collectErrors(res)}
		log.Infof("Verification failed with exit code %d", res.ExitCode)
		return report, nil
	}

	log.Infof("Verification passed")
	return &remediate.VerifyReport{Success: true}, nil
}

// collectErrors keeps the tail of the command output, stderr first.
func collectErrors(res *execrunner.Result) []string {
	var lines []string
	for _, stream := range []string{res.Stderr, res.Stdout} {
		for _, line := range strings.Split(stream, "\n") {
			if strings.TrimSpace(line) != "" {
				lines = append(lines, strings.TrimRight(line, "\r"))
			}
		}
	}
	if len(lines) > maxReportedErrors {
		lines = lines[len(lines)-maxReportedErrors:]
	}
	return lines
}
