// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package runner is the uniform call surface for every external tool
// the upgrade drives: exit code, stdout and stderr are always
// captured, and a non-zero exit is always converted to a typed error
// before any branching happens. Nothing in the orchestration ever sees
// an uncontrolled subprocess failure.
package runner

import (
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/utils/v4/exec"
	"github.com/kballard/go-shellquote"
)

var logger = loggo.GetLogger("applianceupgrade.runner")

// CommandRunner executes a shell command and captures its outcome.
// The production implementation shells out; tests substitute a stub.
type CommandRunner interface {
	RunCommands(run exec.RunParams) (*exec.ExecResponse, error)
}

type defaultRunner struct{}

func (defaultRunner) RunCommands(run exec.RunParams) (*exec.ExecResponse, error) {
	return exec.RunCommands(run)
}

// Default returns the CommandRunner that executes for real.
func Default() CommandRunner {
	return defaultRunner{}
}

// ErrNonZeroExit is the base error for external tools that ran but
// reported failure.
const ErrNonZeroExit = errors.ConstError("external tool exited non-zero")

// Run executes argv (quoted into a single shell command) with the
// given extra environment. It returns the response on exit code zero
// and a typed error otherwise. The error message carries the tool's
// stderr, which is the only diagnostic channel most of these tools
// have.
func Run(r CommandRunner, env []string, argv ...string) (*exec.ExecResponse, error) {
	command := shellquote.Join(argv...)
	logger.Debugf("running: %s", command)
	if env != nil {
		// RunParams.Environment replaces the whole environment, so
		// extend the current one rather than clobbering PATH et al.
		env = append(os.Environ(), env...)
	}
	resp, err := r.RunCommands(exec.RunParams{
		Commands:    command,
		Environment: env,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "running %q", argv[0])
	}
	if resp.Code != 0 {
		logger.Errorf("%q exited %d: %s", command, resp.Code, resp.Stderr)
		return resp, errors.WithType(errors.Errorf(
			"%q exited %d: %s", argv[0], resp.Code, resp.Stderr), ErrNonZeroExit)
	}
	return resp, nil
}
