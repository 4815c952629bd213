// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package runnertest provides a scriptable CommandRunner for tests.
package runnertest

import (
	"strings"

	"github.com/juju/utils/v4/exec"
)

// Response describes the outcome a StubRunner returns for a command.
type Response struct {
	Code   int
	Stdout string
	Stderr string
	Err    error
}

// StubRunner records every command it is asked to run and returns
// scripted responses. Commands succeed with empty output unless a
// failure is registered for a substring of the command line.
type StubRunner struct {
	// Commands holds the command lines in execution order.
	Commands []string

	failures map[string]Response
	stdout   map[string]string
}

// NewStubRunner returns an empty StubRunner.
func NewStubRunner() *StubRunner {
	return &StubRunner{
		failures: make(map[string]Response),
		stdout:   make(map[string]string),
	}
}

// FailOn makes any command whose line contains substr fail with the
// given exit code and stderr.
func (r *StubRunner) FailOn(substr string, code int, stderr string) {
	r.failures[substr] = Response{Code: code, Stderr: stderr}
}

// ErrorOn makes any command whose line contains substr return err
// (the tool could not be invoked at all).
func (r *StubRunner) ErrorOn(substr string, err error) {
	r.failures[substr] = Response{Err: err}
}

// StdoutOn sets the stdout returned for commands containing substr.
func (r *StubRunner) StdoutOn(substr string, stdout string) {
	r.stdout[substr] = stdout
}

// RunCommands implements runner.CommandRunner.
func (r *StubRunner) RunCommands(run exec.RunParams) (*exec.ExecResponse, error) {
	r.Commands = append(r.Commands, run.Commands)
	for substr, resp := range r.failures {
		if strings.Contains(run.Commands, substr) {
			if resp.Err != nil {
				return nil, resp.Err
			}
			return &exec.ExecResponse{
				Code:   resp.Code,
				Stdout: []byte(resp.Stdout),
				Stderr: []byte(resp.Stderr),
			}, nil
		}
	}
	var stdout string
	for substr, out := range r.stdout {
		if strings.Contains(run.Commands, substr) {
			stdout = out
			break
		}
	}
	return &exec.ExecResponse{Code: 0, Stdout: []byte(stdout)}, nil
}

// Ran reports whether any recorded command line contains substr.
func (r *StubRunner) Ran(substr string) bool {
	for _, c := range r.Commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
