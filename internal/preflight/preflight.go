// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package preflight validates the preconditions of an upgrade phase
// before any mutating step runs. Every failed check returns a typed
// error whose message doubles as the remediation hint shown to the
// operator. Nothing here attempts cleanup: recovery is a manual,
// explicit action so that user data is never destroyed silently.
package preflight

import (
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("applianceupgrade.preflight")

// ServiceStatus reports whether a system service is in the active
// state. It is satisfied by the service manager in internal/service.
type ServiceStatus interface {
	Running(name string) (bool, error)
}

// PhaseStatus reports phase completion. It is satisfied by
// marker.Store.
type PhaseStatus interface {
	Done(phase string) (bool, error)
	Path(phase string) string
}

// Checker runs individual precondition checks.
type Checker struct {
	services ServiceStatus
	phases   PhaseStatus
}

// NewChecker returns a Checker backed by the given service manager and
// phase marker store.
func NewChecker(services ServiceStatus, phases PhaseStatus) *Checker {
	return &Checker{services: services, phases: phases}
}

// CheckDirAbsent fails if path exists. Used to guard re-entry into
// steps that create their target directories fresh.
func (ch *Checker) CheckDirAbsent(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "checking %q", path)
	}
	return errors.NewAlreadyExists(nil, fmt.Sprintf(
		"%q already exists; remove it and re-run the upgrade", path))
}

// CheckDirPresent fails if path is not an existing directory.
func (ch *Checker) CheckDirPresent(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.NotFoundf("required directory %q", path)
	}
	if err != nil {
		return errors.Annotatef(err, "checking %q", path)
	}
	if !info.IsDir() {
		return errors.NewNotValid(nil, fmt.Sprintf("%q is not a directory", path))
	}
	return nil
}

// CheckFileNonEmpty fails if path is missing or has zero size.
func (ch *Checker) CheckFileNonEmpty(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.NotFoundf("required file %q", path)
	}
	if err != nil {
		return errors.Annotatef(err, "checking %q", path)
	}
	if info.Size() == 0 {
		return errors.NewNotValid(nil, fmt.Sprintf("file %q is empty", path))
	}
	return nil
}

// CheckServiceActive fails unless the named service is running.
func (ch *Checker) CheckServiceActive(name string) error {
	running, err := ch.services.Running(name)
	if err != nil {
		return errors.Annotatef(err, "querying service %q", name)
	}
	if !running {
		return errors.NewNotValid(nil, fmt.Sprintf(
			"service %q is not active; start it and re-run the upgrade", name))
	}
	logger.Debugf("service %q is active", name)
	return nil
}

// CheckPhaseNotDone fails if the phase already has a completion
// marker. The marker path is included so the operator can remove it
// deliberately to force a re-run.
func (ch *Checker) CheckPhaseNotDone(phase string) error {
	done, err := ch.phases.Done(phase)
	if err != nil {
		return errors.Trace(err)
	}
	if done {
		return errors.NewAlreadyExists(nil, fmt.Sprintf(
			"phase %q already completed; remove %q to force a re-run",
			phase, ch.phases.Path(phase)))
	}
	return nil
}
