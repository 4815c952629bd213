// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package crossimport moves exported Registry project metadata into
// the new Manager instance and feeds the resulting identifier mapping
// back into the Registry's own store. Both halves call external
// tools; both re-check that their target instance is reachable
// immediately before invoking, rather than trusting a check from an
// earlier phase.
package crossimport

import (
	"context"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ovatools/applianceupgrade/internal/migrator"
	"github.com/ovatools/applianceupgrade/internal/runner"
)

var logger = loggo.GetLogger("applianceupgrade.crossimport")

// Failure classes for the two halves of the cross-import.
const (
	ErrImportFailed  = errors.ConstError("project import failed")
	ErrMappingFailed = errors.ConstError("project identifier mapping failed")
)

// mappingFileName is produced by the import utility next to the
// export it consumed.
const mappingFileName = "project-mapping.json"

// InstanceChecker confirms the Manager instance answers right before
// each external invocation.
type InstanceChecker interface {
	WaitReachable(ctx context.Context, endpoint string, attempts int) error
}

// ProjectMapper applies an identifier mapping to the Registry
// database. Satisfied by migrator.Driver.
type ProjectMapper interface {
	MapProjects(creds migrator.Credentials, mappingDir string) error
}

// Coordinator runs the import and the map-back in order.
type Coordinator struct {
	runner    runner.CommandRunner
	checker   InstanceChecker
	mapper    ProjectMapper
	importCmd string
	endpoint  string
}

// NewCoordinator returns a Coordinator that runs importCmd against
// the Manager instance at endpoint and maps identifiers back through
// mapper.
func NewCoordinator(r runner.CommandRunner, checker InstanceChecker, mapper ProjectMapper, importCmd, endpoint string) *Coordinator {
	return &Coordinator{
		runner:    r,
		checker:   checker,
		mapper:    mapper,
		importCmd: importCmd,
		endpoint:  endpoint,
	}
}

// ImportProjects feeds the exported project metadata to the running
// Manager instance and returns the path of the identifier mapping the
// import utility produced.
func (co *Coordinator) ImportProjects(ctx context.Context, tokenFile, exportedProjectsFile string) (string, error) {
	if err := co.checker.WaitReachable(ctx, co.endpoint, 1); err != nil {
		return "", errors.Trace(err)
	}
	mappingFile := filepath.Join(filepath.Dir(exportedProjectsFile), mappingFileName)
	logger.Infof("importing projects from %s", exportedProjectsFile)
	_, err := runner.Run(co.runner, nil,
		co.importCmd,
		"--endpoint", co.endpoint,
		"--token-file", tokenFile,
		"--projects", exportedProjectsFile,
		"--mapping", mappingFile,
	)
	if err != nil {
		return "", errors.WithType(err, ErrImportFailed)
	}
	return mappingFile, nil
}

// ApplyMapping pushes the identifier mapping back into the Registry's
// persistent store through the migrator's mapprojects mode.
func (co *Coordinator) ApplyMapping(ctx context.Context, mappingFile string, creds migrator.Credentials) error {
	if err := co.checker.WaitReachable(ctx, co.endpoint, 1); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("applying project identifier mapping %s", mappingFile)
	if err := co.mapper.MapProjects(creds, filepath.Dir(mappingFile)); err != nil {
		return errors.WithType(err, ErrMappingFailed)
	}
	return nil
}

// Run performs the import followed by the map-back.
func (co *Coordinator) Run(ctx context.Context, tokenFile, exportedProjectsFile string, creds migrator.Credentials) error {
	mappingFile, err := co.ImportProjects(ctx, tokenFile, exportedProjectsFile)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(co.ApplyMapping(ctx, mappingFile, creds))
}
