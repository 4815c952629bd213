// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package migrator drives the external database migration tool
// through its fixed backup, schema-upgrade, export pipeline against
// the Registry's persistent volume. The tool is an opaque container
// image invoked once per step; this package owns only the ordering
// and the conversion of exit codes into typed failures. There is no
// rollback: once the credentials check has passed, a failure leaves
// the backup in place for manual recovery.
package migrator

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/ovatools/applianceupgrade/internal/runner"
)

var logger = loggo.GetLogger("applianceupgrade.migrator")

// Failure classes, one per pipeline step that can reject.
const (
	ErrInvalidCredentials    = errors.ConstError("database credentials rejected")
	ErrBackupFailed          = errors.ConstError("database backup failed")
	ErrSchemaMigrationFailed = errors.ConstError("schema migration failed")
	ErrExportFailed          = errors.ConstError("project metadata export failed")
)

// Mount points inside the migrator container. Fixed by the tool.
const (
	dbMount     = "/var/lib/registry-db"
	backupMount = "/migration/backup"
	exportMount = "/migration/export"
)

// Credentials are the Registry database credentials the tool
// validates before any mutation.
type Credentials struct {
	User     string
	Password string
}

// Driver invokes the migration tool.
type Driver struct {
	runner  runner.CommandRunner
	image   string
	dataDir string
}

// NewDriver returns a Driver that runs the given migrator image
// against the Registry database volume at dataDir.
func NewDriver(r runner.CommandRunner, image, dataDir string) *Driver {
	return &Driver{runner: r, image: image, dataDir: dataDir}
}

// invoke runs one migrator subcommand with credentials in the
// environment and the database volume bind-mounted, plus any extra
// bind mounts.
func (d *Driver) invoke(creds Credentials, binds map[string]string, subcommand ...string) error {
	argv := []string{
		"docker", "run", "--rm",
		"-e", "DB_USR", "-e", "DB_PWD",
		"-v", d.dataDir + ":" + dbMount,
	}
	for host, guest := range binds {
		argv = append(argv, "-v", host+":"+guest)
	}
	argv = append(argv, d.image)
	argv = append(argv, subcommand...)

	env := []string{"DB_USR=" + creds.User, "DB_PWD=" + creds.Password}
	_, err := runner.Run(d.runner, env, argv...)
	return errors.Trace(err)
}

// Run executes the pipeline strictly in order: test, backup, schema
// upgrade, export. The first failing step aborts the run with its
// typed error; nothing after it executes. The workspace directories
// are created only after the credentials check passes, so a rejected
// credential leaves no trace on disk.
func (d *Driver) Run(creds Credentials, ws Workspace) error {
	logger.Infof("validating database credentials")
	if err := d.invoke(creds, nil, "test"); err != nil {
		return errors.WithType(err, ErrInvalidCredentials)
	}

	if err := ws.Prepare(); err != nil {
		return errors.Trace(err)
	}

	logger.Infof("backing up database to %s", ws.BackupDir)
	if err := d.invoke(creds, map[string]string{ws.BackupDir: backupMount}, "backup"); err != nil {
		return errors.WithType(err, ErrBackupFailed)
	}

	logger.Infof("applying pending schema migrations")
	if err := d.invoke(creds, nil, "up", "head"); err != nil {
		return errors.WithType(err, ErrSchemaMigrationFailed)
	}

	logger.Infof("exporting project metadata to %s", ws.ExportDir)
	if err := d.invoke(creds, map[string]string{ws.ExportDir: exportMount}, "export"); err != nil {
		return errors.WithType(err, ErrExportFailed)
	}
	return nil
}

// MapProjects feeds the identifier mapping produced by the
// cross-import back into the Registry database. mappingDir is
// bind-mounted read-only for the tool's mapprojects mode.
func (d *Driver) MapProjects(creds Credentials, mappingDir string) error {
	logger.Infof("mapping imported project identifiers from %s", mappingDir)
	err := d.invoke(creds, map[string]string{mappingDir: exportMount}, "mapprojects")
	return errors.Trace(err)
}
