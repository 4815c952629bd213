// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package migrator

import (
	"fmt"
	"os"

	"github.com/juju/errors"
)

// Workspace holds the two transient directories of one migration
// attempt. Both must be absent before the attempt starts: their
// pre-existence means a previous attempt already touched the data and
// re-entry must be an explicit operator decision. Neither directory
// is removed on success; the backup is the manual-recovery trail.
type Workspace struct {
	BackupDir string
	ExportDir string
}

// Prepare verifies both directories are absent, then creates them.
// Each directory is checked individually so the error names the
// offender.
func (w Workspace) Prepare() error {
	for _, dir := range []string{w.BackupDir, w.ExportDir} {
		if _, err := os.Stat(dir); err == nil {
			return errors.NewAlreadyExists(nil, fmt.Sprintf(
				"migration directory %q already exists; move it away and re-run the upgrade", dir))
		} else if !os.IsNotExist(err) {
			return errors.Annotatef(err, "checking %q", dir)
		}
	}
	for _, dir := range []string{w.BackupDir, w.ExportDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Annotatef(err, "creating %q", dir)
		}
	}
	return nil
}
