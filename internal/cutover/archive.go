// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package cutover

import (
	"compress/gzip"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/juju/utils/v4/tar"
)

// archiveDir writes a gzip-compressed tarball of dir to target. The
// archive holds the directory under its base name, so extracting it
// next to the original location restores the tree.
func archiveDir(dir, target string) error {
	f, err := os.Create(target)
	if err != nil {
		return errors.Annotatef(err, "creating archive %q", target)
	}
	defer f.Close()

	gzw := gzip.NewWriter(f)
	strip := filepath.Dir(dir) + string(os.PathSeparator)
	if _, err := tar.TarFiles([]string{dir}, gzw, strip); err != nil {
		return errors.Annotatef(err, "archiving %q", dir)
	}
	if err := gzw.Close(); err != nil {
		return errors.Annotatef(err, "finalising archive %q", target)
	}
	if err := f.Sync(); err != nil {
		return errors.Annotatef(err, "syncing archive %q", target)
	}
	return nil
}
