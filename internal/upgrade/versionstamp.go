// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"github.com/juju/version/v2"
)

// StampVersion overwrites the version file with newTag and returns
// the previous value for diagnostics. A missing or unparseable
// previous stamp is not an error; the stamp write is unconditional.
func StampVersion(path, newTag string) (string, error) {
	previous := ""
	data, err := os.ReadFile(path)
	if err == nil {
		previous = strings.TrimSpace(string(data))
	} else if !os.IsNotExist(err) {
		return "", errors.Annotatef(err, "reading version stamp %q", path)
	}

	if previous != "" {
		if old, err := version.Parse(strings.TrimPrefix(previous, "v")); err == nil {
			logger.Infof("upgrading version stamp from %s to %s", old, newTag)
		} else {
			logger.Infof("replacing unparseable version stamp %q with %s", previous, newTag)
		}
	}
	if err := utils.AtomicWriteFile(path, []byte(newTag+"\n"), 0644); err != nil {
		return "", errors.Annotatef(err, "writing version stamp %q", path)
	}
	return previous, nil
}
