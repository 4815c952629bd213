// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package marker records the completion of upgrade phases as durable
// on-disk markers. The presence of a marker file is the contract; the
// file body carries the completion time for diagnostics only. Markers
// are never removed by the upgrade itself, which guarantees that a
// phase runs at most once per marker lifetime. Clearing one is an
// explicit operator action.
package marker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("applianceupgrade.marker")

// Known upgrade phases.
const (
	ManagerUpgrade  = "admiral_upgrade"
	RegistryUpgrade = "harbor_upgrade"
)

// Store keeps phase completion markers under a single directory.
type Store struct {
	dir   string
	clock clock.Clock
}

// NewStore returns a Store rooted at dir. The directory is created
// lazily on the first SetDone.
func NewStore(dir string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{dir: dir, clock: clk}
}

// Path returns the marker file path for the given phase.
func (s *Store) Path(phase string) string {
	return filepath.Join(s.dir, phase)
}

// Done reports whether the given phase has a completion marker.
func (s *Store) Done(phase string) (bool, error) {
	_, err := os.Stat(s.Path(phase))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Annotatef(err, "checking marker for phase %q", phase)
	}
	return true, nil
}

// SetDone writes the completion marker for the given phase. Writing an
// already present marker is an error: the phase should have been
// skipped, not re-run.
func (s *Store) SetDone(phase string) error {
	done, err := s.Done(phase)
	if err != nil {
		return errors.Trace(err)
	}
	if done {
		return errors.AlreadyExistsf("completion marker for phase %q", phase)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Annotate(err, "creating marker directory")
	}
	stamp := s.clock.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(s.Path(phase), []byte(stamp), 0644); err != nil {
		return errors.Annotatef(err, "writing marker for phase %q", phase)
	}
	logger.Infof("phase %q marked complete", phase)
	return nil
}
