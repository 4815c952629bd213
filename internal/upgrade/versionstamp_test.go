// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade_test

import (
	"os"
	"path/filepath"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/ovatools/applianceupgrade/internal/upgrade"
)

type versionStampSuite struct{}

var _ = gc.Suite(&versionStampSuite{})

func (s *versionStampSuite) TestStampFirstInstall(c *gc.C) {
	path := filepath.Join(c.MkDir(), "version")

	previous, err := upgrade.StampVersion(path, "v2.0.0")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(previous, gc.Equals, "")

	data, err := os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "v2.0.0\n")
}

func (s *versionStampSuite) TestStampReturnsPrevious(c *gc.C) {
	path := filepath.Join(c.MkDir(), "version")
	err := os.WriteFile(path, []byte("v1.1.0\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)

	previous, err := upgrade.StampVersion(path, "v2.0.0")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(previous, gc.Equals, "v1.1.0")
}

func (s *versionStampSuite) TestStampToleratesUnparseablePrevious(c *gc.C) {
	path := filepath.Join(c.MkDir(), "version")
	err := os.WriteFile(path, []byte("not-a-version\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)

	previous, err := upgrade.StampVersion(path, "v2.0.0")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(previous, gc.Equals, "not-a-version")

	data, err := os.ReadFile(path)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(string(data), gc.Equals, "v2.0.0\n")
}
