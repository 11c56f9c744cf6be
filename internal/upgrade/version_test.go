// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	gc "gopkg.in/check.v1"
)

type versionSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&versionSuite{})

func (s *versionSuite) TestParseWorkloadVersion(c *gc.C) {
	v, err := ParseWorkloadVersion("8.0.36-0ubuntu0.22.04.1")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(v, jc.DeepEquals, version.Number{Major: 8, Minor: 0, Patch: 36})

	_, err = ParseWorkloadVersion("mysqld")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *versionSuite) TestCheckCompatible(c *gc.C) {
	for i, test := range []struct {
		from, to string
		err      string
	}{
		{from: "8.0.34", to: "8.0.36"},
		{from: "8.0.36-0ubuntu0.22.04.1", to: "8.0.36-0ubuntu0.22.04.2"},
		{from: "8.0.36", to: "8.0.34", err: `downgrade from 8.0.36 to 8.0.34 not valid`},
		{from: "8.0.36", to: "9.0.1", err: `upgrade from 8.0.36 to 9.0.1 across major versions not valid`},
		{from: "", to: "8.0.36", err: `workload version "" not valid`},
	} {
		c.Logf("test %d: %s -> %s", i, test.from, test.to)
		err := CheckCompatible(test.from, test.to)
		if test.err == "" {
			c.Check(err, jc.ErrorIsNil)
		} else {
			c.Check(err, gc.ErrorMatches, test.err)
		}
	}
}
