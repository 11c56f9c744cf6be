// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upgrade

import (
	"regexp"

	"github.com/juju/errors"
	"github.com/juju/version/v2"
)

var workloadVersionRE = regexp.MustCompile(`^(\d+\.\d+\.\d+)`)

// ParseWorkloadVersion extracts the server version from a workload
// version string such as "8.0.36-0ubuntu0.22.04.1".
func ParseWorkloadVersion(s string) (version.Number, error) {
	m := workloadVersionRE.FindStringSubmatch(s)
	if m == nil {
		return version.Number{}, errors.NotValidf("workload version %q", s)
	}
	v, err := version.Parse(m[1])
	return v, errors.Trace(err)
}

// CheckCompatible returns an error satisfying errors.NotValid when a
// member running from cannot be replaced by one running to. Downgrades
// and major version changes break group replication.
func CheckCompatible(from, to string) error {
	fromVersion, err := ParseWorkloadVersion(from)
	if err != nil {
		return errors.Trace(err)
	}
	toVersion, err := ParseWorkloadVersion(to)
	if err != nil {
		return errors.Trace(err)
	}
	if toVersion.Major != fromVersion.Major {
		return errors.NotValidf("upgrade from %s to %s across major versions", fromVersion, toVersion)
	}
	if toVersion.Compare(fromVersion) < 0 {
		return errors.NotValidf("downgrade from %s to %s", fromVersion, toVersion)
	}
	return nil
}
