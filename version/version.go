// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the version of the mysql agent.
package version

import (
	semversion "github.com/juju/version/v2"
)

// version is the current version of the agent.
const version = "0.9.0"

// Current is the version of the running agent.
var Current = semversion.MustParse(version)
