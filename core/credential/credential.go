// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package credential

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"
)

// Internal service accounts created at bootstrap.
const (
	RootUser         = "root"
	ServerConfigUser = "serverconfig"
	ClusterAdminUser = "clusteradmin"
	MonitoringUser   = "monitoring"
	BackupsUser      = "backups"
)

// Scope describes where an account may connect from.
type Scope string

const (
	// ScopeLocal accounts may only connect through the local socket.
	ScopeLocal Scope = "localhost"

	// ScopeCluster accounts may connect from any cluster member.
	ScopeCluster Scope = "%"
)

// InternalUsers lists the accounts owned by the credential manager.
var InternalUsers = set.NewStrings(
	RootUser, ServerConfigUser, ClusterAdminUser, MonitoringUser, BackupsUser,
)

// DefaultScope returns the connection scope for an internal account.
func DefaultScope(username string) Scope {
	switch username {
	case RootUser, MonitoringUser, BackupsUser:
		return ScopeLocal
	}
	return ScopeCluster
}

// Credential holds the secret for one internal service account.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Scope    Scope  `json:"scope"`
}

// Validate returns an error if the credential is incomplete or names an
// account the charm does not own.
func (c Credential) Validate() error {
	if !InternalUsers.Contains(c.Username) {
		return errors.NotValidf("username %q", c.Username)
	}
	if c.Password == "" {
		return errors.NotValidf("empty password for %q", c.Username)
	}
	switch c.Scope {
	case ScopeLocal, ScopeCluster:
	default:
		return errors.NotValidf("scope %q", c.Scope)
	}
	return nil
}

// ValidateUsername returns an error if username is not an internal
// account.
func ValidateUsername(username string) error {
	if !InternalUsers.Contains(username) {
		return errors.NotValidf("username %q (valid usernames: %v)", username, InternalUsers.SortedValues())
	}
	return nil
}
