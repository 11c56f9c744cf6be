// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag

// Application keys, written by the leader only.
const (
	ClusterNameKey          = "cluster-name"
	ClusterSetDomainNameKey = "cluster-set-domain-name"
	ClusterCreatedKey       = "cluster-created"
	PrimaryKey              = "primary"
	UpgradeStateKey         = "upgrade-state"
)

// Unit keys, written by the owning unit only.
const (
	ConfiguredKey      = "configured"
	AddressKey         = "address"
	PhaseKey           = "phase"
	StandbyKey         = "standby"
	StatusKey          = "unit-status"
	WorkloadVersionKey = "workload-version"
	MemberStateKey     = "member-state"
	MemberRoleKey      = "member-role"
	BlockedKey         = "blocked-message"
)

// lockKeyPrefix prefixes application keys holding lock tokens. These are
// the only application keys non-leaders may write, and only through
// compare-and-set.
const lockKeyPrefix = "lock-"

// PasswordKey returns the application key holding the password of an
// internal account when credentials live in the databag.
func PasswordKey(username string) string {
	return username + "-password"
}

// UnitUpgradeStateKey is the unit key recording that the unit came back
// after its workload was refreshed during an upgrade.
const UnitUpgradeStateKey = "unit-upgrade-state"
