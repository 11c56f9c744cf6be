// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package status

import (
	"fmt"
	"time"
)

// Status represents the workload status of a unit or of the
// application as a whole.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

const (
	// Error means the unit requires human intervention
	// in order to operate correctly. It is never set by the
	// reconciler directly; it reflects an unexpected handler failure.
	Error Status = "error"

	// Maintenance is set when:
	// The unit is not yet providing services, but is actively doing stuff
	// in preparation for providing those services.
	// This is a "spinning" state, not an error state.
	Maintenance Status = "maintenance"

	// Waiting is set when:
	// The unit is unable to progress to an active state because a
	// precondition owned by a peer is not yet met.
	Waiting Status = "waiting"

	// Blocked is set when:
	// The unit needs manual intervention to get back to the Running state.
	Blocked Status = "blocked"

	// Active is set when:
	// The unit believes it is correctly offering all the services it has
	// been asked to offer.
	Active Status = "active"

	// Unknown is set when:
	// The agent has not yet computed a status for the unit.
	Unknown Status = "unknown"
)

const (
	MessageWaitingForPeers      = "waiting for peer relation"
	MessageConfiguringInstance  = "configuring instance"
	MessageCreatingCluster      = "creating cluster"
	MessageWaitingToJoin        = "waiting to join the cluster"
	MessageJoiningCluster       = "joining the cluster"
	MessageUnitDeparting        = "removing unit from cluster"
	MessageClusterFull          = "standby: cluster at maximum size"
	MessageCreateClusterFailed  = "failed to create the InnoDB cluster"
	MessageConfigureFailed      = "failed to configure instance for InnoDB"
	MessageWorkloadUnavailable  = "waiting for database service"
	MessageMemberOffline        = "unable to reach the cluster; use rejoin-cluster"
	MessageUpgradeInProgress    = "upgrade in progress"
	MessagePrimary              = "Primary"
	MessageWaitingForLeader     = "waiting for leader to set up credentials"
	MessageWaitingForBootstrap  = "waiting for cluster to be created"
)

// StatusInfo holds a Status and associated information.
type StatusInfo struct {
	Status  Status
	Message string
	Data    map[string]interface{}
	Since   *time.Time
}

// String returns the status in the "status: message" form used by
// `juju status`.
func (s StatusInfo) String() string {
	if s.Message == "" {
		return s.Status.String()
	}
	return fmt.Sprintf("%s: %s", s.Status, s.Message)
}

// StatusSetter represents a type whose status can be set.
type StatusSetter interface {
	SetStatus(StatusInfo) error
}

// StatusGetter represents a type whose status can be read.
type StatusGetter interface {
	Status() (StatusInfo, error)
}

// ValidWorkloadStatus returns true if status has a valid value (that is to say,
// a value that it's OK to set) for units or applications.
func ValidWorkloadStatus(status Status) bool {
	switch status {
	case
		Blocked,
		Maintenance,
		Waiting,
		Active,
		Unknown:
		return true
	default:
		return false
	}
}

// Severity orders workload statuses so that the application status can be
// derived from its units: the most severe unit status wins.
func (s Status) Severity() int {
	switch s {
	case Error:
		return 5
	case Blocked:
		return 4
	case Maintenance:
		return 3
	case Waiting:
		return 2
	case Active:
		return 1
	default:
		return 0
	}
}

// Aggregate returns the most severe status among infos. An empty input
// yields Unknown.
func Aggregate(infos ...StatusInfo) StatusInfo {
	result := StatusInfo{Status: Unknown}
	for _, info := range infos {
		if info.Status.Severity() > result.Status.Severity() {
			result = info
		}
	}
	return result
}
