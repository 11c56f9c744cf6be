// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// BlockedError reports a failure that needs operator action. The unit
// goes to blocked status with Message and the event is not retried.
type BlockedError struct {
	Message string
	Err     error
}

// Error implements error.
func (e *BlockedError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap returns the underlying error.
func (e *BlockedError) Unwrap() error {
	return e.Err
}

func blocked(message string, err error) error {
	return &BlockedError{Message: message, Err: err}
}

// publishedStatus is the form of the unit status kept in the databag.
type publishedStatus struct {
	Status  status.Status `json:"status"`
	Message string        `json:"message,omitempty"`
}

// UpdateStatus computes the unit status and reports it.
func (r *Reconciler) UpdateStatus(ctx context.Context) error {
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	ready, err := r.config.Workload.Ready(ctx)
	if err != nil {
		r.config.Logger.Debugf("querying workload: %v", err)
	}
	info := r.computeStatus(st, ready)
	if err := r.config.Status.SetStatus(info); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.config.Databag.Local().SetJSON(ctx, databag.StatusKey, publishedStatus{
		Status:  info.Status,
		Message: info.Message,
	}))
}

func (r *Reconciler) computeStatus(st clusterState, workloadReady bool) status.StatusInfo {
	local := st.local(r.unitName())
	switch {
	case local.Blocked != "":
		return status.StatusInfo{Status: status.Blocked, Message: local.Blocked}
	case local.Standby:
		return status.StatusInfo{Status: status.Blocked, Message: status.MessageClusterFull}
	}

	switch local.Phase {
	case unit.Unconfigured:
		if !workloadReady {
			return status.StatusInfo{Status: status.Waiting, Message: status.MessageWorkloadUnavailable}
		}
		return status.StatusInfo{Status: status.Maintenance, Message: status.MessageConfiguringInstance}
	case unit.Configured:
		if !st.Created {
			return status.StatusInfo{Status: status.Waiting, Message: status.MessageWaitingForBootstrap}
		}
		return status.StatusInfo{Status: status.Waiting, Message: status.MessageWaitingToJoin}
	case unit.Joining:
		return status.StatusInfo{Status: status.Maintenance, Message: status.MessageJoiningCluster}
	case unit.Departing, unit.Removed:
		return status.StatusInfo{Status: status.Maintenance, Message: status.MessageUnitDeparting}
	}

	switch mysqlsh.MemberState(local.State) {
	case mysqlsh.StateOffline, mysqlsh.StateError, mysqlsh.StateUnreachable, mysqlsh.StateMissing:
		return status.StatusInfo{Status: status.Blocked, Message: status.MessageMemberOffline}
	}
	if !workloadReady {
		return status.StatusInfo{Status: status.Waiting, Message: status.MessageWorkloadUnavailable}
	}
	if st.Upgrade != "" {
		return status.StatusInfo{Status: status.Maintenance, Message: status.MessageUpgradeInProgress}
	}
	if st.Primary == r.unitName() {
		return status.StatusInfo{Status: status.Active, Message: status.MessagePrimary}
	}
	return status.StatusInfo{Status: status.Active}
}
