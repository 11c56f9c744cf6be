// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// workloadReady configures the local instance once mysqld can be
// started: my.cnf, the service, the internal accounts and the InnoDB
// cluster instance settings. A configured unit only makes sure mysqld
// runs.
func (r *Reconciler) workloadReady(ctx context.Context, _ event.Event) error {
	exists, err := r.config.Relation.Exists()
	if err != nil {
		return errors.Trace(err)
	} else if !exists {
		return event.Defer("peer relation not created yet")
	}
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	local := st.local(r.unitName())
	if local.Configured {
		r.config.Logger.Debugf("instance already configured")
		return errors.Trace(r.config.Workload.EnsureService(ctx))
	}

	cfg, err := r.charmConfig()
	if err != nil {
		return blocked("invalid charm config", err)
	}
	creds, err := r.credentials(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := r.config.Workload.WriteConfig(ctx, cfg); errors.Is(err, errors.NotValid) {
		return blocked(status.MessageConfigureFailed, err)
	} else if err != nil {
		return errors.Annotate(err, "writing mysqld config")
	}
	if err := r.config.Workload.EnsureService(ctx); err != nil {
		return errors.Annotate(err, "starting mysqld")
	}
	if ready, err := r.config.Workload.Ready(ctx); err != nil {
		return errors.Trace(err)
	} else if !ready {
		return event.Defer("mysqld not running yet")
	}

	if err := r.config.Cluster.CreateUsers(ctx, creds); err != nil {
		return deferRetryable(err, "creating internal users")
	}
	if err := r.config.Cluster.ConfigureInstance(ctx, r.config.Address); errors.Is(err, errors.NotValid) {
		return blocked(status.MessageConfigureFailed, err)
	} else if err != nil {
		return deferRetryable(err, "configuring instance")
	}

	version, err := r.config.Workload.Version(ctx)
	if err != nil {
		r.config.Logger.Warningf("querying mysqld version: %v", err)
	}
	bag := r.config.Databag.Local()
	if err := bag.Set(ctx, databag.AddressKey, r.config.Address); err != nil {
		return errors.Trace(err)
	}
	if version != "" {
		if err := bag.Set(ctx, databag.WorkloadVersionKey, version); err != nil {
			return errors.Trace(err)
		}
	}
	if err := r.setPhase(ctx, local.Phase, unit.Configured); err != nil {
		return errors.Trace(err)
	}
	if err := bag.SetBool(ctx, databag.ConfiguredKey, true); err != nil {
		return errors.Trace(err)
	}
	r.config.Logger.Infof("instance %s configured", r.config.Address)

	leader, err := r.isLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if !leader {
		r.config.Emitter.Emit(event.Event{Kind: event.PeerRelationChanged})
		return nil
	}
	if st, err = r.readState(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.bootstrap(ctx, st))
}

// credentials returns the internal accounts. The leader creates them if
// needed; other units wait for it.
func (r *Reconciler) credentials(ctx context.Context) ([]credential.Credential, error) {
	leader, err := r.isLeader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if leader {
		creds, err := r.config.Credentials.GenerateAll(ctx)
		return creds, errors.Trace(err)
	}
	creds, err := r.config.Credentials.All(ctx)
	if errors.Is(err, errors.NotFound) {
		return nil, event.Defer(status.MessageWaitingForLeader)
	}
	return creds, errors.Trace(err)
}

// configChanged re-renders my.cnf and restarts mysqld when the memory
// settings changed. It clears a sticky blocked status, giving the
// operator a way to retry a failed step.
func (r *Reconciler) configChanged(ctx context.Context, _ event.Event) error {
	if err := r.config.Databag.Local().Delete(ctx, databag.BlockedKey); err != nil {
		return errors.Trace(err)
	}
	cfg, err := r.charmConfig()
	if err != nil {
		return blocked("invalid charm config", err)
	}
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if st.Name != "" && cfg.ClusterName != "" {
		if err := config.ValidateChange(config.Config{ClusterName: st.Name}, cfg); err != nil {
			return blocked(fmt.Sprintf("%s cannot be changed after deployment", config.ClusterNameKey), err)
		}
	}
	if !st.local(r.unitName()).Configured {
		return nil
	}
	changed, err := r.config.Workload.WriteConfig(ctx, cfg)
	if errors.Is(err, errors.NotValid) {
		return blocked(status.MessageConfigureFailed, err)
	} else if err != nil {
		return errors.Annotate(err, "writing mysqld config")
	}
	if !changed {
		return nil
	}
	r.config.Logger.Infof("memory settings changed, restarting mysqld")
	return errors.Annotate(r.config.Workload.Restart(ctx), "restarting mysqld")
}

func (r *Reconciler) setPhase(ctx context.Context, from, to unit.Phase) error {
	if _, err := from.Transition(to); err != nil {
		return errors.Trace(err)
	}
	if from != to {
		r.config.Logger.Infof("phase %s -> %s", from, to)
	}
	return errors.Trace(r.config.Databag.Local().Set(ctx, databag.PhaseKey, string(to)))
}

// deferRetryable turns transient failures into deferrals.
func deferRetryable(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if mysqlsh.IsRetryable(err) || errors.Is(err, lock.ErrHeld) || errors.Is(err, databag.ErrStateUnavailable) {
		return event.Defer("%s: %v", msg, err)
	}
	return errors.Annotate(err, msg)
}
