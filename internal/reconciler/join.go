// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// join adds the local instance to the cluster. Membership changes are
// serialized through the topology lock: a unit that loses the race
// defers and tries again on its next event. When the cluster is full
// the unit stays configured and reports itself as standby.
func (r *Reconciler) join(ctx context.Context, st clusterState) error {
	local := st.local(r.unitName())
	if local.Phase != unit.Configured || local.Blocked != "" {
		return nil
	}
	if !st.Created {
		return event.Defer("waiting for the cluster to be created")
	}
	cfg, err := r.charmConfig()
	if err != nil {
		return blocked("invalid charm config", err)
	}
	if full, err := r.standby(ctx, st, cfg.MaxMembers); err != nil || full {
		return errors.Trace(err)
	}

	if err := r.config.Databag.AcquireLock(ctx, lock.TopologyChange, r.config.Clock.Now()); errors.Is(err, lock.ErrHeld) {
		return event.Defer("%v", err)
	} else if err != nil {
		return errors.Trace(err)
	}
	defer r.releaseTopologyLock(ctx)

	// Another unit may have joined and released the lock since st was
	// read, so membership is decided again under the lock.
	if st, err = r.readState(ctx); err != nil {
		return errors.Trace(err)
	}
	if st.local(r.unitName()).Phase != unit.Configured {
		return nil
	}
	if full, err := r.standby(ctx, st, cfg.MaxMembers); err != nil || full {
		return errors.Trace(err)
	}

	if err := r.setPhase(ctx, unit.Configured, unit.Joining); err != nil {
		return errors.Trace(err)
	}
	if err := r.addSelf(ctx, st); err != nil {
		if perr := r.setPhase(ctx, unit.Joining, unit.Configured); perr != nil {
			r.config.Logger.Errorf("reverting phase: %v", perr)
		}
		return errors.Trace(err)
	}
	r.config.Emitter.Emit(event.Event{Kind: event.MemberJoined})
	return nil
}

// standby records whether the local unit has to wait outside the
// cluster because it already has maxMembers members.
func (r *Reconciler) standby(ctx context.Context, st clusterState, maxMembers int) (bool, error) {
	local := st.local(r.unitName())
	bag := r.config.Databag.Local()
	if members := st.members(); len(members) >= maxMembers {
		if !local.Standby {
			r.config.Logger.Infof("cluster has %d members, unit on standby", len(members))
		}
		return true, errors.Trace(bag.SetBool(ctx, databag.StandbyKey, true))
	}
	if local.Standby {
		return false, errors.Trace(bag.SetBool(ctx, databag.StandbyKey, false))
	}
	return false, nil
}

func (r *Reconciler) addSelf(ctx context.Context, st clusterState) error {
	h, err := st.handle(r.unitName())
	if err != nil {
		return event.Defer("%v", err)
	}
	inst := mysqlsh.Instance{Label: unit.Label(r.unitName()), Address: r.config.Address}
	topology, err := r.config.Cluster.Status(ctx, h)
	if err != nil {
		return deferRetryable(err, "querying cluster %q", st.Name)
	}
	if _, ok := topology.Member(inst.Label); ok {
		r.config.Logger.Infof("instance %s already in cluster %q", inst.Label, st.Name)
	} else {
		if err := r.config.Cluster.UpdateAllowList(ctx, h, st.allowList(r.config.Address)); err != nil {
			return deferRetryable(err, "updating allow-list")
		}
		if err := r.config.Cluster.AddInstance(ctx, h, inst); err != nil {
			return deferRetryable(err, "adding %s to cluster %q", inst.Label, st.Name)
		}
		r.config.Logger.Infof("joined cluster %q via %s", st.Name, h.Via)
	}
	return errors.Trace(r.recordMember(ctx, unit.Joining, mysqlsh.RoleSecondary))
}

// releaseTopologyLock frees the topology lock. A stuck lock blocks every
// future join, so the release is retried before giving up.
func (r *Reconciler) releaseTopologyLock(ctx context.Context) {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return r.config.Databag.ReleaseLock(ctx, lock.TopologyChange)
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, lock.ErrNotHeld)
		},
		Attempts: r.config.CreateAttempts,
		Delay:    r.config.RetryDelay,
		Clock:    r.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		r.config.Logger.Errorf("releasing %s lock: %v", lock.TopologyChange, retry.LastError(err))
	}
}
