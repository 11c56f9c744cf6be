// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// reconcile moves the local unit one step closer to membership, or
// refreshes what it publishes about its membership. It runs on every
// peer change, on update-status and after a member joined.
func (r *Reconciler) reconcile(ctx context.Context, _ event.Event) error {
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	leader, err := r.isLeader()
	if err != nil {
		return errors.Trace(err)
	}
	if leader {
		if st, err = r.tidy(ctx, st); err != nil {
			return errors.Trace(err)
		}
	}

	switch local := st.local(r.unitName()); local.Phase {
	case unit.Configured:
		if leader && !st.Created {
			return errors.Trace(r.bootstrap(ctx, st))
		}
		return errors.Trace(r.join(ctx, st))
	case unit.InCluster:
		return errors.Trace(r.refresh(ctx, st))
	}
	return nil
}

// tidy repairs application data left inconsistent by units that went
// away: topology locks held by units no longer around, and the record
// of a cluster whose last member dissolved it.
func (r *Reconciler) tidy(ctx context.Context, st clusterState) (clusterState, error) {
	token, err := r.config.Databag.LockHolder(ctx, lock.TopologyChange)
	if err != nil {
		return st, errors.Trace(err)
	}
	if !token.IsZero() {
		holder, ok := st.Peers[token.Holder]
		if !ok || holder.Phase == unit.Removed {
			if err := r.breakLockOf(ctx, token.Holder); err != nil {
				return st, errors.Trace(err)
			}
		}
	}

	if !st.Created || len(st.members()) > 0 {
		return st, nil
	}
	for _, p := range st.Peers {
		if p.Phase == unit.Removed {
			r.config.Logger.Infof("cluster %q has no members left, forgetting it", st.Name)
			if err := r.forgetCluster(ctx); err != nil {
				return st, errors.Trace(err)
			}
			st.Created, st.Primary = false, ""
			break
		}
	}
	return st, nil
}

// refresh records the local member's role and state as the cluster
// reports them. The leader first records which unit is primary.
func (r *Reconciler) refresh(ctx context.Context, st clusterState) error {
	_, topology, err := r.topology(ctx, st)
	if err != nil {
		r.config.Logger.Warningf("querying cluster %q: %v", st.Name, err)
		return errors.Trace(r.recordState(ctx, st, mysqlsh.StateUnreachable, ""))
	}
	if primary, ok := topology.Primary(); ok && primary.Label != unit.Label(st.Primary) {
		if err := r.recordPrimary(ctx, primary.Label); err != nil {
			return errors.Trace(err)
		}
		if st, err = r.readState(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	member, ok := topology.Member(unit.Label(r.unitName()))
	if !ok {
		return errors.Trace(r.recordState(ctx, st, mysqlsh.StateMissing, ""))
	}
	return errors.Trace(r.recordState(ctx, st, member.State, member.Role))
}

// recordState publishes the local member's state and role. An empty
// role means the role is unknown and clears the published one. The
// primary role is held back until mayClaimPrimary allows it, so the
// databag never names two primaries.
func (r *Reconciler) recordState(ctx context.Context, st clusterState, state mysqlsh.MemberState, role mysqlsh.MemberRole) error {
	bag := r.config.Databag.Local()
	if err := bag.Set(ctx, databag.MemberStateKey, string(state)); err != nil {
		return errors.Trace(err)
	}
	switch {
	case role == "":
		return errors.Trace(bag.Delete(ctx, databag.MemberRoleKey))
	case role == mysqlsh.RolePrimary && !r.mayClaimPrimary(st):
		r.config.Logger.Debugf("holding back primary role: recorded primary is %q", st.Primary)
		return nil
	}
	return errors.Trace(bag.Set(ctx, databag.MemberRoleKey, string(role)))
}

// mayClaimPrimary reports whether the leader has recorded the local unit
// as primary and no other unit still publishes the primary role.
func (r *Reconciler) mayClaimPrimary(st clusterState) bool {
	if st.Primary != r.unitName() {
		return false
	}
	for name, p := range st.Peers {
		if name != r.unitName() && mysqlsh.MemberRole(p.Role) == mysqlsh.RolePrimary {
			return false
		}
	}
	return true
}
