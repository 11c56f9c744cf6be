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

// storageDetaching takes the local unit out of the cluster before its
// storage goes away. Departures are serialized by the teardown lock on
// the primary; the last member dissolves the cluster instead of
// removing itself.
func (r *Reconciler) storageDetaching(ctx context.Context, _ event.Event) error {
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	local := st.local(r.unitName())
	switch local.Phase {
	case unit.Removed:
		return nil
	case unit.Unconfigured, unit.Configured:
		return errors.Trace(r.setPhase(ctx, local.Phase, unit.Removed))
	case unit.Joining:
		// A join interrupted part way; the unit never became a member.
		if err := r.setPhase(ctx, unit.Joining, unit.Configured); err != nil {
			return errors.Trace(err)
		}
		r.releaseTopologyLock(ctx)
		return errors.Trace(r.setPhase(ctx, unit.Configured, unit.Removed))
	}

	self := local.instance()
	if self.Address == "" {
		self.Address = r.config.Address
	}
	h, topology, err := r.topology(ctx, st)
	if err != nil {
		return deferRetryable(err, "querying cluster %q", st.Name)
	}
	primary, ok := topology.Primary()
	if !ok {
		return event.Defer("cluster %q has no primary", st.Name)
	}
	held, err := r.config.Cluster.AcquireTeardownLock(ctx, primary.Address, self.Label)
	if err != nil {
		return deferRetryable(err, "acquiring %s lock", lock.UnitTeardown)
	} else if !held {
		return event.Defer("%s lock on %s held by another unit", lock.UnitTeardown, primary.Address)
	}
	defer func() {
		if err := r.config.Cluster.ReleaseTeardownLock(ctx, primary.Address, self.Label); err != nil {
			r.config.Logger.Debugf("releasing %s lock: %v", lock.UnitTeardown, err)
		}
	}()

	if err := r.setPhase(ctx, local.Phase, unit.Departing); err != nil {
		return errors.Trace(err)
	}
	if err := r.leave(ctx, st, h, topology, self); err != nil {
		if perr := r.setPhase(ctx, unit.Departing, unit.InCluster); perr != nil {
			r.config.Logger.Errorf("reverting phase: %v", perr)
		}
		return errors.Trace(err)
	}
	bag := r.config.Databag.Local()
	for _, key := range []string{databag.MemberRoleKey, databag.MemberStateKey} {
		if err := bag.Delete(ctx, key); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(r.setPhase(ctx, unit.Departing, unit.Removed))
}

// topology returns the cluster status, queried through the local
// instance when it is online and through another member otherwise.
func (r *Reconciler) topology(ctx context.Context, st clusterState) (mysqlsh.Handle, mysqlsh.Topology, error) {
	h := mysqlsh.Handle{Name: st.Name, Via: r.config.Address}
	topology, err := r.config.Cluster.Status(ctx, h)
	if err == nil {
		return h, topology, nil
	}
	r.config.Logger.Debugf("querying cluster through local instance: %v", err)
	if h, err = st.handle(r.unitName()); err != nil {
		return h, mysqlsh.Topology{}, errors.Trace(err)
	}
	topology, err = r.config.Cluster.Status(ctx, h)
	return h, topology, errors.Trace(err)
}

func (r *Reconciler) leave(ctx context.Context, st clusterState, h mysqlsh.Handle, topology mysqlsh.Topology, self mysqlsh.Instance) error {
	member, ok := topology.Member(self.Label)
	if !ok {
		r.config.Logger.Infof("instance %s already left cluster %q", self.Label, st.Name)
		return nil
	}
	if len(topology.Members) == 1 {
		if err := r.config.Cluster.DissolveCluster(ctx, h); err != nil {
			return deferRetryable(err, "dissolving cluster %q", st.Name)
		}
		r.config.Logger.Infof("last member left, cluster %q dissolved", st.Name)
		return errors.Trace(r.forgetCluster(ctx))
	}

	if member.Role == mysqlsh.RolePrimary {
		next, ok := successor(topology, self.Label)
		if !ok {
			return event.Defer("no online member to take over as primary")
		}
		if err := r.config.Cluster.SetPrimary(ctx, h, mysqlsh.Instance{Label: next.Label, Address: next.Address}); err != nil {
			return deferRetryable(err, "handing primary over to %s", next.Label)
		}
		r.config.Logger.Infof("primary handed over to %s", next.Label)
		h.Via = next.Address
		if err := r.recordPrimary(ctx, next.Label); err != nil {
			return errors.Trace(err)
		}
	} else if h.Via == self.Address {
		// Never remove an instance through itself.
		if h.Via, ok = onlineAddress(topology, self.Label); !ok {
			return event.Defer("no online member to remove %s through", self.Label)
		}
	}

	if err := r.config.Cluster.RemoveInstance(ctx, h, self, false); err != nil {
		return deferRetryable(err, "removing %s from cluster %q", self.Label, st.Name)
	}
	r.config.Logger.Infof("left cluster %q", st.Name)
	if hosts := st.without(r.unitName()).allowList(); len(hosts) > 0 {
		if err := r.config.Cluster.UpdateAllowList(ctx, h, hosts); err != nil {
			r.config.Logger.Warningf("updating allow-list: %v", err)
		}
	}
	return nil
}

// successor picks the member that takes over as primary: the lowest
// numbered online member other than label.
func successor(topology mysqlsh.Topology, label string) (mysqlsh.Member, bool) {
	var best mysqlsh.Member
	found := false
	for _, m := range topology.Online() {
		if m.Label == label {
			continue
		}
		if !found || labelNumber(m.Label) < labelNumber(best.Label) {
			best, found = m, true
		}
	}
	return best, found
}

func onlineAddress(topology mysqlsh.Topology, exclude string) (string, bool) {
	for _, m := range topology.Online() {
		if m.Label != exclude {
			return m.Address, true
		}
	}
	return "", false
}

func labelNumber(label string) int {
	name, err := unit.UnitName(label)
	if err != nil {
		return -1
	}
	return unit.Number(name)
}

// forgetCluster clears the application record of a dissolved cluster.
// Only the leader can; otherwise the leader notices on its next
// reconcile.
func (r *Reconciler) forgetCluster(ctx context.Context) error {
	leader, err := r.isLeader()
	if err != nil || !leader {
		return errors.Trace(err)
	}
	app := r.config.Databag.App()
	if err := app.SetBool(ctx, databag.ClusterCreatedKey, false); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(app.Delete(ctx, databag.PrimaryKey))
}

// recordPrimary publishes the primary unit when the local unit leads.
func (r *Reconciler) recordPrimary(ctx context.Context, label string) error {
	leader, err := r.isLeader()
	if err != nil || !leader {
		return errors.Trace(err)
	}
	name, err := unit.UnitName(label)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.config.Databag.App().Set(ctx, databag.PrimaryKey, name))
}

// peerDeparted tidies up after a unit has gone: the leader breaks any
// topology lock the unit left behind and drops it from the allow-list.
func (r *Reconciler) peerDeparted(ctx context.Context, ev event.Event) error {
	leader, err := r.isLeader()
	if err != nil {
		return errors.Trace(err)
	} else if !leader || ev.RemoteUnit == r.unitName() {
		return nil
	}
	if err := r.breakLockOf(ctx, ev.RemoteUnit); err != nil {
		return errors.Trace(err)
	}
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if !st.Created || !st.local(r.unitName()).Phase.IsMember() {
		return nil
	}
	rest := st.without(ev.RemoteUnit)
	h, topology, err := r.topology(ctx, rest)
	if err != nil {
		return deferRetryable(err, "querying cluster %q", st.Name)
	}
	if hosts := rest.allowList(); len(hosts) > 0 {
		if err := r.config.Cluster.UpdateAllowList(ctx, h, hosts); err != nil {
			return deferRetryable(err, "updating allow-list")
		}
	}
	if primary, ok := topology.Primary(); ok {
		return errors.Trace(r.recordPrimary(ctx, primary.Label))
	}
	return nil
}

// breakLockOf frees the topology lock if holder still holds it.
func (r *Reconciler) breakLockOf(ctx context.Context, holder string) error {
	token, err := r.config.Databag.LockHolder(ctx, lock.TopologyChange)
	if err != nil {
		return errors.Trace(err)
	}
	if !token.HeldBy(holder) {
		return nil
	}
	r.config.Logger.Warningf("breaking %s lock left by %s", lock.TopologyChange, holder)
	return errors.Trace(r.config.Databag.BreakLock(ctx, lock.TopologyChange))
}
