// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// ClusterStatus returns the cluster topology as the local unit sees it.
func (r *Reconciler) ClusterStatus(ctx context.Context) (mysqlsh.Topology, error) {
	st, err := r.readState(ctx)
	if err != nil {
		return mysqlsh.Topology{}, errors.Trace(err)
	}
	if !st.Created {
		return mysqlsh.Topology{}, errors.NotFoundf("cluster")
	}
	_, topology, err := r.topology(ctx, st)
	return topology, errors.Trace(err)
}

// PromoteToPrimary makes the local instance the primary. Unless force
// is set, it refuses while any member is not online, since switching
// primaries then can strand transactions on the old one.
func (r *Reconciler) PromoteToPrimary(ctx context.Context, force bool) error {
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if phase := st.local(r.unitName()).Phase; phase != unit.InCluster {
		return errors.NotValidf("promoting unit in phase %q", phase)
	}
	if err := r.config.Databag.AcquireLock(ctx, lock.TopologyChange, r.config.Clock.Now()); err != nil {
		return errors.Annotate(err, "topology change in progress")
	}
	defer r.releaseTopologyLock(ctx)

	h, topology, err := r.topology(ctx, st)
	if err != nil {
		return errors.Annotatef(err, "querying cluster %q", st.Name)
	}
	label := unit.Label(r.unitName())
	self, ok := topology.Member(label)
	if !ok {
		return errors.NotFoundf("instance %s in cluster %q", label, st.Name)
	}
	if self.Role == mysqlsh.RolePrimary {
		return nil
	}
	if self.State != mysqlsh.StateOnline {
		return errors.Errorf("instance %s is %s", label, self.State)
	}
	if !force {
		for _, m := range topology.Members {
			if m.State != mysqlsh.StateOnline {
				return errors.Errorf("member %s is %s, use force to promote anyway", m.Label, m.State)
			}
		}
	}
	if err := r.config.Cluster.SetPrimary(ctx, h, mysqlsh.Instance{Label: label, Address: self.Address}); err != nil {
		return errors.Annotatef(err, "promoting %s", label)
	}
	r.config.Logger.Infof("instance %s promoted to primary", label)
	// Only the leader records the new primary. Until it has, and the old
	// primary has published its new role, the local role stays as it is.
	if err := r.recordPrimary(ctx, label); err != nil {
		return errors.Trace(err)
	}
	if st, err = r.readState(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := r.recordState(ctx, st, mysqlsh.StateOnline, mysqlsh.RolePrimary); err != nil {
		return errors.Trace(err)
	}
	r.config.Emitter.Emit(event.Event{Kind: event.PeerRelationChanged})
	return nil
}

// Rejoin brings the local instance back into the group after it dropped
// out, for example after a network partition.
func (r *Reconciler) Rejoin(ctx context.Context) error {
	st, err := r.readState(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if phase := st.local(r.unitName()).Phase; phase != unit.InCluster {
		return errors.NotValidf("rejoining unit in phase %q", phase)
	}
	h, err := st.handle(r.unitName())
	if err != nil {
		return errors.Trace(err)
	}
	topology, err := r.config.Cluster.Status(ctx, h)
	if err != nil {
		return errors.Annotatef(err, "querying cluster %q", st.Name)
	}
	label := unit.Label(r.unitName())
	self, ok := topology.Member(label)
	if !ok {
		return errors.NotFoundf("instance %s in cluster %q", label, st.Name)
	}
	if self.State == mysqlsh.StateOnline {
		return nil
	}
	inst := mysqlsh.Instance{Label: label, Address: r.config.Address}
	if err := r.config.Cluster.RejoinInstance(ctx, h, inst); err != nil {
		return errors.Annotatef(err, "rejoining %s", label)
	}
	r.config.Logger.Infof("instance %s rejoined cluster %q", label, st.Name)
	if err := r.recordState(ctx, st, mysqlsh.StateOnline, mysqlsh.RoleSecondary); err != nil {
		return errors.Trace(err)
	}
	r.config.Emitter.Emit(event.Event{Kind: event.PeerRelationChanged})
	return nil
}
