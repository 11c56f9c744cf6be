// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// leaderElected makes sure the application data the leader owns exists:
// the internal credentials, the cluster name and the cluster set domain
// name. It then bootstraps the cluster if the unit is ready to.
func (r *Reconciler) leaderElected(ctx context.Context, ev event.Event) error {
	leader, err := r.isLeader()
	if err != nil {
		return errors.Trace(err)
	} else if !leader {
		return nil
	}
	if _, err := r.config.Credentials.GenerateAll(ctx); err != nil {
		return errors.Annotate(err, "generating credentials")
	}

	app := r.config.Databag.App()
	name, err := app.GetDefault(ctx, databag.ClusterNameKey, "")
	if err != nil {
		return errors.Trace(err)
	}
	if name == "" {
		cfg, err := r.charmConfig()
		if err != nil {
			return blocked("invalid charm config", err)
		}
		name = cfg.ClusterName
		if name == "" {
			name = "cluster-" + randomSuffix()
		}
		if err := mysqlsh.ValidateClusterName(name); err != nil {
			return blocked(status.MessageCreateClusterFailed, err)
		}
		if err := app.Set(ctx, databag.ClusterNameKey, name); err != nil {
			return errors.Trace(err)
		}
		r.config.Logger.Infof("cluster name set to %q", name)
	}
	domain, err := app.GetDefault(ctx, databag.ClusterSetDomainNameKey, "")
	if err != nil {
		return errors.Trace(err)
	}
	if domain == "" {
		if err := app.Set(ctx, databag.ClusterSetDomainNameKey, "cluster-set-"+randomSuffix()); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(r.reconcile(ctx, ev))
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// bootstrap creates the cluster on the local instance. Only the leader
// bootstraps, and only once: a created cluster is recorded in the
// application data before anything else. Creation is retried a few
// times; when it keeps failing the unit is blocked.
func (r *Reconciler) bootstrap(ctx context.Context, st clusterState) error {
	local := st.local(r.unitName())
	if st.Created || local.Phase != unit.Configured || local.Blocked != "" {
		return nil
	}
	if st.Name == "" {
		return event.Defer("cluster name not set yet")
	}
	leader, err := r.isLeader()
	if err != nil {
		return errors.Trace(err)
	} else if !leader {
		return nil
	}

	inst := mysqlsh.Instance{Label: unit.Label(r.unitName()), Address: r.config.Address}
	var h mysqlsh.Handle
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			h, err = r.config.Cluster.CreateCluster(ctx, st.Name, inst)
			return err
		},
		IsFatalError: func(err error) bool {
			return !mysqlsh.IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			r.config.Logger.Warningf("creating cluster %q (attempt %d): %v", st.Name, attempt, err)
		},
		Attempts: r.config.CreateAttempts,
		Delay:    r.config.RetryDelay,
		Clock:    r.config.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return blocked(status.MessageCreateClusterFailed, retry.LastError(err))
	}

	app := r.config.Databag.App()
	if err := app.SetBool(ctx, databag.ClusterCreatedKey, true); err != nil {
		return errors.Trace(err)
	}
	if err := app.Set(ctx, databag.PrimaryKey, r.unitName()); err != nil {
		return errors.Trace(err)
	}
	if err := r.recordMember(ctx, local.Phase, mysqlsh.RolePrimary); err != nil {
		return errors.Trace(err)
	}
	if err := r.config.Cluster.UpdateAllowList(ctx, h, []string{r.config.Address}); err != nil {
		r.config.Logger.Warningf("setting allow-list of cluster %q: %v", st.Name, err)
	}
	r.config.Logger.Infof("created cluster %q", st.Name)
	r.config.Emitter.Emit(event.Event{Kind: event.MemberJoined})
	return nil
}

// recordMember publishes the local unit as an online cluster member.
func (r *Reconciler) recordMember(ctx context.Context, from unit.Phase, role mysqlsh.MemberRole) error {
	bag := r.config.Databag.Local()
	if err := bag.Set(ctx, databag.MemberRoleKey, string(role)); err != nil {
		return errors.Trace(err)
	}
	if err := bag.Set(ctx, databag.MemberStateKey, string(mysqlsh.StateOnline)); err != nil {
		return errors.Trace(err)
	}
	if err := bag.SetBool(ctx, databag.StandbyKey, false); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.setPhase(ctx, from, unit.InCluster))
}
