// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconciler drives a unit through its cluster lifecycle:
// configuring the instance, bootstrapping or joining the cluster, and
// leaving it again.
package reconciler

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/names/v5"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/dispatcher"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// Workload controls the local mysqld.
type Workload interface {
	Ready(ctx context.Context) (bool, error)
	EnsureService(ctx context.Context) error
	WriteConfig(ctx context.Context, cfg config.Config) (bool, error)
	Restart(ctx context.Context) error
	Version(ctx context.Context) (string, error)
}

// Credentials gives access to the internal accounts.
type Credentials interface {
	All(ctx context.Context) ([]credential.Credential, error)
	GenerateAll(ctx context.Context) ([]credential.Credential, error)
}

// ConfigGetter returns the current charm config.
type ConfigGetter interface {
	CharmConfig() (config.Config, error)
}

// PeerRelation reports whether the peer relation has been created.
type PeerRelation interface {
	Exists() (bool, error)
}

// Config holds the dependencies of a Reconciler.
type Config struct {
	Unit        names.UnitTag
	Address     string
	Databag     *databag.Databag
	Leader      databag.LeadershipChecker
	Cluster     mysqlsh.ClusterControl
	Workload    Workload
	Credentials Credentials
	CharmConfig ConfigGetter
	Relation    PeerRelation
	Status      status.StatusSetter
	Emitter     dispatcher.Emitter
	Clock       clock.Clock
	Logger      logger.Logger

	// CreateAttempts and RetryDelay pace the retries of cluster
	// creation and of releasing the topology token.
	CreateAttempts int
	RetryDelay     time.Duration
}

// Validate ensures that the configuration is
// correctly populated for reconciler operation.
func (config Config) Validate() error {
	if config.Unit.Id() == "" {
		return errors.NotValidf("empty Unit")
	}
	if config.Address == "" {
		return errors.NotValidf("empty Address")
	}
	if config.Databag == nil {
		return errors.NotValidf("nil Databag")
	}
	if config.Leader == nil {
		return errors.NotValidf("nil Leader")
	}
	if config.Cluster == nil {
		return errors.NotValidf("nil Cluster")
	}
	if config.Workload == nil {
		return errors.NotValidf("nil Workload")
	}
	if config.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if config.CharmConfig == nil {
		return errors.NotValidf("nil CharmConfig")
	}
	if config.Relation == nil {
		return errors.NotValidf("nil Relation")
	}
	if config.Status == nil {
		return errors.NotValidf("nil Status")
	}
	if config.Emitter == nil {
		return errors.NotValidf("nil Emitter")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.CreateAttempts <= 0 {
		return errors.NotValidf("non-positive CreateAttempts")
	}
	if config.RetryDelay <= 0 {
		return errors.NotValidf("non-positive RetryDelay")
	}
	return nil
}

// Reconciler handles the lifecycle events of one unit.
type Reconciler struct {
	config Config
}

// New returns a Reconciler.
func New(config Config) (*Reconciler, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Reconciler{config: config}, nil
}

// Handlers returns the reconciler's handler for each event kind it
// handles.
func (r *Reconciler) Handlers() map[event.Kind]dispatcher.Handler {
	handlers := make(map[event.Kind]dispatcher.Handler)
	for kind, fn := range map[event.Kind]func(context.Context, event.Event) error{
		event.WorkloadReady:        r.workloadReady,
		event.LeaderElected:        r.leaderElected,
		event.ConfigChanged:        r.configChanged,
		event.PeerRelationCreated:  r.reconcile,
		event.PeerRelationChanged:  r.reconcile,
		event.UpdateStatus:         r.reconcile,
		event.MemberJoined:         r.reconcile,
		event.PeerRelationDeparted: r.peerDeparted,
		event.StorageDetaching:     r.storageDetaching,
	} {
		handlers[kind] = r.handler(fn)
	}
	return handlers
}

// Register installs the reconciler's handlers.
func (r *Reconciler) Register(d *dispatcher.Dispatcher) error {
	for kind, h := range r.Handlers() {
		if err := d.Register(kind, h); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// handler wraps fn so that blocking errors become a sticky blocked
// status, and the unit status is recomputed once fn returns.
func (r *Reconciler) handler(fn func(context.Context, event.Event) error) dispatcher.Handler {
	return dispatcher.HandlerFunc(func(ctx context.Context, ev event.Event) error {
		err := fn(ctx, ev)
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			r.config.Logger.Errorf("%s: %v", ev.Kind, blocked)
			if berr := r.config.Databag.Local().Set(ctx, databag.BlockedKey, blocked.Message); berr != nil {
				return errors.Trace(berr)
			}
			err = nil
		}
		if serr := r.UpdateStatus(ctx); serr != nil {
			r.config.Logger.Warningf("updating status after %s: %v", ev.Kind, serr)
		}
		return err
	})
}

func (r *Reconciler) unitName() string {
	return r.config.Unit.Id()
}

func (r *Reconciler) isLeader() (bool, error) {
	leader, err := r.config.Leader.IsLeader()
	return leader, errors.Trace(err)
}

func (r *Reconciler) charmConfig() (config.Config, error) {
	cfg, err := r.config.CharmConfig.CharmConfig()
	return cfg, errors.Trace(err)
}
