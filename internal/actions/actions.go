// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package actions implements the operator actions of the charm.
package actions

import (
	"context"
	"sort"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"github.com/mitchellh/mapstructure"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/backups"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/dispatcher"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// Action names.
const (
	GetPassword      = "get-password"
	SetPassword      = "set-password"
	GetClusterStatus = "get-cluster-status"
	CreateBackup     = "create-backup"
	ListBackups      = "list-backups"
	Restore          = "restore"
	PromoteToPrimary = "promote-to-primary"
	RejoinCluster    = "rejoin-cluster"
	PreUpgradeCheck  = "pre-upgrade-check"
	ResumeUpgrade    = "resume-upgrade"
)

// ActionRunner runs an action under the unit's machine lock.
type ActionRunner interface {
	RunAction(ctx context.Context, name string, fn dispatcher.ActionFunc) (map[string]any, error)
}

// Credentials reads and rotates the internal accounts.
type Credentials interface {
	Get(ctx context.Context, username string) (credential.Credential, error)
	Rotate(ctx context.Context, username, password string) (credential.Credential, error)
}

// Cluster operates on the cluster membership of the unit.
type Cluster interface {
	ClusterStatus(ctx context.Context) (mysqlsh.Topology, error)
	PromoteToPrimary(ctx context.Context, force bool) error
	Rejoin(ctx context.Context) error
}

// Backups creates, lists and restores backups.
type Backups interface {
	Create(ctx context.Context) (map[string]any, error)
	List(ctx context.Context) ([]backups.Metadata, error)
	Restore(ctx context.Context, id string) (map[string]any, error)
}

// Upgrades drives in-place upgrades.
type Upgrades interface {
	PreUpgradeCheck(ctx context.Context) (map[string]any, error)
	ResumeUpgrade(ctx context.Context, force bool) (map[string]any, error)
}

// Config holds the dependencies of a Runner.
type Config struct {
	Runner      ActionRunner
	Credentials Credentials
	Cluster     Cluster
	Backups     Backups
	Upgrades    Upgrades
	Logger      logger.Logger
}

// Validate ensures that the configuration is
// correctly populated for action operation.
func (config Config) Validate() error {
	if config.Runner == nil {
		return errors.NotValidf("nil Runner")
	}
	if config.Credentials == nil {
		return errors.NotValidf("nil Credentials")
	}
	if config.Cluster == nil {
		return errors.NotValidf("nil Cluster")
	}
	if config.Backups == nil {
		return errors.NotValidf("nil Backups")
	}
	if config.Upgrades == nil {
		return errors.NotValidf("nil Upgrades")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Runner validates action parameters and runs actions.
type Runner struct {
	config Config
}

// NewRunner returns a Runner.
func NewRunner(config Config) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Runner{config: config}, nil
}

type action struct {
	fields   schema.Fields
	defaults schema.Defaults
	run      func(r *Runner, ctx context.Context, params map[string]any) (map[string]any, error)
}

var registry = map[string]action{
	GetPassword: {
		fields:   schema.Fields{"username": schema.String()},
		defaults: schema.Defaults{"username": credential.RootUser},
		run:      (*Runner).getPassword,
	},
	SetPassword: {
		fields:   schema.Fields{"username": schema.String(), "password": schema.String()},
		defaults: schema.Defaults{"username": credential.RootUser, "password": ""},
		run:      (*Runner).setPassword,
	},
	GetClusterStatus: {run: (*Runner).clusterStatus},
	CreateBackup:     {run: (*Runner).createBackup},
	ListBackups:      {run: (*Runner).listBackups},
	Restore: {
		fields: schema.Fields{"backup-id": schema.String()},
		run:    (*Runner).restore,
	},
	PromoteToPrimary: {
		fields:   schema.Fields{"force": schema.Bool()},
		defaults: schema.Defaults{"force": false},
		run:      (*Runner).promote,
	},
	RejoinCluster: {run: (*Runner).rejoin},
	PreUpgradeCheck: {
		run: func(r *Runner, ctx context.Context, _ map[string]any) (map[string]any, error) {
			return r.config.Upgrades.PreUpgradeCheck(ctx)
		},
	},
	ResumeUpgrade: {
		fields:   schema.Fields{"force": schema.Bool()},
		defaults: schema.Defaults{"force": false},
		run:      (*Runner).resumeUpgrade,
	},
}

// Names returns the names of the supported actions, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run validates params and runs the named action under the machine
// lock.
func (r *Runner) Run(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	a, ok := registry[name]
	if !ok {
		return nil, errors.NotFoundf("action %q", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	coerced, err := schema.StrictFieldMap(a.fields, a.defaults).Coerce(params, nil)
	if err != nil {
		return nil, errors.NewNotValid(err, "invalid parameters for "+name)
	}
	r.config.Logger.Debugf("running action %s", name)
	return r.config.Runner.RunAction(ctx, name, func(ctx context.Context) (map[string]any, error) {
		return a.run(r, ctx, coerced.(map[string]any))
	})
}

func decode(params map[string]any, out any) error {
	return errors.Trace(mapstructure.Decode(params, out))
}

type passwordParams struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func (r *Runner) getPassword(ctx context.Context, params map[string]any) (map[string]any, error) {
	var p passwordParams
	if err := decode(params, &p); err != nil {
		return nil, errors.Trace(err)
	}
	cred, err := r.config.Credentials.Get(ctx, p.Username)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]any{"username": cred.Username, "password": cred.Password}, nil
}

func (r *Runner) setPassword(ctx context.Context, params map[string]any) (map[string]any, error) {
	var p passwordParams
	if err := decode(params, &p); err != nil {
		return nil, errors.Trace(err)
	}
	cred, err := r.config.Credentials.Rotate(ctx, p.Username, p.Password)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]any{"username": cred.Username}, nil
}

func (r *Runner) clusterStatus(ctx context.Context, _ map[string]any) (map[string]any, error) {
	topology, err := r.config.Cluster.ClusterStatus(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	members := make(map[string]any, len(topology.Members))
	for _, m := range topology.Members {
		members[m.Label] = map[string]any{
			"address": m.Address,
			"role":    string(m.Role),
			"status":  string(m.State),
			"version": m.Version,
		}
	}
	return map[string]any{
		"status": map[string]any{
			"name":    topology.Name,
			"status":  topology.Status,
			"members": members,
		},
	}, nil
}

func (r *Runner) createBackup(ctx context.Context, _ map[string]any) (map[string]any, error) {
	return r.config.Backups.Create(ctx)
}

func (r *Runner) listBackups(ctx context.Context, _ map[string]any) (map[string]any, error) {
	list, err := r.config.Backups.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]any{
		"backups": backups.FormatList(list),
		"count":   strconv.Itoa(len(list)),
	}, nil
}

type restoreParams struct {
	BackupID string `mapstructure:"backup-id"`
}

func (r *Runner) restore(ctx context.Context, params map[string]any) (map[string]any, error) {
	var p restoreParams
	if err := decode(params, &p); err != nil {
		return nil, errors.Trace(err)
	}
	return r.config.Backups.Restore(ctx, p.BackupID)
}

type forceParams struct {
	Force bool `mapstructure:"force"`
}

func (r *Runner) promote(ctx context.Context, params map[string]any) (map[string]any, error) {
	var p forceParams
	if err := decode(params, &p); err != nil {
		return nil, errors.Trace(err)
	}
	if err := r.config.Cluster.PromoteToPrimary(ctx, p.Force); err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]any{"success": "true"}, nil
}

func (r *Runner) rejoin(ctx context.Context, _ map[string]any) (map[string]any, error) {
	if err := r.config.Cluster.Rejoin(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]any{"success": "true"}, nil
}

func (r *Runner) resumeUpgrade(ctx context.Context, params map[string]any) (map[string]any, error) {
	var p forceParams
	if err := decode(params, &p); err != nil {
		return nil, errors.Trace(err)
	}
	return r.config.Upgrades.ResumeUpgrade(ctx, p.Force)
}
