// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mysqlsh drives the MySQL Shell AdminAPI. Every operation renders
// a short Python script, runs it with mysqlsh and decodes the JSON result
// printed on the last line of its output.
package mysqlsh

import (
	"context"

	"github.com/juju/loggo/v2"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
)

var logger = loggo.GetLogger("mysql.mysqlsh")

// Instance identifies a database instance: the label it carries inside
// the cluster and the host it listens on.
type Instance struct {
	Label   string
	Address string
}

// Handle refers to an existing cluster, reached through one of its
// members.
type Handle struct {
	Name string
	Via  string
}

// ClusterControl is the set of cluster operations the reconciler relies
// on. All calls block until the external tool returns.
type ClusterControl interface {
	// ConfigureInstance prepares the local instance for InnoDB Cluster.
	ConfigureInstance(ctx context.Context, address string) error

	// CreateUsers creates the internal accounts on the local instance.
	// Existing accounts are left untouched.
	CreateUsers(ctx context.Context, creds []credential.Credential) error

	// SetPassword changes the password of an existing account.
	SetPassword(ctx context.Context, cred credential.Credential) error

	// CreateCluster bootstraps a new cluster on the given instance.
	CreateCluster(ctx context.Context, name string, inst Instance) (Handle, error)

	// AddInstance adds inst to the cluster.
	AddInstance(ctx context.Context, h Handle, inst Instance) error

	// RemoveInstance removes inst from the cluster.
	RemoveInstance(ctx context.Context, h Handle, inst Instance, force bool) error

	// DissolveCluster removes the cluster metadata and stops replication
	// on every remaining member.
	DissolveCluster(ctx context.Context, h Handle) error

	// Primary returns the current read-write member.
	Primary(ctx context.Context, h Handle) (Member, error)

	// Status returns the cluster topology.
	Status(ctx context.Context, h Handle) (Topology, error)

	// UpdateAllowList replaces the group replication allow-list.
	UpdateAllowList(ctx context.Context, h Handle, hosts []string) error

	// SetPrimary makes inst the read-write member.
	SetPrimary(ctx context.Context, h Handle, inst Instance) error

	// RejoinInstance brings a member that dropped out back into the group.
	RejoinInstance(ctx context.Context, h Handle, inst Instance) error

	// AcquireTeardownLock takes the teardown lock held in a table on the
	// primary. It reports false when another unit holds it.
	AcquireTeardownLock(ctx context.Context, primary string, holder string) (bool, error)

	// ReleaseTeardownLock frees the teardown lock if holder holds it.
	ReleaseTeardownLock(ctx context.Context, primary string, holder string) error
}
