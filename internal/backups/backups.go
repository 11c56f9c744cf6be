// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package backups streams physical backups of the instance to an
// object store and restores them.
package backups

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/ratelimit"
	"golang.org/x/sync/errgroup"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/workload"
)

const (
	// DataDir is the instance's data directory in the workload container.
	DataDir = "/var/lib/mysql"

	// RestoreDir receives a backup stream before it is moved into
	// DataDir.
	RestoreDir = "/var/lib/mysql-restore"

	socketPath = "/var/run/mysqld/mysqld.sock"

	// fetchLimit bounds concurrent metadata downloads.
	fetchLimit = 4
)

// Workload runs commands in the workload container and controls mysqld.
type Workload interface {
	Exec(ctx context.Context, req workload.ExecRequest) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Version(ctx context.Context) (string, error)
}

// Credentials gives access to the internal accounts.
type Credentials interface {
	Get(ctx context.Context, username string) (credential.Credential, error)
	All(ctx context.Context) ([]credential.Credential, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Databag     *databag.Databag
	Leader      databag.LeadershipChecker
	Address     string
	Cluster     mysqlsh.ClusterControl
	Workload    Workload
	Credentials Credentials
	Clock       clock.Clock
	Logger      logger.Logger

	// Store is nil when no bucket is configured.
	Store ObjectStore

	// Prefix is the key prefix of backups in the store.
	Prefix string

	// SpoolDir holds backup streams until they are uploaded.
	SpoolDir string

	// BandwidthLimit caps the backup stream, in bytes per second; zero
	// means unlimited.
	BandwidthLimit int64
}

// Validate ensures that the configuration is
// correctly populated for backup operation.
func (config Config) Validate() error {
	if config.Databag == nil {
		return errors.NotValidf("nil Databag")
	}
	if config.Leader == nil {
		return errors.NotValidf("nil Leader")
	}
	if config.Address == "" {
		return errors.NotValidf("empty Address")
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
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.BandwidthLimit < 0 {
		return errors.NotValidf("negative BandwidthLimit")
	}
	return nil
}

// Manager creates, lists and restores backups of one unit.
type Manager struct {
	config Config
}

// NewManager returns a Manager.
func NewManager(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{config: config}, nil
}

func (m *Manager) store() (ObjectStore, error) {
	if m.config.Store == nil {
		return nil, errors.NotProvisionedf("s3 bucket")
	}
	return m.config.Store, nil
}

type localState struct {
	clusterName string
	created     bool
	phase       unit.Phase
	state       string
	role        string
	members     int
	units       int
}

func (m *Manager) readState(ctx context.Context) (localState, error) {
	var st localState
	var err error
	app := m.config.Databag.App()
	if st.clusterName, err = app.GetDefault(ctx, databag.ClusterNameKey, ""); err != nil {
		return st, errors.Trace(err)
	}
	if st.created, err = app.GetBool(ctx, databag.ClusterCreatedKey); err != nil {
		return st, errors.Trace(err)
	}
	units, err := m.config.Databag.Units(ctx)
	if err != nil {
		return st, errors.Trace(err)
	}
	for name, values := range units {
		phase, err := unit.ParsePhase(values[databag.PhaseKey])
		if err != nil || phase == unit.Removed {
			continue
		}
		st.units++
		if phase.IsMember() {
			st.members++
		}
		if name == m.config.Databag.UnitName() {
			st.phase = phase
			st.state = values[databag.MemberStateKey]
			st.role = values[databag.MemberRoleKey]
		}
	}
	return st, nil
}

// Create takes a backup of the local instance and uploads it. Backups
// run on an online secondary, or on the primary of a single member
// cluster.
func (m *Manager) Create(ctx context.Context) (map[string]any, error) {
	store, err := m.store()
	if err != nil {
		return nil, errors.Trace(err)
	}
	st, err := m.readState(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !st.created {
		return nil, errors.NotFoundf("cluster")
	}
	if st.phase != unit.InCluster {
		return nil, errors.Errorf("unit is %s, not a cluster member", st.phase)
	}
	if st.state != string(mysqlsh.StateOnline) {
		return nil, errors.Errorf("member is %s, backups need an online member", st.state)
	}
	if st.role == string(mysqlsh.RolePrimary) && st.members > 1 {
		return nil, errors.Errorf("unit is the cluster primary, run the backup on a secondary")
	}
	cred, err := m.config.Credentials.Get(ctx, credential.BackupsUser)
	if err != nil {
		return nil, errors.Trace(err)
	}
	version, err := m.config.Workload.Version(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	meta := Metadata{
		Type:        TypePhysical,
		Unit:        m.config.Databag.UnitName(),
		ClusterName: st.clusterName,
		Version:     version,
		Started:     m.config.Clock.Now().UTC(),
	}
	meta.ID = meta.Started.Format(idLayout)

	spool, err := os.CreateTemp(m.config.SpoolDir, "backup-*.xbstream")
	if err != nil {
		return nil, errors.Annotate(err, "creating backup spool file")
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	counter := &countingWriter{w: m.limit(spool)}
	m.config.Logger.Infof("starting backup %s", meta.ID)
	err = m.config.Workload.Exec(ctx, workload.ExecRequest{
		Command: backupCommand(cred),
		User:    "mysql",
		Group:   "mysql",
		Env:     map[string]string{"MYSQL_PWD": cred.Password},
		Stdout:  counter,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "running backup %s", meta.ID)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Trace(err)
	}
	if err := store.Put(ctx, objectKey(m.config.Prefix, meta.ID, streamFile), spool); err != nil {
		return nil, errors.Trace(err)
	}

	meta.Size = counter.n
	meta.Status = StatusFinished
	meta.Finished = m.config.Clock.Now().UTC()
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := store.Put(ctx, objectKey(m.config.Prefix, meta.ID, metadataFile), bytes.NewReader(data)); err != nil {
		return nil, errors.Trace(err)
	}
	size := humanize.Bytes(uint64(meta.Size))
	m.config.Logger.Infof("backup %s uploaded (%s)", meta.ID, size)
	return map[string]any{"backup-id": meta.ID, "size": size}, nil
}

func (m *Manager) limit(w io.Writer) io.Writer {
	if m.config.BandwidthLimit == 0 {
		return w
	}
	rate := m.config.BandwidthLimit
	return ratelimit.Writer(w, ratelimit.NewBucketWithRate(float64(rate), rate))
}

// List returns the stored backups, oldest first.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	store, err := m.store()
	if err != nil {
		return nil, errors.Trace(err)
	}
	objects, err := store.List(ctx, m.config.Prefix)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var ids []string
	for _, obj := range objects {
		if id, ok := backupID(m.config.Prefix, obj.Key); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	backups := make([]Metadata, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchLimit)
	for i, id := range ids {
		g.Go(func() error {
			meta, err := m.metadata(gctx, store, id)
			if err != nil {
				return errors.Trace(err)
			}
			backups[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Trace(err)
	}
	return backups, nil
}

func (m *Manager) metadata(ctx context.Context, store ObjectStore, id string) (Metadata, error) {
	r, err := store.Get(ctx, objectKey(m.config.Prefix, id, metadataFile))
	if err != nil {
		return Metadata{}, errors.Annotatef(err, "backup %s", id)
	}
	defer func() { _ = r.Close() }()
	var meta Metadata
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return Metadata{}, errors.Annotatef(err, "decoding metadata of backup %s", id)
	}
	return meta, nil
}

// Restore replaces the data of the instance with a backup and recreates
// the cluster around it. It runs on the leader of a single unit
// deployment.
func (m *Manager) Restore(ctx context.Context, id string) (map[string]any, error) {
	if err := ValidateID(id); err != nil {
		return nil, errors.Trace(err)
	}
	store, err := m.store()
	if err != nil {
		return nil, errors.Trace(err)
	}
	leader, err := m.config.Leader.IsLeader()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !leader {
		return nil, errors.Errorf("restore must run on the leader")
	}
	st, err := m.readState(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if st.units != 1 {
		return nil, errors.Errorf("restore needs a single unit, found %d; scale down first", st.units)
	}
	meta, err := m.metadata(ctx, store, id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if meta.Status != StatusFinished {
		return nil, errors.Errorf("backup %s is %s", id, meta.Status)
	}
	name := st.clusterName
	if name == "" {
		name = meta.ClusterName
	}

	self := mysqlsh.Instance{Label: unit.Label(m.config.Databag.UnitName()), Address: m.config.Address}
	if st.created {
		h := mysqlsh.Handle{Name: name, Via: self.Address}
		if err := m.config.Cluster.DissolveCluster(ctx, h); err != nil {
			return nil, errors.Annotatef(err, "dissolving cluster %q", name)
		}
		if err := m.forgetCluster(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	}

	m.config.Logger.Infof("restoring backup %s", id)
	if err := m.config.Workload.Stop(ctx); err != nil {
		return nil, errors.Annotate(err, "stopping mysqld")
	}
	if err := m.restoreData(ctx, store, id); err != nil {
		return nil, errors.Annotatef(err, "restoring backup %s", id)
	}
	if err := m.config.Workload.Start(ctx); err != nil {
		return nil, errors.Annotate(err, "starting mysqld")
	}

	// The restored accounts carry the passwords of the backup.
	creds, err := m.config.Credentials.All(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := m.config.Cluster.CreateUsers(ctx, creds); err != nil {
		return nil, errors.Annotate(err, "restoring internal accounts")
	}
	if err := m.config.Cluster.ConfigureInstance(ctx, self.Address); err != nil {
		return nil, errors.Trace(err)
	}
	h, err := m.config.Cluster.CreateCluster(ctx, name, self)
	if err != nil {
		return nil, errors.Annotatef(err, "recreating cluster %q", name)
	}
	if err := m.config.Cluster.UpdateAllowList(ctx, h, []string{self.Address}); err != nil {
		m.config.Logger.Warningf("updating allow-list: %v", err)
	}
	if err := m.recordCluster(ctx, name); err != nil {
		return nil, errors.Trace(err)
	}
	m.config.Logger.Infof("backup %s restored", id)
	return map[string]any{"completed": "ok", "backup-id": id}, nil
}

func (m *Manager) restoreData(ctx context.Context, store ObjectStore, id string) error {
	exec := func(command ...string) error {
		return m.config.Workload.Exec(ctx, workload.ExecRequest{
			Command: command,
			User:    "mysql",
			Group:   "mysql",
		})
	}
	if err := exec("find", DataDir, "-mindepth", "1", "-delete"); err != nil {
		return errors.Annotate(err, "clearing data directory")
	}
	if err := exec("mkdir", "-p", RestoreDir); err != nil {
		return errors.Trace(err)
	}
	stream, err := store.Get(ctx, objectKey(m.config.Prefix, id, streamFile))
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = stream.Close() }()
	err = m.config.Workload.Exec(ctx, workload.ExecRequest{
		Command: []string{"xbstream", "-x", "--directory=" + RestoreDir},
		User:    "mysql",
		Group:   "mysql",
		Stdin:   stream,
	})
	if err != nil {
		return errors.Annotate(err, "extracting backup stream")
	}
	for _, command := range [][]string{
		{"xtrabackup", "--decompress", "--remove-original", "--target-dir=" + RestoreDir},
		{"xtrabackup", "--prepare", "--target-dir=" + RestoreDir},
		{"xtrabackup", "--datadir=" + DataDir, "--move-back", "--target-dir=" + RestoreDir},
		{"rm", "-rf", RestoreDir},
	} {
		if err := exec(command...); err != nil {
			return errors.Annotatef(err, "running %s", strings.Join(command[:2], " "))
		}
	}
	return nil
}

func (m *Manager) forgetCluster(ctx context.Context) error {
	app := m.config.Databag.App()
	if err := app.SetBool(ctx, databag.ClusterCreatedKey, false); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(app.Delete(ctx, databag.PrimaryKey))
}

func (m *Manager) recordCluster(ctx context.Context, name string) error {
	app := m.config.Databag.App()
	if err := app.Set(ctx, databag.ClusterNameKey, name); err != nil {
		return errors.Trace(err)
	}
	if err := app.SetBool(ctx, databag.ClusterCreatedKey, true); err != nil {
		return errors.Trace(err)
	}
	if err := app.Set(ctx, databag.PrimaryKey, m.config.Databag.UnitName()); err != nil {
		return errors.Trace(err)
	}
	local := m.config.Databag.Local()
	if err := local.Set(ctx, databag.MemberRoleKey, string(mysqlsh.RolePrimary)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(local.Set(ctx, databag.MemberStateKey, string(mysqlsh.StateOnline)))
}

func backupCommand(cred credential.Credential) []string {
	return []string{
		"xtrabackup",
		"--defaults-file=/etc/mysql/my.cnf",
		"--defaults-group=mysqld",
		"--no-server-version-check",
		"--user=" + cred.Username,
		"--socket=" + socketPath,
		"--lock-ddl",
		"--backup",
		"--compress",
		"--stream=xbstream",
		"--target-dir=" + DataDir + "/#backup",
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
