// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backups_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/backups"
	backupstesting "github.com/canonical/mysql-k8s-operator-sub000/internal/backups/testing"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
	mysqltesting "github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh/testing"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/workload"
	coretesting "github.com/canonical/mysql-k8s-operator-sub000/testing"
)

const (
	clusterName = "cluster-test"
	payload     = "xbstream-data"
)

type backupsSuite struct {
	testing.IsolationSuite

	store    *databag.MemStore
	cluster  *mysqltesting.FakeCluster
	objects  *backupstesting.FakeStore
	clock    *testclock.Clock
	workload *fakeWorkload
	spoolDir string
}

var _ = gc.Suite(&backupsSuite{})

func (s *backupsSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = databag.NewMemStore(nil)
	s.cluster = mysqltesting.NewFakeCluster()
	s.objects = backupstesting.NewFakeStore()
	s.clock = testclock.NewClock(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))
	s.workload = &fakeWorkload{}
	s.spoolDir = c.MkDir()
}

func address(name string) string {
	return fmt.Sprintf("mysql-%d.mysql-endpoints", unit.Number(name))
}

func (s *backupsSuite) bag(name string) *databag.Databag {
	return databag.New(s.store, name, fixedLeader(name == "mysql/0"))
}

// deploy builds a cluster of the named units, the first one primary.
func (s *backupsSuite) deploy(c *gc.C, names ...string) {
	ctx := context.Background()
	control := s.cluster.Control(address(names[0]))
	for _, name := range names {
		c.Assert(control.ConfigureInstance(ctx, address(name)), jc.ErrorIsNil)
	}
	h, err := control.CreateCluster(ctx, clusterName, mysqlsh.Instance{Label: unit.Label(names[0]), Address: address(names[0])})
	c.Assert(err, jc.ErrorIsNil)
	for _, name := range names[1:] {
		c.Assert(control.AddInstance(ctx, h, mysqlsh.Instance{Label: unit.Label(name), Address: address(name)}), jc.ErrorIsNil)
	}

	app := s.bag(names[0]).App()
	c.Assert(app.Set(ctx, databag.ClusterNameKey, clusterName), jc.ErrorIsNil)
	c.Assert(app.SetBool(ctx, databag.ClusterCreatedKey, true), jc.ErrorIsNil)
	c.Assert(app.Set(ctx, databag.PrimaryKey, names[0]), jc.ErrorIsNil)
	for i, name := range names {
		role := mysqlsh.RoleSecondary
		if i == 0 {
			role = mysqlsh.RolePrimary
		}
		local := s.bag(name).Local()
		c.Assert(local.Set(ctx, databag.PhaseKey, string(unit.InCluster)), jc.ErrorIsNil)
		c.Assert(local.Set(ctx, databag.AddressKey, address(name)), jc.ErrorIsNil)
		c.Assert(local.Set(ctx, databag.MemberStateKey, string(mysqlsh.StateOnline)), jc.ErrorIsNil)
		c.Assert(local.Set(ctx, databag.MemberRoleKey, string(role)), jc.ErrorIsNil)
	}
}

func (s *backupsSuite) config(name string) backups.Config {
	return backups.Config{
		Databag:     s.bag(name),
		Leader:      fixedLeader(name == "mysql/0"),
		Address:     address(name),
		Cluster:     s.cluster.Control(address(name)),
		Workload:    s.workload,
		Credentials: fakeCredentials{},
		Clock:       s.clock,
		Logger:      coretesting.NoopLogger{},
		Store:       s.objects,
		Prefix:      "mysql",
		SpoolDir:    s.spoolDir,
	}
}

func (s *backupsSuite) manager(c *gc.C, name string) *backups.Manager {
	m, err := backups.NewManager(s.config(name))
	c.Assert(err, jc.ErrorIsNil)
	return m
}

func (s *backupsSuite) TestValidateConfig(c *gc.C) {
	cfg := s.config("mysql/0")
	cfg.BandwidthLimit = -1
	_, err := backups.NewManager(cfg)
	c.Assert(err, gc.ErrorMatches, "negative BandwidthLimit not valid")
}

func (s *backupsSuite) TestCreateOnSecondary(c *gc.C) {
	s.deploy(c, "mysql/0", "mysql/1")
	result, err := s.manager(c, "mysql/1").Create(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, jc.DeepEquals, map[string]any{
		"backup-id": "2026-10-01T12:00:00Z",
		"size":      "13 B",
	})
	c.Assert(s.objects.Keys(), jc.DeepEquals, []string{
		"mysql/2026-10-01T12:00:00Z/backup.xbstream",
		"mysql/2026-10-01T12:00:00Z/metadata.json",
	})
	data, _ := s.objects.Object("mysql/2026-10-01T12:00:00Z/backup.xbstream")
	c.Assert(string(data), gc.Equals, payload)

	c.Assert(s.workload.commands, gc.HasLen, 1)
	command := strings.Join(s.workload.commands[0], " ")
	c.Assert(command, jc.Contains, "--backup")
	c.Assert(command, jc.Contains, "--user=backups")
	c.Assert(s.workload.env["MYSQL_PWD"], gc.Equals, "backups-secret")
}

func (s *backupsSuite) TestCreateRateLimited(c *gc.C) {
	s.deploy(c, "mysql/0", "mysql/1")
	cfg := s.config("mysql/1")
	cfg.BandwidthLimit = 1 << 20
	m, err := backups.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.Create(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	data, _ := s.objects.Object("mysql/2026-10-01T12:00:00Z/backup.xbstream")
	c.Assert(string(data), gc.Equals, payload)
}

func (s *backupsSuite) TestCreateRefusedOnPrimary(c *gc.C) {
	s.deploy(c, "mysql/0", "mysql/1")
	_, err := s.manager(c, "mysql/0").Create(context.Background())
	c.Assert(err, gc.ErrorMatches, "unit is the cluster primary, run the backup on a secondary")
	c.Assert(s.workload.commands, gc.HasLen, 0)
}

func (s *backupsSuite) TestCreateOnSoleMember(c *gc.C) {
	s.deploy(c, "mysql/0")
	_, err := s.manager(c, "mysql/0").Create(context.Background())
	c.Assert(err, jc.ErrorIsNil)
}

func (s *backupsSuite) TestCreateOfflineMember(c *gc.C) {
	s.deploy(c, "mysql/0", "mysql/1")
	err := s.bag("mysql/1").Local().Set(context.Background(), databag.MemberStateKey, string(mysqlsh.StateRecovering))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.manager(c, "mysql/1").Create(context.Background())
	c.Assert(err, gc.ErrorMatches, "member is RECOVERING, backups need an online member")
}

func (s *backupsSuite) TestCreateWithoutBucket(c *gc.C) {
	s.deploy(c, "mysql/0")
	cfg := s.config("mysql/0")
	cfg.Store = nil
	m, err := backups.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.Create(context.Background())
	c.Assert(err, jc.ErrorIs, errors.NotProvisioned)
}

func (s *backupsSuite) TestCreateFailure(c *gc.C) {
	s.deploy(c, "mysql/0")
	s.workload.err = &workload.ExitError{Command: "xtrabackup", Code: 1, Stderr: "no space left"}
	_, err := s.manager(c, "mysql/0").Create(context.Background())
	c.Assert(err, gc.ErrorMatches, "running backup 2026-10-01T12:00:00Z: xtrabackup: exit status 1: no space left")
	c.Assert(s.objects.Keys(), gc.HasLen, 0)
}

func (s *backupsSuite) TestList(c *gc.C) {
	s.deploy(c, "mysql/0", "mysql/1")
	m := s.manager(c, "mysql/1")
	_, err := m.Create(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	s.clock.Advance(time.Hour)
	_, err = m.Create(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.objects.Put(context.Background(), "mysql/README", strings.NewReader("ignored")), jc.ErrorIsNil)

	list, err := m.List(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(list, gc.HasLen, 2)
	c.Check(list[0].ID, gc.Equals, "2026-10-01T12:00:00Z")
	c.Check(list[1].ID, gc.Equals, "2026-10-01T13:00:00Z")
	c.Check(list[1].Unit, gc.Equals, "mysql/1")
	c.Check(list[1].ClusterName, gc.Equals, clusterName)
	c.Check(list[1].Version, gc.Equals, "8.0.36-0ubuntu0.22.04.1")
	c.Check(list[1].Size, gc.Equals, int64(len(payload)))

	table := backups.FormatList(list)
	lines := strings.Split(strings.TrimSpace(table), "\n")
	c.Assert(lines, gc.HasLen, 3)
	c.Check(strings.Fields(lines[0]), jc.DeepEquals, []string{"backup-id", "backup-type", "backup-status", "size", "unit"})
	c.Check(strings.Fields(lines[2]), jc.DeepEquals, []string{"2026-10-01T13:00:00Z", "physical", "finished", "13", "B", "mysql/1"})
}

func (s *backupsSuite) TestRestore(c *gc.C) {
	s.deploy(c, "mysql/0")
	m := s.manager(c, "mysql/0")
	_, err := m.Create(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	s.workload.commands = nil

	result, err := m.Restore(context.Background(), "2026-10-01T12:00:00Z")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result, jc.DeepEquals, map[string]any{"completed": "ok", "backup-id": "2026-10-01T12:00:00Z"})

	c.Check(s.workload.lifecycle, jc.DeepEquals, []string{"stop", "start"})
	var programs []string
	for _, cmd := range s.workload.commands {
		programs = append(programs, cmd[0]+" "+cmd[1])
	}
	c.Check(programs, jc.DeepEquals, []string{
		"find " + backups.DataDir,
		"mkdir -p",
		"xbstream -x",
		"xtrabackup --decompress",
		"xtrabackup --prepare",
		"xtrabackup --datadir=" + backups.DataDir,
		"rm -rf",
	})
	c.Check(s.workload.stdin, gc.Equals, payload)

	c.Check(s.cluster.Calls("DissolveCluster"), gc.Equals, 1)
	c.Check(s.cluster.Calls("CreateCluster"), gc.Equals, 2)
	members := s.cluster.Members(clusterName)
	c.Assert(members, gc.HasLen, 1)
	c.Check(members[0].Label, gc.Equals, "mysql-0")
	c.Check(members[0].Role, gc.Equals, mysqlsh.RolePrimary)
	password, ok := s.cluster.Password(address("mysql/0"), credential.BackupsUser)
	c.Check(ok, jc.IsTrue)
	c.Check(password, gc.Equals, "backups-secret")

	created, err := s.bag("mysql/0").App().GetBool(context.Background(), databag.ClusterCreatedKey)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(created, jc.IsTrue)
	primary, err := s.bag("mysql/0").App().Get(context.Background(), databag.PrimaryKey)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(primary, gc.Equals, "mysql/0")
}

func (s *backupsSuite) TestRestoreNeedsSingleUnit(c *gc.C) {
	s.deploy(c, "mysql/0", "mysql/1")
	_, err := s.manager(c, "mysql/0").Restore(context.Background(), "2026-10-01T12:00:00Z")
	c.Assert(err, gc.ErrorMatches, "restore needs a single unit, found 2; scale down first")
	c.Assert(s.cluster.Calls("DissolveCluster"), gc.Equals, 0)
}

func (s *backupsSuite) TestRestoreNeedsLeader(c *gc.C) {
	s.deploy(c, "mysql/0")
	cfg := s.config("mysql/0")
	cfg.Leader = fixedLeader(false)
	m, err := backups.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	_, err = m.Restore(context.Background(), "2026-10-01T12:00:00Z")
	c.Assert(err, gc.ErrorMatches, "restore must run on the leader")
}

func (s *backupsSuite) TestRestoreUnknownBackup(c *gc.C) {
	s.deploy(c, "mysql/0")
	_, err := s.manager(c, "mysql/0").Restore(context.Background(), "2026-10-01T12:00:00Z")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Assert(s.workload.lifecycle, gc.HasLen, 0)
}

func (s *backupsSuite) TestRestoreInvalidID(c *gc.C) {
	_, err := s.manager(c, "mysql/0").Restore(context.Background(), "latest")
	c.Assert(err, gc.ErrorMatches, `backup id "latest" not valid`)
}

type fixedLeader bool

func (l fixedLeader) IsLeader() (bool, error) {
	return bool(l), nil
}

type fakeCredentials struct{}

func (fakeCredentials) Get(_ context.Context, username string) (credential.Credential, error) {
	return credential.Credential{
		Username: username,
		Password: username + "-secret",
		Scope:    credential.DefaultScope(username),
	}, nil
}

func (f fakeCredentials) All(ctx context.Context) ([]credential.Credential, error) {
	var creds []credential.Credential
	for _, username := range credential.InternalUsers.SortedValues() {
		cred, _ := f.Get(ctx, username)
		creds = append(creds, cred)
	}
	return creds, nil
}

type fakeWorkload struct {
	commands  [][]string
	lifecycle []string
	env       map[string]string
	stdin     string
	err       error
}

func (w *fakeWorkload) Exec(_ context.Context, req workload.ExecRequest) error {
	w.commands = append(w.commands, req.Command)
	if w.err != nil {
		return w.err
	}
	if req.Env != nil {
		w.env = req.Env
	}
	if req.Stdout != nil {
		if _, err := io.WriteString(req.Stdout, payload); err != nil {
			return err
		}
	}
	if req.Stdin != nil {
		data, err := io.ReadAll(req.Stdin)
		if err != nil {
			return err
		}
		w.stdin = string(data)
	}
	return nil
}

func (w *fakeWorkload) Start(context.Context) error {
	w.lifecycle = append(w.lifecycle, "start")
	return nil
}

func (w *fakeWorkload) Stop(context.Context) error {
	w.lifecycle = append(w.lifecycle, "stop")
	return nil
}

func (w *fakeWorkload) Version(context.Context) (string, error) {
	return "8.0.36-0ubuntu0.22.04.1", nil
}
