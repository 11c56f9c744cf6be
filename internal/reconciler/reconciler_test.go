// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/lock"
	"github.com/canonical/mysql-k8s-operator-sub000/core/status"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

type reconcilerSuite struct {
	testing.IsolationSuite

	s *scenario
}

var _ = gc.Suite(&reconcilerSuite{})

func (s *reconcilerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.s = newScenario(c)
}

func (s *reconcilerSuite) TestValidateConfig(c *gc.C) {
	_, err := New(Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)

	u := s.s.addUnit("mysql/0")
	cfg := u.reconciler.config
	cfg.Clock = nil
	_, err = New(cfg)
	c.Assert(err, gc.ErrorMatches, "nil Clock not valid")

	cfg = u.reconciler.config
	cfg.Unit = names.UnitTag{}
	_, err = New(cfg)
	c.Assert(err, gc.ErrorMatches, "empty Unit not valid")

	cfg = u.reconciler.config
	cfg.CreateAttempts = 0
	_, err = New(cfg)
	c.Assert(err, gc.ErrorMatches, "non-positive CreateAttempts not valid")
}

func (s *reconcilerSuite) TestBootstrapAndSequentialJoins(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	s.s.settle()

	st := s.s.state()
	c.Assert(st.Created, jc.IsTrue)
	c.Assert(st.Primary, gc.Equals, "mysql/0")
	c.Assert(st.memberNames(), jc.DeepEquals, []string{"mysql/0", "mysql/1", "mysql/2"})

	var primaries, secondaries int
	for _, p := range st.members() {
		c.Check(p.State, gc.Equals, string(mysqlsh.StateOnline))
		switch mysqlsh.MemberRole(p.Role) {
		case mysqlsh.RolePrimary:
			primaries++
		case mysqlsh.RoleSecondary:
			secondaries++
		}
	}
	c.Check(primaries, gc.Equals, 1)
	c.Check(secondaries, gc.Equals, 2)

	members := s.s.cluster.Members(st.Name)
	c.Assert(members, gc.HasLen, 3)
	c.Check(members[0].Label, gc.Equals, "mysql-0")
	c.Check(members[0].Role, gc.Equals, mysqlsh.RolePrimary)
	c.Check(s.s.cluster.AllowList(st.Name), jc.SameContents, []string{
		"mysql-0.mysql-endpoints", "mysql-1.mysql-endpoints", "mysql-2.mysql-endpoints",
	})

	c.Check(s.s.units["mysql/0"].status.current(), jc.DeepEquals, status.StatusInfo{
		Status: status.Active, Message: status.MessagePrimary,
	})
	c.Check(s.s.units["mysql/1"].status.current(), jc.DeepEquals, status.StatusInfo{Status: status.Active})

	token, err := s.s.units["mysql/0"].bag.LockHolder(context.Background(), lock.TopologyChange)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(token.IsZero(), jc.IsTrue)
	for name, u := range s.s.units {
		deferred, err := u.dispatcher.Deferred()
		c.Assert(err, jc.ErrorIsNil)
		c.Check(deferred, gc.HasLen, 0, gc.Commentf("%s", name))
	}
}

func (s *reconcilerSuite) TestLeaderElectedRecordsClusterName(c *gc.C) {
	s.s.config.ClusterName = "my-cluster"
	s.s.deploy("mysql/0")

	st := s.s.state()
	c.Assert(st.Name, gc.Equals, "my-cluster")
	c.Assert(st.SetDomain, gc.Matches, "cluster-set-[0-9a-f]{32}")
	c.Assert(s.s.cluster.Exists("my-cluster"), jc.IsTrue)
}

func (s *reconcilerSuite) TestLeaderElectedGeneratesClusterName(c *gc.C) {
	s.s.addUnit("mysql/0")
	s.s.dispatch("mysql/0", event.LeaderElected)

	st := s.s.state()
	c.Assert(st.Name, gc.Matches, "cluster-[0-9a-f]{32}")
	c.Assert(st.Created, jc.IsFalse)

	creds, err := s.s.units["mysql/0"].creds.All(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(creds, gc.HasLen, 5)
}

func (s *reconcilerSuite) TestNonLeaderIgnoresLeaderElected(c *gc.C) {
	s.s.addUnit("mysql/1")
	s.s.dispatch("mysql/1", event.LeaderElected)
	c.Assert(s.s.state().Name, gc.Equals, "")
}

func (s *reconcilerSuite) TestWorkloadReadyIsIdempotent(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1")
	users := s.s.cluster.Calls("CreateUser")
	configures := s.s.cluster.Calls("ConfigureInstance")
	u := s.s.units["mysql/1"]
	writes := u.workload.writes
	password, ok := s.s.cluster.Password(u.address, "clusteradmin")
	c.Assert(ok, jc.IsTrue)

	s.s.dispatch("mysql/1", event.WorkloadReady)
	s.s.dispatch("mysql/1", event.WorkloadReady)

	c.Check(s.s.cluster.Calls("CreateUser"), gc.Equals, users)
	c.Check(s.s.cluster.Calls("ConfigureInstance"), gc.Equals, configures)
	c.Check(u.workload.writes, gc.Equals, writes)
	again, _ := s.s.cluster.Password(u.address, "clusteradmin")
	c.Check(again, gc.Equals, password)
	c.Check(s.s.phase("mysql/1"), gc.Equals, unit.InCluster)
}

func (s *reconcilerSuite) TestWorkloadReadyDefersWithoutPeerRelation(c *gc.C) {
	s.s.relation = false
	s.s.addUnit("mysql/0")
	s.s.dispatch("mysql/0", event.LeaderElected)
	s.s.dispatch("mysql/0", event.WorkloadReady)

	c.Assert(s.s.phase("mysql/0"), gc.Equals, unit.Unconfigured)
	deferred, err := s.s.units["mysql/0"].dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 1)
	c.Assert(deferred[0].Kind, gc.Equals, event.WorkloadReady)

	s.s.relation = true
	s.s.dispatch("mysql/0", event.UpdateStatus)
	c.Assert(s.s.phase("mysql/0"), gc.Equals, unit.InCluster)
}

func (s *reconcilerSuite) TestNonLeaderWaitsForCredentials(c *gc.C) {
	u := s.s.addUnit("mysql/1")
	s.s.dispatch("mysql/1", event.WorkloadReady)

	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.Unconfigured)
	c.Assert(s.s.cluster.Calls("CreateUsers"), gc.Equals, 0)
	deferred, err := u.dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 1)
}

func (s *reconcilerSuite) TestJoinDefersWhileTopologyLocked(c *gc.C) {
	s.s.deploy("mysql/0")
	s.s.addUnit("mysql/1")
	holder := s.s.addUnit("mysql/2")
	ctx := context.Background()
	c.Assert(holder.bag.AcquireLock(ctx, lock.TopologyChange, clock.WallClock.Now()), jc.ErrorIsNil)

	s.s.dispatch("mysql/1", event.WorkloadReady)
	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.Configured)
	deferred, err := s.s.units["mysql/1"].dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 1)
	c.Assert(deferred[0].Kind, gc.Equals, event.PeerRelationChanged)
	c.Assert(s.s.cluster.Calls("AddInstance"), gc.Equals, 0)

	c.Assert(holder.bag.ReleaseLock(ctx, lock.TopologyChange), jc.ErrorIsNil)
	s.s.dispatch("mysql/1", event.UpdateStatus)
	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.InCluster)
	deferred, err = s.s.units["mysql/1"].dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 0)
}

func (s *reconcilerSuite) TestConcurrentJoinsSerialized(c *gc.C) {
	s.s.deploy("mysql/0")
	s.s.addUnit("mysql/1")
	s.s.addUnit("mysql/2")
	ctx := context.Background()
	leader := s.s.units["mysql/0"].bag
	c.Assert(leader.AcquireLock(ctx, lock.TopologyChange, clock.WallClock.Now()), jc.ErrorIsNil)
	s.s.dispatch("mysql/1", event.WorkloadReady)
	s.s.dispatch("mysql/2", event.WorkloadReady)
	c.Assert(leader.ReleaseLock(ctx, lock.TopologyChange), jc.ErrorIsNil)

	var wg sync.WaitGroup
	for _, name := range []string{"mysql/1", "mysql/2"} {
		u := s.s.units[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Check(u.dispatcher.Dispatch(ctx, event.Event{Kind: event.UpdateStatus}), jc.ErrorIsNil)
		}()
	}
	wg.Wait()

	// A unit that lost the race deferred; it never reached the cluster.
	joined := 0
	for _, name := range []string{"mysql/1", "mysql/2"} {
		deferred, err := s.s.units[name].dispatcher.Deferred()
		c.Assert(err, jc.ErrorIsNil)
		if s.s.phase(name) == unit.InCluster {
			joined++
		} else {
			c.Check(s.s.phase(name), gc.Equals, unit.Configured)
			c.Check(deferred, gc.Not(gc.HasLen), 0)
		}
	}
	c.Check(s.s.cluster.Calls("AddInstance"), gc.Equals, joined)

	s.s.settle()
	c.Assert(s.s.state().memberNames(), jc.DeepEquals, []string{"mysql/0", "mysql/1", "mysql/2"})
}

func (s *reconcilerSuite) TestClusterFullPutsUnitOnStandby(c *gc.C) {
	s.s.config.MaxMembers = 2
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	s.s.settle()

	st := s.s.state()
	c.Assert(st.memberNames(), jc.DeepEquals, []string{"mysql/0", "mysql/1"})
	standby := st.local("mysql/2")
	c.Assert(standby.Phase, gc.Equals, unit.Configured)
	c.Assert(standby.Standby, jc.IsTrue)
	c.Assert(s.s.units["mysql/2"].status.current(), jc.DeepEquals, status.StatusInfo{
		Status: status.Blocked, Message: status.MessageClusterFull,
	})
	deferred, err := s.s.units["mysql/2"].dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 0)

	// Room frees up when a member leaves.
	s.s.dispatch("mysql/1", event.StorageDetaching)
	s.s.settle()
	st = s.s.state()
	c.Assert(st.memberNames(), jc.DeepEquals, []string{"mysql/0", "mysql/2"})
	c.Assert(st.local("mysql/2").Standby, jc.IsFalse)
}

func (s *reconcilerSuite) TestJoinRechecksMembershipUnderLock(c *gc.C) {
	ctx := context.Background()
	s.s.config.MaxMembers = 2
	s.s.deploy("mysql/0")
	s.s.addUnit("mysql/1")
	late := s.s.addUnit("mysql/2")

	// Both units get configured while the leader holds the lock.
	leader := s.s.units["mysql/0"].bag
	c.Assert(leader.AcquireLock(ctx, lock.TopologyChange, clock.WallClock.Now()), jc.ErrorIsNil)
	s.s.dispatch("mysql/1", event.WorkloadReady)
	s.s.dispatch("mysql/2", event.WorkloadReady)
	c.Assert(leader.ReleaseLock(ctx, lock.TopologyChange), jc.ErrorIsNil)
	c.Assert(late.bag.Local().SetBool(ctx, databag.StandbyKey, true), jc.ErrorIsNil)

	// mysql/1 joins while mysql/2 is between reading the state and
	// taking the lock; mysql/2 clearing its standby flag marks that point.
	fired := false
	s.s.store.SetOnChange(func(ch databag.Change) {
		if fired || ch.Scope != databag.UnitScope("mysql/2") || ch.Key != databag.StandbyKey {
			return
		}
		fired = true
		s.s.dispatch("mysql/1", event.UpdateStatus)
	})
	defer s.s.store.SetOnChange(nil)

	s.s.dispatch("mysql/2", event.UpdateStatus)
	c.Assert(fired, jc.IsTrue)

	st := s.s.state()
	c.Assert(st.memberNames(), jc.DeepEquals, []string{"mysql/0", "mysql/1"})
	c.Assert(s.s.cluster.Members(st.Name), gc.HasLen, 2)
	c.Assert(s.s.cluster.Calls("AddInstance"), gc.Equals, 1)
	c.Assert(st.local("mysql/2").Phase, gc.Equals, unit.Configured)
	c.Assert(st.local("mysql/2").Standby, jc.IsTrue)
	c.Assert(strings.Join(late.log.Messages(), "\n"), jc.Contains, "INFO: cluster has 2 members, unit on standby")

	token, err := late.bag.LockHolder(ctx, lock.TopologyChange)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(token.IsZero(), jc.IsTrue)
}

func (s *reconcilerSuite) TestLastMemberDissolvesCluster(c *gc.C) {
	s.s.deploy("mysql/0")
	name := s.s.state().Name
	c.Assert(s.s.cluster.Exists(name), jc.IsTrue)

	s.s.dispatch("mysql/0", event.StorageDetaching)

	c.Assert(s.s.cluster.Exists(name), jc.IsFalse)
	c.Assert(s.s.cluster.Calls("DissolveCluster"), gc.Equals, 1)
	c.Assert(s.s.cluster.Calls("RemoveInstance"), gc.Equals, 0)
	st := s.s.state()
	c.Assert(st.Created, jc.IsFalse)
	c.Assert(st.Primary, gc.Equals, "")
	c.Assert(st.local("mysql/0").Phase, gc.Equals, unit.Removed)
	c.Assert(s.s.cluster.TeardownHolder("mysql-0.mysql-endpoints"), gc.Equals, "")
}

func (s *reconcilerSuite) TestDepartingPrimaryHandsOver(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	name := s.s.state().Name

	s.s.dispatch("mysql/0", event.StorageDetaching)

	members := s.s.cluster.Members(name)
	c.Assert(members, gc.HasLen, 2)
	c.Assert(members[0].Label, gc.Equals, "mysql-1")
	c.Assert(members[0].Role, gc.Equals, mysqlsh.RolePrimary)
	c.Assert(s.s.cluster.AllowList(name), jc.SameContents, []string{
		"mysql-1.mysql-endpoints", "mysql-2.mysql-endpoints",
	})
	st := s.s.state()
	c.Assert(st.Primary, gc.Equals, "mysql/1")
	c.Assert(st.local("mysql/0").Phase, gc.Equals, unit.Removed)
	c.Assert(s.s.cluster.TeardownHolder("mysql-0.mysql-endpoints"), gc.Equals, "")

	s.s.setLeader("mysql/1")
	s.s.settle()
	c.Assert(s.s.state().local("mysql/1").Role, gc.Equals, string(mysqlsh.RolePrimary))
}

func (s *reconcilerSuite) TestDepartureDefersWhileTeardownLocked(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	control := s.s.cluster.Control("mysql-2.mysql-endpoints")
	held, err := control.AcquireTeardownLock(context.Background(), "mysql-0.mysql-endpoints", "mysql-2")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(held, jc.IsTrue)

	s.s.dispatch("mysql/1", event.StorageDetaching)
	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.InCluster)
	deferred, err := s.s.units["mysql/1"].dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 1)

	c.Assert(control.ReleaseTeardownLock(context.Background(), "mysql-0.mysql-endpoints", "mysql-2"), jc.ErrorIsNil)
	s.s.dispatch("mysql/1", event.UpdateStatus)
	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.Removed)
}

func (s *reconcilerSuite) TestUnconfiguredUnitDepartsDirectly(c *gc.C) {
	s.s.deploy("mysql/0")
	s.s.addUnit("mysql/1")
	s.s.dispatch("mysql/1", event.StorageDetaching)
	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.Removed)
	c.Assert(s.s.cluster.Calls("AcquireTeardownLock"), gc.Equals, 0)
}

func (s *reconcilerSuite) TestMembershipFollowsCompletedTransitions(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2", "mysql/3")
	s.s.dispatch("mysql/2", event.StorageDetaching)
	s.s.addUnit("mysql/4")
	s.s.dispatch("mysql/4", event.WorkloadReady)
	s.s.dispatch("mysql/1", event.StorageDetaching)
	s.s.dispatchEvent("mysql/0", event.Event{Kind: event.PeerRelationDeparted, RemoteUnit: "mysql/1"})
	s.s.dispatchEvent("mysql/0", event.Event{Kind: event.PeerRelationDeparted, RemoteUnit: "mysql/2"})
	s.s.settle()

	st := s.s.state()
	c.Assert(st.memberNames(), jc.DeepEquals, []string{"mysql/0", "mysql/3", "mysql/4"})
	var labels []string
	for _, m := range s.s.cluster.Members(st.Name) {
		labels = append(labels, m.Label)
	}
	c.Assert(labels, jc.SameContents, []string{"mysql-0", "mysql-3", "mysql-4"})
	c.Assert(s.s.cluster.AllowList(st.Name), jc.SameContents, []string{
		"mysql-0.mysql-endpoints", "mysql-3.mysql-endpoints", "mysql-4.mysql-endpoints",
	})
}

// publishedPrimaries returns the units whose databag role is primary.
func publishedPrimaries(snapshot map[databag.Scope]map[string]string) []string {
	var names []string
	for scope, values := range snapshot {
		name, ok := scope.UnitName()
		if ok && values[databag.MemberRoleKey] == string(mysqlsh.RolePrimary) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (s *reconcilerSuite) TestSinglePrimaryObserved(c *gc.C) {
	ctx := context.Background()
	var (
		mu         sync.Mutex
		violations [][]string
	)
	s.s.store.SetOnChange(func(databag.Change) {
		snapshot, err := s.s.store.Snapshot(ctx)
		if err != nil {
			return
		}
		var current []string
		for _, m := range s.s.cluster.Members(snapshot[databag.AppScope][databag.ClusterNameKey]) {
			if m.Role == mysqlsh.RolePrimary {
				current = append(current, m.Label)
			}
		}
		published := publishedPrimaries(snapshot)
		mu.Lock()
		defer mu.Unlock()
		if len(current) > 1 {
			violations = append(violations, current)
		}
		if len(published) > 1 {
			violations = append(violations, published)
		}
	})
	defer s.s.store.SetOnChange(nil)

	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	_, err := s.s.units["mysql/2"].dispatcher.RunAction(ctx, "promote-to-primary", func(ctx context.Context) (map[string]any, error) {
		return nil, s.s.units["mysql/2"].reconciler.PromoteToPrimary(ctx, false)
	})
	c.Assert(err, jc.ErrorIsNil)
	s.s.settle()
	s.s.dispatch("mysql/2", event.StorageDetaching)
	s.s.settle()

	mu.Lock()
	c.Assert(violations, gc.HasLen, 0)
	mu.Unlock()
	st := s.s.state()
	var recorded []string
	for _, p := range st.members() {
		if mysqlsh.MemberRole(p.Role) == mysqlsh.RolePrimary {
			recorded = append(recorded, p.Name)
		}
	}
	c.Assert(recorded, jc.DeepEquals, []string{st.Primary})
}

func (s *reconcilerSuite) TestNonLeaderPromotionWaitsForLeader(c *gc.C) {
	ctx := context.Background()
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	u := s.s.units["mysql/2"]
	_, err := u.dispatcher.RunAction(ctx, "promote-to-primary", func(ctx context.Context) (map[string]any, error) {
		return nil, u.reconciler.PromoteToPrimary(ctx, false)
	})
	c.Assert(err, jc.ErrorIsNil)

	// The leader has not seen the promotion yet, so the old primary is
	// still the only one published.
	snapshot, err := s.s.store.Snapshot(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(snapshot[databag.AppScope][databag.PrimaryKey], gc.Equals, "mysql/0")
	c.Check(publishedPrimaries(snapshot), jc.DeepEquals, []string{"mysql/0"})
	c.Check(strings.Join(u.log.Messages(), "\n"), jc.Contains, `DEBUG: holding back primary role: recorded primary is "mysql/0"`)

	s.s.dispatch("mysql/0", event.UpdateStatus)
	snapshot, err = s.s.store.Snapshot(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(snapshot[databag.AppScope][databag.PrimaryKey], gc.Equals, "mysql/2")
	c.Check(publishedPrimaries(snapshot), gc.HasLen, 0)

	s.s.dispatch("mysql/2", event.UpdateStatus)
	snapshot, err = s.s.store.Snapshot(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(publishedPrimaries(snapshot), jc.DeepEquals, []string{"mysql/2"})
	c.Check(u.status.current(), jc.DeepEquals, status.StatusInfo{Status: status.Active, Message: status.MessagePrimary})
}

func (s *reconcilerSuite) TestPromoteToPrimary(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	u := s.s.units["mysql/1"]
	_, err := u.dispatcher.RunAction(context.Background(), "promote-to-primary", func(ctx context.Context) (map[string]any, error) {
		return nil, u.reconciler.PromoteToPrimary(ctx, false)
	})
	c.Assert(err, jc.ErrorIsNil)
	s.s.settle()

	st := s.s.state()
	c.Assert(st.Primary, gc.Equals, "mysql/1")
	c.Assert(st.local("mysql/0").Role, gc.Equals, string(mysqlsh.RoleSecondary))
	c.Assert(st.local("mysql/1").Role, gc.Equals, string(mysqlsh.RolePrimary))
	c.Assert(u.status.current(), jc.DeepEquals, status.StatusInfo{Status: status.Active, Message: status.MessagePrimary})
}

func (s *reconcilerSuite) TestPromoteRefusedWithMemberOffline(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	name := s.s.state().Name
	s.s.cluster.SetMemberState(name, "mysql-2", mysqlsh.StateOffline)
	r := s.s.units["mysql/1"].reconciler

	err := r.PromoteToPrimary(context.Background(), false)
	c.Assert(err, gc.ErrorMatches, `member mysql-2 is OFFLINE, use force to promote anyway`)
	c.Assert(s.s.cluster.Calls("SetPrimary"), gc.Equals, 0)

	err = r.PromoteToPrimary(context.Background(), true)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.s.cluster.Members(name)[1].Role, gc.Equals, mysqlsh.RolePrimary)
}

func (s *reconcilerSuite) TestPromoteRequiresMembership(c *gc.C) {
	s.s.deploy("mysql/0")
	s.s.addUnit("mysql/1")
	err := s.s.units["mysql/1"].reconciler.PromoteToPrimary(context.Background(), false)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *reconcilerSuite) TestRejoinOfflineMember(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	name := s.s.state().Name
	s.s.cluster.SetMemberState(name, "mysql-2", mysqlsh.StateOffline)
	s.s.settle()

	u := s.s.units["mysql/2"]
	c.Assert(s.s.state().local("mysql/2").State, gc.Equals, string(mysqlsh.StateOffline))
	c.Assert(u.status.current(), jc.DeepEquals, status.StatusInfo{
		Status: status.Blocked, Message: status.MessageMemberOffline,
	})

	_, err := u.dispatcher.RunAction(context.Background(), "rejoin-cluster", func(ctx context.Context) (map[string]any, error) {
		return nil, u.reconciler.Rejoin(ctx)
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.s.state().local("mysql/2").State, gc.Equals, string(mysqlsh.StateOnline))
	c.Assert(u.status.current(), jc.DeepEquals, status.StatusInfo{Status: status.Active})
}

func (s *reconcilerSuite) TestClusterStatus(c *gc.C) {
	s.s.addUnit("mysql/0")
	_, err := s.s.units["mysql/0"].reconciler.ClusterStatus(context.Background())
	c.Assert(err, jc.ErrorIs, errors.NotFound)

	s.s.dispatch("mysql/0", event.LeaderElected)
	s.s.dispatch("mysql/0", event.WorkloadReady)
	topology, err := s.s.units["mysql/0"].reconciler.ClusterStatus(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(topology.Members, gc.HasLen, 1)
}

func (s *reconcilerSuite) TestCreateClusterRetriesTransientFailures(c *gc.C) {
	transient := errors.WithType(errors.New("mysqlsh timed out"), mysqlsh.ErrRetryable)
	s.s.cluster.FailNext("CreateCluster", transient, transient)
	s.s.deploy("mysql/0")

	c.Assert(s.s.cluster.Calls("CreateCluster"), gc.Equals, 3)
	c.Assert(s.s.state().Created, jc.IsTrue)
}

func (s *reconcilerSuite) TestCreateClusterFailureBlocks(c *gc.C) {
	s.s.cluster.FailNext("CreateCluster", errors.New("boom"))
	s.s.deploy("mysql/0")

	c.Assert(s.s.cluster.Calls("CreateCluster"), gc.Equals, 1)
	u := s.s.units["mysql/0"]
	c.Assert(u.status.current(), jc.DeepEquals, status.StatusInfo{
		Status: status.Blocked, Message: status.MessageCreateClusterFailed,
	})
	// Blocked is sticky: update-status does not retry.
	s.s.settle()
	c.Assert(s.s.cluster.Calls("CreateCluster"), gc.Equals, 1)
	deferred, err := u.dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 0)

	// A config change clears the block and the next reconcile retries.
	s.s.dispatch("mysql/0", event.ConfigChanged)
	s.s.dispatch("mysql/0", event.UpdateStatus)
	c.Assert(s.s.state().Created, jc.IsTrue)
	c.Assert(u.status.current().Status, gc.Equals, status.Active)
}

func (s *reconcilerSuite) TestStateUnavailableDefers(c *gc.C) {
	s.s.deploy("mysql/0")
	s.s.addUnit("mysql/1")
	s.s.store.SetUnavailable(true)
	s.s.dispatch("mysql/1", event.WorkloadReady)
	deferred, err := s.s.units["mysql/1"].dispatcher.Deferred()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(deferred, gc.HasLen, 1)

	s.s.store.SetUnavailable(false)
	s.s.dispatch("mysql/1", event.UpdateStatus)
	c.Assert(s.s.phase("mysql/1"), gc.Equals, unit.InCluster)
}

func (s *reconcilerSuite) TestConfigChangedRestartsWhenMemoryChanges(c *gc.C) {
	s.s.deploy("mysql/0")
	u := s.s.units["mysql/0"]

	u.workload.changed = false
	s.s.dispatch("mysql/0", event.ConfigChanged)
	c.Assert(u.workload.restarts, gc.Equals, 0)

	u.workload.changed = true
	s.s.dispatch("mysql/0", event.ConfigChanged)
	c.Assert(u.workload.restarts, gc.Equals, 1)
}

func (s *reconcilerSuite) TestConfigChangedBeforeConfigureDoesNothing(c *gc.C) {
	u := s.s.addUnit("mysql/0")
	s.s.dispatch("mysql/0", event.ConfigChanged)
	c.Assert(u.workload.writes, gc.Equals, 0)
}

func (s *reconcilerSuite) TestClusterNameImmutable(c *gc.C) {
	s.s.config.ClusterName = "first"
	s.s.deploy("mysql/0")
	u := s.s.units["mysql/0"]

	s.s.config.ClusterName = "second"
	s.s.dispatch("mysql/0", event.ConfigChanged)
	c.Assert(u.status.current(), jc.DeepEquals, status.StatusInfo{
		Status: status.Blocked, Message: `cluster-name cannot be changed after deployment`,
	})
	c.Assert(s.s.state().Name, gc.Equals, "first")

	s.s.config.ClusterName = "first"
	s.s.dispatch("mysql/0", event.ConfigChanged)
	c.Assert(u.status.current().Status, gc.Equals, status.Active)
}

func (s *reconcilerSuite) TestInvalidMemoryConfigBlocks(c *gc.C) {
	s.s.addUnit("mysql/0")
	s.s.units["mysql/0"].workload.writeErr = errors.NotValidf("300MiB of memory (minimum 600MiB)")
	s.s.dispatch("mysql/0", event.LeaderElected)
	s.s.dispatch("mysql/0", event.WorkloadReady)

	c.Assert(s.s.phase("mysql/0"), gc.Equals, unit.Unconfigured)
	c.Assert(s.s.units["mysql/0"].status.current(), jc.DeepEquals, status.StatusInfo{
		Status: status.Blocked, Message: status.MessageConfigureFailed,
	})
}

func (s *reconcilerSuite) TestPeerDepartedBreaksAbandonedLock(c *gc.C) {
	s.s.deploy("mysql/0", "mysql/1", "mysql/2")
	ctx := context.Background()
	gone := s.s.units["mysql/2"].bag
	c.Assert(gone.AcquireLock(ctx, lock.TopologyChange, clock.WallClock.Now()), jc.ErrorIsNil)

	s.s.dispatchEvent("mysql/0", event.Event{Kind: event.PeerRelationDeparted, RemoteUnit: "mysql/2"})

	token, err := gone.LockHolder(ctx, lock.TopologyChange)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(token.IsZero(), jc.IsTrue)
	c.Assert(s.s.cluster.AllowList(s.s.state().Name), jc.SameContents, []string{
		"mysql-0.mysql-endpoints", "mysql-1.mysql-endpoints",
	})
}

func (s *reconcilerSuite) TestLeaderForgetsDissolvedCluster(c *gc.C) {
	s.s.deploy("mysql/0")
	s.s.setLeader("mysql/1")
	s.s.dispatch("mysql/0", event.StorageDetaching)
	c.Assert(s.s.state().Created, jc.IsTrue)

	s.s.addUnit("mysql/1")
	s.s.dispatch("mysql/1", event.UpdateStatus)
	c.Assert(s.s.state().Created, jc.IsFalse)
}
