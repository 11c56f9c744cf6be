// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package databag_test

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
)

type fixedLeader bool

func (l fixedLeader) IsLeader() (bool, error) {
	return bool(l), nil
}

type databagSuite struct {
	testing.IsolationSuite

	store *databag.MemStore
}

var _ = gc.Suite(&databagSuite{})

func (s *databagSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = databag.NewMemStore(nil)
}

func (s *databagSuite) TestLeaderWritesApp(c *gc.C) {
	bag := databag.New(s.store, "mysql/0", fixedLeader(true))
	err := bag.App().Set(context.Background(), databag.ClusterNameKey, "cluster-a")
	c.Assert(err, jc.ErrorIsNil)

	follower := databag.New(s.store, "mysql/1", fixedLeader(false))
	name, err := follower.App().Get(context.Background(), databag.ClusterNameKey)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(name, gc.Equals, "cluster-a")
}

func (s *databagSuite) TestNonLeaderCannotWriteApp(c *gc.C) {
	bag := databag.New(s.store, "mysql/1", fixedLeader(false))
	err := bag.App().Set(context.Background(), databag.ClusterNameKey, "cluster-a")
	c.Assert(err, jc.ErrorIs, databag.ErrNotLeader)
	err = bag.App().Delete(context.Background(), databag.PrimaryKey)
	c.Assert(err, jc.ErrorIs, databag.ErrNotLeader)
}

func (s *databagSuite) TestUnitWritesOnlyOwnBag(c *gc.C) {
	ctx := context.Background()
	bag := databag.New(s.store, "mysql/1", fixedLeader(true))

	c.Assert(bag.Local().SetBool(ctx, databag.ConfiguredKey, true), jc.ErrorIsNil)
	err := bag.Unit("mysql/2").SetBool(ctx, databag.ConfiguredKey, true)
	c.Assert(err, jc.ErrorIs, databag.ErrNotOwner)

	configured, err := databag.New(s.store, "mysql/2", fixedLeader(false)).Unit("mysql/1").GetBool(ctx, databag.ConfiguredKey)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(configured, jc.IsTrue)
}

func (s *databagSuite) TestLockKeysNotDirectlyWritable(c *gc.C) {
	bag := databag.New(s.store, "mysql/0", fixedLeader(true))
	err := bag.App().Set(context.Background(), "lock-topology-change", "x")
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *databagSuite) TestSetUnchangedIsNoop(c *gc.C) {
	ctx := context.Background()
	var revisions []int64
	s.store.SetOnChange(func(ch databag.Change) {
		revisions = append(revisions, ch.Revision)
	})
	bag := databag.New(s.store, "mysql/0", fixedLeader(true))
	c.Assert(bag.Local().Set(ctx, databag.AddressKey, "mysql-0.mysql-endpoints"), jc.ErrorIsNil)
	c.Assert(bag.Local().Set(ctx, databag.AddressKey, "mysql-0.mysql-endpoints"), jc.ErrorIsNil)
	c.Assert(revisions, gc.HasLen, 1)
}

func (s *databagSuite) TestGetDefaultAndJSON(c *gc.C) {
	ctx := context.Background()
	bag := databag.New(s.store, "mysql/0", fixedLeader(true))

	v, err := bag.App().GetDefault(ctx, databag.PrimaryKey, "none")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(v, gc.Equals, "none")

	type state struct {
		Units []string `json:"units"`
	}
	c.Assert(bag.App().SetJSON(ctx, databag.UpgradeStateKey, state{Units: []string{"mysql/0"}}), jc.ErrorIsNil)
	var out state
	c.Assert(bag.App().GetJSON(ctx, databag.UpgradeStateKey, &out), jc.ErrorIsNil)
	c.Assert(out.Units, jc.DeepEquals, []string{"mysql/0"})
}

func (s *databagSuite) TestUnits(c *gc.C) {
	ctx := context.Background()
	for _, name := range []string{"mysql/0", "mysql/1"} {
		bag := databag.New(s.store, name, fixedLeader(name == "mysql/0"))
		c.Assert(bag.Local().Set(ctx, databag.PhaseKey, "configured"), jc.ErrorIsNil)
	}
	leader := databag.New(s.store, "mysql/0", fixedLeader(true))
	c.Assert(leader.App().Set(ctx, databag.ClusterNameKey, "cluster-a"), jc.ErrorIsNil)

	units, err := leader.Units(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(units, jc.DeepEquals, map[string]map[string]string{
		"mysql/0": {databag.PhaseKey: "configured"},
		"mysql/1": {databag.PhaseKey: "configured"},
	})
}

func (s *databagSuite) TestUnavailablePropagates(c *gc.C) {
	s.store.SetUnavailable(true)
	bag := databag.New(s.store, "mysql/0", fixedLeader(true))
	_, err := bag.App().Get(context.Background(), databag.ClusterNameKey)
	c.Assert(err, jc.ErrorIs, databag.ErrStateUnavailable)
}

// conflictingStore fails the first conflicts compare-and-set calls with a
// version conflict, after bumping the stored version as a racing writer
// would.
type conflictingStore struct {
	*databag.MemStore
	conflicts int
	calls     int
}

func (s *conflictingStore) CompareAndSet(ctx context.Context, scope databag.Scope, key, data string, expected int64) (int64, error) {
	s.calls++
	if s.conflicts > 0 {
		s.conflicts--
		if _, err := s.MemStore.CompareAndSet(ctx, scope, key, "racing", databag.AnyVersion); err != nil {
			return 0, err
		}
	}
	return s.MemStore.CompareAndSet(ctx, scope, key, data, expected)
}

func (s *databagSuite) TestSetRetriesVersionConflicts(c *gc.C) {
	ctx := context.Background()
	store := &conflictingStore{MemStore: s.store, conflicts: 2}
	bag := databag.New(store, "mysql/0", fixedLeader(true))

	c.Assert(bag.Local().Set(ctx, databag.AddressKey, "mysql-0.mysql-endpoints"), jc.ErrorIsNil)
	c.Assert(store.calls, gc.Equals, 3)
	v, err := bag.Local().Get(ctx, databag.AddressKey)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(v, gc.Equals, "mysql-0.mysql-endpoints")
}

func (s *databagSuite) TestSetGivesUpAfterRepeatedConflicts(c *gc.C) {
	store := &conflictingStore{MemStore: s.store, conflicts: 10}
	bag := databag.New(store, "mysql/0", fixedLeader(true))

	err := bag.Local().Set(context.Background(), databag.AddressKey, "mysql-0.mysql-endpoints")
	c.Assert(err, jc.ErrorIs, databag.ErrVersionConflict)
	c.Assert(store.calls, gc.Equals, 3)
}

func (s *databagSuite) TestSetDoesNotRetryUnavailableStore(c *gc.C) {
	store := &conflictingStore{MemStore: s.store}
	s.store.SetUnavailable(true)
	bag := databag.New(store, "mysql/0", fixedLeader(true))

	err := bag.Local().Set(context.Background(), databag.AddressKey, "mysql-0.mysql-endpoints")
	c.Assert(err, jc.ErrorIs, databag.ErrStateUnavailable)
	c.Assert(store.calls, gc.Equals, 0)
}
