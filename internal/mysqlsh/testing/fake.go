// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides an in-memory model of an InnoDB cluster.
package testing

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/credential"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// MaxMembers is the group replication membership limit.
const MaxMembers = 9

// FakeCluster models the database instances of a deployment and the
// single-primary clusters built from them. It is shared by every unit of
// a test scenario; each unit talks to it through Control.
type FakeCluster struct {
	mu         sync.Mutex
	clusters   map[string]*cluster
	configured set.Strings
	users      map[string]map[string]string
	teardown   map[string]string
	calls      map[string]int
	failures   map[string][]error
}

type cluster struct {
	members   []mysqlsh.Member
	allowList []string
}

// NewFakeCluster returns an empty deployment.
func NewFakeCluster() *FakeCluster {
	return &FakeCluster{
		clusters:   make(map[string]*cluster),
		configured: set.NewStrings(),
		users:      make(map[string]map[string]string),
		teardown:   make(map[string]string),
		calls:      make(map[string]int),
		failures:   make(map[string][]error),
	}
}

// Control returns the ClusterControl used by the unit whose instance
// listens on host.
func (f *FakeCluster) Control(host string) mysqlsh.ClusterControl {
	return &control{fake: f, host: host}
}

// FailNext makes the next calls of method return the given errors, in
// order.
func (f *FakeCluster) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Calls returns how many times method was invoked.
func (f *FakeCluster) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Exists reports whether the named cluster exists.
func (f *FakeCluster) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.clusters[name]
	return ok
}

// Members returns the members of the named cluster.
func (f *FakeCluster) Members(name string) []mysqlsh.Member {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[name]
	if !ok {
		return nil
	}
	return append([]mysqlsh.Member(nil), c.members...)
}

// AllowList returns the allow-list of the named cluster.
func (f *FakeCluster) AllowList(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clusters[name]
	if !ok {
		return nil
	}
	return append([]string(nil), c.allowList...)
}

// SetMemberState changes the state of a member, eg to simulate a crash.
func (f *FakeCluster) SetMemberState(name, label string, state mysqlsh.MemberState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clusters[name]; ok {
		for i := range c.members {
			if c.members[i].Label == label {
				c.members[i].State = state
			}
		}
	}
}

// Password returns the password of username on the instance at host.
func (f *FakeCluster) Password(host, username string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.users[host][username]
	return p, ok
}

// TeardownHolder returns the holder of the teardown lock on primary.
func (f *FakeCluster) TeardownHolder(primary string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardown[primary]
}

// begin records the call and pops a queued failure. The caller must hold
// the lock.
func (f *FakeCluster) begin(method string) error {
	f.calls[method]++
	if errs := f.failures[method]; len(errs) > 0 {
		f.failures[method] = errs[1:]
		return errs[0]
	}
	return nil
}

func toolError(format string, args ...any) error {
	return errors.WithType(errors.Errorf(format, args...), mysqlsh.ErrRetryable)
}

// cluster returns the named cluster when it can be reached through via.
func (f *FakeCluster) cluster(h mysqlsh.Handle) (*cluster, error) {
	c, ok := f.clusters[h.Name]
	if !ok {
		return nil, toolError("cluster %q not found", h.Name)
	}
	for _, m := range c.members {
		if m.Address == h.Via && m.State == mysqlsh.StateOnline {
			return c, nil
		}
	}
	return nil, toolError("%q is not an online member of cluster %q", h.Via, h.Name)
}

func (c *cluster) index(address string) int {
	for i, m := range c.members {
		if m.Address == address {
			return i
		}
	}
	return -1
}

func (c *cluster) primary() int {
	for i, m := range c.members {
		if m.Role == mysqlsh.RolePrimary {
			return i
		}
	}
	return -1
}

// elect makes the lowest numbered online member the primary.
func (c *cluster) elect() {
	candidates := make([]int, 0, len(c.members))
	for i, m := range c.members {
		c.members[i].Role = mysqlsh.RoleSecondary
		if m.State == mysqlsh.StateOnline {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		na, _ := unit.UnitName(c.members[candidates[a]].Label)
		nb, _ := unit.UnitName(c.members[candidates[b]].Label)
		return unit.Number(na) < unit.Number(nb)
	})
	c.members[candidates[0]].Role = mysqlsh.RolePrimary
}

func (c *cluster) allowed(address string) bool {
	return len(c.allowList) == 0 || set.NewStrings(c.allowList...).Contains(address)
}

type control struct {
	fake *FakeCluster
	host string
}

func (c *control) ConfigureInstance(_ context.Context, address string) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ConfigureInstance"); err != nil {
		return err
	}
	if address == "" {
		return errors.NotValidf("empty instance address")
	}
	f.configured.Add(address)
	return nil
}

func (c *control) CreateUsers(_ context.Context, creds []credential.Credential) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateUsers"); err != nil {
		return err
	}
	users := f.users[c.host]
	if users == nil {
		users = make(map[string]string)
		f.users[c.host] = users
	}
	for _, cred := range creds {
		if err := cred.Validate(); err != nil {
			return errors.Trace(err)
		}
		if _, ok := users[cred.Username]; ok && cred.Username != credential.RootUser {
			continue
		}
		users[cred.Username] = cred.Password
		f.calls["CreateUser"]++
	}
	return nil
}

func (c *control) SetPassword(_ context.Context, cred credential.Credential) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetPassword"); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return errors.Trace(err)
	}
	// Account changes replicate to every instance.
	for _, users := range f.users {
		if _, ok := users[cred.Username]; ok {
			users[cred.Username] = cred.Password
		}
	}
	return nil
}

func (c *control) CreateCluster(_ context.Context, name string, inst mysqlsh.Instance) (mysqlsh.Handle, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateCluster"); err != nil {
		return mysqlsh.Handle{}, err
	}
	if err := mysqlsh.ValidateClusterName(name); err != nil {
		return mysqlsh.Handle{}, errors.Trace(err)
	}
	if _, ok := f.clusters[name]; ok {
		return mysqlsh.Handle{}, toolError("cluster %q already exists", name)
	}
	if !f.configured.Contains(inst.Address) {
		return mysqlsh.Handle{}, toolError("instance %q not configured for InnoDB cluster", inst.Address)
	}
	f.clusters[name] = &cluster{
		members: []mysqlsh.Member{{
			Label:   inst.Label,
			Address: inst.Address,
			Role:    mysqlsh.RolePrimary,
			State:   mysqlsh.StateOnline,
		}},
	}
	return mysqlsh.Handle{Name: name, Via: inst.Address}, nil
}

func (c *control) AddInstance(_ context.Context, h mysqlsh.Handle, inst mysqlsh.Instance) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AddInstance"); err != nil {
		return err
	}
	cl, err := f.cluster(h)
	if err != nil {
		return err
	}
	if cl.index(inst.Address) >= 0 {
		return toolError("instance %q is already a member", inst.Address)
	}
	if !f.configured.Contains(inst.Address) {
		return toolError("instance %q not configured for InnoDB cluster", inst.Address)
	}
	if !cl.allowed(inst.Address) {
		return toolError("instance %q not in the allow-list", inst.Address)
	}
	if len(cl.members) >= MaxMembers {
		return toolError("cluster %q already has %d members", h.Name, MaxMembers)
	}
	cl.members = append(cl.members, mysqlsh.Member{
		Label:   inst.Label,
		Address: inst.Address,
		Role:    mysqlsh.RoleSecondary,
		State:   mysqlsh.StateOnline,
	})
	return nil
}

func (c *control) RemoveInstance(_ context.Context, h mysqlsh.Handle, inst mysqlsh.Instance, _ bool) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("RemoveInstance"); err != nil {
		return err
	}
	cl, err := f.cluster(h)
	if err != nil {
		return err
	}
	i := cl.index(inst.Address)
	if i < 0 {
		return toolError("instance %q is not a member", inst.Address)
	}
	if len(cl.members) == 1 {
		return toolError("cannot remove the last member of cluster %q", h.Name)
	}
	wasPrimary := cl.members[i].Role == mysqlsh.RolePrimary
	cl.members = append(cl.members[:i], cl.members[i+1:]...)
	if wasPrimary {
		cl.elect()
	}
	return nil
}

func (c *control) DissolveCluster(_ context.Context, h mysqlsh.Handle) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DissolveCluster"); err != nil {
		return err
	}
	if _, err := f.cluster(h); err != nil {
		return err
	}
	delete(f.clusters, h.Name)
	return nil
}

func (c *control) Primary(_ context.Context, h mysqlsh.Handle) (mysqlsh.Member, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Primary"); err != nil {
		return mysqlsh.Member{}, err
	}
	cl, err := f.cluster(h)
	if err != nil {
		return mysqlsh.Member{}, err
	}
	if i := cl.primary(); i >= 0 {
		return cl.members[i], nil
	}
	return mysqlsh.Member{}, errors.NotFoundf("primary of cluster %q", h.Name)
}

func (c *control) Status(_ context.Context, h mysqlsh.Handle) (mysqlsh.Topology, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("Status"); err != nil {
		return mysqlsh.Topology{}, err
	}
	cl, err := f.cluster(h)
	if err != nil {
		return mysqlsh.Topology{}, err
	}
	status := "OK"
	if len(cl.members) < 3 {
		status = "OK_NO_TOLERANCE"
	}
	return mysqlsh.Topology{
		Name:    h.Name,
		Status:  status,
		Members: append([]mysqlsh.Member(nil), cl.members...),
	}, nil
}

func (c *control) UpdateAllowList(_ context.Context, h mysqlsh.Handle, hosts []string) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("UpdateAllowList"); err != nil {
		return err
	}
	if len(hosts) == 0 {
		return errors.NotValidf("empty allow-list")
	}
	cl, err := f.cluster(h)
	if err != nil {
		return err
	}
	cl.allowList = append([]string(nil), hosts...)
	return nil
}

func (c *control) SetPrimary(_ context.Context, h mysqlsh.Handle, inst mysqlsh.Instance) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetPrimary"); err != nil {
		return err
	}
	cl, err := f.cluster(h)
	if err != nil {
		return err
	}
	i := cl.index(inst.Address)
	if i < 0 || cl.members[i].State != mysqlsh.StateOnline {
		return toolError("instance %q is not an online member", inst.Address)
	}
	for j := range cl.members {
		cl.members[j].Role = mysqlsh.RoleSecondary
	}
	cl.members[i].Role = mysqlsh.RolePrimary
	return nil
}

func (c *control) RejoinInstance(_ context.Context, h mysqlsh.Handle, inst mysqlsh.Instance) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("RejoinInstance"); err != nil {
		return err
	}
	cl, err := f.cluster(h)
	if err != nil {
		return err
	}
	i := cl.index(inst.Address)
	if i < 0 {
		return toolError("instance %q is not a member", inst.Address)
	}
	cl.members[i].State = mysqlsh.StateOnline
	return nil
}

func (c *control) AcquireTeardownLock(_ context.Context, primary, holder string) (bool, error) {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("AcquireTeardownLock"); err != nil {
		return false, err
	}
	current := f.teardown[primary]
	if current != "" && current != holder {
		return false, nil
	}
	f.teardown[primary] = holder
	return true, nil
}

func (c *control) ReleaseTeardownLock(_ context.Context, primary, holder string) error {
	f := c.fake
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ReleaseTeardownLock"); err != nil {
		return err
	}
	if f.teardown[primary] == holder {
		delete(f.teardown, primary)
	}
	return nil
}
