// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package reconciler

import (
	"context"
	"sort"
	"strconv"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/kr/pretty"

	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

// peer is one unit as published in the databag.
type peer struct {
	Name       string
	Address    string
	Phase      unit.Phase
	Configured bool
	Standby    bool
	Role       string
	State      string
	Blocked    string
}

func (p peer) instance() mysqlsh.Instance {
	return mysqlsh.Instance{Label: unit.Label(p.Name), Address: p.Address}
}

// clusterState is a consistent view of the databag.
type clusterState struct {
	Name      string
	SetDomain string
	Created   bool
	Primary   string
	Upgrade   string
	Peers     map[string]peer
}

// readState returns the current databag contents.
func (r *Reconciler) readState(ctx context.Context) (clusterState, error) {
	snapshot, err := r.config.Databag.Store().Snapshot(ctx)
	if err != nil {
		return clusterState{}, errors.Trace(err)
	}
	app := snapshot[databag.AppScope]
	created, _ := strconv.ParseBool(app[databag.ClusterCreatedKey])
	st := clusterState{
		Name:      app[databag.ClusterNameKey],
		SetDomain: app[databag.ClusterSetDomainNameKey],
		Created:   created,
		Primary:   app[databag.PrimaryKey],
		Upgrade:   app[databag.UpgradeStateKey],
		Peers:     make(map[string]peer),
	}
	for scope, values := range snapshot {
		name, ok := scope.UnitName()
		if !ok {
			continue
		}
		phase, err := unit.ParsePhase(values[databag.PhaseKey])
		if err != nil {
			r.config.Logger.Warningf("unit %s: %v", name, err)
			continue
		}
		configured, _ := strconv.ParseBool(values[databag.ConfiguredKey])
		standby, _ := strconv.ParseBool(values[databag.StandbyKey])
		st.Peers[name] = peer{
			Name:       name,
			Address:    values[databag.AddressKey],
			Phase:      phase,
			Configured: configured,
			Standby:    standby,
			Role:       values[databag.MemberRoleKey],
			State:      values[databag.MemberStateKey],
			Blocked:    values[databag.BlockedKey],
		}
	}
	if r.config.Logger.IsTraceEnabled() {
		r.config.Logger.Tracef("cluster state: %s", pretty.Sprint(st))
	}
	return st, nil
}

// local returns the local unit's entry.
func (st clusterState) local(name string) peer {
	if p, ok := st.Peers[name]; ok {
		return p
	}
	return peer{Name: name, Phase: unit.Unconfigured}
}

// members returns the units recorded as cluster members, by unit number.
func (st clusterState) members() []peer {
	var members []peer
	for _, p := range st.Peers {
		if p.Phase.IsMember() {
			members = append(members, p)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		return unit.Number(members[i].Name) < unit.Number(members[j].Name)
	})
	return members
}

// memberNames returns the names of the cluster members.
func (st clusterState) memberNames() []string {
	var names []string
	for _, p := range st.members() {
		names = append(names, p.Name)
	}
	return names
}

// allowList returns the addresses of the members, plus extra.
func (st clusterState) allowList(extra ...string) []string {
	hosts := set.NewStrings(extra...)
	for _, p := range st.members() {
		if p.Address != "" {
			hosts.Add(p.Address)
		}
	}
	return hosts.SortedValues()
}

// handle returns a handle to the cluster reached through the recorded
// primary, or the first other member when the primary is unknown.
func (st clusterState) handle(exclude string) (mysqlsh.Handle, error) {
	if p, ok := st.Peers[st.Primary]; ok && p.Phase.IsMember() && p.Address != "" && p.Name != exclude {
		return mysqlsh.Handle{Name: st.Name, Via: p.Address}, nil
	}
	for _, p := range st.members() {
		if p.Address != "" && p.Name != exclude {
			return mysqlsh.Handle{Name: st.Name, Via: p.Address}, nil
		}
	}
	return mysqlsh.Handle{}, errors.NotFoundf("reachable member of cluster %q", st.Name)
}

// without returns a copy of st in which the named unit is absent.
func (st clusterState) without(name string) clusterState {
	peers := make(map[string]peer, len(st.Peers))
	for n, p := range st.Peers {
		if n != name {
			peers[n] = p
		}
	}
	st.Peers = peers
	return st
}
