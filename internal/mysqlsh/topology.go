// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mysqlsh

import (
	"encoding/json"
	"net"
	"sort"

	"github.com/juju/errors"

	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
)

// MemberRole is the role of a member in a single-primary group.
type MemberRole string

const (
	RolePrimary   MemberRole = "PRIMARY"
	RoleSecondary MemberRole = "SECONDARY"
)

// MemberState is the group replication state of a member.
type MemberState string

const (
	StateOnline      MemberState = "ONLINE"
	StateRecovering  MemberState = "RECOVERING"
	StateOffline     MemberState = "OFFLINE"
	StateError       MemberState = "ERROR"
	StateUnreachable MemberState = "UNREACHABLE"
	StateMissing     MemberState = "(MISSING)"
)

// Member is one instance of the cluster.
type Member struct {
	Label   string
	Address string
	Role    MemberRole
	State   MemberState
	Version string
}

// Topology is the cluster as reported by the AdminAPI.
type Topology struct {
	Name    string
	Status  string
	Members []Member
}

// Primary returns the read-write member, if there is one online.
func (t Topology) Primary() (Member, bool) {
	for _, m := range t.Members {
		if m.Role == RolePrimary && m.State == StateOnline {
			return m, true
		}
	}
	return Member{}, false
}

// Member returns the member with the given label.
func (t Topology) Member(label string) (Member, bool) {
	for _, m := range t.Members {
		if m.Label == label {
			return m, true
		}
	}
	return Member{}, false
}

// Online returns the members in the ONLINE state.
func (t Topology) Online() []Member {
	var online []Member
	for _, m := range t.Members {
		if m.State == StateOnline {
			online = append(online, m)
		}
	}
	return online
}

type statusDoc struct {
	ClusterName       string `json:"clusterName"`
	DefaultReplicaSet struct {
		Status   string `json:"status"`
		Topology map[string]struct {
			Address    string `json:"address"`
			MemberRole string `json:"memberRole"`
			Status     string `json:"status"`
			Version    string `json:"version"`
		} `json:"topology"`
	} `json:"defaultReplicaSet"`
}

// parseStatus decodes the output of cluster.status().
func parseStatus(data []byte) (Topology, error) {
	var doc statusDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Topology{}, errors.Annotate(err, "decoding cluster status")
	}
	if doc.ClusterName == "" {
		return Topology{}, errors.NotValidf("cluster status without a cluster name")
	}
	t := Topology{
		Name:   doc.ClusterName,
		Status: doc.DefaultReplicaSet.Status,
	}
	for label, m := range doc.DefaultReplicaSet.Topology {
		t.Members = append(t.Members, Member{
			Label:   label,
			Address: stripPort(m.Address),
			Role:    MemberRole(m.MemberRole),
			State:   MemberState(m.Status),
			Version: m.Version,
		})
	}
	sortMembers(t.Members)
	return t, nil
}

func sortMembers(members []Member) {
	sort.SliceStable(members, func(i, j int) bool {
		ni, ei := unit.UnitName(members[i].Label)
		nj, ej := unit.UnitName(members[j].Label)
		if ei != nil || ej != nil {
			return members[i].Label < members[j].Label
		}
		return unit.Number(ni) < unit.Number(nj)
	})
}

func stripPort(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}
