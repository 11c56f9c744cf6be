// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package upgrade coordinates in-place upgrades of the workload: the
// leader prepares the cluster and the rolling update partition, each
// unit checks the version it comes back with, and the leader lets the
// refresh roll on once the first unit is healthy.
package upgrade

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	corelogger "github.com/canonical/mysql-k8s-operator-sub000/core/logger"
	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
)

var logger = loggo.GetLogger("mysql.upgrade")

// Phase is the stage an upgrade has reached.
type Phase string

const (
	// Ready means the cluster passed the pre-upgrade check and only the
	// highest unit will be refreshed.
	Ready Phase = "ready"

	// Upgrading means the refresh rolls out to every remaining unit.
	Upgrading Phase = "upgrading"
)

// unitCompleted is the unit upgrade state of a unit that came back.
const unitCompleted = "completed"

// State is the upgrade record kept in the application databag.
type State struct {
	Phase       Phase     `json:"phase"`
	FromVersion string    `json:"from-version"`
	Partition   int32     `json:"partition"`
	Started     time.Time `json:"started"`
}

// Workload reports the version of the local mysqld.
type Workload interface {
	Version(ctx context.Context) (string, error)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Databag     *databag.Databag
	Cluster     mysqlsh.ClusterControl
	Partitioner Partitioner
	Workload    Workload
	Clock       clock.Clock
	Logger      corelogger.Logger
}

// Validate ensures that the configuration is
// correctly populated for upgrade operation.
func (config Config) Validate() error {
	if config.Databag == nil {
		return errors.NotValidf("nil Databag")
	}
	if config.Cluster == nil {
		return errors.NotValidf("nil Cluster")
	}
	if config.Partitioner == nil {
		return errors.NotValidf("nil Partitioner")
	}
	if config.Workload == nil {
		return errors.NotValidf("nil Workload")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Manager runs the upgrade steps of one unit.
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

// member is a unit as the upgrade sees it.
type member struct {
	name      string
	address   string
	phase     unit.Phase
	state     string
	version   string
	completed bool
}

type snapshot struct {
	clusterName string
	created     bool
	primary     string
	upgrade     *State
	units       []member
}

func (m *Manager) read(ctx context.Context) (snapshot, error) {
	app := m.config.Databag.App()
	var snap snapshot
	var err error
	if snap.clusterName, err = app.GetDefault(ctx, databag.ClusterNameKey, ""); err != nil {
		return snap, errors.Trace(err)
	}
	if snap.created, err = app.GetBool(ctx, databag.ClusterCreatedKey); err != nil {
		return snap, errors.Trace(err)
	}
	if snap.primary, err = app.GetDefault(ctx, databag.PrimaryKey, ""); err != nil {
		return snap, errors.Trace(err)
	}
	var st State
	if err := app.GetJSON(ctx, databag.UpgradeStateKey, &st); err == nil {
		snap.upgrade = &st
	} else if !errors.Is(err, errors.NotFound) {
		return snap, errors.Trace(err)
	}

	units, err := m.config.Databag.Units(ctx)
	if err != nil {
		return snap, errors.Trace(err)
	}
	for name, values := range units {
		phase, err := unit.ParsePhase(values[databag.PhaseKey])
		if err != nil || phase == unit.Removed {
			continue
		}
		snap.units = append(snap.units, member{
			name:      name,
			address:   values[databag.AddressKey],
			phase:     phase,
			state:     values[databag.MemberStateKey],
			version:   values[databag.WorkloadVersionKey],
			completed: values[databag.UnitUpgradeStateKey] == unitCompleted,
		})
	}
	sort.Slice(snap.units, func(i, j int) bool {
		return unit.Number(snap.units[i].name) < unit.Number(snap.units[j].name)
	})
	return snap, nil
}

func (s snapshot) find(name string) (member, bool) {
	for _, u := range s.units {
		if u.name == name {
			return u, true
		}
	}
	return member{}, false
}

// PreUpgradeCheck verifies the cluster can be upgraded and prepares it:
// the lowest unit becomes primary, so the primary is refreshed last,
// and the partition is set so that only the highest unit is refreshed
// first. It must run on the leader.
func (m *Manager) PreUpgradeCheck(ctx context.Context) (map[string]any, error) {
	snap, err := m.read(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if snap.upgrade != nil {
		return nil, errors.AlreadyExistsf("upgrade in phase %q", snap.upgrade.Phase)
	}
	if !snap.created || len(snap.units) == 0 {
		return nil, errors.NotFoundf("cluster")
	}
	for _, u := range snap.units {
		if u.phase != unit.InCluster {
			return nil, errors.Errorf("unit %s is %s, not in the cluster", u.name, u.phase)
		}
		if u.state != string(mysqlsh.StateOnline) {
			return nil, errors.Errorf("unit %s is %s, cluster not healthy", u.name, u.state)
		}
	}
	primary, ok := snap.find(snap.primary)
	if !ok {
		return nil, errors.NotFoundf("primary %q", snap.primary)
	}

	h := mysqlsh.Handle{Name: snap.clusterName, Via: primary.address}
	topology, err := m.config.Cluster.Status(ctx, h)
	if err != nil {
		return nil, errors.Annotatef(err, "querying cluster %q", snap.clusterName)
	}
	for _, mem := range topology.Members {
		if mem.State != mysqlsh.StateOnline {
			return nil, errors.Errorf("member %s is %s, cluster not healthy", mem.Label, mem.State)
		}
	}

	lowest := snap.units[0]
	if lowest.name != primary.name {
		inst := mysqlsh.Instance{Label: unit.Label(lowest.name), Address: lowest.address}
		if err := m.config.Cluster.SetPrimary(ctx, h, inst); err != nil {
			return nil, errors.Annotatef(err, "switching primary to %s", lowest.name)
		}
		if err := m.config.Databag.App().Set(ctx, databag.PrimaryKey, lowest.name); err != nil {
			return nil, errors.Trace(err)
		}
		m.config.Logger.Infof("primary switched to %s ahead of upgrade", lowest.name)
	}

	highest := snap.units[len(snap.units)-1]
	partition := int32(unit.Number(highest.name))
	if err := m.config.Partitioner.SetPartition(ctx, partition); err != nil {
		return nil, errors.Trace(err)
	}
	st := State{
		Phase:       Ready,
		FromVersion: primary.version,
		Partition:   partition,
		Started:     m.config.Clock.Now().UTC(),
	}
	if err := m.config.Databag.App().SetJSON(ctx, databag.UpgradeStateKey, st); err != nil {
		return nil, errors.Trace(err)
	}
	m.config.Logger.Infof("cluster ready for upgrade from %s", st.FromVersion)
	return map[string]any{
		"primary":   lowest.name,
		"partition": strconv.Itoa(int(partition)),
	}, nil
}

// ResumeUpgrade lets the refresh roll out to the remaining units once
// the units already refreshed are back and healthy. Force skips the
// health check.
func (m *Manager) ResumeUpgrade(ctx context.Context, force bool) (map[string]any, error) {
	snap, err := m.read(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if snap.upgrade == nil {
		return nil, errors.NotFoundf("upgrade in progress")
	}
	if snap.upgrade.Phase != Ready {
		return nil, errors.Errorf("upgrade already resumed")
	}
	if !force {
		for _, u := range snap.units {
			if int32(unit.Number(u.name)) < snap.upgrade.Partition {
				continue
			}
			if !u.completed {
				return nil, errors.Errorf("unit %s has not completed its upgrade", u.name)
			}
			if u.state != string(mysqlsh.StateOnline) {
				return nil, errors.Errorf("unit %s is %s after its upgrade", u.name, u.state)
			}
		}
	}
	if err := m.config.Partitioner.SetPartition(ctx, 0); err != nil {
		return nil, errors.Trace(err)
	}
	st := *snap.upgrade
	st.Phase = Upgrading
	st.Partition = 0
	if err := m.config.Databag.App().SetJSON(ctx, databag.UpgradeStateKey, st); err != nil {
		return nil, errors.Trace(err)
	}
	m.config.Logger.Infof("upgrade resumed for all units")
	return map[string]any{"partition": "0"}, nil
}

// WorkloadReady runs when mysqld comes back, possibly with a new
// version. It records the version and, during an upgrade, blocks the
// unit when the new version cannot join the cluster.
func (m *Manager) WorkloadReady(ctx context.Context, _ event.Event) error {
	version, err := m.config.Workload.Version(ctx)
	if err != nil {
		m.config.Logger.Debugf("querying mysqld version: %v", err)
		return nil
	}
	bag := m.config.Databag.Local()
	previous, err := bag.GetDefault(ctx, databag.WorkloadVersionKey, "")
	if err != nil {
		return errors.Trace(err)
	}
	if previous == "" {
		// Not configured yet; the unit records its version then.
		return nil
	}
	if previous != version {
		m.config.Logger.Infof("workload version %s -> %s", previous, version)
		if err := bag.Set(ctx, databag.WorkloadVersionKey, version); err != nil {
			return errors.Trace(err)
		}
	}

	snap, err := m.read(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if snap.upgrade == nil {
		return nil
	}
	if err := CheckCompatible(snap.upgrade.FromVersion, version); err != nil {
		m.config.Logger.Errorf("incompatible upgrade: %v", err)
		return errors.Trace(bag.Set(ctx, databag.BlockedKey, "incompatible upgrade: "+err.Error()))
	}
	return errors.Trace(bag.Set(ctx, databag.UnitUpgradeStateKey, unitCompleted))
}

// Upkeep finishes an upgrade once every unit completed it, and clears
// the local upgrade record once the upgrade is over.
func (m *Manager) Upkeep(ctx context.Context, _ event.Event) error {
	snap, err := m.read(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if snap.upgrade == nil {
		local, ok := snap.find(m.config.Databag.UnitName())
		if ok && local.completed {
			return errors.Trace(m.config.Databag.Local().Delete(ctx, databag.UnitUpgradeStateKey))
		}
		return nil
	}
	if snap.upgrade.Phase != Upgrading {
		return nil
	}
	for _, u := range snap.units {
		if !u.completed || u.state != string(mysqlsh.StateOnline) {
			return nil
		}
	}
	err = m.config.Databag.App().Delete(ctx, databag.UpgradeStateKey)
	if errors.Is(err, databag.ErrNotLeader) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	m.config.Logger.Infof("upgrade from %s complete", snap.upgrade.FromVersion)
	return nil
}
