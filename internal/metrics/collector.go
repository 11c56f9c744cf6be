// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package metrics exposes the cluster state recorded in the peer
// databag to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/juju/loggo/v2"
	"github.com/juju/naturalsort"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/canonical/mysql-k8s-operator-sub000/core/unit"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
)

var logger = loggo.GetLogger("mysql.metrics")

const (
	namespace = "mysql_cluster"

	// collectTimeout bounds the snapshot read of one scrape.
	collectTimeout = 5 * time.Second
)

// Snapshotter reads every key of the peer databag.
type Snapshotter interface {
	Snapshot(ctx context.Context) (map[databag.Scope]map[string]string, error)
}

// Collector is a prometheus.Collector reporting cluster membership.
type Collector struct {
	store Snapshotter

	up          *prometheus.Desc
	created     *prometheus.Desc
	members     *prometheus.Desc
	unitPhase   *prometheus.Desc
	memberState *prometheus.Desc
	primary     *prometheus.Desc
	standby     *prometheus.Desc
	upgrading   *prometheus.Desc
}

// NewCollector returns a Collector reading store on every scrape.
func NewCollector(store Snapshotter) *Collector {
	return &Collector{
		store: store,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "state_up"),
			"Whether the peer databag could be read.",
			nil, nil,
		),
		created: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "created"),
			"Whether the cluster has been created.",
			[]string{"cluster"}, nil,
		),
		members: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "members"),
			"Units that completed joining the cluster.",
			nil, nil,
		),
		unitPhase: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "unit", "phase"),
			"Lifecycle phase of each unit; the value is always 1.",
			[]string{"unit", "phase"}, nil,
		),
		memberState: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "member", "state"),
			"Group replication state last recorded by each member; the value is always 1.",
			[]string{"unit", "state", "role"}, nil,
		),
		primary: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "primary"),
			"The unit recorded as primary; the value is always 1.",
			[]string{"unit"}, nil,
		),
		standby: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "unit", "standby"),
			"Whether a unit waits outside a full cluster.",
			[]string{"unit"}, nil,
		),
		upgrading: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "upgrade_in_progress"),
			"Whether an upgrade is recorded.",
			nil, nil,
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.created
	ch <- c.members
	ch <- c.unitPhase
	ch <- c.memberState
	ch <- c.primary
	ch <- c.standby
	ch <- c.upgrading
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	snapshot, err := c.store.Snapshot(ctx)
	if err != nil {
		logger.Warningf("reading peer databag: %v", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	app := snapshot[databag.AppScope]
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.GaugeValue,
		boolValue(app[databag.ClusterCreatedKey] == "true"), app[databag.ClusterNameKey])
	if primary := app[databag.PrimaryKey]; primary != "" {
		ch <- prometheus.MustNewConstMetric(c.primary, prometheus.GaugeValue, 1, primary)
	}
	ch <- prometheus.MustNewConstMetric(c.upgrading, prometheus.GaugeValue,
		boolValue(app[databag.UpgradeStateKey] != ""))

	var names []string
	units := make(map[string]map[string]string)
	for scope, values := range snapshot {
		if name, ok := scope.UnitName(); ok {
			names = append(names, name)
			units[name] = values
		}
	}
	names = naturalsort.Sort(names)

	members := 0
	for _, name := range names {
		values := units[name]
		phase, err := unit.ParsePhase(values[databag.PhaseKey])
		if err != nil {
			logger.Debugf("unit %s: %v", name, err)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.unitPhase, prometheus.GaugeValue, 1, name, string(phase))
		ch <- prometheus.MustNewConstMetric(c.standby, prometheus.GaugeValue,
			boolValue(values[databag.StandbyKey] == "true"), name)
		if !phase.IsMember() {
			continue
		}
		members++
		if state := values[databag.MemberStateKey]; state != "" {
			ch <- prometheus.MustNewConstMetric(c.memberState, prometheus.GaugeValue, 1,
				name, state, values[databag.MemberRoleKey])
		}
	}
	ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(members))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
