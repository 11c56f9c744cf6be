// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workload manages mysqld in the workload container through
// Pebble.
package workload

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"

	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
)

var logger = loggo.GetLogger("mysql.workload")

const (
	// ServiceName is the Pebble service running mysqld.
	ServiceName = "mysqld"

	// LayerLabel labels the layer this agent owns.
	LayerLabel = "mysql"

	// ConfigPath is the my.cnf fragment rendered by the agent.
	ConfigPath = "/etc/mysql/mysql.conf.d/z-custom-mysqld.cnf"

	// KillDelay lets mysqld flush and leave the group before Pebble
	// sends SIGKILL.
	KillDelay = 24 * time.Hour

	changeTimeout = 5 * time.Minute
)

// PebbleClient is the subset of the Pebble client the workload uses.
type PebbleClient interface {
	AddLayer(opts *client.AddLayerOptions) error
	Replan(opts *client.ServiceOptions) (string, error)
	Start(opts *client.ServiceOptions) (string, error)
	Stop(opts *client.ServiceOptions) (string, error)
	Restart(opts *client.ServiceOptions) (string, error)
	Services(opts *client.ServicesOptions) ([]*client.ServiceInfo, error)
	WaitChange(id string, opts *client.WaitChangeOptions) (*client.Change, error)
	Push(opts *client.PushOptions) error
	Pull(opts *client.PullOptions) error
}

// Workload controls mysqld.
type Workload struct {
	pebble PebbleClient
	exec   Execer
}

// New returns a Workload driving mysqld through pebble and exec.
func New(pebble PebbleClient, exec Execer) *Workload {
	return &Workload{pebble: pebble, exec: exec}
}

type layer struct {
	Summary     string             `yaml:"summary"`
	Description string             `yaml:"description"`
	Services    map[string]service `yaml:"services"`
}

type service struct {
	Override  string `yaml:"override"`
	Summary   string `yaml:"summary"`
	Command   string `yaml:"command"`
	Startup   string `yaml:"startup"`
	User      string `yaml:"user"`
	Group     string `yaml:"group"`
	KillDelay string `yaml:"kill-delay"`
}

// Layer returns the Pebble layer running mysqld.
func Layer() ([]byte, error) {
	l := layer{
		Summary:     "mysqld layer",
		Description: "Pebble layer for the MySQL InnoDB cluster member",
		Services: map[string]service{
			ServiceName: {
				Override:  "replace",
				Summary:   "mysqld",
				Command:   "/usr/sbin/mysqld",
				Startup:   "enabled",
				User:      "mysql",
				Group:     "mysql",
				KillDelay: KillDelay.String(),
			},
		},
	}
	data, err := yaml.Marshal(l)
	return data, errors.Trace(err)
}

// EnsureService installs the mysqld layer and replans, starting mysqld
// if it is not running.
func (w *Workload) EnsureService(ctx context.Context) error {
	data, err := Layer()
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.pebble.AddLayer(&client.AddLayerOptions{
		Combine:   true,
		Label:     LayerLabel,
		LayerData: data,
	}); err != nil {
		return errors.Annotate(err, "adding mysqld layer")
	}
	id, err := w.pebble.Replan(&client.ServiceOptions{})
	if err != nil {
		return errors.Annotate(err, "replanning")
	}
	return errors.Trace(w.wait(ctx, id))
}

// Ready reports whether mysqld is running.
func (w *Workload) Ready(_ context.Context) (bool, error) {
	services, err := w.pebble.Services(&client.ServicesOptions{Names: []string{ServiceName}})
	if err != nil {
		return false, errors.Annotate(err, "querying services")
	}
	for _, svc := range services {
		if svc.Name == ServiceName {
			return svc.Current == client.StatusActive, nil
		}
	}
	return false, nil
}

// Start starts mysqld.
func (w *Workload) Start(ctx context.Context) error {
	id, err := w.pebble.Start(&client.ServiceOptions{Names: []string{ServiceName}})
	if err != nil {
		return errors.Annotate(err, "starting mysqld")
	}
	return errors.Trace(w.wait(ctx, id))
}

// Stop stops mysqld.
func (w *Workload) Stop(ctx context.Context) error {
	id, err := w.pebble.Stop(&client.ServiceOptions{Names: []string{ServiceName}})
	if err != nil {
		return errors.Annotate(err, "stopping mysqld")
	}
	return errors.Trace(w.wait(ctx, id))
}

// Restart restarts mysqld.
func (w *Workload) Restart(ctx context.Context) error {
	id, err := w.pebble.Restart(&client.ServiceOptions{Names: []string{ServiceName}})
	if err != nil {
		return errors.Annotate(err, "restarting mysqld")
	}
	return errors.Trace(w.wait(ctx, id))
}

func (w *Workload) wait(ctx context.Context, id string) error {
	timeout := changeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	change, err := w.pebble.WaitChange(id, &client.WaitChangeOptions{Timeout: timeout})
	if err != nil {
		return errors.Annotatef(err, "waiting for change %s", id)
	}
	if change.Err != "" {
		return errors.Errorf("change %s failed: %s", id, change.Err)
	}
	return nil
}

// WriteConfig renders my.cnf for cfg and pushes it when it differs from
// the file in the container. It reports whether the file changed.
func (w *Workload) WriteConfig(ctx context.Context, cfg config.Config) (bool, error) {
	memory := int64(cfg.ProfileLimitMemory) * humanize.MiByte
	if memory == 0 && cfg.Profile == config.ProfileProduction {
		var err error
		if memory, err = w.MemoryLimit(ctx); err != nil {
			return false, errors.Trace(err)
		}
	}
	settings, err := ComputeSettings(cfg.Profile, memory)
	if err != nil {
		return false, errors.Trace(err)
	}
	content, err := settings.Render()
	if err != nil {
		return false, errors.Trace(err)
	}

	var current bytes.Buffer
	err = w.pebble.Pull(&client.PullOptions{Path: ConfigPath, Target: &current})
	if err == nil && current.String() == content {
		return false, nil
	} else if err != nil && !isNotFound(err) {
		return false, errors.Annotatef(err, "reading %s", ConfigPath)
	}
	logger.Infof("writing %s: buffer pool %s, max connections %d",
		ConfigPath, humanize.IBytes(uint64(settings.BufferPoolSize)), settings.MaxConnections)
	if err := w.pebble.Push(&client.PushOptions{
		Source:      strings.NewReader(content),
		Path:        ConfigPath,
		MakeDirs:    true,
		Permissions: 0644,
		User:        "mysql",
		Group:       "mysql",
	}); err != nil {
		return false, errors.Annotatef(err, "writing %s", ConfigPath)
	}
	return true, nil
}

func isNotFound(err error) bool {
	var perr *client.Error
	if errors.As(err, &perr) {
		return perr.Kind == "not-found"
	}
	return false
}

// MemoryLimit returns the memory available to the workload container, in
// bytes: the cgroup limit when there is one, else the host memory.
func (w *Workload) MemoryLimit(ctx context.Context) (int64, error) {
	out, err := w.Output(ctx, "cat", "/sys/fs/cgroup/memory.max")
	if err == nil {
		if limit, ok := parseCgroupLimit(out); ok {
			return limit, nil
		}
	}
	out, err = w.Output(ctx, "cat", "/proc/meminfo")
	if err != nil {
		return 0, errors.Annotate(err, "reading memory size")
	}
	return parseMemInfo(out)
}

var versionRE = regexp.MustCompile(`Ver (\d+\.\d+\.\d+)`)

// Version returns the mysqld version, eg "8.0.36".
func (w *Workload) Version(ctx context.Context) (string, error) {
	out, err := w.Output(ctx, "/usr/sbin/mysqld", "--version")
	if err != nil {
		return "", errors.Annotate(err, "querying mysqld version")
	}
	m := versionRE.FindStringSubmatch(out)
	if m == nil {
		return "", errors.NotValidf("mysqld version output %q", strings.TrimSpace(out))
	}
	return m[1], nil
}
