// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"gopkg.in/yaml.v3"
)

// Credential backends.
const (
	BackendDatabag    = "databag"
	BackendVault      = "vault"
	BackendKubernetes = "kubernetes"
)

// Peer stores.
const (
	PeerStoreKubernetes = "kubernetes"
	PeerStoreLocal      = "local"
)

// AgentConfig is the on-disk configuration of the mysql agent, written by
// the charm when the unit is deployed.
type AgentConfig struct {
	// Unit is the unit name, eg "mysql/0".
	Unit string `yaml:"unit"`

	// Address is the stable DNS name of the unit's instance.
	Address string `yaml:"address"`

	// DataDir holds the agent state: deferred events, unit state files
	// and, for the local peer store, its database.
	DataDir string `yaml:"data-dir"`

	// PeerStore selects where the peer databag lives: "kubernetes" keeps
	// it in a ConfigMap shared by every unit, "local" in a SQLite file
	// that only suits a single-unit deployment.
	PeerStore string `yaml:"peer-store"`

	// Namespace is the Kubernetes namespace of the model.
	Namespace string `yaml:"namespace"`

	// PebbleSocket is the workload container's Pebble socket.
	PebbleSocket string `yaml:"pebble-socket"`

	// UpdateStatusInterval is how often update-status fires in the
	// long-running agent.
	UpdateStatusInterval time.Duration `yaml:"update-status-interval"`

	// Charm holds the raw charm config.
	Charm map[string]any `yaml:"charm-config"`

	CredentialBackend string        `yaml:"credential-backend"`
	Vault             VaultConfig   `yaml:"vault,omitempty"`
	S3                S3Config      `yaml:"s3,omitempty"`
	Tracing           TracingConfig `yaml:"tracing,omitempty"`

	// MetricsAddress is where the Prometheus endpoint listens; empty
	// disables it.
	MetricsAddress string `yaml:"metrics-address,omitempty"`

	// Kubeconfig is only set when the agent runs outside the cluster.
	Kubeconfig string `yaml:"kubeconfig,omitempty"`
}

// VaultConfig locates the Vault KV engine holding credentials.
type VaultConfig struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
	Mount   string `yaml:"mount"`
}

// S3Config locates the backup bucket.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Path      string `yaml:"path"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`

	// URIStyle is "host" (virtual-hosted buckets) or "path".
	URIStyle string `yaml:"uri-style,omitempty"`

	// BandwidthLimit caps backup streaming, in bytes per second; zero
	// means unlimited.
	BandwidthLimit int64 `yaml:"bandwidth-limit,omitempty"`
}

// TracingConfig enables OTLP tracing.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample-rate"`
}

// Enabled reports whether a bucket is configured.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// Validate ensures a configured bucket can be reached.
func (c S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.NotValidf("empty s3 bucket")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.NotValidf("s3 bucket %q without access or secret key", c.Bucket)
	}
	switch c.URIStyle {
	case "", "host", "path":
	default:
		return errors.NotValidf("s3 uri-style %q", c.URIStyle)
	}
	if c.BandwidthLimit < 0 {
		return errors.NotValidf("negative s3 bandwidth-limit")
	}
	return nil
}

// ReadAgentConfig loads and validates the agent config file.
func ReadAgentConfig(path string) (AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentConfig{}, errors.Annotatef(err, "reading agent config")
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AgentConfig{}, errors.Annotatef(err, "parsing agent config %q", path)
	}
	if cfg.UpdateStatusInterval == 0 {
		cfg.UpdateStatusInterval = 5 * time.Minute
	}
	if cfg.PeerStore == "" {
		cfg.PeerStore = PeerStoreKubernetes
	}
	if cfg.CredentialBackend == "" {
		cfg.CredentialBackend = BackendDatabag
	}
	if cfg.PebbleSocket == "" {
		cfg.PebbleSocket = "/charm/containers/mysql/pebble.socket"
	}
	if err := cfg.Validate(); err != nil {
		return AgentConfig{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate ensures that the agent config is usable.
func (c AgentConfig) Validate() error {
	if !names.IsValidUnit(c.Unit) {
		return errors.NotValidf("unit name %q", c.Unit)
	}
	if c.Address == "" {
		return errors.NotValidf("empty address")
	}
	if c.DataDir == "" {
		return errors.NotValidf("empty data-dir")
	}
	switch c.PeerStore {
	case PeerStoreKubernetes:
		if c.Namespace == "" {
			return errors.NotValidf("kubernetes peer store without namespace")
		}
	case PeerStoreLocal:
	default:
		return errors.NotValidf("peer store %q", c.PeerStore)
	}
	switch c.CredentialBackend {
	case BackendDatabag:
	case BackendVault:
		if c.Vault.Address == "" || c.Vault.Mount == "" {
			return errors.NotValidf("vault backend without address or mount")
		}
	case BackendKubernetes:
		if c.Namespace == "" {
			return errors.NotValidf("kubernetes backend without namespace")
		}
	default:
		return errors.NotValidf("credential backend %q", c.CredentialBackend)
	}
	if c.S3.Enabled() {
		if err := c.S3.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if _, err := Parse(c.Charm); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// UnitTag returns the tag of the unit.
func (c AgentConfig) UnitTag() names.UnitTag {
	return names.NewUnitTag(c.Unit)
}

// Application returns the application name.
func (c AgentConfig) Application() string {
	app, _ := names.UnitApplication(c.Unit)
	return app
}

// StorePath is the SQLite file of the local peer store.
func (c AgentConfig) StorePath() string {
	return filepath.Join(c.DataDir, "databag.db")
}

// PeerConfigMap names the ConfigMap of the kubernetes peer store.
func (c AgentConfig) PeerConfigMap() string {
	return c.Application() + "-peer-data"
}

// StateFile holds the deferred event queue.
func (c AgentConfig) StateFile() string {
	return filepath.Join(c.DataDir, "dispatcher.yaml")
}

// LeaderFile records whether the unit is the leader; the charm rewrites
// it on leader-elected.
func (c AgentConfig) LeaderFile() string {
	return filepath.Join(c.DataDir, "leader")
}

// SocketPath is where the long-running agent serves its local API.
func (c AgentConfig) SocketPath() string {
	return filepath.Join(c.DataDir, "agent.socket")
}

// StatusFile holds the last unit status.
func (c AgentConfig) StatusFile() string {
	return filepath.Join(c.DataDir, "status.yaml")
}

// RelationMarker exists once the peer relation has been created.
func (c AgentConfig) RelationMarker() string {
	return filepath.Join(c.DataDir, "peer-relation")
}

// SpoolDir holds backup streams until they are uploaded.
func (c AgentConfig) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}
