// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/hashicorp/vault/api"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/client-go/kubernetes"

	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/core/machinelock"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/actions"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/backups"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/credentials"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/dispatcher"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/kube"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/mysqlsh"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/reconciler"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/unitstate"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/upgrade"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/workload"
)

const (
	machineLockDelay = 250 * time.Millisecond
	createAttempts   = 5
	retryDelay       = 10 * time.Second
)

// stackParams are the parts of the stack that differ between the
// long-running agent and a one-shot invocation.
type stackParams struct {
	Clock clock.Clock

	// State holds the deferred events.
	State dispatcher.StateStore

	// Tracer is optional.
	Tracer trace.Tracer

	// Metrics is optional.
	Metrics *dispatcher.Collector
}

// stack is every component of a unit agent, wired together.
type stack struct {
	config config.AgentConfig
	clock  clock.Clock

	store      databag.Store
	databag    *databag.Databag
	leader     *unitstate.LeaderFile
	status     *unitstate.StatusFile
	dispatcher *dispatcher.Dispatcher

	credentials *credentials.Manager
	reconciler  *reconciler.Reconciler
	backups     *backups.Manager
	upgrades    *upgrade.Manager
}

func newStack(ctx context.Context, configPath string, cfg config.AgentConfig, params stackParams) (_ *stack, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Annotate(err, "creating data dir")
	}
	kubeClient := &lazyKubeClient{kubeconfig: cfg.Kubeconfig}
	store, err := newPeerStore(ctx, cfg, kubeClient, params.Clock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		if err != nil {
			_ = closeStore(store)
		}
	}()

	s := &stack{
		config: cfg,
		clock:  params.Clock,
		store:  store,
		leader: unitstate.NewLeaderFile(cfg.LeaderFile()),
		status: unitstate.NewStatusFile(cfg.StatusFile(), params.Clock),
	}
	s.databag = databag.New(store, cfg.Unit, s.leader)
	charmConfig, err := config.Parse(cfg.Charm)
	if err != nil {
		return nil, errors.Trace(err)
	}

	backend, err := s.credentialBackend(kubeClient)
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.credentials, err = credentials.NewManager(credentials.Config{
		Backend: backend,
		Leader:  s.leader,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	pebble, err := client.New(&client.Config{Socket: cfg.PebbleSocket})
	if err != nil {
		return nil, errors.Annotate(err, "creating pebble client")
	}
	wl := workload.New(pebble, workload.NewPebbleExecer(pebble))
	cluster, err := mysqlsh.NewClient(mysqlsh.ClientConfig{
		Runner:      wl.Runner(),
		Credentials: s.credentials,
		Host:        cfg.Address,
		Timeout:     charmConfig.MysqlshTimeout,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.credentials.SetPasswordSetter(cluster)

	machineLock, err := machinelock.New(machinelock.Config{
		AgentName: cfg.Unit,
		Clock:     params.Clock,
		Name:      "mysql-agent-" + cfg.UnitTag().String(),
		Delay:     machineLockDelay,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	s.dispatcher, err = dispatcher.New(dispatcher.Config{
		State:       params.State,
		MachineLock: machineLock,
		Clock:       params.Clock,
		Logger:      loggo.GetLogger("mysql.dispatcher"),
		Metrics:     params.Metrics,
		Tracer:      params.Tracer,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	relation := unitstate.NewRelationMarker(cfg.RelationMarker())
	s.reconciler, err = reconciler.New(reconciler.Config{
		Unit:           cfg.UnitTag(),
		Address:        cfg.Address,
		Databag:        s.databag,
		Leader:         s.leader,
		Cluster:        cluster,
		Workload:       wl,
		Credentials:    s.credentials,
		CharmConfig:    charmConfigFile{path: configPath},
		Relation:       relation,
		Status:         s.status,
		Emitter:        s.dispatcher,
		Clock:          params.Clock,
		Logger:         loggo.GetLogger("mysql.reconciler"),
		CreateAttempts: createAttempts,
		RetryDelay:     retryDelay,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	s.upgrades, err = upgrade.NewManager(upgrade.Config{
		Databag:     s.databag,
		Cluster:     cluster,
		Partitioner: &statefulSetPartitioner{client: kubeClient, namespace: cfg.Namespace, name: cfg.Application()},
		Workload:    wl,
		Clock:       params.Clock,
		Logger:      loggo.GetLogger("mysql.upgrade"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	var objects backups.ObjectStore
	if cfg.S3.Enabled() {
		if objects, err = backups.NewS3Store(ctx, cfg.S3); err != nil {
			return nil, errors.Trace(err)
		}
	}
	s.backups, err = backups.NewManager(backups.Config{
		Databag:        s.databag,
		Leader:         s.leader,
		Address:        cfg.Address,
		Cluster:        cluster,
		Workload:       wl,
		Credentials:    s.credentials,
		Clock:          params.Clock,
		Logger:         loggo.GetLogger("mysql.backups"),
		Store:          objects,
		Prefix:         cfg.S3.Path,
		SpoolDir:       cfg.SpoolDir(),
		BandwidthLimit: cfg.S3.BandwidthLimit,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := s.register(relation); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// register installs the handlers of every component. Upgrade checks run
// around the reconciler's own handling of the same events.
func (s *stack) register(relation *unitstate.RelationMarker) error {
	handlers := s.reconciler.Handlers()
	handlers[event.PeerRelationCreated] = dispatcher.Chain(
		dispatcher.HandlerFunc(relation.Record),
		handlers[event.PeerRelationCreated],
	)
	handlers[event.WorkloadReady] = dispatcher.Chain(
		dispatcher.HandlerFunc(s.upgrades.WorkloadReady),
		handlers[event.WorkloadReady],
	)
	handlers[event.UpdateStatus] = dispatcher.Chain(
		handlers[event.UpdateStatus],
		dispatcher.HandlerFunc(s.upgrades.Upkeep),
	)
	for kind, h := range handlers {
		if err := s.dispatcher.Register(kind, h); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// newActions returns the action runner. Actions run through runner so
// that they serialize with event handling.
func (s *stack) newActions(runner actions.ActionRunner) (*actions.Runner, error) {
	r, err := actions.NewRunner(actions.Config{
		Runner:      runner,
		Credentials: s.credentials,
		Cluster:     s.reconciler,
		Backups:     s.backups,
		Upgrades:    s.upgrades,
		Logger:      loggo.GetLogger("mysql.actions"),
	})
	return r, errors.Trace(err)
}

func (s *stack) credentialBackend(kubeClient *lazyKubeClient) (credentials.Backend, error) {
	switch s.config.CredentialBackend {
	case config.BackendVault:
		vaultConfig := api.DefaultConfig()
		vaultConfig.Address = s.config.Vault.Address
		vaultClient, err := api.NewClient(vaultConfig)
		if err != nil {
			return nil, errors.Annotate(err, "creating vault client")
		}
		vaultClient.SetToken(s.config.Vault.Token)
		backend, err := credentials.NewVaultBackend(credentials.VaultConfig{
			Client: vaultClient,
			Mount:  s.config.Vault.Mount,
			Prefix: s.config.Application(),
		})
		return backend, errors.Trace(err)
	case config.BackendKubernetes:
		k8s, err := kubeClient.get()
		if err != nil {
			return nil, errors.Trace(err)
		}
		backend, err := credentials.NewKubernetesBackend(k8s, s.config.Namespace, s.config.Application()+"-credentials")
		return backend, errors.Trace(err)
	}
	return credentials.NewDatabagBackend(s.databag), nil
}

// Close releases the peer store.
func (s *stack) Close() error {
	return errors.Trace(closeStore(s.store))
}

// newPeerStore returns the peer databag backend the config selects.
func newPeerStore(ctx context.Context, cfg config.AgentConfig, kubeClient *lazyKubeClient, clock clock.Clock) (databag.Store, error) {
	if cfg.PeerStore == config.PeerStoreLocal {
		store, err := databag.NewSQLiteStore(ctx, cfg.StorePath())
		return store, errors.Trace(err)
	}
	k8s, err := kubeClient.get()
	if err != nil {
		return nil, errors.Trace(err)
	}
	store, err := databag.NewKubeStore(databag.KubeStoreConfig{
		Client:    k8s,
		Namespace: cfg.Namespace,
		Name:      cfg.PeerConfigMap(),
		Clock:     clock,
	})
	return store, errors.Trace(err)
}

func closeStore(store databag.Store) error {
	if closer, ok := store.(io.Closer); ok {
		return errors.Trace(closer.Close())
	}
	return nil
}

// charmConfigFile reads the charm config from the agent config file on
// every call, so that a long-running agent sees the config the charm
// wrote before relaying config-changed.
type charmConfigFile struct {
	path string
}

// CharmConfig is part of the reconciler.ConfigGetter interface.
func (f charmConfigFile) CharmConfig() (config.Config, error) {
	cfg, err := config.ReadAgentConfig(f.path)
	if err != nil {
		return config.Config{}, errors.Trace(err)
	}
	charm, err := config.Parse(cfg.Charm)
	return charm, errors.Trace(err)
}

// lazyKubeClient connects to Kubernetes on first use, so that hooks not
// needing the cluster API run where it is unreachable.
type lazyKubeClient struct {
	kubeconfig string

	once   sync.Once
	client kubernetes.Interface
	err    error
}

func (c *lazyKubeClient) get() (kubernetes.Interface, error) {
	c.once.Do(func() {
		c.client, c.err = kube.NewClient(c.kubeconfig)
	})
	return c.client, errors.Trace(c.err)
}

// statefulSetPartitioner is an upgrade.Partitioner on the application's
// StatefulSet, connecting on first use.
type statefulSetPartitioner struct {
	client    *lazyKubeClient
	namespace string
	name      string
}

func (p *statefulSetPartitioner) partitioner() (upgrade.Partitioner, error) {
	k8s, err := p.client.get()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return upgrade.NewStatefulSetPartitioner(k8s, p.namespace, p.name), nil
}

// Partition is part of the upgrade.Partitioner interface.
func (p *statefulSetPartitioner) Partition(ctx context.Context) (int32, error) {
	partitioner, err := p.partitioner()
	if err != nil {
		return 0, errors.Trace(err)
	}
	partition, err := partitioner.Partition(ctx)
	return partition, errors.Trace(err)
}

// SetPartition is part of the upgrade.Partitioner interface.
func (p *statefulSetPartitioner) SetPartition(ctx context.Context, partition int32) error {
	partitioner, err := p.partitioner()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(partitioner.SetPartition(ctx, partition))
}
