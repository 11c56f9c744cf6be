// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/tomb.v2"

	"github.com/canonical/mysql-k8s-operator-sub000/cmd"
	"github.com/canonical/mysql-k8s-operator-sub000/core/event"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/config"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/databag"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/dispatcher"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/localapi"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/metrics"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/tracing"
	"github.com/canonical/mysql-k8s-operator-sub000/internal/unitstate"
)

const (
	// databagPollInterval paces the peer databag watcher.
	databagPollInterval = 2 * time.Second

	metricsShutdownTimeout = 5 * time.Second
)

var serveDoc = `
serve runs the unit agent until it is interrupted. The agent delivers
update-status periodically, turns peer databag changes into
peer-relation-changed events and watches the leader file. Hooks and
actions relayed by "mysql-agent dispatch" and "mysql-agent action"
are handled over a unix socket in the agent's data directory.
`

type serveCommand struct {
	agentCommandBase
}

func newServeCommand() cmd.Command {
	return &serveCommand{}
}

// Info is part of the cmd.Command interface.
func (c *serveCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "serve",
		Purpose: "Run the long-running unit agent.",
		Doc:     serveDoc,
	}
}

// SetFlags is part of the cmd.Command interface.
func (c *serveCommand) SetFlags(f *gnuflag.FlagSet) {
	c.agentCommandBase.SetFlags(f)
}

// Init is part of the cmd.Command interface.
func (c *serveCommand) Init(args []string) error {
	return cmd.CheckEmpty(args)
}

// Run is part of the cmd.Command interface.
func (c *serveCommand) Run(ctx *cmd.Context) error {
	cfg, err := c.readConfig(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if agentRunning(cfg) {
		if _, err := localapi.NewClient(cfg.SocketPath()).Status(ctx); err == nil {
			return errors.AlreadyExistsf("agent serving %q", cfg.SocketPath())
		}
		// Left behind by an agent that did not shut down.
		if err := os.Remove(cfg.SocketPath()); err != nil {
			return errors.Annotate(err, "removing stale socket")
		}
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := startAgent(sigCtx, ctx.AbsPath(c.configPath), cfg)
	if err != nil {
		return errors.Trace(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- agent.Wait()
	}()
	select {
	case <-sigCtx.Done():
		logger.Infof("shutting down")
		return errors.Trace(worker.Stop(agent))
	case err := <-done:
		return errors.Trace(err)
	}
}

// agentWorker owns every worker of the long-running agent; any of them
// failing stops the agent.
type agentWorker struct {
	catacomb catacomb.Catacomb

	stack     *stack
	closeOnce sync.Once
}

func startAgent(ctx context.Context, configPath string, cfg config.AgentConfig) (*agentWorker, error) {
	var (
		workers []worker.Worker
		tracer  trace.Tracer
	)
	if cfg.Tracing.Endpoint != "" {
		tw, err := tracing.NewWorker(ctx, tracing.Config{
			Endpoint:   cfg.Tracing.Endpoint,
			Insecure:   cfg.Tracing.Insecure,
			SampleRate: cfg.Tracing.SampleRate,
			Instance:   cfg.Unit,
			Logger:     loggo.GetLogger("mysql.tracing"),
			NewClient:  tracing.NewClient,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
		workers = append(workers, tw)
		tracer = tw.Tracer()
	}
	stopAll := func() {
		for _, w := range workers {
			_ = worker.Stop(w)
		}
	}

	collector := dispatcher.NewCollector()
	st, err := newStack(ctx, configPath, cfg, stackParams{
		Clock:   clock.WallClock,
		State:   dispatcher.NewStateFile(cfg.StateFile()),
		Tracer:  tracer,
		Metrics: collector,
	})
	if err != nil {
		stopAll()
		return nil, errors.Trace(err)
	}
	w, err := st.startWorkers(ctx, cfg, workers, collector)
	if err != nil {
		stopAll()
		_ = st.Close()
		return nil, errors.Trace(err)
	}
	return w, nil
}

func (s *stack) startWorkers(ctx context.Context, cfg config.AgentConfig, initial []worker.Worker, collector *dispatcher.Collector) (_ *agentWorker, err error) {
	workers := initial
	defer func() {
		if err != nil {
			for _, w := range workers[len(initial):] {
				_ = worker.Stop(w)
			}
		}
	}()
	events := make(chan event.Event)
	leaderWatcher, err := unitstate.NewLeaderWatcher(unitstate.LeaderWatcherConfig{
		Leader: s.leader,
		Events: events,
		Logger: loggo.GetLogger("mysql.unitstate"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	workers = append(workers, leaderWatcher)

	databagWatcher, err := databag.NewWatcher(databag.WatcherConfig{
		Store:    s.store,
		Clock:    s.clock,
		Interval: databagPollInterval,
		Logger:   loggo.GetLogger("mysql.databag"),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	workers = append(workers, databagWatcher)

	dispatchWorker, err := dispatcher.NewWorker(dispatcher.WorkerConfig{
		Dispatcher:           s.dispatcher,
		Clock:                s.clock,
		Logger:               loggo.GetLogger("mysql.dispatcher"),
		Events:               events,
		PeerChanges:          databagWatcher.Changes(),
		UpdateStatusInterval: cfg.UpdateStatusInterval,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	workers = append(workers, dispatchWorker)

	runner, err := s.newActions(dispatchWorker)
	if err != nil {
		return nil, errors.Trace(err)
	}
	listener, err := net.Listen("unix", cfg.SocketPath())
	if err != nil {
		return nil, errors.Annotate(err, "listening on agent socket")
	}
	server, err := localapi.NewServer(localapi.ServerConfig{
		Listener:   listener,
		Dispatcher: dispatchWorker,
		Actions:    runner,
		Status:     s.status,
		Logger:     loggo.GetLogger("mysql.localapi"),
	})
	if err != nil {
		_ = listener.Close()
		return nil, errors.Trace(err)
	}
	workers = append(workers, server)

	if cfg.MetricsAddress != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collector,
			metrics.NewCollector(s.store),
		)
		ms, err := newMetricsServer(cfg.MetricsAddress, registry)
		if err != nil {
			return nil, errors.Trace(err)
		}
		workers = append(workers, ms)
	}

	w := &agentWorker{stack: s}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: workers,
	}); err != nil {
		return nil, errors.Trace(err)
	}

	leader, err := s.leader.IsLeader()
	if err != nil {
		logger.Warningf("reading leadership: %v", err)
	} else if leader {
		// The leader watcher only reports changes.
		go func() {
			if err := dispatchWorker.Dispatch(ctx, event.Event{Kind: event.LeaderElected}); err != nil {
				logger.Warningf("%v", err)
			}
		}()
	}
	logger.Infof("agent for %s serving on %s", cfg.Unit, cfg.SocketPath())
	return w, nil
}

func (w *agentWorker) loop() error {
	<-w.catacomb.Dying()
	return w.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (w *agentWorker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface. The peer store is closed
// once every worker using it has stopped.
func (w *agentWorker) Wait() error {
	err := w.catacomb.Wait()
	w.closeOnce.Do(func() {
		if closeErr := w.stack.Close(); closeErr != nil {
			logger.Warningf("closing peer store: %v", closeErr)
		}
	})
	return err
}

// metricsServer serves the Prometheus endpoint until killed.
type metricsServer struct {
	tomb   tomb.Tomb
	server *http.Server
}

func newMetricsServer(addr string, gatherer prometheus.Gatherer) (*metricsServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", addr)
	}
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s := &metricsServer{
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.tomb.Go(func() error {
		err := s.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Annotate(err, "serving metrics")
	})
	s.tomb.Go(func() error {
		<-s.tomb.Dying()
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(ctx)
	})
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *metricsServer) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *metricsServer) Wait() error {
	return s.tomb.Wait()
}
