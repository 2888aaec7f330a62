// Command monster-mq boots the routing core as a standalone process: it
// loads a YAML-backed ConfigStore, wires the cluster bus, session/retained
// stores, SessionRouter, HealthMonitor and ArchiveController, starts every
// configured (and enabled) archive group, and serves a Prometheus metrics
// endpoint until it receives a shutdown signal.
//
// There is no bundled MQTT wire listener here: Transport (spec §6) is an
// external collaborator the router calls out to, not something this
// package implements. loopbackTransport below is a minimal stand-in good
// enough to exercise the router end to end; a real deployment wires a
// TCP/WebSocket front end as its own Transport implementation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vogler75/monster-mq"
	"github.com/vogler75/monster-mq/internal/archive"
	"github.com/vogler75/monster-mq/internal/cluster"
	"github.com/vogler75/monster-mq/internal/config"
	"github.com/vogler75/monster-mq/internal/controller"
	"github.com/vogler75/monster-mq/internal/health"
	"github.com/vogler75/monster-mq/internal/router"
	"github.com/vogler75/monster-mq/internal/topic"
)

func main() {
	var (
		configPath  = flag.String("config", "monster-mq.yaml", "path to the broker's YAML config document")
		metricsAddr = flag.String("metrics-addr", ":9464", "address the Prometheus /metrics endpoint listens on")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		sessionDB   = flag.String("session-db", "monster-mq-sessions.db", "path to the SQLite session store")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	if err := run(*configPath, *metricsAddr, *sessionDB, logger); err != nil {
		logger.Error("monster-mq exited with error", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(configPath, metricsAddr, sessionDBPath string, logger *slog.Logger) error {
	store, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	broker := store.Broker()

	nodeID := broker.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
		logger.Warn("no nodeId configured, generated a random one", "nodeId", nodeID)
	}
	logger = logger.With("node", nodeID)

	bus, closeBus, err := buildBus(broker, nodeID)
	if err != nil {
		return fmt.Errorf("building cluster bus: %w", err)
	}
	defer closeBus()

	idx := topic.New()
	clientNodeMap := cluster.NewClientNodeMap(bus)
	topicNodeMap := cluster.NewTopicNodeMap(bus)
	leaderMap := cluster.NewReplicatedMap(bus, "health.leader")
	defer clientNodeMap.Close()
	defer topicNodeMap.Close()
	defer leaderMap.Close()

	sessionStore, err := router.OpenSQLiteSessionStore(sessionDBPath, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer sessionStore.Close()

	retainedStore, err := archive.OpenSQLiteStore(sqlitePathNextTo(sessionDBPath, "retained"), "retained", logger)
	if err != nil {
		return fmt.Errorf("opening retained store: %w", err)
	}
	defer retainedStore.Close()
	retainedGroup := archive.NewGroup("__retained",
		archive.WithRetainedOnly(true),
		archive.WithRetainedStore(retainedStore),
	)
	retainedWriter := archive.NewWriter(retainedGroup, logger)

	apiTopicPrefix := router.DefaultAPITopicPrefix
	if broker.APITopicPrefix != "" {
		apiTopicPrefix = broker.APITopicPrefix
	}

	routerOpts := []router.Option{
		router.WithLogger(logger),
		router.WithSessionStore(sessionStore),
		router.WithRetainedStore(retainedStore, retainedWriter),
		router.WithTransport(newLoopbackTransport(logger)),
		router.WithAPITopicPrefix(apiTopicPrefix),
		router.WithRootWildcardDisabled(broker.RootWildcardDisabled),
	}
	if broker.WorkerCount > 0 {
		routerOpts = append(routerOpts, router.WithPublishWorkerPool(
			broker.WorkerCount, router.DefaultInFlightCapacity, router.DefaultBulkSize, router.DefaultBulkTimeout,
		))
	}
	r := router.NewSessionRouter(nodeID, idx, clientNodeMap, topicNodeMap, bus, routerOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retainedWriter.Start(ctx)
	r.Start()
	defer r.Stop()

	monitor := health.NewMonitor(nodeID, broker.ClusterMode, leaderMap, sessionStore, clientNodeMap, topicNodeMap, r, health.WithLogger(logger))
	if err := monitor.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("health metrics already registered, continuing", "error", err)
	}
	monitor.Start(ctx)
	defer monitor.Stop()

	ctrl := controller.New(nodeID, bus, r, store, sinkFactory(logger), controller.WithLogger(logger))
	ctrl.Start()
	defer ctrl.Stop()

	for _, g := range store.GetAllArchiveGroups() {
		if !g.Enabled {
			continue
		}
		if err := ctrl.StartArchiveGroup(ctx, g.Name, broker.ClusterMode); err != nil {
			logger.Error("failed to start configured archive group", "name", g.Name, "error", err)
		}
	}

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	logger.Info("monster-mq started", "metricsAddr", metricsAddr, "clusterMode", broker.ClusterMode)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), controller.UndeployTimeout+time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	return nil
}

// buildBus selects NatsBus when the broker is configured for cluster mode
// with a NATS URL, and an in-process LocalBus otherwise (spec §4.2:
// single-node deployments have nothing to replicate to).
func buildBus(broker config.BrokerConfig, nodeID string) (cluster.Bus, func(), error) {
	if broker.ClusterMode && broker.NatsURL != "" {
		bus, err := cluster.NewNatsBus(broker.NatsURL, nodeID)
		if err != nil {
			return nil, nil, err
		}
		return bus, bus.Close, nil
	}
	bus := cluster.NewLocalBus(cluster.NewHub(), nodeID)
	return bus, func() {}, nil
}

// sinkFactory builds the concrete MessageStore/ArchiveSink pair for an
// archive group's config, dispatching on its configured sink kinds so
// internal/controller never has to import sqlite/kafka drivers itself.
func sinkFactory(logger *slog.Logger) controller.SinkFactory {
	return func(cfg config.ArchiveGroupConfig) (archive.MessageStore, archive.ArchiveSink, error) {
		var (
			retained archive.MessageStore
			history  archive.ArchiveSink
		)

		switch cfg.RetainedStore {
		case "sqlite":
			s, err := archive.OpenSQLiteStore(cfg.SQLitePath, cfg.Name, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("archive group %q: opening sqlite retained store: %w", cfg.Name, err)
			}
			retained = s
		case "memory":
			retained = archive.NewMemStore()
		}

		switch cfg.ArchiveSink {
		case "kafka":
			sink, err := archive.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.PayloadFormat, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("archive group %q: dialing kafka sink: %w", cfg.Name, err)
			}
			history = sink
		case "sqlite":
			s, err := archive.OpenSQLiteStore(cfg.SQLitePath, cfg.Name, logger)
			if err != nil {
				return nil, nil, fmt.Errorf("archive group %q: opening sqlite history sink: %w", cfg.Name, err)
			}
			history = s
		case "memory":
			history = archive.NewMemStore()
		}

		return retained, history, nil
	}
}

func sqlitePathNextTo(sessionDBPath, suffix string) string {
	dir := filepath.Dir(sessionDBPath)
	return filepath.Join(dir, "monster-mq-"+suffix+".db")
}

// loopbackTransport is the reference Transport (spec §6) this standalone
// binary wires by default: it logs rather than delivering over a real
// wire protocol, just enough to let the router's publish pipeline run to
// completion without a TCP/WebSocket front end attached.
type loopbackTransport struct {
	logger *slog.Logger
}

func newLoopbackTransport(logger *slog.Logger) *loopbackTransport {
	return &loopbackTransport{logger: logger}
}

func (t *loopbackTransport) Send(_ context.Context, clientAddress string, msg *monster.BrokerMessage) error {
	t.logger.Debug("loopback transport send", "clientAddress", clientAddress, "topic", msg.TopicName)
	return nil
}

func (t *loopbackTransport) Request(_ context.Context, clientAddress string, msg *monster.BrokerMessage) (bool, error) {
	t.logger.Debug("loopback transport request", "clientAddress", clientAddress, "topic", msg.TopicName)
	return true, nil
}
