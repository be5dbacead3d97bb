// Command quorumkv-server runs one node of a quorumkv cluster: it loads the
// static cluster descriptor, wires Ring/ShardManager/Store/Auth/Consensus/
// Replicator/Discovery together behind the NodeService façade, and serves
// that façade over the inter-node transport until signalled to stop.
//
// Grounded on the teacher's cmd/tokmesh-server bootstrap sequencing (flag
// parsing, loadConfig/initLogger helpers, reverse-order shutdown hooks,
// "serve in a goroutine, then Wait on the shutdown handler" main loop).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/auth"
	"github.com/quorumkv/quorumkv/internal/core/consensus"
	"github.com/quorumkv/quorumkv/internal/core/replicator"
	"github.com/quorumkv/quorumkv/internal/core/ringhash"
	"github.com/quorumkv/quorumkv/internal/core/shard"
	"github.com/quorumkv/quorumkv/internal/core/store"
	"github.com/quorumkv/quorumkv/internal/discovery"
	"github.com/quorumkv/quorumkv/internal/infra/confloader"
	"github.com/quorumkv/quorumkv/internal/infra/shutdown"
	"github.com/quorumkv/quorumkv/internal/server/config"
	"github.com/quorumkv/quorumkv/internal/server/nodeservice"
	"github.com/quorumkv/quorumkv/internal/telemetry/logger"
	"github.com/quorumkv/quorumkv/internal/telemetry/metric"
	"github.com/quorumkv/quorumkv/internal/transport"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "cluster.json", "Path to the static cluster config file")
		metricsAddr = flag.String("metrics-addr", "", "Address to serve /metrics on (empty disables it)")
		logLevel    = flag.String("log-level", "info", "Minimum log level (debug, info, warn, error)")
		apiKey      = flag.String("bootstrap-api-key", "demo-key", "API key registered at startup with admin role")
		poolSize    = flag.Int("rpc-worker-pool", transport.DefaultWorkerPoolSize, "Max inbound RPCs dispatched to the handler concurrently")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("quorumkv-server %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return nil
	}

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "json", Output: os.Stdout})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	slogLogger := slog.Default()

	cluster, self, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load cluster config: %w", err)
	}
	log.Info("loaded cluster config", "self", self.ID, "nodes", len(cluster.Nodes),
		"replication_factor", cluster.ReplicationFactor, "num_shards", cluster.NumShards)

	registry := metric.NewRegistry()

	// Core domain components.
	st := store.New()

	shards := shard.New(self.ID, cluster.NumShards)
	shards.AssignInitial(cluster.AllNodeIDs())

	ring := ringhash.New(cluster.VirtualNodes)
	for _, id := range cluster.AllNodeIDs() {
		ring.AddNode(id)
	}

	authRegistry := auth.New(nil, auth.DefaultTokenTTL)
	authRegistry.AddAPIKey(*apiKey, "admin")

	// Transport connects NodeService instances across processes; it
	// implements both consensus.Transport and replicator.Transport so
	// elections, heartbeats and replication fanout share one connection
	// pool.
	client := transport.NewClient(func(nodeID string) (string, error) {
		addr, ok := cluster.AddressOf(nodeID)
		if !ok {
			return "", fmt.Errorf("quorumkv-server: unknown peer %q", nodeID)
		}
		return addr, nil
	})

	cons := consensus.New(consensus.Config{
		SelfID:    self.ID,
		Peers:     cluster.PeerIDs(self.ID),
		Transport: client,
		Logger:    slogLogger,
		OnBecomeLeader: func() {
			log.Info("became leader")
			registry.SetLeader(true)
		},
		OnLoseLeadership: func() {
			log.Info("stepped down")
			registry.SetLeader(false)
		},
	})

	repl := replicator.New(client, slogLogger)
	repl.OnResult(func(peer string, err error) {
		registry.ObserveReplication(peer, err)
	})

	svc := nodeservice.New(nodeservice.Config{
		SelfID:            self.ID,
		ReplicationFactor: cluster.ReplicationFactor,
		Auth:              authRegistry,
		Shards:            shards,
		Consensus:         cons,
		Store:             st,
		Ring:              ring,
		Replicator:        repl,
		Logger:            slogLogger,
	})

	rpcServer := transport.NewServer(svc, slogLogger)
	rpcServer.SetWorkerPoolSize(*poolSize)
	rpcServer.SetObserver(func(method string, err error, seconds float64) {
		registry.ObserveRPC(method, err, seconds)
	})
	if err := rpcServer.Listen(self.Address()); err != nil {
		return fmt.Errorf("listen on %s: %w", self.Address(), err)
	}
	log.Info("NodeService RPC listening", "addr", self.Address())

	// Gossip-based failure detection, kept separate from consensus
	// heartbeat liveness.
	disc, err := discovery.New(discovery.Config{
		NodeID:    self.ID,
		ClusterID: fmt.Sprintf("quorumkv-%d-shards", cluster.NumShards),
		BindAddr:  self.Host,
		BindPort:  self.Port + 1000,
		Address:   self.Address(),
		SeedNodes: seedAddrs(cluster, self.ID),
		Logger:    slogLogger,
	})
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	registry.ClusterMembersTotal.Set(float64(len(cluster.Nodes)))

	ctx, cancelElection := context.WithCancel(context.Background())
	go cons.Run(ctx)
	cons.StartElection(ctx)

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			log.Info("metrics server listening", "addr", *metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	sweepStop := make(chan struct{})
	go runPeriodicSweep(st, authRegistry, registry, sweepStop)

	// Cluster topology hot-reload is out of scope: the watcher only logs a
	// restart-required warning when the config file changes underneath a
	// running node, it never re-applies it.
	configWatcher, err := confloader.NewWatcher(confloader.WithWatcherLogger(slogLogger))
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	if err := configWatcher.Watch(*configFile); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	configWatcher.OnChange(func(path string) {
		log.Warn("cluster config file changed on disk, restart this node to apply it", "path", path)
	})
	configWatcher.StartAsync()

	shutdownHandler := shutdown.NewHandler(30*time.Second, shutdown.WithLogger(slogLogger))

	shutdownHandler.OnShutdown("config_watcher", func(ctx context.Context) error {
		return configWatcher.Stop()
	})
	shutdownHandler.OnShutdown("periodic_sweep", func(ctx context.Context) error {
		close(sweepStop)
		return nil
	})
	if metricsServer != nil {
		shutdownHandler.OnShutdown("metrics_server", func(ctx context.Context) error {
			return metricsServer.Shutdown(ctx)
		})
	}
	// Hooks run in reverse registration order: gossip_leave is registered
	// after gossip_shutdown so the leave is broadcast before memberlist stops.
	shutdownHandler.OnShutdown("gossip_shutdown", func(ctx context.Context) error {
		return disc.Shutdown()
	})
	shutdownHandler.OnShutdown("gossip_leave", func(ctx context.Context) error {
		return disc.Leave()
	})
	shutdownHandler.OnShutdown("consensus", func(ctx context.Context) error {
		cancelElection()
		cons.Stop()
		return nil
	})
	shutdownHandler.OnShutdown("transport", func(ctx context.Context) error {
		if err := rpcServer.Close(); err != nil {
			log.Error("transport server close error", "error", err)
		}
		return client.Close()
	})

	log.Info("quorumkv-server started, press Ctrl+C to stop", "node_id", self.ID)
	if err := shutdownHandler.Wait(); err != nil {
		return err
	}

	log.Info("quorumkv-server stopped gracefully")
	return nil
}

// seedAddrs maps every peer's NodeService address into a gossip seed list.
// The discovery layer's own bind port is NodeService's port + 1000, a fixed
// offset so a single cluster config file is enough to derive both.
func seedAddrs(cluster config.Cluster, selfID string) []string {
	var seeds []string
	for _, id := range cluster.PeerIDs(selfID) {
		n, ok := cluster.Self(id)
		if !ok {
			continue
		}
		seeds = append(seeds, fmt.Sprintf("%s:%d", n.Host, n.Port+1000))
	}
	return seeds
}

// runPeriodicSweep reclaims expired tokens and TTL'd keys and reflects
// store size into the metrics registry, mirroring the teacher's pattern of
// a single background maintenance goroutine per long-lived component.
func runPeriodicSweep(st *store.Store, authRegistry *auth.Auth, registry *metric.Registry, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st.SweepExpired()
			authRegistry.Sweep()
			registry.StoreKeysTotal.Set(float64(st.Len()))
		case <-stop:
			return
		}
	}
}
