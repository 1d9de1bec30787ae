package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumd/quorumd/internal/config"
	"github.com/quorumd/quorumd/pkg/cache"
	"github.com/quorumd/quorumd/pkg/hashring"
	"github.com/quorumd/quorumd/pkg/lockclient"
	"github.com/quorumd/quorumd/pkg/lockraft"
	"github.com/quorumd/quorumd/pkg/log"
	"github.com/quorumd/quorumd/pkg/metrics"
	"github.com/quorumd/quorumd/pkg/queue"
	"github.com/quorumd/quorumd/pkg/transport"
	"github.com/quorumd/quorumd/pkg/wal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a quorumd node in one of the three engine roles",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("role", "", "Engine role: lock, queue, or cache (required)")
	serveCmd.Flags().String("node-id", "", "This node's id (required)")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Address to bind the shared transport/Raft listener")
	serveCmd.Flags().String("data-dir", "./data", "Directory for Raft/WAL state")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster (lock role only)")
	serveCmd.Flags().String("join", "", "Address of an existing leader to join (lock role only)")
	serveCmd.Flags().String("peers", "", "Comma-separated id:host:port list of cluster peers")
	serveCmd.Flags().Int("cache-capacity", 100, "Max cache lines held per node (cache role only)")
	serveCmd.Flags().String("wal-path", "", "Queue WAL file path (queue role; default <data-dir>/<node-id>.wal)")
	serveCmd.Flags().Int("queue-visibility-timeout-ms", 30000, "Visibility timeout for dequeued-but-unacked messages (queue role)")
	serveCmd.Flags().Int("virtual-nodes", hashring.DefaultVirtualNodes, "Consistent-hash virtual nodes per physical node (queue role)")
	serveCmd.Flags().Int("heartbeat-ms", 50, "Raft leader heartbeat interval (lock role)")
	serveCmd.Flags().Int("election-timeout-min-ms", 150, "Low end of the randomized Raft election timeout (lock role)")
	serveCmd.Flags().Int("election-timeout-max-ms", 300, "High end of the randomized Raft election timeout (lock role)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics and health endpoints")

	serveCmd.MarkFlagRequired("role")
	serveCmd.MarkFlagRequired("node-id")
}

func runServe(cmd *cobra.Command, args []string) error {
	role, _ := cmd.Flags().GetString("role")
	nodeID, _ := cmd.Flags().GetString("node-id")
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	joinAddr, _ := cmd.Flags().GetString("join")
	peersRaw, _ := cmd.Flags().GetString("peers")
	cacheCapacity, _ := cmd.Flags().GetInt("cache-capacity")
	walPath, _ := cmd.Flags().GetString("wal-path")
	visibilityMs, _ := cmd.Flags().GetInt("queue-visibility-timeout-ms")
	virtualNodes, _ := cmd.Flags().GetInt("virtual-nodes")
	heartbeatMs, _ := cmd.Flags().GetInt("heartbeat-ms")
	electionMinMs, _ := cmd.Flags().GetInt("election-timeout-min-ms")
	electionMaxMs, _ := cmd.Flags().GetInt("election-timeout-max-ms")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	peers, err := config.ParsePeers(peersRaw)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}

	cfg := &config.Config{
		NodeID:            nodeID,
		Role:              config.Role(role),
		BindAddr:          bindAddr,
		DataDir:           dataDir,
		Bootstrap:         bootstrap,
		LeaderAddr:        joinAddr,
		Peers:             peers,
		CacheCapacity:     cacheCapacity,
		VirtualNodes:      virtualNodes,
		VisibilityTimeout: time.Duration(visibilityMs) * time.Millisecond,
		MetricsAddr:       metricsAddr,
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	if walPath == "" {
		walPath = filepath.Join(dataDir, nodeID+".wal")
	}
	// The raft library draws each election timer from [T, 2T), so the min
	// flag is the base timeout and the max only needs to be sane.
	if electionMaxMs < electionMinMs {
		return &exitError{code: exitConfigError, err: fmt.Errorf("election-timeout-max-ms must be >= election-timeout-min-ms")}
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &exitError{code: exitStorageError, err: fmt.Errorf("create data dir: %w", err)}
	}

	logger := log.WithNodeID(nodeID)
	logger.Info().Str("role", role).Str("bind_addr", bindAddr).Msg("starting quorumd node")

	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return &exitError{code: exitBootstrapError, err: fmt.Errorf("listen on %s: %w", bindAddr, err)}
	}
	mux := transport.NewMux(ln)
	appTransport := transport.New(nodeID, mux, cfg.Peers)
	metrics.RegisterComponent("transport", true, "")

	var collector *metrics.Collector
	var closeFns []func()

	// statusFn feeds the /status endpoint. Non-lock roles have no
	// consensus view, so they report role and peers only.
	peerIDs := make([]string, 0, len(cfg.Peers))
	for peerID := range cfg.Peers {
		peerIDs = append(peerIDs, peerID)
	}
	sort.Strings(peerIDs)
	statusFn := func() map[string]interface{} {
		return map[string]interface{}{"ok": true, "role": role, "peers": peerIDs}
	}

	switch cfg.Role {
	case config.RoleLock:
		fsm := lockraft.NewFSM()
		node, err := lockraft.New(lockraft.Config{
			NodeID:           nodeID,
			BindAddr:         bindAddr,
			DataDir:          dataDir,
			Mux:              mux,
			Bootstrap:        bootstrap,
			HeartbeatTimeout: time.Duration(heartbeatMs) * time.Millisecond,
			ElectionTimeout:  time.Duration(electionMinMs) * time.Millisecond,
		}, fsm)
		if err != nil {
			return &exitError{code: exitStorageError, err: fmt.Errorf("start raft node: %w", err)}
		}
		engine := lockraft.NewEngine(node, fsm)
		engine.RegisterClientHandlers(appTransport)
		closeFns = append(closeFns, engine.Close)
		collector = metrics.NewCollector(engine)
		metrics.RegisterComponent("engine", true, "")

		statusFn = func() map[string]interface{} {
			cs := node.Status()
			return map[string]interface{}{
				"ok":                 true,
				"role":               role,
				"is_leader":          node.IsLeader(),
				"term":               cs.Term,
				"commit_index":       cs.CommitIndex,
				"leader":             cs.Leader,
				"peers":              peerIDs,
				"partition_detected": cs.Leader == "",
			}
		}

		if joinAddr != "" {
			if err := joinCluster(nodeID, bindAddr, joinAddr); err != nil {
				return &exitError{code: exitBootstrapError, err: fmt.Errorf("join cluster: %w", err)}
			}
		}

	case config.RoleQueue:
		ring := hashring.New(cfg.VirtualNodes)
		ring.AddNode(nodeID)
		for peerID := range cfg.Peers {
			ring.AddNode(peerID)
		}
		w, err := wal.Open(walPath)
		if err != nil {
			return &exitError{code: exitStorageError, err: fmt.Errorf("open queue wal: %w", err)}
		}
		engine, err := queue.NewEngine(nodeID, ring, appTransport, w, cfg.VisibilityTimeout)
		if err != nil {
			return &exitError{code: exitStorageError, err: fmt.Errorf("start queue engine: %w", err)}
		}
		engine.RegisterClientHandlers(appTransport)
		closeFns = append(closeFns, engine.Close, func() { w.Close() })
		metrics.RegisterComponent("engine", true, "")

	case config.RoleCache:
		engine := cache.NewEngine(nodeID, appTransport, cacheCapacity)
		engine.SetPeers(peerIDs)
		engine.RegisterClientHandlers(appTransport)
		metrics.RegisterComponent("engine", true, "")
	}

	mux2 := http.NewServeMux()
	mux2.Handle("/metrics", metrics.Handler())
	mux2.HandleFunc("/healthz", metrics.HealthHandler())
	mux2.HandleFunc("/readyz", metrics.ReadyHandler())
	mux2.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusFn())
	})
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux2}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	if collector != nil {
		collector.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
	if collector != nil {
		collector.Stop()
	}
	for _, fn := range closeFns {
		fn()
	}
	appTransport.Close()
	return nil
}

func joinCluster(nodeID, bindAddr, leaderAddr string) error {
	client, err := lockclient.Dial("leader", leaderAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Join(ctx, nodeID, bindAddr)
}
