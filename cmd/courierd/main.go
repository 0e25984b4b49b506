// Command courierd runs one node of the replicated messaging service.
//
// Usage:
//
//	courierd -id node-1 -config cluster.json -data /var/lib/courier/node-1
//
// The cluster config is a JSON object mapping node ids to host:port
// addresses. Every node serves both the peer protocol and the client
// messaging service on its address.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/pkg/chat"
	"github.com/courier-chat/courier/pkg/config"
	"github.com/courier-chat/courier/pkg/raft"
	"github.com/courier-chat/courier/pkg/server"
	"github.com/courier-chat/courier/pkg/store"
	"github.com/courier-chat/courier/pkg/transport"
)

func main() {
	var (
		nodeID     = flag.String("id", "", "node id, must appear in the cluster config")
		configPath = flag.String("config", "cluster.json", "path to the cluster config file")
		dataDir    = flag.String("data", "", "data directory for this node")
		listenAddr = flag.String("listen", "", "listen address override, defaults to the config entry")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*nodeID, *configPath, *dataDir, *listenAddr, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(nodeID, configPath, dataDir, listenAddr string, logger *zap.Logger) error {
	if nodeID == "" {
		return fmt.Errorf("-id is required")
	}
	if dataDir == "" {
		return fmt.Errorf("-data is required")
	}

	cluster, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cluster.Has(nodeID) {
		return fmt.Errorf("node %q is not in the cluster config", nodeID)
	}
	if listenAddr == "" {
		listenAddr = cluster.Addr(nodeID)
	}

	bootID := uuid.NewString()
	logger.Info("starting",
		zap.String("node", nodeID),
		zap.String("boot_id", bootID),
		zap.String("listen", listenAddr),
		zap.Int("cluster_size", len(cluster)))

	st, err := store.Open(dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	machine, err := chat.NewMachine(st)
	if err != nil {
		return err
	}

	peerAddrs := make(map[string]string, len(cluster))
	for _, peer := range cluster.Peers(nodeID) {
		peerAddrs[peer] = cluster.Addr(peer)
	}

	tr := transport.NewGRPCTransport(listenAddr, peerAddrs, logger)

	nodeCfg := raft.NodeConfig{
		ID:    nodeID,
		Peers: cluster.Peers(nodeID),
	}.DefaultTimings()
	tr.SetRPCTimeout(2 * nodeCfg.HeartbeatInterval)

	node, err := raft.NewNode(nodeCfg, tr, st, machine, logger)
	if err != nil {
		return err
	}
	tr.SetNode(node)

	srv := server.New(nodeID, node, machine, cluster, logger)
	srv.Register(tr.Server())

	if err := tr.Start(); err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		tr.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	node.Stop()
	tr.Stop()
	time.Sleep(100 * time.Millisecond)

	return nil
}
