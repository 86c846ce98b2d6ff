package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"logcore/internal/adminrpc"
	"logcore/internal/dataserver"
	"logcore/internal/gossip"
	"logcore/internal/localstore"
	"logcore/internal/membership"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(envOr("LOGCORE_CONFIG", "config.yaml"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	initLogger(envOr("LOGCORE_LOG_FORMAT", "text") == "json")
	slog.Info("logcore starting", "cluster", cfg.Cluster, "version", cfg.Version)

	selfAddr := os.Getenv("LOGCORE_NODE_ADDR")
	if selfAddr == "" {
		slog.Error("LOGCORE_NODE_ADDR is not set")
		os.Exit(1)
	}

	zkServers := cfg.Zookeeper.QuorumAddresses
	if v := os.Getenv("LOGCORE_ZK_SERVERS"); v != "" {
		zkServers = strings.Split(v, ",")
	}

	view := membership.NewView(nil)
	if len(zkServers) > 0 {
		zkSource, err := membership.NewZKSource(zkServers, cfg.Zookeeper.RootPath, view)
		if err != nil {
			slog.Error("connect membership source to zookeeper", "error", err)
			os.Exit(1)
		}
		defer zkSource.Close()
		go zkSource.Run(ctx)
	}

	detector, err := gossip.New(gossip.Config{
		Servers:  zkServers,
		RootPath: cfg.Zookeeper.RootPath + "/gossip",
		SelfName: selfAddr,
	})
	if err != nil {
		slog.Error("start failure detector", "error", err)
		os.Exit(1)
	}
	defer detector.Close()
	go detector.Run(ctx)

	store, err := localstore.Open(localstore.Config{WALDir: envOr("LOGCORE_WAL_DIR", "./data/wal")})
	if err != nil {
		slog.Error("open local log store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	data := dataserver.NewServer(envOr("LOGCORE_DATA_ADDR", ":4440"), store, nil)
	if err := data.Start(); err != nil {
		slog.Error("start data server", "error", err)
		os.Exit(1)
	}
	defer data.Stop()
	slog.Info("data server listening", "addr", data.Addr())

	nodesConfig := adminrpc.NewNodesConfig(detector)
	admin := adminrpc.NewServer(nil, nodesConfig, nil, view, envOr("LOGCORE_ADMIN_ADDR", ":4441"))
	if err := admin.Start(); err != nil {
		slog.Error("start admin server", "error", err)
		os.Exit(1)
	}
	defer admin.Stop()
	slog.Info("admin server listening", "url", admin.URL)

	slog.Info("logcore running, press ctrl+c to stop")
	<-ctx.Done()
	slog.Info("logcore stopping")
}
