package adminrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"logcore/internal/membership"
	"logcore/pkg/raftadapter"

	"github.com/go-chi/chi/v5"
)

const defaultShutdownTimeout = 5 * time.Second

// Server is the chi-routed admin RPC surface: cluster-membership mutations
// go through node (Raft-replicated), everything else reads from config,
// view, and the local settings overlay.
type Server struct {
	node   *raftadapter.Node
	config *NodesConfig
	logs   *LogTree
	view   *membership.View

	settingsMu sync.RWMutex
	settings   map[string]string

	httpServer *http.Server
	addr       string
	URL        string
}

func NewServer(node *raftadapter.Node, config *NodesConfig, logs *LogTree, view *membership.View, addr string) *Server {
	if logs == nil {
		logs = NewLogTree()
	}
	return &Server{
		node:     node,
		config:   config,
		logs:     logs,
		view:     view,
		settings: make(map[string]string),
		addr:     addr,
		URL:      "http://" + addr,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()

	r.Get("/admin/status", s.handleGetStatus)

	r.Post("/admin/nodes", s.handleAddNodes)
	r.Delete("/admin/nodes", s.handleRemoveNodes)
	r.Patch("/admin/nodes", s.handleUpdateNodes)
	r.Post("/admin/nodes/generation", s.handleBumpNodeGeneration)
	r.Post("/admin/nodes/shards/provisioned", s.handleMarkShardsAsProvisioned)
	r.Post("/admin/cluster/bootstrap", s.handleBootstrapCluster)
	r.Get("/admin/nodes/config", s.handleGetNodesConfig)
	r.Get("/admin/nodes/state", s.handleGetNodesState)

	r.Get("/admin/logtree", s.handleGetLogTreeInfo)
	r.Get("/admin/logtree/replication", s.handleGetReplicationInfo)
	r.Post("/admin/logtree/snapshot", s.handleTakeLogTreeSnapshot)
	r.Get("/admin/loggroups/throughput", s.handleGetLogGroupThroughput)
	r.Get("/admin/loggroups/counters", s.handleGetLogGroupCustomCounters)

	r.Get("/admin/settings", s.handleGetSettings)
	r.Put("/admin/settings", s.handleApplySettingOverride)
	r.Delete("/admin/settings", s.handleRemoveSettingOverride)

	if s.node != nil {
		r.Post("/api/internal/raft", s.handleRaftMessage)
	}

	return r
}

func (s *Server) Start() error {
	if s.node != nil {
		go func() {
			if err := s.node.Run(context.Background()); err != nil {
				slog.Error("adminrpc: raft node stopped", "error", err)
			}
		}()
	}
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: time.Second,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("adminrpc: http server error", "error", err)
		}
	}()
	slog.Info("adminrpc: listening", "addr", s.URL)
	return nil
}

func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("adminrpc: shutdown: %w", err)
	}
	if s.node != nil {
		return s.node.Stop()
	}
	return nil
}

// redirectToLeader forwards the request when this node is a Raft follower,
// grounded in internal/http/server.go's redirectLeader helper.
func (s *Server) redirectToLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.node == nil || s.node.IsLeader() {
		return false
	}
	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		return false
	}
	target, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		writeError(w, fmt.Errorf("adminrpc: join leader path: %w", err))
		return true
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	return true
}

func (s *Server) propose(ctx context.Context, cmd command) error {
	data, err := encodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("adminrpc: encode command: %w", err)
	}
	if s.node == nil {
		// No replication configured (unit tests, single-node dev mode):
		// apply directly.
		return s.config.Apply(data)
	}
	return s.node.Execute(ctx, data)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
