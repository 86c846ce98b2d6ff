package adminrpc

import (
	"net/http"

	"logcore/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	nodes := s.config.All()
	status := struct {
		Version    uint64       `json:"version"`
		NumNodes   int          `json:"num_nodes"`
		IsLeader   bool         `json:"is_leader"`
		LeaderAddr string       `json:"leader_addr"`
		Nodes      []NodeRecord `json:"nodes"`
	}{
		Version:  s.config.Version(),
		NumNodes: len(nodes),
		Nodes:    nodes,
	}
	if s.node != nil {
		status.IsLeader = s.node.IsLeader()
		status.LeaderAddr = s.node.LeaderAddr()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAddNodes(w http.ResponseWriter, r *http.Request) {
	var nodes []NodeRecord
	if err := decodeBody(r, &nodes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.redirectToLeader(w, r) {
		return
	}
	if err := s.propose(r.Context(), command{Kind: opAddNodes, Nodes: nodes}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.config.All())
}

func (s *Server) handleRemoveNodes(w http.ResponseWriter, r *http.Request) {
	var indices []types.NodeIndex
	if err := decodeBody(r, &indices); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.redirectToLeader(w, r) {
		return
	}
	if err := s.propose(r.Context(), command{Kind: opRemoveNodes, Indices: indices}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}

func (s *Server) handleUpdateNodes(w http.ResponseWriter, r *http.Request) {
	var updates []updateRequest
	if err := decodeBody(r, &updates); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.redirectToLeader(w, r) {
		return
	}
	if err := s.propose(r.Context(), command{Kind: opUpdateNodes, Updates: updates}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.config.All())
}

func (s *Server) handleBumpNodeGeneration(w http.ResponseWriter, r *http.Request) {
	var indices []types.NodeIndex
	if err := decodeBody(r, &indices); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.redirectToLeader(w, r) {
		return
	}
	if err := s.propose(r.Context(), command{Kind: opBumpGeneration, Indices: indices}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}

func (s *Server) handleMarkShardsAsProvisioned(w http.ResponseWriter, r *http.Request) {
	var shards map[types.NodeIndex][]types.ShardID
	if err := decodeBody(r, &shards); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.redirectToLeader(w, r) {
		return
	}
	if err := s.propose(r.Context(), command{Kind: opMarkShardsProvisioned, Shards: shards}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}

func (s *Server) handleBootstrapCluster(w http.ResponseWriter, r *http.Request) {
	var nodes []NodeRecord
	if err := decodeBody(r, &nodes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if s.redirectToLeader(w, r) {
		return
	}
	if err := s.propose(r.Context(), command{Kind: opBootstrap, Nodes: nodes}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.config.All())
}

func (s *Server) handleGetNodesConfig(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("idx")
	if filter == "" {
		writeJSON(w, http.StatusOK, s.config.All())
		return
	}
	idx, err := parseNodeIndex(filter)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad idx filter: " + err.Error()})
		return
	}
	n, ok := s.config.Get(idx)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "node not found", Reason: string(ReasonNoMatchInConfig)})
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleGetNodesState(w http.ResponseWriter, r *http.Request) {
	nodes := s.config.All()
	type nodeState struct {
		Index   types.NodeIndex `json:"index"`
		Alive   bool            `json:"alive"`
		Storage string          `json:"storage_state"`
	}
	out := make([]nodeState, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeState{
			Index:   n.Index,
			Alive:   s.config.isAlive(n.Gossip),
			Storage: n.StorageState.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLogTreeInfo(w http.ResponseWriter, r *http.Request) {
	version, groups := s.logs.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		Version uint64     `json:"version"`
		Groups  []LogGroup `json:"groups"`
	}{version, groups})
}

func (s *Server) handleGetReplicationInfo(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("log_id")
	if idStr != "" {
		id, err := parseLogID(idStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad log_id: " + err.Error()})
			return
		}
		group, ok := s.logs.Find(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "no log group covers that log id"})
			return
		}
		writeJSON(w, http.StatusOK, group.Replication)
		return
	}
	_, groups := s.logs.Snapshot()
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleTakeLogTreeSnapshot(w http.ResponseWriter, r *http.Request) {
	version, groups := s.logs.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		Version uint64     `json:"version"`
		Groups  []LogGroup `json:"groups"`
	}{version, groups})
}

func (s *Server) handleGetLogGroupThroughput(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("group")
	c, ok := s.logs.Counters(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no counters for group"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AppendsPerSec float64 `json:"appends_per_sec"`
		BytesPerSec   float64 `json:"bytes_per_sec"`
	}{c.AppendsPerSec, c.BytesPerSec})
}

func (s *Server) handleGetLogGroupCustomCounters(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("group")
	c, ok := s.logs.Counters(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no counters for group"})
		return
	}
	writeJSON(w, http.StatusOK, c.Custom)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	out := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApplySettingOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil || body.Key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing key"})
		return
	}
	s.settingsMu.Lock()
	s.settings[body.Key] = body.Value
	s.settingsMu.Unlock()
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}

func (s *Server) handleRemoveSettingOverride(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing key"})
		return
	}
	s.settingsMu.Lock()
	delete(s.settings, key)
	s.settingsMu.Unlock()
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}

func (s *Server) handleRaftMessage(w http.ResponseWriter, r *http.Request) {
	var msg raftpb.Message
	if err := decodeBody(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{ OK bool }{true})
}
