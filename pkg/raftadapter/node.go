package raftadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"logcore/pkg/config"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Applier applies a committed command's payload to whatever state machine
// Node is replicating. Generalized from the teacher's iStoreAPI (a single
// hardcoded KV store) so the same Propose/applyEntry event loop can
// replicate any command set — here, Nodes Configuration mutations.
type Applier interface {
	Apply(data []byte) error
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

type Node struct {
	ID           uint64
	Peers        map[uint64]string
	underlying   raft.Node
	applier      Applier
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func NewNode(cfg *config.RaftConfig, applier Applier) (*Node, error) {
	raftCfg := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	raftCfg.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		Peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(raftCfg, raftPeers),
		applier:      applier,
		jr:           storage,
		tickInterval: 100 * time.Millisecond,
		transport:    NewTransport(peers),
		proposals:    make(map[uuid.UUID]chan proposeResult),
		ctx:          ctx,
		stop:         cancel,
	}, nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	err := n.applier.Apply(cmd.Data)
	return n.notifyProposalResult(cmd.ID, proposeResult{Err: err})
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.Peers[leaderID]
}

type proposeResult struct {
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// Follower applying an entry it never proposed, or the leader's
		// Execute already gave up (timeout/cancel) and removed the
		// channel, or a leadership change delivered the apply late.
		slog.Debug("proposal result channel not found (ignored)", "cmd_id", cmdID, "is_leader", n.IsLeader())
		return nil
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
	return nil
}

// Execute proposes cmd and blocks until it has been applied (or ctx is
// done). The returned error is whatever the Applier returned at apply
// time, so domain-level rejections (e.g. "node already exists") surface
// to the RPC caller exactly as they would against a non-replicated store.
func (n *Node) Execute(ctx context.Context, data []byte) error {
	cmd := NewCmd(data)
	encoded, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, cmd.ID)
		n.proposalsMu.Unlock()
	}()

	if err := n.underlying.Propose(ctx, encoded); err != nil {
		return fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle processes an incoming Raft message from a peer.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	slog.Info("stopping raft node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: fmt.Errorf("node stopped")}:
		default:
		}
		close(resultChan)
	}
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}
