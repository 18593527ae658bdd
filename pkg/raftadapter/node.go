package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"treemapdb/pkg/config"
	"treemapdb/pkg/dberrors"
)

// iApplier is the replicated state machine: every node applies every
// committed command in log order.
type iApplier interface {
	Check(cmd Cmd) error
	Apply(ctx context.Context, cmd Cmd) ([]byte, error)
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

type Node struct {
	ID           uint64
	underlying   raft.Node
	applier      iApplier
	jr           *raft.MemoryStorage
	conf         *raftpb.ConfState
	tickInterval time.Duration
	transport    iTransport
	logger       *slog.Logger

	peersMu sync.RWMutex
	peers   map[uint64]string

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult
}

func NewNode(cfg *config.RaftConfig, applier iApplier) (*Node, error) {
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

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

	transportPeers := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		transportPeers[id] = addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:           cfg.ID,
		peers:        peers,
		conf:         &confState,
		underlying:   raft.StartNode(rc, raftPeers),
		applier:      applier,
		jr:           storage,
		tickInterval: tickInterval(cfg),
		transport:    NewTransport(transportPeers),
		logger:       slog.Default().With("raft_id", cfg.ID),
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
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.jr.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}
	if err := n.jr.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		switch entry.Type {
		case raftpb.EntryNormal:
			if err := n.applyEntry(entry); err != nil {
				n.logger.Error("critical: failed to apply entry", "index", entry.Index, "error", err)
				return fmt.Errorf("apply entry: %w", err)
			}
		case raftpb.EntryConfChange:
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
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		// адрес нового пира приходит в Context
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		n.logger.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		n.logger.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		n.logger.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.underlying.ReportUnreachable(m.To)
				n.logger.Warn("failed to send raft message",
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

// applyEntry runs a committed command against the local partition. A
// command the state machine rejects is still applied on every replica, so
// its failure only goes back to the proposer.
func (n *Node) applyEntry(entry raftpb.Entry) error {
	if len(entry.Data) == 0 {
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	value, err := n.applier.Apply(n.ctx, cmd)
	if err != nil {
		n.logger.Debug("command rejected by state machine", "partition", cmd.Partition, "op", cmd.Op, "error", err)
	}
	n.notifyProposalResult(cmd.ID, proposeResult{Value: value, Err: err})
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	leaderID := n.LeaderID()
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[leaderID]
}

// Peers returns a copy of the current peer addresses.
func (n *Node) Peers() map[uint64]string {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	out := make(map[uint64]string, len(n.peers))
	for id, addr := range n.peers {
		out[id] = addr
	}
	return out
}

type proposeResult struct {
	Value []byte
	Err   error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// - реплика применяет чужую команду
		// - Execute уже завершился по таймауту, defer удалил proposals[cmdID]
		return
	}

	// не блокируем apply, если слушатель уже ушёл
	select {
	case resultChan <- result:
	default:
		n.logger.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
}

func (n *Node) validateCommand(cmd Cmd) error {
	if cmd.ID == uuid.Nil {
		return fmt.Errorf("invalid command: missing id: %w", dberrors.ErrInvalidArgument)
	}
	if cmd.Partition == "" || cmd.Op == "" {
		return fmt.Errorf("invalid command: empty partition or operation: %w", dberrors.ErrInvalidArgument)
	}
	return n.applier.Check(cmd)
}

// Execute proposes cmd and waits until it is applied on this node. Raft
// forwards proposals from followers to the leader.
func (n *Node) Execute(ctx context.Context, cmd Cmd) ([]byte, error) {
	if n.ctx.Err() != nil {
		return nil, dberrors.ErrClosed
	}
	if err := n.validateCommand(cmd); err != nil {
		return nil, err
	}
	if n.LeaderID() == raft.None {
		return nil, fmt.Errorf("no leader elected: %w", dberrors.ErrNotLeader)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
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

	if err := n.underlying.Propose(ctx, data); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			return nil, fmt.Errorf("propose: %w", dberrors.ErrNotLeader)
		}
		return nil, fmt.Errorf("propose: %w", err)
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return nil, dberrors.ErrClosed
		}
		return result.Value, result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handle обрабатывает входящие Raft-сообщения от других нод
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	if n.ctx.Err() != nil {
		return nil
	}
	n.logger.Info("stopping raft node")

	n.stop()
	n.underlying.Stop()

	n.proposalsMu.Lock()
	for id, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: dberrors.ErrClosed}:
		default:
		}
		delete(n.proposals, id)
	}
	n.proposalsMu.Unlock()

	n.logger.Info("raft node stopped")
	return nil
}
