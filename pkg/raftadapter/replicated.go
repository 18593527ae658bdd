package raftadapter

import (
	"context"
	"fmt"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
)

// Registries applies replicated commands to the partitions of this node.
// The map is fixed once the node starts.
type Registries map[types.PartitionID]*service.Registry

func (r Registries) resolve(cmd Cmd) (*service.Registry, service.OperationID, error) {
	reg, ok := r[cmd.Partition]
	if !ok {
		return nil, service.OperationID{}, fmt.Errorf("partition %s: %w", cmd.Partition, dberrors.ErrUnknownPartition)
	}
	id, ok := reg.Lookup(cmd.Op)
	if !ok {
		return nil, id, fmt.Errorf("%s: %w", cmd.Op, dberrors.ErrUnknownOperation)
	}
	return reg, id, nil
}

// Check accepts only command operations: queries never enter the log.
func (r Registries) Check(cmd Cmd) error {
	_, id, err := r.resolve(cmd)
	if err != nil {
		return err
	}
	if id.Type != service.Command {
		return fmt.Errorf("%s is a %s: %w", cmd.Op, id.Type, dberrors.ErrInvalidArgument)
	}
	return nil
}

func (r Registries) Apply(ctx context.Context, cmd Cmd) ([]byte, error) {
	reg, id, err := r.resolve(cmd)
	if err != nil {
		return nil, err
	}
	return reg.Execute(ctx, id, cmd.Payload)
}

type iProposer interface {
	Execute(ctx context.Context, cmd Cmd) ([]byte, error)
}

// ReplicatedPartition serves one partition replicated by raft. Commands go
// through the log; queries, cursors and subscriptions are answered by the
// local replica and may lag the leader.
type ReplicatedPartition struct {
	id    types.PartitionID
	node  iProposer
	local *service.Registry
}

func NewReplicatedPartition(id types.PartitionID, node *Node, local *service.Registry) *ReplicatedPartition {
	return &ReplicatedPartition{id: id, node: node, local: local}
}

func (p *ReplicatedPartition) ID() types.PartitionID {
	return p.id
}

func (p *ReplicatedPartition) Registry() *service.Registry {
	return p.local
}

func (p *ReplicatedPartition) Execute(ctx context.Context, op service.OperationID, payload []byte) ([]byte, error) {
	if op.Type != service.Command {
		return p.local.Execute(ctx, op, payload)
	}
	return p.node.Execute(ctx, NewCmd(p.id, op.Name, payload))
}

func (p *ReplicatedPartition) ExecuteStream(ctx context.Context, op service.OperationID, payload []byte, h service.StreamHandler[[]byte]) error {
	if op.Type != service.Command {
		return p.local.ExecuteStream(ctx, op, payload, h)
	}
	out, err := p.Execute(ctx, op, payload)
	if err != nil {
		h.Error(err)
		return err
	}
	h.Next(out)
	h.Complete()
	return nil
}
