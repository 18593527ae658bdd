package cluster

import (
	"context"
	"fmt"

	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
)

// Partition is one addressable shard. Only encoded payloads cross this
// boundary.
type Partition interface {
	ID() types.PartitionID
	Execute(ctx context.Context, op service.OperationID, payload []byte) ([]byte, error)
	// ExecuteStream returns once the stream is established; h then receives
	// elements until exactly one terminal signal.
	ExecuteStream(ctx context.Context, op service.OperationID, payload []byte, h service.StreamHandler[[]byte]) error
}

// LocalPartition serves a partition from an in-process registry.
type LocalPartition struct {
	id       types.PartitionID
	registry *service.Registry
}

func NewLocalPartition(id types.PartitionID, registry *service.Registry) *LocalPartition {
	return &LocalPartition{id: id, registry: registry}
}

func (p *LocalPartition) ID() types.PartitionID {
	return p.id
}

func (p *LocalPartition) Registry() *service.Registry {
	return p.registry
}

func (p *LocalPartition) Execute(ctx context.Context, op service.OperationID, payload []byte) ([]byte, error) {
	return p.registry.Execute(ctx, op, payload)
}

func (p *LocalPartition) ExecuteStream(ctx context.Context, op service.OperationID, payload []byte, h service.StreamHandler[[]byte]) error {
	return p.registry.ExecuteStream(ctx, op, payload, h)
}

// Call encodes req, executes op on part and decodes the response.
func Call[T, R any](ctx context.Context, part Partition, op service.Operation[T, R], req T) (R, error) {
	var zero R
	payload, err := op.Request.Encode(req)
	if err != nil {
		return zero, fmt.Errorf("encode %s request: %w", op.ID.Name, err)
	}
	out, err := part.Execute(ctx, op.ID, payload)
	if err != nil {
		return zero, err
	}
	resp, err := op.Response.Decode(out)
	if err != nil {
		return zero, fmt.Errorf("decode %s response: %w", op.ID.Name, err)
	}
	return resp, nil
}

// Stream opens op on part and decodes every element for h.
func Stream[T, R any](ctx context.Context, part Partition, op service.Operation[T, R], req T, h service.StreamHandler[R]) error {
	payload, err := op.Request.Encode(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op.ID.Name, err)
	}
	return part.ExecuteStream(ctx, op.ID, payload,
		service.NewDecodingStreamHandler(op.ID.Name, h, op.Response.Decode))
}
