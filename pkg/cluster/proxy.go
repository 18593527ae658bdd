package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/types"
)

// Proxy knows the partitions of one primitive and which of them owns a key.
type Proxy struct {
	mu          sync.RWMutex
	partitions  map[types.PartitionID]Partition
	order       []types.PartitionID
	partitioner Partitioner
	logger      *slog.Logger
}

func NewProxy(partitioner Partitioner, logger *slog.Logger, partitions ...Partition) (*Proxy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{partitioner: partitioner, logger: logger}
	if err := p.SetPartitions(partitions); err != nil {
		return nil, err
	}
	return p, nil
}

// SetPartitions swaps the partition set and rebalances the partitioner.
func (p *Proxy) SetPartitions(partitions []Partition) error {
	byID := make(map[types.PartitionID]Partition, len(partitions))
	order := make([]types.PartitionID, 0, len(partitions))
	for _, part := range partitions {
		if _, dup := byID[part.ID()]; dup {
			return fmt.Errorf("duplicate partition %s: %w", part.ID(), dberrors.ErrInvalidArgument)
		}
		byID[part.ID()] = part
		order = append(order, part.ID())
	}
	slices.Sort(order)

	p.mu.Lock()
	defer p.mu.Unlock()
	// пустой набор: ждём membership, разметку не трогаем
	if len(order) > 0 {
		if err := p.partitioner.SetPartitions(order); err != nil {
			return err
		}
	}
	p.partitions = byID
	p.order = order
	p.logger.Info("partitions updated", "partitions", order)
	return nil
}

// Partitions returns the current partitions sorted by id.
func (p *Proxy) Partitions() []Partition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Partition, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.partitions[id])
	}
	return out
}

func (p *Proxy) Partition(id types.PartitionID) (Partition, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	part, ok := p.partitions[id]
	return part, ok
}

// Owner returns the partition owning an encoded key.
func (p *Proxy) Owner(key []byte) (Partition, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.order) == 0 {
		return nil, dberrors.ErrNoPartitions
	}
	id, ok := p.partitioner.Owner(key)
	if !ok {
		return nil, dberrors.ErrNoPartitions
	}
	part, ok := p.partitions[id]
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", id, dberrors.ErrUnknownPartition)
	}
	return part, nil
}

// Group splits encoded keys by owning partition. The values are indexes
// into keys.
func (p *Proxy) Group(keys [][]byte) (map[types.PartitionID][]int, error) {
	groups := make(map[types.PartitionID][]int)
	for i, key := range keys {
		part, err := p.Owner(key)
		if err != nil {
			return nil, err
		}
		groups[part.ID()] = append(groups[part.ID()], i)
	}
	return groups, nil
}

// ApplyAll runs fn on every partition concurrently and waits for all of
// them. The first failure cancels the others and fails the whole call with
// a PartitionError. Results are in partition id order.
func ApplyAll[R any](ctx context.Context, p *Proxy, op string, fn func(context.Context, Partition) (R, error)) ([]R, error) {
	parts := p.Partitions()
	if len(parts) == 0 {
		return nil, dberrors.ErrNoPartitions
	}
	results := make([]R, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			r, err := fn(gctx, part)
			if err != nil {
				return &dberrors.PartitionError{Partition: part.ID(), Operation: op, Err: err}
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Debug("broadcast failed", "operation", op, "error", err)
		return nil, err
	}
	return results, nil
}

// ApplyBy runs fn on the owner of an encoded key. key is the decoded form
// used in error reports.
func ApplyBy[R any](ctx context.Context, p *Proxy, encoded []byte, key any, op string, fn func(context.Context, Partition) (R, error)) (R, error) {
	var zero R
	part, err := p.Owner(encoded)
	if err != nil {
		return zero, err
	}
	r, err := fn(ctx, part)
	if err != nil {
		return zero, &dberrors.PartitionError{Partition: part.ID(), Operation: op, Key: key, Err: err}
	}
	return r, nil
}
