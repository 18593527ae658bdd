package treemap

import (
	"cmp"
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
	"treemapdb/pkg/versioned"
)

// route sends a single-key operation to the partition owning key.
func route[K cmp.Ordered, T, R any](ctx context.Context, m *TreeMap[K], key K, op service.Operation[T, R], req T) (R, error) {
	if err := m.checkOpen(); err != nil {
		var zero R
		return zero, err
	}
	return cluster.ApplyBy(ctx, m.proxy, m.codec.Encode(key), key, op.ID.Name,
		func(ctx context.Context, part cluster.Partition) (R, error) {
			return cluster.Call(ctx, part, op, req)
		})
}

// broadcast sends op to every partition and waits for all answers. Any
// partition failure fails the whole call.
func broadcast[K cmp.Ordered, T, R any](ctx context.Context, m *TreeMap[K], op service.Operation[T, R], req T) ([]R, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return cluster.ApplyAll(ctx, m.proxy, op.ID.Name,
		func(ctx context.Context, part cluster.Partition) (R, error) {
			return cluster.Call(ctx, part, op, req)
		})
}

// byOwner splits keys by owning partition and runs fn once per partition
// concurrently with that partition's keys.
func byOwner[K cmp.Ordered](ctx context.Context, m *TreeMap[K], op string, keys []K, fn func(context.Context, cluster.Partition, []K) error) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = m.codec.Encode(k)
	}
	groups, err := m.proxy.Group(encoded)
	if err != nil {
		return err
	}
	owners, err := resolveOwners(m.proxy, op, groups)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, o := range owners {
		group := make([]K, len(o.idx))
		for i, j := range o.idx {
			group[i] = keys[j]
		}
		g.Go(func() error {
			return fn(gctx, o.part, group)
		})
	}
	return g.Wait()
}

type ownerGroup struct {
	part cluster.Partition
	idx  []int
}

// resolveOwners maps grouped partition ids back to partitions. A partition
// that left the membership after grouping fails the call.
func resolveOwners(proxy *cluster.Proxy, op string, groups map[types.PartitionID][]int) ([]ownerGroup, error) {
	owners := make([]ownerGroup, 0, len(groups))
	for id, idx := range groups {
		part, ok := proxy.Partition(id)
		if !ok {
			return nil, partitionFailure(id, op, dberrors.ErrUnknownPartition)
		}
		owners = append(owners, ownerGroup{part: part, idx: idx})
	}
	return owners, nil
}

// pick returns the "better" relation of a navigation: lesser keys win
// ascending, greater keys win descending.
func pick[K cmp.Ordered](reverse bool) func(a, b K) bool {
	if reverse {
		return func(a, b K) bool { return a > b }
	}
	return func(a, b K) bool { return a < b }
}

func reduceKeys[K cmp.Ordered](results []partition.KeyResult[K], reverse bool) (K, bool) {
	better := pick[K](reverse)
	var (
		best  K
		found bool
	)
	for _, r := range results {
		if !r.Found {
			continue
		}
		if !found || better(r.Key, best) {
			best, found = r.Key, true
		}
	}
	return best, found
}

func reduceEntries[K cmp.Ordered](results []*versioned.Entry[K], reverse bool) *versioned.Entry[K] {
	better := pick[K](reverse)
	var best *versioned.Entry[K]
	for _, e := range results {
		if e == nil {
			continue
		}
		if best == nil || better(e.Key, best.Key) {
			best = e
		}
	}
	return best
}

// seekKey answers an absolute navigation query over the whole map: the
// first key satisfying b in ascending order, or in descending order when
// reverse is set. An unset bound asks for the first or last key.
func (m *TreeMap[K]) seekKey(ctx context.Context, b keyrange.Bound[K], reverse bool) (K, bool, error) {
	var (
		results []partition.KeyResult[K]
		err     error
	)
	req := partition.KeyRequest[K]{Key: b.Key}
	switch {
	case !b.Set && !reverse:
		results, err = broadcast(ctx, m, m.ops.FirstKey, service.Empty{})
	case !b.Set:
		results, err = broadcast(ctx, m, m.ops.LastKey, service.Empty{})
	case !reverse && b.Inclusive:
		results, err = broadcast(ctx, m, m.ops.CeilingKey, req)
	case !reverse:
		results, err = broadcast(ctx, m, m.ops.HigherKey, req)
	case b.Inclusive:
		results, err = broadcast(ctx, m, m.ops.FloorKey, req)
	default:
		results, err = broadcast(ctx, m, m.ops.LowerKey, req)
	}
	if err != nil {
		var zero K
		return zero, false, err
	}
	key, found := reduceKeys(results, reverse)
	return key, found, nil
}

// seekEntry is seekKey for entries.
func (m *TreeMap[K]) seekEntry(ctx context.Context, b keyrange.Bound[K], reverse bool) (*versioned.Entry[K], error) {
	var (
		results []*versioned.Entry[K]
		err     error
	)
	req := partition.KeyRequest[K]{Key: b.Key}
	switch {
	case !b.Set && !reverse:
		results, err = broadcast(ctx, m, m.ops.FirstEntry, service.Empty{})
	case !b.Set:
		results, err = broadcast(ctx, m, m.ops.LastEntry, service.Empty{})
	case !reverse && b.Inclusive:
		results, err = broadcast(ctx, m, m.ops.CeilingEntry, req)
	case !reverse:
		results, err = broadcast(ctx, m, m.ops.HigherEntry, req)
	case b.Inclusive:
		results, err = broadcast(ctx, m, m.ops.FloorEntry, req)
	default:
		results, err = broadcast(ctx, m, m.ops.LowerEntry, req)
	}
	if err != nil {
		return nil, err
	}
	return reduceEntries(results, reverse), nil
}

func (m *TreeMap[K]) size(ctx context.Context, r keyrange.Range[K]) (int, error) {
	counts, err := broadcast(ctx, m, m.ops.Size, partition.RangeRequest[K]{Range: r})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}

func (m *TreeMap[K]) clear(ctx context.Context, r keyrange.Range[K]) error {
	_, err := broadcast(ctx, m, m.ops.Clear, partition.RangeRequest[K]{Range: r})
	return err
}

func (m *TreeMap[K]) containsValue(ctx context.Context, value []byte) (bool, error) {
	answers, err := broadcast(ctx, m, m.ops.ContainsValue, partition.ValueRequest{Value: value})
	if err != nil {
		return false, err
	}
	for _, ok := range answers {
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// containsKeys asks each owner about its share of keys.
func (m *TreeMap[K]) containsKeys(ctx context.Context, keys []K) (bool, error) {
	var missing sync.Once
	all := true
	err := byOwner(ctx, m, m.ops.ContainsKeys.ID.Name, keys, func(ctx context.Context, part cluster.Partition, group []K) error {
		ok, err := cluster.Call(ctx, part, m.ops.ContainsKeys, partition.KeysRequest[K]{Keys: group})
		if err != nil {
			return partitionFailure(part.ID(), m.ops.ContainsKeys.ID.Name, err)
		}
		if !ok {
			missing.Do(func() { all = false })
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return all, nil
}

func (m *TreeMap[K]) getAll(ctx context.Context, keys []K) (map[K]*versioned.Versioned, error) {
	var mu sync.Mutex
	out := make(map[K]*versioned.Versioned, len(keys))
	err := byOwner(ctx, m, m.ops.GetAll.ID.Name, keys, func(ctx context.Context, part cluster.Partition, group []K) error {
		entries, err := cluster.Call(ctx, part, m.ops.GetAll, partition.KeysRequest[K]{Keys: group})
		if err != nil {
			return partitionFailure(part.ID(), m.ops.GetAll.ID.Name, err)
		}
		mu.Lock()
		defer mu.Unlock()
		for _, e := range entries {
			out[e.Key] = e.Value
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func partitionFailure(id types.PartitionID, op string, err error) error {
	return &dberrors.PartitionError{Partition: id, Operation: op, Err: err}
}
