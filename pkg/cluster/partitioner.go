package cluster

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"

	"treemapdb/pkg/config"
	"treemapdb/pkg/encoding/keycodec"
	"treemapdb/pkg/types"
)

// Partitioner decides which partition owns an encoded key.
type Partitioner interface {
	Owner(key []byte) (types.PartitionID, bool)
	SetPartitions(ids []types.PartitionID) error
}

// NewPartitioner builds the placement a map config names. Range split keys
// are strings, matching the keys the daemon serves.
func NewPartitioner(cfg *config.TreeMapConfig) Partitioner {
	if cfg.Partitioner == "range" {
		return NewRangePartitioner(SplitsOf(cfg.Splits...)...)
	}
	return NewHashRing(cfg.RingReplicas)
}

// RangePartitioner splits the key space at fixed encoded keys. With n split
// points the partitions, sorted by id, own n+1 consecutive ranges; a split
// key belongs to the range it starts.
type RangePartitioner struct {
	mu     sync.RWMutex
	splits [][]byte
	owners []types.PartitionID
}

func NewRangePartitioner(splits ...[]byte) *RangePartitioner {
	sorted := slices.Clone(splits)
	slices.SortFunc(sorted, bytes.Compare)
	return &RangePartitioner{splits: sorted}
}

// SplitsOf encodes typed split keys.
func SplitsOf[K cmp.Ordered](keys ...K) [][]byte {
	codec := keycodec.For[K]()
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, codec.Encode(k))
	}
	return out
}

func (p *RangePartitioner) SetPartitions(ids []types.PartitionID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(ids) != len(p.splits)+1 {
		return fmt.Errorf("range partitioner: %d split points need %d partitions, got %d",
			len(p.splits), len(p.splits)+1, len(ids))
	}
	owners := slices.Clone(ids)
	slices.Sort(owners)
	p.owners = owners
	return nil
}

func (p *RangePartitioner) Owner(key []byte) (types.PartitionID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.owners) == 0 {
		return "", false
	}
	idx := sort.Search(len(p.splits), func(i int) bool {
		return bytes.Compare(p.splits[i], key) > 0
	})
	return p.owners[idx], true
}
