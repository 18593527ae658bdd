package cluster

import (
	"slices"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"

	"treemapdb/pkg/types"
)

// HashRing реализует consistent hashing с виртуальными нодами.
// Точки кольца и ключи хэшируются xxhash64.
type HashRing struct {
	replicas int
	points   []uint64                     // отсортированные хэши
	owners   map[uint64]types.PartitionID // хэш -> партиция
	mu       sync.RWMutex
}

func NewHashRing(replicas int) *HashRing {
	if replicas <= 0 {
		replicas = 1
	}
	return &HashRing{
		replicas: replicas,
		owners:   make(map[uint64]types.PartitionID),
	}
}

func (h *HashRing) addLocked(id types.PartitionID) {
	for i := 0; i < h.replicas; i++ {
		point := xxhash.Sum64String(string(id) + "#" + strconv.Itoa(i))
		if _, taken := h.owners[point]; taken {
			continue
		}
		h.points = append(h.points, point)
		h.owners[point] = id
	}
	slices.Sort(h.points)
}

// Owner maps an encoded key to the partition placed on the ring.
func (h *HashRing) Owner(key []byte) (types.PartitionID, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.points) == 0 {
		return "", false
	}

	hash := xxhash.Sum64(key)
	idx, _ := slices.BinarySearch(h.points, hash)
	if idx == len(h.points) {
		idx = 0
	}
	return h.owners[h.points[idx]], true
}

// SetPartitions replaces the ring members with ids.
func (h *HashRing) SetPartitions(ids []types.PartitionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.points = h.points[:0]
	clear(h.owners)
	for _, id := range ids {
		h.addLocked(id)
	}
	return nil
}

// members возвращает уникальные партиции кольца.
func (h *HashRing) members() []types.PartitionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[types.PartitionID]struct{}{}
	var result []types.PartitionID
	for _, id := range h.owners {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			result = append(result, id)
		}
	}
	slices.Sort(result)
	return result
}
