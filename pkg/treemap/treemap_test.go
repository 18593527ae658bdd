package treemap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/encoding/keycodec"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/service"
	"treemapdb/pkg/types"
	"treemapdb/pkg/versioned"
)

var ctx = context.Background()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedPartitioner places chosen keys on chosen partitions; every other key
// goes to fallback.
type fixedPartitioner struct {
	owners   map[int]types.PartitionID
	fallback types.PartitionID
}

func (p fixedPartitioner) Owner(key []byte) (types.PartitionID, bool) {
	k, err := keycodec.For[int]().Decode(key)
	if err != nil {
		return "", false
	}
	if id, ok := p.owners[k]; ok {
		return id, true
	}
	return p.fallback, true
}

func (fixedPartitioner) SetPartitions([]types.PartitionID) error { return nil }

// countingPartition records every call reaching a partition and can be made
// to fail.
type countingPartition struct {
	*cluster.LocalPartition
	calls atomic.Int32
	fail  atomic.Bool
	// before runs ahead of every Execute when set
	before atomic.Pointer[func(op service.OperationID)]
}

func (p *countingPartition) Execute(ctx context.Context, op service.OperationID, payload []byte) ([]byte, error) {
	p.calls.Add(1)
	if fn := p.before.Load(); fn != nil {
		(*fn)(op)
	}
	if p.fail.Load() {
		return nil, errors.New("partition down")
	}
	return p.LocalPartition.Execute(ctx, op, payload)
}

func (p *countingPartition) ExecuteStream(ctx context.Context, op service.OperationID, payload []byte, h service.StreamHandler[[]byte]) error {
	p.calls.Add(1)
	return p.LocalPartition.ExecuteStream(ctx, op, payload, h)
}

type fixture struct {
	m        *TreeMap[int]
	services map[types.PartitionID]*partition.Service[int]
	parts    map[types.PartitionID]*countingPartition
}

func (f *fixture) calls() int {
	n := 0
	for _, p := range f.parts {
		n += int(p.calls.Load())
	}
	return n
}

func (f *fixture) openCursors() int {
	n := 0
	for _, s := range f.services {
		n += s.OpenCursors()
	}
	return n
}

func (f *fixture) subscribers() int {
	n := 0
	for _, s := range f.services {
		n += s.Subscribers()
	}
	return n
}

// newFixture builds a map over three in-process partitions p1..p3. Batches
// are kept small so iteration crosses several round trips.
func newFixture(t *testing.T, owners map[int]types.PartitionID) *fixture {
	t.Helper()
	f := &fixture{
		services: make(map[types.PartitionID]*partition.Service[int]),
		parts:    make(map[types.PartitionID]*countingPartition),
	}
	var parts []cluster.Partition
	for _, id := range []types.PartitionID{"p1", "p2", "p3"} {
		svc, err := partition.NewService[int](id, partition.NewMemoryBackend[int](),
			partition.Options{CursorBatchSize: 2, EventBuffer: 64, Logger: quietLogger()})
		require.NoError(t, err)
		reg := service.NewRegistry(quietLogger())
		require.NoError(t, svc.Register(reg))
		t.Cleanup(func() { _ = svc.Close() })

		part := &countingPartition{LocalPartition: cluster.NewLocalPartition(id, reg)}
		f.services[id] = svc
		f.parts[id] = part
		parts = append(parts, part)
	}

	proxy, err := cluster.NewProxy(fixedPartitioner{owners: owners, fallback: "p3"}, quietLogger(), parts...)
	require.NoError(t, err)
	f.m = New[int]("test", proxy, Options{BatchSize: 2, Logger: quietLogger()})
	t.Cleanup(func() { _ = f.m.Close(ctx) })
	return f
}

// byModulo spreads keys 0..n-1 over the three partitions.
func byModulo(n int) map[int]types.PartitionID {
	ids := []types.PartitionID{"p1", "p2", "p3"}
	owners := make(map[int]types.PartitionID, n)
	for k := range n {
		owners[k] = ids[k%3]
	}
	return owners
}

func putAll(t *testing.T, m *MapView[int], keys ...int) {
	t.Helper()
	for _, k := range keys {
		_, err := m.Put(ctx, k, []byte{byte(k)})
		require.NoError(t, err)
	}
}

// interleavedPartitions holds P1={1,5}, P2={2,8} and an empty P3.
func interleavedPartitions(t *testing.T) *fixture {
	f := newFixture(t, map[int]types.PartitionID{1: "p1", 5: "p1", 2: "p2", 8: "p2"})
	putAll(t, f.m.MapView, 1, 5, 2, 8)
	require.Equal(t, 2, mustSize(t, f, "p1"))
	require.Equal(t, 2, mustSize(t, f, "p2"))
	return f
}

func mustSize(t *testing.T, f *fixture, id types.PartitionID) int {
	t.Helper()
	n, err := f.services[id].Size(partition.RangeRequest[int]{})
	require.NoError(t, err)
	return n
}

func TestTreeMap_NavigationAcrossPartitions(t *testing.T) {
	f := interleavedPartitions(t)
	assert.Equal(t, 0, mustSize(t, f, "p3"))

	first, found, err := f.m.FirstKey(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, first)

	last, found, err := f.m.LastKey(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 8, last)

	ceiling, _, err := f.m.CeilingKey(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, ceiling)

	floor, _, err := f.m.FloorKey(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, floor)

	higher, _, err := f.m.HigherKey(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 8, higher)

	lower, _, err := f.m.LowerKey(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, lower)

	_, found, err = f.m.HigherKey(ctx, 8)
	require.NoError(t, err)
	assert.False(t, found)

	entry, err := f.m.CeilingEntry(ctx, 6)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 8, entry.Key)
	assert.Equal(t, []byte{8}, entry.Value.Value)

	entry, err = f.m.LowerEntry(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestTreeMap_EmptyMap(t *testing.T) {
	f := newFixture(t, nil)

	_, found, err := f.m.FirstKey(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	empty, err := f.m.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	_, err = f.m.KeySet().First(ctx)
	assert.ErrorIs(t, err, dberrors.ErrNotFound)
}

func TestTreeMap_PollNeverTouchesPartitions(t *testing.T) {
	f := interleavedPartitions(t)
	before := f.calls()

	_, err := f.m.PollFirstEntry(ctx)
	assert.ErrorIs(t, err, dberrors.ErrNotSupported)
	_, err = f.m.TailMap(2, true).DescendingMap().PollLastEntry(ctx)
	assert.ErrorIs(t, err, dberrors.ErrNotSupported)
	_, err = f.m.KeySet().PollFirst(ctx)
	assert.ErrorIs(t, err, dberrors.ErrNotSupported)

	assert.Equal(t, before, f.calls())
}

func TestTreeMap_PartitionFailureFailsNavigation(t *testing.T) {
	f := interleavedPartitions(t)
	f.parts["p3"].fail.Store(true)

	_, _, err := f.m.FirstKey(ctx)
	require.Error(t, err)
	var perr *dberrors.PartitionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.PartitionID("p3"), perr.Partition)
	assert.Equal(t, "treemap.first-key", perr.Operation)
}

func TestTreeMap_Mutations(t *testing.T) {
	f := newFixture(t, byModulo(10))

	prev, err := f.m.Put(ctx, 1, []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	v, err := f.m.PutAndGet(ctx, 1, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(v.Value))

	existing, err := f.m.PutIfAbsent(ctx, 1, []byte("c"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(existing.Value))

	replaced, err := f.m.Replace(ctx, 2, []byte("x"))
	require.NoError(t, err)
	assert.Nil(t, replaced)
	ok, err := f.m.ContainsKey(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "replace must not create a key")

	ok, err = f.m.ReplaceValue(ctx, 1, []byte("b"), []byte("d"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.ReplaceVersion(ctx, 1, v.Version, []byte("e"))
	require.NoError(t, err)
	assert.False(t, ok, "version moved on with ReplaceValue")

	cur, err := f.m.Get(ctx, 1)
	require.NoError(t, err)
	ok, err = f.m.ReplaceVersion(ctx, 1, cur.Version, []byte("e"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.RemoveValue(ctx, 1, []byte("nope"))
	require.NoError(t, err)
	assert.False(t, ok)

	cur, err = f.m.Get(ctx, 1)
	require.NoError(t, err)
	ok, err = f.m.RemoveVersion(ctx, 1, cur.Version)
	require.NoError(t, err)
	assert.True(t, ok)

	def, err := f.m.GetOrDefault(ctx, 1, []byte("dflt"))
	require.NoError(t, err)
	assert.Equal(t, "dflt", string(def.Value))
	assert.Zero(t, def.Version)

	putAll(t, f.m.MapView, 3, 4)
	removed, err := f.m.Remove(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{3}, removed.Value)

	size, err := f.m.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestTreeMap_VersionsNeverDecrease(t *testing.T) {
	f := newFixture(t, nil)

	var last uint64
	for i := range 5 {
		v, err := f.m.PutAndGet(ctx, 7, []byte{byte(i)})
		require.NoError(t, err)
		assert.Greater(t, v.Version, last)
		last = v.Version
	}
}

func TestTreeMap_MultiKeyQueries(t *testing.T) {
	f := newFixture(t, byModulo(10))
	putAll(t, f.m.MapView, 1, 2, 4, 8)

	ok, err := f.m.ContainsKeys(ctx, []int{1, 2, 8})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.ContainsKeys(ctx, []int{1, 3})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.m.GetAllPresent(ctx, []int{1, 3, 4})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte{1}, got[1].Value)
	assert.Equal(t, []byte{4}, got[4].Value)

	ok, err = f.m.ContainsValue(ctx, []byte{8})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.m.HeadMap(5, false).ContainsValue(ctx, []byte{8})
	require.NoError(t, err)
	assert.False(t, ok, "value of a key outside the view")
}

func TestTreeMap_GroupedPartitionGoneFailsCall(t *testing.T) {
	f := newFixture(t, byModulo(10))
	groups := map[types.PartitionID][]int{"p1": {0}, "p9": {1, 2}}

	_, err := resolveOwners(f.m.proxy, f.m.ops.GetAll.ID.Name, groups)
	require.ErrorIs(t, err, dberrors.ErrUnknownPartition)
	var perr *dberrors.PartitionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.PartitionID("p9"), perr.Partition)
	assert.Equal(t, f.m.ops.GetAll.ID.Name, perr.Operation)

	owners, err := resolveOwners(f.m.proxy, f.m.ops.GetAll.ID.Name, map[types.PartitionID][]int{"p2": {3}})
	require.NoError(t, err)
	require.Len(t, owners, 1)
	assert.Equal(t, types.PartitionID("p2"), owners[0].part.ID())
}

func TestTreeMap_ComputeIf(t *testing.T) {
	f := newFixture(t, nil)
	always := func(*versioned.Versioned) bool { return true }

	v, err := f.m.ComputeIf(ctx, 1, always, func(_ int, cur *versioned.Versioned) []byte {
		assert.Nil(t, cur)
		return []byte("1")
	})
	require.NoError(t, err)
	assert.Equal(t, "1", string(v.Value))

	v, err = f.m.ComputeIf(ctx, 1, always, func(_ int, cur *versioned.Versioned) []byte {
		return append(cur.Value, '+')
	})
	require.NoError(t, err)
	assert.Equal(t, "1+", string(v.Value))

	v, err = f.m.ComputeIf(ctx, 1,
		func(cur *versioned.Versioned) bool { return cur == nil },
		func(int, *versioned.Versioned) []byte { return []byte("never") })
	require.NoError(t, err)
	assert.Equal(t, "1+", string(v.Value), "condition false leaves the value")

	v, err = f.m.ComputeIf(ctx, 1, always, func(int, *versioned.Versioned) []byte { return nil })
	require.NoError(t, err)
	assert.Nil(t, v)
	ok, err := f.m.ContainsKey(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTreeMap_ComputeIfRetriesOnConflict(t *testing.T) {
	f := newFixture(t, nil)
	putAll(t, f.m.MapView, 1)

	attempts := 0
	v, err := f.m.ComputeIf(ctx, 1,
		func(*versioned.Versioned) bool { return true },
		func(_ int, cur *versioned.Versioned) []byte {
			attempts++
			if attempts == 1 {
				// a concurrent writer gets in between read and write
				_, err := f.m.Put(ctx, 1, []byte("other"))
				require.NoError(t, err)
			}
			return append([]byte("seen:"), cur.Value...)
		})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "seen:other", string(v.Value))
}

func TestTreeMap_CloseRejectsCalls(t *testing.T) {
	f := interleavedPartitions(t)
	view := f.m.TailMap(2, true)

	require.NoError(t, f.m.Close(ctx))
	require.NoError(t, f.m.Close(ctx))

	_, err := f.m.Get(ctx, 1)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, _, err = view.FirstKey(ctx)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = view.Put(ctx, 100, nil)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = view.Entries(ctx)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
}
