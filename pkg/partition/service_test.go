package partition

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/service"
	"treemapdb/pkg/versioned"
)

var ctx = context.Background()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, opts Options) (*Service[int], *service.Registry) {
	t.Helper()
	opts.Logger = quietLogger()
	s, err := NewService[int]("p1", NewMemoryBackend[int](), opts)
	require.NoError(t, err)
	r := service.NewRegistry(quietLogger())
	require.NoError(t, s.Register(r))
	t.Cleanup(func() { _ = s.Close() })
	return s, r
}

func put(t *testing.T, r *service.Registry, key int, value string) *versioned.Versioned {
	t.Helper()
	v, err := service.Apply(ctx, r, NewOperations[int]().PutAndGet, PutRequest[int]{Key: key, Value: []byte(value)})
	require.NoError(t, err)
	return v
}

func TestService_PutGetVersions(t *testing.T) {
	_, r := newTestService(t, Options{})
	ops := NewOperations[int]()

	v1 := put(t, r, 1, "a")
	v2 := put(t, r, 1, "b")
	assert.Greater(t, v2.Version, v1.Version)

	prev, err := service.Apply(ctx, r, ops.Put, PutRequest[int]{Key: 1, Value: []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, "b", string(prev.Value))

	got, err := service.Apply(ctx, r, ops.Get, KeyRequest[int]{Key: 1})
	require.NoError(t, err)
	assert.Equal(t, "c", string(got.Value))

	missing, err := service.Apply(ctx, r, ops.Get, KeyRequest[int]{Key: 99})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestService_ConditionalWrites(t *testing.T) {
	_, r := newTestService(t, Options{})
	ops := NewOperations[int]()

	existing, err := service.Apply(ctx, r, ops.PutIfAbsent, PutRequest[int]{Key: 4, Value: []byte("x")})
	require.NoError(t, err)
	assert.Nil(t, existing)
	existing, err = service.Apply(ctx, r, ops.PutIfAbsent, PutRequest[int]{Key: 4, Value: []byte("y")})
	require.NoError(t, err)
	assert.Equal(t, "x", string(existing.Value))

	current, err := service.Apply(ctx, r, ops.Get, KeyRequest[int]{Key: 4})
	require.NoError(t, err)

	ok, err := service.Apply(ctx, r, ops.ReplaceVersion, ReplaceVersionRequest[int]{Key: 4, OldVersion: current.Version + 1, NewValue: []byte("z")})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = service.Apply(ctx, r, ops.ReplaceVersion, ReplaceVersionRequest[int]{Key: 4, OldVersion: current.Version, NewValue: []byte("z")})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = service.Apply(ctx, r, ops.ReplaceValue, ReplaceValueRequest[int]{Key: 4, OldValue: []byte("x"), NewValue: []byte("w")})
	require.NoError(t, err)
	assert.False(t, ok)

	prev, err := service.Apply(ctx, r, ops.Replace, PutRequest[int]{Key: 5, Value: []byte("nope")})
	require.NoError(t, err)
	assert.Nil(t, prev)
	has, err := service.Apply(ctx, r, ops.ContainsKey, KeyRequest[int]{Key: 5})
	require.NoError(t, err)
	assert.False(t, has)

	ok, err = service.Apply(ctx, r, ops.RemoveValue, RemoveValueRequest[int]{Key: 4, Value: []byte("x")})
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = service.Apply(ctx, r, ops.RemoveValue, RemoveValueRequest[int]{Key: 4, Value: []byte("z")})
	require.NoError(t, err)
	assert.True(t, ok)

	v := put(t, r, 6, "q")
	ok, err = service.Apply(ctx, r, ops.RemoveVersion, RemoveVersionRequest[int]{Key: 6, Version: v.Version})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_Navigation(t *testing.T) {
	_, r := newTestService(t, Options{})
	ops := NewOperations[int]()
	for _, k := range []int{2, 8} {
		put(t, r, k, "v")
	}

	key := func(op service.Operation[KeyRequest[int], KeyResult[int]], k int) any {
		res, err := service.Apply(ctx, r, op, KeyRequest[int]{Key: k})
		require.NoError(t, err)
		if !res.Found {
			return nil
		}
		return res.Key
	}
	assert.Equal(t, 8, key(ops.CeilingKey, 3))
	assert.Equal(t, 2, key(ops.FloorKey, 3))
	assert.Equal(t, 8, key(ops.HigherKey, 2))
	assert.Equal(t, 2, key(ops.LowerKey, 8))
	assert.Nil(t, key(ops.HigherKey, 8))
	assert.Nil(t, key(ops.LowerKey, 2))

	first, err := service.Apply(ctx, r, ops.FirstKey, service.Empty{})
	require.NoError(t, err)
	assert.Equal(t, KeyResult[int]{Key: 2, Found: true}, first)

	last, err := service.Apply(ctx, r, ops.LastEntry, service.Empty{})
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 8, last.Key)

	size, err := service.Apply(ctx, r, ops.Size, RangeRequest[int]{Range: keyrange.From(3, true)})
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestService_EmptyPartitionAnswersNotFound(t *testing.T) {
	_, r := newTestService(t, Options{})
	ops := NewOperations[int]()

	res, err := service.Apply(ctx, r, ops.FirstKey, service.Empty{})
	require.NoError(t, err)
	assert.False(t, res.Found)

	entry, err := service.Apply(ctx, r, ops.CeilingEntry, KeyRequest[int]{Key: 0})
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestService_CursorPaging(t *testing.T) {
	s, r := newTestService(t, Options{CursorBatchSize: 2})
	ops := NewOperations[int]()
	for k := 1; k <= 5; k++ {
		put(t, r, k, "v")
	}

	batch, err := service.Apply(ctx, r, ops.Iterate, IterateRequest[int]{Range: keyrange.From(2, true)})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, keysOf(batch.Entries))
	assert.True(t, batch.HasMore)
	assert.Equal(t, 1, s.OpenCursors())

	batch, err = service.Apply(ctx, r, ops.Next, CursorRequest{CursorID: batch.CursorID})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, keysOf(batch.Entries))
	assert.False(t, batch.HasMore)
	assert.Equal(t, 0, s.OpenCursors())

	_, err = service.Apply(ctx, r, ops.Next, CursorRequest{CursorID: batch.CursorID})
	assert.ErrorIs(t, err, dberrors.ErrNotFound)

	desc, err := service.Apply(ctx, r, ops.Iterate, IterateRequest[int]{Descending: true, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4, 3, 2, 1}, keysOf(desc.Entries))
	assert.False(t, desc.HasMore)
}

func TestService_CursorCloseAndExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	s, r := newTestService(t, Options{
		CursorBatchSize:   1,
		CursorIdleTimeout: time.Minute,
		Now:               func() time.Time { return now },
	})
	ops := NewOperations[int]()
	for k := 1; k <= 3; k++ {
		put(t, r, k, "v")
	}

	a, err := service.Apply(ctx, r, ops.Iterate, IterateRequest[int]{})
	require.NoError(t, err)
	_, err = service.Apply(ctx, r, ops.Iterate, IterateRequest[int]{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.OpenCursors())

	_, err = service.Apply(ctx, r, ops.CloseCursor, CursorRequest{CursorID: a.CursorID})
	require.NoError(t, err)
	assert.Equal(t, 1, s.OpenCursors())

	assert.Equal(t, 0, s.ExpireCursors(now.Add(30*time.Second)))
	assert.Equal(t, 1, s.ExpireCursors(now.Add(2*time.Minute)))
	assert.Equal(t, 0, s.OpenCursors())
}

type eventLog struct {
	mu     sync.Mutex
	events []versioned.Event[int]
	done   chan struct{}
}

func newEventLog() *eventLog {
	return &eventLog{done: make(chan struct{})}
}

func (l *eventLog) Next(ev versioned.Event[int]) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}
func (l *eventLog) Complete()   { close(l.done) }
func (l *eventLog) Error(error) { close(l.done) }

func (l *eventLog) snapshot() []versioned.Event[int] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]versioned.Event[int](nil), l.events...)
}

func TestService_ListenEvents(t *testing.T) {
	s, r := newTestService(t, Options{})
	ops := NewOperations[int]()

	log := newEventLog()
	require.NoError(t, service.Stream(ctx, r, ops.Listen, ListenRequest{SubscriptionID: "sub-1"}, log))
	assert.Equal(t, 1, s.Subscribers())

	put(t, r, 1, "a")
	put(t, r, 1, "b")
	put(t, r, 2, "c")
	_, err := service.Apply(ctx, r, ops.Remove, KeyRequest[int]{Key: 1})
	require.NoError(t, err)
	_, err = service.Apply(ctx, r, ops.Clear, RangeRequest[int]{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(log.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	events := log.snapshot()
	types := make([]versioned.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []versioned.EventType{
		versioned.EventInsert, versioned.EventUpdate, versioned.EventInsert,
		versioned.EventRemove, versioned.EventRemove,
	}, types)
	assert.Equal(t, "a", string(events[1].OldValue.Value))
	assert.Equal(t, 2, events[4].Key)

	_, err = service.Apply(ctx, r, ops.Unlisten, ListenRequest{SubscriptionID: "sub-1"})
	require.NoError(t, err)
	select {
	case <-log.done:
	case <-time.After(time.Second):
		t.Fatal("stream not completed by unlisten")
	}
	assert.Equal(t, 0, s.Subscribers())
}

func TestService_ListenEndsWithContext(t *testing.T) {
	s, r := newTestService(t, Options{})
	listenCtx, cancel := context.WithCancel(ctx)

	log := newEventLog()
	require.NoError(t, service.Stream(listenCtx, r, NewOperations[int]().Listen, ListenRequest{SubscriptionID: "x"}, log))
	cancel()

	select {
	case <-log.done:
	case <-time.After(time.Second):
		t.Fatal("stream not completed on cancel")
	}
	require.Eventually(t, func() bool { return s.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestService_ClosedRejectsCalls(t *testing.T) {
	s, r := newTestService(t, Options{})
	require.NoError(t, s.Close())

	_, err := service.Apply(ctx, r, NewOperations[int]().Get, KeyRequest[int]{Key: 1})
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.True(t, dberrors.IsApplication(err))
}

func TestService_VersionsResumeFromBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.db")
	b, err := OpenBoltBackend[int](path, "p1")
	require.NoError(t, err)
	s, err := NewService[int]("p1", b, Options{Logger: quietLogger()})
	require.NoError(t, err)
	r := service.NewRegistry(quietLogger())
	require.NoError(t, s.Register(r))
	last := put(t, r, 1, "a")
	require.NoError(t, s.Close())

	b, err = OpenBoltBackend[int](path, "p1")
	require.NoError(t, err)
	s, err = NewService[int]("p1", b, Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer s.Close()
	r = service.NewRegistry(quietLogger())
	require.NoError(t, s.Register(r))

	next := put(t, r, 2, "b")
	assert.Greater(t, next.Version, last.Version)
}
