package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/metrics"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/raftadapter"
	"treemapdb/pkg/service"
	"treemapdb/pkg/treemap"
	"treemapdb/pkg/types"
	"treemapdb/pkg/versioned"
)

var ctx = context.Background()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRaftNode records the messages handed to it.
type fakeRaftNode struct {
	mu   sync.Mutex
	msgs []raftpb.Message
}

func (n *fakeRaftNode) IsLeader() bool     { return true }
func (n *fakeRaftNode) LeaderAddr() string { return "" }
func (n *fakeRaftNode) Handle(ctx context.Context, message raftpb.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, message)
	return nil
}

func newPartition(t *testing.T, id types.PartitionID) *cluster.LocalPartition {
	t.Helper()
	svc, err := partition.NewService[int](id, partition.NewMemoryBackend[int](),
		partition.Options{CursorBatchSize: 2, Logger: quietLogger()})
	require.NoError(t, err)
	reg := service.NewRegistry(quietLogger())
	require.NoError(t, svc.Register(reg))
	t.Cleanup(func() { _ = svc.Close() })
	return cluster.NewLocalPartition(id, reg)
}

func newTestServer(t *testing.T, node iRaftNode, ids ...types.PartitionID) *httptest.Server {
	t.Helper()
	parts := make([]ServedPartition, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, newPartition(t, id))
	}
	s := NewServer(Options{Logger: quietLogger()}, parts...)
	if node != nil {
		s.SetRaftNode(node)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) Response {
	t.Helper()
	defer resp.Body.Close()
	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, nil, "p1")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusOK, decodeResponse(t, resp).Status)
}

func TestServer_ListsPartitionsAndOperations(t *testing.T) {
	srv := newTestServer(t, nil, "p2", "p1")

	resp, err := http.Get(srv.URL + "/api/partitions")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, decodeResponse(t, resp).Values)

	resp, err = http.Get(srv.URL + "/api/partitions/p1/operations")
	require.NoError(t, err)
	ops := decodeResponse(t, resp).Values
	assert.Contains(t, ops, "treemap.put")
	assert.Contains(t, ops, "treemap.get")

	resp, err = http.Get(srv.URL + "/api/partitions/nope/operations")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown-partition", decodeResponse(t, resp).Kind)
}

func TestServer_Metrics(t *testing.T) {
	reg := metrics.NewRegistry()
	s := NewServer(Options{Logger: quietLogger(), Metrics: reg}, newPartition(t, "p1"))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	ops := partition.NewOperations[int]()
	remote := cluster.NewHTTPPartition("p1", srv.URL, time.Second)
	_, err := cluster.Call(ctx, remote, ops.Get, partition.KeyRequest[int]{Key: 1})
	require.NoError(t, err)
	_, err = cluster.Call(ctx, remote, ops.Next, partition.CursorRequest{CursorID: 42})
	require.Error(t, err)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "treemap_partitions 1")
	assert.Contains(t, string(body), `treemap_operations_total{operation="treemap.get",partition="p1",result="ok"} 1`)
	assert.Contains(t, string(body), `treemap_operations_total{operation="treemap.next",partition="p1",result="application"} 1`)
	assert.Contains(t, string(body), `treemap_operation_duration_seconds_count{operation="treemap.get",partition="p1"} 1`)
}

func TestServer_ExecuteThroughHTTPPartition(t *testing.T) {
	srv := newTestServer(t, nil, "p1")
	ops := partition.NewOperations[int]()
	remote := cluster.NewHTTPPartition("p1", srv.URL, time.Second)

	v, err := cluster.Call(ctx, remote, ops.PutAndGet, partition.PutRequest[int]{Key: 1, Value: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, "a", string(v.Value))

	got, err := cluster.Call(ctx, remote, ops.Get, partition.KeyRequest[int]{Key: 1})
	require.NoError(t, err)
	assert.Equal(t, v.Version, got.Version)

	_, err = cluster.Call(ctx, remote, ops.Next, partition.CursorRequest{CursorID: 99})
	require.Error(t, err)
	assert.True(t, dberrors.IsApplication(err))
	assert.ErrorIs(t, err, dberrors.ErrNotFound)

	missing := cluster.NewHTTPPartition("p9", srv.URL, time.Second)
	_, err = cluster.Call(ctx, missing, ops.Get, partition.KeyRequest[int]{Key: 1})
	assert.ErrorIs(t, err, dberrors.ErrUnknownPartition)
}

func TestServer_UnknownOperation(t *testing.T) {
	srv := newTestServer(t, nil, "p1")

	resp, err := http.Post(srv.URL+"/api/partitions/p1/operations/treemap.nope", contentTypeBinary, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeResponse(t, resp)
	assert.Equal(t, StatusError, body.Status)
	assert.Equal(t, "unknown-operation", body.Kind)
}

func TestServer_ApplicationFailureIs422(t *testing.T) {
	srv := newTestServer(t, nil, "p1")

	resp, err := http.Post(srv.URL+"/api/partitions/p1/operations/treemap.get", contentTypeBinary,
		strings.NewReader("\xc1"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "application", decodeResponse(t, resp).Kind)
}

func TestServer_StreamThroughHTTPPartition(t *testing.T) {
	srv := newTestServer(t, nil, "p1")
	ops := partition.NewOperations[int]()
	remote := cluster.NewHTTPPartition("p1", srv.URL, time.Second)

	c := service.NewCollector[*versioned.Versioned]()
	require.NoError(t, cluster.Stream(ctx, remote, ops.Put, partition.PutRequest[int]{Key: 3, Value: []byte("x")}, c))
	values, err := c.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Nil(t, values[0], "no previous value")
}

func TestServer_Raft(t *testing.T) {
	node := &fakeRaftNode{}
	srv := newTestServer(t, node, "p1")

	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1, Term: 7}
	data, err := msg.Marshal()
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+raftadapter.RaftEndpoint, raftadapter.ContentTypeRaft, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.msgs, 1)
	assert.Equal(t, raftpb.MsgHeartbeat, node.msgs[0].Type)
	assert.Equal(t, uint64(7), node.msgs[0].Term)

	resp, err = http.Post(srv.URL+raftadapter.RaftEndpoint, raftadapter.ContentTypeRaft, strings.NewReader("garbage"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestServer_NoRaftEndpointWithoutNode(t *testing.T) {
	srv := newTestServer(t, nil, "p1")

	resp, err := http.Post(srv.URL+raftadapter.RaftEndpoint, raftadapter.ContentTypeRaft, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type keyEvents struct {
	mu     sync.Mutex
	events []treemap.CollectionEvent[int]
}

func (k *keyEvents) Event(ev treemap.CollectionEvent[int]) {
	k.mu.Lock()
	k.events = append(k.events, ev)
	k.mu.Unlock()
}

func (k *keyEvents) keys() []int {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]int, 0, len(k.events))
	for _, ev := range k.events {
		out = append(out, ev.Element)
	}
	return out
}

// TestServer_TreeMapOverHTTP runs the client against two nodes, each
// serving one partition.
func TestServer_TreeMapOverHTTP(t *testing.T) {
	node1 := newTestServer(t, nil, "p1")
	node2 := newTestServer(t, nil, "p2")

	proxy, err := cluster.NewProxy(cluster.NewRangePartitioner(cluster.SplitsOf(10)...), quietLogger(),
		cluster.NewHTTPPartition("p1", node1.URL, time.Second),
		cluster.NewHTTPPartition("p2", node2.URL, time.Second))
	require.NoError(t, err)
	m := treemap.New[int]("remote", proxy, treemap.Options{BatchSize: 2, Logger: quietLogger()})
	t.Cleanup(func() { _ = m.Close(ctx) })

	listener := &keyEvents{}
	upper := m.KeySet().TailSet(5, true)
	require.NoError(t, upper.AddListener(ctx, listener))

	for _, k := range []int{12, 3, 7, 15, 1} {
		_, err := m.Put(ctx, k, []byte{byte(k)})
		require.NoError(t, err)
	}

	first, found, err := m.FirstKey(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, first)

	floor, _, err := m.FloorKey(ctx, 11)
	require.NoError(t, err)
	assert.Equal(t, 7, floor)

	it, err := m.DescendingKeySet().Iterator(ctx)
	require.NoError(t, err)
	var keys []int
	for it.Next(ctx) {
		keys = append(keys, it.Value())
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close(ctx))
	assert.Equal(t, []int{15, 12, 7, 3, 1}, keys)

	require.Eventually(t, func() bool { return len(listener.keys()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []int{12, 7, 15}, listener.keys())

	require.NoError(t, upper.RemoveListener(ctx, listener))
}

// slowListen answers streams only after a delay, like a busy node.
type slowListen struct {
	*cluster.LocalPartition
	delay time.Duration
}

func (s slowListen) ExecuteStream(ctx context.Context, op service.OperationID, payload []byte, h service.StreamHandler[[]byte]) error {
	time.Sleep(s.delay)
	return s.LocalPartition.ExecuteStream(ctx, op, payload, h)
}

// AddListener must not return before the remote subscription exists, or
// writes right after it are lost.
func TestServer_ListenerActiveWhenAddReturns(t *testing.T) {
	s := NewServer(Options{Logger: quietLogger()}, slowListen{LocalPartition: newPartition(t, "p1"), delay: 200 * time.Millisecond})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	proxy, err := cluster.NewProxy(cluster.NewRangePartitioner(), quietLogger(),
		cluster.NewHTTPPartition("p1", srv.URL, time.Second))
	require.NoError(t, err)
	m := treemap.New[int]("slow", proxy, treemap.Options{Logger: quietLogger()})
	t.Cleanup(func() { _ = m.Close(ctx) })

	listener := &keyEvents{}
	keys := m.KeySet()
	require.NoError(t, keys.AddListener(ctx, listener))
	_, err = m.Put(ctx, 7, []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(listener.keys()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{7}, listener.keys())
	require.NoError(t, keys.RemoveListener(ctx, listener))
}
