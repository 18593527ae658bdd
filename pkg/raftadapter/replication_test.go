package raftadapter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"treemapdb/pkg/cluster"
	"treemapdb/pkg/config"
	"treemapdb/pkg/dberrors"
	"treemapdb/pkg/partition"
	"treemapdb/pkg/service"
	"treemapdb/pkg/versioned"
)

var ops = partition.NewOperations[int]()

// inprocTransport маршрутизирует raft сообщения между нодами в памяти
type inprocTransport struct {
	nodesMu sync.RWMutex
	nodes   map[uint64]*Node
}

func newInprocTransport() *inprocTransport {
	return &inprocTransport{nodes: make(map[uint64]*Node)}
}

func (t *inprocTransport) Send(msg raftpb.Message) error {
	t.nodesMu.RLock()
	target, ok := t.nodes[msg.To]
	t.nodesMu.RUnlock()
	if !ok {
		return nil
	}
	go func() {
		_ = target.Handle(context.Background(), msg)
	}()
	return nil
}

func (t *inprocTransport) AddPeer(uint64, string)    {}
func (t *inprocTransport) RemovePeer(uint64)         {}
func (t *inprocTransport) UpdatePeer(uint64, string) {}

type replica struct {
	node     *Node
	registry *service.Registry
	part     *ReplicatedPartition
}

// startCluster поднимает 3 ноды, каждая держит реплику партиции p1
func startCluster(t *testing.T) []*replica {
	t.Helper()
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := newInprocTransport()
	peers := []config.RaftPeerConfig{{ID: 1, Address: "n1"}, {ID: 2, Address: "n2"}, {ID: 3, Address: "n3"}}

	replicas := make([]*replica, 0, len(peers))
	for _, p := range peers {
		svc, err := partition.NewService[int]("p1", partition.NewMemoryBackend[int](), partition.Options{Logger: quiet})
		require.NoError(t, err)
		reg := service.NewRegistry(quiet)
		require.NoError(t, svc.Register(reg))

		cfg := config.Default().Raft
		cfg.ID = p.ID
		cfg.TickInterval = 10 * time.Millisecond
		cfg.Peers = peers
		n, err := NewNode(&cfg, Registries{"p1": reg})
		require.NoError(t, err)
		n.transport = transport

		transport.nodesMu.Lock()
		transport.nodes[n.ID] = n
		transport.nodesMu.Unlock()

		replicas = append(replicas, &replica{node: n, registry: reg, part: NewReplicatedPartition("p1", n, reg)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, r := range replicas {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.node.Run(ctx)
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return replicas
}

// helper: wait until exactly one leader among nodes or timeout
func waitForLeader(t *testing.T, replicas []*replica, timeout time.Duration) *replica {
	t.Helper()
	var leader *replica
	require.Eventually(t, func() bool {
		leader = nil
		count := 0
		for _, r := range replicas {
			if r.node.IsLeader() {
				leader = r
				count++
			}
		}
		if count != 1 {
			return false
		}
		// followers must know the leader before proposals can be forwarded
		for _, r := range replicas {
			if r.node.LeaderID() != leader.node.ID {
				return false
			}
		}
		return true
	}, timeout, 20*time.Millisecond, "leader not elected")
	return leader
}

func follower(replicas []*replica, leader *replica) *replica {
	for _, r := range replicas {
		if r != leader {
			return r
		}
	}
	return nil
}

func TestReplication_CommandReachesEveryReplica(t *testing.T) {
	replicas := startCluster(t)
	leader := waitForLeader(t, replicas, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := cluster.Call(ctx, leader.part, ops.PutAndGet, partition.PutRequest[int]{Key: 7, Value: []byte("seven")})
	require.NoError(t, err)
	require.NotNil(t, got)

	require.Eventually(t, func() bool {
		for _, r := range replicas {
			v, err := service.Apply(ctx, r.registry, ops.Get, partition.KeyRequest[int]{Key: 7})
			if err != nil || v == nil || v.Version != got.Version {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "replication did not reach all nodes")
}

func TestReplication_FollowerForwardsCommands(t *testing.T) {
	replicas := startCluster(t)
	leader := waitForLeader(t, replicas, 5*time.Second)
	f := follower(replicas, leader)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	prev, err := cluster.Call(ctx, f.part, ops.Put, partition.PutRequest[int]{Key: 1, Value: []byte("a")})
	require.NoError(t, err)
	assert.Nil(t, prev)

	// the applied result comes back to the proposing follower
	prev, err = cluster.Call(ctx, f.part, ops.Put, partition.PutRequest[int]{Key: 1, Value: []byte("b")})
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, []byte("a"), prev.Value)

	// queries are local to the follower
	v, err := cluster.Call(ctx, f.part, ops.Get, partition.KeyRequest[int]{Key: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), v.ValueOrNil())
}

func TestReplication_RejectedCommandKeepsCause(t *testing.T) {
	replicas := startCluster(t)
	leader := waitForLeader(t, replicas, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// unknown operations never enter the log
	_, err := leader.part.Execute(ctx, service.OperationID{Name: "treemap.nope", Type: service.Command}, nil)
	assert.ErrorIs(t, err, dberrors.ErrUnknownOperation)

	ok, err := cluster.Call(ctx, leader.part, ops.ReplaceVersion, partition.ReplaceVersionRequest[int]{Key: 3, OldVersion: 99, NewValue: []byte("x")})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplicatedPartition_StreamedCommand(t *testing.T) {
	replicas := startCluster(t)
	leader := waitForLeader(t, replicas, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	collector := service.NewCollector[*versioned.Versioned]()
	require.NoError(t, cluster.Stream(ctx, leader.part, ops.PutAndGet, partition.PutRequest[int]{Key: 2, Value: []byte("two")}, collector))
	values, err := collector.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, []byte("two"), values[0].Value)
}
