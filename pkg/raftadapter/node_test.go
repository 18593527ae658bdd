package raftadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"treemapdb/pkg/config"
	"treemapdb/pkg/dberrors"
)

// nopApplier принимает любые команды и ничего не применяет
type nopApplier struct{}

func (nopApplier) Check(Cmd) error                            { return nil }
func (nopApplier) Apply(context.Context, Cmd) ([]byte, error) { return nil, nil }

// mockTransport реализует iTransport и собирает вызовы
type mockTransport struct {
	mu          sync.Mutex
	added       map[uint64]string
	removeCalls []uint64
	updated     map[uint64]string
	sentMsgs    []raftpb.Message
}

func newMockTransport() *mockTransport {
	return &mockTransport{added: map[uint64]string{}, updated: map[uint64]string{}}
}

func (m *mockTransport) Send(msg raftpb.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMsgs = append(m.sentMsgs, msg)
	return nil
}

func (m *mockTransport) AddPeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added[id] = addr
}

func (m *mockTransport) RemovePeer(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeCalls = append(m.removeCalls, id)
}

func (m *mockTransport) UpdatePeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated[id] = addr
}

func singlePeerConfig() *config.RaftConfig {
	cfg := config.Default().Raft
	cfg.Enabled = true
	cfg.ID = 1
	cfg.Peers = []config.RaftPeerConfig{{ID: 1, Address: "http://127.0.0.1:8080"}}
	return &cfg
}

func TestNode_UpdateTransport(t *testing.T) {
	n, err := NewNode(singlePeerConfig(), nopApplier{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Stop() })

	mt := newMockTransport()
	n.transport = mt

	n.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("http://127.0.0.1:8081")})
	assert.Equal(t, "http://127.0.0.1:8081", mt.added[2])
	assert.Equal(t, "http://127.0.0.1:8081", n.Peers()[2])

	n.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 2, Context: []byte("http://127.0.0.1:9000")})
	assert.Equal(t, "http://127.0.0.1:9000", mt.updated[2])
	assert.Equal(t, "http://127.0.0.1:9000", n.Peers()[2])

	n.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2})
	assert.Equal(t, []uint64{2}, mt.removeCalls)
	assert.NotContains(t, n.Peers(), uint64(2))
}

func TestNewNode_DuplicatePeer(t *testing.T) {
	cfg := singlePeerConfig()
	cfg.Peers = append(cfg.Peers, cfg.Peers[0])
	_, err := NewNode(cfg, nopApplier{})
	assert.Error(t, err)
}

func TestNode_ExecuteRejectsInvalidAndStopped(t *testing.T) {
	n, err := NewNode(singlePeerConfig(), nopApplier{})
	require.NoError(t, err)

	_, err = n.Execute(context.Background(), Cmd{Partition: "p1", Op: "treemap.put"})
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = n.Execute(context.Background(), NewCmd("", "treemap.put", nil))
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	require.NoError(t, n.Stop())
	_, err = n.Execute(context.Background(), NewCmd("p1", "treemap.put", nil))
	assert.ErrorIs(t, err, dberrors.ErrClosed)
}

func TestTransport_SendsProtobuf(t *testing.T) {
	got := make(chan raftpb.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RaftEndpoint, r.URL.Path)
		assert.Equal(t, ContentTypeRaft, r.Header.Get("Content-Type"))
		msg, err := DecodeMessage(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- msg
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL})
	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 7, Commit: 3}
	require.NoError(t, tr.Send(msg))
	received := <-got
	assert.Equal(t, msg.Type, received.Type)
	assert.Equal(t, msg.To, received.To)
	assert.Equal(t, msg.Term, received.Term)
	assert.Equal(t, msg.Commit, received.Commit)

	assert.Error(t, tr.Send(raftpb.Message{To: 9}), "unknown peer")
}
