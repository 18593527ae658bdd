package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"treemapdb/pkg/types"
)

// PartitionResolver builds the client of a partition advertised at address.
type PartitionResolver func(id types.PartitionID, address string) Partition

// ZKMembership advertises partitions as ephemeral znodes
// <root>/partitions/<id> holding the serving node's address, and keeps a
// Proxy in sync with them.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	address  string
	local    []types.PartitionID
	logger   *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath, address string, sessionTimeout time.Duration, logger *slog.Logger) (*ZKMembership, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionTimeout <= 0 {
		sessionTimeout = 5 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: rootPath,
		address:  address,
		logger:   logger.With("component", "zk"),
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) partitionsPath() string {
	return path.Join(m.rootPath, "partitions")
}

func (m *ZKMembership) ensurePath(p string) error {
	parts := strings.Split(p, "/")
	cur := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterPartitions advertises the partitions served by this node. A
// partition already advertised by a replica keeps its current address.
func (m *ZKMembership) RegisterPartitions(ids []types.PartitionID) error {
	// Ждём, пока клиент реально подключится к ZK
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}
	if err := m.ensurePath(m.partitionsPath()); err != nil {
		return fmt.Errorf("ensure partitions path: %w", err)
	}
	m.local = slices.Clone(ids)
	return m.advertise()
}

func (m *ZKMembership) advertise() error {
	for _, id := range m.local {
		nodePath := path.Join(m.partitionsPath(), string(id))
		_, err := m.conn.Create(nodePath, []byte(m.address), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		switch {
		case err == nil:
			m.logger.Info("registered partition", "path", nodePath, "address", m.address)
		case errors.Is(err, zk.ErrNodeExists):
		default:
			return fmt.Errorf("create ephemeral node %s: %w", nodePath, err)
		}
	}
	return nil
}

// readPartitions читает живые партиции и подписывается на изменения
func (m *ZKMembership) readPartitions() (map[types.PartitionID]string, <-chan zk.Event, error) {
	children, _, ch, err := m.conn.ChildrenW(m.partitionsPath())
	if err != nil {
		return nil, nil, fmt.Errorf("zk children: %w", err)
	}
	members := make(map[types.PartitionID]string, len(children))
	for _, child := range children {
		data, _, err := m.conn.Get(path.Join(m.partitionsPath(), child))
		if errors.Is(err, zk.ErrNoNode) {
			// vanished between listing and reading; the watch fires again
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("zk get %s: %w", child, err)
		}
		members[types.PartitionID(child)] = string(data)
	}
	return members, ch, nil
}

// BuildPartitions resolves advertised members into partitions sorted by id.
func BuildPartitions(members map[types.PartitionID]string, resolve PartitionResolver) []Partition {
	ids := make([]types.PartitionID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	parts := make([]Partition, 0, len(ids))
	for _, id := range ids {
		if part := resolve(id, members[id]); part != nil {
			parts = append(parts, part)
		}
	}
	return parts
}

// RunWatch следит за изменениями партиций и обновляет Proxy до отмены ctx
func (m *ZKMembership) RunWatch(ctx context.Context, proxy *Proxy, resolve PartitionResolver) {
	go func() {
		for {
			members, ch, err := m.readPartitions()
			if err != nil {
				m.logger.Warn("read partitions failed", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			if err := proxy.SetPartitions(BuildPartitions(members, resolve)); err != nil {
				m.logger.Warn("apply partitions failed", "error", err)
			}

			select {
			case ev := <-ch:
				m.logger.Debug("partitions changed", "event", ev.Type.String(), "path", ev.Path)
				// a replica takes over partitions whose owner went away
				if err := m.advertise(); err != nil {
					m.logger.Warn("re-advertise failed", "error", err)
				}
			case <-ctx.Done():
				m.logger.Info("watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
