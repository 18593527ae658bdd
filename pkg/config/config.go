package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации ноды.
// Значения из yaml перекрываются переменными окружения TREEMAP_*.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Node      NodeConfig      `yaml:"node"`
	TreeMap   TreeMapConfig   `yaml:"treemap"`
	Storage   StorageConfig   `yaml:"storage"`
	Raft      RaftConfig      `yaml:"raft"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level" env:"TREEMAP_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"TREEMAP_LOG_JSON"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" env:"TREEMAP_PORT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"TREEMAP_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"TREEMAP_SHUTDOWN_TIMEOUT"`
	// RemoteTimeout bounds unary calls to partitions on other nodes.
	RemoteTimeout time.Duration `yaml:"remote_timeout" env:"TREEMAP_REMOTE_TIMEOUT"`
}

type NodeConfig struct {
	ID string `yaml:"id" env:"TREEMAP_NODE_ID"`
	// Address is the base URL other nodes reach this one on.
	Address string `yaml:"address" env:"TREEMAP_NODE_ADDR"`
}

type TreeMapConfig struct {
	Name string `yaml:"name" env:"TREEMAP_NAME"`
	// Partitions lists every partition of the map, local or not.
	Partitions []string `yaml:"partitions" env:"TREEMAP_PARTITIONS" envSeparator:","`
	// Local lists the partitions served by this node. Empty means all.
	Local       []string `yaml:"local" env:"TREEMAP_LOCAL_PARTITIONS" envSeparator:","`
	Partitioner string   `yaml:"partitioner" env:"TREEMAP_PARTITIONER"`
	// Splits are the range partitioner's split keys, one fewer than partitions.
	Splits            []string      `yaml:"splits" env:"TREEMAP_SPLITS" envSeparator:","`
	RingReplicas      int           `yaml:"ring_replicas" env:"TREEMAP_RING_REPLICAS"`
	CursorBatchSize   int           `yaml:"cursor_batch_size" env:"TREEMAP_CURSOR_BATCH_SIZE"`
	CursorIdleTimeout time.Duration `yaml:"cursor_idle_timeout" env:"TREEMAP_CURSOR_IDLE_TIMEOUT"`
	EventBuffer       int           `yaml:"event_buffer" env:"TREEMAP_EVENT_BUFFER"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" env:"TREEMAP_STORAGE_BACKEND"`
	Path    string `yaml:"path" env:"TREEMAP_STORAGE_PATH"`
}

type RaftPeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

type RaftConfig struct {
	Enabled                   bool             `yaml:"enabled" env:"TREEMAP_RAFT_ENABLED"`
	ID                        uint64           `yaml:"id" env:"TREEMAP_RAFT_ID"`
	TickInterval              time.Duration    `yaml:"tick_interval" env:"TREEMAP_RAFT_TICK_INTERVAL"`
	ElectionTick              int              `yaml:"election_tick"`
	HeartbeatTick             int              `yaml:"heartbeat_tick"`
	MaxSizePerMsg             uint64           `yaml:"max_size_per_msg"`
	MaxCommittedSizePerReady  uint64           `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64           `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int              `yaml:"max_inflight_msgs"`
	CheckQuorum               bool             `yaml:"check_quorum"`
	PreVote                   bool             `yaml:"pre_vote"`
	Peers                     []RaftPeerConfig `yaml:"peers"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers" env:"TREEMAP_ZK_SERVERS" envSeparator:","`
	RootPath       string        `yaml:"root_path" env:"TREEMAP_ZK_ROOT"`
	SessionTimeout time.Duration `yaml:"session_timeout" env:"TREEMAP_ZK_SESSION_TIMEOUT"`
}

// Default returns a baseline development config: one node serving three
// in-memory partitions.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RemoteTimeout:     5 * time.Second,
		},
		Node: NodeConfig{
			ID:      "node1",
			Address: "http://127.0.0.1:8080",
		},
		TreeMap: TreeMapConfig{
			Name:              "default",
			Partitions:        []string{"p1", "p2", "p3"},
			Partitioner:       "ring",
			RingReplicas:      128,
			CursorBatchSize:   64,
			CursorIdleTimeout: time.Minute,
			EventBuffer:       256,
		},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "./data",
		},
		Raft: RaftConfig{
			ID:                        1,
			TickInterval:              100 * time.Millisecond,
			ElectionTick:              10,
			HeartbeatTick:             1,
			MaxSizePerMsg:             1 << 20,
			MaxCommittedSizePerReady:  64 << 20,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		},
		Zookeeper: ZookeeperConfig{
			RootPath:       "/treemapdb",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// Load читает YAML поверх Default и применяет переменные окружения.
// Если файл не найден, используется Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LocalPartitions returns the partitions this node serves.
func (c *Config) LocalPartitions() []string {
	if len(c.TreeMap.Local) == 0 {
		return c.TreeMap.Partitions
	}
	return c.TreeMap.Local
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		add("logger.level: unknown level %q", c.Logger.Level)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("http-server.port: %d out of range", c.Server.Port)
	}
	if c.Node.Address == "" {
		add("node.address: required")
	}

	if c.TreeMap.Name == "" {
		add("treemap.name: required")
	}
	if len(c.TreeMap.Partitions) == 0 {
		add("treemap.partitions: at least one partition required")
	}
	seen := make(map[string]struct{}, len(c.TreeMap.Partitions))
	for _, p := range c.TreeMap.Partitions {
		if p == "" {
			add("treemap.partitions: empty partition id")
			continue
		}
		if _, dup := seen[p]; dup {
			add("treemap.partitions: duplicate partition %q", p)
		}
		seen[p] = struct{}{}
	}
	for _, p := range c.TreeMap.Local {
		if !slices.Contains(c.TreeMap.Partitions, p) {
			add("treemap.local: %q is not a declared partition", p)
		}
	}
	switch c.TreeMap.Partitioner {
	case "ring":
		if c.TreeMap.RingReplicas < 1 {
			add("treemap.ring_replicas: must be positive")
		}
	case "range":
		if len(c.TreeMap.Splits) != len(c.TreeMap.Partitions)-1 {
			add("treemap.splits: %d partitions need %d split keys, got %d",
				len(c.TreeMap.Partitions), len(c.TreeMap.Partitions)-1, len(c.TreeMap.Splits))
		}
	default:
		add("treemap.partitioner: unknown partitioner %q", c.TreeMap.Partitioner)
	}
	if c.TreeMap.CursorBatchSize < 1 {
		add("treemap.cursor_batch_size: must be positive")
	}
	if c.TreeMap.CursorIdleTimeout <= 0 {
		add("treemap.cursor_idle_timeout: must be positive")
	}
	if c.TreeMap.EventBuffer < 1 {
		add("treemap.event_buffer: must be positive")
	}

	switch c.Storage.Backend {
	case "memory":
	case "bolt":
		if c.Storage.Path == "" {
			add("storage.path: required for bolt backend")
		}
	default:
		add("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	if c.Raft.Enabled {
		if c.Raft.ID == 0 {
			add("raft.id: must be non-zero")
		}
		if c.Raft.ElectionTick <= c.Raft.HeartbeatTick {
			add("raft.election_tick: must be greater than heartbeat_tick")
		}
		if len(c.Raft.Peers) == 0 {
			add("raft.peers: at least one peer required")
		}
		ids := make(map[uint64]struct{}, len(c.Raft.Peers))
		for _, p := range c.Raft.Peers {
			if _, dup := ids[p.ID]; dup {
				add("raft.peers: duplicate peer id %d", p.ID)
			}
			ids[p.ID] = struct{}{}
		}
		if _, ok := ids[c.Raft.ID]; !ok && len(c.Raft.Peers) > 0 {
			add("raft.peers: own id %d missing", c.Raft.ID)
		}
	}

	if len(c.Zookeeper.Servers) > 0 && c.Zookeeper.RootPath == "" {
		add("zookeeper.root_path: required when servers are set")
	}

	return errors.Join(errs...)
}
