package raftadapter

import (
	"time"

	"go.etcd.io/etcd/raft/v3"

	"treemapdb/pkg/config"
)

const defaultTickInterval = 100 * time.Millisecond

func toRaftConfig(c *config.RaftConfig) *raft.Config {
	return &raft.Config{
		ID:                        c.ID,
		ElectionTick:              c.ElectionTick,
		HeartbeatTick:             c.HeartbeatTick,
		MaxSizePerMsg:             c.MaxSizePerMsg,
		MaxCommittedSizePerReady:  c.MaxCommittedSizePerReady,
		MaxUncommittedEntriesSize: c.MaxUncommittedEntriesSize,
		MaxInflightMsgs:           c.MaxInflightMsgs,
		CheckQuorum:               c.CheckQuorum,
		PreVote:                   c.PreVote,
		Logger:                    raftLogger(),
	}
}

func tickInterval(c *config.RaftConfig) time.Duration {
	if c.TickInterval <= 0 {
		return defaultTickInterval
	}
	return c.TickInterval
}
