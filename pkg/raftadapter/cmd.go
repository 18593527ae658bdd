package raftadapter

import (
	"github.com/google/uuid"

	"treemapdb/pkg/types"
)

// Cmd is one replicated partition command: the encoded request of a
// command-type operation addressed to a partition.
type Cmd struct {
	ID        uuid.UUID         `json:"id"`
	Partition types.PartitionID `json:"partition"`
	Op        string            `json:"op"`
	Payload   []byte            `json:"payload"`
}

func NewCmd(partition types.PartitionID, op string, payload []byte) Cmd {
	return Cmd{
		ID:        uuid.New(),
		Partition: partition,
		Op:        op,
		Payload:   payload,
	}
}
