package types

// PartitionID identifies one shard of an ordered collection.
type PartitionID string

// NodeID identifies a node in a cluster.
type NodeID string

// Address is the base URL a node serves its partitions on, e.g. "http://node1:8080".
type Address string

// Term and Index are used by consensus/replication components.
type Term uint64

type LogIndex uint64
