package service

// OperationType separates reads from writes. Replicated partitions send
// commands through consensus and answer queries locally.
type OperationType uint8

const (
	Query OperationType = iota + 1
	Command
)

func (t OperationType) String() string {
	switch t {
	case Query:
		return "query"
	case Command:
		return "command"
	default:
		return "unknown"
	}
}

// OperationID names one operation contract of a service. Names are unique
// per registry.
type OperationID struct {
	Name string        `msgpack:"name" json:"name"`
	Type OperationType `msgpack:"type" json:"type"`
}

func (id OperationID) String() string {
	return id.Name
}

// StreamType names the framing of repeated response elements. The zero
// value means no stream type is declared.
type StreamType struct {
	Name string
}

func (s StreamType) IsZero() bool {
	return s.Name == ""
}

// Empty is the request or response of operations that carry no data.
type Empty struct{}

// Operation binds an OperationID to its request and response codecs.
type Operation[T, R any] struct {
	ID       OperationID
	Request  Codec[T]
	Response Codec[R]
}

// NewQuery declares a read operation with msgpack codecs.
func NewQuery[T, R any](name string) Operation[T, R] {
	return Operation[T, R]{
		ID:       OperationID{Name: name, Type: Query},
		Request:  MsgpackCodec[T]{},
		Response: MsgpackCodec[R]{},
	}
}

// NewCommand declares a write operation with msgpack codecs.
func NewCommand[T, R any](name string) Operation[T, R] {
	return Operation[T, R]{
		ID:       OperationID{Name: name, Type: Command},
		Request:  MsgpackCodec[T]{},
		Response: MsgpackCodec[R]{},
	}
}
