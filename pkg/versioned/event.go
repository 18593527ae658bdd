package versioned

// EventType is the kind of change a map event describes.
type EventType uint8

const (
	EventInsert EventType = iota + 1
	EventUpdate
	EventRemove
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// Event is a change pushed by a partition to its listeners. NewValue is nil
// for removals, OldValue is nil for inserts.
type Event[K any] struct {
	Type     EventType  `msgpack:"type"`
	Key      K          `msgpack:"key"`
	NewValue *Versioned `msgpack:"new_value"`
	OldValue *Versioned `msgpack:"old_value"`
}
