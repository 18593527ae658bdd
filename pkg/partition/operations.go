package partition

import (
	"cmp"

	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/service"
	"treemapdb/pkg/versioned"
)

// EventStream frames the events pushed by the listen operation.
var EventStream = service.StreamType{Name: "treemap.events"}

type KeyRequest[K cmp.Ordered] struct {
	Key K `msgpack:"key"`
}

type KeysRequest[K cmp.Ordered] struct {
	Keys []K `msgpack:"keys"`
}

type ValueRequest struct {
	Value []byte `msgpack:"value"`
}

type RangeRequest[K cmp.Ordered] struct {
	Range keyrange.Range[K] `msgpack:"range"`
}

type PutRequest[K cmp.Ordered] struct {
	Key   K      `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

type RemoveValueRequest[K cmp.Ordered] struct {
	Key   K      `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

type RemoveVersionRequest[K cmp.Ordered] struct {
	Key     K      `msgpack:"key"`
	Version uint64 `msgpack:"version"`
}

type ReplaceValueRequest[K cmp.Ordered] struct {
	Key      K      `msgpack:"key"`
	OldValue []byte `msgpack:"old_value"`
	NewValue []byte `msgpack:"new_value"`
}

type ReplaceVersionRequest[K cmp.Ordered] struct {
	Key        K      `msgpack:"key"`
	OldVersion uint64 `msgpack:"old_version"`
	NewValue   []byte `msgpack:"new_value"`
}

// KeyResult is the answer of a key navigation query. Found is false when the
// partition holds no qualifying key.
type KeyResult[K cmp.Ordered] struct {
	Key   K    `msgpack:"key"`
	Found bool `msgpack:"found"`
}

type IterateRequest[K cmp.Ordered] struct {
	Range      keyrange.Range[K] `msgpack:"range"`
	Descending bool              `msgpack:"descending"`
	BatchSize  int               `msgpack:"batch_size"`
}

type CursorRequest struct {
	CursorID uint64 `msgpack:"cursor_id"`
}

// Batch is one page of a cursor. The cursor is released on the server once
// HasMore is false.
type Batch[K cmp.Ordered] struct {
	CursorID uint64                `msgpack:"cursor_id"`
	Entries  []*versioned.Entry[K] `msgpack:"entries"`
	HasMore  bool                  `msgpack:"has_more"`
}

type ListenRequest struct {
	SubscriptionID string `msgpack:"subscription_id"`
}

// Operations is the contract shared by partition servers and clients.
type Operations[K cmp.Ordered] struct {
	Get           service.Operation[KeyRequest[K], *versioned.Versioned]
	GetAll        service.Operation[KeysRequest[K], []*versioned.Entry[K]]
	ContainsKey   service.Operation[KeyRequest[K], bool]
	ContainsKeys  service.Operation[KeysRequest[K], bool]
	ContainsValue service.Operation[ValueRequest, bool]
	Size          service.Operation[RangeRequest[K], int]

	FirstKey   service.Operation[service.Empty, KeyResult[K]]
	LastKey    service.Operation[service.Empty, KeyResult[K]]
	CeilingKey service.Operation[KeyRequest[K], KeyResult[K]]
	FloorKey   service.Operation[KeyRequest[K], KeyResult[K]]
	HigherKey  service.Operation[KeyRequest[K], KeyResult[K]]
	LowerKey   service.Operation[KeyRequest[K], KeyResult[K]]

	FirstEntry   service.Operation[service.Empty, *versioned.Entry[K]]
	LastEntry    service.Operation[service.Empty, *versioned.Entry[K]]
	CeilingEntry service.Operation[KeyRequest[K], *versioned.Entry[K]]
	FloorEntry   service.Operation[KeyRequest[K], *versioned.Entry[K]]
	HigherEntry  service.Operation[KeyRequest[K], *versioned.Entry[K]]
	LowerEntry   service.Operation[KeyRequest[K], *versioned.Entry[K]]

	Iterate     service.Operation[IterateRequest[K], Batch[K]]
	Next        service.Operation[CursorRequest, Batch[K]]
	CloseCursor service.Operation[CursorRequest, service.Empty]

	Put            service.Operation[PutRequest[K], *versioned.Versioned]
	PutAndGet      service.Operation[PutRequest[K], *versioned.Versioned]
	PutIfAbsent    service.Operation[PutRequest[K], *versioned.Versioned]
	Remove         service.Operation[KeyRequest[K], *versioned.Versioned]
	RemoveValue    service.Operation[RemoveValueRequest[K], bool]
	RemoveVersion  service.Operation[RemoveVersionRequest[K], bool]
	Replace        service.Operation[PutRequest[K], *versioned.Versioned]
	ReplaceValue   service.Operation[ReplaceValueRequest[K], bool]
	ReplaceVersion service.Operation[ReplaceVersionRequest[K], bool]
	Clear          service.Operation[RangeRequest[K], service.Empty]

	Listen   service.Operation[ListenRequest, versioned.Event[K]]
	Unlisten service.Operation[ListenRequest, service.Empty]
}

// NewOperations declares every tree map operation. Cursor and subscription
// operations are queries: that state is local to the replica serving them.
func NewOperations[K cmp.Ordered]() Operations[K] {
	return Operations[K]{
		Get:           service.NewQuery[KeyRequest[K], *versioned.Versioned]("treemap.get"),
		GetAll:        service.NewQuery[KeysRequest[K], []*versioned.Entry[K]]("treemap.get-all"),
		ContainsKey:   service.NewQuery[KeyRequest[K], bool]("treemap.contains-key"),
		ContainsKeys:  service.NewQuery[KeysRequest[K], bool]("treemap.contains-keys"),
		ContainsValue: service.NewQuery[ValueRequest, bool]("treemap.contains-value"),
		Size:          service.NewQuery[RangeRequest[K], int]("treemap.size"),

		FirstKey:   service.NewQuery[service.Empty, KeyResult[K]]("treemap.first-key"),
		LastKey:    service.NewQuery[service.Empty, KeyResult[K]]("treemap.last-key"),
		CeilingKey: service.NewQuery[KeyRequest[K], KeyResult[K]]("treemap.ceiling-key"),
		FloorKey:   service.NewQuery[KeyRequest[K], KeyResult[K]]("treemap.floor-key"),
		HigherKey:  service.NewQuery[KeyRequest[K], KeyResult[K]]("treemap.higher-key"),
		LowerKey:   service.NewQuery[KeyRequest[K], KeyResult[K]]("treemap.lower-key"),

		FirstEntry:   service.NewQuery[service.Empty, *versioned.Entry[K]]("treemap.first-entry"),
		LastEntry:    service.NewQuery[service.Empty, *versioned.Entry[K]]("treemap.last-entry"),
		CeilingEntry: service.NewQuery[KeyRequest[K], *versioned.Entry[K]]("treemap.ceiling-entry"),
		FloorEntry:   service.NewQuery[KeyRequest[K], *versioned.Entry[K]]("treemap.floor-entry"),
		HigherEntry:  service.NewQuery[KeyRequest[K], *versioned.Entry[K]]("treemap.higher-entry"),
		LowerEntry:   service.NewQuery[KeyRequest[K], *versioned.Entry[K]]("treemap.lower-entry"),

		Iterate:     service.NewQuery[IterateRequest[K], Batch[K]]("treemap.iterate"),
		Next:        service.NewQuery[CursorRequest, Batch[K]]("treemap.next"),
		CloseCursor: service.NewQuery[CursorRequest, service.Empty]("treemap.close-cursor"),

		Put:            service.NewCommand[PutRequest[K], *versioned.Versioned]("treemap.put"),
		PutAndGet:      service.NewCommand[PutRequest[K], *versioned.Versioned]("treemap.put-and-get"),
		PutIfAbsent:    service.NewCommand[PutRequest[K], *versioned.Versioned]("treemap.put-if-absent"),
		Remove:         service.NewCommand[KeyRequest[K], *versioned.Versioned]("treemap.remove"),
		RemoveValue:    service.NewCommand[RemoveValueRequest[K], bool]("treemap.remove-value"),
		RemoveVersion:  service.NewCommand[RemoveVersionRequest[K], bool]("treemap.remove-version"),
		Replace:        service.NewCommand[PutRequest[K], *versioned.Versioned]("treemap.replace"),
		ReplaceValue:   service.NewCommand[ReplaceValueRequest[K], bool]("treemap.replace-value"),
		ReplaceVersion: service.NewCommand[ReplaceVersionRequest[K], bool]("treemap.replace-version"),
		Clear:          service.NewCommand[RangeRequest[K], service.Empty]("treemap.clear"),

		Listen:   service.NewQuery[ListenRequest, versioned.Event[K]]("treemap.listen"),
		Unlisten: service.NewQuery[ListenRequest, service.Empty]("treemap.unlisten"),
	}
}
