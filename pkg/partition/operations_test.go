package partition

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treemapdb/pkg/keyrange"
	"treemapdb/pkg/service"
	"treemapdb/pkg/versioned"
)

type codecCase struct {
	name string
	run  func(t *testing.T)
}

// codecRoundTrip checks that a request survives encode/decode unchanged and
// that a response re-encodes to the same bytes after decoding.
func codecRoundTrip[T, R any](op service.Operation[T, R], req T, resp R) codecCase {
	return codecCase{name: op.ID.Name, run: func(t *testing.T) {
		data, err := op.Request.Encode(req)
		require.NoError(t, err)
		decoded, err := op.Request.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, req, decoded)

		data, err = op.Response.Encode(resp)
		require.NoError(t, err)
		back, err := op.Response.Decode(data)
		require.NoError(t, err)
		again, err := op.Response.Encode(back)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	}}
}

func TestOperations_CodecRoundTrip(t *testing.T) {
	ops := NewOperations[int]()

	created := time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	value := versioned.New([]byte("v"), 4, created)
	entry := versioned.NewEntry(7, value)
	entries := []*versioned.Entry[int]{entry, versioned.NewEntry(9, versioned.New([]byte("w"), 5, created))}
	found := KeyResult[int]{Key: 7, Found: true}

	key := KeyRequest[int]{Key: 7}
	keys := KeysRequest[int]{Keys: []int{1, 7, 9}}
	rng := RangeRequest[int]{Range: keyrange.Between(1, true, 9, false)}
	put := PutRequest[int]{Key: 7, Value: []byte("v")}
	cursor := CursorRequest{CursorID: 42}
	listen := ListenRequest{SubscriptionID: "sub-1"}
	batch := Batch[int]{CursorID: 42, Entries: entries, HasMore: true}

	cases := []codecCase{
		codecRoundTrip(ops.Get, key, value),
		codecRoundTrip(ops.GetAll, keys, entries),
		codecRoundTrip(ops.ContainsKey, key, true),
		codecRoundTrip(ops.ContainsKeys, keys, false),
		codecRoundTrip(ops.ContainsValue, ValueRequest{Value: []byte("v")}, true),
		codecRoundTrip(ops.Size, rng, 12),

		codecRoundTrip(ops.FirstKey, service.Empty{}, found),
		codecRoundTrip(ops.LastKey, service.Empty{}, KeyResult[int]{}),
		codecRoundTrip(ops.CeilingKey, key, found),
		codecRoundTrip(ops.FloorKey, key, found),
		codecRoundTrip(ops.HigherKey, key, KeyResult[int]{Key: -3, Found: true}),
		codecRoundTrip(ops.LowerKey, key, KeyResult[int]{}),

		codecRoundTrip(ops.FirstEntry, service.Empty{}, entry),
		codecRoundTrip(ops.LastEntry, service.Empty{}, (*versioned.Entry[int])(nil)),
		codecRoundTrip(ops.CeilingEntry, key, entry),
		codecRoundTrip(ops.FloorEntry, key, entry),
		codecRoundTrip(ops.HigherEntry, key, (*versioned.Entry[int])(nil)),
		codecRoundTrip(ops.LowerEntry, key, entry),

		codecRoundTrip(ops.Iterate, IterateRequest[int]{
			Range:      keyrange.From(3, false),
			Descending: true,
			BatchSize:  16,
		}, batch),
		codecRoundTrip(ops.Next, cursor, Batch[int]{CursorID: 42}),
		codecRoundTrip(ops.CloseCursor, cursor, service.Empty{}),

		codecRoundTrip(ops.Put, put, value),
		codecRoundTrip(ops.PutAndGet, put, value),
		codecRoundTrip(ops.PutIfAbsent, put, (*versioned.Versioned)(nil)),
		codecRoundTrip(ops.Remove, key, value),
		codecRoundTrip(ops.RemoveValue, RemoveValueRequest[int]{Key: 7, Value: []byte("v")}, true),
		codecRoundTrip(ops.RemoveVersion, RemoveVersionRequest[int]{Key: 7, Version: 4}, false),
		codecRoundTrip(ops.Replace, put, value),
		codecRoundTrip(ops.ReplaceValue, ReplaceValueRequest[int]{Key: 7, OldValue: []byte("v"), NewValue: []byte("w")}, true),
		codecRoundTrip(ops.ReplaceVersion, ReplaceVersionRequest[int]{Key: 7, OldVersion: 4, NewValue: []byte("w")}, true),
		codecRoundTrip(ops.Clear, RangeRequest[int]{Range: keyrange.All[int]()}, service.Empty{}),

		codecRoundTrip(ops.Listen, listen, versioned.Event[int]{
			Type:     versioned.EventUpdate,
			Key:      7,
			NewValue: versioned.New([]byte("w"), 5, created),
			OldValue: value,
		}),
		codecRoundTrip(ops.Unlisten, listen, service.Empty{}),
	}

	// every declared operation has a case
	declared := map[string]bool{}
	fields := reflect.ValueOf(ops)
	for i := 0; i < fields.NumField(); i++ {
		id := fields.Field(i).FieldByName("ID").Interface().(service.OperationID)
		declared[id.Name] = true
	}
	covered := map[string]bool{}
	for _, tc := range cases {
		covered[tc.name] = true
	}
	require.Len(t, declared, 33)
	require.Equal(t, declared, covered)

	for _, tc := range cases {
		t.Run(tc.name, tc.run)
	}
}

func TestOperations_VersionedSurvivesCodec(t *testing.T) {
	ops := NewOperations[string]()
	sent := versioned.New([]byte("payload"), 9, time.Now())

	data, err := ops.Get.Response.Encode(sent)
	require.NoError(t, err)
	got, err := ops.Get.Response.Decode(data)
	require.NoError(t, err)
	assert.True(t, sent.Equal(got), "got %v", got)
	assert.True(t, sent.Created.Equal(got.Created))
}
