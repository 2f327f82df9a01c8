package history

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/nkkko/notihub/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, message string) proto.NotificationRecord {
	return proto.NotificationRecord{
		Id:         id,
		Message:    message,
		ReceivedAt: time.Now(),
	}
}

func ids(records []proto.NotificationRecord) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Id)
	}
	return out
}

func countUnread(records []proto.NotificationRecord) int {
	n := 0
	for _, r := range records {
		if !r.Read {
			n++
		}
	}
	return n
}

func TestNewStoreDefaultCapacity(t *testing.T) {
	s := NewStore(0)
	assert.Equal(t, DefaultCapacity, s.Capacity())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	s := NewStore(10)

	inserted, evicted := s.Insert(record("a", "x"))
	require.True(t, inserted)
	assert.Nil(t, evicted)

	inserted, evicted = s.Insert(record("a", "y"))
	assert.False(t, inserted)
	assert.Nil(t, evicted)

	records, unread := s.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, "x", records[0].Message)
	assert.Equal(t, 1, unread)
}

func TestInsertEvictsOldest(t *testing.T) {
	s := NewStore(2)

	s.Insert(record("1", "one"))
	s.Insert(record("2", "two"))
	inserted, evicted := s.Insert(record("3", "three"))

	require.True(t, inserted)
	require.NotNil(t, evicted)
	assert.Equal(t, "1", evicted.Id)

	records, unread := s.Snapshot()
	assert.Equal(t, []string{"3", "2"}, ids(records))
	assert.Equal(t, 2, unread)
	assert.False(t, s.Contains("1"))
}

func TestEvictingReadRecordKeepsUnreadCount(t *testing.T) {
	s := NewStore(2)

	s.Insert(record("1", "one"))
	_, err := s.MarkRead("1")
	require.NoError(t, err)
	s.Insert(record("2", "two"))
	assert.Equal(t, 1, s.UnreadCount())

	_, evicted := s.Insert(record("3", "three"))
	require.NotNil(t, evicted)
	assert.True(t, evicted.Read)
	assert.Equal(t, 2, s.UnreadCount())
}

func TestEvictedIDCanBeInsertedAgain(t *testing.T) {
	s := NewStore(1)

	s.Insert(record("1", "one"))
	s.Insert(record("2", "two"))
	inserted, _ := s.Insert(record("1", "again"))

	assert.True(t, inserted)
	records, _ := s.Snapshot()
	assert.Equal(t, []string{"1"}, ids(records))
	assert.Equal(t, "again", records[0].Message)
}

func TestMarkRead(t *testing.T) {
	s := NewStore(10)
	s.Insert(record("a", "x"))
	s.Insert(record("b", "y"))

	changed, err := s.MarkRead("a")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, s.UnreadCount())

	// already read
	changed, err = s.MarkRead("a")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 1, s.UnreadCount())

	changed, err = s.MarkRead("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, changed)
	assert.Equal(t, 1, s.UnreadCount())

	rec, ok := s.Get("a")
	require.True(t, ok)
	assert.True(t, rec.Read)
}

func TestMarkAllRead(t *testing.T) {
	s := NewStore(10)
	for i := 0; i < 3; i++ {
		s.Insert(record(fmt.Sprintf("id-%d", i), "msg"))
	}

	assert.Equal(t, 3, s.MarkAllRead())

	records, unread := s.Snapshot()
	assert.Equal(t, 0, unread)
	for _, r := range records {
		assert.True(t, r.Read, "record %s should be read", r.Id)
	}

	assert.Equal(t, 0, s.MarkAllRead(), "second call should change nothing")
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewStore(10)
	s.Insert(record("a", "x"))

	records, _ := s.Snapshot()
	records[0].Read = true
	records[0].Message = "mutated"

	rec, _ := s.Get("a")
	assert.False(t, rec.Read)
	assert.Equal(t, "x", rec.Message)
	assert.Equal(t, 1, s.UnreadCount())
}

func TestPayloadIsNotShared(t *testing.T) {
	s := NewStore(10)
	in := record("a", "x")
	in.Payload = map[string]json.RawMessage{"level": json.RawMessage(`"info"`)}
	s.Insert(in)

	in.Payload["level"][1] = 'X'
	in.Payload["extra"] = json.RawMessage(`1`)

	records, _ := s.Snapshot()
	records[0].Payload["level"] = json.RawMessage(`"debug"`)
	records[0].Payload["other"] = json.RawMessage(`2`)

	got, _ := s.Get("a")
	got.Payload["level"][1] = 'Y'

	again, _ := s.Snapshot()
	require.Len(t, again, 1)
	assert.Equal(t, map[string]json.RawMessage{"level": json.RawMessage(`"info"`)}, again[0].Payload)
}

func TestStoreInvariantsUnderRandomOperations(t *testing.T) {
	const capacity = 7
	s := NewStore(capacity)
	rng := rand.New(rand.NewSource(42))

	// reference model: insertion order of live ids
	var order []string

	for step := 0; step < 5000; step++ {
		id := fmt.Sprintf("id-%d", rng.Intn(30))
		switch op := rng.Intn(10); {
		case op < 6:
			inserted, evicted := s.Insert(record(id, "m"))
			if inserted {
				order = append(order, id)
				if len(order) > capacity {
					require.NotNil(t, evicted, "step %d", step)
					assert.Equal(t, order[0], evicted.Id, "evicted record must be the oldest")
					order = order[1:]
				} else {
					assert.Nil(t, evicted)
				}
			}
		case op < 9:
			_, _ = s.MarkRead(id)
		default:
			s.MarkAllRead()
		}

		records, unread := s.Snapshot()
		require.LessOrEqual(t, len(records), capacity)
		require.Equal(t, countUnread(records), unread, "step %d", step)
		require.Equal(t, unread, s.UnreadCount())
		require.Equal(t, len(order), s.Len())

		// newest-first
		for i, r := range records {
			require.Equal(t, order[len(order)-1-i], r.Id)
		}
	}
}
