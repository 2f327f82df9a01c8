package history

import (
	"errors"

	"github.com/nkkko/notihub/pkg/proto"
)

// DefaultCapacity is used when a Store is created with a non-positive capacity
const DefaultCapacity = 100

// ErrNotFound is returned by MarkRead for an id the store does not hold
var ErrNotFound = errors.New("notification not found")

// Store is a capped, insertion-ordered notification history.
//
// Records are kept oldest-first in a ring so that inserts and evictions are O(1);
// Snapshot returns them newest-first. The unread counter is maintained on every
// mutation and always equals the number of records with Read == false.
//
// Store is not safe for concurrent use. The hub serializes access to it.
type Store struct {
	capacity int
	ring     []*proto.NotificationRecord
	head     int // index of the oldest record
	size     int
	index    map[string]*proto.NotificationRecord
	unread   int
}

// NewStore creates an empty store holding at most capacity records
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		ring:     make([]*proto.NotificationRecord, capacity),
		index:    make(map[string]*proto.NotificationRecord, capacity),
	}
}

// Capacity returns the maximum number of records kept
func (s *Store) Capacity() int {
	return s.capacity
}

// Len returns the number of records currently held
func (s *Store) Len() int {
	return s.size
}

// UnreadCount returns the number of unread records
func (s *Store) UnreadCount() int {
	return s.unread
}

// Contains reports whether a record with the given id is held
func (s *Store) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Insert adds a record as the newest entry.
//
// It is a no-op when a record with the same id is already held. When the store
// is full the oldest record is evicted and returned, whatever its read state.
func (s *Store) Insert(record proto.NotificationRecord) (inserted bool, evicted *proto.NotificationRecord) {
	if _, exists := s.index[record.Id]; exists {
		return false, nil
	}

	if s.size == s.capacity {
		oldest := s.ring[s.head]
		s.ring[s.head] = nil
		s.head = (s.head + 1) % s.capacity
		s.size--
		delete(s.index, oldest.Id)
		if !oldest.Read {
			s.unread--
		}
		evicted = oldest
	}

	rec := record.Clone()
	s.ring[(s.head+s.size)%s.capacity] = &rec
	s.size++
	s.index[rec.Id] = &rec
	if !rec.Read {
		s.unread++
	}

	return true, evicted
}

// MarkRead marks a single record as read.
//
// It returns false without error when the record is already read, and
// ErrNotFound when no record has the id.
func (s *Store) MarkRead(id string) (bool, error) {
	rec, ok := s.index[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Read {
		return false, nil
	}
	rec.Read = true
	s.unread--
	return true, nil
}

// MarkAllRead marks every record read and returns how many changed
func (s *Store) MarkAllRead() int {
	if s.unread == 0 {
		return 0
	}
	changed := 0
	for i := 0; i < s.size; i++ {
		rec := s.ring[(s.head+i)%s.capacity]
		if !rec.Read {
			rec.Read = true
			changed++
		}
	}
	s.unread = 0
	return changed
}

// Get returns a deep copy of the record with the given id
func (s *Store) Get(id string) (proto.NotificationRecord, bool) {
	rec, ok := s.index[id]
	if !ok {
		return proto.NotificationRecord{}, false
	}
	return rec.Clone(), true
}

// Snapshot returns deep copies of the records newest-first together with the
// unread count
func (s *Store) Snapshot() ([]proto.NotificationRecord, int) {
	records := make([]proto.NotificationRecord, 0, s.size)
	for i := s.size - 1; i >= 0; i-- {
		records = append(records, s.ring[(s.head+i)%s.capacity].Clone())
	}
	return records, s.unread
}
