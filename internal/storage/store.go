package storage

import (
	"sync"
)

// Entry is a value with the sequence number of the write that produced it.
// Entries are replaced, never modified in place.
type Entry struct {
	Value string `json:"value"`
	Seq   uint64 `json:"seq"`
}

// Store defines the interface for the local key-value store.
type Store interface {
	// Get retrieves the entry for key.
	Get(key string) (Entry, bool)
	// Dump returns a consistent copy of every entry.
	Dump() map[string]Entry
	// NextSeq allocates the next sequence number. Leader only.
	NextSeq() uint64
	// Apply installs value at seq unless an entry with seq >= the incoming
	// one is already present. Returns whether the entry was replaced.
	Apply(key, value string, seq uint64) bool
	// LastSeq returns the highest sequence number allocated or applied.
	LastSeq() uint64
	// Len returns the number of keys.
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
// A single mutex serializes every operation, so no caller observes a
// counter increment without its matching apply or a half-written entry.
type InMemoryStore struct {
	mu      sync.Mutex
	data    map[string]Entry
	lastSeq uint64
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]Entry),
	}
}

// Get retrieves the entry for key.
func (s *InMemoryStore) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	return e, ok
}

// Dump returns a copy of the whole map taken under one lock acquisition.
func (s *InMemoryStore) Dump() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.data))
	for k, e := range s.data {
		out[k] = e
	}
	return out
}

// NextSeq increments and returns the sequence counter.
func (s *InMemoryStore) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastSeq++
	return s.lastSeq
}

// Apply is last-writer-wins by sequence number, not by arrival order.
// Re-applying the same or an older write is a no-op.
func (s *InMemoryStore) Apply(key, value string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.data[key]; ok && existing.Seq >= seq {
		return false
	}

	s.data[key] = Entry{Value: value, Seq: seq}
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	return true
}

// LastSeq returns the sequence counter.
func (s *InMemoryStore) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Len returns the number of keys held.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
