package subtitle

import "sync"

// Subtitle is one displayed subtitle line with its resolved timing and
// source metadata. Immutable once constructed; shared by value.
type Subtitle struct {
	ID        uint64
	Text      string
	SubStart  float64
	SubEnd    float64
	MediaPath string
	AID       int64
}

// Store is the process-lifetime table of every subtitle seen so far,
// keyed by subtitle id. Safe for concurrent readers alongside the single
// writer (the assembler). Entries are never deleted.
type Store struct {
	mu   sync.RWMutex
	subs map[uint64]Subtitle
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{subs: make(map[uint64]Subtitle)}
}

// Insert records a completed subtitle. Ids are never reused, so this is
// append-only in effect.
func (s *Store) Insert(sub Subtitle) {
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
}

// Get returns the subtitle with the given id, if present.
func (s *Store) Get(id uint64) (Subtitle, bool) {
	s.mu.RLock()
	sub, ok := s.subs[id]
	s.mu.RUnlock()
	return sub, ok
}

// Len returns the number of stored subtitles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
