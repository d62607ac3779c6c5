package dialog

import (
	"errors"
	"sync"
)

// ErrCapacity is returned when the store is at its session cap.
var ErrCapacity = errors.New("max concurrent sessions reached")

// Store is the concurrent dialog map with a hard capacity.
type Store struct {
	mu       sync.RWMutex
	dialogs  map[string]*Dialog
	capacity int
}

func NewStore(capacity int) *Store {
	return &Store{
		dialogs:  make(map[string]*Dialog),
		capacity: capacity,
	}
}

// Put inserts a new dialog. Fails on a duplicate call id or when the
// capacity cap is hit.
func (s *Store) Put(d *Dialog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dialogs[d.ID]; exists {
		return errors.New("dialog already exists: " + d.ID)
	}
	if s.capacity > 0 && len(s.dialogs) >= s.capacity {
		return ErrCapacity
	}
	s.dialogs[d.ID] = d
	return nil
}

func (s *Store) Get(callID string) (*Dialog, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dialogs[callID]
	return d, ok
}

// Delete removes a dialog; removing an absent id is a no-op.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dialogs, callID)
}

// Full reports whether the capacity cap is reached. Put still enforces the
// cap atomically; Full lets callers answer overload before doing any work.
func (s *Store) Full() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capacity > 0 && len(s.dialogs) >= s.capacity
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dialogs)
}

// All snapshots the current dialogs, for shutdown and disconnect sweeps.
func (s *Store) All() []*Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Dialog, 0, len(s.dialogs))
	for _, d := range s.dialogs {
		all = append(all, d)
	}
	return all
}
