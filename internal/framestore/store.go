// Package framestore keeps the most recent annotated frame of every running resource.
package framestore

import (
	"sync"
)

// slot holds the latest frame of one resource behind its own lock
type slot struct {
	mu          sync.Mutex
	data        []byte
	placeholder bool
}

// Store is a per-id latest frame holder. Locking is per id; writers of one id never block
// readers or writers of another.
type Store[K comparable] struct {
	slots sync.Map // K -> *slot
}

// New creates an empty frame store
func New[K comparable]() *Store[K] {
	return &Store[K]{}
}

// Ensure creates the slot for id if it does not exist yet
func (s *Store[K]) Ensure(id K) {
	s.slots.LoadOrStore(id, &slot{})
}

// Has reports whether id currently has a slot
func (s *Store[K]) Has(id K) bool {
	_, ok := s.slots.Load(id)
	return ok
}

// SetLatest replaces the stored frame of id, creating the slot on first use
func (s *Store[K]) SetLatest(id K, data []byte) {
	v, _ := s.slots.LoadOrStore(id, &slot{})
	sl := v.(*slot)

	buf := make([]byte, len(data))
	copy(buf, data)

	sl.mu.Lock()
	sl.data = buf
	sl.placeholder = false
	sl.mu.Unlock()
}

// GetLatest returns a copy of the latest frame of id.
// The second result is false when the id has no slot or no frame yet.
func (s *Store[K]) GetLatest(id K) ([]byte, bool) {
	v, ok := s.slots.Load(id)
	if !ok {
		return nil, false
	}
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.data == nil {
		return nil, false
	}
	out := make([]byte, len(sl.data))
	copy(out, sl.data)
	return out, true
}

// SetPlaceholder stores a synthetic frame showing text until the first real frame arrives.
// It never replaces a real frame and silently gives up when the image cannot be built.
func (s *Store[K]) SetPlaceholder(id K, text string) {
	img, err := Placeholder(text)
	if err != nil {
		return
	}

	v, _ := s.slots.LoadOrStore(id, &slot{})
	sl := v.(*slot)

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.data != nil && !sl.placeholder {
		return
	}
	sl.data = img
	sl.placeholder = true
}

// Remove drops the slot of id. Safe to call for unknown ids.
func (s *Store[K]) Remove(id K) {
	s.slots.Delete(id)
}
