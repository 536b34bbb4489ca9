package boundary

import (
	"errors"
	"sync"
)

// ErrSlotOccupied is returned by Slot.Fill when the slot already holds a value.
var ErrSlotOccupied = errors.New("slot is occupied")

// Slot holds at most one value. Fill and Take are serialized, so creating
// and destroying the held value never overlap.
type Slot[T any] struct {
	mu   sync.Mutex
	v    T
	full bool
}

// Fill stores the value returned by create. create runs under the slot
// lock and is not called when the slot is occupied.
func (s *Slot[T]) Fill(create func() (T, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return ErrSlotOccupied
	}
	v, err := create()
	if err != nil {
		return err
	}
	s.v, s.full = v, true
	return nil
}

// Take empties the slot and passes the held value to destroy under the
// slot lock. It reports false when the slot was empty.
func (s *Slot[T]) Take(destroy func(T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return false
	}
	v := s.v
	var zero T
	s.v, s.full = zero, false
	if destroy != nil {
		destroy(v)
	}
	return true
}

// With calls fn with the held value under the slot lock. It reports false
// when the slot is empty.
func (s *Slot[T]) With(fn func(T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return false
	}
	fn(s.v)
	return true
}

// Occupied reports whether the slot holds a value.
func (s *Slot[T]) Occupied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.full
}
