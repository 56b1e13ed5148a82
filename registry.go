package fmi

import (
	"fmt"
	"sync"
)

// Handle identifies a live instance in a Binding. The low 32 bits are a
// 1-based slot index, the high 32 bits the slot's generation, so a handle
// is never valid again after its instance is freed. Zero is never valid.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(generation)<<32 | Handle(index)
}

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index(), h.generation())
}

// registry is an arena of values addressed by generation-checked handles.
// Freed slots are reused with a bumped generation.
type registry[T any] struct {
	mu       sync.RWMutex
	entries  []slot[T]
	freeList []uint32
	live     int
	closed   bool
}

type slot[T any] struct {
	value      T
	generation uint32
	valid      bool
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{
		entries:  make([]slot[T], 0, 8),
		freeList: make([]uint32, 0, 8),
	}
}

// insert stores v and returns its handle.
func (r *registry[T]) insert(v T) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	r.live++

	if n := len(r.freeList); n > 0 {
		idx := r.freeList[n-1]
		r.freeList = r.freeList[:n-1]
		s := &r.entries[idx-1]
		s.value = v
		s.valid = true
		return makeHandle(idx, s.generation), nil
	}

	r.entries = append(r.entries, slot[T]{value: v, generation: 1, valid: true})
	return makeHandle(uint32(len(r.entries)), 1), nil
}

// get returns the value for h if h is live.
func (r *registry[T]) get(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.lookup(h)
	if !ok {
		return zero, false
	}
	return s.value, true
}

// remove invalidates h and returns its value. Only the first remove of a
// handle succeeds.
func (r *registry[T]) remove(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.lookup(h)
	if !ok {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.valid = false
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	r.live--
	if !r.closed {
		r.freeList = append(r.freeList, h.index())
	}
	return v, true
}

// lookup must be called with mu held.
func (r *registry[T]) lookup(h Handle) (*slot[T], bool) {
	idx := h.index()
	if idx == 0 || int(idx) > len(r.entries) {
		return nil, false
	}
	s := &r.entries[idx-1]
	if !s.valid || s.generation != h.generation() {
		return nil, false
	}
	return s, true
}

// len returns the number of live values.
func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// close stops further inserts and returns the handles still live.
func (r *registry[T]) close() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	var handles []Handle
	for i, s := range r.entries {
		if s.valid {
			handles = append(handles, makeHandle(uint32(i+1), s.generation))
		}
	}
	return handles
}
