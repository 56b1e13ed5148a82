package fmi

import (
	"errors"
	"sync"
	"testing"
)

func TestHandleLayout(t *testing.T) {
	h := makeHandle(3, 7)
	if h.index() != 3 || h.generation() != 7 {
		t.Errorf("handle %v: index=%d generation=%d", h, h.index(), h.generation())
	}
	if got := h.String(); got != "3#7" {
		t.Errorf("String() = %q, want 3#7", got)
	}
	if uint64(h) != 7<<32|3 {
		t.Errorf("raw handle = %#x", uint64(h))
	}
}

func TestRegistryInsertGetRemove(t *testing.T) {
	r := newRegistry[string]()

	h1, err := r.insert("a")
	if err != nil {
		t.Fatal(err)
	}
	h2, _ := r.insert("b")
	if h1 == 0 || h2 == 0 || h1 == h2 {
		t.Fatalf("handles %v, %v", h1, h2)
	}
	if r.len() != 2 {
		t.Errorf("len() = %d, want 2", r.len())
	}

	if v, ok := r.get(h2); !ok || v != "b" {
		t.Errorf("get(h2) = %q, %v", v, ok)
	}
	if _, ok := r.get(0); ok {
		t.Error("get(0) succeeded")
	}
	if _, ok := r.get(makeHandle(9, 1)); ok {
		t.Error("get(out of range) succeeded")
	}

	if v, ok := r.remove(h1); !ok || v != "a" {
		t.Errorf("remove(h1) = %q, %v", v, ok)
	}
	if _, ok := r.remove(h1); ok {
		t.Error("second remove(h1) succeeded")
	}
	if _, ok := r.get(h1); ok {
		t.Error("get after remove succeeded")
	}
	if r.len() != 1 {
		t.Errorf("len() = %d, want 1", r.len())
	}
}

func TestRegistryStaleHandle(t *testing.T) {
	r := newRegistry[int]()
	h1, _ := r.insert(1)
	r.remove(h1)

	// The slot is reused with a new generation.
	h2, _ := r.insert(2)
	if h2.index() != h1.index() {
		t.Fatalf("slot not reused: %v then %v", h1, h2)
	}
	if h2.generation() == h1.generation() {
		t.Fatalf("generation not bumped: %v then %v", h1, h2)
	}
	if _, ok := r.get(h1); ok {
		t.Error("stale handle resolved")
	}
	if v, ok := r.get(h2); !ok || v != 2 {
		t.Errorf("get(h2) = %d, %v", v, ok)
	}
}

func TestRegistryClose(t *testing.T) {
	r := newRegistry[int]()
	h1, _ := r.insert(1)
	h2, _ := r.insert(2)
	r.remove(h1)

	live := r.close()
	if len(live) != 1 || live[0] != h2 {
		t.Errorf("close() = %v, want [%v]", live, h2)
	}
	if _, err := r.insert(3); !errors.Is(err, ErrClosed) {
		t.Errorf("insert after close error = %v, want ErrClosed", err)
	}
	if _, ok := r.remove(h2); !ok {
		t.Error("remove after close failed")
	}
}

func TestRegistryConcurrent(t *testing.T) {
	r := newRegistry[int]()

	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				h, err := r.insert(g*perGoroutine + i)
				if err != nil {
					t.Error(err)
					return
				}
				if v, ok := r.get(h); !ok || v != g*perGoroutine+i {
					t.Errorf("get(%v) = %d, %v", h, v, ok)
					return
				}
				if _, ok := r.remove(h); !ok {
					t.Errorf("remove(%v) failed", h)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	if r.len() != 0 {
		t.Errorf("len() = %d after all removes", r.len())
	}
}
