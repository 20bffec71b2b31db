package kv

import (
	"bytes"
	"errors"
	"testing"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()

	if _, err := m.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
	}

	if err := m.Put([]byte("a"), []byte("one")); err != nil {
		t.Fatalf("Failed to put: %v", err)
	}
	got, err := m.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if !bytes.Equal(got, []byte("one")) {
		t.Errorf("Get returned %q, want %q", got, "one")
	}

	// Overwrite replaces in place.
	if err := m.Put([]byte("a"), []byte("two")); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}
	got, _ = m.Get([]byte("a"))
	if !bytes.Equal(got, []byte("two")) {
		t.Errorf("Get after overwrite returned %q, want %q", got, "two")
	}
	if n, _ := m.Len(); n != 1 {
		t.Errorf("Len after overwrite = %d, want 1", n)
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	m.Put([]byte("a"), []byte("1"))

	if err := m.Delete([]byte("a")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := m.Get([]byte("a")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
	if err := m.Delete([]byte("a")); err != nil {
		t.Errorf("Delete of absent key returned %v, want nil", err)
	}
}

func TestMemoryOrderedIteration(t *testing.T) {
	m := NewMemory()
	// Inserted out of order on purpose.
	for _, k := range []string{"delta", "alpha", "charlie", "bravo"} {
		if err := m.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("Failed to put %q: %v", k, err)
		}
	}

	var asc []string
	m.Ascend(func(k, v []byte) bool {
		asc = append(asc, string(k))
		return true
	})
	want := []string{"alpha", "bravo", "charlie", "delta"}
	for i := range want {
		if asc[i] != want[i] {
			t.Fatalf("Ascend order = %v, want %v", asc, want)
		}
	}

	var desc []string
	m.Descend(func(k, v []byte) bool {
		desc = append(desc, string(k))
		return true
	})
	for i := range want {
		if desc[i] != want[len(want)-1-i] {
			t.Fatalf("Descend order = %v", desc)
		}
	}
}

func TestMemoryIterationEarlyStop(t *testing.T) {
	m := NewMemory()
	for _, k := range []string{"a", "b", "c"} {
		m.Put([]byte(k), []byte("v"))
	}

	var visited int
	m.Ascend(func(k, v []byte) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("Ascend visited %d entries after stop, want 1", visited)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	key := []byte("k")
	val := []byte("value")
	m.Put(key, val)

	// Mutating the caller's buffers must not affect the store.
	val[0] = 'X'
	got, _ := m.Get(key)
	if !bytes.Equal(got, []byte("value")) {
		t.Errorf("stored value aliased caller buffer: %q", got)
	}

	// Mutating a returned value must not affect the store either.
	got[0] = 'Y'
	again, _ := m.Get(key)
	if !bytes.Equal(again, []byte("value")) {
		t.Errorf("returned value aliased store buffer: %q", again)
	}
}
