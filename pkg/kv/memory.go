package kv

import (
	"bytes"
	"sort"
	"sync"
)

// Memory is an in-memory Store backed by a sorted slice. It is the
// default backend for nodes that run without a data directory and for
// tests.
type Memory struct {
	mu   sync.RWMutex
	keys [][]byte
	vals [][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// find returns the insertion index for key and whether it is present.
// Callers must hold the lock.
func (m *Memory) find(key []byte) (int, bool) {
	i := sort.Search(len(m.keys), func(i int) bool {
		return bytes.Compare(m.keys[i], key) >= 0
	})
	return i, i < len(m.keys) && bytes.Equal(m.keys[i], key)
}

func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.find(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.vals[i]...), nil
}

func (m *Memory) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := append([]byte(nil), key...)
	v := append([]byte(nil), value...)

	i, ok := m.find(key)
	if ok {
		m.vals[i] = v
		return nil
	}

	m.keys = append(m.keys, nil)
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = k

	m.vals = append(m.vals, nil)
	copy(m.vals[i+1:], m.vals[i:])
	m.vals[i] = v
	return nil
}

func (m *Memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.find(key)
	if !ok {
		return nil
	}
	m.keys = append(m.keys[:i], m.keys[i+1:]...)
	m.vals = append(m.vals[:i], m.vals[i+1:]...)
	return nil
}

func (m *Memory) Ascend(fn func(key, value []byte) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.keys {
		if !fn(m.keys[i], m.vals[i]) {
			return nil
		}
	}
	return nil
}

func (m *Memory) Descend(fn func(key, value []byte) bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.keys) - 1; i >= 0; i-- {
		if !fn(m.keys[i], m.vals[i]) {
			return nil
		}
	}
	return nil
}

func (m *Memory) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys), nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Store = (*Memory)(nil)
