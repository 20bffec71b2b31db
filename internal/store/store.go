// Package store implements the radius-bounded content store. Records are
// keyed in the backing kv store by their XOR distance from the local node
// id, so ascending key order is ascending distance and the farthest
// record is always the last key. Capacity overflow evicts farthest-first,
// and each eviction shrinks the acceptance radius to the distance of the
// farthest record kept.
package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/kv"
)

var (
	// ErrNotFound is returned by Get for content the node does not hold.
	ErrNotFound = errors.New("store: content not found")

	// ErrOutsideRadius is returned by Put for content farther from the
	// local node than the current acceptance radius.
	ErrOutsideRadius = errors.New("store: content outside radius")

	// ErrTooLarge is returned by Put for a payload that could never fit,
	// even with every other record evicted.
	ErrTooLarge = errors.New("store: content exceeds capacity")
)

// Store is a capacity-bounded content store for a single local node.
type Store struct {
	mu       sync.Mutex
	local    kad.ID
	db       kv.Store
	capacity uint64
	usage    uint64
	radius   kad.Distance
}

// New wraps db as the content store for the node local. Usage is
// recomputed from the stored records; the radius starts wide open unless
// the store comes back already at capacity, in which case it resumes at
// the distance of the farthest stored record.
func New(local kad.ID, db kv.Store, capacity uint64) (*Store, error) {
	if capacity == 0 {
		capacity = constants.DefaultStorageCapacity
	}

	s := &Store{
		local:    local,
		db:       db,
		capacity: capacity,
		radius:   kad.MaxDistance(),
	}

	if err := db.Ascend(func(k, v []byte) bool {
		s.usage += uint64(len(v))
		return true
	}); err != nil {
		return nil, fmt.Errorf("store: scanning records: %w", err)
	}

	if s.usage >= s.capacity {
		if key, _, ok, err := s.farthest(); err != nil {
			return nil, err
		} else if ok {
			d, err := kad.DistanceFromBytes(key)
			if err != nil {
				return nil, fmt.Errorf("store: malformed record key: %w", err)
			}
			s.radius = d
		}
	}

	if err := s.evictLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// key maps a content id to its storage key, the XOR distance from the
// local node. The mapping is a bijection, so the content id is always
// recoverable from the key.
func (s *Store) key(id kad.ID) []byte {
	d := kad.DistanceBetween(s.local, id)
	b := d.Bytes32()
	return b[:]
}

func (s *Store) idFromKey(k []byte) kad.ID {
	var id kad.ID
	for i := range id {
		id[i] = s.local[i] ^ k[i]
	}
	return id
}

// farthest returns the key and payload size of the record farthest from
// the local node.
func (s *Store) farthest() (key []byte, size int, ok bool, err error) {
	err = s.db.Descend(func(k, v []byte) bool {
		key = append([]byte(nil), k...)
		size = len(v)
		ok = true
		return false
	})
	return key, size, ok, err
}

// evictLocked removes farthest records one at a time until usage fits
// capacity, tightening the radius after each removal. Callers must hold
// the lock.
func (s *Store) evictLocked() error {
	for s.usage > s.capacity {
		key, size, ok, err := s.farthest()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.db.Delete(key); err != nil {
			return fmt.Errorf("store: evicting record: %w", err)
		}
		s.usage -= uint64(size)

		key, _, ok, err = s.farthest()
		if err != nil {
			return err
		}
		if !ok {
			// Nothing left to bound the radius by.
			s.radius = kad.MaxDistance()
			break
		}
		d, err := kad.DistanceFromBytes(key)
		if err != nil {
			return fmt.Errorf("store: malformed record key: %w", err)
		}
		s.radius = d
	}
	return nil
}

// ShouldStore reports whether content at id falls inside the current
// acceptance radius. The bound is inclusive.
func (s *Store) ShouldStore(id kad.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := kad.DistanceBetween(s.local, id)
	return !d.Gt(&s.radius)
}

// Put stores payload under id. Content farther than the radius is
// refused. When the insert overflows capacity, farthest records are
// evicted until usage fits again; if the new record is itself the
// farthest, it is the one evicted.
func (s *Store) Put(id kad.ID, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(len(payload)) > s.capacity {
		return ErrTooLarge
	}
	d := kad.DistanceBetween(s.local, id)
	if d.Gt(&s.radius) {
		return ErrOutsideRadius
	}

	key := s.key(id)
	var prev uint64
	if old, err := s.db.Get(key); err == nil {
		prev = uint64(len(old))
	} else if !errors.Is(err, kv.ErrNotFound) {
		return err
	}

	if err := s.db.Put(key, payload); err != nil {
		return fmt.Errorf("store: writing record: %w", err)
	}
	s.usage = s.usage - prev + uint64(len(payload))

	return s.evictLocked()
}

// Get returns the payload stored under id.
func (s *Store) Get(id kad.ID) ([]byte, error) {
	v, err := s.db.Get(s.key(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Contains reports whether the node holds content id.
func (s *Store) Contains(id kad.ID) bool {
	_, err := s.db.Get(s.key(id))
	return err == nil
}

// Delete removes content id if present.
func (s *Store) Delete(id kad.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(id)
	v, err := s.db.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.db.Delete(key); err != nil {
		return err
	}
	s.usage -= uint64(len(v))
	return nil
}

// Radius returns the current acceptance radius.
func (s *Store) Radius() kad.Distance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.radius
}

// Usage returns the payload bytes currently stored.
func (s *Store) Usage() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Capacity returns the configured capacity in bytes.
func (s *Store) Capacity() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Count returns the number of stored records.
func (s *Store) Count() (int, error) {
	return s.db.Len()
}

// Each visits stored records in ascending distance order until fn
// returns false.
func (s *Store) Each(fn func(id kad.ID, size int) bool) error {
	return s.db.Ascend(func(k, v []byte) bool {
		return fn(s.idFromKey(k), len(v))
	})
}

// SetCapacity adjusts the capacity at runtime. Lowering it below the
// current usage evicts farthest records until usage fits; raising it
// enough to hold everything stored reopens the radius fully.
func (s *Store) SetCapacity(n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == 0 {
		n = constants.DefaultStorageCapacity
	}
	s.capacity = n
	if s.usage <= n {
		s.radius = kad.MaxDistance()
		return nil
	}
	return s.evictLocked()
}

// Close releases the backing store.
func (s *Store) Close() error {
	return s.db.Close()
}
