// Package kv defines the ordered key-value storage contract used by the
// content store, together with an in-memory implementation. A persistent
// BoltDB-backed implementation lives in the boltkv subpackage.
package kv

import "errors"

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("kv: key not found")

// Store is an ordered byte-keyed store. Iteration visits keys in
// ascending lexicographic order, which callers exploit by encoding
// their sort dimension into the key itself.
//
// Keys and values passed to iteration callbacks are only valid for the
// duration of the call; callers must copy anything they retain.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Ascend visits entries in ascending key order until fn returns
	// false or the store is exhausted.
	Ascend(fn func(key, value []byte) bool) error

	// Descend visits entries in descending key order until fn returns
	// false or the store is exhausted.
	Descend(fn func(key, value []byte) bool) error

	// Len reports the number of stored entries.
	Len() (int, error)

	Close() error
}
