package iterator

import "lsmkv/pkg/types"

// Iterator iterates over a sorted sequence of records. Implementations are
// not safe for concurrent use and start unpositioned: call First or Seek.
type Iterator interface {
	// Seek moves the iterator to the first entry with key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next entry.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Record returns the current entry including its sequence number and kind.
	Record() types.Record
	// Err returns the first error hit while iterating.
	Err() error
	// Close releases resources.
	Close() error
}
