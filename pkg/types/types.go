package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number assigned to every mutation.
// The highest SeqN for a key is the current version.
type SeqN = uint64

// Kind tells a live value from a deletion marker.
type Kind uint8

const (
	KindValue Kind = iota + 1
	KindTombstone
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	return k == KindValue || k == KindTombstone
}

// Record is a single versioned mutation of a key.
type Record struct {
	Key   Key
	Value Value
	SeqN  SeqN
	Kind  Kind
}

func (r Record) IsTombstone() bool {
	return r.Kind == KindTombstone
}

// Size is the approximate in-memory footprint used for memtable accounting.
func (r Record) Size() uint64 {
	const overhead = 8 + 1
	return uint64(len(r.Key)) + uint64(len(r.Value)) + overhead
}

// Compare orders records by key ascending, then by sequence number descending.
func Compare(a, b Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.SeqN > b.SeqN:
		return -1
	case a.SeqN < b.SeqN:
		return 1
	default:
		return 0
	}
}
