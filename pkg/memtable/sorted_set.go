package memtable

import "lsmkv/pkg/types"

// SortedSet is what the flusher consumes: a frozen memtable in key order.
type SortedSet interface {
	Records() []types.Record
	MaxSeq() types.SeqN
	WALNumber() uint64
	Len() int
}

var _ SortedSet = (*Memtable)(nil)
