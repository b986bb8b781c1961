package iterator

import (
	"bytes"
	"sort"

	"lsmkv/pkg/types"
)

// SliceIterator walks an in-memory slice of records sorted by types.Compare.
type SliceIterator struct {
	recs []types.Record
	pos  int
}

func NewSlice(recs []types.Record) *SliceIterator {
	return &SliceIterator{recs: recs, pos: len(recs)}
}

func (it *SliceIterator) Seek(target types.Key) {
	it.pos = sort.Search(len(it.recs), func(i int) bool {
		return bytes.Compare(it.recs[i].Key, target) >= 0
	})
}

func (it *SliceIterator) First() { it.pos = 0 }

func (it *SliceIterator) Next() {
	if it.pos < len(it.recs) {
		it.pos++
	}
}

func (it *SliceIterator) Valid() bool { return it.pos < len(it.recs) }

func (it *SliceIterator) Key() types.Key { return it.recs[it.pos].Key }

func (it *SliceIterator) Value() types.Value { return it.recs[it.pos].Value }

func (it *SliceIterator) Record() types.Record { return it.recs[it.pos] }

func (it *SliceIterator) Err() error { return nil }

func (it *SliceIterator) Close() error { return nil }
