package segment

import (
	"bytes"
	"sort"

	"lsmkv/pkg/types"
)

// segmentIterator walks blocks lazily, decoding one at a time.
type segmentIterator struct {
	r          *Reader
	start, end []byte

	block int
	recs  []types.Record
	pos   int
	valid bool
	err   error
}

func (it *segmentIterator) First() {
	if it.start != nil {
		it.Seek(it.start)
		return
	}
	it.err = nil
	it.loadBlock(0, nil)
}

func (it *segmentIterator) Seek(target types.Key) {
	it.err = nil
	if it.start != nil && bytes.Compare(target, it.start) < 0 {
		target = it.start
	}

	i := sort.Search(len(it.r.index), func(i int) bool {
		return bytes.Compare(it.r.index[i].firstKey, target) > 0
	}) - 1
	if i < 0 {
		i = 0
	}
	it.loadBlock(i, target)
}

func (it *segmentIterator) Next() {
	if !it.valid {
		return
	}
	it.pos++
	if it.pos >= len(it.recs) {
		it.loadBlock(it.block+1, nil)
		return
	}
	it.checkEnd()
}

// loadBlock positions at the first record >= target, starting at block i.
func (it *segmentIterator) loadBlock(i int, target []byte) {
	it.valid = false
	for ; i < len(it.r.index); i++ {
		recs, err := it.r.readBlock(i)
		if err != nil {
			it.err = err
			return
		}
		pos := 0
		if target != nil {
			pos = sort.Search(len(recs), func(j int) bool {
				return bytes.Compare(recs[j].Key, target) >= 0
			})
		}
		if pos < len(recs) {
			it.block, it.recs, it.pos = i, recs, pos
			it.checkEnd()
			return
		}
	}
	it.block, it.recs, it.pos = len(it.r.index), nil, 0
}

func (it *segmentIterator) checkEnd() {
	it.valid = it.end == nil || bytes.Compare(it.recs[it.pos].Key, it.end) < 0
}

func (it *segmentIterator) Valid() bool { return it.valid && it.err == nil }

func (it *segmentIterator) Key() types.Key { return it.recs[it.pos].Key }

func (it *segmentIterator) Value() types.Value { return it.recs[it.pos].Value }

func (it *segmentIterator) Record() types.Record { return it.recs[it.pos] }

func (it *segmentIterator) Err() error { return it.err }

func (it *segmentIterator) Close() error {
	it.recs = nil
	it.valid = false
	return nil
}
