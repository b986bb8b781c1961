package store

import (
	"bytes"
	"errors"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/types"
)

// Iterator walks the live keys of a snapshot in ascending order. Tombstones
// and shadowed versions are skipped. The snapshot pins its segments until
// Close.
type Iterator struct {
	merged *iterator.Merging
	start  []byte
	end    []byte
	v      *persistence.Version

	key   []byte
	value []byte
	valid bool
	err   error
}

// Scan returns an iterator over [start, end). A nil bound is open. The
// iterator is positioned at the first key; call Close when done.
func (s *Store) Scan(start, end []byte) (*Iterator, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if start != nil && end != nil && bytes.Compare(start, end) >= 0 {
		return nil, invalidArg("scan start must be below end")
	}

	// writeMu freezes the active memtable's contents while it is copied
	s.writeMu.Lock()
	s.stateMu.RLock()
	if s.closed.Load() {
		s.stateMu.RUnlock()
		s.writeMu.Unlock()
		return nil, dberrors.ErrClosed
	}
	children := make([]iterator.Iterator, 0, 1+len(s.imm))
	children = append(children, s.mem.Iterator())
	for _, m := range s.imm {
		children = append(children, m.Iterator())
	}
	v := s.levels.Current()
	s.stateMu.RUnlock()
	s.writeMu.Unlock()

	children = append(children, v.Iterators(start, end)...)

	it := &Iterator{
		merged: iterator.NewMerging(children...),
		start:  clone(start),
		end:    clone(end),
		v:      v,
	}
	it.First()
	return it, nil
}

// First repositions the iterator at the lowest key in range.
func (it *Iterator) First() {
	if it.start != nil {
		it.merged.Seek(it.start)
	} else {
		it.merged.First()
	}
	it.settle()
}

// Seek positions the iterator at the first key >= target within range.
func (it *Iterator) Seek(target []byte) {
	if it.start != nil && bytes.Compare(target, it.start) < 0 {
		target = it.start
	}
	it.merged.Seek(target)
	it.settle()
}

func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	// skip older versions of the current key
	for it.merged.Valid() && bytes.Equal(it.merged.Key(), it.key) {
		it.merged.Next()
	}
	it.settle()
}

// settle moves to the newest version of the next key that is live.
func (it *Iterator) settle() {
	it.valid = false
	for it.merged.Valid() {
		rec := it.merged.Record()
		if it.end != nil && bytes.Compare(rec.Key, it.end) >= 0 {
			break
		}
		if rec.Kind != types.KindTombstone {
			it.key = clone(rec.Key)
			it.value = clone(rec.Value)
			it.valid = true
			return
		}
		key := rec.Key
		for it.merged.Valid() && bytes.Equal(it.merged.Key(), key) {
			it.merged.Next()
		}
	}
	if err := it.merged.Err(); err != nil {
		it.err = readErr("failed to scan", err)
	}
}

func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

func (it *Iterator) Key() []byte { return it.key }

func (it *Iterator) Value() []byte { return it.value }

func (it *Iterator) Err() error { return it.err }

// Close releases the snapshot. It is safe to call more than once.
func (it *Iterator) Close() error {
	if it.v == nil {
		return nil
	}
	err := it.merged.Close()
	err = errors.Join(err, it.v.Unref())
	it.v = nil
	it.valid = false
	return err
}
