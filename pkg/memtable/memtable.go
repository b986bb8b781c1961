package memtable

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrFrozen   = errors.New("memtable is frozen")
	ErrEmptyKey = errors.New("empty key")
)

type concurrentSet = skipmap.FuncMap[[]byte, types.Record]

// Memtable is the in-memory ordered buffer of the newest writes. It keeps one
// version per key, the one with the highest sequence number. Writes are
// expected to be serialized by the caller; reads may run concurrently.
type Memtable struct {
	data      *concurrentSet
	threshold uint64

	size   atomic.Uint64
	minSeq atomic.Uint64
	maxSeq atomic.Uint64
	frozen atomic.Bool

	// walNumber identifies the log file holding this memtable's writes.
	walNumber uint64

	sortedOnce sync.Once
	sorted     []types.Record
}

func New(threshold uint64, walNumber uint64) *Memtable {
	return &Memtable{
		data: skipmap.NewFunc[[]byte, types.Record](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		threshold: threshold,
		walNumber: walNumber,
	}
}

func (mt *Memtable) Put(key, value []byte, seqN types.SeqN) error {
	return mt.Apply(types.Record{Key: key, Value: value, SeqN: seqN, Kind: types.KindValue})
}

// Delete records a tombstone for key.
func (mt *Memtable) Delete(key []byte, seqN types.SeqN) error {
	return mt.Apply(types.Record{Key: key, SeqN: seqN, Kind: types.KindTombstone})
}

// Apply inserts rec unless a newer version of the key is already present.
func (mt *Memtable) Apply(rec types.Record) error {
	if mt.frozen.Load() {
		return ErrFrozen
	}
	if len(rec.Key) == 0 {
		return ErrEmptyKey
	}

	prev, ok := mt.data.Load(rec.Key)
	if ok && prev.SeqN >= rec.SeqN {
		return nil
	}
	mt.data.Store(rec.Key, rec)

	if ok {
		mt.size.Add(rec.Size() - prev.Size())
	} else {
		mt.size.Add(rec.Size())
	}

	mt.minSeq.CompareAndSwap(0, rec.SeqN)
	if rec.SeqN > mt.maxSeq.Load() {
		mt.maxSeq.Store(rec.SeqN)
	}

	return nil
}

// Get returns the newest version of key, which may be a tombstone.
func (mt *Memtable) Get(key []byte) (types.Record, bool) {
	return mt.data.Load(key)
}

func (mt *Memtable) SizeBytes() uint64 { return mt.size.Load() }

func (mt *Memtable) Len() int { return mt.data.Len() }

func (mt *Memtable) Empty() bool { return mt.data.Len() == 0 }

// Full reports whether the memtable has reached its flush threshold.
func (mt *Memtable) Full() bool { return mt.size.Load() >= mt.threshold }

func (mt *Memtable) MinSeq() types.SeqN { return mt.minSeq.Load() }

func (mt *Memtable) MaxSeq() types.SeqN { return mt.maxSeq.Load() }

func (mt *Memtable) WALNumber() uint64 { return mt.walNumber }

// Freeze makes the memtable read-only. It stays readable until its segment
// has been registered.
func (mt *Memtable) Freeze() { mt.frozen.Store(true) }

func (mt *Memtable) Frozen() bool { return mt.frozen.Load() }

// Records returns all entries in key order. For a frozen memtable the result
// is computed once and shared.
func (mt *Memtable) Records() []types.Record {
	if !mt.frozen.Load() {
		return mt.collect()
	}
	mt.sortedOnce.Do(func() {
		mt.sorted = mt.collect()
	})
	return mt.sorted
}

// Iterator returns an ordered, restartable iterator over a point-in-time copy
// of the memtable. Callers iterating an active memtable must keep writers out
// while it is created.
func (mt *Memtable) Iterator() iterator.Iterator {
	return iterator.NewSlice(mt.Records())
}

func (mt *Memtable) collect() []types.Record {
	result := make([]types.Record, 0, mt.data.Len())
	mt.data.Range(func(_ []byte, rec types.Record) bool {
		result = append(result, rec)
		return true
	})
	return result
}
