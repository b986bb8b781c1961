package persistence

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"

	"github.com/google/btree"
)

const btreeDegree = 8

// Table is a segment placed at a level.
type Table struct {
	Level  int
	Gen    uint64
	MinKey []byte
	MaxKey []byte
	*segment.Reader
}

func NewTable(level int, r *segment.Reader) *Table {
	return &Table{
		Level:  level,
		Gen:    r.Generation(),
		MinKey: r.MinKey(),
		MaxKey: r.MaxKey(),
		Reader: r,
	}
}

// Info describes the table for the manifest.
func (t *Table) Info() SegmentInfo {
	return SegmentInfo{
		Generation: t.Gen,
		Level:      t.Level,
		FileName:   filepath.Base(t.Path()),
		Size:       t.Size(),
		Records:    t.Records(),
		MinKey:     t.MinKey,
		MaxKey:     t.MaxKey,
		MinSeq:     t.MinSeq(),
		MaxSeq:     t.MaxSeq(),
	}
}

// Overlaps reports whether the table may hold keys in [start, end).
func (t *Table) Overlaps(start, end []byte) bool {
	if end != nil && bytes.Compare(t.MinKey, end) >= 0 {
		return false
	}
	if start != nil && bytes.Compare(t.MaxKey, start) < 0 {
		return false
	}
	return true
}

// level 0 tables may overlap and are kept newest first
func lessL0(a, b *Table) bool {
	return a.Gen > b.Gen
}

// deeper levels form one sorted run, ordered by smallest key
func lessRun(a, b *Table) bool {
	if c := bytes.Compare(a.MinKey, b.MinKey); c != 0 {
		return c < 0
	}
	return a.Gen < b.Gen
}

func newLevelTree(level int) *btree.BTreeG[*Table] {
	if level == 0 {
		return btree.NewG(btreeDegree, lessL0)
	}
	return btree.NewG(btreeDegree, lessRun)
}

// Version is an immutable snapshot of the live segment set. Readers hold a
// reference for as long as they use it; the tables of a released version
// drop their reference too.
type Version struct {
	levels []*btree.BTreeG[*Table]
	refs   atomic.Int32
}

func newVersion(numLevels int) *Version {
	v := &Version{levels: make([]*btree.BTreeG[*Table], numLevels)}
	for i := range v.levels {
		v.levels[i] = newLevelTree(i)
	}
	return v
}

// derive clones v copy-on-write and applies the change. The new version
// holds a reference to each of its tables and one for the caller.
func (v *Version) derive(added []*Table, removed map[uint64]struct{}) *Version {
	next := &Version{levels: make([]*btree.BTreeG[*Table], len(v.levels))}
	for i, tree := range v.levels {
		next.levels[i] = tree.Clone()
	}

	if len(removed) > 0 {
		for _, tree := range next.levels {
			var drop []*Table
			tree.Ascend(func(t *Table) bool {
				if _, ok := removed[t.Gen]; ok {
					drop = append(drop, t)
				}
				return true
			})
			for _, t := range drop {
				tree.Delete(t)
			}
		}
	}
	for _, t := range added {
		next.levels[t.Level].ReplaceOrInsert(t)
	}

	next.eachTable(func(t *Table) { t.Ref() })
	next.refs.Store(1)

	return next
}

func (v *Version) eachTable(fn func(t *Table)) {
	for _, tree := range v.levels {
		tree.Ascend(func(t *Table) bool {
			fn(t)
			return true
		})
	}
}

func (v *Version) Ref() { v.refs.Add(1) }

// Unref drops a reference. Releasing the last one releases every table.
func (v *Version) Unref() error {
	if v.refs.Add(-1) > 0 {
		return nil
	}
	var errs []error
	v.eachTable(func(t *Table) {
		if err := t.Unref(); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func (v *Version) NumLevels() int { return len(v.levels) }

// Tables returns the tables of a level in search order.
func (v *Version) Tables(level int) []*Table {
	if level >= len(v.levels) {
		return nil
	}
	out := make([]*Table, 0, v.levels[level].Len())
	v.levels[level].Ascend(func(t *Table) bool {
		out = append(out, t)
		return true
	})
	return out
}

func (v *Version) LevelCount(level int) int {
	if level >= len(v.levels) {
		return 0
	}
	return v.levels[level].Len()
}

func (v *Version) LevelBytes(level int) int64 {
	var total int64
	for _, t := range v.Tables(level) {
		total += t.Size()
	}
	return total
}

// DeepestNonEmpty returns the deepest level holding tables, or -1.
func (v *Version) DeepestNonEmpty() int {
	for l := len(v.levels) - 1; l >= 0; l-- {
		if v.levels[l].Len() > 0 {
			return l
		}
	}
	return -1
}

// TotalTables counts tables across all levels.
func (v *Version) TotalTables() int {
	n := 0
	for _, tree := range v.levels {
		n += tree.Len()
	}
	return n
}

// Get searches level 0 newest first, then each deeper level. The first
// version found is the newest; it may be a tombstone.
func (v *Version) Get(key []byte) (types.Record, bool, error) {
	var (
		rec   types.Record
		found bool
		err   error
	)
	v.levels[0].Ascend(func(t *Table) bool {
		if !t.Overlaps(key, nil) || bytes.Compare(key, t.MinKey) < 0 {
			return true
		}
		rec, found, err = t.Get(key)
		return !found && err == nil
	})
	if found || err != nil {
		return rec, found, err
	}

	pivot := &Table{MinKey: key, Gen: math.MaxUint64}
	for l := 1; l < len(v.levels); l++ {
		var candidate *Table
		v.levels[l].DescendLessOrEqual(pivot, func(t *Table) bool {
			candidate = t
			return false
		})
		if candidate == nil || bytes.Compare(key, candidate.MaxKey) > 0 {
			continue
		}
		rec, found, err = candidate.Get(key)
		if found || err != nil {
			return rec, found, err
		}
	}

	return types.Record{}, false, nil
}

// Iterators returns one iterator per table overlapping [start, end), newest
// source first, ready to be merged.
func (v *Version) Iterators(start, end []byte) []iterator.Iterator {
	var its []iterator.Iterator
	for _, tree := range v.levels {
		tree.Ascend(func(t *Table) bool {
			if t.Overlaps(start, end) {
				its = append(its, t.Scan(start, end))
			}
			return true
		})
	}
	return its
}
