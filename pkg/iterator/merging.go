package iterator

import (
	"container/heap"
	"errors"

	"lsmkv/pkg/types"
)

// Merging combines several sorted iterators into one stream ordered by key
// ascending, then sequence number descending. All versions of a key are
// yielded; callers that want only the newest skip the rest.
//
// Children are given newest source first. When two entries compare equal the
// one from the lower child index wins.
type Merging struct {
	children []Iterator
	h        mergeHeap
	err      error
}

func NewMerging(children ...Iterator) *Merging {
	return &Merging{children: children}
}

func (m *Merging) First() {
	for _, c := range m.children {
		c.First()
	}
	m.rebuild()
}

func (m *Merging) Seek(target types.Key) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.rebuild()
}

func (m *Merging) Next() {
	if len(m.h) == 0 {
		return
	}
	top := m.h[0]
	top.it.Next()
	if top.it.Valid() {
		heap.Fix(&m.h, 0)
		return
	}
	if err := top.it.Err(); err != nil {
		m.err = err
		m.h = m.h[:0]
		return
	}
	heap.Pop(&m.h)
}

func (m *Merging) Valid() bool { return m.err == nil && len(m.h) > 0 }

func (m *Merging) Key() types.Key { return m.h[0].it.Key() }

func (m *Merging) Value() types.Value { return m.h[0].it.Value() }

func (m *Merging) Record() types.Record { return m.h[0].it.Record() }

func (m *Merging) Err() error { return m.err }

func (m *Merging) Close() error {
	var errs []error
	for _, c := range m.children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.h = nil
	return errors.Join(errs...)
}

func (m *Merging) rebuild() {
	m.err = nil
	m.h = m.h[:0]
	for i, c := range m.children {
		if c.Valid() {
			m.h = append(m.h, &heapItem{it: c, idx: i})
			continue
		}
		if err := c.Err(); err != nil {
			m.err = err
			m.h = m.h[:0]
			return
		}
	}
	heap.Init(&m.h)
}

type heapItem struct {
	it  Iterator
	idx int
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := types.Compare(h[i].it.Record(), h[j].it.Record()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
