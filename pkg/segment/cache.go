package segment

import (
	"sync"
	"sync/atomic"

	"lsmkv/pkg/types"
)

type cacheKey struct {
	gen    uint64
	offset uint64
}

// BlockCache is an LRU of decoded blocks shared by all readers of a store.
// A nil *BlockCache disables caching.
type BlockCache struct {
	mu       sync.Mutex
	capacity int
	items    map[cacheKey]*cacheItem
	head     *cacheItem
	tail     *cacheItem

	hits   atomic.Uint64
	misses atomic.Uint64
}

type cacheItem struct {
	key  cacheKey
	recs []types.Record
	prev *cacheItem
	next *cacheItem
}

// NewBlockCache returns nil when capacity is not positive.
func NewBlockCache(capacity int) *BlockCache {
	if capacity <= 0 {
		return nil
	}
	return &BlockCache{
		capacity: capacity,
		items:    make(map[cacheKey]*cacheItem, capacity),
	}
}

func (bc *BlockCache) get(key cacheKey) ([]types.Record, bool) {
	if bc == nil {
		return nil, false
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	item, found := bc.items[key]
	if !found {
		bc.misses.Add(1)
		return nil, false
	}
	bc.hits.Add(1)
	bc.moveToHead(item)

	return item.recs, true
}

func (bc *BlockCache) set(key cacheKey, recs []types.Record) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if item, found := bc.items[key]; found {
		item.recs = recs
		bc.moveToHead(item)
		return
	}

	item := &cacheItem{key: key, recs: recs}
	bc.addToHead(item)
	bc.items[key] = item

	if len(bc.items) > bc.capacity {
		bc.evictLRU()
	}
}

// evictGeneration drops every block of a deleted segment.
func (bc *BlockCache) evictGeneration(gen uint64) {
	if bc == nil {
		return
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for key, item := range bc.items {
		if key.gen == gen {
			bc.unlink(item)
			delete(bc.items, key)
		}
	}
}

// Stats returns hit and miss counters.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	if bc == nil {
		return 0, 0
	}
	return bc.hits.Load(), bc.misses.Load()
}

func (bc *BlockCache) Len() int {
	if bc == nil {
		return 0
	}
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return len(bc.items)
}

func (bc *BlockCache) moveToHead(item *cacheItem) {
	if item == bc.head {
		return
	}
	bc.unlink(item)
	bc.addToHead(item)
}

func (bc *BlockCache) unlink(item *cacheItem) {
	if item.prev != nil {
		item.prev.next = item.next
	} else {
		bc.head = item.next
	}
	if item.next != nil {
		item.next.prev = item.prev
	} else {
		bc.tail = item.prev
	}
	item.prev, item.next = nil, nil
}

func (bc *BlockCache) addToHead(item *cacheItem) {
	item.prev = nil
	item.next = bc.head
	if bc.head != nil {
		bc.head.prev = item
	}
	bc.head = item
	if bc.tail == nil {
		bc.tail = item
	}
}

func (bc *BlockCache) evictLRU() {
	if bc.tail == nil {
		return
	}
	victim := bc.tail
	bc.unlink(victim)
	delete(bc.items, victim.key)
}
