package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"

	"github.com/zeebo/xxh3"
)

// Reader serves point lookups and range scans from one segment file.
// It is safe for concurrent use.
//
// Readers are reference counted: Open returns a reader holding one
// reference. When the last reference is dropped the file is closed, and
// removed from disk if the segment was marked obsolete.
type Reader struct {
	file  *os.File
	path  string
	gen   uint64
	size  int64
	cache  *BlockCache
	logger *slog.Logger

	index  []indexEntry
	bloom  *bloomFilter
	minKey []byte
	maxKey []byte
	ftr    footer

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open validates the segment at path. Structural damage is reported as
// dberrors.ErrCorruption. A nil logger means slog.Default().
func Open(path string, gen uint64, cache *BlockCache, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}

	r := &Reader{file: file, path: path, gen: gen, cache: cache, logger: logger}
	if err := r.load(); err != nil {
		if cerr := file.Close(); cerr != nil {
			logger.Warn("failed to close segment", "path", path, "error", cerr)
		}
		return nil, err
	}
	r.refs.Store(1)

	return r, nil
}

func (r *Reader) corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: segment %s: %s", dberrors.ErrCorruption, r.path, fmt.Sprintf(format, args...))
}

func (r *Reader) load() error {
	st, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat segment %s: %w", r.path, err)
	}
	r.size = st.Size()
	if r.size < int64(headerSize+footerSize) {
		return r.corrupt("file too small (%d bytes)", r.size)
	}

	hdr := make([]byte, headerSize)
	if _, err := r.file.ReadAt(hdr, 0); err != nil {
		return fmt.Errorf("failed to read segment header: %w", err)
	}
	if err := checkHeader(hdr); err != nil {
		return r.corrupt("%v", err)
	}

	buf := make([]byte, footerSize)
	if _, err := r.file.ReadAt(buf, r.size-int64(footerSize)); err != nil {
		return fmt.Errorf("failed to read segment footer: %w", err)
	}
	f, err := decodeFooter(buf)
	if err != nil {
		return r.corrupt("%v", err)
	}

	metaEnd := uint64(r.size) - uint64(footerSize)
	if f.bloomOffset < uint64(headerSize) ||
		f.indexOffset != f.bloomOffset+uint64(f.bloomLen) ||
		f.indexOffset+uint64(f.indexLen) != metaEnd {
		return r.corrupt("footer offsets out of range")
	}

	meta := make([]byte, metaEnd-f.bloomOffset)
	if _, err := r.file.ReadAt(meta, int64(f.bloomOffset)); err != nil {
		return fmt.Errorf("failed to read segment metadata: %w", err)
	}
	h := xxh3.New()
	_, _ = h.Write(meta)
	_, _ = h.Write(f.fields())
	if h.Sum64() != f.metaChecksum {
		return r.corrupt("metadata checksum mismatch")
	}

	r.bloom, err = decodeBloomFilter(meta[:f.bloomLen])
	if err != nil {
		return r.corrupt("%v", err)
	}
	r.index, r.maxKey, err = decodeIndex(meta[f.bloomLen:])
	if err != nil {
		return r.corrupt("%v", err)
	}
	for i, e := range r.index {
		if e.offset < uint64(headerSize) || e.offset+uint64(e.length) > f.bloomOffset {
			return r.corrupt("index entry %d out of range", i)
		}
	}
	if len(r.index) > 0 {
		r.minKey = r.index[0].firstKey
	}
	r.ftr = f

	return nil
}

func (r *Reader) Generation() uint64 { return r.gen }

func (r *Reader) Path() string { return r.path }

func (r *Reader) Size() int64 { return r.size }

func (r *Reader) Records() uint64 { return r.ftr.records }

func (r *Reader) MinKey() []byte { return r.minKey }

func (r *Reader) MaxKey() []byte { return r.maxKey }

func (r *Reader) MinSeq() types.SeqN { return r.ftr.minSeq }

func (r *Reader) MaxSeq() types.SeqN { return r.ftr.maxSeq }

// Meta describes the segment the same way Writer.Finish does.
func (r *Reader) Meta() Meta {
	return Meta{
		Path:    r.path,
		Size:    r.size,
		Records: r.ftr.records,
		Blocks:  len(r.index),
		MinKey:  r.minKey,
		MaxKey:  r.maxKey,
		MinSeq:  r.ftr.minSeq,
		MaxSeq:  r.ftr.maxSeq,
	}
}

// Get looks key up. A missing key is (zero, false, nil); the returned record
// may be a tombstone.
func (r *Reader) Get(key []byte) (types.Record, bool, error) {
	if len(r.index) == 0 ||
		bytes.Compare(key, r.minKey) < 0 ||
		bytes.Compare(key, r.maxKey) > 0 ||
		!r.bloom.mayContain(key) {
		return types.Record{}, false, nil
	}

	// last block whose first key is <= key
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey, key) > 0
	}) - 1
	if i < 0 {
		return types.Record{}, false, nil
	}

	recs, err := r.readBlock(i)
	if err != nil {
		return types.Record{}, false, err
	}

	j := sort.Search(len(recs), func(j int) bool {
		return bytes.Compare(recs[j].Key, key) >= 0
	})
	if j < len(recs) && bytes.Equal(recs[j].Key, key) {
		return recs[j], true, nil
	}

	return types.Record{}, false, nil
}

// Scan iterates over keys in [start, end). A nil bound is open.
func (r *Reader) Scan(start, end []byte) iterator.Iterator {
	return &segmentIterator{r: r, start: start, end: end, block: -1}
}

// Iterator iterates over the whole segment.
func (r *Reader) Iterator() iterator.Iterator {
	return r.Scan(nil, nil)
}

func (r *Reader) readBlock(i int) ([]types.Record, error) {
	e := r.index[i]
	key := cacheKey{gen: r.gen, offset: e.offset}
	if recs, ok := r.cache.get(key); ok {
		return recs, nil
	}

	buf := make([]byte, e.length)
	if _, err := r.file.ReadAt(buf, int64(e.offset)); err != nil {
		if err == io.EOF {
			return nil, r.corrupt("block %d truncated", i)
		}
		return nil, fmt.Errorf("%w: failed to read block %d of %s: %w", dberrors.ErrRead, i, r.path, err)
	}
	if len(buf) < blockHeaderSize {
		return nil, r.corrupt("block %d too small", i)
	}

	codec := compression.Type(buf[0])
	rawLen := binary.LittleEndian.Uint32(buf[1:])
	storedLen := binary.LittleEndian.Uint32(buf[5:])
	checksum := binary.LittleEndian.Uint64(buf[9:])
	stored := buf[blockHeaderSize:]

	if int(storedLen) != len(stored) {
		return nil, r.corrupt("block %d length mismatch", i)
	}
	if xxh3.Hash(stored) != checksum {
		return nil, r.corrupt("block %d checksum mismatch", i)
	}
	if !codec.Valid() {
		return nil, r.corrupt("block %d unknown codec %d", i, codec)
	}

	raw, err := compression.Decompress(codec, stored)
	if err != nil {
		return nil, r.corrupt("block %d: %v", i, err)
	}
	if len(raw) != int(rawLen) {
		return nil, r.corrupt("block %d decoded to %d bytes, want %d", i, len(raw), rawLen)
	}

	recs, err := decodeRecords(raw)
	if err != nil {
		return nil, r.corrupt("block %d: %v", i, err)
	}
	r.cache.set(key, recs)

	return recs, nil
}

// Ref takes an additional reference.
func (r *Reader) Ref() { r.refs.Add(1) }

// Unref drops a reference, closing the reader on the last one.
func (r *Reader) Unref() error {
	n := r.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic(fmt.Sprintf("segment %s: negative reference count", r.path))
	}

	err := r.file.Close()
	if r.obsolete.Load() {
		r.cache.evictGeneration(r.gen)
		if rerr := os.Remove(r.path); rerr != nil && !os.IsNotExist(rerr) {
			return fmt.Errorf("failed to remove obsolete segment %s: %w", r.path, rerr)
		}
		r.logger.Debug("removed obsolete segment", "path", r.path)
	}
	if err != nil {
		return fmt.Errorf("failed to close segment %s: %w", r.path, err)
	}
	return nil
}

// MarkObsolete schedules the file for deletion once no reference remains.
func (r *Reader) MarkObsolete() { r.obsolete.Store(true) }

// Close drops the opener's reference.
func (r *Reader) Close() error { return r.Unref() }
