package segment

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"lsmkv/internal/fsutil"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/types"

	"github.com/zeebo/xxh3"
)

type Options struct {
	// IndexInterval is the number of records per block; the sparse index
	// holds one key per block.
	IndexInterval int
	Compression   compression.Type
	BloomFPRate   float64
}

// Writer builds a segment file from records added in key order.
//
// Records go to <path>.tmp; Finish makes the file durable and renames it to
// path. A segment is not part of the database until the manifest registers it.
type Writer struct {
	opts    Options
	path    string
	tmpPath string
	file    *os.File
	bw      *bufio.Writer

	offset  uint64
	block   []byte
	inBlock int
	scratch []byte

	index     []indexEntry
	hashes    []uint64
	firstKey  []byte
	lastKey   []byte
	records   uint64
	minSeq    types.SeqN
	maxSeq    types.SeqN
	finished  bool
}

func Create(path string, opts Options) (*Writer, error) {
	if opts.IndexInterval < 1 {
		return nil, errors.New("index interval must be positive")
	}
	if opts.BloomFPRate <= 0 || opts.BloomFPRate >= 1 {
		opts.BloomFPRate = 0.01
	}

	tmpPath := path + tmpSuffix
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file: %w", err)
	}

	w := &Writer{
		opts:    opts,
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		bw:      bufio.NewWriterSize(file, 64<<10),
		minSeq:  math.MaxUint64,
	}

	if err := w.write(encodeHeader()); err != nil {
		_ = w.Abort()
		return nil, err
	}

	return w, nil
}

// Add appends rec. Keys must be strictly increasing.
func (w *Writer) Add(rec types.Record) error {
	if w.finished {
		return errors.New("segment writer already finished")
	}
	if len(rec.Key) == 0 {
		return errEmptyKey
	}
	if w.records > 0 && bytes.Compare(rec.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", errOutOfOrder, rec.Key, w.lastKey)
	}

	if w.inBlock == 0 {
		w.index = append(w.index, indexEntry{
			firstKey: append([]byte(nil), rec.Key...),
			offset:   w.offset,
		})
	}
	w.block = appendRecord(w.block, rec)
	w.inBlock++

	w.hashes = append(w.hashes, bloomHash(rec.Key))
	w.lastKey = append(w.lastKey[:0], rec.Key...)
	if w.records == 0 {
		w.firstKey = append([]byte(nil), rec.Key...)
	}
	w.records++
	w.minSeq = min(w.minSeq, rec.SeqN)
	w.maxSeq = max(w.maxSeq, rec.SeqN)

	if w.inBlock >= w.opts.IndexInterval {
		return w.flushBlock()
	}
	return nil
}

// EstimatedSize approximates the final file size, used to split compaction output.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(len(w.block)) + int64(len(w.hashes))*2
}

func (w *Writer) Records() uint64 { return w.records }

func (w *Writer) flushBlock() error {
	if w.inBlock == 0 {
		return nil
	}

	stored, err := compression.Compress(w.opts.Compression, w.block)
	if err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	codec := w.opts.Compression
	if codec != compression.None && len(stored) >= len(w.block) {
		stored, codec = w.block, compression.None
	}

	hdr := w.scratch[:0]
	hdr = append(hdr, byte(codec))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(w.block)))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(stored)))
	hdr = binary.LittleEndian.AppendUint64(hdr, xxh3.Hash(stored))
	w.scratch = hdr

	if err := w.write(hdr); err != nil {
		return err
	}
	if err := w.write(stored); err != nil {
		return err
	}

	w.index[len(w.index)-1].length = uint32(blockHeaderSize + len(stored))
	w.block = w.block[:0]
	w.inBlock = 0

	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.bw.Write(b)
	w.offset += uint64(n)
	if err != nil {
		return fmt.Errorf("failed to write segment: %w", err)
	}
	return nil
}

// Finish writes the metadata, makes the file durable and moves it into place.
func (w *Writer) Finish() (Meta, error) {
	if w.finished {
		return Meta{}, errors.New("segment writer already finished")
	}
	w.finished = true

	meta, err := w.finish()
	if err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmpPath)
		return Meta{}, err
	}
	return meta, nil
}

func (w *Writer) finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	// data blocks first, so metadata never points at bytes that are not on disk
	if err := w.bw.Flush(); err != nil {
		return Meta{}, fmt.Errorf("failed to flush segment data: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Meta{}, fmt.Errorf("failed to sync segment data: %w", err)
	}

	bloom := newBloomFilter(len(w.hashes), w.opts.BloomFPRate)
	for _, h := range w.hashes {
		bloom.addHash(h)
	}
	bloomBytes := bloom.encode()
	indexBytes := encodeIndex(w.index, w.lastKey)

	minSeq := w.minSeq
	if w.records == 0 {
		minSeq = 0
	}
	f := footer{
		bloomOffset: w.offset,
		bloomLen:    uint32(len(bloomBytes)),
		indexOffset: w.offset + uint64(len(bloomBytes)),
		indexLen:    uint32(len(indexBytes)),
		records:     w.records,
		minSeq:      minSeq,
		maxSeq:      w.maxSeq,
	}
	h := xxh3.New()
	_, _ = h.Write(bloomBytes)
	_, _ = h.Write(indexBytes)
	_, _ = h.Write(f.fields())
	f.metaChecksum = h.Sum64()

	for _, b := range [][]byte{bloomBytes, indexBytes, f.encode()} {
		if err := w.write(b); err != nil {
			return Meta{}, err
		}
	}
	if err := w.bw.Flush(); err != nil {
		return Meta{}, fmt.Errorf("failed to flush segment metadata: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Meta{}, fmt.Errorf("failed to sync segment metadata: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return Meta{}, fmt.Errorf("failed to close segment: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		return Meta{}, fmt.Errorf("failed to rename segment: %w", err)
	}
	if err := fsutil.SyncDir(filepath.Dir(w.path)); err != nil {
		return Meta{}, err
	}

	return Meta{
		Path:    w.path,
		Size:    int64(w.offset),
		Records: w.records,
		Blocks:  len(w.index),
		MinKey:  w.firstKey,
		MaxKey:  append([]byte(nil), w.lastKey...),
		MinSeq:  minSeq,
		MaxSeq:  w.maxSeq,
	}, nil
}

// Abort discards an unfinished segment.
func (w *Writer) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true

	cerr := w.file.Close()
	if err := fsutil.RemoveIfExists(w.tmpPath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", w.tmpPath, err)
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		return fmt.Errorf("failed to close %s: %w", w.tmpPath, cerr)
	}
	return nil
}
