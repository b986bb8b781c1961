package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"lsmkv/pkg/types"
)

// File layout, little endian:
//
//	header : magic (8) | version u32
//	blocks : codec u8 | rawLen u32 | storedLen u32 | checksum u64 | stored bytes
//	bloom  : see bloom.go
//	index  : count u32 | count x (keyLen uvarint | firstKey | offset u64 | length u32) | lastKeyLen uvarint | lastKey
//	footer : bloomOffset u64 | bloomLen u32 | indexOffset u64 | indexLen u32 |
//	         records u64 | minSeq u64 | maxSeq u64 | metaChecksum u64 | magic (8)
//
// Block checksums are xxh3 over the stored bytes. metaChecksum is xxh3 over
// bloom, index and the footer fields preceding it.
const (
	magic         = "LSMKVSEG"
	formatVersion = uint32(1)

	headerSize      = len(magic) + 4
	blockHeaderSize = 1 + 4 + 4 + 8
	footerSize      = 8 + 4 + 8 + 4 + 8 + 8 + 8 + 8 + len(magic)

	fileSuffix = ".seg"
	tmpSuffix  = ".tmp"
)

var (
	errOutOfOrder = errors.New("keys must be added in strictly increasing order")
	errEmptyKey   = errors.New("empty key")
)

// FileName returns the on-disk name of the segment with generation gen.
func FileName(gen uint64) string {
	return fmt.Sprintf("%06d%s", gen, fileSuffix)
}

// ParseFileName extracts the generation from a segment file name.
func ParseFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	gen, err := strconv.ParseUint(strings.TrimSuffix(name, fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// IsTempFile reports whether name is a segment still being written.
func IsTempFile(name string) bool {
	return strings.HasSuffix(name, fileSuffix+tmpSuffix)
}

// Meta summarizes a finished segment.
type Meta struct {
	Path    string
	Size    int64
	Records uint64
	Blocks  int
	MinKey  []byte
	MaxKey  []byte
	MinSeq  types.SeqN
	MaxSeq  types.SeqN
}

type footer struct {
	bloomOffset  uint64
	bloomLen     uint32
	indexOffset  uint64
	indexLen     uint32
	records      uint64
	minSeq       uint64
	maxSeq       uint64
	metaChecksum uint64
}

// fields returns the encoded footer up to, not including, metaChecksum.
func (f footer) fields() []byte {
	b := make([]byte, 0, footerSize)
	b = binary.LittleEndian.AppendUint64(b, f.bloomOffset)
	b = binary.LittleEndian.AppendUint32(b, f.bloomLen)
	b = binary.LittleEndian.AppendUint64(b, f.indexOffset)
	b = binary.LittleEndian.AppendUint32(b, f.indexLen)
	b = binary.LittleEndian.AppendUint64(b, f.records)
	b = binary.LittleEndian.AppendUint64(b, f.minSeq)
	b = binary.LittleEndian.AppendUint64(b, f.maxSeq)
	return b
}

func (f footer) encode() []byte {
	b := f.fields()
	b = binary.LittleEndian.AppendUint64(b, f.metaChecksum)
	return append(b, magic...)
}

func decodeFooter(b []byte) (footer, error) {
	var f footer
	if len(b) != footerSize {
		return f, fmt.Errorf("footer size %d", len(b))
	}
	if string(b[footerSize-len(magic):]) != magic {
		return f, errors.New("bad footer magic")
	}
	f.bloomOffset = binary.LittleEndian.Uint64(b[0:])
	f.bloomLen = binary.LittleEndian.Uint32(b[8:])
	f.indexOffset = binary.LittleEndian.Uint64(b[12:])
	f.indexLen = binary.LittleEndian.Uint32(b[20:])
	f.records = binary.LittleEndian.Uint64(b[24:])
	f.minSeq = binary.LittleEndian.Uint64(b[32:])
	f.maxSeq = binary.LittleEndian.Uint64(b[40:])
	f.metaChecksum = binary.LittleEndian.Uint64(b[48:])
	return f, nil
}

func encodeHeader() []byte {
	b := make([]byte, 0, headerSize)
	b = append(b, magic...)
	return binary.LittleEndian.AppendUint32(b, formatVersion)
}

func checkHeader(b []byte) error {
	if len(b) != headerSize || string(b[:len(magic)]) != magic {
		return errors.New("bad header magic")
	}
	if v := binary.LittleEndian.Uint32(b[len(magic):]); v != formatVersion {
		return fmt.Errorf("unsupported format version %d", v)
	}
	return nil
}

func appendRecord(dst []byte, rec types.Record) []byte {
	dst = append(dst, byte(rec.Kind))
	dst = binary.LittleEndian.AppendUint64(dst, rec.SeqN)
	dst = binary.AppendUvarint(dst, uint64(len(rec.Key)))
	dst = append(dst, rec.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(rec.Value)))
	return append(dst, rec.Value...)
}

// decodeRecords parses a raw block. The returned records alias raw.
func decodeRecords(raw []byte) ([]types.Record, error) {
	var recs []types.Record
	for len(raw) > 0 {
		if len(raw) < 1+8 {
			return nil, errors.New("truncated record header")
		}
		rec := types.Record{
			Kind: types.Kind(raw[0]),
			SeqN: binary.LittleEndian.Uint64(raw[1:]),
		}
		if !rec.Kind.Valid() {
			return nil, fmt.Errorf("unknown record kind %d", rec.Kind)
		}
		raw = raw[9:]

		keyLen, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < keyLen {
			return nil, errors.New("bad key length")
		}
		rec.Key = raw[n : n+int(keyLen)]
		raw = raw[n+int(keyLen):]

		valLen, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < valLen {
			return nil, errors.New("bad value length")
		}
		if valLen > 0 {
			rec.Value = raw[n : n+int(valLen)]
		}
		raw = raw[n+int(valLen):]

		recs = append(recs, rec)
	}
	return recs, nil
}

type indexEntry struct {
	firstKey []byte
	offset   uint64
	length   uint32
}

func encodeIndex(entries []indexEntry, lastKey []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for _, e := range entries {
		b = binary.AppendUvarint(b, uint64(len(e.firstKey)))
		b = append(b, e.firstKey...)
		b = binary.LittleEndian.AppendUint64(b, e.offset)
		b = binary.LittleEndian.AppendUint32(b, e.length)
	}
	b = binary.AppendUvarint(b, uint64(len(lastKey)))
	return append(b, lastKey...)
}

func decodeIndex(b []byte) ([]indexEntry, []byte, error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated index")
	}
	count := binary.LittleEndian.Uint32(b)
	b = b[4:]

	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		keyLen, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < keyLen+12 {
			return nil, nil, fmt.Errorf("truncated index entry %d", i)
		}
		b = b[n:]
		e := indexEntry{firstKey: append([]byte(nil), b[:keyLen]...)}
		b = b[keyLen:]
		e.offset = binary.LittleEndian.Uint64(b)
		e.length = binary.LittleEndian.Uint32(b[8:])
		b = b[12:]
		entries = append(entries, e)
	}

	lastLen, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b)-n) != lastLen {
		return nil, nil, errors.New("bad last key")
	}
	lastKey := append([]byte(nil), b[n:]...)

	return entries, lastKey, nil
}
