package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"lsmkv/pkg/types"

	"github.com/zeebo/xxh3"
)

// Frame layout, little endian:
//
//	payloadLen u32 | checksum u64 | payload
//	payload = seq u64 | kind u8 | keyLen uvarint | key | valLen uvarint | value
//
// checksum is xxh3 over payloadLen and payload, so a damaged length field
// fails verification like a damaged payload.
const (
	frameHeaderSize = 4 + 8
	minPayloadSize  = 8 + 1 + 1 + 1
	// MaxPayloadSize bounds a single entry. Larger length fields are damage.
	MaxPayloadSize = 256 << 20
)

var errMalformedPayload = errors.New("malformed WAL payload")

func appendFrame(dst []byte, rec types.Record) ([]byte, error) {
	if len(rec.Key) == 0 {
		return dst, errors.New("empty key")
	}

	payloadLen := 8 + 1 +
		uvarintLen(uint64(len(rec.Key))) + len(rec.Key) +
		uvarintLen(uint64(len(rec.Value))) + len(rec.Value)
	if payloadLen > MaxPayloadSize {
		return dst, fmt.Errorf("entry too large: %d bytes", payloadLen)
	}

	start := len(dst)
	dst = append(dst, make([]byte, frameHeaderSize)...)

	dst = binary.LittleEndian.AppendUint64(dst, rec.SeqN)
	dst = append(dst, byte(rec.Kind))
	dst = binary.AppendUvarint(dst, uint64(len(rec.Key)))
	dst = append(dst, rec.Key...)
	dst = binary.AppendUvarint(dst, uint64(len(rec.Value)))
	dst = append(dst, rec.Value...)

	payload := dst[start+frameHeaderSize:]
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(payload)))
	binary.LittleEndian.PutUint64(dst[start+4:], frameChecksum(dst[start:start+4], payload))

	return dst, nil
}

func frameChecksum(lenField, payload []byte) uint64 {
	h := xxh3.New()
	_, _ = h.Write(lenField)
	_, _ = h.Write(payload)
	return h.Sum64()
}

// validFrame reports whether b starts with a complete frame whose checksum
// verifies.
func validFrame(b []byte) bool {
	if len(b) < frameHeaderSize+minPayloadSize {
		return false
	}
	payloadLen := int(binary.LittleEndian.Uint32(b))
	if payloadLen < minPayloadSize || payloadLen > MaxPayloadSize || payloadLen > len(b)-frameHeaderSize {
		return false
	}
	checksum := binary.LittleEndian.Uint64(b[4:])
	return frameChecksum(b[:4], b[frameHeaderSize:frameHeaderSize+payloadLen]) == checksum
}

func decodePayload(payload []byte) (types.Record, error) {
	var rec types.Record
	if len(payload) < minPayloadSize {
		return rec, errMalformedPayload
	}

	rec.SeqN = binary.LittleEndian.Uint64(payload)
	rec.Kind = types.Kind(payload[8])
	if !rec.Kind.Valid() {
		return rec, fmt.Errorf("%w: unknown kind %d", errMalformedPayload, rec.Kind)
	}
	rest := payload[9:]

	keyLen, n := binary.Uvarint(rest)
	if n <= 0 || keyLen == 0 || uint64(len(rest)-n) < keyLen {
		return rec, fmt.Errorf("%w: bad key length", errMalformedPayload)
	}
	rest = rest[n:]
	rec.Key = append([]byte(nil), rest[:keyLen]...)
	rest = rest[keyLen:]

	valLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) != valLen {
		return rec, fmt.Errorf("%w: bad value length", errMalformedPayload)
	}
	rest = rest[n:]
	if valLen > 0 {
		rec.Value = append([]byte(nil), rest...)
	}

	return rec, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
