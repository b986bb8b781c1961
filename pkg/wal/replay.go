package wal

import (
	"encoding/binary"
	"fmt"
	"os"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"
)

// ReplayResult describes what Replay found in a log file.
type ReplayResult struct {
	Records    int
	MaxSeq     types.SeqN
	ValidBytes int64
	// Torn is set when an incomplete tail was discarded. DiscardedBytes is
	// how much of the file was cut off.
	Torn           bool
	DiscardedBytes int64
}

// Replay decodes every entry of the log at path in order and hands it to fn.
//
// An incomplete final entry, a final entry failing its checksum, or a
// zero-filled tail is a torn write from a crash: replay stops at the last
// valid entry and the file is truncated there. A damaged entry that is
// followed by further data is reported as dberrors.ErrCorruption.
func Replay(path string, fn func(types.Record) error) (ReplayResult, error) {
	var res ReplayResult

	data, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("failed to read WAL %s: %w", path, err)
	}

	var (
		off     int
		lastSeq types.SeqN
	)
	for off < len(data) {
		rest := data[off:]

		if len(rest) < frameHeaderSize {
			res.Torn = true
			break
		}

		payloadLen := int(binary.LittleEndian.Uint32(rest))
		checksum := binary.LittleEndian.Uint64(rest[4:])

		if payloadLen == 0 && checksum == 0 && allZero(rest) {
			res.Torn = true
			break
		}
		if payloadLen > MaxPayloadSize || payloadLen > len(rest)-frameHeaderSize {
			// a crash only tears the last append
			if frameFollows(rest[1:]) {
				return res, fmt.Errorf("%w: WAL %s: bad entry length %d at offset %d", dberrors.ErrCorruption, path, payloadLen, off)
			}
			res.Torn = true
			break
		}

		end := frameHeaderSize + payloadLen
		payload := rest[frameHeaderSize:end]
		if frameChecksum(rest[:4], payload) != checksum {
			if end == len(rest) || allZero(rest[end:]) {
				res.Torn = true
				break
			}
			return res, fmt.Errorf("%w: WAL %s: checksum mismatch at offset %d", dberrors.ErrCorruption, path, off)
		}

		rec, err := decodePayload(payload)
		if err != nil {
			return res, fmt.Errorf("%w: WAL %s at offset %d: %w", dberrors.ErrCorruption, path, off, err)
		}
		if rec.SeqN <= lastSeq {
			return res, fmt.Errorf("%w: WAL %s: sequence %d after %d", dberrors.ErrCorruption, path, rec.SeqN, lastSeq)
		}
		lastSeq = rec.SeqN

		if err := fn(rec); err != nil {
			return res, fmt.Errorf("WAL replay callback failed: %w", err)
		}

		res.Records++
		res.MaxSeq = rec.SeqN
		off += end
	}
	res.ValidBytes = int64(off)

	if res.Torn {
		res.DiscardedBytes = int64(len(data) - off)
		if err := os.Truncate(path, int64(off)); err != nil {
			return res, fmt.Errorf("failed to truncate torn WAL %s: %w", path, err)
		}
	}

	return res, nil
}

// frameFollows reports whether a verifiable frame starts anywhere in b.
func frameFollows(b []byte) bool {
	for i := 0; i+frameHeaderSize+minPayloadSize <= len(b); i++ {
		if validFrame(b[i:]) {
			return true
		}
	}
	return false
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
