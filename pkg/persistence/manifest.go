package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"lsmkv/internal/fsutil"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/types"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/zeebo/xxh3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	ManifestFileName      = "MANIFEST"
	manifestFormatVersion = 1
)

// Manifest is the durable record of which segments make up the database.
// Every change is a whole-file atomic replace, so a crash leaves either the
// old or the new state on disk.
type Manifest struct {
	mu       sync.Mutex
	filePath string
	metadata ManifestData
}

// ManifestData represents the manifest data
type ManifestData struct {
	DBID           string        `json:"db_id"`
	FormatVersion  int           `json:"format_version"`
	NextGeneration uint64        `json:"next_generation"`
	LogNumber      uint64        `json:"log_number"`
	LastFlushedSeq types.SeqN    `json:"last_flushed_seq"`
	Segments       []SegmentInfo `json:"segments"`
}

// SegmentInfo describes one registered segment file.
type SegmentInfo struct {
	Generation uint64     `json:"generation"`
	Level      int        `json:"level"`
	FileName   string     `json:"file"`
	Size       int64      `json:"size"`
	Records    uint64     `json:"records"`
	MinKey     []byte     `json:"min_key"`
	MaxKey     []byte     `json:"max_key"`
	MinSeq     types.SeqN `json:"min_seq"`
	MaxSeq     types.SeqN `json:"max_seq"`
}

type manifestEnvelope struct {
	Checksum uint64              `json:"checksum"`
	Data     jsoniter.RawMessage `json:"data"`
}

// Edit is one atomic change to the manifest.
type Edit struct {
	Added   []SegmentInfo
	Removed []uint64
	// LastFlushedSeq and LogNumber only move forward; zero leaves them as is.
	LastFlushedSeq types.SeqN
	LogNumber      uint64
}

// LoadManifest reads the manifest in dir, creating a fresh one if absent.
// A manifest that fails its checksum or does not parse is
// dberrors.ErrCorruption.
func LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{filePath: filepath.Join(dir, ManifestFileName)}

	raw, err := os.ReadFile(m.filePath)
	if errors.Is(err, os.ErrNotExist) {
		m.metadata = ManifestData{
			DBID:           uuid.NewString(),
			FormatVersion:  manifestFormatVersion,
			NextGeneration: 1,
			Segments:       []SegmentInfo{},
		}
		if err := m.save(m.metadata); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var env manifestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %w", dberrors.ErrCorruption, err)
	}
	if xxh3.Hash(env.Data) != env.Checksum {
		return nil, fmt.Errorf("%w: manifest checksum mismatch", dberrors.ErrCorruption)
	}
	if err := json.Unmarshal(env.Data, &m.metadata); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest data: %w", dberrors.ErrCorruption, err)
	}
	if m.metadata.FormatVersion != manifestFormatVersion {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", dberrors.ErrCorruption, m.metadata.FormatVersion)
	}

	return m, nil
}

func (m *Manifest) save(data ManifestData) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	// no indentation: the data bytes must reach disk exactly as checksummed
	out, err := json.Marshal(manifestEnvelope{
		Checksum: xxh3.Hash(payload),
		Data:     payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := fsutil.WriteFileAtomic(m.filePath, out, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Commit applies e and persists the result. On error the in-memory state is
// unchanged.
func (m *Manifest) Commit(e Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.metadata
	next.Segments = slices.Clone(m.metadata.Segments)

	for _, gen := range e.Removed {
		idx := slices.IndexFunc(next.Segments, func(s SegmentInfo) bool { return s.Generation == gen })
		if idx < 0 {
			return fmt.Errorf("segment %d is not registered", gen)
		}
		next.Segments = slices.Delete(next.Segments, idx, idx+1)
	}
	for _, s := range e.Added {
		if slices.ContainsFunc(next.Segments, func(o SegmentInfo) bool { return o.Generation == s.Generation }) {
			return fmt.Errorf("segment %d is already registered", s.Generation)
		}
		next.Segments = append(next.Segments, s)
		if s.Generation >= next.NextGeneration {
			next.NextGeneration = s.Generation + 1
		}
	}
	next.LastFlushedSeq = max(next.LastFlushedSeq, e.LastFlushedSeq)
	next.LogNumber = max(next.LogNumber, e.LogNumber)

	if err := m.save(next); err != nil {
		return err
	}
	m.metadata = next

	return nil
}

// NextGeneration reserves a segment generation number. It becomes durable
// with the next commit.
func (m *Manifest) NextGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.metadata.NextGeneration
	m.metadata.NextGeneration++
	return gen
}

// Segments returns a copy of the registered segments.
func (m *Manifest) Segments() []SegmentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.metadata.Segments)
}

func (m *Manifest) LastFlushedSeq() types.SeqN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata.LastFlushedSeq
}

func (m *Manifest) LogNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata.LogNumber
}

func (m *Manifest) DBID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadata.DBID
}

// Data returns a copy of the whole manifest.
func (m *Manifest) Data() ManifestData {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.metadata
	d.Segments = slices.Clone(m.metadata.Segments)
	return d
}

func (m *Manifest) Path() string { return m.filePath }
