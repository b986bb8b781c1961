package store

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/wal"
)

// Flusher turns frozen memtables into level 0 segments.
type Flusher struct {
	dir      string
	manifest *persistence.Manifest
	levels   *persistence.LevelManager
	cache    *segment.BlockCache
	segOpts  segment.Options
	logger   *slog.Logger
}

func NewFlusher(
	dir string,
	manifest *persistence.Manifest,
	levels *persistence.LevelManager,
	cache *segment.BlockCache,
	segOpts segment.Options,
	logger *slog.Logger,
) *Flusher {
	return &Flusher{
		dir:      dir,
		manifest: manifest,
		levels:   levels,
		cache:    cache,
		segOpts:  segOpts,
		logger:   logger,
	}
}

// Flush writes ss to a new segment, registers it together with the
// advanced flush watermark, and deletes the memtable's WAL.
func (f *Flusher) Flush(ss memtable.SortedSet) error {
	edit := persistence.Edit{
		LastFlushedSeq: ss.MaxSeq(),
		LogNumber:      ss.WALNumber() + 1,
	}

	var table *persistence.Table
	if ss.Len() > 0 {
		var err error
		table, err = f.writeSegment(ss)
		if err != nil {
			return err
		}
		edit.Added = append(edit.Added, table.Info())
	}

	if err := f.manifest.Commit(edit); err != nil {
		if table != nil {
			table.MarkObsolete()
			if uerr := table.Unref(); uerr != nil {
				f.logger.Warn("failed to remove unregistered segment", "path", table.Path(), "error", uerr)
			}
		}
		return fmt.Errorf("failed to register flushed segment: %w", err)
	}

	if table != nil {
		f.levels.Apply([]*persistence.Table{table}, nil)
		f.logger.Info("memtable flushed",
			"generation", table.Gen, "records", table.Records(), "bytes", table.Size(), "max_seq", ss.MaxSeq())
	}

	if err := wal.Remove(f.dir, ss.WALNumber()); err != nil {
		// harmless: replay skips entries at or below the flushed sequence
		f.logger.Warn("failed to remove flushed WAL", "wal", ss.WALNumber(), "error", err)
	}

	return nil
}

func (f *Flusher) writeSegment(ss memtable.SortedSet) (*persistence.Table, error) {
	gen := f.manifest.NextGeneration()
	path := filepath.Join(f.dir, segment.FileName(gen))

	w, err := segment.Create(path, f.segOpts)
	if err != nil {
		return nil, err
	}
	for _, rec := range ss.Records() {
		if err := w.Add(rec); err != nil {
			if aerr := w.Abort(); aerr != nil {
				f.logger.Warn("failed to abort segment", "path", path, "error", aerr)
			}
			return nil, fmt.Errorf("failed to write segment: %w", err)
		}
	}
	if _, err := w.Finish(); err != nil {
		return nil, err
	}

	r, err := segment.Open(path, gen, f.cache, f.logger)
	if err != nil {
		return nil, err
	}

	return persistence.NewTable(0, r), nil
}
