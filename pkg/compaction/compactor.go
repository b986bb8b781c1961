package compaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/segment"

	"github.com/zhangyunhao116/skipset"
)

var (
	ErrInputsBusy = errors.New("compaction inputs are already being compacted")
	ErrClosed     = errors.New("compactor is closed")
)

// ctx is checked once per this many records
const cancelCheckInterval = 256

type Options struct {
	FanOut          int
	LevelBaseBytes  int64
	MaxSegmentBytes int64
	Segment         segment.Options
}

// Result summarizes a finished compaction.
type Result struct {
	Level          int
	OutputLevel    int
	InputTables    int
	OutputTables   int
	BytesIn        int64
	BytesOut       int64
	RecordsIn      uint64
	RecordsOut     uint64
	DroppedRecords uint64
}

// Compactor merges segments down the levels. Runs are serialized; the set of
// generations under compaction guarantees a segment is never the input of
// two compactions.
type Compactor struct {
	dir      string
	opts     Options
	manifest *persistence.Manifest
	levels   *persistence.LevelManager
	cache    *segment.BlockCache
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	inFlight *skipset.Uint64Set
}

func New(
	dir string,
	opts Options,
	manifest *persistence.Manifest,
	levels *persistence.LevelManager,
	cache *segment.BlockCache,
	logger *slog.Logger,
) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		dir:      dir,
		opts:     opts,
		manifest: manifest,
		levels:   levels,
		cache:    cache,
		logger:   logger,
		inFlight: skipset.NewUint64(),
	}
}

// MaybeCompact runs tasks until no level is over its threshold.
func (c *Compactor) MaybeCompact(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	runs := 0
	for {
		if err := ctx.Err(); err != nil {
			return runs, err
		}

		v := c.levels.Current()
		task := Pick(v, c.opts, c.inFlight.Contains)
		if task == nil {
			_ = v.Unref()
			return runs, nil
		}

		_, err := c.run(ctx, task)
		_ = v.Unref()
		if err != nil {
			return runs, err
		}
		runs++
	}
}

// CompactAll merges every segment into a single sorted run.
func (c *Compactor) CompactAll(ctx context.Context) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Result{}, ErrClosed
	}

	v := c.levels.Current()
	defer func() { _ = v.Unref() }()

	task := PickAll(v)
	if task == nil {
		return Result{}, nil
	}
	return c.run(ctx, task)
}

// Close waits for the running compaction, if any, and rejects later ones.
// Cancel the running compaction's context first to abandon it.
func (c *Compactor) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Pending reports whether some level is over its threshold.
func (c *Compactor) Pending() bool {
	v := c.levels.Current()
	defer func() { _ = v.Unref() }()
	return NeedsCompaction(v, c.opts)
}

func (c *Compactor) acquire(task *Task) error {
	var taken []uint64
	for _, gen := range task.generations() {
		if !c.inFlight.Add(gen) {
			for _, g := range taken {
				c.inFlight.Remove(g)
			}
			return fmt.Errorf("%w: segment %d", ErrInputsBusy, gen)
		}
		taken = append(taken, gen)
	}
	return nil
}

func (c *Compactor) release(task *Task) {
	for _, gen := range task.generations() {
		c.inFlight.Remove(gen)
	}
}

func (c *Compactor) run(ctx context.Context, task *Task) (Result, error) {
	if err := c.acquire(task); err != nil {
		return Result{}, err
	}
	defer c.release(task)

	res := Result{
		Level:       task.Level,
		OutputLevel: task.OutputLevel,
		InputTables: len(task.Inputs),
		BytesIn:     task.inputBytes(),
	}
	c.logger.Info("compaction started",
		"level", task.Level, "output_level", task.OutputLevel,
		"inputs", len(task.Inputs), "bytes", res.BytesIn, "drop_tombstones", task.DropTombstones)

	outputs, err := c.merge(ctx, task, &res)
	if err != nil {
		c.discard(outputs)
		c.logger.Warn("compaction abandoned", "level", task.Level, "error", err)
		return Result{}, err
	}

	edit := persistence.Edit{Removed: task.generations()}
	for _, t := range outputs {
		edit.Added = append(edit.Added, t.Info())
		res.BytesOut += t.Size()
	}
	if err := c.manifest.Commit(edit); err != nil {
		c.discard(outputs)
		return Result{}, fmt.Errorf("failed to commit compaction: %w", err)
	}

	for _, in := range task.Inputs {
		in.MarkObsolete()
	}
	c.levels.Apply(outputs, edit.Removed)

	res.OutputTables = len(outputs)
	c.logger.Info("compaction finished",
		"level", task.Level, "output_level", task.OutputLevel,
		"outputs", res.OutputTables, "bytes_out", res.BytesOut,
		"records_in", res.RecordsIn, "records_out", res.RecordsOut, "dropped", res.DroppedRecords)

	return res, nil
}

// merge writes the newest version of every key in the inputs into new
// segments at the output level, split at MaxSegmentBytes.
func (c *Compactor) merge(ctx context.Context, task *Task, res *Result) ([]*persistence.Table, error) {
	its := make([]iterator.Iterator, len(task.Inputs))
	for i, in := range task.Inputs {
		its[i] = in.Iterator()
	}
	merged := iterator.NewMerging(its...)
	defer func() { _ = merged.Close() }()

	var (
		outputs []*persistence.Table
		w       *segment.Writer
		gen     uint64
		lastKey []byte
		seen    bool
	)
	finish := func() error {
		meta, err := w.Finish()
		w = nil
		if err != nil {
			return fmt.Errorf("failed to finish compaction output: %w", err)
		}
		r, err := segment.Open(meta.Path, gen, c.cache, c.logger)
		if err != nil {
			_ = os.Remove(meta.Path)
			return err
		}
		outputs = append(outputs, persistence.NewTable(task.OutputLevel, r))
		return nil
	}

	var n uint64
	for merged.First(); merged.Valid(); merged.Next() {
		n++
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return c.abort(w, outputs, err)
			}
		}

		rec := merged.Record()
		res.RecordsIn++
		if seen && bytes.Equal(rec.Key, lastKey) {
			res.DroppedRecords++
			continue
		}
		seen = true
		lastKey = append(lastKey[:0], rec.Key...)

		if rec.IsTombstone() && task.DropTombstones {
			res.DroppedRecords++
			continue
		}

		if w == nil {
			gen = c.manifest.NextGeneration()
			var err error
			w, err = segment.Create(filepath.Join(c.dir, segment.FileName(gen)), c.opts.Segment)
			if err != nil {
				return c.abort(nil, outputs, err)
			}
		}
		if err := w.Add(rec); err != nil {
			return c.abort(w, outputs, err)
		}
		res.RecordsOut++

		if w.EstimatedSize() >= c.opts.MaxSegmentBytes {
			if err := finish(); err != nil {
				return c.abort(nil, outputs, err)
			}
		}
	}
	if err := merged.Err(); err != nil {
		return c.abort(w, outputs, fmt.Errorf("failed to read compaction inputs: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return c.abort(w, outputs, err)
	}

	if w != nil {
		if err := finish(); err != nil {
			return c.abort(nil, outputs, err)
		}
	}

	return outputs, nil
}

func (c *Compactor) abort(w *segment.Writer, outputs []*persistence.Table, cause error) ([]*persistence.Table, error) {
	if w != nil {
		if err := w.Abort(); err != nil {
			c.logger.Warn("failed to abort compaction output", "error", err)
		}
	}
	return outputs, cause
}

// discard deletes outputs that never made it into the manifest.
func (c *Compactor) discard(outputs []*persistence.Table) {
	for _, t := range outputs {
		t.MarkObsolete()
		if err := t.Unref(); err != nil {
			c.logger.Warn("failed to remove compaction output", "path", t.Path(), "error", err)
		}
	}
}
