package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"lsmkv/internal/fsutil"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/compaction"
	"lsmkv/pkg/compression"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

const lockFileName = "LOCK"

// Store is a single-process ordered key-value database rooted at one
// directory.
type Store struct {
	cfg    config.DB
	dir    string
	logger *slog.Logger

	lock      interface{ Close() error }
	manifest  *persistence.Manifest
	levels    *persistence.LevelManager
	cache     *segment.BlockCache
	compactor *compaction.Compactor
	flusher   *Flusher
	walOpts   wal.Options

	// writeMu serializes mutations, sequence assignment and WAL appends.
	writeMu sync.Mutex
	seqN    *clock.AtomicClock
	journal *wal.Writer

	// stateMu guards mem, imm and bgErr. cond is signalled whenever imm
	// shrinks or a background error is recorded. Once bgErr is set every
	// later write fails with it.
	stateMu sync.RWMutex
	cond    *sync.Cond
	mem     *memtable.Memtable
	imm     []*memtable.Memtable // newest first
	bgErr   error

	flushCh       chan *memtable.Memtable
	flushWorker   *listener.Listener[*memtable.Memtable]
	compactCh     chan struct{}
	compactWorker *listener.Listener[struct{}]
	// bgCtx is cancelled by Close and stops every running compaction.
	bgCtx    context.Context
	bgCancel context.CancelFunc

	closed atomic.Bool
}

// Open opens or creates the database described by cfg. Everything acquired
// is released again if Open fails.
func Open(cfg config.DB, opts ...Option) (_ *Store, err error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, openErr("invalid config", err)
	}
	codec, err := compression.ParseType(cfg.Segment.Compression)
	if err != nil {
		return nil, openErr("invalid config", err)
	}

	s := &Store{
		cfg:     cfg,
		dir:     cfg.RootPath,
		logger:  o.logger.With("db", cfg.RootPath),
		cache:   segment.NewBlockCache(cfg.Cache.Capacity),
		walOpts: wal.Options{Sync: cfg.WAL.Sync == config.WALSyncAlways},
		flushCh: make(chan *memtable.Memtable, cfg.Memtable.MaxImmTables),
		// a pending signal is enough, extra triggers are dropped
		compactCh: make(chan struct{}, 1),
	}
	s.cond = sync.NewCond(&s.stateMu)

	defer func() {
		if err != nil {
			s.release()
		}
	}()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, openErr("failed to create directory", err)
	}

	s.lock, err = fsutil.LockFile(filepath.Join(s.dir, lockFileName))
	if err != nil {
		if errors.Is(err, fsutil.ErrLocked) {
			err = fmt.Errorf("%w: %w", dberrors.ErrLocked, err)
		}
		return nil, openErr("failed to lock directory", err)
	}

	s.manifest, err = persistence.LoadManifest(s.dir)
	if err != nil {
		return nil, openErr("failed to load manifest", err)
	}

	if err := s.removeUnregistered(); err != nil {
		return nil, openErr("failed to clean directory", err)
	}

	if err := s.openSegments(); err != nil {
		return nil, openErr("failed to open segments", err)
	}

	segOpts := segment.Options{
		IndexInterval: cfg.Segment.IndexInterval,
		Compression:   codec,
		BloomFPRate:   cfg.Segment.BloomFPRate,
	}
	s.flusher = NewFlusher(s.dir, s.manifest, s.levels, s.cache, segOpts, s.logger.With("component", "flush"))
	s.compactor = compaction.New(s.dir, compaction.Options{
		FanOut:          cfg.Compaction.FanOut,
		LevelBaseBytes:  cfg.Compaction.LevelBaseBytes,
		MaxSegmentBytes: cfg.Segment.MaxSizeBytes,
		Segment:         segOpts,
	}, s.manifest, s.levels, s.cache, s.logger.With("component", "compaction"))

	walNumber, err := s.recover()
	if err != nil {
		return nil, openErr("failed to recover WAL", err)
	}

	s.journal, err = wal.Create(s.dir, walNumber, s.walOpts)
	if err != nil {
		return nil, openErr("failed to create WAL", err)
	}
	s.mem = memtable.New(uint64(cfg.Memtable.FlushThresholdBytes), walNumber)

	s.startWorkers()
	s.triggerCompaction()

	s.logger.Info("database opened",
		"db_id", s.manifest.DBID(),
		"seq", s.seqN.Val(),
		"segments", len(s.manifest.Segments()),
		"wal", walNumber)

	return s, nil
}

// removeUnregistered deletes segment and temporary files the manifest does
// not know about, left behind by an interrupted flush or compaction.
func (s *Store) removeUnregistered() error {
	registered := make(map[uint64]struct{})
	for _, info := range s.manifest.Segments() {
		registered[info.Generation] = struct{}{}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		orphan := segment.IsTempFile(name)
		if gen, ok := segment.ParseFileName(name); ok {
			_, known := registered[gen]
			orphan = !known
		}
		if !orphan {
			continue
		}

		s.logger.Warn("removing unregistered file", "file", name)
		if err := fsutil.RemoveIfExists(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) openSegments() error {
	infos := s.manifest.Segments()
	tables := make([]*persistence.Table, 0, len(infos))

	for _, info := range infos {
		r, err := segment.Open(filepath.Join(s.dir, info.FileName), info.Generation, s.cache, s.logger)
		if err != nil {
			for _, t := range tables {
				_ = t.Unref()
			}
			return err
		}
		tables = append(tables, persistence.NewTable(info.Level, r))
	}

	levels, err := persistence.NewLevelManager(s.cfg.Compaction.MaxLevels, tables, s.logger)
	if err != nil {
		for _, t := range tables {
			_ = t.Unref()
		}
		return err
	}
	s.levels = levels

	return nil
}

// recover replays live WALs into a memtable, flushes it and returns the
// number for the next WAL. Logs older than the manifest's log number were
// already flushed and are deleted.
func (s *Store) recover() (uint64, error) {
	numbers, err := wal.List(s.dir)
	if err != nil {
		return 0, err
	}
	logNumber := s.manifest.LogNumber()
	flushed := s.manifest.LastFlushedSeq()
	s.seqN = clock.NewAtomic(flushed)

	var (
		replayed []uint64
		maxWAL   uint64
	)
	for _, n := range numbers {
		if n < logNumber {
			if err := wal.Remove(s.dir, n); err != nil {
				return 0, err
			}
			continue
		}
		replayed = append(replayed, n)
		maxWAL = n
	}

	next := max(logNumber, maxWAL+1, 1)
	if len(replayed) == 0 {
		return next, nil
	}

	mem := memtable.New(uint64(s.cfg.Memtable.FlushThresholdBytes), maxWAL)
	for _, n := range replayed {
		path := filepath.Join(s.dir, wal.FileName(n))
		res, err := wal.Replay(path, func(rec types.Record) error {
			if rec.SeqN <= flushed {
				return nil
			}
			s.seqN.Advance(rec.SeqN)
			return mem.Apply(rec)
		})
		if err != nil {
			return 0, err
		}
		if res.Torn {
			s.logger.Warn("discarded torn WAL tail",
				"wal", n, "valid_bytes", res.ValidBytes, "discarded_bytes", res.DiscardedBytes)
		}
		s.logger.Info("WAL replayed", "wal", n, "records", res.Records, "torn", res.Torn)
	}

	mem.Freeze()
	// also advances the log number past every replayed file
	if err := s.flusher.Flush(mem); err != nil {
		return 0, fmt.Errorf("failed to flush recovered memtable: %w", err)
	}
	for _, n := range replayed {
		if err := wal.Remove(s.dir, n); err != nil {
			return 0, err
		}
	}

	return next, nil
}

func (s *Store) startWorkers() {
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	ctx := s.bgCtx

	s.flushWorker = listener.New(s.flushCh, s.handleFlush).OnError(func(err error) {
		s.logger.Error("flush failed", "error", err)
	})
	s.flushWorker.Start(context.Background())

	s.compactWorker = listener.New(s.compactCh, func(struct{}) error {
		runs, err := s.compactor.MaybeCompact(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if runs > 0 {
			s.logger.Debug("compaction finished", "runs", runs)
		}
		return err
	}).OnError(func(err error) {
		s.logger.Error("compaction failed", "error", err)
	})
	s.compactWorker.Start(ctx)
}

func (s *Store) handleFlush(mem *memtable.Memtable) error {
	err := s.flusher.Flush(mem)

	s.stateMu.Lock()
	if err != nil {
		if s.bgErr == nil {
			s.bgErr = err
		}
	} else {
		for i, m := range s.imm {
			if m == mem {
				s.imm = append(s.imm[:i:i], s.imm[i+1:]...)
				break
			}
		}
	}
	s.cond.Broadcast()
	s.stateMu.Unlock()

	if err != nil {
		return err
	}
	s.triggerCompaction()
	return nil
}

func (s *Store) triggerCompaction() {
	select {
	case s.compactCh <- struct{}{}:
	default:
	}
}

func (s *Store) Put(key, value []byte) error {
	return s.write(types.Record{Key: key, Value: value, Kind: types.KindValue})
}

// Delete records a tombstone for key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	return s.write(types.Record{Key: key, Kind: types.KindTombstone})
}

// PutString stores a text pair. Both strings are checked for valid UTF-8
// before anything is written.
func (s *Store) PutString(key, value string) error {
	if !utf8.ValidString(key) {
		return invalidArg("key is not valid UTF-8")
	}
	if !utf8.ValidString(value) {
		return invalidArg("value is not valid UTF-8")
	}
	return s.Put([]byte(key), []byte(value))
}

func (s *Store) DeleteString(key string) error {
	return s.Delete([]byte(key))
}

func (s *Store) write(rec types.Record) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if len(rec.Key) == 0 {
		return invalidArg("empty key")
	}

	// the memtable keeps the slices
	rec.Key = clone(rec.Key)
	if rec.Kind == types.KindValue {
		rec.Value = clone(rec.Value)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.backgroundErr(); err != nil {
		return writeErr("earlier background failure", err)
	}

	rec.SeqN = s.seqN.Peek()
	if err := s.journal.Append(rec); err != nil {
		s.setBackgroundErr(err)
		return writeErr("failed to append to WAL", err)
	}
	s.seqN.Next()

	if err := s.mem.Apply(rec); err != nil {
		return writeErr("failed to apply to memtable", err)
	}

	// the record is durable and visible; a failed rotation fails the next write
	if s.mem.Full() {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error("memtable rotation failed", "error", err)
			s.setBackgroundErr(fmt.Errorf("failed to rotate memtable: %w", err))
		}
	}

	return nil
}

// rotateLocked freezes the active memtable, hands it to the flusher and
// switches to a new memtable and WAL. Blocks while the flush queue is full.
// Caller holds writeMu.
func (s *Store) rotateLocked() error {
	if s.mem.Empty() {
		return nil
	}

	next, err := wal.Create(s.dir, s.journal.Number()+1, s.walOpts)
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	for len(s.imm) >= s.cfg.Memtable.MaxImmTables && s.bgErr == nil {
		s.cond.Wait()
	}
	if s.bgErr != nil {
		err := s.bgErr
		s.stateMu.Unlock()
		if rerr := next.Remove(); rerr != nil {
			s.logger.Warn("failed to remove unused WAL", "path", next.Path(), "error", rerr)
		}
		return err
	}

	frozen := s.mem
	frozen.Freeze()
	s.imm = append([]*memtable.Memtable{frozen}, s.imm...)
	s.mem = memtable.New(uint64(s.cfg.Memtable.FlushThresholdBytes), next.Number())
	s.stateMu.Unlock()

	old := s.journal
	s.journal = next
	if err := old.Close(); err != nil {
		s.logger.Warn("failed to close WAL", "path", old.Path(), "error", err)
	}

	s.flushCh <- frozen
	return nil
}

func (s *Store) backgroundErr() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.bgErr
}

func (s *Store) setBackgroundErr(err error) {
	s.stateMu.Lock()
	if s.bgErr == nil {
		s.bgErr = err
	}
	s.cond.Broadcast()
	s.stateMu.Unlock()
}

// Get returns the value stored under key. A missing or deleted key yields
// false and no error.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, invalidArg("empty key")
	}

	s.stateMu.RLock()
	if s.closed.Load() {
		s.stateMu.RUnlock()
		return nil, false, dberrors.ErrClosed
	}
	mem, imm := s.mem, s.imm
	v := s.levels.Current()
	s.stateMu.RUnlock()

	defer func() {
		if err := v.Unref(); err != nil {
			s.logger.Warn("failed to release version", "error", err)
		}
	}()

	if rec, ok := mem.Get(key); ok {
		return visible(rec)
	}
	for _, m := range imm {
		if rec, ok := m.Get(key); ok {
			return visible(rec)
		}
	}

	rec, ok, err := v.Get(key)
	if err != nil {
		return nil, false, readErr("failed to read segment", err)
	}
	if !ok {
		return nil, false, nil
	}
	return visible(rec)
}

func (s *Store) GetString(key string) (string, bool, error) {
	val, ok, err := s.Get([]byte(key))
	return string(val), ok, err
}

func visible(rec types.Record) ([]byte, bool, error) {
	if rec.IsTombstone() {
		return nil, false, nil
	}
	return clone(rec.Value), true, nil
}

// Flush rotates the active memtable and waits until every frozen memtable
// has been written to a segment.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return dberrors.ErrClosed
	}
	err := s.rotateLocked()
	s.writeMu.Unlock()
	if err != nil {
		return writeErr("failed to rotate memtable", err)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for len(s.imm) > 0 && s.bgErr == nil {
		s.cond.Wait()
	}
	if s.bgErr != nil {
		return writeErr("background flush failed", s.bgErr)
	}

	return nil
}

// Compact flushes and then merges every segment into a single sorted run.
// A compaction still running when the store is closed is abandoned and
// reported as dberrors.ErrClosed.
func (s *Store) Compact(ctx context.Context) (compaction.Result, error) {
	if s.closed.Load() {
		return compaction.Result{}, dberrors.ErrClosed
	}
	if err := s.Flush(); err != nil {
		return compaction.Result{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.bgCtx, cancel)
	defer stop()

	res, err := s.compactor.CompactAll(ctx)
	if err != nil {
		if errors.Is(err, compaction.ErrClosed) || s.closed.Load() {
			return compaction.Result{}, fmt.Errorf("%w: compaction abandoned: %w", dberrors.ErrClosed, err)
		}
		return res, writeErr("failed to compact", err)
	}
	return res, nil
}

func (s *Store) Dir() string { return s.dir }

// Close flushes the active memtable, drains the flush queue, cancels any
// running compaction and releases the directory. Calling it again is a
// no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	s.writeMu.Lock()
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close WAL: %w", err))
	}
	if s.mem.Empty() {
		if err := s.journal.Remove(); err != nil {
			s.logger.Warn("failed to remove empty WAL", "path", s.journal.Path(), "error", err)
		}
	} else if s.backgroundErr() == nil {
		s.stateMu.Lock()
		frozen := s.mem
		frozen.Freeze()
		s.imm = append([]*memtable.Memtable{frozen}, s.imm...)
		s.stateMu.Unlock()
		s.flushCh <- frozen
	}
	s.writeMu.Unlock()

	close(s.flushCh)
	s.flushWorker.Wait()

	s.bgCancel()
	s.compactWorker.Stop()
	// waits for a manual compaction to observe the cancellation
	s.compactor.Close()

	if err := s.backgroundErr(); err != nil {
		errs = append(errs, fmt.Errorf("background flush failed: %w", err))
	}

	s.stateMu.Lock()
	if err := s.levels.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close segments: %w", err))
	}
	s.stateMu.Unlock()

	if err := s.lock.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release lock: %w", err))
	}

	s.logger.Info("database closed", "seq", s.seqN.Val())

	return errors.Join(errs...)
}

// release undoes a partially completed Open.
func (s *Store) release() {
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			s.logger.Warn("failed to close WAL", "error", err)
		}
	}
	if s.levels != nil {
		if err := s.levels.Close(); err != nil {
			s.logger.Warn("failed to close segments", "error", err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Close(); err != nil {
			s.logger.Warn("failed to release lock", "error", err)
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
