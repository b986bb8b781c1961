package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"lsmkv/pkg/config"

	"github.com/stretchr/testify/require"
)

func testConfig(dir string) config.DB {
	cfg := config.DefaultDB(dir)
	cfg.Memtable.FlushThresholdBytes = 4 << 10
	cfg.Segment.IndexInterval = 16
	cfg.Segment.MaxSizeBytes = 32 << 10
	cfg.Compaction.FanOut = 2
	cfg.Compaction.LevelBaseBytes = 64 << 10
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(tb testing.TB) *Store {
	tb.Helper()
	return openTestStore(tb, testConfig(tb.TempDir()))
}

func openTestStore(tb testing.TB, cfg config.DB) *Store {
	tb.Helper()
	s, err := Open(cfg, WithLogger(quietLogger()))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

// crash stops s the way a killed process would: the active memtable is
// not flushed and the WAL is left in place.
func crash(tb testing.TB, s *Store) {
	tb.Helper()
	require.True(tb, s.closed.CompareAndSwap(false, true))

	s.writeMu.Lock()
	require.NoError(tb, s.journal.Close())
	s.writeMu.Unlock()

	close(s.flushCh)
	s.flushWorker.Wait()
	s.bgCancel()
	s.compactWorker.Stop()
	s.compactor.Close()

	require.NoError(tb, s.levels.Close())
	require.NoError(tb, s.lock.Close())
}

func scanAll(tb testing.TB, s *Store, start, end []byte) map[string]string {
	tb.Helper()
	it, err := s.Scan(start, end)
	require.NoError(tb, err)
	defer func() { require.NoError(tb, it.Close()) }()

	out := make(map[string]string)
	var prev []byte
	for ; it.Valid(); it.Next() {
		if prev != nil {
			require.Less(tb, string(prev), string(it.Key()), "scan out of order")
		}
		prev = it.Key()
		out[string(it.Key())] = string(it.Value())
	}
	require.NoError(tb, it.Err())
	return out
}

const (
	testWait = 5 * time.Second
	testTick = 10 * time.Millisecond
)

// testContext returns a context canceled when the test finishes,
// mirroring testing.T.Context (Go 1.24+).
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
