package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func concurrentKey(writer, i int) string {
	return fmt.Sprintf("w%d-%04d", writer, i)
}

func fastConfig(dir string) config.DB {
	cfg := testConfig(dir)
	cfg.WAL.Sync = config.WALSyncNone
	return cfg
}

// TestConcurrentOperations runs writers, point readers, scanners and
// flush/compaction callers at the same time and checks the final contents.
func TestConcurrentOperations(t *testing.T) {
	cfg := fastConfig(t.TempDir())
	s := openTestStore(t, cfg)

	const (
		writers   = 4
		perWriter = 400
	)

	var (
		writersWG sync.WaitGroup
		othersWG  sync.WaitGroup
		stop      = make(chan struct{})
	)

	for w := 0; w < writers; w++ {
		writersWG.Add(1)
		go func(w int) {
			defer writersWG.Done()
			for i := 0; i < perWriter; i++ {
				key := concurrentKey(w, i)
				assert.NoError(t, s.PutString(key, key+"=v0"))
			}
			for i := 0; i < perWriter; i++ {
				key := concurrentKey(w, i)
				if i%10 == 0 {
					assert.NoError(t, s.DeleteString(key))
					continue
				}
				assert.NoError(t, s.PutString(key, key+"=v1"))
			}
		}(w)
	}

	othersWG.Add(1)
	go func() {
		defer othersWG.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			key := concurrentKey(i%writers, i%perWriter)
			val, ok, err := s.GetString(key)
			if assert.NoError(t, err) && ok {
				assert.True(t, strings.HasPrefix(val, key+"="), "value %q under key %q", val, key)
			}
		}
	}()

	othersWG.Add(1)
	go func() {
		defer othersWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			it, err := s.Scan([]byte("w1-"), []byte("w2-"))
			if !assert.NoError(t, err) {
				return
			}
			var prev string
			for ; it.Valid(); it.Next() {
				key := string(it.Key())
				assert.Less(t, prev, key)
				assert.True(t, strings.HasPrefix(string(it.Value()), key+"="))
				prev = key
			}
			assert.NoError(t, it.Err())
			assert.NoError(t, it.Close())
		}
	}()

	othersWG.Add(1)
	go func() {
		defer othersWG.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
			}
			assert.NoError(t, s.Flush())
			_, err := s.Compact(context.Background())
			assert.NoError(t, err)
		}
	}()

	writersWG.Wait()
	close(stop)
	othersWG.Wait()

	check := func(s *Store) {
		t.Helper()
		for w := 0; w < writers; w++ {
			for i := 0; i < perWriter; i++ {
				key := concurrentKey(w, i)
				val, ok, err := s.GetString(key)
				require.NoError(t, err)
				if i%10 == 0 {
					assert.False(t, ok, "key %s should be deleted", key)
					continue
				}
				require.True(t, ok, "key %s not found", key)
				assert.Equal(t, key+"=v1", val)
			}
		}
	}
	check(s)

	// every acknowledged write took exactly one sequence number
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*(2*perWriter)), st.Seq)

	require.NoError(t, s.Close())
	reopened := openTestStore(t, cfg)
	check(reopened)
	assert.Equal(t, uint64(writers*(2*perWriter)), reopened.seqN.Val())
}

func TestConcurrentWritersSameKey(t *testing.T) {
	s := openTestStore(t, fastConfig(t.TempDir()))

	const (
		writers = 8
		rounds  = 200
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				assert.NoError(t, s.PutString("shared", fmt.Sprintf("w%d-r%d", w, r)))
			}
		}(w)
	}
	wg.Wait()

	val, ok, err := s.GetString("shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasSuffix(val, fmt.Sprintf("-r%d", rounds-1)), "got %q", val)

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*rounds), st.Seq)
}

func fillFlushed(t *testing.T, s *Store, rounds, perRound int) {
	t.Helper()
	for r := 0; r < rounds; r++ {
		for i := 0; i < perRound; i++ {
			key := fmt.Sprintf("key-%06d", i)
			require.NoError(t, s.PutString(key, fmt.Sprintf("%s-round-%d", key, r)))
		}
		require.NoError(t, s.Flush())
	}
}

func TestCloseDuringManualCompaction(t *testing.T) {
	cfg := fastConfig(t.TempDir())
	s, err := Open(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	const (
		rounds   = 4
		perRound = 5000
	)
	fillFlushed(t, s, rounds, perRound)

	done := make(chan error, 1)
	go func() {
		_, err := s.Compact(context.Background())
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, s.Close())

	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, dberrors.ErrClosed)
		}
	case <-time.After(testWait):
		t.Fatal("Compact did not return after Close")
	}

	_, err = s.Compact(context.Background())
	assert.ErrorIs(t, err, dberrors.ErrClosed)

	entries, err := os.ReadDir(cfg.RootPath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, segment.IsTempFile(e.Name()), "leftover %s", e.Name())
	}

	reopened := openTestStore(t, cfg)
	for i := 0; i < perRound; i += 97 {
		key := fmt.Sprintf("key-%06d", i)
		val, ok, err := reopened.GetString(key)
		require.NoError(t, err)
		require.True(t, ok, "key %s not found", key)
		assert.Equal(t, fmt.Sprintf("%s-round-%d", key, rounds-1), val)
	}
}

func TestFlushDuringClose(t *testing.T) {
	cfg := fastConfig(t.TempDir())
	s, err := Open(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	const workers = 4
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		acked []string
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; ; i++ {
				key := concurrentKey(w, i)
				err := s.PutString(key, key)
				if err != nil {
					assert.ErrorIs(t, err, dberrors.ErrClosed)
					return
				}
				mu.Lock()
				acked = append(acked, key)
				mu.Unlock()

				if i%7 == 0 {
					if err := s.Flush(); err != nil {
						assert.ErrorIs(t, err, dberrors.ErrClosed)
						return
					}
				}
			}
		}(w)
	}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())
	wg.Wait()

	// a clean close leaves no log behind
	numbers, err := wal.List(cfg.RootPath)
	require.NoError(t, err)
	assert.Empty(t, numbers)

	reopened := openTestStore(t, cfg)
	for _, key := range acked {
		val, ok, err := reopened.GetString(key)
		require.NoError(t, err)
		require.True(t, ok, "acknowledged key %s lost", key)
		assert.Equal(t, key, val)
	}
}

func TestWriteSurvivesRotationFailure(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s, err := Open(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	// the next WAL cannot be created while a directory holds its name
	blocker := filepath.Join(cfg.RootPath, wal.FileName(s.journal.Number()+1))
	require.NoError(t, os.Mkdir(blocker, 0o755))

	value := strings.Repeat("v", 100)
	var keys []string
	for i := 0; s.backgroundErr() == nil; i++ {
		require.Less(t, i, 1000, "memtable never rotated")
		key := fmt.Sprintf("key-%04d", i)
		require.NoError(t, s.PutString(key, value))
		keys = append(keys, key)
	}

	// the write that hit the failure is still visible
	last := keys[len(keys)-1]
	val, ok, err := s.GetString(last)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, value, val)

	err = s.PutString("after", value)
	assert.ErrorIs(t, err, dberrors.ErrWrite)

	assert.Error(t, s.Close())
	require.NoError(t, os.Remove(blocker))

	reopened := openTestStore(t, cfg)
	for _, key := range keys {
		_, ok, err := reopened.GetString(key)
		require.NoError(t, err)
		assert.True(t, ok, "key %s lost", key)
	}
	_, ok, err = reopened.GetString("after")
	require.NoError(t, err)
	assert.False(t, ok)
}
