package store

import (
	"context"
	"fmt"
	"testing"

	"lsmkv/pkg/compaction"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(tb testing.TB, s *Store, n int, version string) map[string]string {
	tb.Helper()
	want := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key%05d", i)
		val := fmt.Sprintf("%s-value-%05d", version, i)
		require.NoError(tb, s.PutString(key, val))
		want[key] = val
	}
	return want
}

func assertContents(tb testing.TB, s *Store, want map[string]string) {
	tb.Helper()
	for k, v := range want {
		got, ok, err := s.GetString(k)
		require.NoError(tb, err)
		require.True(tb, ok, "key %s not found", k)
		require.Equal(tb, v, got, "key %s", k)
	}
	assert.Equal(tb, want, scanAll(tb, s, nil, nil))
}

func TestLSMTreeFlow(t *testing.T) {
	s := newTestStore(t)

	t.Run("MemtableRotation", func(t *testing.T) {
		want := fill(t, s, 2000, "v1")
		require.NoError(t, s.Flush())

		st, err := s.Stats()
		require.NoError(t, err)
		assert.Equal(t, uint64(2000), st.Seq)
		assert.Zero(t, st.MemtableKeys)

		assertContents(t, s, want)
	})

	t.Run("OverwriteAcrossFlush", func(t *testing.T) {
		want := fill(t, s, 2000, "v2")
		assertContents(t, s, want)

		require.NoError(t, s.Flush())
		assertContents(t, s, want)
	})

	t.Run("CompactionPreservesMapping", func(t *testing.T) {
		want := scanAll(t, s, nil, nil)

		_, err := s.Compact(context.Background())
		require.NoError(t, err)

		assertContents(t, s, want)

		st, err := s.Stats()
		require.NoError(t, err)
		populated := 0
		for _, l := range st.Levels {
			if l.Tables > 0 {
				populated++
				assert.NotZero(t, l.Level, "compacted data must leave level 0")
			}
		}
		assert.Equal(t, 1, populated)
	})

	t.Run("CompactionIsIdempotent", func(t *testing.T) {
		before := scanAll(t, s, nil, nil)

		res, err := s.Compact(context.Background())
		require.NoError(t, err)
		assert.Equal(t, compaction.Result{}, res)

		assert.Equal(t, before, scanAll(t, s, nil, nil))
	})
}

func TestTombstonesAcrossCompaction(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutString("a", "1"))
	require.NoError(t, s.PutString("b", "2"))
	require.NoError(t, s.PutString("c", "3"))
	require.NoError(t, s.Flush())

	require.NoError(t, s.DeleteString("b"))
	require.NoError(t, s.Flush())

	// tombstone in a newer segment hides the older value
	_, ok, err := s.GetString("b")
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := s.Compact(context.Background())
	require.NoError(t, err)
	// the tombstone and the value it shadows are both gone
	assert.Equal(t, uint64(2), res.DroppedRecords)
	assert.Equal(t, uint64(2), res.RecordsOut)

	_, ok, err = s.GetString("b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"a": "1", "c": "3"}, scanAll(t, s, nil, nil))

	// a later write revives the key
	require.NoError(t, s.PutString("b", "again"))
	got, ok, err := s.GetString("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "again", got)
}

func TestBackgroundCompaction(t *testing.T) {
	s := newTestStore(t)

	for round := 0; round < 6; round++ {
		require.NoError(t, s.PutString(fmt.Sprintf("round%d", round), "x"))
		fill(t, s, 50, fmt.Sprintf("r%d", round))
		require.NoError(t, s.Flush())
	}

	assert.Eventually(t, func() bool {
		st, err := s.Stats()
		return err == nil && st.Levels[0].Tables <= s.cfg.Compaction.FanOut
	}, testWait, testTick)

	want := make(map[string]string)
	for i := 0; i < 50; i++ {
		want[fmt.Sprintf("key%05d", i)] = fmt.Sprintf("r5-value-%05d", i)
	}
	for round := 0; round < 6; round++ {
		want[fmt.Sprintf("round%d", round)] = "x"
	}
	assertContents(t, s, want)
}
