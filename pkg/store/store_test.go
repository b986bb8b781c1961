package store

import (
	"fmt"
	"testing"

	"lsmkv/pkg/dberrors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreBasicOperations(t *testing.T) {
	s := newTestStore(t)

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, s.Put([]byte("k1"), []byte("v1")))

		val, ok, err := s.Get([]byte("k1"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), val)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.PutString("k2", "old"))
		require.NoError(t, s.PutString("k2", "new"))

		val, ok, err := s.GetString("k2")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", val)
	})

	t.Run("Missing", func(t *testing.T) {
		val, ok, err := s.Get([]byte("nope"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.PutString("k3", "v3"))
		require.NoError(t, s.DeleteString("k3"))

		_, ok, err := s.GetString("k3")
		require.NoError(t, err)
		assert.False(t, ok)

		// deleting a missing key is fine
		require.NoError(t, s.DeleteString("never-written"))
	})

	t.Run("EmptyValue", func(t *testing.T) {
		require.NoError(t, s.Put([]byte("empty"), nil))

		val, ok, err := s.Get([]byte("empty"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, val)
	})

	t.Run("ReturnedValueIsCopy", func(t *testing.T) {
		require.NoError(t, s.PutString("copy", "abc"))
		val, _, err := s.Get([]byte("copy"))
		require.NoError(t, err)
		val[0] = 'x'

		again, _, err := s.GetString("copy")
		require.NoError(t, err)
		assert.Equal(t, "abc", again)
	})

	t.Run("CallerBufferReuse", func(t *testing.T) {
		key := []byte("buf")
		value := []byte("first")
		require.NoError(t, s.Put(key, value))
		copy(value, "XXXXX")

		got, _, err := s.GetString("buf")
		require.NoError(t, err)
		assert.Equal(t, "first", got)
	})
}

func TestStoreInvalidArguments(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(nil, []byte("v"))
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	err = s.Delete([]byte{})
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, _, err = s.Get(nil)
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)

	_, err = s.Scan([]byte("b"), []byte("a"))
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestPutStringRejectsInvalidUTF8(t *testing.T) {
	s := newTestStore(t)
	seq := s.seqN.Val()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad value", key: "k", value: "ok\xff"},
		{name: "bad key", key: "\xc3\x28", value: "v"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.PutString(tt.key, tt.value)
			require.ErrorIs(t, err, dberrors.ErrInvalidArgument)

			_, ok, err := s.GetString(tt.key)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	// nothing reached the WAL or the memtable
	assert.Equal(t, seq, s.seqN.Val())
	assert.Zero(t, s.journal.Size())
	assert.True(t, s.mem.Empty())
}

func TestStoreClosed(t *testing.T) {
	s, err := Open(testConfig(t.TempDir()), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, s.PutString("a", "1"))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close must be a no-op")

	assert.ErrorIs(t, s.PutString("a", "2"), dberrors.ErrClosed)
	assert.ErrorIs(t, s.DeleteString("a"), dberrors.ErrClosed)
	_, _, err = s.GetString("a")
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = s.Scan(nil, nil)
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Flush(), dberrors.ErrClosed)
	_, err = s.Stats()
	assert.ErrorIs(t, err, dberrors.ErrClosed)
}

func TestOpenLockedDirectory(t *testing.T) {
	cfg := testConfig(t.TempDir())
	s := openTestStore(t, cfg)

	_, err := Open(cfg, WithLogger(quietLogger()))
	require.Error(t, err)
	assert.ErrorIs(t, err, dberrors.ErrOpen)
	assert.ErrorIs(t, err, dberrors.ErrLocked)

	require.NoError(t, s.Close())

	again, err := Open(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestOpenInvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.Compaction.FanOut = 0

	_, err := Open(cfg)
	assert.ErrorIs(t, err, dberrors.ErrOpen)
}

func TestStoreScenario(t *testing.T) {
	cfg := testConfig(t.TempDir())

	s, err := Open(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, s.PutString("a", "1"))
	require.NoError(t, s.PutString("b", "2"))

	val, ok, err := s.GetString("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", val)

	require.NoError(t, s.DeleteString("a"))
	_, ok, err = s.GetString("a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close())

	s, err = Open(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	val, ok, err = s.GetString("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", val)

	_, ok, err = s.GetString("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreStats(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.PutString(fmt.Sprintf("key%02d", i), "value"))
	}

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), st.Seq)
	assert.Equal(t, 10, st.MemtableKeys)
	assert.NotZero(t, st.MemtableBytes)
	assert.NotEmpty(t, st.DBID)
	assert.Len(t, st.Levels, s.cfg.Compaction.MaxLevels)

	require.NoError(t, s.Flush())

	st, err = s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.MemtableKeys)
	assert.Zero(t, st.FrozenTables)

	var tables int
	for _, l := range st.Levels {
		tables += l.Tables
	}
	assert.Equal(t, 1, tables)
}
