package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kv struct {
	key string
	seq uint64
	val string // empty means tombstone
}

func writeTable(t *testing.T, dir string, gen uint64, level int, kvs ...kv) *Table {
	t.Helper()

	path := filepath.Join(dir, segment.FileName(gen))
	w, err := segment.Create(path, segment.Options{IndexInterval: 2, Compression: compression.None})
	require.NoError(t, err)
	for _, e := range kvs {
		rec := types.Record{Key: []byte(e.key), SeqN: e.seq, Kind: types.KindValue, Value: []byte(e.val)}
		if e.val == "" {
			rec.Kind, rec.Value = types.KindTombstone, nil
		}
		require.NoError(t, w.Add(rec))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := segment.Open(path, gen, nil, nil)
	require.NoError(t, err)
	return NewTable(level, r)
}

func TestVersion_GetNewestWins(t *testing.T) {
	dir := t.TempDir()
	tables := []*Table{
		writeTable(t, dir, 1, 1, kv{"a", 1, "a1"}, kv{"b", 2, "b1"}, kv{"c", 3, "c1"}),
		writeTable(t, dir, 2, 1, kv{"x", 4, "x1"}, kv{"y", 5, "y1"}),
		writeTable(t, dir, 3, 0, kv{"b", 6, "b2"}, kv{"x", 7, ""}),
		writeTable(t, dir, 4, 0, kv{"b", 8, "b3"}),
	}
	lm, err := NewLevelManager(4, tables, nil)
	require.NoError(t, err)
	defer lm.Close()

	v := lm.Current()
	defer v.Unref()

	cases := map[string]struct {
		found bool
		tomb  bool
		val   string
	}{
		"a": {true, false, "a1"},
		"b": {true, false, "b3"},
		"c": {true, false, "c1"},
		"x": {true, true, ""},
		"y": {true, false, "y1"},
		"d": {false, false, ""},
		"z": {false, false, ""},
	}
	for k, want := range cases {
		rec, ok, err := v.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, want.found, ok, k)
		if !ok {
			continue
		}
		assert.Equal(t, want.tomb, rec.IsTombstone(), k)
		if !want.tomb {
			assert.Equal(t, want.val, string(rec.Value), k)
		}
	}

	l0 := v.Tables(0)
	require.Len(t, l0, 2)
	assert.Equal(t, uint64(4), l0[0].Gen, "level 0 is searched newest first")
	assert.Equal(t, 2, v.LevelCount(1))
	assert.Equal(t, 1, v.DeepestNonEmpty())
	assert.Equal(t, 4, v.TotalTables())
}

func TestVersion_IteratorsRespectRange(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLevelManager(3, []*Table{
		writeTable(t, dir, 1, 1, kv{"a", 1, "1"}, kv{"c", 2, "1"}),
		writeTable(t, dir, 2, 1, kv{"m", 3, "1"}, kv{"p", 4, "1"}),
	}, nil)
	require.NoError(t, err)
	defer lm.Close()

	v := lm.Current()
	defer v.Unref()

	assert.Len(t, v.Iterators(nil, nil), 2)
	assert.Len(t, v.Iterators([]byte("d"), nil), 1)
	assert.Len(t, v.Iterators(nil, []byte("m")), 1)
	assert.Len(t, v.Iterators([]byte("q"), nil), 0)
}

func TestLevelManager_ObsoleteTablesOutliveReaders(t *testing.T) {
	dir := t.TempDir()
	old := writeTable(t, dir, 1, 0, kv{"k", 1, "old"})
	lm, err := NewLevelManager(3, []*Table{old}, nil)
	require.NoError(t, err)
	defer lm.Close()

	reader := lm.Current()

	replacement := writeTable(t, dir, 2, 1, kv{"k", 1, "old"})
	old.MarkObsolete()
	lm.Apply([]*Table{replacement}, []uint64{1})

	// the snapshot taken before the swap still reads the old table
	rec, ok, err := reader.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "old", string(rec.Value))
	_, err = os.Stat(old.Path())
	require.NoError(t, err)

	require.NoError(t, reader.Unref())
	_, err = os.Stat(old.Path())
	assert.True(t, os.IsNotExist(err), "obsolete file is removed once unreferenced")

	cur := lm.Current()
	defer cur.Unref()
	assert.Equal(t, 0, cur.LevelCount(0))
	assert.Equal(t, 1, cur.LevelCount(1))
}

func TestNewLevelManager_RejectsLevelOutOfRange(t *testing.T) {
	tbl := writeTable(t, t.TempDir(), 1, 5, kv{"a", 1, "1"})
	defer tbl.Close()

	_, err := NewLevelManager(3, []*Table{tbl}, nil)
	assert.Error(t, err)
}

func ExampleTable_Overlaps() {
	t := &Table{MinKey: []byte("c"), MaxKey: []byte("f")}
	fmt.Println(t.Overlaps([]byte("a"), []byte("c")), t.Overlaps([]byte("f"), nil))
	// Output: false true
}
