package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"lsmkv/pkg/compression"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	dir      string
	opts     Options
	manifest *persistence.Manifest
	levels   *persistence.LevelManager
	c        *Compactor
}

type placed struct {
	level int
	recs  []types.Record
}

func put(key string, seq uint64, val string) types.Record {
	return types.Record{Key: []byte(key), SeqN: seq, Kind: types.KindValue, Value: []byte(val)}
}

func del(key string, seq uint64) types.Record {
	return types.Record{Key: []byte(key), SeqN: seq, Kind: types.KindTombstone}
}

func testOptions() Options {
	return Options{
		FanOut:          2,
		LevelBaseBytes:  1 << 20,
		MaxSegmentBytes: 1 << 20,
		Segment:         segment.Options{IndexInterval: 4, Compression: compression.Snappy, BloomFPRate: 0.01},
	}
}

// newFixture registers the given tables, oldest first, so later entries get
// higher generations.
func newFixture(t *testing.T, opts Options, maxLevels int, tables ...placed) *fixture {
	t.Helper()
	dir := t.TempDir()

	m, err := persistence.LoadManifest(dir)
	require.NoError(t, err)

	var (
		opened []*persistence.Table
		edit   persistence.Edit
	)
	for _, p := range tables {
		gen := m.NextGeneration()
		path := filepath.Join(dir, segment.FileName(gen))
		w, err := segment.Create(path, opts.Segment)
		require.NoError(t, err)
		sort.Slice(p.recs, func(i, j int) bool { return types.Compare(p.recs[i], p.recs[j]) < 0 })
		for _, r := range p.recs {
			require.NoError(t, w.Add(r))
		}
		_, err = w.Finish()
		require.NoError(t, err)

		r, err := segment.Open(path, gen, nil, nil)
		require.NoError(t, err)
		tbl := persistence.NewTable(p.level, r)
		opened = append(opened, tbl)
		edit.Added = append(edit.Added, tbl.Info())
	}
	require.NoError(t, m.Commit(edit))

	lm, err := persistence.NewLevelManager(maxLevels, opened, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })

	return &fixture{
		dir:      dir,
		opts:     opts,
		manifest: m,
		levels:   lm,
		c:        New(dir, opts, m, lm, nil, nil),
	}
}

func (f *fixture) get(t *testing.T, key string) (types.Record, bool) {
	t.Helper()
	v := f.levels.Current()
	defer v.Unref()
	rec, ok, err := v.Get([]byte(key))
	require.NoError(t, err)
	return rec, ok
}

func (f *fixture) segmentFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if _, ok := segment.ParseFileName(e.Name()); ok || segment.IsTempFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestCompactor_L0MergePreservesMapping(t *testing.T) {
	f := newFixture(t, testOptions(), 4,
		placed{0, []types.Record{put("a", 1, "a1"), put("b", 2, "b1"), put("c", 3, "c1")}},
		placed{0, []types.Record{put("a", 4, "a2"), del("b", 5)}},
		placed{0, []types.Record{put("d", 6, "d1"), put("c", 7, "c2")}},
	)

	runs, err := f.c.MaybeCompact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	v := f.levels.Current()
	assert.Equal(t, 0, v.LevelCount(0))
	assert.Equal(t, 1, v.LevelCount(1))
	assert.Equal(t, uint64(3), v.Tables(1)[0].Records(), "superseded versions and the tombstone are gone")
	require.NoError(t, v.Unref())

	for key, want := range map[string]string{"a": "a2", "c": "c2", "d": "d1"} {
		rec, ok := f.get(t, key)
		require.True(t, ok, key)
		assert.Equal(t, want, string(rec.Value))
	}
	_, ok := f.get(t, "b")
	assert.False(t, ok)

	assert.Len(t, f.manifest.Segments(), 1)
	assert.Len(t, f.segmentFiles(t), 1, "inputs are deleted once released")

	// nothing left over threshold
	runs, err = f.c.MaybeCompact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, runs)
}

func TestCompactor_KeepsTombstonesAboveOlderData(t *testing.T) {
	f := newFixture(t, testOptions(), 4,
		placed{2, []types.Record{put("k", 1, "ancient"), put("z", 2, "z")}},
		placed{0, []types.Record{del("k", 3)}},
		placed{0, []types.Record{put("m", 4, "m")}},
		placed{0, []types.Record{put("n", 5, "n")}},
	)

	_, err := f.c.MaybeCompact(context.Background())
	require.NoError(t, err)

	v := f.levels.Current()
	defer v.Unref()
	require.Equal(t, 1, v.LevelCount(1))
	assert.Equal(t, uint64(3), v.Tables(1)[0].Records(), "tombstone for k is kept")

	rec, ok, err := v.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.IsTombstone(), "deleted key must not resurrect")
}

func TestCompactor_CompactAllIsIdempotent(t *testing.T) {
	f := newFixture(t, testOptions(), 4,
		placed{1, []types.Record{put("a", 1, "a"), put("b", 2, "b")}},
		placed{0, []types.Record{del("a", 3), put("c", 4, "c")}},
	)

	res, err := f.c.CompactAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.InputTables)
	assert.Equal(t, 1, res.OutputTables)
	assert.Equal(t, uint64(2), res.RecordsOut)

	before := f.segmentFiles(t)
	segsBefore := f.manifest.Segments()

	res, err = f.c.CompactAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Equal(t, before, f.segmentFiles(t))
	assert.Equal(t, segsBefore, f.manifest.Segments())

	_, ok := f.get(t, "a")
	assert.False(t, ok)
}

func TestCompactor_SplitsOutputAtMaxSize(t *testing.T) {
	opts := testOptions()
	opts.MaxSegmentBytes = 512
	opts.Segment.Compression = compression.None

	var recs []types.Record
	for i := 0; i < 200; i++ {
		recs = append(recs, put(fmt.Sprintf("key-%04d", i), uint64(i+1), "0123456789abcdef"))
	}
	f := newFixture(t, opts, 4, placed{0, recs})

	res, err := f.c.CompactAll(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.OutputTables, 1)
	assert.Equal(t, uint64(200), res.RecordsOut)

	v := f.levels.Current()
	defer v.Unref()
	tables := v.Tables(1)
	for i := 1; i < len(tables); i++ {
		assert.Less(t, string(tables[i-1].MaxKey), string(tables[i].MinKey), "outputs form one sorted run")
	}
	for i := 0; i < 200; i += 17 {
		rec, ok, err := v.Get([]byte(fmt.Sprintf("key-%04d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), rec.SeqN)
	}
}

func TestCompactor_CancelledRunLeavesStateIntact(t *testing.T) {
	f := newFixture(t, testOptions(), 4,
		placed{0, []types.Record{put("a", 1, "a")}},
		placed{0, []types.Record{put("b", 2, "b")}},
		placed{0, []types.Record{put("c", 3, "c")}},
	)
	before := f.segmentFiles(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := f.levels.Current()
	task := Pick(v, f.opts, func(uint64) bool { return false })
	require.NotNil(t, task)
	_, err := f.c.run(ctx, task)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, v.Unref())

	assert.Equal(t, before, f.segmentFiles(t), "partial outputs are removed")
	assert.Len(t, f.manifest.Segments(), 3)
	_, ok := f.get(t, "b")
	assert.True(t, ok)

	_, err = f.c.MaybeCompact(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompactor_RejectsBusyInputs(t *testing.T) {
	f := newFixture(t, testOptions(), 4,
		placed{0, []types.Record{put("a", 1, "a")}},
		placed{0, []types.Record{put("b", 2, "b")}},
		placed{0, []types.Record{put("c", 3, "c")}},
	)

	v := f.levels.Current()
	defer v.Unref()
	task := Pick(v, f.opts, func(uint64) bool { return false })
	require.NotNil(t, task)

	f.c.inFlight.Add(task.Inputs[1].Gen)
	_, err := f.c.run(context.Background(), task)
	assert.ErrorIs(t, err, ErrInputsBusy)
	assert.Nil(t, Pick(v, f.opts, f.c.inFlight.Contains), "busy inputs are never picked")

	f.c.inFlight.Remove(task.Inputs[1].Gen)
	assert.Equal(t, 0, f.c.inFlight.Len(), "failed acquire releases what it took")
}

func TestPick_LevelThresholds(t *testing.T) {
	opts := testOptions()
	opts.LevelBaseBytes = 1

	f := newFixture(t, opts, 3,
		placed{1, []types.Record{put("a", 1, "a")}},
		placed{2, []types.Record{put("b", 2, "b")}},
	)
	v := f.levels.Current()
	defer v.Unref()

	task := Pick(v, opts, func(uint64) bool { return false })
	require.NotNil(t, task)
	assert.Equal(t, 1, task.Level)
	assert.Equal(t, 2, task.OutputLevel)
	assert.Len(t, task.Inputs, 2)
	assert.True(t, task.DropTombstones)

	assert.Equal(t, int64(1), levelLimit(opts, 1))
	assert.Equal(t, int64(4), levelLimit(Options{FanOut: 2, LevelBaseBytes: 1}, 3))
}

func TestCompactor_CloseRejectsLaterRuns(t *testing.T) {
	f := newFixture(t, testOptions(), 4,
		placed{0, []types.Record{put("a", 1, "a")}},
		placed{0, []types.Record{put("b", 2, "b")}},
		placed{0, []types.Record{put("c", 3, "c")}},
	)
	segsBefore := f.manifest.Segments()

	f.c.Close()

	_, err := f.c.CompactAll(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	runs, err := f.c.MaybeCompact(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, runs)
	assert.Equal(t, segsBefore, f.manifest.Segments())
}
