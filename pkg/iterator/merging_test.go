package iterator

import (
	"errors"
	"testing"

	"lsmkv/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(key string, seq uint64, val string) types.Record {
	r := types.Record{Key: []byte(key), SeqN: seq, Kind: types.KindValue, Value: []byte(val)}
	if val == "" {
		r.Kind = types.KindTombstone
		r.Value = nil
	}
	return r
}

func collect(it Iterator) []string {
	var out []string
	for ; it.Valid(); it.Next() {
		r := it.Record()
		out = append(out, string(r.Key)+"@"+string(rune('0'+r.SeqN)))
	}
	return out
}

func TestMerging_OrderByKeyThenSeqDesc(t *testing.T) {
	newer := NewSlice([]types.Record{rec("b", 5, "b5"), rec("d", 6, "")})
	older := NewSlice([]types.Record{rec("a", 1, "a1"), rec("b", 2, "b2"), rec("c", 3, "c3"), rec("d", 4, "d4")})

	m := NewMerging(newer, older)
	m.First()
	assert.Equal(t, []string{"a@1", "b@5", "b@2", "c@3", "d@6", "d@4"}, collect(m))
	require.NoError(t, m.Err())

	// restartable
	m.First()
	assert.Equal(t, 6, len(collect(m)))

	m.Seek([]byte("c"))
	assert.Equal(t, []string{"c@3", "d@6", "d@4"}, collect(m))
}

func TestMerging_Empty(t *testing.T) {
	m := NewMerging(NewSlice(nil), NewSlice(nil))
	m.First()
	assert.False(t, m.Valid())
	require.NoError(t, m.Close())
}

type failingIterator struct {
	*SliceIterator
	err error
}

func (f *failingIterator) Next() {
	f.SliceIterator.Next()
	if !f.SliceIterator.Valid() {
		f.err = errors.New("boom")
	}
}

func (f *failingIterator) Err() error { return f.err }

func TestMerging_PropagatesChildError(t *testing.T) {
	bad := &failingIterator{SliceIterator: NewSlice([]types.Record{rec("a", 1, "x")})}
	m := NewMerging(bad, NewSlice([]types.Record{rec("b", 2, "y")}))
	m.First()
	require.True(t, m.Valid())
	m.Next()
	assert.False(t, m.Valid())
	assert.EqualError(t, m.Err(), "boom")
}

func TestSliceIterator_Seek(t *testing.T) {
	it := NewSlice([]types.Record{rec("a", 1, "1"), rec("c", 2, "2"), rec("e", 3, "3")})
	assert.False(t, it.Valid(), "unpositioned until First or Seek")

	it.Seek([]byte("b"))
	require.True(t, it.Valid())
	assert.Equal(t, "c", string(it.Key()))

	it.Seek([]byte("f"))
	assert.False(t, it.Valid())
}
