package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	data := bytes.Repeat([]byte("lsmkv block payload "), 512)

	for _, typ := range []Type{None, Snappy, Zstd, LZ4} {
		t.Run(typ.String(), func(t *testing.T) {
			enc, err := Compress(typ, data)
			require.NoError(t, err)
			if typ != None {
				assert.Less(t, len(enc), len(data))
			}

			dec, err := Decompress(typ, enc)
			require.NoError(t, err)
			assert.Equal(t, data, dec)
		})
	}
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]Type{"": None, "none": None, "Snappy": Snappy, "zstd": Zstd, "LZ4": LZ4} {
		got, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseType("gzip")
	assert.Error(t, err)
}

func TestDecompress_Garbage(t *testing.T) {
	_, err := Decompress(Snappy, []byte{0xff, 0xff, 0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = Decompress(Type(9), []byte("x"))
	assert.Error(t, err)
}
