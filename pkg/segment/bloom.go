package segment

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/zeebo/xxh3"
)

const (
	bloomMinBits  = 64
	bloomMaxHashs = 30
)

// bloomFilter answers "definitely absent" for keys not in a segment.
// Probes use double hashing over the two halves of an xxh3 digest.
type bloomFilter struct {
	words []uint64
	nbits uint32
	k     uint32
}

func newBloomFilter(expectedItems int, falsePositiveRate float64) *bloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	// m = -(n * ln(p)) / (ln(2)^2)
	m := uint32(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < bloomMinBits {
		m = bloomMinBits
	}
	// k = (m/n) * ln(2)
	k := uint32(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	k = min(max(k, 1), bloomMaxHashs)

	return &bloomFilter{
		words: make([]uint64, (m+63)/64),
		nbits: m,
		k:     k,
	}
}

func bloomHash(key []byte) uint64 {
	return xxh3.Hash(key)
}

func (bf *bloomFilter) addHash(h uint64) {
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.nbits
		bf.words[bit/64] |= 1 << (bit % 64)
	}
}

func (bf *bloomFilter) mayContain(key []byte) bool {
	h := bloomHash(key)
	h1, h2 := uint32(h), uint32(h>>32)
	for i := uint32(0); i < bf.k; i++ {
		bit := (h1 + i*h2) % bf.nbits
		if bf.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// encoding: k u32 | nbits u32 | words
func (bf *bloomFilter) encode() []byte {
	b := make([]byte, 0, 8+8*len(bf.words))
	b = binary.LittleEndian.AppendUint32(b, bf.k)
	b = binary.LittleEndian.AppendUint32(b, bf.nbits)
	for _, w := range bf.words {
		b = binary.LittleEndian.AppendUint64(b, w)
	}
	return b
}

func decodeBloomFilter(b []byte) (*bloomFilter, error) {
	if len(b) < 8 {
		return nil, errors.New("truncated bloom filter")
	}
	bf := &bloomFilter{
		k:     binary.LittleEndian.Uint32(b),
		nbits: binary.LittleEndian.Uint32(b[4:]),
	}
	if bf.k == 0 || bf.k > bloomMaxHashs || bf.nbits == 0 {
		return nil, errors.New("bad bloom filter parameters")
	}
	nwords := int((bf.nbits + 63) / 64)
	if len(b)-8 != nwords*8 {
		return nil, errors.New("bloom filter size mismatch")
	}
	bf.words = make([]uint64, nwords)
	for i := range bf.words {
		bf.words[i] = binary.LittleEndian.Uint64(b[8+8*i:])
	}
	return bf, nil
}
