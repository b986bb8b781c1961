package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"lsmkv/pkg/compression"
)

// BenchResult holds the figures of one codec over the whole input.
type BenchResult struct {
	Codec            compression.Type
	OriginalSize     int64
	CompressedSize   int64
	Blocks           int
	CompressTime     time.Duration
	DecompressTime   time.Duration
	Ratio            float64
	CompressionRatio float64
}

// Compares the segment block codecs on a sample file, cut into blocks the
// way a segment writer would.
func main() {
	var (
		input     = flag.String("input", "", "input file path")
		blockSize = flag.Int("block-size", 4<<10, "bytes per block")
		codecs    = flag.String("codecs", "none,snappy,zstd,lz4", "comma separated codecs to compare")
	)
	flag.Parse()

	if *input == "" {
		log.Fatal("input file is required")
	}
	if *blockSize < 1 {
		log.Fatal("block-size must be positive")
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	var types []compression.Type
	for _, name := range strings.Split(*codecs, ",") {
		t, err := compression.ParseType(strings.TrimSpace(name))
		if err != nil {
			log.Fatal(err)
		}
		types = append(types, t)
	}

	blocks := split(data, *blockSize)
	results := make([]BenchResult, 0, len(types))
	for _, t := range types {
		fmt.Printf("Benchmarking %s...\n", t)
		r, err := benchmark(t, blocks)
		if err != nil {
			fmt.Printf("  %s failed: %v\n", t, err)
			continue
		}
		results = append(results, r)
	}

	printResults(results)
}

func split(data []byte, size int) [][]byte {
	var blocks [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		blocks = append(blocks, data[:n])
		data = data[n:]
	}
	return blocks
}

func benchmark(t compression.Type, blocks [][]byte) (BenchResult, error) {
	r := BenchResult{Codec: t, Blocks: len(blocks)}
	compressed := make([][]byte, len(blocks))

	start := time.Now()
	for i, b := range blocks {
		c, err := compression.Compress(t, b)
		if err != nil {
			return r, fmt.Errorf("compress block %d: %w", i, err)
		}
		compressed[i] = c
		r.OriginalSize += int64(len(b))
		r.CompressedSize += int64(len(c))
	}
	r.CompressTime = time.Since(start)

	start = time.Now()
	for i, c := range compressed {
		d, err := compression.Decompress(t, c)
		if err != nil {
			return r, fmt.Errorf("decompress block %d: %w", i, err)
		}
		if !bytes.Equal(d, blocks[i]) {
			return r, fmt.Errorf("block %d does not round-trip", i)
		}
	}
	r.DecompressTime = time.Since(start)

	if r.OriginalSize > 0 && r.CompressedSize > 0 {
		r.Ratio = float64(r.CompressedSize) / float64(r.OriginalSize) * 100
		r.CompressionRatio = float64(r.OriginalSize) / float64(r.CompressedSize)
	}
	return r, nil
}

func printResults(results []BenchResult) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 80))
	fmt.Printf("BLOCK CODEC BENCHMARK RESULTS\n")
	fmt.Printf("%s\n", strings.Repeat("=", 80))
	fmt.Printf("%-10s %8s %12s %12s %10s %10s %10s %10s\n",
		"Codec", "Blocks", "Original", "Compressed", "Ratio %", "Compress", "Decompress", "Ratio")
	fmt.Printf("%-10s %8s %12s %12s %10s %10s %10s %10s\n",
		"-----", "------", "--------", "----------", "-------", "--------", "----------", "-----")

	for _, r := range results {
		fmt.Printf("%-10s %8d %12d %12d %9.2f%% %9v %10v %9.2fx\n",
			r.Codec,
			r.Blocks,
			r.OriginalSize,
			r.CompressedSize,
			r.Ratio,
			r.CompressTime,
			r.DecompressTime,
			r.CompressionRatio,
		)
	}
}
