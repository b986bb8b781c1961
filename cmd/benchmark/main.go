package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"lsmkv/pkg/client"
	"lsmkv/pkg/config"
	"lsmkv/pkg/store"

	"github.com/zhangyunhao116/fastrand"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// target is the store under test, local or behind the HTTP API.
type target interface {
	put(ctx context.Context, key, value string) error
	get(ctx context.Context, key string) (string, bool, error)
}

type localTarget struct{ st *store.Store }

func (t localTarget) put(_ context.Context, key, value string) error { return t.st.PutString(key, value) }

func (t localTarget) get(_ context.Context, key string) (string, bool, error) {
	return t.st.GetString(key)
}

type remoteTarget struct{ c *client.HTTPStore }

func (t remoteTarget) put(ctx context.Context, key, value string) error {
	return t.c.PutString(ctx, key, value)
}

func (t remoteTarget) get(ctx context.Context, key string) (string, bool, error) {
	return t.c.GetString(ctx, key)
}

func main() {
	var (
		addr        = flag.String("addr", "", "benchmark a running server at this URL instead of a local store")
		dir         = flag.String("dir", "", "data directory for the local store (temporary if empty)")
		ops         = flag.Int("ops", 10000, "operations per test")
		concurrency = flag.Int("c", 10, "goroutines for the concurrent tests")
		valueSize   = flag.Int("value-size", 100, "value size in bytes")
	)
	flag.Parse()

	ctx := context.Background()

	var tgt target
	if *addr != "" {
		c := client.NewHTTPStore(*addr)
		if err := c.Health(ctx); err != nil {
			fmt.Printf("ERROR: node %s is not available: %v\n", *addr, err)
			os.Exit(1)
		}
		tgt = remoteTarget{c: c}
		fmt.Printf("Target: %s\n", *addr)
	} else {
		st, cleanup, err := openLocal(*dir)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		tgt = localTarget{st: st}
		fmt.Printf("Target: local store in %s\n", st.Dir())
	}

	fmt.Println("=== LSMKV Benchmark ===")
	fmt.Println()

	value := randomValue(*valueSize)

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", *ops)
	printResult(benchmarkWrites(ctx, tgt, "seq", value, *ops, 1))

	fmt.Printf("\nTest 2: Random Reads (%d operations)\n", *ops)
	printResult(benchmarkReads(ctx, tgt, "seq", *ops, *ops, 1))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmarkWrites(ctx, tgt, "conc", value, *ops, *concurrency))

	fmt.Printf("\nTest 4: Concurrent Random Reads (%d operations, %d goroutines)\n", *ops, *concurrency)
	printResult(benchmarkReads(ctx, tgt, "seq", *ops, *ops, *concurrency))

	fmt.Println("\n=== Benchmark Complete ===")
}

func openLocal(dir string) (*store.Store, func(), error) {
	removeDir := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "lsmkv-bench-")
		if err != nil {
			return nil, nil, err
		}
		dir, removeDir = tmp, true
	}

	cfg := config.DefaultDB(dir)
	cfg.WAL.Sync = config.WALSyncNone

	st, err := store.Open(cfg)
	if err != nil {
		return nil, nil, err
	}

	return st, func() {
		if err := st.Close(); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
		if removeDir {
			_ = os.RemoveAll(dir)
		}
	}, nil
}

func randomValue(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[fastrand.Intn(len(alphabet))]
	}
	return string(b)
}

func benchKey(prefix string, i int) string {
	return fmt.Sprintf("bench_%s_%010d", prefix, i)
}

// run splits totalOps over concurrency goroutines and times every call of op.
func run(totalOps, concurrency int, op func(worker, i int) error) BenchmarkResult {
	start := time.Now()
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successful int
		failed     int
		latencies  = make([]time.Duration, 0, totalOps)
	)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for g := 0; g < concurrency; g++ {
		ops := opsPerGoroutine
		if g < remainder {
			ops++
		}

		wg.Add(1)
		go func(worker, ops int) {
			defer wg.Done()
			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(worker, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(g, ops)
	}

	wg.Wait()
	return summarize(totalOps, successful, failed, time.Since(start), latencies)
}

func benchmarkWrites(ctx context.Context, tgt target, prefix, value string, totalOps, concurrency int) BenchmarkResult {
	perWorker := totalOps/concurrency + 1
	return run(totalOps, concurrency, func(worker, i int) error {
		return tgt.put(ctx, benchKey(prefix, worker*perWorker+i), value)
	})
}

// benchmarkReads reads random keys among the first keySpace written by a
// sequential write test.
func benchmarkReads(ctx context.Context, tgt target, prefix string, keySpace, totalOps, concurrency int) BenchmarkResult {
	return run(totalOps, concurrency, func(_, _ int) error {
		key := benchKey(prefix, fastrand.Intn(keySpace))
		_, found, err := tgt.get(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("key %s not found", key)
		}
		return nil
	})
}

func summarize(total, successful, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	var minLat, maxLat, sum time.Duration
	if len(latencies) > 0 {
		minLat, maxLat = latencies[0], latencies[0]
		for _, lat := range latencies {
			minLat = min(minLat, lat)
			maxLat = max(maxLat, lat)
			sum += lat
		}
	}

	res := BenchmarkResult{
		TotalOps:      total,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		MinLatency:    minLat,
		MaxLatency:    maxLat,
	}
	if len(latencies) > 0 {
		res.AvgLatency = sum / time.Duration(len(latencies))
	}
	if duration > 0 {
		res.OpsPerSec = float64(successful) / duration.Seconds()
	}
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
