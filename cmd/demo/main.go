package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"time"

	"lsmkv/pkg/client"
)

func call(ctx context.Context, c *client.HTTPStore, method, key, value string) {
	switch method {
	case "put":
		fmt.Printf("[client] PUT    key=%s value=%s\n", key, value)
		if err := c.PutString(ctx, key, value); err != nil {
			fmt.Println("[client] ERROR:", err)
			return
		}
		fmt.Println("[client] OK")
	case "get":
		fmt.Printf("[client] GET    key=%s\n", key)
		val, ok, err := c.GetString(ctx, key)
		switch {
		case err != nil:
			fmt.Println("[client] ERROR:", err)
		case !ok:
			fmt.Println("[client] NOT FOUND")
		default:
			fmt.Printf("[client] VALUE: %s\n", val)
		}
	case "delete":
		fmt.Printf("[client] DELETE key=%s\n", key)
		if err := c.Delete(ctx, key); err != nil {
			fmt.Println("[client] ERROR:", err)
			return
		}
		fmt.Println("[client] OK")
	default:
		fmt.Printf("unsupported method: %s\n", method)
	}
}

func pause(msg string) {
	fmt.Println()
	fmt.Println(msg)
	fmt.Print("Нажми Enter, чтобы продолжить...")
	_, _ = bufio.NewReader(os.Stdin).ReadBytes('\n')
}

// waitHealthy polls the server until it answers or the deadline passes.
func waitHealthy(ctx context.Context, c *client.HTTPStore, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	for {
		if err := c.Health(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: demo http://localhost:8080")
		os.Exit(1)
	}

	ctx := context.Background()
	c := client.NewHTTPStore(os.Args[1])

	fmt.Println("=== BASIC API CHECK ===")
	call(ctx, c, "put", "user:1", "Alice")
	call(ctx, c, "put", "user:2", "Bob")
	call(ctx, c, "put", "config:timeout", "30s")

	call(ctx, c, "get", "user:1", "")
	call(ctx, c, "get", "user:2", "")

	call(ctx, c, "put", "user:1", "Alice Updated")
	call(ctx, c, "get", "user:1", "")

	call(ctx, c, "delete", "user:2", "")
	call(ctx, c, "get", "user:2", "")

	const totalKeys = 1000

	fmt.Printf("\n=== [STEP 1] writing %d keys, half of them flushed to segments ===\n", totalKeys)
	for i := 0; i < totalKeys; i++ {
		if err := c.PutString(ctx, fmt.Sprintf("key-%04d", i), fmt.Sprintf("val-%d", i)); err != nil {
			fmt.Printf("  key-%04d: %v\n", i, err)
		}
		if i == totalKeys/2 {
			if err := c.Flush(ctx); err != nil {
				fmt.Println("  flush failed:", err)
			}
		}
	}

	pause(`=== [STEP 2] CRASH TEST ===
The second half of the keys lives only in the WAL and the memtable.
1) Kill the server without a clean shutdown, for example:
   kill -9 <pid>
2) Start it again on the same data directory.
Recovery replays the WAL, so every acknowledged write must be readable.`)

	if err := waitHealthy(ctx, c, 30*time.Second); err != nil {
		fmt.Println("server did not come back:", err)
		os.Exit(1)
	}

	fmt.Println("\n=== [STEP 3] checking keys after restart ===")
	call(ctx, c, "get", "user:1", "")
	call(ctx, c, "get", "user:2", "")

	var okCount, notFoundCount, errCount int
	for i := 0; i < totalKeys; i++ {
		key := fmt.Sprintf("key-%04d", i)
		val, ok, err := c.GetString(ctx, key)
		switch {
		case err != nil:
			errCount++
			fmt.Printf("[check] key=%s ERROR: %v\n", key, err)
		case !ok:
			notFoundCount++
		case val != fmt.Sprintf("val-%d", i):
			errCount++
			fmt.Printf("[check] key=%s unexpected value %q\n", key, val)
		default:
			okCount++
		}
	}

	fmt.Printf("\n=== SUMMARY AFTER RESTART ===\n")
	fmt.Printf("  OK:        %d\n", okCount)
	fmt.Printf("  NOT FOUND: %d\n", notFoundCount)
	fmt.Printf("  ERR:       %d\n", errCount)
	fmt.Println("With a working WAL, NOT FOUND must be 0.")
}
