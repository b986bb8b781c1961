package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lsmkv/pkg/client"
	"lsmkv/pkg/config"
	"lsmkv/pkg/export"
	"lsmkv/pkg/persistence"
	"lsmkv/pkg/store"

	json "github.com/json-iterator/go"
)

const defaultAddr = "http://localhost:8080"

// remoteFlags parses -addr and returns a client and the positional args.
func remoteFlags(name string, args []string) (*client.HTTPStore, []string, error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "server URL")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return client.NewHTTPStore(*addr), fs.Args(), nil
}

func runPut(ctx context.Context, out io.Writer, args []string) error {
	c, rest, err := remoteFlags("put", args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: lsmkv put [-addr URL] KEY VALUE")
	}
	if err := c.PutString(ctx, rest[0], rest[1]); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "OK")
	return err
}

func runGet(ctx context.Context, out io.Writer, args []string) error {
	c, rest, err := remoteFlags("get", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: lsmkv get [-addr URL] KEY")
	}
	val, ok, err := c.GetString(ctx, rest[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", rest[0])
	}
	_, err = fmt.Fprintln(out, val)
	return err
}

func runDelete(ctx context.Context, out io.Writer, args []string) error {
	c, rest, err := remoteFlags("delete", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return fmt.Errorf("usage: lsmkv delete [-addr URL] KEY")
	}
	if err := c.Delete(ctx, rest[0]); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, "OK")
	return err
}

func runScan(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	addr := fs.String("addr", defaultAddr, "server URL")
	start := fs.String("start", "", "first key, inclusive")
	end := fs.String("end", "", "last key, exclusive")
	limit := fs.Int("limit", 0, "maximum number of pairs (0 = all)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.NewHTTPStore(*addr)
	printed := 0
	from := *start
	for {
		page := 0
		if *limit > 0 {
			page = *limit - printed
		}
		items, next, err := c.Scan(ctx, from, *end, page)
		if err != nil {
			return err
		}
		for _, kv := range items {
			if _, err := fmt.Fprintf(out, "%s\t%s\n", kv.Key, kv.Value); err != nil {
				return err
			}
		}
		printed += len(items)
		if next == "" || (*limit > 0 && printed >= *limit) {
			return nil
		}
		from = next
	}
}

// runExport dumps a database directory into a SQLite file. The database
// must not be open by a server.
func runExport(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dir := fs.String("dir", "./data", "database directory")
	dest := fs.String("out", "lsmkv.sqlite", "SQLite file to write")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(config.DefaultDB(*dir))
	if err != nil {
		return err
	}
	n, err := export.ToSQLite(ctx, st, *dest)
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "exported %d keys to %s\n", n, *dest)
	return err
}

func runImport(ctx context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dir := fs.String("dir", "./data", "database directory")
	src := fs.String("in", "lsmkv.sqlite", "SQLite file to read")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := store.Open(config.DefaultDB(*dir))
	if err != nil {
		return err
	}
	n, err := export.FromSQLite(ctx, st, *src)
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "imported %d keys from %s\n", n, *src)
	return err
}

// runInspect prints the manifest of a database directory without opening
// the database.
func runInspect(_ context.Context, out io.Writer, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("dir", "./data", "database directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(*dir, persistence.ManifestFileName)); err != nil {
		return fmt.Errorf("no database in %s: %w", *dir, err)
	}
	m, err := persistence.LoadManifest(*dir)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(m.Data())
}
