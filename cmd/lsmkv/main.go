package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

type command func(ctx context.Context, out io.Writer, args []string) error

var commands = map[string]command{
	"put":     runPut,
	"get":     runGet,
	"delete":  runDelete,
	"scan":    runScan,
	"export":  runExport,
	"import":  runImport,
	"inspect": runInspect,
}

const usage = `usage: lsmkv <command> [flags]

commands:
  serve    run the HTTP server (-config)
  put      store a key (-addr)
  get      read a key (-addr)
  delete   delete a key (-addr)
  scan     list a key range (-addr, -start, -end, -limit)
  export   dump a database directory to SQLite (-dir, -out)
  import   load a SQLite dump into a database directory (-dir, -in)
  inspect  print the manifest of a database directory (-dir)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	name, args := os.Args[1], os.Args[2:]

	var err error
	if name == "serve" {
		err = runServe(args)
	} else if cmd, ok := commands[name]; ok {
		err = cmd(context.Background(), os.Stdout, args)
	} else {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "lsmkv %s: %v\n", name, err)
		os.Exit(1)
	}
}
