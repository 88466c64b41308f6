// Command relaybackup is the single entrypoint for the backup
// engine's hub process and its operator-facing maintenance
// subcommands: serve, keypack export/import, master-key rotate,
// restore, and verify.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "relaybackup: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("relaybackup", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	configPath := root.String("config", "", "path to the hub's YAML config file")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	switch remaining[0] {
	case "serve":
		return runServe(ctx, *configPath, remaining[1:])
	case "keypack":
		return runKeypack(ctx, *configPath, remaining[1:])
	case "master-key":
		return runMasterKey(ctx, *configPath, remaining[1:])
	case "restore":
		return runRestore(ctx, remaining[1:])
	case "verify":
		return runVerify(ctx, remaining[1:])
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	return fmt.Errorf(`%w

usage: relaybackup [-config path] <command> [args]

commands:
  serve                      run the hub: HTTP API, scheduler, reconcile loops
  keypack export <kind> <name> <file>   export one secret's envelope to file
  keypack import <kind> <name> <file>   import a secret envelope from file
  master-key rotate <new-master-env>    add a new key version, re-wrap secrets
  restore                    extract a completed run to a local directory
  verify                     verify a restored run against its entries index`, err)
}
