// Command phasetune searches PID gains for a phase stabilizer by driving the
// controller and scoring captured error traces with a genetic algorithm.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/banshee-data/phasetune/internal/version"
)

const usage = `usage: phasetune <command> [flags]

commands:
  run      run an optimization against the configured hardware
  runs     list stored runs
  export   export a stored run as json, csv, html or png
  version  print build information

Run "phasetune <command> -h" for the flags of a command.
`

// errUsage means the flags were wrong and usage has already been printed.
var errUsage = errors.New("usage")

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := dispatch(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		log.Printf("phasetune: %v", err)
		os.Exit(1)
	}
}

func dispatch(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return errUsage
	}
	switch args[0] {
	case "run":
		return runCommand(ctx, args[1:], stdout, stderr)
	case "runs":
		return runsCommand(ctx, args[1:], stdout, stderr)
	case "export":
		return exportCommand(ctx, args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.String("phasetune"))
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return errUsage
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("phasetune "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
