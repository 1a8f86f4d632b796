// Package app implements the catflow command line: running workflow
// operations in the working directory, queueing them as jobs on the
// shared database, and launching workers. Everything goes through
// Run(argv, stdout, stderr) so the tests can drive complete commands
// in-process.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/catflow/catflow/config"
	"github.com/catflow/catflow/flow"
)

const version = "0.2.0"

// Exit codes: 0 on success, 1 when an operation fails, 2 on a usage
// error.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

const usageText = `catflow drives atomistic simulation workflows: it runs
calculators on structures, relaxes geometries into a shared database,
and optimizes reaction paths.

Usage:

  catflow <command> [flags]

Commands:

  energy     run a calculation on a structure and read back its images
  relax      relax a structure and persist the path to the shared database
  neb        optimize a reaction path between two structures
  queue add  queue an operation as a job for the workers
  queue ls   list jobs
  launch     run queued jobs, one at a time
  db ls      list the systems stored in the shared database
  version    print the catflow version

Every command loads catflow.yaml from the working directory, the file
named by CATFLOW_CONFIG, or the one given with -config. Run
"catflow <command> -h" for the flags of a command.
`

// Run executes one catflow command and returns its exit code.
func Run(argv []string, stdout, stderr io.Writer) int {
	return RunContext(context.Background(), argv, stdout, stderr)
}

func RunContext(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	if len(argv) == 0 {
		fmt.Fprint(stdout, usageText)
		return exitOK
	}
	cmd, rest := argv[0], argv[1:]
	switch cmd {
	case "energy":
		return cmdEnergy(ctx, rest, stdout, stderr)
	case "relax":
		return cmdRelax(ctx, rest, stdout, stderr)
	case "neb":
		return cmdNEB(ctx, rest, stdout, stderr)
	case "queue":
		return cmdQueue(ctx, rest, stdout, stderr)
	case "launch":
		return cmdLaunch(ctx, rest, stdout, stderr)
	case "db":
		return cmdDB(ctx, rest, stdout, stderr)
	case "version", "-version", "--version":
		fmt.Fprintf(stdout, "catflow version %s\n", version)
		return exitOK
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usageText)
		return exitOK
	}
	fmt.Fprintf(stderr, "catflow: unknown command %q\n\n", cmd)
	fmt.Fprint(stderr, usageText)
	return exitUsage
}

// flags returns the FlagSet for one command with the -config flag
// every command shares. ContinueOnError leaves the exit code to the
// caller.
func flags(name string, errw io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet("catflow "+name, flag.ContinueOnError)
	fs.SetOutput(errw)
	conf := fs.String("config", "", "project configuration file")
	return fs, conf
}

// parse folds flag errors into exit codes: -h is not an error, and
// the flag package has already written the message.
func parse(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, false
		}
		return exitUsage, false
	}
	return exitOK, true
}

// setup loads the project configuration and applies it to the
// workflow packages: the shared database and the per-calculator
// machine settings.
func setup(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	flow.DatabaseDSN = cfg.Database
	for name, cc := range cfg.Calculators {
		flow.Calculators[name] = flow.Calculator{
			Command:   cc.Command,
			NCPU:      cc.NCPU,
			PseudoDir: cc.PseudoDir,
			Pseudos:   cc.Pseudos,
		}
	}
	return cfg, nil
}

// openLogger returns a timestamped logger on stderr, copied into the
// configured log file when one is set, so runs can be inspected after
// the terminal is gone.
func openLogger(path string, stderr io.Writer) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(stderr, "", log.LstdFlags), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return log.New(io.MultiWriter(stderr, f), "", log.LstdFlags), func() { f.Close() }, nil
}
