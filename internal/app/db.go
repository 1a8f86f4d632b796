package app

import (
	"context"
	"fmt"
	"io"

	"github.com/catflow/catflow/db"
)

func cmdDB(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "catflow db: ls is required")
		return exitUsage
	}
	switch args[0] {
	case "ls":
		return cmdDBLs(ctx, args[1:], stdout, stderr)
	}
	fmt.Fprintf(stderr, "catflow db: unknown subcommand %q\n", args[0])
	return exitUsage
}

func cmdDBLs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, conf := flags("db ls", stderr)
	if code, ok := parse(fs, args); !ok {
		return code
	}
	cfg, err := setup(*conf)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	d, err := db.Connect(cfg.Database)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer d.Close()
	systems, err := d.ListSystems(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if len(systems) == 0 {
		fmt.Fprintln(stdout, "no stored systems")
		return exitOK
	}
	fmt.Fprintf(stdout, "%4s  %-10s  %6s  %14s  %-19s  %s\n",
		"ID", "FORMULA", "ATOMS", "ENERGY (eV)", "UPDATED", "TAG")
	for _, s := range systems {
		fmt.Fprintf(stdout, "%4d  %-10s  %6d  %14.6f  %-19s  %s\n",
			s.ID, s.Formula, s.NAtoms, s.Energy,
			s.Updated.Format("2006-01-02 15:04:05"), s.Tag)
	}
	return exitOK
}
