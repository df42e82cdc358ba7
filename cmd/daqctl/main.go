// daqctl is the operator tool: it talks to a builder's control channel,
// announces run boundaries and inspects recorded data.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/xtxerr/fnetdaq/internal/logging"
)

const usage = `usage: daqctl <command> [flags] [args]

commands:
  control   send control commands to a builder, or open a shell
  run       announce a run boundary on the broker
  summary   summarize recorded runs from the event index
  sql       run a SQL query against the event index (view "events")
  stats     print a stats log file
  dump      print the records of a merged file
`

type command func(args []string) error

var commands = map[string]command{
	"control": controlCmd,
	"run":     runCmd,
	"summary": summaryCmd,
	"sql":     sqlCmd,
	"stats":   statsCmd,
	"dump":    dumpCmd,
}

func main() {
	logging.Init(logging.LevelFromVerbosity(-1), false)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		fmt.Print(usage)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "daqctl: unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}
	if err := cmd(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "daqctl %s: %v\n", name, err)
		os.Exit(1)
	}
}

// parse parses args with fs, treating -h as success.
func parse(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func newFlagSet(name, args string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: daqctl %s [flags] %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
