package main

import (
	"context"
	"fmt"
	"io"
	"math/bits"
	"os"
	"os/user"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/runctl"
	"github.com/xtxerr/fnetdaq/internal/stats"
	"github.com/xtxerr/fnetdaq/internal/storage/eventfile"
	"github.com/xtxerr/fnetdaq/internal/storage/query"
	"github.com/xtxerr/fnetdaq/internal/wire"
)

// =============================================================================
// run
// =============================================================================

func runCmd(args []string) error {
	fs := newFlagSet("run", "start|stop|subrun")
	url := fs.String("broker", config.DefaultBrokerURL, "NATS URL")
	prefix := fs.String("prefix", config.DefaultSubjectPrefix, "subject prefix")
	run := fs.Uint32P("run", "r", 0, "run number")
	subRun := fs.Uint32P("subrun", "s", 0, "sub-run number")
	comment := fs.StringP("comment", "m", "", "free text stored with the announcement")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.NewMissingField("action")
	}

	msg := runctl.Message{
		Action:  runctl.Action(fs.Arg(0)),
		Run:     *run,
		SubRun:  *subRun,
		Time:    time.Now().UTC(),
		Comment: *comment,
	}
	if !msg.Action.Valid() {
		return errors.NewInvalidValue("action", fs.Arg(0), "must be start, stop or subrun")
	}
	if u, err := user.Current(); err == nil {
		msg.Operator = u.Username
	}
	data, err := runctl.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := broker.NewClient(*url, broker.WithName("daqctl"))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	subject := broker.NewSubjects(*prefix).RunControl()
	if err := client.Publish(subject, data); err != nil {
		return err
	}
	if err := client.Flush(ctx); err != nil {
		return err
	}
	fmt.Printf("%s run %d.%d on %s\n", msg.Action, msg.Run, msg.SubRun, subject)
	return nil
}

// =============================================================================
// summary, sql
// =============================================================================

func summaryCmd(args []string) error {
	fs := newFlagSet("summary", "[dir]")
	memory := fs.String("memory", "", "DuckDB memory limit, e.g. 512MB")
	if ok, err := parse(fs, args); !ok {
		return err
	}

	dir := fs.Arg(0)
	if dir == "" {
		dir = "data"
	}
	svc, err := query.New(query.Options{Dir: dir, MemoryLimit: *memory})
	if err != nil {
		return err
	}
	defer svc.Close()

	runs, err := svc.RunSummaries(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "RUN\tEVENTS\tCOMPLETE\tINCOMPLETE\tFIRST\tLAST\tBYTES\tMAX SKEW\tP99 SKEW\t")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f\t\n",
			r.Run, r.Events, r.Complete, r.Incomplete, r.FirstEvent, r.LastEvent,
			r.Bytes, r.MaxSkew, r.P99Skew)
	}
	return tw.Flush()
}

func sqlCmd(args []string) error {
	fs := newFlagSet("sql", "query")
	dir := fs.StringP("dir", "d", "data", "index directory")
	memory := fs.String("memory", "", "DuckDB memory limit, e.g. 512MB")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	stmt := joinArgs(fs.Args())
	if stmt == "" {
		fs.Usage()
		return errors.NewMissingField("query")
	}

	svc, err := query.New(query.Options{Dir: *dir, MemoryLimit: *memory})
	if err != nil {
		return err
	}
	defer svc.Close()

	rows, err := svc.ExecuteSQL(context.Background(), stmt)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("(no rows)")
		return nil
	}

	cols := make([]string, 0, len(rows[0]))
	for c := range rows[0] {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(cols, "\t")+"\t")
	for _, row := range rows {
		vals := make([]string, len(cols))
		for i, c := range cols {
			vals[i] = fmt.Sprint(row[c])
		}
		fmt.Fprintln(tw, strings.Join(vals, "\t")+"\t")
	}
	return tw.Flush()
}

// =============================================================================
// stats, dump
// =============================================================================

func statsCmd(args []string) error {
	fs := newFlagSet("stats", "file")
	oneLine := fs.BoolP("line", "l", false, "one snapshot per line")
	kind := fs.String("kind", "", "only snapshots of this kind (builder or zipper)")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.NewMissingField("file")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer f.Close()

	r := wire.NewReader(f)
	for {
		s, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if *kind != "" && stats.Kind(s) != *kind {
			continue
		}
		if *oneLine {
			fmt.Println(stats.Line(s))
		} else {
			fmt.Println(stats.Format(s))
		}
	}
}

func dumpCmd(args []string) error {
	fs := newFlagSet("dump", "file")
	limit := fs.IntP("limit", "n", 0, "stop after this many records")
	if ok, err := parse(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.NewMissingField("file")
	}

	mr, err := eventfile.OpenMergedReader(fs.Arg(0))
	if err != nil {
		return err
	}
	defer mr.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tSTATUS\tMASK\tDEVICES\tBYTES\t")
	for n := 0; *limit <= 0 || n < *limit; n++ {
		m, err := mr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			tw.Flush()
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%d\t%d\t\n",
			m.ID, m.Status, m.Mask, bits.OnesCount64(m.Mask), m.Size())
	}
	return tw.Flush()
}
