// zipperd correlates the event notifications of all builders into merged
// multi-device records.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/loader"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/metric"
	"github.com/xtxerr/fnetdaq/internal/storage/eventfile"
	"github.com/xtxerr/fnetdaq/internal/storage/index"
	"github.com/xtxerr/fnetdaq/internal/zipper"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("zipperd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "zipperd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		brokerURL  string
		outputDir  string
		mask       string
		metricsAt  string
		maxEvents  uint64
		noSave     bool
		verbose    int
		quiet      int
	)

	flagSet := pflag.NewFlagSet("zipperd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flagSet.StringVar(&brokerURL, "broker", "", "NATS URL (overrides config)")
	flagSet.StringVarP(&outputDir, "output", "o", "", "output directory (overrides config)")
	flagSet.StringVarP(&mask, "mask", "m", "", "complete mask, e.g. 0x30 (overrides config)")
	flagSet.StringVar(&metricsAt, "metrics", "", "prometheus listen address (overrides config)")
	flagSet.Uint64VarP(&maxEvents, "max-events", "n", 0, "stop after this many merged records (overrides config)")
	flagSet.BoolVar(&noSave, "no-save", false, "do not write merged files")
	flagSet.CountVarP(&verbose, "verbose", "v", "more log output, repeatable")
	flagSet.CountVarP(&quiet, "quiet", "q", "less log output, repeatable")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loader.LoadZipper(configPath)
	if err != nil {
		return err
	}

	// CLI overrides
	if flagSet.Changed("broker") {
		cfg.Broker.URL = brokerURL
	}
	if flagSet.Changed("output") {
		cfg.Output.Dir = outputDir
	}
	if flagSet.Changed("mask") {
		m, err := loader.ParseMask(mask)
		if err != nil {
			return err
		}
		cfg.Zipper.CompleteMask = m
	}
	if flagSet.Changed("metrics") {
		cfg.Metrics.Listen = metricsAt
	}
	if flagSet.Changed("max-events") {
		cfg.Zipper.MaxEvents = maxEvents
	}
	if noSave {
		cfg.Output.Save = false
	}
	cfg.Log.Verbosity += verbose - quiet

	if err := cfg.Validate(); err != nil {
		return err
	}

	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	instance := uuid.NewString()
	log.Info("zipperd starting", "version", Version, "instance", instance,
		"complete_mask", cfg.Zipper.CompleteMask.String())

	ctx, cancel := signalContext()
	defer cancel()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close failed", "error", err)
			}
		}
	}()

	// =========================================================================
	// Broker
	// =========================================================================

	client := broker.NewClient(cfg.Broker.URL, broker.WithName("zipperd"))
	if err := client.Connect(ctx); err != nil {
		return err
	}
	closers = append(closers, client)

	// =========================================================================
	// Outputs
	// =========================================================================

	reg := metric.NewRegistry()
	out := zipper.Outputs{Metrics: metric.NewZipper(reg.Registerer())}

	var (
		merged *eventfile.MergedWriter
		rows   *index.Writer
	)
	if cfg.Output.Save {
		merged, err = eventfile.NewMergedWriter(cfg.Output.Dir, cfg.MergedOptions())
		if err != nil {
			return fmt.Errorf("merged files: %w", err)
		}
		closers = append(closers, merged)
		out.Merged = merged

		rows, err = index.NewWriter(cfg.Output.Dir, cfg.IndexOptions())
		if err != nil {
			return fmt.Errorf("event index: %w", err)
		}
		closers = append(closers, rows)
		out.Index = rows
	}

	subjects := broker.NewSubjects(cfg.Broker.Prefix)
	if cfg.Zipper.ForwardRate > 0 {
		out.Forward, err = zipper.NewForwarder(client, subjects.Merged(), cfg.Zipper.ForwardRate)
		if err != nil {
			return err
		}
	}

	corr, err := zipper.New(cfg.CorrelatorSettings(), out)
	if err != nil {
		return err
	}

	scfg := cfg.ServiceSettings(instance)
	scfg.OnTick = func() {
		if merged != nil {
			if err := merged.Sync(); err != nil {
				log.Warn("merged sync failed", "error", err)
			}
		}
		if rows != nil {
			if err := rows.Flush(); err != nil {
				log.Warn("index flush failed", "error", err)
			}
		}
	}
	if cfg.Stats.Log != "" {
		f, err := os.OpenFile(cfg.Stats.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("stats log: %w", err)
		}
		closers = append(closers, f)
		scfg.StatsLog = f
	}

	svc, err := zipper.NewService(scfg, corr, client, client)
	if err != nil {
		return err
	}

	// =========================================================================
	// Run
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return reg.Serve(gctx, cfg.Metrics.Listen) })
	}
	g.Go(func() error {
		defer cancel()
		return svc.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	snap := svc.Snapshot()
	log.Info("zipperd stopped", "complete", snap.Complete, "incomplete", snap.Incomplete,
		"evictions", snap.Evictions, "invalid", svc.Invalid())
	return nil
}

// setupLogging initializes the global logger from the log section.
func setupLogging(cfg loader.LogConfig) (func(), error) {
	level := logging.LevelFromVerbosity(cfg.Verbosity)
	if cfg.File == "" {
		logging.Init(level, cfg.JSON)
		return func() {}, nil
	}
	f, err := logging.InitFile(cfg.File, level, cfg.JSON)
	if err != nil {
		return nil, fmt.Errorf("log file: %w", err)
	}
	return func() { f.Close() }, nil
}

// signalContext is cancelled by the first SIGINT or SIGTERM. A second one
// exits immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("shutting down", "signal", sig.String())
		cancel()
		sig = <-sigs
		log.Error("second signal, exiting", "signal", sig.String())
		os.Exit(1)
	}()
	return ctx, cancel
}
