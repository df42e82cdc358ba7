// builderd reads one front-end's event stream, rebuilds the events and
// hands them to the event files, the broker and the correlator.
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
	"github.com/xtxerr/fnetdaq/internal/builder"
	"github.com/xtxerr/fnetdaq/internal/control"
	"github.com/xtxerr/fnetdaq/internal/loader"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/metric"
	"github.com/xtxerr/fnetdaq/internal/storage/eventfile"
	"github.com/xtxerr/fnetdaq/internal/transport"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("builderd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "builderd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		host       string
		port       int
		device     uint8
		variant    string
		outputDir  string
		replay     string
		controlAt  string
		metricsAt  string
		maxEvents  uint64
		dryRun     bool
		noSave     bool
		rawDump    bool
		noBroker   bool
		verbose    int
		quiet      int
	)

	flagSet := pflag.NewFlagSet("builderd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	flagSet.StringVar(&host, "host", "", "front-end host (overrides config)")
	flagSet.IntVarP(&port, "port", "p", 0, "front-end port (overrides config)")
	flagSet.Uint8VarP(&device, "device", "d", 0, "device id, 0-63 (overrides config)")
	flagSet.StringVar(&variant, "variant", "", "wire variant: ceres or fontus (overrides config)")
	flagSet.StringVarP(&outputDir, "output", "o", "", "output directory (overrides config)")
	flagSet.StringVar(&replay, "replay", "", "read a raw dump file instead of the front-end")
	flagSet.StringVar(&controlAt, "control", "", "control channel listen address (overrides config)")
	flagSet.StringVar(&metricsAt, "metrics", "", "prometheus listen address (overrides config)")
	flagSet.Uint64VarP(&maxEvents, "max-events", "n", 0, "stop after this many events (overrides config)")
	flagSet.BoolVar(&dryRun, "dry-run", false, "run without a front-end")
	flagSet.BoolVar(&noSave, "no-save", false, "do not write event files")
	flagSet.BoolVar(&rawDump, "raw-dump", false, "also write the raw wire stream")
	flagSet.BoolVar(&noBroker, "no-broker", false, "do not connect to the broker")
	flagSet.CountVarP(&verbose, "verbose", "v", "more log output, repeatable")
	flagSet.CountVarP(&quiet, "quiet", "q", "less log output, repeatable")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := loader.LoadBuilder(configPath)
	if err != nil {
		return err
	}

	// CLI overrides
	if flagSet.Changed("host") {
		cfg.FrontEnd.Host = host
	}
	if flagSet.Changed("port") {
		cfg.FrontEnd.Port = port
	}
	if flagSet.Changed("device") {
		cfg.Device = device
	}
	if flagSet.Changed("variant") {
		cfg.Variant = variant
	}
	if flagSet.Changed("output") {
		cfg.Output.Dir = outputDir
	}
	if flagSet.Changed("replay") {
		cfg.Replay = replay
	}
	if flagSet.Changed("control") {
		cfg.Control.Listen = controlAt
	}
	if flagSet.Changed("metrics") {
		cfg.Metrics.Listen = metricsAt
	}
	if flagSet.Changed("max-events") {
		cfg.Builder.MaxEvents = maxEvents
	}
	if dryRun {
		cfg.DryRun = true
	}
	if noSave {
		cfg.Output.Save = false
	}
	if rawDump {
		cfg.Output.RawDump = true
	}
	if noBroker {
		cfg.Broker.Enabled = false
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
	log.Info("builderd starting", "version", Version, "instance", instance,
		"device", cfg.Device, "variant", cfg.Variant)

	ctx, cancel := signalContext()
	defer cancel()

	bcfg, err := cfg.BuilderSettings(instance)
	if err != nil {
		return err
	}

	// =========================================================================
	// Outputs
	// =========================================================================

	out := builder.Outputs{Subjects: cfg.Subjects()}
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close failed", "error", err)
			}
		}
	}()

	if cfg.Output.Save && !cfg.DryRun {
		w, err := eventfile.NewWriter(cfg.Output.Dir, cfg.EventFileOptions(false))
		if err != nil {
			return fmt.Errorf("event files: %w", err)
		}
		closers = append(closers, w)
		out.Events = w
	}
	if cfg.Output.RawDump && !cfg.DryRun {
		w, err := eventfile.NewWriter(cfg.Output.Dir, cfg.EventFileOptions(true))
		if err != nil {
			return fmt.Errorf("raw dump: %w", err)
		}
		closers = append(closers, w)
		out.Raw = w
	}
	if cfg.Stats.Log != "" {
		f, err := os.OpenFile(cfg.Stats.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("stats log: %w", err)
		}
		closers = append(closers, f)
		out.StatsLog = f
	}

	var client *broker.Client
	if cfg.Broker.Enabled {
		client = broker.NewClient(cfg.Broker.URL,
			broker.WithName(fmt.Sprintf("builderd-%02d", cfg.Device)))
		closers = append(closers, client)
		out.Publisher = client
	}

	reg := metric.NewRegistry()
	out.Metrics = metric.NewBuilder(reg.Registerer(), cfg.Device)

	// =========================================================================
	// Source
	// =========================================================================

	var src builder.Source
	switch {
	case cfg.DryRun:
		log.Info("dry run, no front-end")
	case cfg.Replay != "":
		f, err := os.Open(cfg.Replay)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		src = builder.NewReaderSource(f)
		log.Info("replaying", "file", cfg.Replay)
	default:
		src = transport.New(cfg.TransportSettings())
	}
	if src != nil {
		defer src.Close()
	}

	b, err := builder.New(bcfg, src, out)
	if err != nil {
		return err
	}

	srv, err := control.New(control.Config{
		Backend:        b,
		Listen:         cfg.Control.Listen,
		RequestTimeout: cfg.Control.RequestTimeout.Duration(),
	})
	if err != nil {
		return err
	}

	// =========================================================================
	// Run
	// =========================================================================

	g, gctx := errgroup.WithContext(ctx)

	if client != nil {
		g.Go(func() error {
			if err := client.Connect(gctx); err != nil && gctx.Err() == nil {
				log.Error("broker unavailable, publishing disabled", "error", err)
			}
			return nil
		})
	}
	if cfg.Control.Listen != "" {
		g.Go(func() error { return srv.ListenAndServe(gctx) })
	}
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return reg.Serve(gctx, cfg.Metrics.Listen) })
	}
	g.Go(func() error {
		// The other goroutines stop with the builder, e.g. at end of replay.
		defer cancel()
		return b.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("builderd stopped", "events", b.Built())
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
