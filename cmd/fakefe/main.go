// fakefe imitates one or more front-ends: it listens on a port per device
// and streams synthetic events to whoever connects.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/testutil"
)

var log = logging.Component("fakefe")

type options struct {
	variant   protocol.Variant
	pairs     int
	rate      float64
	count     uint32
	packed    bool
	smooth    bool
	clockStep uint64
	jitter    int
	corrupt   uint32
	seed      int64
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fakefe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		host    string
		port    int
		devices []uint
		variant string
		opts    options
		verbose int
	)

	flagSet := pflag.NewFlagSet("fakefe", pflag.ContinueOnError)
	flagSet.StringVar(&host, "host", "127.0.0.1", "listen host")
	flagSet.IntVarP(&port, "port", "p", config.DefaultFrontEndPort, "port of the first device; the others follow")
	flagSet.UintSliceVarP(&devices, "devices", "d", []uint{4, 5}, "device ids to imitate")
	flagSet.StringVar(&variant, "variant", "ceres", "wire variant: ceres or fontus")
	flagSet.IntVar(&opts.pairs, "pairs", 64, "sample pairs per channel")
	flagSet.Float64VarP(&opts.rate, "rate", "r", 1000, "events per second per device")
	flagSet.Uint32VarP(&opts.count, "count", "n", 0, "events per connection, 0 is unlimited")
	flagSet.BoolVar(&opts.packed, "packed", true, "use packed words where the waveform allows")
	flagSet.BoolVar(&opts.smooth, "smooth", true, "slow waveforms instead of noise")
	flagSet.Uint64Var(&opts.clockStep, "clock-step", 1000, "clock ticks between triggers")
	flagSet.IntVar(&opts.jitter, "jitter", 3, "max clock difference between devices")
	flagSet.Uint32Var(&opts.corrupt, "corrupt-every", 0, "damage every nth event, 0 never")
	flagSet.Int64Var(&opts.seed, "seed", 1, "random seed")
	flagSet.CountVarP(&verbose, "verbose", "v", "more log output, repeatable")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logging.Init(logging.LevelFromVerbosity(verbose), false)

	v, err := protocol.ParseVariant(variant)
	if err != nil {
		return err
	}
	opts.variant = v
	if opts.rate <= 0 {
		return errors.NewInvalidValue("rate", opts.rate, "must be positive")
	}
	if opts.jitter < 0 {
		return errors.NewInvalidValue("jitter", opts.jitter, "cannot be negative")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		if d >= config.MaxDevices {
			return errors.NewInvalidValue("devices", d, "must be below 64")
		}
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		dev := uint8(d)
		g.Go(func() error { return serve(gctx, ln, dev, opts) })
	}
	return g.Wait()
}

// serve accepts one connection at a time; a front-end has a single reader.
func serve(ctx context.Context, ln net.Listener, device uint8, opts options) error {
	context.AfterFunc(ctx, func() { ln.Close() })
	log.Info("listening", "device", device, "addr", ln.Addr().String(), "variant", opts.variant.String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info("reader connected", "device", device, "remote", conn.RemoteAddr().String())
		sent, err := stream(ctx, conn, device, opts)
		conn.Close()
		log.Info("reader gone", "device", device, "events", sent, "error", err)
	}
}

// stream writes events until the reader leaves, ctx ends or the count is
// reached. Trigger ids restart at 1 for every connection so several
// devices stay aligned.
func stream(ctx context.Context, conn net.Conn, device uint8, opts options) (uint32, error) {
	rng := rand.New(rand.NewSource(opts.seed + int64(device)))
	limiter := rate.NewLimiter(rate.Limit(opts.rate), max(1, int(opts.rate/10)))
	enc := protocol.Encoder{Variant: opts.variant, Packed: opts.packed}

	var buf []byte
	var sent uint32
	for trigger := uint32(1); opts.count == 0 || trigger <= opts.count; trigger++ {
		if err := limiter.Wait(ctx); err != nil {
			return sent, nil
		}

		clock := uint64(trigger)*opts.clockStep + uint64(rng.Intn(opts.jitter+1))
		ev := testutil.Event(rng, opts.variant, device, trigger, clock, opts.pairs, opts.smooth)

		var err error
		buf, err = enc.Encode(buf[:0], ev)
		if err != nil {
			return sent, err
		}
		if opts.corrupt > 0 && trigger%opts.corrupt == 0 {
			// Flip a bit in the last channel's checksum.
			buf[len(buf)-1] ^= 0x01
		}

		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := conn.Write(buf); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
