// Package builder runs the per-device ingestion loop: receive into the
// ring, decode or resynchronize, dispatch complete events, publish stats.
//
// Everything mutable is owned by the goroutine running Run. The control
// server and other goroutines reach it only through Handle, which queues a
// request that the loop serves between receives.
package builder

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/backpressure"
	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/control"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/resync"
	"github.com/xtxerr/fnetdaq/internal/ringbuf"
	"github.com/xtxerr/fnetdaq/internal/stats"
	"github.com/xtxerr/fnetdaq/internal/wire"
)

// Config holds builder settings.
type Config struct {
	Device  uint8
	Variant protocol.Variant

	// Instance identifies this process in stats snapshots.
	Instance string

	RingSize      int
	MaxEventBytes int

	// PollTimeout is how long the loop idles while the source is down.
	PollTimeout time.Duration

	StatsInterval time.Duration

	// MaxEvents stops the run after this many events. Zero runs forever.
	MaxEvents uint64

	Backpressure backpressure.Config
}

// DefaultConfig returns builder defaults for a device.
func DefaultConfig(device uint8, v protocol.Variant) Config {
	return Config{
		Device:        device,
		Variant:       v,
		RingSize:      config.DefaultRingSize,
		MaxEventBytes: config.DefaultMaxEventBytes,
		PollTimeout:   config.DefaultPollTimeout,
		StatsInterval: config.DefaultStatsInterval,
		Backpressure:  backpressure.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()
	if c.Variant.Channels == 0 {
		v.AddMissing("variant")
	}
	if c.RingSize <= 0 {
		v.Add(errors.NewInvalidValue("ring_size", c.RingSize, "must be positive"))
	}
	if c.MaxEventBytes <= 0 || c.MaxEventBytes > c.RingSize {
		v.Add(errors.NewInvalidValue("max_event_bytes", c.MaxEventBytes, "must be positive and fit the ring"))
	}
	if c.StatsInterval <= 0 {
		v.Add(errors.NewInvalidValue("stats_interval", c.StatsInterval, "must be positive"))
	}
	if c.PollTimeout <= 0 {
		v.Add(errors.NewInvalidValue("poll_timeout", c.PollTimeout, "must be positive"))
	}
	return v.Err()
}

type request struct {
	cmd   control.Command
	reply chan response
}

type response struct {
	value string
	err   error
}

// Builder is one device's ingestion loop.
type Builder struct {
	cfg Config
	src Source
	out Outputs
	log *slog.Logger

	ring     *ringbuf.Buffer
	decoder  *protocol.Decoder
	resync   *resync.Engine
	pressure *backpressure.Controller
	dispatch *Dispatcher
	statsLog *wire.Writer

	requests chan request
	done     chan struct{}
	started  time.Time

	connected   bool
	built       atomic.Uint64
	overruns    atomic.Uint64
	lastEntries int64
}

// New creates a builder reading from src. A nil src runs the loop without a
// front-end: control requests and stats ticks are served, nothing is built.
func New(cfg Config, src Source, out Outputs) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if out.Subjects.Prefix == "" {
		out.Subjects = broker.NewSubjects("")
	}

	ring := ringbuf.New(cfg.RingSize)
	pressure := backpressure.New(cfg.Backpressure, ring)

	b := &Builder{
		cfg:      cfg,
		src:      src,
		out:      out,
		log:      logging.Component("builder").With("device", cfg.Device, "variant", cfg.Variant.String()),
		ring:     ring,
		decoder:  protocol.NewDecoder(cfg.Variant, cfg.MaxEventBytes),
		resync:   resync.New(cfg.Variant.MagicBytes()),
		pressure: pressure,
		dispatch: NewDispatcher(out, pressure),
		requests: make(chan request),
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	if out.StatsLog != nil {
		b.statsLog = wire.NewWriter(out.StatsLog)
	}

	pressure.SetOnLevelChange(func(old, level backpressure.Level) {
		if level > old {
			b.log.Warn("backpressure raised", "from", old.String(), "to", level.String())
		} else {
			b.log.Info("backpressure lowered", "from", old.String(), "to", level.String())
		}
		if m := out.Metrics; m != nil {
			m.Backpressure.Set(float64(level))
		}
	})

	// The stream position of a fresh source is unknown.
	b.resync.Arm()
	return b, nil
}

// Run drives the loop until ctx ends, the source reaches EOF or MaxEvents
// events have been built.
func (b *Builder) Run(ctx context.Context) error {
	b.started = time.Now()
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.StatsInterval)
	defer ticker.Stop()

	b.log.Info("builder started", "ring_size", b.cfg.RingSize, "max_events", b.cfg.MaxEvents)

	for {
		select {
		case <-ctx.Done():
			b.tick()
			b.log.Info("builder stopped", "events", b.built.Load())
			return nil
		case req := <-b.requests:
			b.serve(req)
		case <-ticker.C:
			b.tick()
		default:
		}

		if !b.up(ctx) {
			b.idle(ctx, ticker.C)
			continue
		}

		eof := b.receive()
		b.pressure.Check()
		b.process()

		if b.cfg.MaxEvents > 0 && b.built.Load() >= b.cfg.MaxEvents {
			b.tick()
			b.log.Info("event limit reached", "events", b.built.Load())
			return nil
		}
		if eof {
			b.tick()
			b.log.Info("end of stream", "events", b.built.Load(), "pending", b.ring.Pending())
			return nil
		}
	}
}

// up reports whether the source is connected, dialing if needed. A new
// connection starts in resync with an empty ring.
func (b *Builder) up(ctx context.Context) bool {
	if b.src == nil {
		return false
	}
	ok := b.src.MaybeConnect(ctx)
	if ok && !b.connected {
		b.resetStream()
	}
	b.connected = ok
	return ok
}

func (b *Builder) idle(ctx context.Context, tick <-chan time.Time) {
	t := time.NewTimer(b.cfg.PollTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case req := <-b.requests:
		b.serve(req)
	case <-tick:
		b.tick()
	case <-t.C:
	}
}

// receive fills the ring from the source. It reports whether the source
// hit EOF.
func (b *Builder) receive() bool {
	dst := b.ring.WriteSlice()
	if len(dst) == 0 {
		b.overrun()
		return false
	}

	n, err := b.src.Receive(dst)
	if n > 0 {
		if werr := b.ring.RegisterWrite(n); werr != nil {
			b.overrun()
			return false
		}
		if m := b.out.Metrics; m != nil {
			m.Bytes.Add(float64(n))
		}
	}

	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF):
		return true
	default:
		b.log.Debug("receive failed", "error", err)
		b.connected = false
		return false
	}
}

// overrun handles a ring that is full without holding a complete event.
// The buffered bytes are lost and the decoder realigns on new data.
func (b *Builder) overrun() {
	b.overruns.Add(1)
	if m := b.out.Metrics; m != nil {
		m.Overruns.Inc()
	}
	b.log.Error("ring overrun, dropping buffered bytes",
		"pending", b.ring.Pending(), "state", b.decoder.State().String())
	b.ring.Reset()
	b.decoder.Reset()
	b.resync.Enter(errors.ErrOverrun)
	if m := b.out.Metrics; m != nil {
		m.ResyncEntries.Inc()
	}
}

func (b *Builder) resetStream() {
	b.ring.Reset()
	b.decoder.Reset()
	b.resync.Arm()
}

// process decodes and dispatches until the ring runs out of whole events.
func (b *Builder) process() {
	for {
		if b.cfg.MaxEvents > 0 && b.built.Load() >= b.cfg.MaxEvents {
			return
		}
		if b.resync.Active() && !b.resync.Scan(b.ring) {
			return
		}

		rec, err := b.decoder.Next(b.ring)
		if err != nil {
			b.protocolError(err)
			continue
		}
		if rec == nil {
			return
		}

		if err := b.dispatch.Dispatch(b.ring, rec); err == nil {
			b.built.Add(1)
		}
		b.ring.CommitEventCursor()
	}
}

func (b *Builder) protocolError(err error) {
	if m := b.out.Metrics; m != nil {
		m.ProtocolErrors.WithLabelValues(errorKind(err)).Inc()
		m.ResyncEntries.Inc()
	}
	b.resync.Enter(err)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, errors.ErrBadMagic):
		return "bad_magic"
	case errors.Is(err, errors.ErrHeaderChecksum):
		return "header_checksum"
	case errors.Is(err, errors.ErrChannelMarker):
		return "channel_marker"
	case errors.Is(err, errors.ErrChannelChecksum):
		return "channel_checksum"
	case errors.Is(err, errors.ErrChannelOverrun):
		return "channel_overrun"
	case errors.Is(err, errors.ErrEventTooLarge):
		return "too_large"
	default:
		return "other"
	}
}

// =============================================================================
// Control boundary
// =============================================================================

// Handle queues cmd for the loop and waits for the answer. It implements
// control.Backend.
func (b *Builder) Handle(ctx context.Context, cmd control.Command) (string, error) {
	req := request{cmd: cmd, reply: make(chan response, 1)}
	select {
	case b.requests <- req:
	case <-b.done:
		return "", errors.Wrap(errors.ErrNotConnected, "builder stopped")
	case <-ctx.Done():
		return "", errors.Wrap(errors.ErrTimeout, "builder busy")
	}

	select {
	case resp := <-req.reply:
		return resp.value, resp.err
	case <-ctx.Done():
		return "", errors.Wrap(errors.ErrTimeout, "waiting for builder")
	}
}

func (b *Builder) serve(req request) {
	var resp response
	switch req.cmd {
	case control.CmdConnected:
		resp.value = strconv.FormatBool(b.src != nil && b.src.Connected())
	case control.CmdResyncing:
		resp.value = strconv.FormatBool(b.resync.Active())
	case control.CmdBuilt:
		resp.value = strconv.FormatUint(b.built.Load(), 10)
	case control.CmdReconnect:
		if b.src == nil {
			resp.err = errors.Wrap(errors.ErrNotConnected, "no front-end configured")
			break
		}
		b.log.Info("reconnect requested")
		b.src.Reconnect()
		b.connected = false
	case control.CmdStats:
		s, err := b.Snapshot(false).Struct()
		if err != nil {
			resp.err = err
			break
		}
		resp.value = stats.Line(s)
	default:
		resp.err = errors.Wrapf(errors.ErrUnknownCommand, "%s", req.cmd)
	}
	req.reply <- resp
}

// =============================================================================
// Stats
// =============================================================================

// Built returns the number of events dispatched so far.
func (b *Builder) Built() uint64 {
	return b.built.Load()
}

// Snapshot returns the current stats. A tick snapshot also resets the
// since-last-tick resync fields.
func (b *Builder) Snapshot(tick bool) *stats.Builder {
	ds := b.dispatch.Stats()
	dec := b.decoder.Stats()
	rs := b.resync.Stats()
	ring := b.ring.Stats()

	s := &stats.Builder{
		Instance:  b.cfg.Instance,
		Device:    b.cfg.Device,
		Variant:   b.cfg.Variant.String(),
		Pid:       os.Getpid(),
		Time:      time.Now(),
		Uptime:    time.Since(b.started),
		Connected: b.src != nil && b.src.Connected(),
		Resyncing: rs.Active,

		Events:      b.built.Load(),
		Bytes:       uint64(ring.BytesIn),
		LastTrigger: ds.LastTrigger,
		LastClock:   ds.LastClock,
		LastDevice:  ds.LastDevice,

		ResyncsSinceTick: uint64(rs.Entries - b.lastEntries),
		ResyncEntries:    uint64(rs.Entries),
		DroppedBytes:     uint64(rs.DroppedBytes),
		HeaderErrors:     uint64(dec.HeaderErrors),
		ChannelErrors:    uint64(dec.ChannelErrors),
		ValidationErrors: ds.ValidationErrors,
		OversizeEvents:   uint64(dec.OversizeEvents),
		PublishFailures:  ds.PublishFailures,
		WriteFailures:    ds.WriteFailures,
		Overruns:         b.overruns.Load(),

		RingWrite:    ring.Write,
		RingScan:     ring.Scan,
		RingEvent:    ring.Event,
		RingUsage:    ring.Usage,
		Backpressure: b.pressure.CurrentLevel().String(),
	}
	if tick {
		s.Resyncing = b.resync.SinceTick()
		b.lastEntries = rs.Entries
	}
	return s
}

// tick publishes a stats snapshot to the broker and the stats log.
func (b *Builder) tick() {
	snap := b.Snapshot(true)

	if m := b.out.Metrics; m != nil {
		m.RingUsage.Set(snap.RingUsage)
		if snap.Connected {
			m.Connected.Set(1)
		} else {
			m.Connected.Set(0)
		}
	}

	if b.out.Publisher == nil && b.statsLog == nil {
		return
	}
	s, err := snap.Struct()
	if err != nil {
		b.log.Error("encode stats", "error", err)
		return
	}
	if b.statsLog != nil {
		if err := b.statsLog.Write(s); err != nil {
			b.log.Warn("stats log write failed", "error", err)
		}
	}
	if b.out.Publisher != nil {
		data, err := snap.Marshal()
		if err != nil {
			b.log.Error("encode stats", "error", err)
			return
		}
		if err := b.out.Publisher.Publish(b.out.Subjects.BuilderStats(b.cfg.Device), data); err != nil {
			b.log.Debug("stats publish failed", "error", err)
		}
	}
}
