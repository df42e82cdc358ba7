package zipper

import (
	"context"
	"io"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/runctl"
	"github.com/xtxerr/fnetdaq/internal/stats"
	"github.com/xtxerr/fnetdaq/internal/wire"
)

// Subscriber delivers broker messages into a channel. *broker.Client
// implements it.
type Subscriber interface {
	ChanSubscribe(subject string, ch chan *nats.Msg) error
}

// ServiceConfig holds the settings of the correlator's broker loop.
type ServiceConfig struct {
	// Instance identifies this process in stats snapshots.
	Instance string
	Subjects broker.Subjects

	// Buffer is the capacity of the notification channel. Deliveries
	// queue there while a write blocks the loop.
	Buffer int

	StatsInterval   time.Duration
	ShutdownTimeout time.Duration

	// MaxEvents stops the loop after this many merged records. Zero runs
	// until the context ends.
	MaxEvents uint64

	// StatsLog receives every stats snapshot, framed.
	StatsLog io.Writer

	// OnTick runs on every stats tick, e.g. to sync output files.
	OnTick func()
}

// DefaultServiceConfig returns loop defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Subjects:        broker.NewSubjects(""),
		Buffer:          config.DefaultSubscriptionBuffer,
		StatsInterval:   config.DefaultStatsInterval,
		ShutdownTimeout: config.DefaultShutdownTimeout,
	}
}

// Service feeds broker notifications and run-control messages into a
// Correlator and publishes its stats.
type Service struct {
	cfg      ServiceConfig
	corr     *Correlator
	sub      Subscriber
	pub      broker.Publisher
	statsLog *wire.Writer
	started  time.Time

	invalid uint64
}

// NewService creates the loop. pub may be nil, in which case no stats are
// published.
func NewService(cfg ServiceConfig, corr *Correlator, sub Subscriber, pub broker.Publisher) (*Service, error) {
	if corr == nil {
		return nil, errors.NewMissingField("correlator")
	}
	if sub == nil {
		return nil, errors.NewMissingField("subscriber")
	}
	if cfg.Subjects.Prefix == "" {
		cfg.Subjects = broker.NewSubjects("")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = config.DefaultSubscriptionBuffer
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = config.DefaultStatsInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = config.DefaultShutdownTimeout
	}
	s := &Service{
		cfg:     cfg,
		corr:    corr,
		sub:     sub,
		pub:     pub,
		started: time.Now(),
	}
	if cfg.StatsLog != nil {
		s.statsLog = wire.NewWriter(cfg.StatsLog)
	}
	return s, nil
}

// Run subscribes and processes messages until ctx ends or MaxEvents
// records have been written. Partial events are flushed as incomplete
// before it returns.
func (s *Service) Run(ctx context.Context) error {
	events := make(chan *nats.Msg, s.cfg.Buffer)
	control := make(chan *nats.Msg, 64)

	if err := s.sub.ChanSubscribe(s.cfg.Subjects.Events(), events); err != nil {
		return errors.Wrap(err, "subscribe events")
	}
	if err := s.sub.ChanSubscribe(s.cfg.Subjects.RunControl(), control); err != nil {
		return errors.Wrap(err, "subscribe run control")
	}

	s.started = time.Now()
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()

	log.Info("correlator started",
		"subject", s.cfg.Subjects.Events(), "complete_mask", maskString(s.corr.cfg.CompleteMask),
		"primary_device", s.corr.cfg.PrimaryDevice)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case msg := <-events:
			s.handle(msg)
			if _, err := s.corr.Drain(ctx); err != nil {
				return s.shutdown()
			}
		case msg := <-control:
			s.runControl(msg)
		case <-ticker.C:
			s.tick()
		}

		if s.cfg.MaxEvents > 0 && s.corr.Written() >= s.cfg.MaxEvents {
			log.Info("event limit reached", "events", s.corr.Written())
			return s.shutdown()
		}
	}
}

func (s *Service) handle(msg *nats.Msg) {
	n, err := ParseNotification(msg.Data)
	if err != nil {
		s.invalid++
		log.Warn("invalid notification", "subject", msg.Subject, "error", err)
		return
	}
	if dev, err := s.cfg.Subjects.DeviceOf(msg.Subject); err == nil && dev != n.Device {
		log.Debug("device id differs from subject", "subject", msg.Subject, "device", n.Device)
	}
	if err := s.corr.Register(n); err != nil && !errors.Is(err, errors.ErrQueueFull) {
		log.Warn("notification rejected", "subject", msg.Subject, "error", err)
	}
}

func (s *Service) runControl(msg *nats.Msg) {
	m, err := runctl.Unmarshal(msg.Data)
	if err != nil {
		log.Warn("invalid run control message", "error", err)
		return
	}
	s.corr.ApplyRunControl(m)
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	n, err := s.corr.Flush(ctx)
	s.tick()
	if err != nil {
		return errors.Wrapf(errors.ErrTimeout, "flush after %d records: %v", n, err)
	}
	queued, partial := s.corr.Pending()
	log.Info("correlator stopped", "written", s.corr.Written(), "queued", queued, "partial", partial)
	return nil
}

// Snapshot returns the current stats.
func (s *Service) Snapshot() *stats.Zipper {
	z := s.corr.Snapshot()
	z.Instance = s.cfg.Instance
	z.Time = time.Now()
	z.Uptime = time.Since(s.started)
	return z
}

// Invalid returns the number of notifications that could not be parsed.
func (s *Service) Invalid() uint64 {
	return s.invalid
}

func (s *Service) tick() {
	if s.cfg.OnTick != nil {
		s.cfg.OnTick()
	}
	if s.pub == nil && s.statsLog == nil {
		return
	}

	snap := s.Snapshot()
	if s.statsLog != nil {
		st, err := snap.Struct()
		if err != nil {
			log.Error("encode stats", "error", err)
			return
		}
		if err := s.statsLog.Write(st); err != nil {
			log.Warn("stats log write failed", "error", err)
		}
	}
	if s.pub != nil {
		data, err := snap.Marshal()
		if err != nil {
			log.Error("encode stats", "error", err)
			return
		}
		if err := s.pub.Publish(s.cfg.Subjects.ZipperStats(), data); err != nil {
			log.Debug("stats publish failed", "error", err)
		}
	}
}
