package zipper

import (
	"cmp"
	"context"
	"math/bits"
	"slices"
	"strconv"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/metric"
	"github.com/xtxerr/fnetdaq/internal/runctl"
	"github.com/xtxerr/fnetdaq/internal/stats"
	"github.com/xtxerr/fnetdaq/internal/storage/eventfile"
	"github.com/xtxerr/fnetdaq/internal/storage/index"
)

var log = logging.Component("zipper")

// Config holds correlator settings.
type Config struct {
	// CompleteMask is the set of devices that must all report before an
	// event is complete. Devices outside it are ignored.
	CompleteMask uint64

	// PrimaryDevice's payload is written first in each merged record.
	PrimaryDevice uint8

	RegistrySize int
	QueueSize    int
}

// DefaultConfig returns the correlator defaults.
func DefaultConfig() Config {
	return Config{
		CompleteMask:  config.DefaultCompleteMask,
		PrimaryDevice: config.DefaultPrimaryDevice,
		RegistrySize:  config.DefaultRegistrySize,
		QueueSize:     config.DefaultReadyQueueSize,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()
	if c.CompleteMask == 0 {
		v.AddMissing("complete_mask")
	}
	if c.PrimaryDevice >= config.MaxDevices {
		v.Add(errors.NewInvalidValue("primary_device", c.PrimaryDevice, "must be below 64"))
	}
	if c.RegistrySize <= 0 {
		v.Add(errors.NewInvalidValue("registry_size", c.RegistrySize, "must be positive"))
	}
	if c.QueueSize <= 0 {
		v.Add(errors.NewInvalidValue("queue_size", c.QueueSize, "must be positive"))
	}
	return v.Err()
}

// MergedSink persists merged records. *eventfile.MergedWriter implements it.
type MergedSink interface {
	Append(m *eventfile.MergedRecord) ([]byte, error)
	Last() eventfile.Position
}

// IndexSink receives one row per merged record. *index.Writer implements it.
type IndexSink interface {
	Write(rows ...index.EventRow) error
}

// Outputs are the correlator's optional destinations.
type Outputs struct {
	Merged  MergedSink
	Index   IndexSink
	Forward *Forwarder
	Metrics *metric.Zipper
}

// Eviction describes a registry entry overwritten by a colliding event
// number before it was written.
type Eviction struct {
	EventID uint32
	Mask    uint64
	Ready   bool
	By      uint32
}

// Correlator merges device notifications by event number.
type Correlator struct {
	cfg Config
	out Outputs

	reg   *Registry
	queue *ReadyQueue
	run   runctl.State

	lastSeen [config.MaxDevices]uint32
	seen     uint64

	sketch  *ddsketch.DDSketch
	maxSkew uint64

	onEvict func(Eviction)

	scratch  []byte
	payloads [][]byte

	notifications uint64
	ignored       uint64
	complete      uint64
	incomplete    uint64
	evictions     uint64
	queueDrops    uint64
	lost          uint64
	writeFailures uint64
	outOfOrder    map[uint8]uint64
	gaps          map[uint8]uint64
}

// New creates a correlator.
func New(cfg Config, out Outputs) (*Correlator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, errors.Wrap(err, "skew sketch")
	}
	return &Correlator{
		cfg:        cfg,
		out:        out,
		reg:        NewRegistry(cfg.RegistrySize),
		queue:      NewReadyQueue(cfg.QueueSize),
		sketch:     sketch,
		outOfOrder: make(map[uint8]uint64),
		gaps:       make(map[uint8]uint64),
	}, nil
}

// SetOnEvict sets a callback invoked, on the correlator goroutine, for
// every entry lost to a collision.
func (c *Correlator) SetOnEvict(fn func(Eviction)) {
	c.onEvict = fn
}

// Register folds n into the registry. A notification that completes its
// event queues the event number; ErrQueueFull is returned when the queue
// has no room and the event is dropped.
func (c *Correlator) Register(n Notification) error {
	if n.Device >= config.MaxDevices {
		return errors.Wrapf(errors.ErrInvalidRecord, "device id %d out of range", n.Device)
	}
	c.notifications++
	if m := c.out.Metrics; m != nil {
		m.Notifications.Inc()
	}
	c.track(n.Device, n.EventID)

	if c.cfg.CompleteMask&(1<<n.Device) == 0 {
		c.ignored++
		log.Debug("device outside complete mask", "device", n.Device, "event", n.EventID)
		return nil
	}

	s := c.reg.slot(n.EventID)
	if !s.empty() && s.id != n.EventID {
		c.evict(s, n.EventID)
	}
	if s.empty() {
		s.reset(n.EventID)
	}
	s.add(n)

	if s.ready || s.mask != c.cfg.CompleteMask {
		return nil
	}
	if !c.queue.Push(n.EventID) {
		c.queueDrops++
		if m := c.out.Metrics; m != nil {
			m.QueueDrops.Inc()
		}
		log.Error("ready queue full, dropping complete event", "event", n.EventID, "capacity", c.queue.Cap())
		s.reset(0)
		return errors.Wrapf(errors.ErrQueueFull, "event %d", n.EventID)
	}
	s.ready = true
	c.queueDepth()
	return nil
}

// track counts per-device event numbers that go backwards or skip ahead.
// Both are tolerated.
func (c *Correlator) track(dev uint8, id uint32) {
	bit := uint64(1) << dev
	last := c.lastSeen[dev]
	c.lastSeen[dev] = id
	if c.seen&bit == 0 {
		c.seen |= bit
		return
	}

	label := strconv.Itoa(int(dev))
	switch {
	case id == last+1:
	case id > last:
		c.gaps[dev] += uint64(id - last - 1)
		if m := c.out.Metrics; m != nil {
			m.Gaps.WithLabelValues(label).Add(float64(id - last - 1))
		}
		log.Debug("event numbers skipped", "device", dev, "last", last, "event", id)
	default:
		c.outOfOrder[dev]++
		if m := c.out.Metrics; m != nil {
			m.OutOfOrder.WithLabelValues(label).Inc()
		}
		log.Warn("event number went backwards", "device", dev, "last", last, "event", id)
	}
}

func (c *Correlator) evict(s *slot, by uint32) {
	ev := Eviction{EventID: s.id, Mask: s.mask, Ready: s.ready, By: by}
	c.evictions++
	if m := c.out.Metrics; m != nil {
		m.Evictions.Inc()
	}
	log.Warn("registry collision, evicting event",
		"event", ev.EventID, "mask", maskString(ev.Mask), "ready", ev.Ready, "by", by)
	if c.onEvict != nil {
		c.onEvict(ev)
	}
	s.reset(by)
}

// Drain writes every queued event. It returns the number of records
// written.
func (c *Correlator) Drain(ctx context.Context) (int, error) {
	written := 0
	for c.queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		id, _ := c.queue.Pop()
		s := c.reg.slot(id)

		if s.id != id || !s.ready {
			// The slot was taken by a colliding event after completion.
			c.lost++
			if m := c.out.Metrics; m != nil {
				m.Lost.Inc()
			}
			log.Error("ready event lost before it was written", "event", id, "slot_event", s.id)
			continue
		}
		if s.empty() {
			panic("zipper: ready slot " + strconv.FormatUint(uint64(id), 10) + " has an empty mask")
		}

		c.write(s, eventfile.StatusComplete)
		written++
	}
	c.queueDepth()
	return written, nil
}

// Flush drains the queue, then writes every partial event as incomplete in
// ascending event number order. It is called once at shutdown.
func (c *Correlator) Flush(ctx context.Context) (int, error) {
	written, err := c.Drain(ctx)
	if err != nil {
		return written, err
	}

	var partial []*slot
	for i := range c.reg.slots {
		if s := &c.reg.slots[i]; !s.empty() {
			partial = append(partial, s)
		}
	}
	slices.SortFunc(partial, func(a, b *slot) int {
		return cmp.Compare(a.id, b.id)
	})

	for _, s := range partial {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		c.write(s, eventfile.StatusIncomplete)
		written++
	}
	if len(partial) > 0 {
		log.Info("flushed incomplete events", "count", len(partial))
	}
	return written, nil
}

// write emits the merged record for s and clears the slot.
func (c *Correlator) write(s *slot, status eventfile.Status) {
	c.payloads = c.payloads[:0]
	mask := s.mask
	if primary := uint64(1) << c.cfg.PrimaryDevice; mask&primary != 0 {
		c.payloads = append(c.payloads, s.payloads[c.cfg.PrimaryDevice])
		mask &^= primary
	}
	for ; mask != 0; mask &= mask - 1 {
		c.payloads = append(c.payloads, s.payloads[bits.TrailingZeros64(mask)])
	}

	rec := &eventfile.MergedRecord{
		ID:       s.id,
		Status:   status,
		Version:  eventfile.MergedVersion,
		Mask:     s.mask,
		Payloads: c.payloads,
	}

	skew := s.skew()
	if bits.OnesCount64(s.mask) > 1 {
		if skew > c.maxSkew {
			c.maxSkew = skew
		}
		_ = c.sketch.Add(float64(skew))
		if m := c.out.Metrics; m != nil {
			m.Skew.Observe(float64(skew))
		}
	}

	var encoded []byte
	if c.out.Merged != nil {
		var err error
		encoded, err = c.out.Merged.Append(rec)
		if err != nil {
			c.writeFailed(err, s.id)
			encoded = nil
		} else if c.out.Index != nil {
			c.index(s, status, encoded, skew)
		}
	}
	if encoded == nil && c.out.Forward != nil {
		c.scratch = eventfile.AppendMerged(c.scratch[:0], rec)
		encoded = c.scratch
	}
	if c.out.Forward != nil && !c.out.Forward.Forward(encoded) {
		if m := c.out.Metrics; m != nil {
			m.ForwardDrops.Inc()
		}
	}

	if status == eventfile.StatusComplete {
		c.complete++
	} else {
		c.incomplete++
	}
	if m := c.out.Metrics; m != nil {
		m.Merged.WithLabelValues(status.String()).Inc()
	}
	s.reset(0)
}

func (c *Correlator) index(s *slot, status eventfile.Status, encoded []byte, skew uint64) {
	pos := c.out.Merged.Last()
	row := index.EventRow{
		Run:         int64(c.run.Run),
		SubRun:      int64(c.run.SubRun),
		EventID:     int64(s.id),
		Status:      status.String(),
		Mask:        int64(s.mask),
		Devices:     int32(bits.OnesCount64(s.mask)),
		Segment:     pos.Segment,
		Offset:      pos.Offset,
		Size:        pos.Size,
		ClockMin:    int64(s.clockMin),
		ClockMax:    int64(s.clockMax),
		Skew:        int64(skew),
		Digest:      index.Digest(encoded),
		WrittenAtMs: time.Now().UnixMilli(),
	}
	if err := c.out.Index.Write(row); err != nil {
		c.writeFailed(err, s.id)
	}
}

func (c *Correlator) writeFailed(err error, id uint32) {
	c.writeFailures++
	if c.writeFailures == 1 {
		log.Error("merged output write failed", "event", id, "error", err)
		return
	}
	log.Debug("merged output write failed", "event", id, "error", err)
}

func (c *Correlator) queueDepth() {
	if m := c.out.Metrics; m != nil {
		m.QueueDepth.Set(float64(c.queue.Len()))
	}
}

// ApplyRunControl updates the current run and sub-run. Records written
// afterwards are indexed under them.
func (c *Correlator) ApplyRunControl(m runctl.Message) {
	prev := c.run
	c.run.Apply(m)
	log.Info("run control",
		"action", string(m.Action), "run", c.run.Run, "sub_run", c.run.SubRun,
		"previous_run", prev.Run, "previous_sub_run", prev.SubRun)
}

// Run returns the current run state.
func (c *Correlator) Run() runctl.State {
	return c.run
}

// Written returns the number of merged records written so far.
func (c *Correlator) Written() uint64 {
	return c.complete + c.incomplete
}

// Pending returns the number of queued and partial events.
func (c *Correlator) Pending() (queued, partial int) {
	return c.queue.Len(), c.reg.Partial()
}

// Snapshot returns the correlator counters. Identity and time fields are
// left to the caller.
func (c *Correlator) Snapshot() *stats.Zipper {
	z := &stats.Zipper{
		Run:           c.run.Run,
		SubRun:        c.run.SubRun,
		Notifications: c.notifications,
		Complete:      c.complete,
		Incomplete:    c.incomplete,
		Evictions:     c.evictions,
		QueueDrops:    c.queueDrops,
		Lost:          c.lost,
		QueueDepth:    c.queue.Len(),
		MaxSkew:       c.maxSkew,
		OutOfOrder:    make(map[uint8]uint64, len(c.outOfOrder)),
		Gaps:          make(map[uint8]uint64, len(c.gaps)),
	}
	for dev, n := range c.outOfOrder {
		z.OutOfOrder[dev] = n
	}
	for dev, n := range c.gaps {
		z.Gaps[dev] = n
	}
	if f := c.out.Forward; f != nil {
		_, z.ForwardDrops, _ = f.Stats()
	}
	if !c.sketch.IsEmpty() {
		z.SkewP50, _ = c.sketch.GetValueAtQuantile(0.50)
		z.SkewP99, _ = c.sketch.GetValueAtQuantile(0.99)
	}
	return z
}

func maskString(m uint64) string {
	return "0x" + strconv.FormatUint(m, 16)
}
