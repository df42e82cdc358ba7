package builder

import (
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/fnetdaq/internal/backpressure"
	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/metric"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/ringbuf"
)

// Sink persists records. *eventfile.Writer implements it.
type Sink interface {
	Write(record []byte) error
}

// Outputs are the destinations of dispatched events. Every field is
// optional; a nil field disables that output.
type Outputs struct {
	// Events receives header+payload of every event.
	Events Sink

	// Raw receives the wire bytes of every event.
	Raw Sink

	// Publisher receives full payloads and headers on the device subjects,
	// and stats snapshots.
	Publisher broker.Publisher
	Subjects  broker.Subjects

	// StatsLog receives every stats tick as a length-delimited protobuf
	// Struct, readable with wire.Reader.
	StatsLog io.Writer

	// Metrics are updated alongside the stats counters.
	Metrics *metric.Builder
}

// DispatchStats holds dispatcher counters.
type DispatchStats struct {
	Events           uint64
	LastTrigger      uint32
	LastClock        uint64
	LastDevice       uint8
	ValidationErrors uint64
	PublishFailures  uint64
	WriteFailures    uint64
	RawSkipped       uint64
	PublishSkipped   uint64
}

// Dispatcher validates a decoded event and fans it out to the outputs.
// Persist and publish are best-effort: failures are logged and counted and
// never stop ingestion.
type Dispatcher struct {
	out      Outputs
	pressure *backpressure.Controller
	log      *slog.Logger

	raw []byte

	events           atomic.Uint64
	lastTrigger      atomic.Uint32
	lastClock        atomic.Uint64
	lastDevice       atomic.Uint32
	validationErrors atomic.Uint64
	publishFailures  atomic.Uint64
	writeFailures    atomic.Uint64
	rawSkipped       atomic.Uint64
	publishSkipped   atomic.Uint64

	publishWarned bool
	writeWarned   bool
}

// NewDispatcher creates a dispatcher. pressure may be nil.
func NewDispatcher(out Outputs, pressure *backpressure.Controller) *Dispatcher {
	if out.Subjects.Prefix == "" {
		out.Subjects = broker.NewSubjects("")
	}
	return &Dispatcher{
		out:      out,
		pressure: pressure,
		log:      logging.Component("dispatch"),
	}
}

// Dispatch handles one decoded event. The raw span in rec is read from buf,
// so the caller must not commit the event cursor before Dispatch returns.
// An error means the event failed validation and was dropped.
func (d *Dispatcher) Dispatch(buf *ringbuf.Buffer, rec *protocol.EventRecord) error {
	if err := rec.Variant.ValidatePayload(rec.Payload); err != nil {
		d.validationErrors.Add(1)
		if m := d.out.Metrics; m != nil {
			m.ProtocolErrors.WithLabelValues("validation").Inc()
		}
		d.log.Error("event failed validation", "error", err, "header", rec.Header)
		return err
	}

	h := rec.Header

	if d.out.Events != nil {
		if err := d.out.Events.Write(rec.Payload); err != nil {
			d.writeFailed(err)
		}
	}

	if d.out.Raw != nil {
		if d.pressure != nil && d.pressure.ShouldSkipRaw() {
			d.rawSkipped.Add(1)
		} else {
			d.raw = buf.Materialize(rec.Raw, d.raw[:0])
			if err := d.out.Raw.Write(d.raw); err != nil {
				d.writeFailed(err)
			}
		}
	}

	if pub := d.out.Publisher; pub != nil {
		if d.pressure != nil && d.pressure.ShouldSkipPublish() {
			d.publishSkipped.Add(1)
		} else if err := pub.Publish(d.out.Subjects.Event(h.DeviceID), rec.Payload); err != nil {
			d.publishFailed(err)
		}
		if err := pub.Publish(d.out.Subjects.Header(h.DeviceID), rec.HeaderBytes()); err != nil {
			d.publishFailed(err)
		}
	}

	d.events.Add(1)
	d.lastTrigger.Store(h.TriggerID)
	d.lastClock.Store(h.Clock)
	d.lastDevice.Store(uint32(h.DeviceID))
	if m := d.out.Metrics; m != nil {
		m.Events.Inc()
	}
	return nil
}

// Only the first failure of a kind is logged at warn level.
func (d *Dispatcher) writeFailed(err error) {
	d.writeFailures.Add(1)
	if m := d.out.Metrics; m != nil {
		m.WriteFailures.Inc()
	}
	if !d.writeWarned {
		d.writeWarned = true
		d.log.Warn("event file write failed", "error", err)
		return
	}
	d.log.Debug("event file write failed", "error", err)
}

func (d *Dispatcher) publishFailed(err error) {
	d.publishFailures.Add(1)
	if m := d.out.Metrics; m != nil {
		m.PublishFailures.Inc()
	}
	if !d.publishWarned || !errors.IsRetriable(err) {
		d.publishWarned = true
		d.log.Warn("publish failed", "error", err)
		return
	}
	d.log.Debug("publish failed", "error", err)
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Events:           d.events.Load(),
		LastTrigger:      d.lastTrigger.Load(),
		LastClock:        d.lastClock.Load(),
		LastDevice:       uint8(d.lastDevice.Load()),
		ValidationErrors: d.validationErrors.Load(),
		PublishFailures:  d.publishFailures.Load(),
		WriteFailures:    d.writeFailures.Load(),
		RawSkipped:       d.rawSkipped.Load(),
		PublishSkipped:   d.publishSkipped.Load(),
	}
}
