package protocol

import (
	"encoding/binary"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/ringbuf"
)

// DefaultMaxEventBytes bounds the decoded size of one event.
const DefaultMaxEventBytes = 10 * 1024 * 1024

// State is the decoder's position inside an event.
type State int

const (
	StateHeader State = iota
	StateMarker
	StateSamples
	StateCRC
)

func (s State) String() string {
	switch s {
	case StateHeader:
		return "header"
	case StateMarker:
		return "marker"
	case StateSamples:
		return "samples"
	case StateCRC:
		return "crc"
	default:
		return "unknown"
	}
}

// EventRecord is one fully decoded event.
type EventRecord struct {
	Variant Variant
	Header  Header

	// Raw covers the event's wire bytes in the ring. It stays valid until the
	// event cursor is committed.
	Raw ringbuf.Segments

	// Payload is the decoded event: header words followed by each physical
	// channel as {marker, pair words, crc}. It aliases decoder scratch and is
	// valid until the next call to Next.
	Payload []byte

	// ChannelCRCs holds the verified checksum of each physical channel.
	ChannelCRCs []uint32
}

// HeaderBytes returns the header portion of the payload.
func (r *EventRecord) HeaderBytes() []byte {
	return r.Payload[:r.Variant.HeaderSize()]
}

// DecoderStats holds decoder statistics.
type DecoderStats struct {
	Events         int64
	HeaderErrors   int64
	ChannelErrors  int64
	OversizeEvents int64
}

// Decoder reconstructs events from the ring word by word. It is resumable:
// when the ring runs dry mid-event, Next returns (nil, nil) and picks up
// where it stopped on the next call.
type Decoder struct {
	variant  Variant
	maxEvent int
	log      *slog.Logger

	state       State
	headerWords int
	header      Header
	headerBuf   [52]byte

	channel   int // serial channel being read
	chanStart int // payload offset of its physical slot
	ch        channelState
	size      int
	payload   []byte
	crcs      []uint32

	events         atomic.Int64
	headerErrors   atomic.Int64
	channelErrors  atomic.Int64
	oversizeEvents atomic.Int64
}

// NewDecoder creates a decoder for v. maxEventBytes <= 0 selects
// DefaultMaxEventBytes.
func NewDecoder(v Variant, maxEventBytes int) *Decoder {
	if maxEventBytes <= 0 {
		maxEventBytes = DefaultMaxEventBytes
	}
	return &Decoder{
		variant:  v,
		maxEvent: maxEventBytes,
		log:      logging.Component("decoder").With("variant", v.String()),
		crcs:     make([]uint32, v.Channels),
	}
}

// Variant returns the decoder's variant.
func (d *Decoder) Variant() Variant {
	return d.variant
}

// State returns the current decoder state.
func (d *Decoder) State() State {
	return d.state
}

// Reset drops any event in progress.
func (d *Decoder) Reset() {
	d.state = StateHeader
	d.headerWords = 0
	d.header = Header{}
	d.channel = 0
	d.ch = channelState{}
	d.size = 0
}

// Next consumes words from buf until an event is complete or buf runs out
// of whole words.
//
// It returns (record, nil) for a complete event, (nil, nil) when more bytes
// are needed and (nil, err) on a protocol error. On error the event is
// discarded and the event cursor committed at the scan position so the
// offending bytes are dropped; the caller should resynchronize. On success
// the caller commits the event cursor after dispatching the record.
func (d *Decoder) Next(buf *ringbuf.Buffer) (*EventRecord, error) {
	for {
		w, err := buf.Pop32()
		if err != nil {
			return nil, nil
		}

		switch d.state {
		case StateHeader:
			d.variant.setWord(&d.header, d.headerWords, w)
			binary.BigEndian.PutUint32(d.headerBuf[d.headerWords*4:], w)
			d.headerWords++
			if d.headerWords < d.variant.HeaderWords {
				continue
			}
			if err := d.beginEvent(); err != nil {
				return nil, d.fail(buf, err)
			}

		case StateMarker:
			if w != Marker(d.channel) {
				d.channelErrors.Add(1)
				return nil, d.fail(buf, errors.Wrapf(errors.ErrChannelMarker,
					"channel %d: got 0x%08X want 0x%08X", d.channel, w, Marker(d.channel)))
			}
			phys := d.variant.PhysicalChannel(d.header.DeviceID, d.channel)
			d.chanStart = d.variant.HeaderSize() + phys*(int(d.header.Length)+2)*4
			binary.BigEndian.PutUint32(d.payload[d.chanStart:], Marker(phys))
			d.ch = channelState{}
			if d.header.Length == 0 {
				d.state = StateCRC
			} else {
				d.state = StateSamples
			}

		case StateSamples:
			base := d.ch.pairs
			out, n, err := d.ch.decode(w, int(d.header.Length))
			if err != nil {
				d.channelErrors.Add(1)
				return nil, d.fail(buf, errors.Wrapf(err, "channel %d", d.channel))
			}
			for k := 0; k < n; k++ {
				binary.BigEndian.PutUint32(d.payload[d.chanStart+(base+k+1)*4:], out[k])
			}
			if d.ch.pairs == int(d.header.Length) {
				d.state = StateCRC
			}

		case StateCRC:
			length := int(d.header.Length)
			crcAt := d.chanStart + (length+1)*4
			binary.BigEndian.PutUint32(d.payload[crcAt:], w)
			calc := ChannelCRC(d.payload[d.chanStart+4 : crcAt])
			if calc != w {
				d.channelErrors.Add(1)
				return nil, d.fail(buf, errors.Wrapf(errors.ErrChannelChecksum,
					"channel %d: got 0x%08X want 0x%08X", d.channel, w, calc))
			}
			d.crcs[d.variant.PhysicalChannel(d.header.DeviceID, d.channel)] = calc

			d.channel++
			if d.channel < d.variant.Channels {
				d.state = StateMarker
				continue
			}

			rec := &EventRecord{
				Variant:     d.variant,
				Header:      d.header,
				Raw:         buf.PendingSpan(),
				Payload:     d.payload[:d.size],
				ChannelCRCs: d.crcs,
			}
			d.events.Add(1)
			d.Reset()
			return rec, nil
		}
	}
}

// beginEvent validates a complete header and prepares the payload scratch.
func (d *Decoder) beginEvent() error {
	h := d.header
	if h.Magic != d.variant.Magic {
		d.headerErrors.Add(1)
		return errors.Wrapf(errors.ErrBadMagic, "got 0x%08X", h.Magic)
	}
	if want := d.variant.ExpectedChecksum(h); h.Checksum != want {
		d.headerErrors.Add(1)
		return errors.Wrapf(errors.ErrHeaderChecksum, "got 0x%X want 0x%X", h.Checksum, want)
	}

	d.size = d.variant.PayloadSize(h.Length)
	if d.size > d.maxEvent {
		d.oversizeEvents.Add(1)
		return errors.Wrapf(errors.ErrEventTooLarge, "%d bytes, limit %d", d.size, d.maxEvent)
	}
	if cap(d.payload) < d.size {
		d.payload = make([]byte, d.size)
	}
	d.payload = d.payload[:d.size]
	copy(d.payload, d.headerBuf[:d.variant.HeaderSize()])

	d.channel = 0
	d.state = StateMarker
	return nil
}

func (d *Decoder) fail(buf *ringbuf.Buffer, err error) error {
	d.log.Error("dropping event", "error", err, "state", d.state.String(), "header", d.header)
	d.Reset()
	buf.CommitEventCursor()
	return err
}

// Stats returns decoder statistics.
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Events:         d.events.Load(),
		HeaderErrors:   d.headerErrors.Load(),
		ChannelErrors:  d.channelErrors.Load(),
		OversizeEvents: d.oversizeEvents.Load(),
	}
}
