package zipper

import (
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/time/rate"

	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/errors"
)

// zstd encoders and decoders are safe for concurrent use; one of each is
// shared by every forwarder.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("zipper: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("zipper: zstd decoder initialization failed: " + err.Error())
	}
}

// Forwarder publishes a rate-limited, zstd-compressed copy of merged
// records for online monitoring. Records over the rate are dropped.
type Forwarder struct {
	pub     broker.Publisher
	subject string
	limiter *rate.Limiter
	buf     []byte

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewForwarder creates a forwarder allowing perSecond records per second
// with a burst of the same size.
func NewForwarder(pub broker.Publisher, subject string, perSecond float64) (*Forwarder, error) {
	if pub == nil {
		return nil, errors.NewMissingField("publisher")
	}
	if perSecond <= 0 {
		return nil, errors.NewInvalidValue("forward_rate", perSecond, "must be positive")
	}
	burst := max(1, int(perSecond))
	return &Forwarder{
		pub:     pub,
		subject: subject,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// Forward compresses and publishes record if the rate allows. It reports
// whether the record was sent.
func (f *Forwarder) Forward(record []byte) bool {
	if !f.limiter.Allow() {
		f.dropped.Add(1)
		return false
	}
	f.buf = encoder.EncodeAll(record, f.buf[:0])
	if err := f.pub.Publish(f.subject, f.buf); err != nil {
		if f.failed.Add(1) == 1 {
			log.Warn("forward failed", "subject", f.subject, "error", err)
		}
		return false
	}
	f.forwarded.Add(1)
	return true
}

// Stats returns forward counters.
func (f *Forwarder) Stats() (forwarded, dropped, failed uint64) {
	return f.forwarded.Load(), f.dropped.Load(), f.failed.Load()
}

// DecodeForwarded decompresses a forwarded merged record.
func DecodeForwarded(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRecord, "zstd: %v", err)
	}
	return out, nil
}
