// Package resync realigns the decoder with the byte stream after
// corruption by scanning for the next header magic.
//
// The scan only looks at the contiguous readable span of the ring. A magic
// word split across the physical wrap is not detected; the engine skips to
// the wrap and finds the following header instead, losing that one event.
package resync

import (
	"bytes"
	"log/slog"
	"sync/atomic"

	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/ringbuf"
)

// Engine tracks whether the builder is resynchronizing and performs the
// scan. It is owned by the builder goroutine; Stats may be read from others.
type Engine struct {
	magic []byte
	log   *slog.Logger

	active    atomic.Bool
	sinceTick bool

	entries    atomic.Int64
	recoveries atomic.Int64
	dropped    atomic.Int64
}

// New creates an engine that looks for magic, given in wire byte order.
func New(magic []byte) *Engine {
	return &Engine{
		magic: append([]byte(nil), magic...),
		log:   logging.Component("resync"),
	}
}

// Enter switches the engine into resync mode. Repeated entries while
// already active are counted but logged once.
func (e *Engine) Enter(reason error) {
	e.entries.Add(1)
	e.sinceTick = true
	if e.active.Swap(true) {
		return
	}
	e.log.Warn("lost alignment, scanning for next header", "reason", reason)
}

// Arm puts the engine into resync mode for a fresh stream whose alignment
// is unknown. Unlike Enter it is not counted as a loss of alignment.
func (e *Engine) Arm() {
	if !e.active.Swap(true) {
		e.log.Debug("armed for new stream")
	}
}

// Active reports whether the engine is resynchronizing.
func (e *Engine) Active() bool {
	return e.active.Load()
}

// SinceTick reports whether resync was active at any point since the last
// call, then clears the flag.
func (e *Engine) SinceTick() bool {
	v := e.sinceTick || e.active.Load()
	e.sinceTick = false
	return v
}

// Scan searches the contiguous readable span of buf for the magic. When
// found, the scan and event cursors are moved onto it, the engine leaves
// resync mode and Scan returns true. Otherwise the bytes that cannot start
// a magic are committed away and Scan returns false.
func (e *Engine) Scan(buf *ringbuf.Buffer) bool {
	if !e.active.Load() {
		return true
	}
	n := len(e.magic)

	contiguous := buf.ContiguousReadable()
	if contiguous < n {
		if buf.Readable()-contiguous < n {
			return false
		}
		// Too little left before the wrap to hold a magic; jump past it.
		e.skip(buf, contiguous)
		contiguous = buf.ContiguousReadable()
	}

	span := buf.ReadSlice()
	if i := bytes.Index(span, e.magic); i >= 0 {
		e.skip(buf, i)
		e.active.Store(false)
		e.recoveries.Add(1)
		e.log.Info("realigned on header", "dropped_total", e.dropped.Load())
		return true
	}

	// Keep the last n-1 bytes: they may be the start of a magic whose tail
	// has not arrived yet.
	e.skip(buf, contiguous-(n-1))
	return false
}

// skip drops k bytes at the scan cursor and commits the event cursor there.
func (e *Engine) skip(buf *ringbuf.Buffer, k int) {
	if k > 0 {
		if err := buf.RegisterRead(k); err != nil {
			// k never exceeds the readable span.
			panic(err)
		}
		e.dropped.Add(int64(k))
	}
	buf.CommitEventCursor()
}

// Stats holds resync statistics.
type Stats struct {
	Active       bool
	Entries      int64
	Recoveries   int64
	DroppedBytes int64
}

// Stats returns current resync statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Active:       e.active.Load(),
		Entries:      e.entries.Load(),
		Recoveries:   e.recoveries.Load(),
		DroppedBytes: e.dropped.Load(),
	}
}
