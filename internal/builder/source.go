package builder

import (
	"context"
	"io"
	"sync/atomic"
)

// Source is the byte stream a builder reads. *transport.Conn implements it
// for a live front-end.
type Source interface {
	// MaybeConnect brings the stream up if it is down and may be retried.
	// It must not block longer than one dial attempt.
	MaybeConnect(ctx context.Context) bool

	// Receive reads into dst, returning (0, nil) when nothing arrived
	// within the poll timeout. io.EOF ends the run.
	Receive(dst []byte) (int, error)

	// Reconnect drops the stream so the next MaybeConnect dials again.
	Reconnect()

	Connected() bool
	Close() error
}

// ReaderSource replays a recorded wire stream, such as a raw dump file.
type ReaderSource struct {
	r      io.Reader
	closed atomic.Bool
}

// NewReaderSource creates a source reading r until EOF.
func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{r: r}
}

// MaybeConnect reports whether the reader still has data.
func (s *ReaderSource) MaybeConnect(context.Context) bool {
	return !s.closed.Load()
}

// Connected reports whether the reader still has data.
func (s *ReaderSource) Connected() bool {
	return !s.closed.Load()
}

// Reconnect is a no-op; a recording cannot be re-dialed.
func (s *ReaderSource) Reconnect() {}

// Receive reads from the underlying reader.
func (s *ReaderSource) Receive(dst []byte) (int, error) {
	if s.closed.Load() {
		return 0, io.EOF
	}
	n, err := s.r.Read(dst)
	if err == io.EOF {
		s.closed.Store(true)
	}
	return n, err
}

// Close closes the reader if it is an io.Closer.
func (s *ReaderSource) Close() error {
	s.closed.Store(true)
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
