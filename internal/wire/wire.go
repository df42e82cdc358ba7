// Package wire frames stats snapshots for the on-disk stats log.
//
// Snapshots are length-delimited using protobuf's standard varint encoding,
// so a log can be appended to across restarts and replayed by daqctl.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/fnetdaq/config"
)

// Reader reads length-delimited snapshots from an io.Reader.
// It is safe for concurrent use.
type Reader struct {
	r  *bufio.Reader
	mu sync.Mutex
}

// NewReader creates a Reader wrapping the given io.Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Read reads and unmarshals the next snapshot. It returns io.EOF at a clean
// end of stream.
func (r *Reader) Read() (*structpb.Struct, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &structpb.Struct{}
	opts := protodelim.UnmarshalOptions{
		MaxSize: config.DefaultMaxSnapshotSize,
	}
	if err := opts.UnmarshalFrom(r.r, s); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return s, nil
}

// Writer writes length-delimited snapshots to an io.Writer.
// It is safe for concurrent use.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a Writer wrapping the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals and writes a snapshot with length prefix.
func (w *Writer) Write(s *structpb.Struct) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := protodelim.MarshalTo(w.w, s); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
