package eventfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/protocol"
)

// openSegment opens path for reading, undoing LZ4 framing when the name
// says so.
func openSegment(path string) (io.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment: %w", err)
	}
	var r io.Reader = f
	if strings.HasSuffix(path, ".lz4") {
		r = lz4.NewReader(f)
	}
	return bufio.NewReaderSize(r, 256*1024), f, nil
}

// Reader iterates the payloads of an event segment. Each payload is
// self-delimiting: its magic selects the variant and its header gives the
// length.
type Reader struct {
	r      io.Reader
	closer io.Closer
	buf    []byte

	records int64
}

// NewReader wraps a stream of concatenated payloads.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// OpenReader opens an event segment.
func OpenReader(path string) (*Reader, error) {
	r, c, err := openSegment(path)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, closer: c}, nil
}

// Next returns the next payload. The slice is reused by the following call.
// It returns io.EOF at a clean end and io.ErrUnexpectedEOF for a truncated
// payload.
func (r *Reader) Next() ([]byte, error) {
	p, err := readPayload(r.r, r.buf[:0])
	r.buf = p
	if err != nil {
		return nil, err
	}
	r.records++
	return p, nil
}

// Records returns the payloads read so far.
func (r *Reader) Records() int64 {
	return r.records
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// readPayload appends one payload from r to dst.
func readPayload(r io.Reader, dst []byte) ([]byte, error) {
	start := len(dst)
	dst = append(dst, make([]byte, 4)...)
	if _, err := io.ReadFull(r, dst[start:]); err != nil {
		return dst[:start], err
	}

	v, ok := protocol.VariantForMagic(binary.BigEndian.Uint32(dst[start:]))
	if !ok {
		return dst[:start], errors.Wrapf(errors.ErrBadMagic, "at payload start")
	}
	hs := v.HeaderSize()
	dst = append(dst, make([]byte, hs-4)...)
	if _, err := io.ReadFull(r, dst[start+4:]); err != nil {
		return dst[:start], unexpected(err)
	}

	size, err := protocol.PayloadLen(dst[start:])
	if err != nil {
		return dst[:start], err
	}
	dst = append(dst, make([]byte, size-hs)...)
	if _, err := io.ReadFull(r, dst[start+hs:]); err != nil {
		return dst[:start], unexpected(err)
	}
	return dst, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
