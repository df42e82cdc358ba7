package eventfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Merged record layout, big-endian:
//
//	0   u32  event id
//	4   u16  status
//	6   u16  format version
//	8   u64  device mask
//	16  payloads, primary device first, then ascending device ids
const (
	MergedHeaderSize = 16
	MergedVersion    = 1
)

// Status tells whether every required device contributed.
type Status uint16

const (
	StatusComplete   Status = 0
	StatusIncomplete Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusIncomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("Status(%d)", uint16(s))
	}
}

// MergedRecord is one correlated multi-device event.
type MergedRecord struct {
	ID       uint32
	Status   Status
	Version  uint16
	Mask     uint64
	Payloads [][]byte
}

// Size returns the encoded length.
func (m *MergedRecord) Size() int {
	n := MergedHeaderSize
	for _, p := range m.Payloads {
		n += len(p)
	}
	return n
}

// AppendMerged appends the encoding of m to dst.
func AppendMerged(dst []byte, m *MergedRecord) []byte {
	dst = binary.BigEndian.AppendUint32(dst, m.ID)
	dst = binary.BigEndian.AppendUint16(dst, uint16(m.Status))
	dst = binary.BigEndian.AppendUint16(dst, m.Version)
	dst = binary.BigEndian.AppendUint64(dst, m.Mask)
	for _, p := range m.Payloads {
		dst = append(dst, p...)
	}
	return dst
}

// MergedWriter appends merged records to rotating segments.
type MergedWriter struct {
	w   *Writer
	buf []byte
}

// NewMergedWriter creates a merged record writer in dir.
func NewMergedWriter(dir string, opts Options) (*MergedWriter, error) {
	if opts.Prefix == "" {
		opts.Prefix = "merged"
	}
	if opts.Ext == "" {
		opts.Ext = "zip"
	}
	w, err := NewWriter(dir, opts)
	if err != nil {
		return nil, err
	}
	return &MergedWriter{w: w}, nil
}

// Append encodes and writes m. It returns the encoded bytes, valid until the
// next call.
func (mw *MergedWriter) Append(m *MergedRecord) ([]byte, error) {
	mw.buf = AppendMerged(mw.buf[:0], m)
	if err := mw.w.Write(mw.buf); err != nil {
		return nil, err
	}
	return mw.buf, nil
}

// Last returns where the most recent record was written.
func (mw *MergedWriter) Last() Position {
	return mw.w.Last()
}

// Writer returns the underlying segment writer.
func (mw *MergedWriter) Writer() *Writer {
	return mw.w
}

// Sync flushes buffered records.
func (mw *MergedWriter) Sync() error {
	return mw.w.Sync()
}

// Close closes the current segment.
func (mw *MergedWriter) Close() error {
	return mw.w.Close()
}

// MergedReader iterates the records of a merged segment.
type MergedReader struct {
	r      io.Reader
	closer io.Closer
}

// NewMergedReader wraps a stream of merged records.
func NewMergedReader(r io.Reader) *MergedReader {
	return &MergedReader{r: r}
}

// OpenMergedReader opens a merged segment.
func OpenMergedReader(path string) (*MergedReader, error) {
	r, c, err := openSegment(path)
	if err != nil {
		return nil, err
	}
	return &MergedReader{r: r, closer: c}, nil
}

// Next reads the next record. The number of payloads is the population of
// the mask; each payload's length comes from its own header.
func (mr *MergedReader) Next() (*MergedRecord, error) {
	var hdr [MergedHeaderSize]byte
	if _, err := io.ReadFull(mr.r, hdr[:]); err != nil {
		return nil, err
	}
	m := &MergedRecord{
		ID:      binary.BigEndian.Uint32(hdr[0:]),
		Status:  Status(binary.BigEndian.Uint16(hdr[4:])),
		Version: binary.BigEndian.Uint16(hdr[6:]),
		Mask:    binary.BigEndian.Uint64(hdr[8:]),
	}
	if m.Version != MergedVersion {
		return nil, errors.Wrapf(errors.ErrInvalidRecord, "event %d: format version %d", m.ID, m.Version)
	}

	n := bits.OnesCount64(m.Mask)
	m.Payloads = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		p, err := readPayload(mr.r, nil)
		if err != nil {
			return nil, fmt.Errorf("event %d payload %d: %w", m.ID, i, unexpected(err))
		}
		m.Payloads = append(m.Payloads, p)
	}
	return m, nil
}

// Close closes the underlying file, if any.
func (mr *MergedReader) Close() error {
	if mr.closer != nil {
		return mr.closer.Close()
	}
	return nil
}
