package eventfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Writer appends records to a sequence of segment files, rotating when a
// segment reaches MaxSegmentSize. Records never straddle two segments.
//
// Segment names are <prefix>-<seq>.<ext>, with a further .lz4 suffix when
// compression is on. Every segment is a complete LZ4 frame.
type Writer struct {
	mu sync.Mutex

	dir  string
	opts Options

	file   *os.File
	lz     *lz4.Writer
	writer *bufio.Writer
	path   string
	size   int64
	seq    int64
	closed bool
	last   Position

	stats WriterStats
}

// Position locates a record inside the segment sequence. Offset is
// uncompressed.
type Position struct {
	Segment string
	Offset  int64
	Size    int64
}

// Options configures a Writer.
type Options struct {
	// Prefix names the segments, e.g. "dev05" or "merged".
	Prefix string

	// Ext is the segment extension without the dot. Default: "evt".
	Ext string

	// MaxSegmentSize is the uncompressed size at which a segment is
	// rotated. Default: 256MB
	MaxSegmentSize int64

	// Compress wraps every segment in an LZ4 frame.
	Compress bool

	// SyncMode controls how writes reach the disk.
	// "async" - buffered, flushed on Sync and rotation
	// "sync"  - flushed after every record
	// "fsync" - flushed and fsynced after every record
	SyncMode string

	// BufferSize is the size of the write buffer. Default: 256KB
	BufferSize int
}

// DefaultOptions returns default writer options.
func DefaultOptions() Options {
	return Options{
		Ext:            "evt",
		MaxSegmentSize: 256 * 1024 * 1024,
		SyncMode:       "async",
		BufferSize:     256 * 1024,
	}
}

// WriterStats holds writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// NewWriter creates a writer in dir, continuing the segment numbering of
// any segments with the same prefix already there.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.Ext == "" {
		opts.Ext = def.Ext
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}
	if opts.Prefix == "" {
		return nil, errors.NewMissingField("prefix")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	w := &Writer{dir: dir, opts: opts}

	segments, err := ListSegments(dir, opts.Prefix, opts.Ext)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.seq = segments[len(segments)-1].Seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}
	return w, nil
}

// Write appends one record.
func (w *Writer) Write(record []byte) error {
	if len(record) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	n := int64(len(record))
	if w.size > 0 && w.size+n > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if _, err := w.writer.Write(record); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}
	w.last = Position{Segment: filepath.Base(w.path), Offset: w.size, Size: n}
	w.size += n
	w.stats.RecordsWritten++
	w.stats.BytesWritten += n

	if w.opts.SyncMode == "sync" || w.opts.SyncMode == "fsync" {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Last returns the position of the most recently written record.
func (w *Writer) Last() Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Sync flushes buffered data to the file.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.lz != nil {
		if err := w.lz.Flush(); err != nil {
			return err
		}
	}
	if w.opts.SyncMode == "fsync" {
		if err := w.file.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and starts a new one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.ErrWriterClosed
	}
	return w.rotateUnlocked()
}

func (w *Writer) rotateUnlocked() error {
	if err := w.closeSegment(); err != nil {
		return err
	}

	path := filepath.Join(w.dir, segmentName(w.opts.Prefix, w.opts.Ext, w.seq, w.opts.Compress))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var dst io.Writer = f
	if w.opts.Compress {
		w.lz = lz4.NewWriter(f)
		dst = w.lz
	}

	w.file = f
	w.path = path
	w.size = 0
	w.writer = bufio.NewWriterSize(dst, w.opts.BufferSize)
	w.seq++
	w.stats.SegmentsCreated++
	return nil
}

func (w *Writer) closeSegment() error {
	if w.file == nil {
		return nil
	}
	var firstErr error
	if err := w.writer.Flush(); err != nil {
		firstErr = err
	}
	if w.lz != nil {
		if err := w.lz.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.lz = nil
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.file = nil
	return firstErr
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.closeSegment()
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Segment describes one segment file.
type Segment struct {
	Path       string
	Seq        int64
	Size       int64
	Compressed bool
}

func segmentName(prefix, ext string, seq int64, compressed bool) string {
	name := fmt.Sprintf("%s-%06d.%s", prefix, seq, ext)
	if compressed {
		name += ".lz4"
	}
	return name
}

// ListSegments returns the segments of prefix in dir, oldest first.
func ListSegments(dir, prefix, ext string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		compressed := strings.HasSuffix(name, ".lz4")
		base := strings.TrimSuffix(name, ".lz4")

		rest, ok := strings.CutPrefix(base, prefix+"-")
		if !ok {
			continue
		}
		num, ok := strings.CutSuffix(rest, "."+ext)
		if !ok {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(num, "%d", &seq); err != nil || len(num) < 6 {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		segments = append(segments, Segment{
			Path:       filepath.Join(dir, name),
			Seq:        seq,
			Size:       info.Size(),
			Compressed: compressed,
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Seq < segments[j].Seq
	})
	return segments, nil
}
