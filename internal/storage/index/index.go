package index

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/zeebo/blake3"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/errors"
)

const (
	filePrefix = "index-"
	fileExt    = ".parquet"
	tmpExt     = ".tmp"
)

// EventRow is one merged record in parquet form.
type EventRow struct {
	Run         int64  `parquet:"run"`
	SubRun      int64  `parquet:"sub_run"`
	EventID     int64  `parquet:"event_id"`
	Status      string `parquet:"status,dict"`
	Mask        int64  `parquet:"mask"`
	Devices     int32  `parquet:"devices"`
	Segment     string `parquet:"segment,dict"`
	Offset      int64  `parquet:"offset"`
	Size        int64  `parquet:"size"`
	ClockMin    int64  `parquet:"clock_min"`
	ClockMax    int64  `parquet:"clock_max"`
	Skew        int64  `parquet:"skew"`
	Digest      string `parquet:"digest,zstd"`
	WrittenAtMs int64  `parquet:"written_at_ms"`
}

// Digest returns the hex blake3 digest of an encoded merged record.
func Digest(record []byte) string {
	sum := blake3.Sum256(record)
	return hex.EncodeToString(sum[:])
}

// Options configures the index writer.
type Options struct {
	// Compression is "zstd", "snappy", "gzip" or "none". Default: zstd
	Compression string

	// RowGroupSize is the number of rows buffered before a row group is
	// flushed. Default: 4096
	RowGroupSize int

	// RowsPerFile finalizes the current file after this many rows so it
	// becomes visible to queries. Zero keeps one file until Rotate or Close.
	RowsPerFile int64
}

// DefaultOptions returns default index options.
func DefaultOptions() Options {
	return Options{
		Compression:  "zstd",
		RowGroupSize: config.DefaultIndexRowGroup,
		RowsPerFile:  16 * config.DefaultIndexRowGroup,
	}
}

func codec(name string) compress.Codec {
	switch name {
	case "snappy":
		return &parquet.Snappy
	case "gzip":
		return &parquet.Gzip
	case "none":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// Stats holds writer statistics.
type Stats struct {
	FilesWritten int64
	RowsWritten  int64
	RowGroups    int64
}

// Writer appends EventRows to a sequence of parquet files in one directory.
// Files are opened lazily, so a writer that never sees a row leaves nothing
// behind.
type Writer struct {
	mu   sync.Mutex
	dir  string
	opts Options

	seq     int64
	file    *os.File
	pw      *parquet.GenericWriter[EventRow]
	tmp     string
	rows    int64
	pending int
	closed  bool

	stats Stats
}

// NewWriter creates an index writer in dir.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.Compression == "" {
		opts.Compression = def.Compression
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = def.RowGroupSize
	}
	if opts.RowsPerFile < 0 {
		return nil, errors.NewInvalidValue("rows_per_file", opts.RowsPerFile, "must not be negative")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	w := &Writer{dir: dir, opts: opts}
	if len(files) > 0 {
		last, _ := fileSeq(filepath.Base(files[len(files)-1]))
		w.seq = last + 1
	}
	return w, nil
}

// Write appends rows.
func (w *Writer) Write(rows ...EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrWriterClosed
	}

	for len(rows) > 0 {
		if w.pw == nil {
			if err := w.openUnlocked(); err != nil {
				return err
			}
		}

		batch := rows
		if room := w.opts.RowGroupSize - w.pending; len(batch) > room {
			batch = batch[:room]
		}
		if w.opts.RowsPerFile > 0 {
			if room := w.opts.RowsPerFile - w.rows; int64(len(batch)) > room {
				batch = batch[:room]
			}
		}

		n, err := w.pw.Write(batch)
		if err != nil {
			return fmt.Errorf("write rows: %w", err)
		}
		rows = rows[n:]
		w.rows += int64(n)
		w.pending += n
		w.stats.RowsWritten += int64(n)

		if w.pending >= w.opts.RowGroupSize {
			if err := w.flushUnlocked(); err != nil {
				return err
			}
		}
		if w.opts.RowsPerFile > 0 && w.rows >= w.opts.RowsPerFile {
			if err := w.finishUnlocked(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush closes the current row group.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushUnlocked()
}

func (w *Writer) flushUnlocked() error {
	if w.pw == nil || w.pending == 0 {
		return nil
	}
	if err := w.pw.Flush(); err != nil {
		return fmt.Errorf("flush row group: %w", err)
	}
	w.pending = 0
	w.stats.RowGroups++
	return nil
}

// Rotate finalizes the current file, making it visible to queries.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finishUnlocked()
}

// Close finalizes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.finishUnlocked()
}

// Stats returns writer statistics.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Writer) openUnlocked() error {
	final := filepath.Join(w.dir, fmt.Sprintf("%s%06d%s", filePrefix, w.seq, fileExt))
	w.tmp = final + tmpExt

	f, err := os.Create(w.tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	w.file = f
	w.pw = parquet.NewGenericWriter[EventRow](f, parquet.Compression(codec(w.opts.Compression)))
	w.rows = 0
	w.pending = 0
	return nil
}

func (w *Writer) finishUnlocked() error {
	if w.pw == nil {
		return nil
	}
	if w.pending > 0 {
		w.stats.RowGroups++
	}

	pw, f, tmp := w.pw, w.file, w.tmp
	w.pw, w.file, w.tmp = nil, nil, ""
	w.pending = 0
	w.seq++

	if err := pw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, strings.TrimSuffix(tmp, tmpExt)); err != nil {
		return fmt.Errorf("publish index file: %w", err)
	}
	w.stats.FilesWritten++
	return nil
}

// Glob returns the pattern matching every finished index file in dir.
func Glob(dir string) string {
	return filepath.Join(dir, filePrefix+"*"+fileExt)
}

// Files lists the finished index files in dir in sequence order.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index dir: %w", err)
	}

	type item struct {
		seq  int64
		path string
	}
	var items []item
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := fileSeq(e.Name())
		if !ok {
			continue
		}
		items = append(items, item{seq, filepath.Join(dir, e.Name())})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.path
	}
	return out, nil
}

func fileSeq(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, filePrefix)
	if !ok {
		return 0, false
	}
	num, ok := strings.CutSuffix(rest, fileExt)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// ReadFile reads every row of one index file.
func ReadFile(path string) ([]EventRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[EventRow](f)
	defer r.Close()

	rows := make([]EventRow, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows[:n], nil
}

// ReadAll reads every finished index file in dir.
func ReadAll(dir string) ([]EventRow, error) {
	files, err := Files(dir)
	if err != nil {
		return nil, err
	}
	var out []EventRow
	for _, path := range files {
		rows, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}
