package query

import (
	"context"
	"testing"

	"github.com/xtxerr/fnetdaq/internal/storage/index"
)

func writeIndex(t *testing.T, dir string) {
	t.Helper()
	w, err := index.NewWriter(dir, index.Options{RowGroupSize: 8, RowsPerFile: 10})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	var rows []index.EventRow
	for run := int64(1); run <= 2; run++ {
		for id := int64(1); id <= 12; id++ {
			status := "complete"
			if id == 12 {
				status = "incomplete"
			}
			rows = append(rows, index.EventRow{
				Run:      run,
				EventID:  id,
				Status:   status,
				Mask:     0x30,
				Devices:  2,
				Segment:  "merged-000000.zip",
				Offset:   (id - 1) * 100,
				Size:     100,
				ClockMin: id * 1000,
				ClockMax: id*1000 + id%3,
				Skew:     id % 3,
				Digest:   index.Digest([]byte{byte(run), byte(id)}),
			})
		}
	}
	if err := w.Write(rows...); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestService_EmptyDir(t *testing.T) {
	svc, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	sums, err := svc.RunSummaries(context.Background())
	if err != nil {
		t.Fatalf("RunSummaries: %v", err)
	}
	if len(sums) != 0 {
		t.Errorf("expected no runs, got %d", len(sums))
	}
}

func TestService_RunSummaries(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir)

	svc, err := New(Options{Dir: dir, MemoryLimit: "256MB"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	sums, err := svc.RunSummaries(context.Background())
	if err != nil {
		t.Fatalf("RunSummaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(sums))
	}
	for i, s := range sums {
		if s.Run != int64(i+1) {
			t.Errorf("summary %d: run %d", i, s.Run)
		}
		if s.Events != 12 || s.Complete != 11 || s.Incomplete != 1 {
			t.Errorf("run %d: counts %+v", s.Run, s)
		}
		if s.FirstEvent != 1 || s.LastEvent != 12 {
			t.Errorf("run %d: event range %d..%d", s.Run, s.FirstEvent, s.LastEvent)
		}
		if s.Bytes != 1200 || s.MaxSkew != 2 {
			t.Errorf("run %d: bytes %d max skew %d", s.Run, s.Bytes, s.MaxSkew)
		}
		if s.AvgSkew != 1 {
			t.Errorf("run %d: avg skew %v", s.Run, s.AvgSkew)
		}
	}
}

func TestService_Events(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir)

	svc, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()
	ctx := context.Background()

	rows, err := svc.Events(ctx, EventQuery{Run: 2, FromID: 3, ToID: 6})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(rows))
	}
	for i, r := range rows {
		if r.Run != 2 || r.EventID != int64(3+i) {
			t.Errorf("row %d: run %d event %d", i, r.Run, r.EventID)
		}
		if r.Digest != index.Digest([]byte{2, byte(r.EventID)}) {
			t.Errorf("row %d: digest mismatch", i)
		}
	}

	rows, err = svc.Events(ctx, EventQuery{AnyRun: true, Status: "incomplete"})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(rows) != 2 || rows[0].EventID != 12 || rows[1].Run != 2 {
		t.Errorf("unexpected incomplete rows %+v", rows)
	}

	rows, err = svc.Events(ctx, EventQuery{AnyRun: true, Limit: 5})
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("limit ignored: %d rows", len(rows))
	}
}

func TestService_ExecuteSQL(t *testing.T) {
	dir := t.TempDir()
	writeIndex(t, dir)

	svc, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	results, err := svc.ExecuteSQL(context.Background(), "SELECT count(*) AS n FROM events WHERE run = 1")
	if err != nil {
		t.Fatalf("ExecuteSQL: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if n, ok := results[0]["n"].(int64); !ok || n != 12 {
		t.Errorf("unexpected count %#v", results[0]["n"])
	}

	stats := svc.Stats()
	if stats.QueriesExecuted != 1 {
		t.Errorf("expected 1 query executed, got %d", stats.QueriesExecuted)
	}
}
