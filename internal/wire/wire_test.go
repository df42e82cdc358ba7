package wire

import (
	"bytes"
	"io"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	for i := 0; i < 3; i++ {
		s, err := structpb.NewStruct(map[string]any{"kind": "builder", "events": float64(i)})
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write(s); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	r := NewReader(&buf)
	for i := 0; i < 3; i++ {
		s, err := r.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if got := s.GetFields()["events"].GetNumberValue(); got != float64(i) {
			t.Errorf("snapshot %d: events = %v", i, got)
		}
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("expected io.EOF at end, got %v", err)
	}
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	s, _ := structpb.NewStruct(map[string]any{"kind": "zipper"})
	if err := NewWriter(&buf).Write(s); err != nil {
		t.Fatal(err)
	}
	data := buf.Bytes()[:buf.Len()-2]

	if _, err := NewReader(bytes.NewReader(data)).Read(); err == nil || err == io.EOF {
		t.Errorf("expected framing error on truncated snapshot, got %v", err)
	}
}
