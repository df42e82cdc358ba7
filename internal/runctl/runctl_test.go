package runctl

import (
	"testing"
	"time"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

func TestMarshalRoundTrip(t *testing.T) {
	in := Message{
		Action:   ActionSubRun,
		Run:      1042,
		SubRun:   3,
		Time:     time.Date(2026, 5, 4, 10, 30, 0, 123456789, time.UTC),
		Operator: "shift",
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, _ := Marshal(in)
	if string(again) != string(data) {
		t.Error("encoding is not deterministic")
	}

	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Action != in.Action || out.Run != in.Run || out.SubRun != in.SubRun || out.Operator != in.Operator {
		t.Errorf("got %+v, want %+v", out, in)
	}
	if !out.Time.Equal(in.Time) {
		t.Errorf("time = %v, want %v", out.Time, in.Time)
	}
}

func TestMarshalRejectsUnknownAction(t *testing.T) {
	if _, err := Marshal(Message{Action: "pause"}); !errors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	if _, err := Unmarshal([]byte{0xFF}); !errors.Is(err, errors.ErrInvalidRecord) {
		t.Errorf("garbage: expected ErrInvalidRecord, got %v", err)
	}

	data, err := encMode.Marshal(Message{Action: "pause"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(data); !errors.Is(err, errors.ErrInvalidRecord) {
		t.Errorf("unknown action: expected ErrInvalidRecord, got %v", err)
	}
}

func TestStateApply(t *testing.T) {
	var s State
	s.Apply(Message{Action: ActionStart, Run: 7})
	if !s.Running || s.Run != 7 || s.SubRun != 0 {
		t.Fatalf("after start: %+v", s)
	}
	s.Apply(Message{Action: ActionSubRun, Run: 7, SubRun: 2})
	if s.SubRun != 2 {
		t.Fatalf("after subrun: %+v", s)
	}
	s.Apply(Message{Action: ActionStop, Run: 7})
	if s.Running || s.Run != 7 || s.SubRun != 2 {
		t.Fatalf("after stop: %+v", s)
	}
}
