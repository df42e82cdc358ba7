package errors

import (
	"fmt"
	"testing"
)

func TestCategories(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		protocol  bool
		resource  bool
		retriable bool
	}{
		{"bad magic", ErrBadMagic, true, false, false},
		{"wrapped checksum", fmt.Errorf("device 3: %w", ErrHeaderChecksum), true, false, false},
		{"too large", ErrEventTooLarge, true, true, false},
		{"overrun", ErrOverrun, false, true, false},
		{"queue full", ErrQueueFull, false, true, false},
		{"timeout", Wrap(ErrTimeout, "recv"), false, false, true},
		{"not connected", ErrNotConnected, false, false, true},
		{"nil", nil, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsProtocolError(tt.err); got != tt.protocol {
				t.Errorf("IsProtocolError = %v, want %v", got, tt.protocol)
			}
			if got := IsResourceError(tt.err); got != tt.resource {
				t.Errorf("IsResourceError = %v, want %v", got, tt.resource)
			}
			if got := IsRetriable(tt.err); got != tt.retriable {
				t.Errorf("IsRetriable = %v, want %v", got, tt.retriable)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("expected nil from Wrap(nil)")
	}
	if Wrapf(nil, "x %d", 1) != nil {
		t.Error("expected nil from Wrapf(nil)")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatal("expected nil error for empty collection")
	}

	v.AddMissing("host")
	v.AddField("port", "must be positive")
	v.Add(nil)

	if len(v.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(v.Errors))
	}
	err := v.Err()
	if !Is(err, ErrMissingField) {
		t.Error("expected errors.Is to reach first error")
	}
	if !IsValidation(err) {
		t.Error("expected validation category")
	}
}
