// Package runctl encodes the run-control messages that tell the correlator
// which run and sub-run incoming events belong to.
package runctl

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// Action is the run-control verb.
type Action string

const (
	ActionStart  Action = "start"
	ActionStop   Action = "stop"
	ActionSubRun Action = "subrun"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionStart, ActionStop, ActionSubRun:
		return true
	}
	return false
}

// Message is one run-control announcement.
type Message struct {
	Action   Action    `cbor:"action"`
	Run      uint32    `cbor:"run"`
	SubRun   uint32    `cbor:"sub_run"`
	Time     time.Time `cbor:"time"`
	Operator string    `cbor:"operator,omitempty"`
	Comment  string    `cbor:"comment,omitempty"`
}

// encMode uses Core Deterministic Encoding so the same message always
// produces the same bytes. Times keep nanoseconds.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("runctl: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("runctl: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal validates and encodes m.
func Marshal(m Message) ([]byte, error) {
	if !m.Action.Valid() {
		return nil, errors.NewInvalidValue("action", m.Action, "must be start, stop or subrun")
	}
	return encMode.Marshal(m)
}

// Unmarshal decodes and validates a message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Wrapf(errors.ErrInvalidRecord, "run control: %v", err)
	}
	if !m.Action.Valid() {
		return Message{}, errors.Wrapf(errors.ErrInvalidRecord, "run control: unknown action %q", m.Action)
	}
	return m, nil
}

// State tracks the current run as seen through run-control messages.
type State struct {
	Run     uint32
	SubRun  uint32
	Running bool
	Since   time.Time
}

// Apply folds m into s. A sub-run message for a different run implicitly
// switches to it.
func (s *State) Apply(m Message) {
	switch m.Action {
	case ActionStart, ActionSubRun:
		s.Run, s.SubRun = m.Run, m.SubRun
		s.Running = true
	case ActionStop:
		s.Running = false
	}
	s.Since = m.Time
}
