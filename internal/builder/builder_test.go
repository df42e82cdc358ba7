package builder

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/fnetdaq/internal/broker"
	"github.com/xtxerr/fnetdaq/internal/control"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/protocol"
	"github.com/xtxerr/fnetdaq/internal/retry"
	"github.com/xtxerr/fnetdaq/internal/stats"
	"github.com/xtxerr/fnetdaq/internal/testutil"
	"github.com/xtxerr/fnetdaq/internal/transport"
	"github.com/xtxerr/fnetdaq/internal/wire"
)

type memSink struct {
	records [][]byte
	err     error
}

func (s *memSink) Write(p []byte) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, bytes.Clone(p))
	return nil
}

type message struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{subject, bytes.Clone(data)})
	return nil
}

func (p *fakePublisher) count(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.msgs {
		if strings.HasPrefix(m.subject, prefix) {
			n++
		}
	}
	return n
}

// events returns n rough CERES events for device 4 with their wire stream.
// Rough waveforms never produce four 0xFF bytes in a row, so the magic
// only appears at event starts.
func events(t *testing.T, n int) ([]protocol.Event, [][]byte) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	evs := make([]protocol.Event, n)
	wires := make([][]byte, n)
	for i := range evs {
		evs[i] = testutil.Event(rng, protocol.Ceres, 4, uint32(i+1), uint64(1000*(i+1)), 8, false)
		w, err := protocol.Encoder{Variant: protocol.Ceres}.Encode(nil, evs[i])
		if err != nil {
			t.Fatal(err)
		}
		wires[i] = w
	}
	return evs, wires
}

func testConfig() Config {
	cfg := DefaultConfig(4, protocol.Ceres)
	cfg.Instance = "test"
	cfg.RingSize = 4096
	cfg.MaxEventBytes = 4096
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.StatsInterval = time.Hour
	cfg.Backpressure.Enabled = false
	return cfg
}

func run(t *testing.T, b *Builder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("run did not finish before the deadline")
	}
}

func TestBuilderReplay(t *testing.T) {
	evs, wires := events(t, 40)
	stream := append([]byte{0x11, 0x22, 0x33, 0x44, 0x55}, bytes.Join(wires, nil)...)

	var (
		sink    memSink
		raw     memSink
		pub     fakePublisher
		statLog bytes.Buffer
	)
	b, err := New(testConfig(), NewReaderSource(bytes.NewReader(stream)), Outputs{
		Events:    &sink,
		Raw:       &raw,
		Publisher: &pub,
		Subjects:  broker.NewSubjects("daq"),
		StatsLog:  &statLog,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(t, b)

	if b.Built() != uint64(len(evs)) {
		t.Fatalf("built %d events, want %d", b.Built(), len(evs))
	}
	for i, ev := range evs {
		want := testutil.Payload(t, protocol.Ceres, ev)
		if !bytes.Equal(sink.records[i], want) {
			t.Errorf("event %d: payload differs", i)
		}
		if !bytes.Equal(raw.records[i], wires[i]) {
			t.Errorf("event %d: raw span differs", i)
		}
	}

	if n := pub.count("daq.event.4"); n != len(evs) {
		t.Errorf("published %d events, want %d", n, len(evs))
	}
	if n := pub.count("daq.header.4"); n != len(evs) {
		t.Errorf("published %d headers, want %d", n, len(evs))
	}
	if n := pub.count("daq.stats.builder.4"); n != 1 {
		t.Errorf("published %d stats snapshots, want the final one", n)
	}

	s, err := wire.NewReader(&statLog).Read()
	if err != nil {
		t.Fatalf("read stats log: %v", err)
	}
	snap, err := stats.BuilderFromStruct(s)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Events != uint64(len(evs)) || snap.LastTrigger != uint32(len(evs)) || snap.LastDevice != 4 {
		t.Errorf("unexpected final snapshot %+v", snap)
	}
	if snap.DroppedBytes != 5 || snap.ResyncEntries != 0 {
		t.Errorf("garbage prefix: dropped %d entries %d", snap.DroppedBytes, snap.ResyncEntries)
	}
	if snap.Instance != "test" || snap.Variant != "ceres" {
		t.Errorf("identity fields %q %q", snap.Instance, snap.Variant)
	}
}

func TestBuilderResyncsAfterCorruption(t *testing.T) {
	evs, wires := events(t, 10)

	// Flip a bit in the CRC of serial channel 0 of event 3.
	crcAt := protocol.Ceres.HeaderSize() + 4 + 8*4
	wires[3][crcAt] ^= 0x01

	var sink memSink
	b, err := New(testConfig(), NewReaderSource(bytes.NewReader(bytes.Join(wires, nil))), Outputs{Events: &sink})
	if err != nil {
		t.Fatal(err)
	}
	run(t, b)

	if b.Built() != uint64(len(evs)-1) {
		t.Fatalf("built %d events, want %d", b.Built(), len(evs)-1)
	}
	for _, rec := range sink.records {
		if _, h, _ := protocol.PeekHeader(rec); h.TriggerID == 4 {
			t.Fatal("corrupted event was persisted")
		}
	}

	snap := b.Snapshot(false)
	if snap.ChannelErrors != 1 || snap.ResyncEntries != 1 {
		t.Errorf("channel errors %d resync entries %d", snap.ChannelErrors, snap.ResyncEntries)
	}
	if snap.Resyncing {
		t.Error("builder still resyncing after recovery")
	}
}

func TestBuilderMaxEvents(t *testing.T) {
	_, wires := events(t, 10)

	cfg := testConfig()
	cfg.MaxEvents = 3
	var sink memSink
	b, err := New(cfg, NewReaderSource(bytes.NewReader(bytes.Join(wires, nil))), Outputs{Events: &sink})
	if err != nil {
		t.Fatal(err)
	}
	run(t, b)

	if b.Built() != 3 || len(sink.records) != 3 {
		t.Errorf("built %d, persisted %d, want 3", b.Built(), len(sink.records))
	}
}

func TestBuilderBestEffortOutputs(t *testing.T) {
	evs, wires := events(t, 5)

	sink := memSink{err: errors.New("disk full")}
	pub := fakePublisher{err: errors.ErrNotConnected}
	b, err := New(testConfig(), NewReaderSource(bytes.NewReader(bytes.Join(wires, nil))), Outputs{
		Events:    &sink,
		Publisher: &pub,
	})
	if err != nil {
		t.Fatal(err)
	}
	run(t, b)

	if b.Built() != uint64(len(evs)) {
		t.Fatalf("failed outputs stopped ingestion: built %d", b.Built())
	}
	snap := b.Snapshot(false)
	if snap.WriteFailures != uint64(len(evs)) {
		t.Errorf("write failures %d", snap.WriteFailures)
	}
	if snap.PublishFailures != uint64(2*len(evs)) {
		t.Errorf("publish failures %d", snap.PublishFailures)
	}
}

func TestBuilderControl(t *testing.T) {
	b, err := New(testConfig(), nil, Outputs{})
	if err != nil {
		t.Fatal(err)
	}

	gt := testutil.NewGoroutineTest(t, 5*time.Second)
	gt.Go(b.Run)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	tests := []struct {
		cmd  control.Command
		want string
	}{
		{control.CmdConnected, "false"},
		{control.CmdResyncing, "true"},
		{control.CmdBuilt, "0"},
	}
	for _, tt := range tests {
		got, err := b.Handle(reqCtx, tt.cmd)
		if err != nil {
			t.Fatalf("%s: %v", tt.cmd, err)
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.cmd, got, tt.want)
		}
	}

	if _, err := b.Handle(reqCtx, control.CmdReconnect); !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("reconnect without front-end: %v", err)
	}

	line, err := b.Handle(reqCtx, control.CmdStats)
	if err != nil {
		t.Fatal(err)
	}
	s, err := stats.ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if snap, err := stats.BuilderFromStruct(s); err != nil || snap.Device != 4 {
		t.Errorf("stats reply %q: %v", line, err)
	}

	gt.Wait()

	if _, err := b.Handle(reqCtx, control.CmdBuilt); !errors.Is(err, errors.ErrNotConnected) {
		t.Errorf("request after stop: %v", err)
	}
}

func TestBuilderFromFrontEnd(t *testing.T) {
	evs, wires := events(t, 25)
	stream := bytes.Join(wires, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Dribble the stream so events straddle receives.
		for i := 0; i < len(stream); i += 333 {
			if _, err := conn.Write(stream[i:min(i+333, len(stream))]); err != nil {
				return
			}
		}
		<-done
	}()

	tcfg := transport.DefaultConfig(ln.Addr().String())
	tcfg.PollTimeout = 20 * time.Millisecond
	tcfg.Backoff = retry.Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, Multiplier: 2}
	conn := transport.New(tcfg)
	defer conn.Close()

	cfg := testConfig()
	cfg.MaxEvents = uint64(len(evs))
	var sink memSink
	b, err := New(cfg, conn, Outputs{Events: &sink})
	if err != nil {
		t.Fatal(err)
	}
	run(t, b)

	if len(sink.records) != len(evs) {
		t.Fatalf("persisted %d events, want %d", len(sink.records), len(evs))
	}
	for i, rec := range sink.records {
		if _, h, _ := protocol.PeekHeader(rec); h.TriggerID != uint32(i+1) {
			t.Errorf("record %d has trigger %d", i, h.TriggerID)
		}
	}
	if got, _ := b.Handle(context.Background(), control.CmdBuilt); got != "" {
		t.Errorf("stopped builder answered %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxEventBytes = cfg.RingSize + 1
	cfg.StatsInterval = 0
	err := cfg.Validate()
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *errors.ValidationErrors
	if !errors.As(err, &verr) || len(verr.Errors) != 2 {
		t.Errorf("expected two problems, got %v", err)
	}

	if _, err := New(Config{}, nil, Outputs{}); !errors.IsValidation(err) {
		t.Errorf("zero config accepted: %v", err)
	}
}
