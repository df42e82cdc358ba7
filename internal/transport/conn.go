// Package transport manages the TCP stream from a front-end board.
//
// The builder loop owns a Conn and never blocks on it for longer than the
// poll timeout: connects are single attempts spaced by a backoff, and reads
// carry a deadline so an idle front-end still lets the loop tick.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/fnetdaq/config"
	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/retry"
)

var log = logging.Component("transport")

// State represents the connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

// validTransitions defines all allowed state transitions.
var validTransitions = map[stateTransition]bool{
	{StateDisconnected, StateConnecting}: true,
	{StateDisconnected, StateClosed}:     true,

	{StateConnecting, StateConnected}:    true,
	{StateConnecting, StateDisconnected}: true,

	{StateConnected, StateDisconnected}: true,
	{StateConnected, StateClosed}:       true,
}

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = stderrors.New("invalid state transition")

// Config holds front-end connection settings.
type Config struct {
	Addr        string
	DialTimeout time.Duration
	PollTimeout time.Duration
	Backoff     retry.Config

	// Dial replaces net.Dialer, for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultConfig returns connection defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:        addr,
		DialTimeout: config.DefaultDialTimeout,
		PollTimeout: config.DefaultPollTimeout,
		Backoff:     retry.Forever(),
	}
}

// Conn is a reconnecting front-end stream.
type Conn struct {
	cfg     Config
	state   atomic.Int32
	backoff *retry.Backoff

	mu   sync.Mutex
	conn net.Conn

	nextAttempt time.Time
	warned      bool

	connects   atomic.Int64
	disconnect atomic.Int64
	bytesIn    atomic.Int64
}

// New creates a disconnected Conn.
func New(cfg Config) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = config.DefaultDialTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = config.DefaultPollTimeout
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	return &Conn{cfg: cfg, backoff: retry.NewBackoff(cfg.Backoff)}
}

// Addr returns the front-end address.
func (c *Conn) Addr() string {
	return c.cfg.Addr
}

// State returns the current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Connected reports whether the stream is up.
func (c *Conn) Connected() bool {
	return c.State() == StateConnected
}

func (c *Conn) transitionTo(to State) error {
	for {
		from := c.State()
		if !validTransitions[stateTransition{from, to}] {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

// MaybeConnect makes at most one dial attempt if the stream is down and the
// backoff has elapsed. It reports whether the stream is up afterwards.
func (c *Conn) MaybeConnect(ctx context.Context) bool {
	switch c.State() {
	case StateConnected:
		return true
	case StateClosed:
		return false
	}
	if time.Now().Before(c.nextAttempt) {
		return false
	}
	if err := c.transitionTo(StateConnecting); err != nil {
		return false
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.cfg.Dial(dialCtx, "tcp", c.cfg.Addr)
	cancel()
	if err != nil {
		_ = c.transitionTo(StateDisconnected)
		delay := c.backoff.Next()
		c.nextAttempt = time.Now().Add(delay)
		if !c.warned {
			log.Warn("front-end connect failed", "addr", c.cfg.Addr, "error", err, "retry_in", delay)
			c.warned = true
		} else {
			log.Debug("front-end connect failed", "addr", c.cfg.Addr, "attempt", c.backoff.Attempts(), "retry_in", delay)
		}
		return false
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if err := c.transitionTo(StateConnected); err != nil {
		// closed while dialing
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.backoff.Reset()
	c.warned = false
	c.nextAttempt = time.Time{}
	c.connects.Add(1)
	log.Info("front-end connected", "addr", c.cfg.Addr, "local", conn.LocalAddr().String())
	return true
}

// Receive reads into dst, waiting at most the poll timeout. A timeout is
// not an error and returns 0. A closed or broken stream drops the
// connection and returns ErrConnectionFailed.
func (c *Conn) Receive(dst []byte) (int, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.Connected() {
		return 0, errors.ErrNotConnected
	}
	if len(dst) == 0 {
		return 0, nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PollTimeout))
	n, err := conn.Read(dst)
	c.bytesIn.Add(int64(n))
	if err == nil {
		return n, nil
	}

	var ne net.Error
	if stderrors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}

	reason := err
	if stderrors.Is(err, io.EOF) {
		reason = fmt.Errorf("closed by peer")
	}
	c.drop(reason)
	return n, errors.Wrapf(errors.ErrConnectionFailed, "receive from %s: %v", c.cfg.Addr, reason)
}

// Reconnect drops the current stream; the next MaybeConnect dials again
// immediately.
func (c *Conn) Reconnect() {
	c.drop(fmt.Errorf("reconnect requested"))
	c.nextAttempt = time.Time{}
	c.backoff.Reset()
}

func (c *Conn) drop(reason error) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	if c.transitionTo(StateDisconnected) == nil {
		c.disconnect.Add(1)
		log.Warn("front-end disconnected", "addr", c.cfg.Addr, "reason", reason)
	}
}

// Close closes the stream for good.
func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.state.Store(int32(StateClosed))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Stats holds connection counters.
type Stats struct {
	State       State
	Connects    int64
	Disconnects int64
	BytesIn     int64
}

// Stats returns connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		State:       c.State(),
		Connects:    c.connects.Load(),
		Disconnects: c.disconnect.Load(),
		BytesIn:     c.bytesIn.Load(),
	}
}
