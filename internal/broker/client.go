// Package broker wraps the NATS connection shared by the builder and the
// correlator.
package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
	"github.com/xtxerr/fnetdaq/internal/retry"
)

var log = logging.Component("broker")

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusClosed
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Publisher is the publish side of the broker as seen by the builder and the
// correlator. *Client implements it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Client manages one NATS connection.
type Client struct {
	url    string
	status atomic.Int32

	conn *nats.Conn
	subs []*nats.Subscription
	mu   sync.RWMutex

	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	connectRetry  retry.Config

	onDisconnect func(error)
	onReconnect  func()

	published atomic.Int64
	failed    atomic.Int64
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithName sets the connection name shown by the server.
func WithName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithMaxReconnects sets the maximum number of reconnection attempts (-1 for infinite).
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) { c.maxReconnects = n }
}

// WithReconnectWait sets the wait time between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) { c.reconnectWait = d }
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithConnectRetry sets the backoff used for the initial connect.
func WithConnectRetry(cfg retry.Config) ClientOption {
	return func(c *Client) { c.connectRetry = cfg }
}

// WithDisconnectCallback sets a callback for disconnection events.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) { c.onDisconnect = fn }
}

// WithReconnectCallback sets a callback for reconnection events.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) { c.onReconnect = fn }
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:           url,
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  5 * time.Second,
		connectRetry:  retry.Forever(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.status.Store(int32(StatusDisconnected))
	return c
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
}

func (c *Client) options() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	return opts
}

// Connect dials the server, retrying with backoff until it succeeds or ctx
// ends. Once connected, nats.go handles reconnects on its own.
func (c *Client) Connect(ctx context.Context) error {
	c.setStatus(StatusConnecting)
	log.Info("connecting", "url", c.url)

	cfg := c.connectRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warn("connect failed", "url", c.url, "attempt", attempt, "retry_in", delay, "error", err)
	}

	conn, err := retry.DoWithResult(ctx, cfg, func() (*nats.Conn, error) {
		return nats.Connect(c.url, c.options()...)
	})
	if err != nil {
		c.setStatus(StatusDisconnected)
		return errors.Wrapf(errors.ErrConnectionFailed, "nats %s: %v", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(StatusConnected)
	log.Info("connected", "url", conn.ConnectedUrl())
	return nil
}

// Publish publishes data on subject.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		c.failed.Add(1)
		return errors.ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		c.failed.Add(1)
		return errors.Wrapf(err, "publish %s", subject)
	}
	c.published.Add(1)
	return nil
}

// ChanSubscribe delivers messages on subject to ch. Deliveries are queued
// by the client, so a slow reader does not stall the connection.
func (c *Client) ChanSubscribe(subject string, ch chan *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return errors.ErrNotConnected
	}
	sub, err := c.conn.ChanSubscribe(subject, ch)
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Subscribe invokes handler for every message on subject.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return errors.ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.ErrNotConnected
	}
	return conn.FlushWithContext(ctx)
}

// Stats returns publish counters.
func (c *Client) Stats() (published, failed int64) {
	return c.published.Load(), c.failed.Load()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	c.subs = nil

	var err error
	if c.conn != nil {
		err = c.conn.Drain()
		c.conn.Close()
		c.conn = nil
	}
	c.setStatus(StatusClosed)
	return err
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	log.Warn("disconnected", "url", c.url, "error", err)
	if c.onDisconnect != nil {
		go c.onDisconnect(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	log.Info("reconnected", "url", conn.ConnectedUrl())
	if c.onReconnect != nil {
		go c.onReconnect()
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusClosed)
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if sub != nil {
		log.Error("nats error", "subject", sub.Subject, "error", err)
		return
	}
	log.Error("nats error", "error", err)
}
