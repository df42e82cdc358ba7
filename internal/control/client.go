package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/fnetdaq/internal/errors"
)

// RemoteError is an ERR reply.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Message
}

// Client sends commands to a control server. Requests are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	timeout time.Duration
}

// Dial connects to the control server at addr. timeout bounds the dial and
// every later request that has no earlier context deadline.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "control %s: %v", addr, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn), timeout: timeout}, nil
}

// Do sends one command line and returns the value of an OK reply. An ERR
// reply is returned as *RemoteError.
func (c *Client) Do(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return "", errors.ErrNotConnected
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := c.conn.Write([]byte(strings.TrimSpace(command) + "\n")); err != nil {
		return "", c.fail(err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", c.fail(err)
	}
	return ParseReply(line)
}

func (c *Client) fail(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.Wrap(errors.ErrTimeout, err.Error())
	}
	return errors.Wrap(errors.ErrConnectionFailed, err.Error())
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// ParseReply splits a reply line into its value or error.
func ParseReply(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	status, value, _ := strings.Cut(line, " ")
	switch status {
	case "OK":
		return value, nil
	case "ERR":
		return "", &RemoteError{Message: value}
	default:
		return "", errors.Wrapf(errors.ErrInvalidRecord, "reply %q", line)
	}
}
