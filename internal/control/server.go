package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/fnetdaq/internal/errors"
	"github.com/xtxerr/fnetdaq/internal/logging"
)

var log = logging.Component("control")

// Backend answers control commands. Handle must be safe for concurrent use;
// the server calls it from one goroutine per client connection.
type Backend interface {
	Handle(ctx context.Context, cmd Command) (string, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, cmd Command) (string, error)

// Handle calls f.
func (f BackendFunc) Handle(ctx context.Context, cmd Command) (string, error) {
	return f(ctx, cmd)
}

// =============================================================================
// Server Configuration
// =============================================================================

// Config holds server configuration.
type Config struct {
	// Backend answers commands (required).
	Backend Backend

	// Listen is the address to listen on (e.g., "127.0.0.1:7400").
	Listen string

	// RequestTimeout bounds one backend call. Default: 2s
	RequestTimeout time.Duration

	// IdleTimeout closes connections that send nothing for this long.
	// Default: 5m
	IdleTimeout time.Duration

	// MaxLineLength rejects longer request lines. Default: 256
	MaxLineLength int
}

func (c *Config) applyDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = 256
	}
}

// =============================================================================
// Server
// =============================================================================

// Server is the control channel server.
type Server struct {
	cfg Config

	// Concurrent reconnect requests from several clients collapse into one.
	reconnects singleflight.Group

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup

	requests atomic.Int64
	failures atomic.Int64
}

// New creates a new server.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, errors.NewMissingField("backend")
	}
	cfg.applyDefaults()
	return &Server{
		cfg:   cfg,
		conns: make(map[net.Conn]struct{}),
	}, nil
}

// ListenAndServe listens on cfg.Listen and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then closes every client
// connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Info("listening", "address", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		s.closeConns()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats returns the number of handled requests and failed ones.
func (s *Server) Stats() (requests, failures int64) {
	return s.requests.Load(), s.failures.Load()
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
	conn.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = nil
}

// =============================================================================
// Connection Handling
// =============================================================================

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Debug("connection from", "remote", remote)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64), s.cfg.MaxLineLength)
	w := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				log.Debug("connection closed", "remote", remote, "error", err)
			}
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, quit := s.dispatch(ctx, line)
		if _, err := w.WriteString(reply + "\n"); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			log.Debug("write failed", "remote", remote, "error", err)
			return
		}
		if quit {
			return
		}
	}
}

// dispatch returns the reply line for one request line.
func (s *Server) dispatch(ctx context.Context, line string) (string, bool) {
	s.requests.Add(1)

	cmd, err := ParseCommand(line)
	if err != nil {
		s.failures.Add(1)
		return replyErr(err), false
	}

	switch cmd {
	case CmdHelp:
		return replyOK(Help()), false
	case CmdQuit:
		return replyOK("bye"), true
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	var value string
	if cmd == CmdReconnect {
		var v any
		v, err, _ = s.reconnects.Do(cmd.String(), func() (any, error) {
			return s.cfg.Backend.Handle(ctx, cmd)
		})
		value, _ = v.(string)
	} else {
		value, err = s.cfg.Backend.Handle(ctx, cmd)
	}
	if err != nil {
		s.failures.Add(1)
		log.Warn("command failed", "command", cmd.String(), "error", err)
		return replyErr(err), false
	}
	return replyOK(value), false
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func replyOK(value string) string {
	if value == "" {
		return "OK"
	}
	return "OK " + oneLine(value)
}

func replyErr(err error) string {
	return "ERR " + oneLine(err.Error())
}
