// Package gateway is the daemon's local IPC endpoint: a unix socket that
// accepts line-delimited JSON envelopes from hooks and the CLI and funnels
// them into one ordered stream for the daemon loop.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmc/pkg/protocol"
)

// maxLineBytes bounds a single envelope. Prompts travel inside requests,
// so this is far above bufio's 64KB default.
const maxLineBytes = 4 << 20

// Inbound is one accepted envelope waiting for the daemon loop. Requests
// carry a Reply channel the loop must answer exactly once; events do not.
type Inbound struct {
	Envelope protocol.Envelope
	Received time.Time
	Reply    chan<- protocol.Response
}

// Config holds server parameters. Zero values take defaults.
type Config struct {
	SocketPath     string
	QueueSize      int           // default 256
	AckTimeout     time.Duration // default protocol.HookTimeout
	RequestTimeout time.Duration // default 2m
	DedupWindow    int           // default 1024
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = protocol.HookTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 1024
	}
	return c
}

// Server accepts gateway connections.
type Server struct {
	cfg     Config
	inbox   chan Inbound
	seen    *dedup
	nowFunc func() time.Time

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  chan struct{} // closed when draining starts; new messages are refused
	stopped  chan struct{} // closed when draining ends; pending requests fail
	inflight sync.WaitGroup
	wg       sync.WaitGroup
}

// NewServer creates a Server. Call Start to begin listening.
func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		inbox:   make(chan Inbound, cfg.QueueSize),
		seen:    newDedup(cfg.DedupWindow),
		nowFunc: time.Now,
		conns:   make(map[net.Conn]struct{}),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Inbox is the ordered stream of accepted envelopes.
func (s *Server) Inbox() <-chan Inbound {
	return s.inbox
}

// Start removes a stale socket file, binds the socket (mode 0600) and
// starts accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := CleanStaleSocket(s.cfg.SocketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.cfg.SocketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Shutdown drains, then stops. New messages are refused at once, messages
// already taken get up to drain to be answered, and only then is the
// listener closed, every connection dropped and the socket file removed.
func (s *Server) Shutdown(drain time.Duration) {
	s.mu.Lock()
	select {
	case <-s.closing:
		s.mu.Unlock()
		return
	default:
	}
	close(s.closing)
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	timer := time.NewTimer(drain)
	select {
	case <-drained:
	case <-timer.C:
	}
	timer.Stop()
	close(s.stopped)
	<-drained

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
}

// acceptLoop accepts new connections until the listener closes.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isClosing() || errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.mu.Lock()
		select {
		case <-s.stopped:
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

// handleConn answers every line on the connection with one Response line.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		if !s.begin() {
			_ = enc.Encode(protocol.Fail(errShuttingDown))
			continue
		}
		resp := s.handleLine(scanner.Bytes())
		err := enc.Encode(resp)
		s.inflight.Done()
		if err != nil {
			return
		}
	}
}

var errShuttingDown = errors.New("daemon is shutting down")

// begin counts a message as in flight unless draining has started.
func (s *Server) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosing() {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) handleLine(line []byte) protocol.Response {
	var env protocol.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return protocol.Fail(fmt.Errorf("malformed message: %w", err))
	}
	if err := env.Validate(); err != nil {
		return protocol.Fail(err)
	}
	if _, err := uuid.Parse(env.ID); err != nil {
		return protocol.Fail(fmt.Errorf("message id %q is not a uuid", env.ID))
	}
	if !s.seen.add(env.ID) {
		return protocol.OK(nil)
	}

	if env.Event != nil {
		if err := s.enqueue(Inbound{Envelope: env, Received: s.nowFunc()}, s.cfg.AckTimeout); err != nil {
			s.seen.forget(env.ID)
			return protocol.Fail(err)
		}
		return protocol.OK(nil)
	}

	reply := make(chan protocol.Response, 1)
	if err := s.enqueue(Inbound{Envelope: env, Received: s.nowFunc(), Reply: reply}, s.cfg.AckTimeout); err != nil {
		s.seen.forget(env.ID)
		return protocol.Fail(err)
	}
	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-reply:
		return resp
	case <-timer.C:
		return protocol.Fail(&protocol.TimeoutError{Op: string(env.Request.Op), After: s.cfg.RequestTimeout})
	case <-s.stopped:
		select {
		case resp := <-reply:
			return resp
		default:
			return protocol.Fail(errShuttingDown)
		}
	}
}

func (s *Server) enqueue(in Inbound, within time.Duration) error {
	timer := time.NewTimer(within)
	defer timer.Stop()
	select {
	case s.inbox <- in:
		return nil
	case <-timer.C:
		return errors.New("daemon queue full")
	case <-s.stopped:
		return errShuttingDown
	}
}

func (s *Server) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// dedup remembers the last n message ids.
type dedup struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newDedup(n int) *dedup {
	return &dedup{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add records id and reports whether it was new.
func (d *dedup) add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ids[id]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.ids, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.ids[id] = struct{}{}
	return true
}

// forget drops an id whose message was not accepted, so a retry is not
// mistaken for a duplicate.
func (d *dedup) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ids, id)
}
