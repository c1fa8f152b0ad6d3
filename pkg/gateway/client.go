package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"llmc/pkg/protocol"
)

// ErrNoDaemon means nothing is listening on the socket.
var ErrNoDaemon = errors.New("llmc daemon is not running")

// DefaultConnectTimeout bounds the dial.
const DefaultConnectTimeout = 3 * time.Second

// Client sends envelopes to a running daemon.
type Client struct {
	SocketPath     string
	ConnectTimeout time.Duration // 0 means DefaultConnectTimeout
	Timeout        time.Duration // whole round trip; 0 means no limit beyond ctx
}

// NewClient returns a client for the socket at path.
func NewClient(path string) *Client {
	return &Client{SocketPath: path}
}

// SendEvent delivers a hook event and waits for its acknowledgment.
func (c *Client) SendEvent(ctx context.Context, ev protocol.Event) error {
	resp, err := c.roundTrip(ctx, protocol.Envelope{Event: &ev})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("daemon rejected event: %s", resp.Error)
	}
	return nil
}

// Do sends a command-surface request and returns the daemon's response.
// A failed operation comes back as a Response with Success false, not as
// an error; errors are transport problems.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	return c.roundTrip(ctx, protocol.Envelope{Request: &req})
}

func (c *Client) roundTrip(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	env.Version = protocol.ProtocolVersion
	env.ID = uuid.NewString()

	if _, err := os.Stat(c.SocketPath); errors.Is(err, os.ErrNotExist) {
		return protocol.Response{}, ErrNoDaemon
	}

	connectTimeout := c.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "unix", c.SocketPath)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
			return protocol.Response{}, ErrNoDaemon
		}
		return protocol.Response{}, fmt.Errorf("connect to daemon at %s: %w", c.SocketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := c.deadline(ctx); ok {
		_ = conn.SetDeadline(deadline)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("marshal envelope: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return protocol.Response{}, fmt.Errorf("send to daemon: %w", err)
	}

	line, err := bufio.NewReaderSize(conn, 64*1024).ReadBytes('\n')
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read daemon response: %w", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return protocol.Response{}, fmt.Errorf("decode daemon response: %w", err)
	}
	return resp, nil
}

func (c *Client) deadline(ctx context.Context) (time.Time, bool) {
	d, ok := ctx.Deadline()
	if c.Timeout > 0 {
		t := time.Now().Add(c.Timeout)
		if !ok || t.Before(d) {
			return t, true
		}
	}
	return d, ok
}
