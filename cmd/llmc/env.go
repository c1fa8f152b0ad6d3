package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"llmc/pkg/config"
	"llmc/pkg/gateway"
	"llmc/pkg/protocol"
)

// requestSlack is added to the daemon's request timeout so the daemon's
// own timeout answer arrives before the client gives up.
const requestSlack = 5 * time.Second

// environment is the resolved root, paths and configuration a command
// runs against.
type environment struct {
	cfg   *config.Config
	paths *config.Paths
}

func loadEnvironment() (*environment, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.Root)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, paths: paths}, nil
}

func (e *environment) client() *gateway.Client {
	c := gateway.NewClient(e.paths.SocketPath)
	c.Timeout = e.cfg.Daemon.RequestTimeout.D() + requestSlack
	return c
}

// request sends req to the daemon. A rejected or failed operation comes
// back as an error carrying the daemon's message.
func (e *environment) request(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	resp, err := e.client().Do(ctx, req)
	if err != nil {
		if errors.Is(err, gateway.ErrNoDaemon) {
			return nil, fmt.Errorf("%w (start it with `llmc up`)", err)
		}
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Data, nil
}

// requestInto is request followed by decoding the response data into out.
func (e *environment) requestInto(ctx context.Context, req protocol.Request, out any) error {
	data, err := e.request(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

