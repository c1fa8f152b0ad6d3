package main

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"llmc/pkg/gateway"
	"llmc/pkg/protocol"
)

// testEnv points llmc at a fresh root and a short socket path.
func testEnv(t *testing.T) *environment {
	t.Helper()
	root := t.TempDir()
	sock := fmt.Sprintf("/tmp/llmc-cli-%d.sock", time.Now().UnixNano())
	t.Cleanup(func() { _ = os.Remove(sock) })
	t.Setenv(protocol.RootEnv, root)
	t.Setenv("LLMC_SOCKET_PATH", sock)

	env, err := loadEnvironment()
	if err != nil {
		t.Fatalf("loadEnvironment: %v", err)
	}
	return env
}

// fakeDaemon serves the socket and answers requests with handle. Events
// are collected on the returned channel.
func fakeDaemon(t *testing.T, env *environment, handle func(protocol.Request) protocol.Response) <-chan protocol.Event {
	t.Helper()
	srv := gateway.NewServer(gateway.Config{SocketPath: env.paths.SocketPath})
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start gateway: %v", err)
	}
	events := make(chan protocol.Event, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-srv.Inbox():
				switch {
				case in.Envelope.Event != nil:
					events <- *in.Envelope.Event
				case in.Envelope.Request != nil:
					in.Reply <- handle(*in.Envelope.Request)
				}
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		srv.Shutdown(time.Second)
	})
	return events
}
