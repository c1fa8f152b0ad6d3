package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/config"
	"llmc/pkg/gateway"
	"llmc/pkg/hooks"
	"llmc/pkg/protocol"
)

// maxHookInput bounds how much hook JSON is read from stdin.
const maxHookInput = 1 << 20

// hookInput is the JSON the agent runtime writes to a hook's stdin.
type hookInput struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
	ToolInput struct {
		Command string `json:"command"`
	} `json:"tool_input"`
	ToolResponse toolResponse `json:"tool_response"`
}

// toolResponse is the part of a PostToolUse payload that reports how the
// tool finished. Runtimes disagree on the exit code's key.
type toolResponse struct {
	ExitCode    *int `json:"exit_code"`
	ExitCodeAlt *int `json:"exitCode"`
	Interrupted bool `json:"interrupted"`
}

// exitCode returns the tool's exit status, 130 for an interrupted tool,
// or 0 when the runtime did not say.
func (r toolResponse) exitCode() int {
	switch {
	case r.ExitCode != nil:
		return *r.ExitCode
	case r.ExitCodeAlt != nil:
		return *r.ExitCodeAlt
	case r.Interrupted:
		return 130
	}
	return 0
}

// newHookCmd creates the hidden "llmc hook" subcommand that runtime hooks
// invoke. It never fails: a missing daemon or a bad payload is ignored so
// the agent is never blocked by its hooks.
func newHookCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:    "hook <stop|session-start|session-end|post-tool-use>",
		Short:  "Report an agent lifecycle event to the daemon",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return nil //nolint:nilerr // hooks never fail the agent
			}
			runHook(cmd.Context(), paths.SocketPath, args[0], worker, cmd.InOrStdin())
			return nil
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker the hook belongs to")
	return cmd
}

// runHook builds the event for kind and delivers it within the hook
// timeout. Every failure is swallowed.
func runHook(ctx context.Context, socketPath, kind, worker string, stdin io.Reader) {
	if worker == "" {
		return
	}
	ev, ok := hookEvent(kind, worker, readHookInput(stdin))
	if !ok {
		return
	}
	if _, err := os.Stat(socketPath); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, protocol.HookTimeout)
	defer cancel()
	c := gateway.NewClient(socketPath)
	c.ConnectTimeout = gateway.DefaultConnectTimeout
	_ = c.SendEvent(ctx, ev)
}

func hookEvent(kind, worker string, in hookInput) (protocol.Event, bool) {
	ev := protocol.Event{Worker: worker, SessionID: in.SessionID, Timestamp: time.Now().Unix()}
	switch kind {
	case hooks.KindStop:
		ev.Kind = protocol.EventStop
	case hooks.KindSessionStart:
		ev.Kind = protocol.EventSessionStart
	case hooks.KindSessionEnd:
		ev.Kind = protocol.EventSessionEnd
		ev.Reason = in.Reason
	case "post-tool-use":
		ev.Kind = protocol.EventPostToolUse
		ev.Command = in.ToolInput.Command
		ev.ExitCode = in.ToolResponse.exitCode()
	default:
		return protocol.Event{}, false
	}
	return ev, true
}

// readHookInput decodes the hook payload. A terminal stdin is never read
// so a hand-run hook does not block.
func readHookInput(stdin io.Reader) hookInput {
	var in hookInput
	if stdin == nil || isTerminal(stdin) {
		return in
	}
	data, err := io.ReadAll(io.LimitReader(stdin, maxHookInput))
	if err != nil || len(data) == 0 {
		return in
	}
	_ = json.Unmarshal(data, &in)
	return in
}
