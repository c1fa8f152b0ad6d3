package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"llmc/pkg/config"
	"llmc/pkg/protocol"
)

// Timing tunes a Sender. Zero fields take defaults.
type Timing struct {
	BaseDebounce    time.Duration
	PerKBDebounce   time.Duration
	MaxDebounce     time.Duration
	EnterRetries    int
	EnterRetryDelay time.Duration
	LargeThreshold  int
	VerifyTimeout   time.Duration
	VerifyInterval  time.Duration
	PartialRetries  int
}

// TimingFromConfig copies the delivery section of cfg.
func TimingFromConfig(cfg *config.Config) Timing {
	d := cfg.Delivery
	return Timing{
		BaseDebounce:    d.BaseDebounce.D(),
		PerKBDebounce:   d.PerKBDebounce.D(),
		MaxDebounce:     d.MaxDebounce.D(),
		EnterRetries:    d.EnterRetries,
		EnterRetryDelay: d.EnterRetryDelay.D(),
		LargeThreshold:  d.LargeThreshold,
		VerifyTimeout:   d.VerifyTimeout.D(),
		VerifyInterval:  d.VerifyInterval.D(),
	}
}

func (t Timing) withDefaults() Timing {
	if t.BaseDebounce == 0 {
		t.BaseDebounce = 500 * time.Millisecond
	}
	if t.PerKBDebounce == 0 {
		t.PerKBDebounce = 100 * time.Millisecond
	}
	if t.MaxDebounce == 0 {
		t.MaxDebounce = 2 * time.Second
	}
	if t.EnterRetries == 0 {
		t.EnterRetries = 3
	}
	if t.EnterRetryDelay == 0 {
		t.EnterRetryDelay = 200 * time.Millisecond
	}
	if t.LargeThreshold == 0 {
		t.LargeThreshold = 1024
	}
	if t.VerifyTimeout == 0 {
		t.VerifyTimeout = 10 * time.Second
	}
	if t.VerifyInterval == 0 {
		t.VerifyInterval = 500 * time.Millisecond
	}
	if t.PartialRetries == 0 {
		t.PartialRetries = 3
	}
	return t
}

// Debounce returns the pause between typing n bytes and submitting:
// the base delay plus the per-KB increment for each full KB, capped.
func (t Timing) Debounce(n int) time.Duration {
	t = t.withDefaults()
	d := t.BaseDebounce + time.Duration(n/1024)*t.PerKBDebounce
	if d > t.MaxDebounce {
		return t.MaxDebounce
	}
	return d
}

// Receipt describes a confirmed delivery.
type Receipt struct {
	Strategy string
	Attempts []protocol.AttemptRecord
}

// Sender delivers text through a Runtime using the escalation ladder.
type Sender struct {
	Timing Timing

	// Sleep overrides the context-aware pause for tests.
	Sleep   func(ctx context.Context, d time.Duration) error
	nowFunc func() time.Time
}

// NewSender returns a Sender with the given timing.
func NewSender(t Timing) *Sender {
	return &Sender{Timing: t.withDefaults(), nowFunc: time.Now}
}

// errNoReceipt means submission went through but nothing on screen
// confirmed the runtime took the input.
var errNoReceipt = errors.New("no receipt observed")

// Send delivers text and returns once receipt is confirmed. When every
// strategy fails it returns a *protocol.TransportError carrying each
// attempt. A cancelled ctx aborts immediately with ctx.Err().
func (s *Sender) Send(ctx context.Context, rt Runtime, worker, text string) (Receipt, error) {
	t := s.Timing.withDefaults()
	var attempts []protocol.AttemptRecord
	var last Visible

	for _, strat := range ladder {
		started := s.now()
		err := s.attempt(ctx, rt, t, strat, text)
		rec := protocol.AttemptRecord{Strategy: strat.name, Started: started, Duration: s.now().Sub(started)}
		if err == nil {
			attempts = append(attempts, rec)
			return Receipt{Strategy: strat.name, Attempts: attempts}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{Attempts: attempts}, ctxErr
		}
		rec.Err = err.Error()
		attempts = append(attempts, rec)
		if v, verr := rt.ReadVisibleState(ctx); verr == nil {
			last = v
		}
	}

	return Receipt{Attempts: attempts}, &protocol.TransportError{
		Worker:   worker,
		Attempts: attempts,
		Output:   last.Text,
		Prompt:   text,
		Reason:   "every delivery strategy failed",
	}
}

// attempt runs one rung of the ladder, including partial-send recovery.
func (s *Sender) attempt(ctx context.Context, rt Runtime, t Timing, strat strategy, text string) error {
	if strat.restart {
		if err := rt.Restart(ctx); err != nil {
			return fmt.Errorf("restart runtime: %w", err)
		}
	}

	before, err := rt.ReadVisibleState(ctx)
	if err != nil {
		return fmt.Errorf("read state before send: %w", err)
	}
	if strat.name != StrategyInitial && strings.TrimSpace(before.InputLine) != "" {
		// Leftovers from the previous rung would be submitted twice.
		if err := rt.SendControl(ctx, ControlClearLine); err != nil {
			return fmt.Errorf("clear leftover input: %w", err)
		}
		if before, err = rt.ReadVisibleState(ctx); err != nil {
			return fmt.Errorf("read state before send: %w", err)
		}
	}

	extra := strat.extraDebounce
	for try := 0; ; try++ {
		if err := s.transmit(ctx, rt, t, Input{Text: text, Staged: strat.staged}, extra); err != nil {
			return err
		}
		v, err := s.verify(ctx, rt, t, before, text)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errPartial) {
			return err
		}
		if try >= t.PartialRetries {
			return fmt.Errorf("partial send persisted after %d retries: %w", t.PartialRetries, err)
		}
		n := try + 1
		if err := s.clearPartial(ctx, rt, n); err != nil {
			return err
		}
		extra = strat.extraDebounce + time.Duration(n)*200*time.Millisecond
		before = v
		before.InputLine = ""
	}
}

// transmit types the input, waits the debounce and submits.
func (s *Sender) transmit(ctx context.Context, rt Runtime, t Timing, in Input, extra time.Duration) error {
	if len(in.Text) >= t.LargeThreshold {
		in.Staged = true
	}
	if err := rt.SendInput(ctx, in); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	if err := s.sleep(ctx, t.Debounce(len(in.Text))+extra); err != nil {
		return err
	}
	return s.submit(ctx, rt, t)
}

// submit signals submission, retrying only the signal.
func (s *Sender) submit(ctx context.Context, rt Runtime, t Timing) error {
	var lastErr error
	for i := 0; i < t.EnterRetries; i++ {
		if i > 0 {
			if err := s.sleep(ctx, t.EnterRetryDelay); err != nil {
				return err
			}
		}
		if err := rt.SignalSubmit(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("submit failed after %d attempts: %w", t.EnterRetries, lastErr)
}

// verify polls the visible state until receipt, a partial send, or the
// verify timeout.
func (s *Sender) verify(ctx context.Context, rt Runtime, t Timing, before Visible, text string) (Visible, error) {
	deadline := s.now().Add(t.VerifyTimeout)
	var v Visible
	for {
		var err error
		v, err = rt.ReadVisibleState(ctx)
		if err == nil {
			if IsPartial(v, text) {
				return v, errPartial
			}
			if received(before, v, text) {
				return v, nil
			}
		}
		if !s.now().Before(deadline) {
			return v, errNoReceipt
		}
		if err := s.sleep(ctx, t.VerifyInterval); err != nil {
			return v, err
		}
	}
}

// received reports whether the screen moved from before to after in a way
// that shows the runtime accepted the input. A runtime that was already
// busy redraws on its own, so there only an echo of the sent text counts.
func received(before, after Visible, text string) bool {
	if after.State == StateExited || after.State == StateUnknown {
		return false
	}
	if after.State == StateProcessing && before.State != StateProcessing {
		return true
	}
	if after.InputLine != "" {
		return false
	}
	if before.State == StateProcessing {
		return echoed(before.Text, after.Text, text)
	}
	return after.Text != before.Text
}

// pastedMarker is how agent UIs collapse a large paste in their transcript.
const pastedMarker = "[Pasted text"

// maxEchoKey bounds the slice of the sent text looked for on screen, so
// wrapping of long lines does not hide it.
const maxEchoKey = 40

// echoed reports whether after shows the sent text, or a collapsed paste,
// more often than before did.
func echoed(before, after, text string) bool {
	if key := echoKey(text); key != "" &&
		strings.Count(after, key) > strings.Count(before, key) {
		return true
	}
	return strings.Count(after, pastedMarker) > strings.Count(before, pastedMarker)
}

// echoKey returns the start of the first non-blank line of text.
func echoKey(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > maxEchoKey {
			line = string(r[:maxEchoKey])
		}
		return line
	}
	return ""
}

func (s *Sender) now() time.Time {
	if s.nowFunc == nil {
		return time.Now()
	}
	return s.nowFunc()
}

func (s *Sender) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
