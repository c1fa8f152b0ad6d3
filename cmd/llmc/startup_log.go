package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// startupLog prints step-by-step progress for commands that take a moment,
// animating a spinner when attached to a terminal.
type startupLog struct {
	w     io.Writer
	isTTY bool
	mu    sync.Mutex
}

func newStartupLog(w io.Writer, isTTY bool) *startupLog {
	return &startupLog{w: w, isTTY: isTTY}
}

// Step prints a completed step with a checkmark.
func (s *startupLog) Step(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s\n", msg)
}

// Warn prints a step that completed in a degraded way.
func (s *startupLog) Warn(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "! %s\n", msg)
}

// StepTimed prints a completed step with its duration.
func (s *startupLog) StepTimed(msg string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "✓ %s (%ds)\n", msg, int(d.Seconds()))
}

// StartSpinner shows msg until the returned stop function is called. On a
// terminal the line animates; otherwise msg is printed once and stop
// prints the checkmark line.
func (s *startupLog) StartSpinner(msg string) func() {
	if !s.isTTY {
		s.mu.Lock()
		fmt.Fprintf(s.w, "%s\n", msg)
		s.mu.Unlock()

		return func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "✓ %s\n", msg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	frames := []rune{'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏'}
	idx := 0

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				fmt.Fprintf(s.w, "\r%c %s", frames[idx], msg)
				s.mu.Unlock()
				idx = (idx + 1) % len(frames)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()

			s.mu.Lock()
			defer s.mu.Unlock()
			fmt.Fprintf(s.w, "\r✓ %s\n", msg)
		})
	}
}
