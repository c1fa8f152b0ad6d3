package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var errPartial = errors.New("partial send detected")

// clearPartial empties the input line before retry n (1-based). C-u is
// tried first; if the line is still not empty the runtime is interrupted.
func (s *Sender) clearPartial(ctx context.Context, rt Runtime, n int) error {
	if err := rt.SendControl(ctx, ControlClearLine); err != nil {
		return fmt.Errorf("clear input line: %w", err)
	}
	if v, err := rt.ReadVisibleState(ctx); err != nil || strings.TrimSpace(v.InputLine) != "" {
		if err := rt.SendControl(ctx, ControlInterrupt); err != nil {
			return fmt.Errorf("interrupt after failed clear: %w", err)
		}
	}
	return s.sleep(ctx, time.Duration(n)*100*time.Millisecond)
}
