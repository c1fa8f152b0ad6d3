package daemon

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"llmc/pkg/protocol"
)

// Alerter prints operator alerts to the daemon's console and appends them
// to the alerts log.
type Alerter struct {
	mu      sync.Mutex
	console io.Writer
	file    io.Writer // may be nil
	paint   *color.Color
	nowFunc func() time.Time
}

// NewAlerter writes to console, colored when useColor is set, and copies
// plain lines to file when it is non-nil.
func NewAlerter(console, file io.Writer, useColor bool) *Alerter {
	paint := color.New(color.FgRed, color.Bold)
	if useColor {
		paint.EnableColor()
	} else {
		paint.DisableColor()
	}
	return &Alerter{console: console, file: file, paint: paint, nowFunc: time.Now}
}

// Alert formats and emits one alert.
func (a *Alerter) Alert(kind protocol.AlertKind, worker, summary, details string) {
	line := protocol.FormatEscalation(kind, worker, summary, details)
	stamp := a.nowFunc().Format(time.DateTime)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.console != nil {
		fmt.Fprintf(a.console, "%s %s\n", stamp, a.paint.Sprint(line))
	}
	if a.file != nil {
		fmt.Fprintf(a.file, "%s %s\n", stamp, line)
	}
}
