package main

import (
	"github.com/charmbracelet/lipgloss"

	"llmc/pkg/protocol"
)

// Theme defines the colors used by status and watch output.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default llmc theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// StatusStyle colors a worker status by what it asks of the operator:
// green waits for review, yellow waits for input, red needs repair.
func (t Theme) StatusStyle(s protocol.WorkerStatus) lipgloss.Style {
	style := lipgloss.NewStyle()
	switch s {
	case protocol.StatusNeedsReview:
		return style.Foreground(t.Success).Bold(true)
	case protocol.StatusNeedsInput:
		return style.Foreground(t.Warning).Bold(true)
	case protocol.StatusError:
		return style.Foreground(t.Error).Bold(true)
	case protocol.StatusWorking, protocol.StatusRebasing, protocol.StatusReviewing:
		return style.Foreground(t.Primary)
	default:
		return style.Foreground(t.Muted)
	}
}
