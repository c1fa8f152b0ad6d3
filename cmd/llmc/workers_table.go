package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"llmc/pkg/protocol"
)

const (
	shortSHALen    = 8
	promptColWidth = 48
)

// renderWorkers renders views as a table. now anchors the relative
// "last active" column.
func renderWorkers(views []protocol.WorkerView, now time.Time, theme Theme) string {
	if len(views) == 0 {
		return lipgloss.NewStyle().Foreground(theme.Muted).Render("No workers. Add one with `llmc add <name>`.")
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, workerRow(v, now))
	}

	cell := lipgloss.NewStyle().Padding(0, 1)
	header := cell.Bold(true).Foreground(theme.Primary)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.Muted)).
		Headers("WORKER", "STATUS", "COMMIT", "LAST ACTIVE", "CRASHES", "PROMPT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 || row >= len(views) {
				return header
			}
			if col == 1 {
				return cell.Inherit(theme.StatusStyle(views[row].Status))
			}
			return cell
		})
	return t.String()
}

func workerRow(v protocol.WorkerView, now time.Time) []string {
	status := string(v.Status)
	if v.Sending {
		status += " (sending)"
	}

	commit := "-"
	if v.CommitSHA != "" {
		commit = v.CommitSHA
		if len(commit) > shortSHALen {
			commit = commit[:shortSHALen]
		}
	}

	active := "-"
	if v.LastActivity > 0 {
		active = humanize.RelTime(time.Unix(v.LastActivity, 0), now, "ago", "from now")
	}

	crashes := "-"
	if v.CrashCount > 0 {
		crashes = fmt.Sprintf("%d", v.CrashCount)
	}

	prompt := v.Prompt
	if v.Status == protocol.StatusError && v.LastError != "" {
		prompt = "error: " + v.LastError
	}
	prompt = strings.Join(strings.Fields(prompt), " ")
	if prompt == "" {
		prompt = "-"
	}

	return []string{v.Name, status, commit, active, crashes, truncate(prompt, promptColWidth)}
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
