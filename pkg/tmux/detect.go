package tmux

import (
	"regexp"
	"strings"

	"llmc/pkg/delivery"
)

// Error kinds reported in Visible.Detail for StateError.
const (
	ErrorRateLimit = "rate_limit"
	ErrorNetwork   = "network"
	ErrorAPI       = "api"
	ErrorTool      = "tool"
)

//nolint:gochecknoglobals // compiled once
var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate limit|\b429\b|too many requests`)
	networkPattern   = regexp.MustCompile(`(?i)network error|connection refused|ECONNRESET|fetch failed`)
	apiPattern       = regexp.MustCompile(`(?i)api error|\b(?:status|error)[: ]+50[023]\b|internal server error|overloaded`)
	toolPattern      = regexp.MustCompile(`(?i)tool error|command failed`)

	permissionPattern = regexp.MustCompile(`(?:Claude )?wants to (?:run|use|access|execute):?\s*(\w+)`)
	numberedOption    = regexp.MustCompile(`(?m)^\s*\d+[.)]\s`)
)

// frameChars are the box-drawing glyphs the agent TUI draws around its
// input area.
const frameChars = " \t│┃|"

// Detect classifies a captured pane. markers are the prompt prefixes of
// the runtime profile.
func Detect(text string, markers []string) delivery.Visible {
	v := delivery.Visible{Text: text, State: delivery.StateProcessing}
	lines := splitLines(text)

	if kind := detectError(recent(lines, 20)); kind != "" {
		v.State = delivery.StateError
		v.Detail = kind
	}

	line, ok := promptLine(recent(lines, 5), markers)
	if ok {
		v.HasPrompt = true
		v.InputLine = line
	}

	if v.State == delivery.StateError {
		return v
	}

	tail := strings.Join(recent(lines, 30), "\n")
	if m := permissionPattern.FindStringSubmatch(tail); m != nil {
		v.State = delivery.StateAwaitingInput
		v.Detail = "permission:" + m[1]
		return v
	}
	if isQuestion(recent(lines, 20)) {
		v.State = delivery.StateAwaitingInput
		v.Detail = "question"
		return v
	}
	if ok {
		v.State = delivery.StateReady
	}
	return v
}

// promptLine finds the lowest line that starts with a prompt marker and
// returns what follows it.
func promptLine(lines []string, markers []string) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.Trim(lines[i], frameChars)
		for _, m := range markers {
			bare := strings.TrimSpace(m)
			if trimmed == bare {
				return "", true
			}
			if strings.HasPrefix(trimmed, m) {
				return strings.TrimSpace(strings.TrimPrefix(trimmed, m)), true
			}
			if bare != m && strings.HasPrefix(trimmed, bare+" ") {
				return strings.TrimSpace(strings.TrimPrefix(trimmed, bare)), true
			}
		}
	}
	return "", false
}

func detectError(lines []string) string {
	text := strings.Join(lines, "\n")
	switch {
	case rateLimitPattern.MatchString(text):
		return ErrorRateLimit
	case networkPattern.MatchString(text):
		return ErrorNetwork
	case apiPattern.MatchString(text):
		return ErrorAPI
	case toolPattern.MatchString(text):
		return ErrorTool
	}
	return ""
}

// isQuestion spots a selection dialog: numbered options with a question
// marker or navigation hint, or checkbox rows.
func isQuestion(lines []string) bool {
	text := strings.Join(lines, "\n")
	if strings.Contains(text, "[ ]") || strings.Contains(text, "[x]") || strings.Contains(text, "( )") {
		return true
	}
	if !numberedOption.MatchString(text) {
		return false
	}
	if strings.Contains(text, "arrow keys") || strings.Contains(text, "Enter to select") {
		return true
	}
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "?") {
			return true
		}
	}
	return false
}

func recent(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
