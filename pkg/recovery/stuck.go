package recovery

import (
	"time"

	"llmc/pkg/config"
	"llmc/pkg/delivery"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// Thresholds are the stuck-worker timings.
type Thresholds struct {
	FirstNudge time.Duration
	FinalNudge time.Duration
	Escalate   time.Duration
	ReadyGrace time.Duration
}

// ThresholdsFromConfig copies the stuck section of cfg.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		FirstNudge: cfg.Stuck.FirstNudge.D(),
		FinalNudge: cfg.Stuck.FinalNudge.D(),
		Escalate:   cfg.Stuck.Escalate.D(),
		ReadyGrace: cfg.Stuck.ReadyGrace.D(),
	}
}

// StuckAction is the tick's verdict on a Working worker.
type StuckAction int

// Stuck actions, ordered roughly by severity.
const (
	StuckNone StuckAction = iota
	StuckFirstNudge
	StuckFinalNudge
	StuckEscalate     // NeedsInput plus one alert
	StuckReconcile    // runtime idle while marked Working: decide from git
	StuckRuntimeError // rate limit, network or API failure on screen
	StuckAwaitingInput
)

func (a StuckAction) String() string {
	switch a {
	case StuckFirstNudge:
		return "first_nudge"
	case StuckFinalNudge:
		return "final_nudge"
	case StuckEscalate:
		return "escalate"
	case StuckReconcile:
		return "reconcile"
	case StuckRuntimeError:
		return "runtime_error"
	case StuckAwaitingInput:
		return "awaiting_input"
	default:
		return "none"
	}
}

// AssessStuck decides what the tick should do for rec. visible is the
// runtime's current screen, or nil if it could not be read. Each nudge
// fires once per quiet period because NudgeLevel only moves forward
// until activity resets it.
func AssessStuck(rec registry.WorkerRecord, visible *delivery.Visible, now time.Time, th Thresholds) StuckAction {
	if rec.Status != protocol.StatusWorking {
		return StuckNone
	}
	idle := now.Sub(time.Unix(rec.LastActivityUnix, 0))

	switch {
	case idle >= th.Escalate && rec.NudgeLevel < registry.NudgeEscalated:
		return StuckEscalate
	case idle >= th.FinalNudge && idle < th.Escalate && rec.NudgeLevel < registry.NudgeFinal:
		return StuckFinalNudge
	case idle >= th.FirstNudge && idle < th.FinalNudge && rec.NudgeLevel < registry.NudgeFirst:
		return StuckFirstNudge
	}

	if visible == nil {
		return StuckNone
	}
	switch visible.State {
	case delivery.StateError:
		return StuckRuntimeError
	case delivery.StateReady:
		if idle >= th.ReadyGrace {
			return StuckReconcile
		}
	case delivery.StateAwaitingInput:
		if idle >= th.ReadyGrace {
			return StuckAwaitingInput
		}
	}
	return StuckNone
}

// Nudge texts sent to a quiet Working worker.
const (
	FirstNudgeText = "Status check: You've been working on this task for 30 minutes. " +
		"Are you making progress or blocked on something? Please provide a brief update."
	FinalNudgeText = "This task will be flagged for human review if there's no response in 5 minutes. " +
		"If you're blocked, please describe the issue. If you're still working, please commit your progress so far."
)
