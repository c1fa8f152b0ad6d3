package protocol

import "fmt"

// AlertKind classifies an operator alert.
type AlertKind string

// Alert kinds raised by the daemon.
const (
	AlertStuck         AlertKind = "STUCK"
	AlertRuntimeError  AlertKind = "RUNTIME_ERROR"
	AlertCrashLoop     AlertKind = "CRASH_LOOP"
	AlertDeliveryLost  AlertKind = "DELIVERY_LOST"
	AlertMergeConflict AlertKind = "MERGE_CONFLICT"
	AlertQuarantine    AlertKind = "QUARANTINE"
	AlertRecovery      AlertKind = "RECOVERY"
)

// FormatEscalation produces a structured alert line in the form:
//
//	[LLMC] <KIND>: <worker> - <summary>. <details>.
//
// If details is empty the trailing details clause is omitted.
func FormatEscalation(kind AlertKind, worker, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("[LLMC] %s: %s - %s. %s.", kind, worker, summary, details)
	}
	return fmt.Sprintf("[LLMC] %s: %s - %s.", kind, worker, summary)
}
