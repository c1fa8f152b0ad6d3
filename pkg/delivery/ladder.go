package delivery

import "time"

// Strategy names, in escalation order.
const (
	StrategyInitial     = "initial"
	StrategyDebounce    = "debounce"
	StrategyStagedPaste = "staged-paste"
	StrategyRestart     = "restart-and-resend"
)

// strategy is one rung of the delivery escalation ladder.
type strategy struct {
	name          string
	extraDebounce time.Duration
	staged        bool
	restart       bool
}

// ladder lists the rungs tried in order. Payloads at or above the large
// threshold are staged on every rung.
var ladder = []strategy{ //nolint:gochecknoglobals // read-only table
	{name: StrategyInitial},
	{name: StrategyDebounce, extraDebounce: 200 * time.Millisecond},
	{name: StrategyStagedPaste, extraDebounce: 200 * time.Millisecond, staged: true},
	{name: StrategyRestart, extraDebounce: 200 * time.Millisecond, staged: true, restart: true},
}
