// Package config loads llmc configuration from the llmc root. A config file
// is optional; every field has a default applied by withDefaults. TOML is
// preferred, YAML is accepted for parity with other tooling.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config file names, checked in order.
const (
	TOMLFile = "config.toml"
	YAMLFile = "config.yaml"
)

// Duration is a time.Duration that decodes from strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds llmc configuration.
type Config struct {
	Repo     RepoConfig               `toml:"repo" yaml:"repo"`
	Daemon   DaemonConfig             `toml:"daemon" yaml:"daemon"`
	Workers  WorkersConfig            `toml:"workers" yaml:"workers"`
	Stuck    StuckConfig              `toml:"stuck" yaml:"stuck"`
	Delivery DeliveryConfig           `toml:"delivery" yaml:"delivery"`
	Runtimes map[string]RuntimeConfig `toml:"runtimes" yaml:"runtimes"`
}

// RepoConfig describes the trunk workers integrate into.
type RepoConfig struct {
	Trunk  string `toml:"trunk" yaml:"trunk"`   // integration branch (default "main")
	Remote string `toml:"remote" yaml:"remote"` // fetched before rebases; empty disables fetch
}

// DaemonConfig tunes the coordinating loop.
type DaemonConfig struct {
	TickInterval    Duration `toml:"tick_interval" yaml:"tick_interval"`       // maintenance tick (default 30s)
	CommandTimeout  Duration `toml:"command_timeout" yaml:"command_timeout"`   // bound on each git/tmux call (default 30s)
	RequestTimeout  Duration `toml:"request_timeout" yaml:"request_timeout"`   // CLI wait for a request result (default 2m)
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"` // drain window on shutdown (default 5s)
}

// WorkersConfig holds worker defaults and crash policy.
type WorkersConfig struct {
	DefaultRuntime  string   `toml:"default_runtime" yaml:"default_runtime"`
	SelfReview      bool     `toml:"self_review" yaml:"self_review"`
	MaxCrashes      int      `toml:"max_crashes" yaml:"max_crashes"`             // crashes before Error (default 3)
	CrashResetAfter Duration `toml:"crash_reset_after" yaml:"crash_reset_after"` // crash-free period that clears the count (default 24h)
}

// StuckConfig holds the stuck-worker thresholds.
type StuckConfig struct {
	FirstNudge Duration `toml:"first_nudge" yaml:"first_nudge"` // default 30m
	FinalNudge Duration `toml:"final_nudge" yaml:"final_nudge"` // default 40m
	Escalate   Duration `toml:"escalate" yaml:"escalate"`       // default 45m
	ReadyGrace Duration `toml:"ready_grace" yaml:"ready_grace"` // idle-but-working grace (default 60s)
}

// DeliveryConfig holds send timing.
type DeliveryConfig struct {
	BaseDebounce    Duration `toml:"base_debounce" yaml:"base_debounce"`         // default 500ms
	PerKBDebounce   Duration `toml:"per_kb_debounce" yaml:"per_kb_debounce"`     // default 100ms
	MaxDebounce     Duration `toml:"max_debounce" yaml:"max_debounce"`           // default 2s
	EnterRetries    int      `toml:"enter_retries" yaml:"enter_retries"`         // default 3
	EnterRetryDelay Duration `toml:"enter_retry_delay" yaml:"enter_retry_delay"` // default 200ms
	LargeThreshold  int      `toml:"large_threshold" yaml:"large_threshold"`     // bytes; default 1024
	VerifyTimeout   Duration `toml:"verify_timeout" yaml:"verify_timeout"`       // default 10s
	VerifyInterval  Duration `toml:"verify_interval" yaml:"verify_interval"`     // default 500ms
}

// RuntimeConfig describes one agent runtime backend.
type RuntimeConfig struct {
	Command       string   `toml:"command" yaml:"command"`               // launched inside the worker's tmux session
	PromptMarkers []string `toml:"prompt_markers" yaml:"prompt_markers"` // line prefixes marking the input prompt
	ClearCommand  string   `toml:"clear_command" yaml:"clear_command"`   // sent after a restart, before resending
	WakeDetached  bool     `toml:"wake_detached" yaml:"wake_detached"`   // SIGWINCH the pane when no client is attached
}

// DefaultRuntime is the runtime used when neither the request nor the
// config names one.
const DefaultRuntime = "claude"

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	return c.withDefaults()
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Repo.Trunk == "" {
		out.Repo.Trunk = "main"
	}

	setDur(&out.Daemon.TickInterval, 30*time.Second)
	setDur(&out.Daemon.CommandTimeout, 30*time.Second)
	setDur(&out.Daemon.RequestTimeout, 2*time.Minute)
	setDur(&out.Daemon.ShutdownTimeout, 5*time.Second)

	if out.Workers.DefaultRuntime == "" {
		out.Workers.DefaultRuntime = DefaultRuntime
	}
	if out.Workers.MaxCrashes == 0 {
		out.Workers.MaxCrashes = 3
	}
	setDur(&out.Workers.CrashResetAfter, 24*time.Hour)

	setDur(&out.Stuck.FirstNudge, 30*time.Minute)
	setDur(&out.Stuck.FinalNudge, 40*time.Minute)
	setDur(&out.Stuck.Escalate, 45*time.Minute)
	setDur(&out.Stuck.ReadyGrace, 60*time.Second)

	setDur(&out.Delivery.BaseDebounce, 500*time.Millisecond)
	setDur(&out.Delivery.PerKBDebounce, 100*time.Millisecond)
	setDur(&out.Delivery.MaxDebounce, 2*time.Second)
	if out.Delivery.EnterRetries == 0 {
		out.Delivery.EnterRetries = 3
	}
	setDur(&out.Delivery.EnterRetryDelay, 200*time.Millisecond)
	if out.Delivery.LargeThreshold == 0 {
		out.Delivery.LargeThreshold = 1024
	}
	setDur(&out.Delivery.VerifyTimeout, 10*time.Second)
	setDur(&out.Delivery.VerifyInterval, 500*time.Millisecond)

	runtimes := make(map[string]RuntimeConfig, len(out.Runtimes)+1)
	for name, rt := range out.Runtimes {
		runtimes[name] = rt
	}
	if _, ok := runtimes[DefaultRuntime]; !ok {
		runtimes[DefaultRuntime] = RuntimeConfig{
			Command:       "claude --dangerously-skip-permissions",
			PromptMarkers: []string{"> ", "❯"},
			ClearCommand:  "/clear",
			WakeDetached:  true,
		}
	}
	for name, rt := range runtimes {
		if len(rt.PromptMarkers) == 0 {
			rt.PromptMarkers = []string{"> "}
			runtimes[name] = rt
		}
	}
	out.Runtimes = runtimes
	return out
}

func setDur(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if !(c.Stuck.FirstNudge < c.Stuck.FinalNudge && c.Stuck.FinalNudge < c.Stuck.Escalate) {
		return fmt.Errorf("stuck thresholds must increase: first_nudge %v, final_nudge %v, escalate %v",
			c.Stuck.FirstNudge.D(), c.Stuck.FinalNudge.D(), c.Stuck.Escalate.D())
	}
	if _, ok := c.Runtimes[c.Workers.DefaultRuntime]; !ok {
		return fmt.Errorf("default runtime %q is not defined under [runtimes]", c.Workers.DefaultRuntime)
	}
	for name, rt := range c.Runtimes {
		if rt.Command == "" {
			return fmt.Errorf("runtime %q has no command", name)
		}
	}
	if c.Workers.MaxCrashes < 1 {
		return fmt.Errorf("max_crashes must be at least 1, got %d", c.Workers.MaxCrashes)
	}
	return nil
}

// Load reads config.toml or config.yaml from root. A missing file is not
// an error; defaults are returned.
func Load(root string) (*Config, error) {
	var c Config

	tomlPath := filepath.Join(root, TOMLFile)
	yamlPath := filepath.Join(root, YAMLFile)

	//nolint:gosec // config path is derived from the llmc root
	if data, err := os.ReadFile(tomlPath); err == nil {
		if err := toml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", tomlPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", tomlPath, err)
	} else if data, err := os.ReadFile(yamlPath); err == nil { //nolint:gosec // see above
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", yamlPath, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", yamlPath, err)
	}

	resolved := c.withDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, err
	}
	return &resolved, nil
}
