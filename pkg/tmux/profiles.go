package tmux

import (
	"fmt"
	"sort"

	"llmc/pkg/config"
)

// Profile describes how to launch and read one agent runtime.
type Profile struct {
	Name          string
	Command       string
	PromptMarkers []string
	ClearCommand  string
	WakeDetached  bool
}

// Profiles maps runtime names to profiles.
type Profiles map[string]Profile

// ProfilesFromConfig builds profiles from the [runtimes] config section.
func ProfilesFromConfig(cfg *config.Config) Profiles {
	out := make(Profiles, len(cfg.Runtimes))
	for name, rt := range cfg.Runtimes {
		out[name] = Profile{
			Name:          name,
			Command:       rt.Command,
			PromptMarkers: rt.PromptMarkers,
			ClearCommand:  rt.ClearCommand,
			WakeDetached:  rt.WakeDetached,
		}
	}
	return out
}

// Lookup returns the named profile.
func (p Profiles) Lookup(name string) (Profile, error) {
	prof, ok := p[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown runtime %q (known: %v)", name, p.Names())
	}
	return prof, nil
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
