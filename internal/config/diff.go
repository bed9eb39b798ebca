package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/voxline/internal/agent"
)

// ConfigDiff describes what changed between two configs. Agent and log level
// changes are applied live; provider and audio changes need a restart.
type ConfigDiff struct {
	AgentsChanged   bool
	AgentChanges    []AgentDiff // sorted by ID
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProviderChanged and AudioChanged report sections that only take effect
	// after a restart.
	ProviderChanged bool
	AudioChanged    bool
}

// RestartRequired reports whether d contains changes that cannot be applied
// to a running process.
func (d ConfigDiff) RestartRequired() bool {
	return d.ProviderChanged || d.AudioChanged
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID             string
	Added          bool
	Removed        bool
	PromptChanged  bool // instructions or opening line
	VoiceChanged   bool
	DisplayChanged bool // title, pill, description or features
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{
		ProviderChanged: !reflect.DeepEqual(old.Provider, new.Provider) ||
			!reflect.DeepEqual(old.Fallbacks, new.Fallbacks),
		AudioChanged:    old.Audio != new.Audio,
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldAgents := indexAgents(old.Agents)
	newAgents := indexAgents(new.Agents)

	for id, o := range oldAgents {
		n, ok := newAgents[id]
		if !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Removed: true})
			continue
		}
		if ad := diffAgent(o, n); ad.PromptChanged || ad.VoiceChanged || ad.DisplayChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
		}
	}
	for id := range newAgents {
		if _, ok := oldAgents[id]; !ok {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{ID: id, Added: true})
		}
	}
	slices.SortFunc(d.AgentChanges, func(a, b AgentDiff) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	d.AgentsChanged = len(d.AgentChanges) > 0
	return d
}

func indexAgents(list []agent.Config) map[string]agent.Config {
	m := make(map[string]agent.Config, len(list))
	for _, a := range list {
		m[a.ID] = a
	}
	return m
}

func diffAgent(old, new agent.Config) AgentDiff {
	return AgentDiff{
		ID:            old.ID,
		PromptChanged: old.Instructions != new.Instructions || old.OpeningLine != new.OpeningLine,
		VoiceChanged:  old.Voice != new.Voice,
		DisplayChanged: old.Title != new.Title ||
			old.Pill != new.Pill ||
			old.Description != new.Description ||
			!slices.Equal(old.Features, new.Features),
	}
}
