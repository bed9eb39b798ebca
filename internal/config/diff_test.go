package config_test

import (
	"testing"

	"github.com/MrWong99/voxline/internal/agent"
	"github.com/MrWong99/voxline/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Provider: config.ProviderEntry{Name: "gemini", APIKey: "k"},
		Audio:    config.AudioConfig{Backend: config.AudioNull, FrameSize: 4096},
		Agents: []agent.Config{
			{ID: "sales", Title: "Sales", Voice: "Kore", Instructions: "Sell.", Features: []string{"Quotes"}},
			{ID: "support", Title: "Support", Voice: "Puck", Instructions: "Help."},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	d := config.Diff(baseConfig(), baseConfig())
	if d.AgentsChanged || d.LogLevelChanged || d.RestartRequired() {
		t.Errorf("expected no changes, got %+v", d)
	}
	if len(d.AgentChanges) != 0 {
		t.Errorf("AgentChanges = %+v, want none", d.AgentChanges)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Server.LogLevel = config.LogDebug

	d := config.Diff(baseConfig(), newCfg)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("LogLevelChanged=%v NewLogLevel=%q", d.LogLevelChanged, d.NewLogLevel)
	}
}

func TestDiff_AgentFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*agent.Config)
		want   config.AgentDiff
	}{
		{
			name:   "instructions",
			mutate: func(a *agent.Config) { a.Instructions = "Sell harder." },
			want:   config.AgentDiff{ID: "sales", PromptChanged: true},
		},
		{
			name:   "opening line",
			mutate: func(a *agent.Config) { a.OpeningLine = "Hi!" },
			want:   config.AgentDiff{ID: "sales", PromptChanged: true},
		},
		{
			name:   "voice",
			mutate: func(a *agent.Config) { a.Voice = "Fenrir" },
			want:   config.AgentDiff{ID: "sales", VoiceChanged: true},
		},
		{
			name:   "title",
			mutate: func(a *agent.Config) { a.Title = "Sales Desk" },
			want:   config.AgentDiff{ID: "sales", DisplayChanged: true},
		},
		{
			name:   "features",
			mutate: func(a *agent.Config) { a.Features = []string{"Quotes", "Orders"} },
			want:   config.AgentDiff{ID: "sales", DisplayChanged: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			newCfg := baseConfig()
			tt.mutate(&newCfg.Agents[0])

			d := config.Diff(baseConfig(), newCfg)
			if !d.AgentsChanged {
				t.Fatal("AgentsChanged = false")
			}
			if len(d.AgentChanges) != 1 {
				t.Fatalf("AgentChanges = %+v, want one entry", d.AgentChanges)
			}
			if d.AgentChanges[0] != tt.want {
				t.Errorf("AgentChanges[0] = %+v, want %+v", d.AgentChanges[0], tt.want)
			}
		})
	}
}

func TestDiff_AgentAddedAndRemoved(t *testing.T) {
	t.Parallel()

	newCfg := baseConfig()
	newCfg.Agents = []agent.Config{
		newCfg.Agents[0],
		{ID: "billing", Title: "Billing", Voice: "Kore", Instructions: "Bill."},
	}

	d := config.Diff(baseConfig(), newCfg)
	want := []config.AgentDiff{
		{ID: "billing", Added: true},
		{ID: "support", Removed: true},
	}
	if len(d.AgentChanges) != len(want) {
		t.Fatalf("AgentChanges = %+v, want %+v", d.AgentChanges, want)
	}
	for i := range want {
		if d.AgentChanges[i] != want[i] {
			t.Errorf("AgentChanges[%d] = %+v, want %+v", i, d.AgentChanges[i], want[i])
		}
	}
}

func TestDiff_RestartOnlySections(t *testing.T) {
	t.Parallel()

	provider := baseConfig()
	provider.Provider.Model = "other-model"
	if d := config.Diff(baseConfig(), provider); !d.ProviderChanged || !d.RestartRequired() {
		t.Errorf("provider change not flagged: %+v", d)
	}

	options := baseConfig()
	options.Provider.Options = map[string]any{"setup_timeout": "1s"}
	if d := config.Diff(baseConfig(), options); !d.ProviderChanged {
		t.Errorf("provider options change not flagged: %+v", d)
	}

	fallbacks := baseConfig()
	fallbacks.Fallbacks = []config.ProviderEntry{{Name: "openai"}}
	if d := config.Diff(baseConfig(), fallbacks); !d.ProviderChanged {
		t.Errorf("fallback change not flagged: %+v", d)
	}

	audio := baseConfig()
	audio.Audio.FrameSize = 1024
	if d := config.Diff(baseConfig(), audio); !d.AudioChanged || d.ProviderChanged {
		t.Errorf("audio change flagged wrongly: %+v", d)
	}
}
