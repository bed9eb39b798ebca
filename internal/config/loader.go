package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/voxline/internal/agent"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini", "geminisdk", "openai"},
}

// apiKeyEnv lists the environment variables consulted, in order, when
// provider.api_key is empty.
var apiKeyEnv = map[string][]string{
	"gemini":    {"VOXLINE_API_KEY", "GEMINI_API_KEY"},
	"geminisdk": {"VOXLINE_API_KEY", "GEMINI_API_KEY"},
	"openai":    {"VOXLINE_API_KEY", "OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, fills the
// API key from the environment when it is empty, and validates the result.
// An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ResolveAPIKey(&cfg.Provider)
	for i := range cfg.Fallbacks {
		ResolveAPIKey(&cfg.Fallbacks[i])
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveAPIKey sets entry.APIKey from the environment if it is empty. For
// gemini providers VOXLINE_API_KEY then GEMINI_API_KEY are tried; for openai
// VOXLINE_API_KEY then OPENAI_API_KEY.
func ResolveAPIKey(entry *ProviderEntry) {
	if entry.APIKey != "" {
		return
	}
	vars, ok := apiKeyEnv[entry.Name]
	if !ok {
		vars = []string{"VOXLINE_API_KEY"}
	}
	for _, v := range vars {
		if key := os.Getenv(v); key != "" {
			entry.APIKey = key
			slog.Debug("config: api key taken from environment", "var", v)
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, fmt.Errorf("provider.name is required"))
	} else {
		validateProviderName("s2s", cfg.Provider.Name)
	}
	if cfg.Provider.Name != "" && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty and no key was found in the environment; calls will fail to connect",
			"provider", cfg.Provider.Name)
	}
	for i, fb := range cfg.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("fallback_providers[%d].name is required", i))
			continue
		}
		validateProviderName("s2s", fb.Name)
	}

	// Audio
	if cfg.Audio.Backend != "" && !cfg.Audio.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: pipe, null", cfg.Audio.Backend))
	}
	if cfg.Audio.Backend == AudioPipe && cfg.Audio.Input == "" && cfg.Audio.Output == "" {
		errs = append(errs, fmt.Errorf("audio.backend pipe needs audio.input or audio.output"))
	}
	if r := cfg.Audio.InputSampleRate; r != 0 && (r < 8000 || r > 192000) {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 192000]", r))
	}
	if c := cfg.Audio.InputChannels; c < 0 || c > 8 {
		errs = append(errs, fmt.Errorf("audio.input_channels %d is out of range [1, 8]", c))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	// Agents: duplicate IDs, then merged validation against the built-ins.
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if prev, ok := seen[a.ID]; ok {
			errs = append(errs, fmt.Errorf("agents[%d].id %q is a duplicate of agents[%d]", i, a.ID, prev))
			continue
		}
		seen[a.ID] = i
	}
	catalog, err := agent.NewCatalog(cfg.Agents...)
	if err != nil {
		errs = append(errs, err)
	}

	// Call
	if catalog != nil && cfg.Call.DefaultAgent != "" {
		if _, ok := catalog.Lookup(cfg.Call.DefaultAgent); !ok {
			errs = append(errs, fmt.Errorf("call.default_agent %q is not a known agent", cfg.Call.DefaultAgent))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
