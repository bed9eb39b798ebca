// Package config provides the configuration schema, loader, and provider registry
// for the voxline voice call client.
package config

import "github.com/MrWong99/voxline/internal/agent"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// AudioBackend selects where capture audio comes from and where playback
// audio goes.
type AudioBackend string

const (
	// AudioPipe reads raw s16le PCM from a file or stdin and writes raw s16le
	// PCM to a file or stdout.
	AudioPipe AudioBackend = "pipe"

	// AudioNull captures silence and discards playback.
	AudioNull AudioBackend = "null"
)

// IsValid reports whether b is a recognised audio backend.
func (b AudioBackend) IsValid() bool {
	return b == AudioPipe || b == AudioNull
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultProvider        = "gemini"
	DefaultInputSampleRate = 16000
	DefaultFrameSize       = 4096
	DefaultAgent           = agent.ServiceID
)

// Config is the root configuration structure for voxline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderEntry  `yaml:"provider"`
	Audio    AudioConfig    `yaml:"audio"`
	Agents   []agent.Config `yaml:"agents"`
	Call     CallConfig     `yaml:"call"`

	// Fallbacks are tried in order when the primary provider cannot open a
	// session.
	Fallbacks []ProviderEntry `yaml:"fallback_providers"`
}

// ServerConfig holds network and logging settings for the HTTP control
// surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderEntry configures the remote voice service. The Name field is used
// to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini",
	// "geminisdk", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty it is read from the
	// environment, see [LoadFromReader].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the standard
	// fields above (e.g. "setup_timeout": "10s").
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects and parameterises the audio backend.
type AudioConfig struct {
	// Backend is "pipe" or "null".
	Backend AudioBackend `yaml:"backend"`

	// Input is the capture source for the pipe backend: a file path, or "-"
	// for stdin.
	Input string `yaml:"input"`

	// Output is the playback sink for the pipe backend: a file path, or "-"
	// for stdout.
	Output string `yaml:"output"`

	// InputSampleRate is the rate of the raw capture stream.
	InputSampleRate int `yaml:"input_sample_rate"`

	// InputChannels is the interleaved channel count of the capture stream.
	InputChannels int `yaml:"input_channels"`

	// FrameSize is the number of 16 kHz samples per outbound frame.
	FrameSize int `yaml:"frame_size"`
}

// CallConfig controls call behaviour.
type CallConfig struct {
	// DefaultAgent is the agent used by auto-start.
	DefaultAgent string `yaml:"default_agent"`

	// AutoStart starts a call with DefaultAgent as soon as the server is up.
	AutoStart bool `yaml:"auto_start"`
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioNull
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.InputChannels == 0 {
		cfg.Audio.InputChannels = 1
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Call.DefaultAgent == "" {
		cfg.Call.DefaultAgent = DefaultAgent
	}
}
