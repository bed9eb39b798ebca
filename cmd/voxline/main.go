// Command voxline is a full-duplex voice call client: it streams the
// microphone to a remote voice agent, plays the agent's speech back, and
// serves a small HTTP control API for starting and stopping calls.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/resilience"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/pipe"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
	"github.com/MrWong99/voxline/pkg/provider/s2s/gemini"
	"github.com/MrWong99/voxline/pkg/provider/s2s/geminisdk"
	"github.com/MrWong99/voxline/pkg/provider/s2s/openai"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	agentFlag := flag.String("agent", "", "agent to call on startup; implies auto-start")
	watch := flag.Bool("watch", true, "reload agents and log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxline: %v\n", err)
		return 1
	}
	if *agentFlag != "" {
		cfg.Call.DefaultAgent = *agentFlag
		cfg.Call.AutoStart = true
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Raw PCM may go to stdout, so logs always go to stderr.
	levels := new(slog.LevelVar)
	levels.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels})))

	slog.Info("voxline starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Provider.Name,
		"audio", cfg.Audio.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	voice, err := buildVoiceProvider(reg, cfg)
	if err != nil {
		slog.Error("failed to create voice provider", "err", err)
		return 1
	}
	devices, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		slog.Error("failed to open audio backend", "backend", cfg.Audio.Backend, "err", err)
		return 1
	}

	application, err := app.New(cfg, &app.Providers{S2S: voice, Audio: devices},
		app.WithMetrics(metrics),
		app.WithLevelVar(levels),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *configPath != "" && *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.LoadFromReader(strings.NewReader(""))
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return cfg, err
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildVoiceProvider creates the configured provider. When fallbacks are
// configured it is wrapped in a [resilience.S2SFallback].
func buildVoiceProvider(reg *config.Registry, cfg *config.Config) (s2s.Provider, error) {
	primary, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", cfg.Provider.Name, err)
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewS2SFallback(primary, cfg.Provider.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("provider circuit changed", "provider", name, "from", from, "to", to)
			},
		},
	})
	for _, entry := range cfg.Fallbacks {
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback provider %q: %w", entry.Name, err)
		}
		fb.AddFallback(entry.Name, p)
	}
	slog.Info("provider failover enabled", "order", fb.Group().Names())
	return fb, nil
}

// registerBuiltinProviders wires the voice providers and audio backends that
// ship with voxline into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Voice ─────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, gemini.WithSetupTimeout(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("geminisdk", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminisdk.Option
		if entry.Model != "" {
			opts = append(opts, geminisdk.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminisdk.WithBaseURL(entry.BaseURL))
		}
		return geminisdk.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, openai.WithTranscriptionModel(m))
		}
		if d := optDuration(entry.Options, "setup_timeout"); d > 0 {
			opts = append(opts, openai.WithSetupTimeout(d))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio(config.AudioNull, func(config.AudioConfig) (config.AudioDevices, error) {
		return config.AudioDevices{
			Microphone: pipe.NewNullMicrophone(),
			Speaker:    pipe.NewNullSpeaker(),
		}, nil
	})

	reg.RegisterAudio(config.AudioPipe, openPipeDevices)

	for _, name := range reg.S2SNames() {
		slog.Debug("registered provider", "kind", "s2s", "name", name)
	}
}

// openPipeDevices opens the capture source and playback sink of the pipe
// backend. "-" selects stdin or stdout; an empty path selects the null
// device for that direction.
func openPipeDevices(cfg config.AudioConfig) (config.AudioDevices, error) {
	var (
		dev     config.AudioDevices
		closers []io.Closer
	)
	micOpts := []pipe.Option{pipe.WithFormat(audio.Format{
		SampleRate: cfg.InputSampleRate,
		Channels:   cfg.InputChannels,
	})}

	switch cfg.Input {
	case "":
		dev.Microphone = pipe.NewNullMicrophone()
	case "-":
		dev.Microphone = pipe.NewMicrophone(os.Stdin, micOpts...)
	default:
		f, err := os.Open(cfg.Input)
		if err != nil {
			return config.AudioDevices{}, fmt.Errorf("open audio input: %w", err)
		}
		closers = append(closers, f)
		dev.Microphone = pipe.NewMicrophone(f, micOpts...)
	}

	switch cfg.Output {
	case "":
		dev.Speaker = pipe.NewNullSpeaker()
	case "-":
		dev.Speaker = pipe.NewSpeaker(os.Stdout)
	default:
		f, err := os.Create(cfg.Output)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return config.AudioDevices{}, fmt.Errorf("create audio output: %w", err)
		}
		closers = append(closers, f)
		dev.Speaker = pipe.NewSpeaker(f)
	}

	dev.Close = func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	return dev, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "10s" from a provider Options
// map. Returns 0 when absent or malformed.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring malformed provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
