// Package app wires the voxline subsystems into a running application.
//
// New builds the agent catalog, the call manager and the HTTP control server
// from a validated config; Run serves until the context is cancelled;
// Shutdown stops the current call and releases every device in order.
//
// Tests inject doubles through the [Providers] struct and functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/agent"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/web"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// Providers holds the external collaborators built by main.go through the
// config registry.
type Providers struct {
	// S2S opens remote voice sessions. Required.
	S2S s2s.Provider

	// Audio supplies the microphone and speaker. Required.
	Audio config.AudioDevices
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	levelVar *slog.LevelVar

	catalog *agent.Catalog
	calls   *call.Manager
	server  *web.Server
	httpSrv *http.Server

	mu   sync.Mutex
	addr net.Addr
	ln   net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the registry served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets config reloads change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil {
		return nil, errors.New("app: voice provider is required")
	}
	if providers.Audio.Microphone == nil || providers.Audio.Speaker == nil {
		return nil, errors.New("app: audio devices are required")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Agent catalog ─────────────────────────────────────────────────
	catalog, err := agent.NewCatalog(cfg.Agents...)
	if err != nil {
		return nil, fmt.Errorf("app: build agent catalog: %w", err)
	}
	a.catalog = catalog

	// ── 2. Control server ────────────────────────────────────────────────
	checks := []health.Checker{
		health.APIKeyCheck(cfg.Provider.Name, func() string { return cfg.Provider.APIKey }),
		health.AgentsCheck(func() int { return len(catalog.List()) }),
	}
	a.server = web.New(web.Config{
		Agents:       catalog,
		DefaultAgent: cfg.Call.DefaultAgent,
		Metrics:      a.metrics,
		Gatherer:     a.gatherer,
		Health:       health.New(checks, health.WithStateFunc(a.callState)),
	})

	// ── 3. Call manager ──────────────────────────────────────────────────
	a.calls = call.NewManager(call.Config{
		Provider:     providers.S2S,
		ProviderName: cfg.Provider.Name,
		Microphone:   providers.Audio.Microphone,
		Speaker:      providers.Audio.Speaker,
		Agents:       catalog,
		Observer:     a.server,
		Metrics:      a.metrics,
		FrameSize:    cfg.Audio.FrameSize,
	})
	a.server.Bind(a.calls)

	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Stop the call before the devices go away.
	a.closers = append(a.closers, a.calls.Close)
	if providers.Audio.Close != nil {
		a.closers = append(a.closers, providers.Audio.Close)
	}
	return a, nil
}

func (a *App) callState() string {
	return a.calls.State().String()
}

// Calls returns the call manager.
func (a *App) Calls() *call.Manager { return a.calls }

// Catalog returns the agent catalog.
func (a *App) Catalog() *agent.Catalog { return a.catalog }

// Addr returns the address the server listens on, or nil before Run bound it.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and blocks until ctx is cancelled or the server
// fails. When call.auto_start is set, a call with the default agent is
// started once the server is listening.
func (a *App) Run(ctx context.Context) error {
	ln := a.ln
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "agents", len(a.catalog.List()))

	if a.cfg.Call.AutoStart {
		go a.autoStart(gctx)
	}

	<-gctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) autoStart(ctx context.Context) {
	id := a.cfg.Call.DefaultAgent
	slog.Info("auto-starting call", "agent", id)
	if err := a.calls.StartCall(ctx, id); err != nil {
		slog.Warn("auto-start failed", "agent", id, "err", err)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next. Agent changes replace
// the catalog; a running call keeps the agent it started with. Provider and
// audio changes are logged and need a restart.
func (a *App) ApplyConfig(prev, next *config.Config) {
	d := config.Diff(prev, next)

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentsChanged {
		if err := a.catalog.Replace(next.Agents); err != nil {
			slog.Warn("agent reload rejected", "err", err)
		} else {
			for _, c := range d.AgentChanges {
				slog.Info("agent reloaded", "id", c.ID, "added", c.Added, "removed", c.Removed,
					"prompt", c.PromptChanged, "voice", c.VoiceChanged, "display", c.DisplayChanged)
			}
		}
	}
	if d.RestartRequired() {
		slog.Warn("config change needs a restart to take effect",
			"provider", d.ProviderChanged, "audio", d.AudioChanged)
	}
}

// SlogLevel maps a config log level to a [slog.Level].
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the server and the current call, then runs the closers in
// order. If ctx expires first, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
