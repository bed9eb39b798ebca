package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/voxline/internal/agent"
	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/pkg/audio"
	audiomock "github.com/MrWong99/voxline/pkg/audio/mock"
	s2smock "github.com/MrWong99/voxline/pkg/provider/s2s/mock"
)

// testConfig returns a defaulted config with one extra agent.
func testConfig() *config.Config {
	cfg := &config.Config{
		Provider: config.ProviderEntry{Name: "mock", APIKey: "k"},
		Agents: []agent.Config{{
			ID:           "sales",
			Title:        "Sales",
			Voice:        "Puck",
			Instructions: "You sell things.",
			OpeningLine:  "Sales, hello!",
		}},
	}
	config.ApplyDefaults(cfg)
	cfg.Audio.FrameSize = 160
	return cfg
}

type fixture struct {
	provider *s2smock.Provider
	session  *s2smock.Session
	mic      *audiomock.Microphone
	speaker  *audiomock.Speaker
	closes   int
}

func (f *fixture) providers() *app.Providers {
	return &app.Providers{
		S2S: f.provider,
		Audio: config.AudioDevices{
			Microphone: f.mic,
			Speaker:    f.speaker,
			Close: func() error {
				f.closes++
				return nil
			},
		},
	}
}

func newFixture() *fixture {
	sess := s2smock.NewSession()
	return &fixture{
		provider: &s2smock.Provider{Session: sess},
		session:  sess,
		mic:      audiomock.NewMicrophone(audio.Format{SampleRate: 16000, Channels: 1}),
		speaker:  &audiomock.Speaker{},
	}
}

// startApp runs a with a loopback listener and returns its base URL and a
// func that stops Run and returns its error.
func startApp(t *testing.T, cfg *config.Config, f *fixture, opts ...app.Option) (*app.App, string, func() error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts = append(opts, app.WithListener(ln), app.WithGatherer(prometheus.NewRegistry()))
	a, err := app.New(cfg, f.providers(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return a, "http://" + ln.Addr().String(), stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	if _, err := app.New(testConfig(), &app.Providers{}); err == nil {
		t.Error("expected error without a voice provider")
	}
	f := newFixture()
	p := f.providers()
	p.Audio.Speaker = nil
	if _, err := app.New(testConfig(), p); err == nil {
		t.Error("expected error without a speaker")
	}
}

func TestNew_InvalidAgent(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Agents = append(cfg.Agents, agent.Config{ID: "Bad ID"})
	if _, err := app.New(cfg, newFixture().providers()); err == nil {
		t.Error("expected error for invalid agent")
	}
}

func TestRun_CallOverHTTP(t *testing.T) {
	t.Parallel()

	f := newFixture()
	a, base, stop := startApp(t, testConfig(), f)

	resp, err := http.Post(base+"/api/call", "application/json", strings.NewReader(`{"agent":"sales"}`))
	if err != nil {
		t.Fatalf("POST /api/call: %v", err)
	}
	var view struct {
		State call.State `json:"state"`
		Agent string     `json:"agent"`
	}
	err = json.NewDecoder(resp.Body).Decode(&view)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || view.State != call.StateActive || view.Agent != "sales" {
		t.Fatalf("status=%d view=%+v", resp.StatusCode, view)
	}

	calls := f.provider.Calls()
	if len(calls) != 1 || calls[0].Cfg.Voice.ID != "Puck" {
		t.Fatalf("connect calls = %+v", calls)
	}
	if g := f.session.Greeted(); len(g) != 1 || !strings.Contains(g[0], "Sales, hello!") {
		t.Errorf("greetings = %q", g)
	}

	req, _ := http.NewRequest(http.MethodDelete, base+"/api/call", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /api/call: %v", err)
	}
	resp.Body.Close()
	if st := a.Calls().State(); st != call.StateIdle {
		t.Errorf("state after stop = %v, want idle", st)
	}
	if f.mic.Live() {
		t.Error("microphone still live after stop")
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if f.closes != 1 {
		t.Errorf("audio closes = %d, want 1", f.closes)
	}
}

func TestRun_AutoStart(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Call.AutoStart = true
	cfg.Call.DefaultAgent = "sales"
	f := newFixture()
	a, _, stop := startApp(t, cfg, f)

	waitFor(t, "auto-started call", func() bool { return a.Calls().State() == call.StateActive })
	if got := a.Calls().Snapshot().Agent; got != "sales" {
		t.Errorf("agent = %q, want sales", got)
	}

	_ = stop()
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if a.Calls().State() != call.StateIdle {
		t.Error("call still running after shutdown")
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	levels := new(slog.LevelVar)
	a, err := app.New(testConfig(), newFixture().providers(), app.WithLevelVar(levels))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Agents = append(next.Agents, agent.Config{
		ID: "support", Title: "Support", Voice: "Kore", Instructions: "You fix things.",
	})
	a.ApplyConfig(testConfig(), next)

	if levels.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", levels.Level())
	}
	if _, ok := a.Catalog().Lookup("support"); !ok {
		t.Error("support agent not added")
	}

	// An invalid revision leaves the catalog alone.
	bad := testConfig()
	bad.Agents = []agent.Config{{ID: "nope"}}
	a.ApplyConfig(next, bad)
	if _, ok := a.Catalog().Lookup("support"); !ok {
		t.Error("invalid reload replaced the catalog")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture()
	a, err := app.New(testConfig(), f.providers())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 3 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if f.closes != 1 {
		t.Errorf("audio closes = %d, want 1", f.closes)
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
