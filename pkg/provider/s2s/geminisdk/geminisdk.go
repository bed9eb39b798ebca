// Package geminisdk implements the s2s.Provider interface for the Gemini Live
// API on top of the official google.golang.org/genai SDK.
//
// It is the SDK counterpart of package gemini, which speaks the raw
// BidiGenerateContent WebSocket protocol. Both produce the same ordered
// [s2s.Event] stream; this one delegates transport, authentication and
// message framing to the SDK.
package geminisdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64
)

// ErrSessionClosed is returned by SendAudio and Greet after Close.
var ErrSessionClosed = errors.New("geminisdk: session closed")

// liveSession is the subset of *genai.Session used by this package.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	SendClientContent(input genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

var _ liveSession = (*genai.Session)(nil)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API endpoint used by the SDK client.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider using the genai SDK.
type Provider struct {
	apiKey  string
	model   string
	baseURL string

	// dial opens a live session. Replaced in tests.
	dial func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)
}

// New creates a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	p.dial = p.dialSDK
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      audio.CaptureSampleRate,
		OutputSampleRate:     audio.PlaybackSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices: []s2s.VoiceProfile{
			{ID: "Aoede", Name: "Aoede", Provider: "geminisdk"},
			{ID: "Charon", Name: "Charon", Provider: "geminisdk"},
			{ID: "Fenrir", Name: "Fenrir", Provider: "geminisdk"},
			{ID: "Kore", Name: "Kore", Provider: "geminisdk"},
			{ID: "Puck", Name: "Puck", Provider: "geminisdk"},
		},
	}
}

func (p *Provider) dialSDK(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error) {
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return client.Live.Connect(ctx, model, cfg)
}

// Connect opens a live session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	live, err := p.dial(ctx, p.model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("geminisdk: connect: %w", err)
	}

	if err := awaitSetupComplete(ctx, live); err != nil {
		live.Close()
		return nil, fmt.Errorf("geminisdk: setup: %w", err)
	}

	sess := &session{
		live:   live,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go sess.receiveLoop()
	return sess, nil
}

// liveConfig translates a SessionConfig into the SDK's connect config.
func liveConfig(cfg s2s.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if len(cfg.Modalities) > 0 {
		lc.ResponseModalities = lc.ResponseModalities[:0]
		for _, m := range cfg.Modalities {
			lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(m))
		}
	}
	if cfg.Voice.ID != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Transcription.Input {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.Transcription.Output {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// awaitSetupComplete reads until the server acknowledges the setup. The SDK's
// Receive has no context, so a cancelled ctx closes the session to unblock it.
func awaitSetupComplete(ctx context.Context, live liveSession) error {
	type result struct {
		msg *genai.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			msg, err := live.Receive()
			if err != nil || msg.SetupComplete != nil {
				ch <- result{msg, err}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.err
	case <-ctx.Done():
		live.Close()
		return ctx.Err()
	}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	live   liveSession
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool
	done   chan struct{}
}

// receiveLoop translates SDK messages into events and owns the events channel.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.live.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(s2s.Event{Kind: s2s.EventClose})
				return
			}
			err = fmt.Errorf("geminisdk: receive: %w", err)
			s.setErr(err)
			s.emit(s2s.Event{Kind: s2s.EventError, Err: err})
			return
		}
		for _, ev := range translate(msg) {
			if !s.emit(ev) {
				return
			}
		}
	}
}

// translate maps one server message onto events in the order audio,
// interruption, caller transcript, agent transcript, turn boundary.
func translate(msg *genai.LiveServerMessage) []s2s.Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var events []s2s.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil {
				continue
			}
			if len(p.InlineData.Data) == 0 {
				slog.Warn("geminisdk: dropping empty audio part")
				continue
			}
			events = append(events, s2s.Event{
				Kind:  s2s.EventAudio,
				Audio: audio.AudioFrame{Data: p.InlineData.Data, SampleRate: audio.PlaybackSampleRate, Channels: 1},
			})
		}
	}
	if sc.Interrupted {
		events = append(events, s2s.Event{Kind: s2s.EventInterrupted})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleCaller, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleAgent, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return events
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one PCM frame to the model as realtime audio input.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	rate := frame.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}
	err := s.live.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.Data, MIMEType: audio.PCMMIMEType(rate)},
	})
	if err != nil {
		return fmt.Errorf("geminisdk: send audio: %w", err)
	}
	return nil
}

// Greet sends text as a completed user turn so the model answers first.
func (s *session) Greet(_ context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	err := s.live.SendClientContent(genai.LiveClientContentInput{
		Turns:        []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		TurnComplete: genai.Ptr(true),
	})
	if err != nil {
		return fmt.Errorf("geminisdk: greet: %w", err)
	}
	return nil
}

// Events returns the ordered inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	if err := s.live.Close(); err != nil {
		slog.Debug("geminisdk: close", "err", err)
	}
	return nil
}
