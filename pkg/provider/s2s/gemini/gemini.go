// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks. Inbound server content is
// translated into ordered [s2s.Event] values: audio first, then interruption,
// then caller and agent transcript fragments, then the turn boundary.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Audio turns arrive as large
	// base64 blobs, well above the library default.
	readLimit = 8 << 20

	eventBuffer = 64
)

// ErrSessionClosed is returned by SendAudio and Greet after Close.
var ErrSessionClosed = errors.New("gemini: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: 15 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      audio.CaptureSampleRate,
		OutputSampleRate:     audio.PlaybackSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices: []s2s.VoiceProfile{
			{ID: "Aoede", Name: "Aoede", Provider: "gemini"},
			{ID: "Charon", Name: "Charon", Provider: "gemini"},
			{ID: "Fenrir", Name: "Fenrir", Provider: "gemini"},
			{ID: "Kore", Name: "Kore", Provider: "gemini"},
			{ID: "Puck", Name: "Puck", Provider: "gemini"},
		},
	}
}

// Connect establishes a new Gemini Live session with the given configuration.
// It returns once the server has acknowledged the setup message.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	fail := func(err error) (s2s.SessionHandle, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, err
	}

	if err := sess.sendSetup(ctx, p.model, cfg); err != nil {
		return fail(fmt.Errorf("gemini: setup: %w", err))
	}

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()
	if err := sess.awaitSetupComplete(setupCtx); err != nil {
		return fail(fmt.Errorf("gemini: setup: %w", err))
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *content           `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
	}
	return "gemini: server error: " + msg
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"AUDIO"}
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice.ID != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}

	if cfg.Transcription.Input {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.Transcription.Output {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(ctx, msg)
}

// awaitSetupComplete blocks until the server acknowledges the setup message.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and translates them into
// events. It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Local Close: exit without reporting.
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.emit(s2s.Event{Kind: s2s.EventClose})
			default:
				err = fmt.Errorf("gemini: read: %w", err)
				s.setErr(err)
				s.emit(s2s.Event{Kind: s2s.EventError, Err: err})
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: dropping malformed server message", "err", err, "bytes", len(data))
			continue
		}

		if msg.Error != nil {
			s.setErr(msg.Error)
			s.emit(s2s.Event{Kind: s2s.EventError, Err: msg.Error})
			return
		}
		if msg.ServerContent != nil && !s.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent emits the events carried by one serverContent message.
// It reports false once the session context is done.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := audio.DecodeText(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				slog.Warn("gemini: dropping undecodable audio part", "err", err)
				continue
			}
			frame := audio.AudioFrame{Data: pcm, SampleRate: audio.PlaybackSampleRate, Channels: 1}
			if !s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: frame}) {
				return false
			}
		}
	}

	if sc.Interrupted && !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
		return false
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleCaller, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleAgent, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete && !s.emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
		return false
	}
	return true
}

// emit delivers ev unless the session is shutting down.
func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
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

// SendAudio delivers one PCM frame (16 kHz, s16le, mono) to the model.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	rate := frame.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: audio.PCMMIMEType(rate), Data: audio.EncodeText(frame.Data)},
			},
		},
	}
	return s.writeJSON(s.ctx, msg)
}

// Greet sends text as a completed user turn so the model answers first.
func (s *session) Greet(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: greet: %w", err)
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

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
