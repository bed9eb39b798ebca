// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz; outbound 16 kHz
// capture frames are resampled before they are appended to the input buffer.
// Server-side voice activity detection drives turn taking: a detected caller
// utterance surfaces as [s2s.EventInterrupted].
package openai

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
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireSampleRate is the only PCM16 rate the Realtime API accepts.
	wireSampleRate = 24000

	readLimit   = 8 << 20
	eventBuffer = 64
)

// ErrSessionClosed is returned by SendAudio and Greet after Close.
var ErrSessionClosed = errors.New("openai: session closed")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used for caller transcription.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	setupTimeout       time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
		setupTimeout:       15 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      audio.CaptureSampleRate,
		OutputSampleRate:     wireSampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices: []s2s.VoiceProfile{
			{ID: "alloy", Name: "Alloy", Provider: "openai"},
			{ID: "ash", Name: "Ash", Provider: "openai"},
			{ID: "ballad", Name: "Ballad", Provider: "openai"},
			{ID: "coral", Name: "Coral", Provider: "openai"},
			{ID: "echo", Name: "Echo", Provider: "openai"},
			{ID: "sage", Name: "Sage", Provider: "openai"},
			{ID: "shimmer", Name: "Shimmer", Provider: "openai"},
			{ID: "verse", Name: "Verse", Provider: "openai"},
		},
	}
}

// Connect establishes a new OpenAI Realtime session with the given configuration.
// It returns once the server has confirmed the session.update.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	fail := func(err error) (s2s.SessionHandle, error) {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, err
	}

	if err := sess.writeJSON(ctx, p.sessionUpdate(cfg)); err != nil {
		return fail(fmt.Errorf("openai: session update: %w", err))
	}

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()
	if err := sess.awaitSessionUpdated(setupCtx); err != nil {
		return fail(fmt.Errorf("openai: session update: %w", err))
	}

	go sess.receiveLoop()

	return sess, nil
}

// sessionUpdate builds the session.update event for cfg.
func (p *Provider) sessionUpdate(cfg s2s.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice.ID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.Transcription.Input {
		params.InputAudioTranscription = &inputTranscription{Model: p.transcriptionModel}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: server error %s: %s", e.Code, msg)
	}
	return "openai: server error: " + msg
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSessionUpdated blocks until the server confirms the session.update.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			if evt.Error == nil {
				evt.Error = &serverErrorDetail{}
			}
			return evt.Error
		}
	}
}

// receiveLoop reads events from the WebSocket and translates them. It owns
// the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.emit(s2s.Event{Kind: s2s.EventClose})
			default:
				err = fmt.Errorf("openai: read: %w", err)
				s.setErr(err)
				s.emit(s2s.Event{Kind: s2s.EventError, Err: err})
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: dropping malformed server event", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent emits the event carried by evt. It reports false when the
// receive loop should stop.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		pcm, err := audio.DecodeText(evt.Delta)
		if err != nil || len(pcm) == 0 {
			slog.Warn("openai: dropping undecodable audio delta", "err", err)
			return true
		}
		return s.emit(s2s.Event{
			Kind:  s2s.EventAudio,
			Audio: audio.AudioFrame{Data: pcm, SampleRate: wireSampleRate, Channels: 1},
		})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleAgent, Text: evt.Delta})

	// Caller text comes only from the completed transcript; the server may
	// also stream deltas of the same text.
	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleCaller, Text: evt.Transcript})

	case "response.done":
		return s.emit(s2s.Event{Kind: s2s.EventTurnComplete})

	case "error":
		if evt.Error == nil {
			evt.Error = &serverErrorDetail{}
		}
		s.setErr(evt.Error)
		s.emit(s2s.Event{Kind: s2s.EventError, Err: evt.Error})
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

// SendAudio resamples frame to 24 kHz and appends it to the input buffer.
func (s *session) SendAudio(frame audio.AudioFrame) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	pcm := frame.Data
	if frame.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	rate := frame.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}
	pcm = audio.ResampleMono16(pcm, rate, wireSampleRate)

	return s.writeJSON(s.ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: audio.EncodeText(pcm),
	})
}

// Greet adds text as a user message and asks the model to respond.
func (s *session) Greet(ctx context.Context, text string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(ctx, item); err != nil {
		return fmt.Errorf("openai: greet: %w", err)
	}
	if err := s.writeJSON(ctx, map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("openai: greet: %w", err)
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

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
