// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to inject inbound events and inspect which methods the call
// controller invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// ErrClosed is returned by Session methods after Close.
var ErrClosed = errors.New("mock: session closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the Session returned by Connect. If nil, Connect returns a
	// new Session each time and records it in Sessions.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, if non-nil, makes Connect block until it is closed or the
	// context is cancelled.
	ConnectGate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every Session handed out by Connect.
	Sessions []*Session
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.Sessions = append(p.Sessions, sess)
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a snapshot of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Events injected with
// Emit are delivered on Events; Close closes the channel.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio.
	SendAudioErr error

	// GreetErr, if non-nil, is returned by Greet.
	GreetErr error

	// ErrValue is returned by Err.
	ErrValue error

	// SentFrames records every frame passed to SendAudio.
	SentFrames []audio.AudioFrame

	// Greetings records every text passed to Greet.
	Greetings []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events chan s2s.Event
	closed bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// Emit delivers ev on the event channel. It reports false after Close.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.events <- ev
	return true
}

// End emits a final event and closes the channel, as a provider does when the
// remote side ends the session.
func (s *Session) End(final s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- final
	s.closed = true
	close(s.events)
}

// SendAudio records the frame.
func (s *Session) SendAudio(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentFrames = append(s.SentFrames, frame)
	return nil
}

// Greet records the text.
func (s *Session) Greet(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.Greetings = append(s.Greetings, text)
	return s.GreetErr
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Frames returns a snapshot of SentFrames. Thread-safe.
func (s *Session) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.SentFrames...)
}

// Greeted returns a snapshot of Greetings. Thread-safe.
func (s *Session) Greeted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Greetings...)
}

// IsClosed reports whether Close or End was called.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
