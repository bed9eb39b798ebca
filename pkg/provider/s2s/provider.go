// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. The remote
// side performs recognition and synthesis; voxline only moves PCM and text.
//
// The central abstraction is SessionHandle: a bidirectional session whose
// inbound side is a single ordered stream of tagged [Event] values (audio,
// interruption, transcript fragments, turn boundaries, errors and close).
// Consumers handle every event from one goroutine so that audio scheduling and
// transcript assembly observe arrival order.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"fmt"

	"github.com/MrWong99/voxline/pkg/audio"
)

// EventKind classifies an inbound session [Event].
type EventKind int

const (
	// EventAudio carries one chunk of synthesised PCM in [Event.Audio].
	EventAudio EventKind = iota + 1

	// EventInterrupted reports that the caller started speaking over the agent.
	// Any audio still queued for playback should be discarded.
	EventInterrupted

	// EventTranscript carries a transcript fragment for [Event.Role].
	EventTranscript

	// EventTurnComplete marks the end of the agent's turn.
	EventTurnComplete

	// EventError reports a runtime failure in [Event.Err]. No further events
	// follow except EventClose.
	EventError

	// EventClose reports that the remote side ended the session. It is always
	// the last event before the channel closes.
	EventClose
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Role identifies the speaker a transcript fragment belongs to.
type Role string

const (
	// RoleCaller is the human on the local end of the call ("user" on the wire).
	RoleCaller Role = "caller"

	// RoleAgent is the remote voice agent ("model" on the wire).
	RoleAgent Role = "agent"
)

// Event is one inbound occurrence on a session.
type Event struct {
	// Kind selects which of the remaining fields are meaningful.
	Kind EventKind

	// Audio is the synthesised PCM for EventAudio.
	Audio audio.AudioFrame

	// Role is the speaker for EventTranscript.
	Role Role

	// Text is the transcript fragment for EventTranscript.
	Text string

	// Err is the failure for EventError.
	Err error
}

// VoiceProfile selects the synthesised voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "Kore", "alloy").
	ID string

	// Name is a human-readable label.
	Name string

	// Provider names the backend that owns the voice.
	Provider string
}

// TranscriptionConfig enables transcript fragments for each direction.
type TranscriptionConfig struct {
	// Input enables transcription of the caller's speech.
	Input bool

	// Output enables transcription of the agent's speech.
	Output bool
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice defines the voice the model will use for synthesised speech output.
	Voice VoiceProfile

	// Instructions is the system-level prompt that defines the agent's
	// persona and behavioural constraints.
	Instructions string

	// Modalities lists the response modalities. Defaults to ["AUDIO"].
	Modalities []string

	// Transcription enables transcript fragments in either direction.
	Transcription TranscriptionConfig
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the rate the provider expects outbound audio in.
	InputSampleRate int

	// OutputSampleRate is the rate of audio carried by EventAudio.
	OutputSampleRate int

	// MaxSessionDurationMs is the hard upper bound on session lifetime in
	// milliseconds, as imposed by the provider. Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voice profiles available for this provider.
	Voices []VoiceProfile
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Every method must return quickly. All methods must be safe for concurrent use.
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one outbound PCM frame (16 kHz mono s16le) to the
	// provider. Returns an error if the session is closed or the transport
	// rejects the frame.
	SendAudio(frame audio.AudioFrame) error

	// Greet asks the agent to speak first. text is delivered as a completed
	// user turn.
	Greet(ctx context.Context, text string) error

	// Events returns the ordered stream of inbound events. The channel is
	// closed after the session ends; the final event is EventClose or
	// EventError. Consumers must drain it promptly.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil if it ended cleanly.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil. No events are delivered after
	// Close returns other than those already buffered.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the session cannot be established (e.g. authentication
	// failure, invalid voice, or ctx already cancelled). The caller owns the
	// SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider's underlying model.
	Capabilities() Capabilities
}

// WireRole maps the wire speaker names used by the voice services onto a [Role].
// Unknown names map to RoleAgent.
func WireRole(name string) Role {
	switch name {
	case "user", "caller", "input":
		return RoleCaller
	default:
		return RoleAgent
	}
}
