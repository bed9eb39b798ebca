package call

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every [*Error] unwraps to the sentinel of its kind, so
// callers can classify with [errors.Is].
var (
	ErrCaptureUnavailable = errors.New("call: capture unavailable")
	ErrSessionOpenFailure = errors.New("call: session open failure")
	ErrSessionRuntime     = errors.New("call: session runtime error")
	ErrRemoteClose        = errors.New("call: remote closed session")
	ErrDecodeFailure      = errors.New("call: undecodable inbound frame")

	// ErrCallInProgress is returned by [Manager.StartCall] while a call is
	// connecting or active.
	ErrCallInProgress = errors.New("call: a call is already in progress")

	// ErrUnknownAgent is returned by [Manager.StartCall] for an agent ID not
	// in the catalog.
	ErrUnknownAgent = errors.New("call: unknown agent")

	// ErrNotActive is returned by [Controller.Send] once the session handle
	// has been dropped.
	ErrNotActive = errors.New("call: session not active")

	// ErrStopped is returned by [Manager.StartCall] when the call was stopped
	// while it was still connecting.
	ErrStopped = errors.New("call: stopped while connecting")
)

// ErrorKind classifies call failures.
type ErrorKind int

const (
	// KindCaptureUnavailable: the microphone or output device could not be
	// acquired.
	KindCaptureUnavailable ErrorKind = iota + 1

	// KindSessionOpenFailure: the remote session could not be opened.
	KindSessionOpenFailure

	// KindSessionRuntimeError: the remote session failed mid-call.
	KindSessionRuntimeError

	// KindRemoteClose: the remote side ended the session. Not an error for
	// the user.
	KindRemoteClose

	// KindDecodeFailure: one inbound frame was dropped. Never reaches the
	// state machine.
	KindDecodeFailure
)

// String returns the kind's name.
func (k ErrorKind) String() string {
	switch k {
	case KindCaptureUnavailable:
		return "CaptureUnavailable"
	case KindSessionOpenFailure:
		return "SessionOpenFailure"
	case KindSessionRuntimeError:
		return "SessionRuntimeError"
	case KindRemoteClose:
		return "RemoteClose"
	case KindDecodeFailure:
		return "DecodeFailure"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindCaptureUnavailable:
		return ErrCaptureUnavailable
	case KindSessionOpenFailure:
		return ErrSessionOpenFailure
	case KindSessionRuntimeError:
		return ErrSessionRuntime
	case KindRemoteClose:
		return ErrRemoteClose
	case KindDecodeFailure:
		return ErrDecodeFailure
	default:
		return nil
	}
}

// userMessage returns the text shown to the caller for kind, or "" when
// nothing should be shown.
func userMessage(k ErrorKind) string {
	switch k {
	case KindCaptureUnavailable:
		return "Could not access microphone."
	case KindSessionOpenFailure:
		return "Could not connect to the voice agent. Please try again."
	case KindSessionRuntimeError:
		return "Connection error. Please try again."
	default:
		return ""
	}
}

// Error is a classified call failure.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Message is the user-facing text. Empty for [KindRemoteClose].
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Message: userMessage(kind), Err: cause}
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call: %s: %v", e.Kind, e.Err)
	}
	return "call: " + e.Kind.String()
}

// Unwrap returns the kind's sentinel and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
