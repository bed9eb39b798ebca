// Package audio defines the audio primitives and device abstractions used by
// the voxline call pipeline.
//
// The device interfaces are deliberately narrow:
//
//   - [Microphone] is an exclusive capture resource. Acquiring it yields an
//     [InputStream], a lazy, non-restartable sequence of sample blocks.
//   - [Speaker] opens an [Output], which exposes a device clock and accepts
//     buffers scheduled at absolute device-clock times.
//
// Backends live in sub-packages (audio/pipe for raw PCM over files, pipes or
// stdio; audio/mock for tests). The package also holds the PCM codec and the
// format conversion helpers.
package audio

import (
	"context"
	"errors"
	"time"
)

// Acquisition errors. Backends wrap one of these so callers can classify a
// failure with [errors.Is] without knowing the backend.
var (
	// ErrCaptureUnavailable reports that no capture device could be opened.
	ErrCaptureUnavailable = errors.New("audio: capture unavailable")

	// ErrPermissionDenied reports that access to a device was refused.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable reports a missing or busy output device.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrClosed is returned by operations on a released device.
	ErrClosed = errors.New("audio: device closed")
)

// Microphone is an exclusive capture resource.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Acquire opens the device and starts capturing. Only one stream may be
	// live at a time; a second Acquire before the first stream is closed must
	// fail with an error wrapping [ErrCaptureUnavailable].
	Acquire(ctx context.Context) (InputStream, error)
}

// InputStream is a live capture stream. The sequence it yields cannot be
// restarted: after Close, acquire the microphone again.
type InputStream interface {
	// Format reports the native format of the sample blocks.
	Format() Format

	// Samples returns the channel of interleaved float sample blocks. The
	// channel is closed when the stream ends or is closed.
	Samples() <-chan []float32

	// Close stops capturing and releases the device. Idempotent.
	Close() error
}

// Speaker opens output devices.
type Speaker interface {
	// Open opens an output device rendering audio in format f.
	Open(ctx context.Context, f Format) (Output, error)
}

// Output is an open playback device with its own clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current device-clock time. The clock starts at zero when
	// the device is opened and never runs backwards.
	Now() time.Duration

	// Play schedules buf to start exactly at device time at. If at is already
	// in the past the buffer starts immediately.
	Play(buf Buffer, at time.Duration) (Voice, error)

	// Close stops all scheduled audio and releases the device. Idempotent.
	Close() error
}

// Voice is a handle to one scheduled buffer.
type Voice interface {
	// Stop force-stops the buffer whether it is pending or playing. Stopping
	// a finished voice is a no-op.
	Stop()

	// Done is closed once the buffer finished naturally or was stopped.
	Done() <-chan struct{}
}
