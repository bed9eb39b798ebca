// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.InputStream], [audio.Speaker] and [audio.Output] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The mock [Output] runs on a manual clock: nothing plays until the test calls
// [Output.Advance], which completes every voice whose end time has passed.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(audio.Format{SampleRate: 16000, Channels: 1})
//	out := mock.NewOutput()
//	spk := &mock.Speaker{OpenResult: out}
//	stream, _ := mic.Acquire(ctx)
//	mic.Push(make([]float32, 4096))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone  = (*Microphone)(nil)
	_ audio.InputStream = (*InputStream)(nil)
	_ audio.Speaker     = (*Speaker)(nil)
	_ audio.Output      = (*Output)(nil)
	_ audio.Voice       = (*Voice)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Sample blocks
// pushed with [Microphone.Push] are delivered on the live stream.
type Microphone struct {
	mu sync.Mutex

	// AcquireError is returned by Acquire when non-nil.
	AcquireError error

	// StreamFormat is the format reported by acquired streams.
	StreamFormat audio.Format

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// CallCountRelease records how many times a stream was closed.
	CallCountRelease int

	stream *InputStream
}

// NewMicrophone returns a Microphone producing blocks in format f.
func NewMicrophone(f audio.Format) *Microphone {
	return &Microphone{StreamFormat: f}
}

// Acquire implements [audio.Microphone]. Fails with AcquireError or when a
// stream is already live.
func (m *Microphone) Acquire(ctx context.Context) (audio.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountAcquire++
	if m.AcquireError != nil {
		return nil, m.AcquireError
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.stream != nil {
		return nil, audio.ErrCaptureUnavailable
	}
	s := &InputStream{
		mic:     m,
		format:  m.StreamFormat,
		samples: make(chan []float32, 64),
	}
	m.stream = s
	return s, nil
}

// Push delivers one sample block to the live stream. It reports false when no
// stream is live.
func (m *Microphone) Push(block []float32) bool {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return s.push(block)
}

// Live reports whether a stream is currently acquired.
func (m *Microphone) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Releases returns CallCountRelease under the lock.
func (m *Microphone) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountRelease
}

func (m *Microphone) release(s *InputStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountRelease++
	if m.stream == s {
		m.stream = nil
	}
}

// InputStream is the stream returned by [Microphone.Acquire].
type InputStream struct {
	mic     *Microphone
	format  audio.Format
	samples chan []float32

	mu     sync.Mutex
	closed bool
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Samples implements [audio.InputStream].
func (s *InputStream) Samples() <-chan []float32 { return s.samples }

// Close implements [audio.InputStream]. Idempotent.
func (s *InputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.samples)
	s.mu.Unlock()

	s.mic.release(s)
	return nil
}

func (s *InputStream) push(block []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.samples <- block
	return true
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Speaker.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format
}

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenResult is returned by Open. When nil a fresh [Output] is created.
	OpenResult *Output

	// OpenError is returned by Open when non-nil.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, f audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Format: f})
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	if s.OpenResult == nil {
		s.OpenResult = NewOutput()
	}
	return s.OpenResult, nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Output.Play] invocation.
type PlayCall struct {
	// At is the requested device start time.
	At time.Duration

	// Duration is the play time of the scheduled buffer.
	Duration time.Duration

	// Voice is the handle returned for this call.
	Voice *Voice
}

// Output is a mock implementation of [audio.Output] driven by a manual clock.
type Output struct {
	mu sync.Mutex

	// PlayError is returned by Play when non-nil.
	PlayError error

	// PlayCalls records all Play invocations.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now time.Duration
}

// NewOutput returns an Output whose clock starts at zero.
func NewOutput() *Output {
	return &Output{}
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.Output]. The voice completes once the clock passes
// max(at, Now()) + buf.Duration().
func (o *Output) Play(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	start := max(at, o.now)
	v := &Voice{end: start + buf.Duration(), done: make(chan struct{})}
	o.PlayCalls = append(o.PlayCalls, PlayCall{At: at, Duration: buf.Duration(), Voice: v})
	return v, nil
}

// Close implements [audio.Output]. It stops every voice still pending.
func (o *Output) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	calls := append([]PlayCall(nil), o.PlayCalls...)
	o.mu.Unlock()
	for _, c := range calls {
		c.Voice.Stop()
	}
	return nil
}

// Advance moves the clock forward by d and completes every voice whose end
// time is at or before the new time.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	calls := append([]PlayCall(nil), o.PlayCalls...)
	o.mu.Unlock()
	for _, c := range calls {
		if c.Voice.end <= now {
			c.Voice.finish()
		}
	}
}

// Calls returns a snapshot of PlayCalls.
func (o *Output) Calls() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PlayCall(nil), o.PlayCalls...)
}

// Closes returns CallCountClose under the lock.
func (o *Output) Closes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose
}

// Voice is the handle returned by [Output.Play].
type Voice struct {
	end  time.Duration
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	stopped bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.finish()
}

// Done implements [audio.Voice].
func (v *Voice) Done() <-chan struct{} { return v.done }

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) finish() {
	v.once.Do(func() { close(v.done) })
}
