// Package pipe implements the audio device interfaces over raw PCM byte
// streams. It lets voxline run against any tool that speaks signed 16-bit
// little-endian PCM on a pipe:
//
//	arecord -q -f S16_LE -r 16000 -c 1 | voxline ... | aplay -q -f S16_LE -r 24000 -c 1
//
// The [Microphone] reads from an [io.Reader]; the [Speaker] writes each
// scheduled buffer to an [io.Writer] when its wall-clock start time arrives.
// Each buffer is written whole at that moment, so [audio.Voice.Stop] only
// cancels buffers not yet written: on barge-in, audio already handed to the
// writer still plays out through whatever reads the pipe.
// [NewNullMicrophone] and [NewNullSpeaker] provide a silent source and a
// discarding sink for headless runs.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
	_ audio.Output     = (*output)(nil)
)

// defaultBlockFrames is the number of sample frames per block delivered by a
// microphone stream.
const defaultBlockFrames = 1024

// ─── Microphone ───────────────────────────────────────────────────────────────

// Option is a functional option for [Microphone].
type Option func(*Microphone)

// WithFormat sets the PCM format of the input stream. Defaults to 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(m *Microphone) { m.format = f }
}

// WithBlockFrames sets how many sample frames are read per block.
func WithBlockFrames(n int) Option {
	return func(m *Microphone) {
		if n > 0 {
			m.blockFrames = n
		}
	}
}

// Microphone reads raw s16le PCM from an [io.Reader]. The reader is shared
// across acquisitions; only one stream may be live at a time.
type Microphone struct {
	r           io.Reader
	format      audio.Format
	blockFrames int
	silent      bool

	mu   sync.Mutex
	live bool
}

// NewMicrophone returns a Microphone reading from r.
func NewMicrophone(r io.Reader, opts ...Option) *Microphone {
	m := &Microphone{
		r:           r,
		format:      audio.Format{SampleRate: audio.CaptureSampleRate, Channels: 1},
		blockFrames: defaultBlockFrames,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// NewNullMicrophone returns a Microphone that yields silence in real time.
func NewNullMicrophone(opts ...Option) *Microphone {
	m := NewMicrophone(nil, opts...)
	m.silent = true
	return m
}

// Acquire implements [audio.Microphone].
func (m *Microphone) Acquire(ctx context.Context) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.r == nil && !m.silent {
		return nil, fmt.Errorf("pipe: acquire: no input configured: %w", audio.ErrCaptureUnavailable)
	}
	if m.format.SampleRate <= 0 || m.format.Channels <= 0 {
		return nil, fmt.Errorf("pipe: acquire: invalid format %s: %w", m.format, audio.ErrCaptureUnavailable)
	}

	m.mu.Lock()
	if m.live {
		m.mu.Unlock()
		return nil, fmt.Errorf("pipe: acquire: microphone busy: %w", audio.ErrCaptureUnavailable)
	}
	m.live = true
	m.mu.Unlock()

	s := &inputStream{
		mic:     m,
		samples: make(chan []float32, 16),
		done:    make(chan struct{}),
	}
	if m.silent {
		go s.silenceLoop()
	} else {
		go s.readLoop()
	}
	return s, nil
}

func (m *Microphone) release() {
	m.mu.Lock()
	m.live = false
	m.mu.Unlock()
}

// inputStream is a live acquisition of a [Microphone].
type inputStream struct {
	mic     *Microphone
	samples chan []float32
	done    chan struct{}
	once    sync.Once
}

func (s *inputStream) Format() audio.Format      { return s.mic.format }
func (s *inputStream) Samples() <-chan []float32 { return s.samples }

// Close stops delivery and frees the microphone. A read blocked inside the
// underlying reader returns on its own; its data is discarded.
func (s *inputStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mic.release()
	})
	return nil
}

func (s *inputStream) readLoop() {
	defer close(s.samples)
	buf := make([]byte, s.mic.blockFrames*s.mic.format.Channels*2)
	for {
		n, err := io.ReadFull(s.mic.r, buf)
		if n >= 2 {
			block, decErr := audio.PCM16ToSamples(buf[:n-n%2])
			if decErr == nil && !s.deliver(block) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("pipe: microphone read failed", "err", err)
			}
			return
		}
	}
}

func (s *inputStream) silenceLoop() {
	defer close(s.samples)
	frames := s.mic.blockFrames
	interval := time.Duration(frames) * time.Second / time.Duration(s.mic.format.SampleRate)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if !s.deliver(make([]float32, frames*s.mic.format.Channels)) {
				return
			}
		}
	}
}

func (s *inputStream) deliver(block []float32) bool {
	select {
	case <-s.done:
		return false
	case s.samples <- block:
		return true
	}
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker writes scheduled buffers as raw s16le PCM to an [io.Writer].
type Speaker struct {
	w io.Writer
}

// NewSpeaker returns a Speaker writing to w.
func NewSpeaker(w io.Writer) *Speaker {
	return &Speaker{w: w}
}

// NewNullSpeaker returns a Speaker that keeps time but discards all audio.
func NewNullSpeaker() *Speaker {
	return &Speaker{w: io.Discard}
}

// Open implements [audio.Speaker]. The device clock starts at zero.
func (s *Speaker) Open(ctx context.Context, f audio.Format) (audio.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.w == nil {
		return nil, fmt.Errorf("pipe: open: no output configured: %w", audio.ErrDeviceUnavailable)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("pipe: open: invalid format %s: %w", f, audio.ErrDeviceUnavailable)
	}
	return &output{
		w:      s.w,
		format: f,
		start:  time.Now(),
		voices: make(map[*voice]struct{}),
	}, nil
}

// output schedules buffers on the wall clock.
type output struct {
	w      io.Writer
	format audio.Format
	start  time.Time

	wmu sync.Mutex // serialises writes to w

	mu     sync.Mutex
	closed bool
	voices map[*voice]struct{}
}

func (o *output) Now() time.Duration { return time.Since(o.start) }

func (o *output) Play(buf audio.Buffer, at time.Duration) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrClosed
	}

	v := &voice{out: o, done: make(chan struct{})}
	pcm := interleave(buf)
	dur := buf.Duration()
	o.voices[v] = struct{}{}

	v.mu.Lock()
	v.timer = time.AfterFunc(max(at-o.Now(), 0), func() {
		v.mu.Lock()
		if v.stopped {
			v.mu.Unlock()
			return
		}
		v.timer = time.AfterFunc(dur, func() { o.finish(v) })
		v.mu.Unlock()
		o.write(pcm)
	})
	v.mu.Unlock()
	return v, nil
}

func (o *output) write(pcm []byte) {
	o.wmu.Lock()
	defer o.wmu.Unlock()
	if _, err := o.w.Write(pcm); err != nil {
		slog.Warn("pipe: output write failed", "err", err)
	}
}

func (o *output) finish(v *voice) {
	o.forget(v)
	v.finish()
}

func (o *output) forget(v *voice) {
	o.mu.Lock()
	delete(o.voices, v)
	o.mu.Unlock()
}

func (o *output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := make([]*voice, 0, len(o.voices))
	for v := range o.voices {
		voices = append(voices, v)
	}
	clear(o.voices)
	o.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return nil
}

// voice is a buffer scheduled on an [output].
type voice struct {
	out *output

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool

	done chan struct{}
	once sync.Once
}

func (v *voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	if v.timer != nil {
		v.timer.Stop()
	}
	v.mu.Unlock()
	v.out.forget(v)
	v.finish()
}

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) finish() {
	v.once.Do(func() { close(v.done) })
}

// interleave converts per-channel float samples back to interleaved s16le.
func interleave(buf audio.Buffer) []byte {
	channels := len(buf.Channels)
	if channels == 0 {
		return nil
	}
	frames := buf.Len()
	flat := make([]float32, frames*channels)
	for ch, samples := range buf.Channels {
		for i := 0; i < frames && i < len(samples); i++ {
			flat[i*channels+ch] = samples[i]
		}
	}
	return audio.SamplesToPCM16(flat)
}
