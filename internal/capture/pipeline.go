// Package capture turns a live microphone stream into fixed-size outbound
// voice frames.
//
// The [Pipeline] downmixes and resamples whatever the device delivers to
// 16 kHz mono, slices the result into frames of exactly [DefaultFrameSize]
// samples (or the size set with [WithFrameSize]), encodes each frame as 16-bit
// PCM and hands it to a send function in capture order. A loudness level per
// frame is published for the UI without ever blocking the audio path.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
)

// DefaultFrameSize is the number of 16 kHz samples per outbound frame
// (256 ms).
const DefaultFrameSize = 4096

// ErrStopped is returned by [Pipeline.Acquire] after [Pipeline.Stop].
var ErrStopped = errors.New("capture: pipeline stopped")

// Option configures a [Pipeline] during construction.
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per outbound frame. Non-positive
// values are ignored.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithLevelFunc registers fn to receive the loudness of each frame on a 0..100
// scale. fn runs on its own goroutine; if it falls behind, intermediate
// values are dropped.
func WithLevelFunc(fn func(float64)) Option {
	return func(p *Pipeline) {
		p.level = fn
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pipeline streams one microphone acquisition. A Pipeline is single-use:
// after [Pipeline.Stop] create a new one.
type Pipeline struct {
	frameSize int
	level     func(float64)
	metrics   *observe.Metrics

	mu      sync.Mutex
	stream  audio.InputStream
	cancel  context.CancelFunc
	stopped bool
}

// New returns a Pipeline configured by opts.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{frameSize: DefaultFrameSize}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Acquire opens mic and keeps the stream so that [Pipeline.Stop] releases it.
// Every acquisition failure is reported as an error wrapping
// [audio.ErrCaptureUnavailable].
func (p *Pipeline) Acquire(ctx context.Context, mic audio.Microphone) (audio.InputStream, error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	stream, err := mic.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, audio.ErrCaptureUnavailable) {
			err = fmt.Errorf("%w: %w", audio.ErrCaptureUnavailable, err)
		}
		return nil, fmt.Errorf("capture: acquire microphone: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		_ = stream.Close()
		return nil, ErrStopped
	}
	p.stream = stream
	return stream, nil
}

// Run consumes stream until it ends, ctx is cancelled or the pipeline is
// stopped. Frames are delivered to send sequentially in capture order. A send
// error is logged and only that frame is dropped.
func (p *Pipeline) Run(ctx context.Context, stream audio.InputStream, send func(audio.AudioFrame) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.cancel = cancel
	p.mu.Unlock()

	levels := p.startLevelMailbox()
	defer close(levels)

	f := stream.Format()
	pending := make([]float32, 0, 2*p.frameSize)
	var sent int64 // samples sent so far, for timestamps

	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-stream.Samples():
			if !ok {
				return nil
			}
			pending = append(pending, p.normalise(block, f)...)
			for len(pending) >= p.frameSize {
				if p.isStopped() {
					return nil
				}
				samples := pending[:p.frameSize]
				frame := audio.AudioFrame{
					Data:       audio.SamplesToPCM16(samples),
					SampleRate: audio.CaptureSampleRate,
					Channels:   1,
					Timestamp:  time.Duration(sent * int64(time.Second) / audio.CaptureSampleRate),
				}
				publishLevel(levels, Level(samples))
				if err := send(frame); err != nil {
					slog.Warn("capture: dropping frame", "timestamp", frame.Timestamp, "err", err)
				} else {
					p.metrics.FramesSent.Add(ctx, 1)
				}
				sent += int64(p.frameSize)
				pending = append(pending[:0], pending[p.frameSize:]...)
			}
		}
	}
}

// normalise converts a native block to 16 kHz mono.
func (p *Pipeline) normalise(block []float32, f audio.Format) []float32 {
	mono := block
	if f.Channels > 1 {
		mono = audio.DownmixToMono(block, f.Channels)
	}
	if f.SampleRate > 0 && f.SampleRate != audio.CaptureSampleRate {
		mono = audio.ResampleFloat(mono, f.SampleRate, audio.CaptureSampleRate)
	}
	return mono
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop halts sending and releases the microphone. Idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	stream, cancel := p.stream, p.cancel
	p.stream, p.cancel = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			return fmt.Errorf("capture: release microphone: %w", err)
		}
	}
	return nil
}

// ── Level meter ───────────────────────────────────────────────────────────────

// Level returns the root-mean-square amplitude of samples scaled to 0..100.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return math.Min(100, rms*100)
}

// startLevelMailbox starts the goroutine that delivers levels to the level
// func. The returned channel holds at most one value; closing it stops the
// goroutine.
func (p *Pipeline) startLevelMailbox() chan float64 {
	box := make(chan float64, 1)
	if p.level == nil {
		go func() {
			for range box {
			}
		}()
		return box
	}
	go func() {
		for v := range box {
			p.deliverLevel(v)
		}
	}()
	return box
}

func (p *Pipeline) deliverLevel(v float64) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("capture: level consumer panicked", "panic", r)
		}
	}()
	p.level(v)
}

// publishLevel replaces whatever is waiting in box with v.
func publishLevel(box chan float64, v float64) {
	for {
		select {
		case box <- v:
			return
		default:
		}
		select {
		case <-box:
		default:
		}
	}
}
