// Package playback schedules inbound voice audio for gapless output.
//
// A [Scheduler] keeps a cursor on the output device clock. Each enqueued frame
// starts exactly where the previous one ends, or immediately if the device has
// already played past the cursor. Barge-in is handled by [Scheduler.Interrupt],
// which stops everything that is pending or playing and rewinds the cursor.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithSampleRate sets the rate assumed for frames that do not carry one.
// Defaults to [audio.PlaybackSampleRate].
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithChannels sets the channel count assumed for frames that do not carry
// one. Defaults to 1.
func WithChannels(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.channels = n
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Scheduler places decoded buffers back-to-back on an [audio.Output] and
// tracks every scheduled [audio.Voice] until it finishes or is stopped.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	out        audio.Output
	sampleRate int
	channels   int
	metrics    *observe.Metrics

	mu     sync.Mutex
	cursor time.Duration          // device time at which the next buffer starts
	active map[uint64]audio.Voice // pending or playing voices
	nextID uint64
	epoch  uint64 // bumped by every flush; stale decodes are dropped
	closed bool
}

// New returns a Scheduler rendering to out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		sampleRate: audio.PlaybackSampleRate,
		channels:   1,
		active:     make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Enqueue decodes frame and schedules it to start at max(cursor, now). The
// cursor then advances by the frame's duration.
//
// A frame that cannot be decoded is rejected with an error wrapping
// [audio.ErrMalformedPCM]; nothing is scheduled and the cursor is unchanged.
// A frame whose decode completes after an [Scheduler.Interrupt] is silently
// discarded.
func (s *Scheduler) Enqueue(frame audio.AudioFrame) error {
	s.mu.Lock()
	epoch, closed := s.epoch, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	rate, channels := frame.SampleRate, frame.Channels
	if rate <= 0 {
		rate = s.sampleRate
	}
	if channels <= 0 {
		channels = s.channels
	}
	buf, err := audio.NewBuffer(frame.Data, rate, channels)
	if err != nil {
		s.metrics.DecodeFailures.Add(context.Background(), 1)
		return fmt.Errorf("playback: decode frame: %w", err)
	}
	return s.schedule(buf, epoch)
}

// schedule places buf on the device unless a flush happened since epoch was
// read.
func (s *Scheduler) schedule(buf audio.Buffer, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.epoch != epoch {
		return nil
	}

	now := s.out.Now()
	if s.cursor > 0 && now > s.cursor {
		s.metrics.PlaybackLag.Record(context.Background(), (now - s.cursor).Seconds())
	}
	start := max(s.cursor, now)

	v, err := s.out.Play(buf, start)
	if err != nil {
		return fmt.Errorf("playback: schedule buffer at %s: %w", start, err)
	}
	s.cursor = start + buf.Duration()

	id := s.nextID
	s.nextID++
	s.active[id] = v
	go s.watch(id, v)

	s.metrics.FramesReceived.Add(context.Background(), 1)
	return nil
}

// watch removes the voice from the active set once it is done.
func (s *Scheduler) watch(id uint64, v audio.Voice) {
	<-v.Done()
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Interrupt stops every pending and playing voice, clears the active set and
// resets the cursor to zero. When Interrupt returns, every previously
// scheduled voice has been told to stop.
func (s *Scheduler) Interrupt() {
	if n := s.flush(); n > 0 {
		s.metrics.Interruptions.Add(context.Background(), 1)
	}
}

func (s *Scheduler) flush() int {
	s.mu.Lock()
	voices := make([]audio.Voice, 0, len(s.active))
	for id, v := range s.active {
		voices = append(voices, v)
		delete(s.active, id)
	}
	s.cursor = 0
	s.epoch++
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return len(voices)
}

// Close closes the output device, then stops every tracked source and
// resets the cursor. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.out.Close()
	s.flush()
	if err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// Cursor returns the device time at which the next buffer would start.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of voices that are pending or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
