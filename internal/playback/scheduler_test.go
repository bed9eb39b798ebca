package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/playback"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/mock"
)

// frameOf returns a 24 kHz mono frame lasting d.
func frameOf(d time.Duration) audio.AudioFrame {
	samples := int(d * audio.PlaybackSampleRate / time.Second)
	return audio.AudioFrame{
		Data:       make([]byte, 2*samples),
		SampleRate: audio.PlaybackSampleRate,
		Channels:   1,
	}
}

// waitActive polls until s.Active() == want or the deadline passes.
func waitActive(t *testing.T, s *playback.Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Active() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Active() = %d, want %d", s.Active(), want)
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)

	for range 3 {
		if err := s.Enqueue(frameOf(200 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	calls := out.Calls()
	want := []time.Duration{0, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(calls) != len(want) {
		t.Fatalf("Play calls = %d, want %d", len(calls), len(want))
	}
	for i, c := range calls {
		if c.At != want[i] {
			t.Errorf("call %d at %s, want %s", i, c.At, want[i])
		}
		if i > 0 && c.At != calls[i-1].At+calls[i-1].Duration {
			t.Errorf("gap between call %d and %d", i-1, i)
		}
	}
	if got := s.Cursor(); got != 600*time.Millisecond {
		t.Errorf("Cursor = %s, want 600ms", got)
	}
	if got := s.Active(); got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestScheduler_LateFrameStartsNow(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)

	if err := s.Enqueue(frameOf(200 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	out.Advance(500 * time.Millisecond)
	if err := s.Enqueue(frameOf(100 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	calls := out.Calls()
	if got := calls[1].At; got != 500*time.Millisecond {
		t.Errorf("late frame at %s, want 500ms", got)
	}
	if got := s.Cursor(); got != 600*time.Millisecond {
		t.Errorf("Cursor = %s, want 600ms", got)
	}
}

func TestScheduler_Interrupt(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)

	for range 3 {
		if err := s.Enqueue(frameOf(200 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	out.Advance(100 * time.Millisecond)

	s.Interrupt()

	if got := s.Active(); got != 0 {
		t.Errorf("Active after Interrupt = %d, want 0", got)
	}
	if got := s.Cursor(); got != 0 {
		t.Errorf("Cursor after Interrupt = %s, want 0", got)
	}
	for i, c := range out.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
	}

	// The next frame starts at the current device time.
	if err := s.Enqueue(frameOf(200 * time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	calls := out.Calls()
	if got := calls[len(calls)-1].At; got != 100*time.Millisecond {
		t.Errorf("post-interrupt frame at %s, want 100ms", got)
	}
}

func TestScheduler_FinishedVoicesLeaveActiveSet(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)

	_ = s.Enqueue(frameOf(200 * time.Millisecond))
	_ = s.Enqueue(frameOf(200 * time.Millisecond))

	out.Advance(200 * time.Millisecond)
	waitActive(t, s, 1)

	out.Advance(200 * time.Millisecond)
	waitActive(t, s, 0)

	// Natural completion does not rewind the cursor.
	if got := s.Cursor(); got != 400*time.Millisecond {
		t.Errorf("Cursor = %s, want 400ms", got)
	}
}

func TestScheduler_MalformedFrame(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)

	_ = s.Enqueue(frameOf(200 * time.Millisecond))
	err := s.Enqueue(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: audio.PlaybackSampleRate, Channels: 1})
	if !errors.Is(err, audio.ErrMalformedPCM) {
		t.Fatalf("Enqueue(odd bytes) error = %v, want ErrMalformedPCM", err)
	}
	if got := len(out.Calls()); got != 1 {
		t.Errorf("Play calls = %d, want 1", got)
	}
	if got := s.Cursor(); got != 200*time.Millisecond {
		t.Errorf("Cursor = %s, want 200ms", got)
	}

	// The next good frame still lines up.
	_ = s.Enqueue(frameOf(200 * time.Millisecond))
	calls := out.Calls()
	if got := calls[len(calls)-1].At; got != 200*time.Millisecond {
		t.Errorf("next frame at %s, want 200ms", got)
	}
}

func TestScheduler_DefaultsForBareFrames(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out, playback.WithSampleRate(16000), playback.WithChannels(1))

	// 3200 bytes = 1600 samples = 100 ms at 16 kHz.
	if err := s.Enqueue(audio.AudioFrame{Data: make([]byte, 3200)}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := out.Calls()[0].Duration; got != 100*time.Millisecond {
		t.Errorf("Duration = %s, want 100ms", got)
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := playback.New(out)
	_ = s.Enqueue(frameOf(200 * time.Millisecond))

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := out.Closes(); got != 1 {
		t.Errorf("output closed %d times, want 1", got)
	}
	if s.Active() != 0 || s.Cursor() != 0 {
		t.Errorf("after Close: active=%d cursor=%s", s.Active(), s.Cursor())
	}
	if err := s.Enqueue(frameOf(200 * time.Millisecond)); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrClosed", err)
	}
}

// closeOrderOutput records how many voices were already stopped when the
// device itself was closed.
type closeOrderOutput struct {
	*mock.Output
	stoppedAtClose int
}

func (o *closeOrderOutput) Close() error {
	for _, c := range o.Calls() {
		if c.Voice.Stopped() {
			o.stoppedAtClose++
		}
	}
	return o.Output.Close()
}

func TestScheduler_Close_DeviceBeforeSources(t *testing.T) {
	t.Parallel()

	out := &closeOrderOutput{Output: mock.NewOutput()}
	s := playback.New(out)
	for range 2 {
		if err := s.Enqueue(frameOf(200 * time.Millisecond)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if out.stoppedAtClose != 0 {
		t.Errorf("%d voices stopped before the device closed, want 0", out.stoppedAtClose)
	}
	for i, c := range out.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d still playing after Close", i)
		}
	}
	if s.Active() != 0 || s.Cursor() != 0 {
		t.Errorf("after Close: active=%d cursor=%s", s.Active(), s.Cursor())
	}
}

func TestScheduler_PlayError(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	out.PlayError = audio.ErrDeviceUnavailable
	s := playback.New(out)

	if err := s.Enqueue(frameOf(200 * time.Millisecond)); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("Enqueue error = %v, want ErrDeviceUnavailable", err)
	}
	if s.Cursor() != 0 || s.Active() != 0 {
		t.Errorf("state changed after failed Play: cursor=%s active=%d", s.Cursor(), s.Active())
	}
}
