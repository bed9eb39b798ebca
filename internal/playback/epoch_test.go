package playback

import (
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/mock"
)

func TestSchedule_StaleDecodeDiscarded(t *testing.T) {
	t.Parallel()

	out := mock.NewOutput()
	s := New(out)

	buf, err := audio.NewBuffer(make([]byte, 9600), audio.PlaybackSampleRate, 1)
	if err != nil {
		t.Fatalf("NewBuffer: %v", err)
	}

	s.mu.Lock()
	stale := s.epoch
	s.mu.Unlock()

	// A barge-in lands while the frame is being decoded.
	s.Interrupt()

	if err := s.schedule(buf, stale); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := len(out.Calls()); got != 0 {
		t.Errorf("stale buffer played: %d Play calls", got)
	}
	if got := s.Cursor(); got != 0 {
		t.Errorf("Cursor = %s, want 0", got)
	}

	s.mu.Lock()
	current := s.epoch
	s.mu.Unlock()
	if err := s.schedule(buf, current); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := s.Cursor(); got != 200*time.Millisecond {
		t.Errorf("Cursor = %s, want 200ms", got)
	}
}
