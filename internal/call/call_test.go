package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/agent"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/audio"
	audiomock "github.com/MrWong99/voxline/pkg/audio/mock"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voxline/pkg/provider/s2s/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type stateChange struct {
	state State
	err   *Error
}

// recorder is an Observer that records everything it is told.
type recorder struct {
	mu     sync.Mutex
	states []stateChange
	items  []transcript.Item
	levels []float64
}

func (r *recorder) OnState(s State, err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, stateChange{s, err})
}

func (r *recorder) OnTranscript(items []transcript.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, items...)
}

func (r *recorder) OnLevel(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.levels = append(r.levels, v)
}

func (r *recorder) stateList() []stateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stateChange(nil), r.states...)
}

func (r *recorder) itemList() []transcript.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Item(nil), r.items...)
}

func (r *recorder) levelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.levels)
}

type harness struct {
	m    *Manager
	prov *s2smock.Provider
	sess *s2smock.Session
	mic  *audiomock.Microphone
	out  *audiomock.Output
	obs  *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	catalog, err := agent.NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	h := &harness{
		sess: s2smock.NewSession(),
		mic:  audiomock.NewMicrophone(audio.Format{SampleRate: 16000, Channels: 1}),
		out:  audiomock.NewOutput(),
		obs:  &recorder{},
	}
	h.prov = &s2smock.Provider{Session: h.sess}
	h.m = NewManager(Config{
		Provider:     h.prov,
		ProviderName: "mock",
		Microphone:   h.mic,
		Speaker:      &audiomock.Speaker{OpenResult: h.out},
		Agents:       catalog,
		Observer:     h.obs,
		FrameSize:    160,
	})
	t.Cleanup(h.m.StopCall)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.m.StartCall(context.Background(), agent.ServiceID); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
}

// active returns the resources of the running call.
func (h *harness) active(t *testing.T) *activeCall {
	t.Helper()
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.m.call == nil {
		t.Fatal("no active call")
	}
	return h.m.call
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func audioEvent(d time.Duration) s2s.Event {
	samples := int(d * audio.PlaybackSampleRate / time.Second)
	return s2s.Event{
		Kind:  s2s.EventAudio,
		Audio: audio.AudioFrame{Data: make([]byte, 2*samples), SampleRate: audio.PlaybackSampleRate, Channels: 1},
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStartCall_BecomesActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	if got := h.m.State(); got != StateActive {
		t.Fatalf("State = %s, want active", got)
	}
	calls := h.prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	if calls[0].Cfg.Voice.ID != "Kore" {
		t.Errorf("voice = %q, want Kore", calls[0].Cfg.Voice.ID)
	}
	if !calls[0].Cfg.Transcription.Input || !calls[0].Cfg.Transcription.Output {
		t.Error("transcription not requested in both directions")
	}

	greetings := h.sess.Greeted()
	if len(greetings) != 1 || !strings.Contains(greetings[0], "Busy Bee Moving and Storage") {
		t.Errorf("greetings = %q, want the opening line", greetings)
	}

	states := h.obs.stateList()
	if len(states) != 2 || states[0].state != StateConnecting || states[1].state != StateActive {
		t.Errorf("observed states = %+v, want connecting, active", states)
	}

	snap := h.m.Snapshot()
	if snap.Agent != agent.ServiceID || snap.CallID == "" || snap.Error != "" {
		t.Errorf("Snapshot = %+v", snap)
	}
	if !h.mic.Live() {
		t.Error("microphone not acquired")
	}
}

func TestStartCall_SecondStartRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	err := h.m.StartCall(context.Background(), agent.EmergencyID)
	if !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second StartCall = %v, want ErrCallInProgress", err)
	}
	if got := len(h.prov.Calls()); got != 1 {
		t.Errorf("Connect calls = %d, want 1", got)
	}
	if h.m.Snapshot().Agent != agent.ServiceID {
		t.Error("rejected start changed the agent")
	}
}

func TestStartCall_UnknownAgent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.m.StartCall(context.Background(), "nobody"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("StartCall = %v, want ErrUnknownAgent", err)
	}
	if h.m.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.m.State())
	}
}

func TestStartCall_CaptureUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.AcquireError = audio.ErrPermissionDenied

	err := h.m.StartCall(context.Background(), agent.ServiceID)
	if !errors.Is(err, ErrCaptureUnavailable) {
		t.Fatalf("StartCall = %v, want ErrCaptureUnavailable", err)
	}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Errorf("StartCall = %v, want it to wrap the device error", err)
	}
	var ce *Error
	if !errors.As(err, &ce) || ce.Message != "Could not access microphone." {
		t.Errorf("error = %#v, want microphone message", err)
	}

	if h.m.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.m.State())
	}
	if got := h.m.Snapshot().Error; got != "Could not access microphone." {
		t.Errorf("Snapshot error = %q", got)
	}
	for i, s := range h.prov.Sessions {
		if !s.IsClosed() {
			t.Errorf("session %d left open", i)
		}
	}
	if opened := len(h.out.Calls()); opened != 0 {
		t.Errorf("playback started: %d Play calls", opened)
	}

	last := h.obs.stateList()
	if final := last[len(last)-1]; final.state != StateIdle || final.err == nil || final.err.Kind != KindCaptureUnavailable {
		t.Errorf("final observed state = %+v", final)
	}
}

func TestStartCall_SessionOpenFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.ConnectErr = errors.New("dial tcp: connection refused")

	err := h.m.StartCall(context.Background(), agent.ServiceID)
	if !errors.Is(err, ErrSessionOpenFailure) {
		t.Fatalf("StartCall = %v, want ErrSessionOpenFailure", err)
	}
	if got := h.m.Snapshot().Error; got != "Could not connect to the voice agent. Please try again." {
		t.Errorf("Snapshot error = %q", got)
	}
	if h.mic.Live() {
		t.Error("microphone still held after failed start")
	}
	if h.m.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.m.State())
	}

	// Reconnect is just another start from Idle.
	h.prov.ConnectErr = nil
	h.start(t)
	if h.m.Snapshot().Error != "" {
		t.Error("error message survived a new start")
	}
}

func TestStopCall_WhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.prov.ConnectGate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.m.StartCall(context.Background(), agent.ServiceID) }()

	waitFor(t, "connect attempt", func() bool { return len(h.prov.Calls()) == 1 })
	if h.m.State() != StateConnecting {
		t.Fatalf("State = %s, want connecting", h.m.State())
	}

	h.m.StopCall()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("StartCall = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("StartCall did not return after StopCall")
	}
	if h.m.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.m.State())
	}
	waitFor(t, "microphone release", func() bool { return !h.mic.Live() })
	if h.m.Snapshot().Error != "" {
		t.Error("user stop surfaced an error")
	}
}

// slowProvider blocks its first Connect until gate closes, ignoring ctx
// cancellation. Later connects succeed at once.
type slowProvider struct {
	gate chan struct{}

	mu       sync.Mutex
	sessions []*s2smock.Session
}

func (p *slowProvider) Connect(context.Context, s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	first := len(p.sessions) == 0
	sess := s2smock.NewSession()
	p.sessions = append(p.sessions, sess)
	p.mu.Unlock()
	if first {
		<-p.gate
	}
	return sess, nil
}

func (p *slowProvider) Capabilities() s2s.Capabilities { return s2s.Capabilities{} }

func (p *slowProvider) session(i int) *s2smock.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.sessions) {
		return nil
	}
	return p.sessions[i]
}

func TestStopCall_WhileConnecting_NoOverlap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	prov := &slowProvider{gate: make(chan struct{})}
	h.m = NewManager(Config{
		Provider:   prov,
		Microphone: h.mic,
		Speaker:    &audiomock.Speaker{OpenResult: h.out},
		Agents:     h.m.agents,
		Observer:   h.obs,
		FrameSize:  160,
	})
	t.Cleanup(h.m.StopCall)

	done := make(chan error, 1)
	go func() { done <- h.m.StartCall(context.Background(), agent.ServiceID) }()
	waitFor(t, "connect attempt", func() bool { return prov.session(0) != nil })

	h.m.StopCall()

	if got := h.m.State(); got != StateConnecting {
		t.Fatalf("State after stop = %s, want connecting until the attempt unwinds", got)
	}
	if err := h.m.StartCall(context.Background(), agent.ServiceID); !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("second StartCall = %v, want ErrCallInProgress", err)
	}
	if n := h.out.Closes(); n != 0 {
		t.Fatalf("output closed %d times before the attempt returned", n)
	}

	close(prov.gate)
	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("first StartCall = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first StartCall did not return")
	}
	if h.m.State() != StateIdle {
		t.Fatalf("State = %s, want idle", h.m.State())
	}
	if n := h.out.Closes(); n != 1 {
		t.Errorf("output closes = %d, want 1", n)
	}
	if !prov.session(0).IsClosed() {
		t.Error("late session was not closed")
	}
	if h.mic.Live() {
		t.Error("microphone still held")
	}

	if err := h.m.StartCall(context.Background(), agent.ServiceID); err != nil {
		t.Fatalf("StartCall after release: %v", err)
	}
	if h.m.State() != StateActive {
		t.Errorf("State = %s, want active", h.m.State())
	}
}

// ── Stop and teardown ────────────────────────────────────────────────────────

func TestStopCall_ReleasesEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	ac := h.active(t)

	for range 3 {
		h.sess.Emit(audioEvent(200 * time.Millisecond))
	}
	waitFor(t, "three scheduled frames", func() bool { return len(h.out.Calls()) == 3 })

	h.m.StopCall()

	if h.m.State() != StateIdle {
		t.Errorf("State = %s, want idle", h.m.State())
	}
	if ac.ctrl.Live() {
		t.Error("session handle still attached")
	}
	if !h.sess.IsClosed() {
		t.Error("session not closed")
	}
	if h.mic.Live() {
		t.Error("microphone not released")
	}
	if got := ac.sched.Active(); got != 0 {
		t.Errorf("active sources = %d, want 0", got)
	}
	if got := ac.sched.Cursor(); got != 0 {
		t.Errorf("cursor = %s, want 0", got)
	}
	if got := h.out.Closes(); got != 1 {
		t.Errorf("output closed %d times, want 1", got)
	}
	for i, c := range h.out.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d still playing", i)
		}
	}
	if h.m.Snapshot().Error != "" {
		t.Error("user stop surfaced an error")
	}

	// Idempotent.
	h.m.StopCall()
	if got := h.sess.Closes(); got != 1 {
		t.Errorf("session closed %d times, want 1", got)
	}
}

func TestStopCall_RacesRemoteError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.m.StopCall()
	}()
	go func() {
		defer wg.Done()
		h.sess.Emit(s2s.Event{Kind: s2s.EventError, Err: errors.New("socket reset")})
	}()
	wg.Wait()

	waitFor(t, "idle", func() bool { return h.m.State() == StateIdle })
	// Give a late error dispatch time to run its (no-op) teardown.
	time.Sleep(20 * time.Millisecond)

	if got := h.sess.Closes(); got != 1 {
		t.Errorf("session closed %d times, want 1", got)
	}
	if got := h.mic.Releases(); got != 1 {
		t.Errorf("microphone released %d times, want 1", got)
	}
	if got := h.out.Closes(); got != 1 {
		t.Errorf("output closed %d times, want 1", got)
	}

	idle := 0
	for _, s := range h.obs.stateList() {
		if s.state == StateIdle {
			idle++
		}
	}
	if idle != 1 {
		t.Errorf("observed %d transitions to idle, want 1", idle)
	}
}

func TestRemoteError_SurfacesMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.Emit(s2s.Event{Kind: s2s.EventError, Err: errors.New("quota exceeded")})
	waitFor(t, "idle", func() bool { return h.m.State() == StateIdle })

	if got := h.m.Snapshot().Error; got != "Connection error. Please try again." {
		t.Errorf("Snapshot error = %q", got)
	}
	if !h.sess.IsClosed() || h.mic.Live() {
		t.Error("resources not released after remote error")
	}

	var sawError bool
	for _, s := range h.obs.stateList() {
		if s.state == StateError {
			sawError = true
			if !errors.Is(s.err, ErrSessionRuntime) {
				t.Errorf("error state carries %v", s.err)
			}
		}
	}
	if !sawError {
		t.Error("error state never observed")
	}
}

func TestRemoteClose_IsNotAnError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.End(s2s.Event{Kind: s2s.EventClose})
	waitFor(t, "idle", func() bool { return h.m.State() == StateIdle })

	if got := h.m.Snapshot().Error; got != "" {
		t.Errorf("Snapshot error = %q, want none", got)
	}
	waitFor(t, "microphone release", func() bool { return !h.mic.Live() })
	for _, s := range h.obs.stateList() {
		if s.state == StateError {
			t.Error("remote close went through the error state")
		}
	}
}

// ── Streaming ─────────────────────────────────────────────────────────────────

func TestCall_CaptureFramesReachSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.mic.Push(make([]float32, 320))
	waitFor(t, "two frames", func() bool { return len(h.sess.Frames()) == 2 })

	f := h.sess.Frames()[0]
	if f.SampleRate != audio.CaptureSampleRate || len(f.Data) != 320 {
		t.Errorf("frame = %d Hz, %d bytes", f.SampleRate, len(f.Data))
	}
	waitFor(t, "level updates", func() bool { return h.obs.levelCount() > 0 })
}

func TestCall_DecodeFailureDropsOneFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: audio.PlaybackSampleRate, Channels: 1}})
	h.sess.Emit(audioEvent(200 * time.Millisecond))

	waitFor(t, "good frame", func() bool { return len(h.out.Calls()) == 1 })
	if got := h.out.Calls()[0].At; got != 0 {
		t.Errorf("good frame at %s, want 0", got)
	}
	if h.m.State() != StateActive {
		t.Errorf("State = %s, want active", h.m.State())
	}
}

func TestCall_BargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	ac := h.active(t)

	h.sess.Emit(audioEvent(200 * time.Millisecond))
	h.sess.Emit(audioEvent(200 * time.Millisecond))
	waitFor(t, "scheduled frames", func() bool { return len(h.out.Calls()) == 2 })

	h.sess.Emit(s2s.Event{Kind: s2s.EventInterrupted})
	waitFor(t, "flush", func() bool { return ac.sched.Active() == 0 && ac.sched.Cursor() == 0 })

	for i, c := range h.out.Calls() {
		if !c.Voice.Stopped() {
			t.Errorf("voice %d still playing after barge-in", i)
		}
	}
}

func TestCall_TranscriptItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.sess.Emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleCaller, Text: "Hi"})
	h.sess.Emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleCaller, Text: "there"})
	h.sess.Emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleAgent, Text: " Hello! "})
	h.sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})

	waitFor(t, "transcript", func() bool { return len(h.obs.itemList()) == 2 })
	items := h.obs.itemList()
	if items[0].Role != s2s.RoleCaller || items[0].Text != "Hithere" {
		t.Errorf("items[0] = %+v", items[0])
	}
	if items[1].Role != s2s.RoleAgent || items[1].Text != "Hello!" {
		t.Errorf("items[1] = %+v", items[1])
	}

	// An empty turn emits nothing.
	h.sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	h.sess.Emit(s2s.Event{Kind: s2s.EventTranscript, Role: s2s.RoleCaller, Text: "ok"})
	h.sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	waitFor(t, "third item", func() bool { return len(h.obs.itemList()) == 3 })
}

// ── Errors ────────────────────────────────────────────────────────────────────

func TestError_Classification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind     ErrorKind
		sentinel error
		message  string
	}{
		{KindCaptureUnavailable, ErrCaptureUnavailable, "Could not access microphone."},
		{KindSessionOpenFailure, ErrSessionOpenFailure, "Could not connect to the voice agent. Please try again."},
		{KindSessionRuntimeError, ErrSessionRuntime, "Connection error. Please try again."},
		{KindRemoteClose, ErrRemoteClose, ""},
		{KindDecodeFailure, ErrDecodeFailure, ""},
	}
	cause := errors.New("cause")
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			e := newError(tt.kind, cause)
			if !errors.Is(e, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", e)
			}
			if !errors.Is(e, cause) {
				t.Errorf("errors.Is(%v, cause) = false", e)
			}
			if e.Message != tt.message {
				t.Errorf("Message = %q, want %q", e.Message, tt.message)
			}
		})
	}
}

func TestController_SendAfterDetach(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	ac := h.active(t)

	if err := ac.ctrl.Send(audio.AudioFrame{Data: make([]byte, 4)}); err != nil {
		t.Fatalf("Send while live: %v", err)
	}
	h.m.StopCall()
	if err := ac.ctrl.Send(audio.AudioFrame{Data: make([]byte, 4)}); !errors.Is(err, ErrNotActive) {
		t.Errorf("Send after stop = %v, want ErrNotActive", err)
	}
}
