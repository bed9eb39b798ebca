// Package call runs voice calls: it acquires the microphone, the output
// device and a remote voice session, wires them together through a
// [Controller], and tears everything down again.
//
// [Manager] is the call state machine. Only one call runs at a time. Every
// resource a call holds is owned by the Manager for the lifetime of that call
// and released exactly once, whichever of user stop, remote close or remote
// error comes first.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxline/internal/agent"
	"github.com/MrWong99/voxline/internal/capture"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/playback"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// Observer receives call updates. Methods are called outside the manager's
// lock and may call back into the [Manager].
type Observer interface {
	// OnState reports a state change. err is set when the call failed and the
	// caller should see err.Message.
	OnState(state State, err *Error)

	// OnTranscript reports the items finished by one turn.
	OnTranscript(items []transcript.Item)

	// OnLevel reports the microphone level on a 0..100 scale.
	OnLevel(level float64)
}

// AgentSource looks up agents by ID. [*agent.Catalog] satisfies it.
type AgentSource interface {
	Lookup(id string) (agent.Config, bool)
}

var _ AgentSource = (*agent.Catalog)(nil)

// Snapshot is a point-in-time view of the manager.
type Snapshot struct {
	State  State   `json:"state"`
	CallID string  `json:"call_id,omitempty"`
	Agent  string  `json:"agent,omitempty"`
	Error  string  `json:"error,omitempty"`
	Level  float64 `json:"level"`
}

// Config holds the dependencies of a [Manager].
type Config struct {
	// Provider opens remote voice sessions. Required.
	Provider s2s.Provider

	// ProviderName labels metrics and logs.
	ProviderName string

	// Microphone is the capture device. Required.
	Microphone audio.Microphone

	// Speaker opens the playback device. Required.
	Speaker audio.Speaker

	// Agents resolves agent IDs. Required.
	Agents AgentSource

	// Observer receives updates. Optional.
	Observer Observer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// FrameSize is the outbound frame size in samples. Defaults to
	// [capture.DefaultFrameSize].
	FrameSize int
}

// Manager is the call state machine. All exported methods are safe for
// concurrent use.
type Manager struct {
	provider     s2s.Provider
	providerName string
	mic          audio.Microphone
	speaker      audio.Speaker
	agents       AgentSource
	observer     Observer
	metrics      *observe.Metrics
	frameSize    int

	mu      sync.Mutex
	state   State
	call    *activeCall // nil when no call owns the manager
	agentID string
	callID  string
	lastErr *Error
	level   float64
}

// NewManager returns an idle Manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		mic:          cfg.Microphone,
		speaker:      cfg.Speaker,
		agents:       cfg.Agents,
		observer:     cfg.Observer,
		metrics:      cfg.Metrics,
		frameSize:    cfg.FrameSize,
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.frameSize <= 0 {
		m.frameSize = capture.DefaultFrameSize
	}
	if m.providerName == "" {
		m.providerName = "unknown"
	}
	return m
}

// activeCall holds every resource of one call attempt.
type activeCall struct {
	id      string
	agent   agent.Config
	ctx     context.Context
	cancel  context.CancelFunc
	capture *capture.Pipeline
	once    sync.Once
	settled chan struct{} // closed when StartCall returns

	// Set under Manager.mu once the call is active.
	ctrl  *Controller
	sched *playback.Scheduler
	asm   *transcript.Assembler
}

// resources are the results of concurrent acquisition.
type resources struct {
	stream  audio.InputStream
	out     audio.Output
	session s2s.SessionHandle
}

// release closes whatever was acquired.
func (r *resources) release(p *capture.Pipeline) {
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			slog.Warn("call: close session", "err", err)
		}
	}
	if err := p.Stop(); err != nil {
		slog.Warn("call: release microphone", "err", err)
	}
	if r.out != nil {
		if err := r.out.Close(); err != nil {
			slog.Warn("call: close output", "err", err)
		}
	}
}

// StartCall runs the Idle → Connecting → Active transition for agentID. It
// blocks until the call is active or has failed.
//
// The microphone, the output device and the remote session are acquired
// concurrently. If any of them fails, everything acquired so far is released,
// the manager returns to Idle and the returned error is a [*Error] of kind
// [KindCaptureUnavailable] or [KindSessionOpenFailure]. If [Manager.StopCall]
// runs while connecting, StartCall returns [ErrStopped].
//
// The call outlives ctx; only its values (trace context) are inherited.
func (m *Manager) StartCall(ctx context.Context, agentID string) error {
	cfg, ok := m.agents.Lookup(agentID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ac := &activeCall{
		id:     uuid.NewString(),
		agent:  cfg,
		ctx:     callCtx,
		cancel:  cancel,
		settled: make(chan struct{}),
	}
	defer close(ac.settled)
	ac.capture = capture.New(
		capture.WithFrameSize(m.frameSize),
		capture.WithLevelFunc(m.setLevel),
		capture.WithMetrics(m.metrics),
	)
	m.call = ac
	m.state = StateConnecting
	m.agentID = cfg.ID
	m.callID = ac.id
	m.lastErr = nil
	m.level = 0
	m.mu.Unlock()

	m.metrics.RecordCallStart(callCtx, cfg.ID)
	m.notifyState(StateConnecting, nil)
	slog.Info("call: connecting", "call_id", ac.id, "agent", cfg.ID, "provider", m.providerName)

	spanCtx, span := observe.StartSpan(callCtx, observe.SpanCallStart, observe.WithCall(ac.id, cfg.ID))
	res, err := m.acquire(spanCtx, ac)
	observe.EndSpan(span, err)
	if err != nil {
		res.release(ac.capture)
		return m.failStart(ac, err)
	}

	asm := transcript.NewAssembler()
	sched := playback.New(res.out, playback.WithMetrics(m.metrics))
	ctrl := NewController(res.session, sched, asm,
		WithTranscriptFunc(m.publishTranscript),
		WithEndFunc(func(e *Error) { go m.finish(ac, e) }),
	)

	m.mu.Lock()
	if m.call != ac {
		m.mu.Unlock()
		ctrl.Detach()
		res.release(ac.capture)
		return m.abandon(ac)
	}
	ac.ctrl, ac.sched, ac.asm = ctrl, sched, asm
	m.state = StateActive
	m.mu.Unlock()
	m.notifyState(StateActive, nil)

	go ctrl.Run(callCtx)
	go func() {
		err := ac.capture.Run(callCtx, res.stream, ctrl.Send)
		if err != nil && !errors.Is(err, capture.ErrStopped) {
			slog.Warn("call: capture ended", "call_id", ac.id, "err", err)
		}
	}()

	if err := ctrl.Greet(callCtx, cfg.GreetingInstruction()); err != nil {
		slog.Warn("call: greeting failed", "call_id", ac.id, "err", err)
	}
	slog.Info("call: active", "call_id", ac.id, "agent", cfg.ID)
	return nil
}

// acquire opens the microphone, the output device and the session
// concurrently.
func (m *Manager) acquire(ctx context.Context, ac *activeCall) (*resources, error) {
	r := &resources{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		stream, err := ac.capture.Acquire(gctx, m.mic)
		if err != nil {
			return newError(KindCaptureUnavailable, err)
		}
		r.stream = stream
		return nil
	})

	g.Go(func() error {
		out, err := m.speaker.Open(gctx, audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1})
		if err != nil {
			return newError(KindCaptureUnavailable, fmt.Errorf("open output: %w", err))
		}
		r.out = out
		return nil
	})

	g.Go(func() error {
		cctx, span := observe.StartSpan(gctx, observe.SpanSessionConnect,
			observe.WithCall(ac.id, ""),
			trace.WithAttributes(observe.AttrProvider.String(m.providerName)),
		)
		start := time.Now()
		sess, err := m.provider.Connect(cctx, ac.agent.SessionConfig())
		status := "ok"
		if err != nil {
			status = "error"
		}
		m.metrics.RecordConnect(ctx, m.providerName, status, time.Since(start))
		observe.EndSpan(span, err)
		if err != nil {
			observe.Logger(cctx).Warn("call: session connect failed", "provider", m.providerName, "err", err)
			return newError(KindSessionOpenFailure, err)
		}
		r.session = sess
		return nil
	})

	err := g.Wait()
	return r, err
}

// failStart returns the manager to Idle after a failed acquisition.
func (m *Manager) failStart(ac *activeCall, err error) error {
	var ce *Error
	if !errors.As(err, &ce) {
		ce = newError(KindSessionOpenFailure, err)
	}

	m.mu.Lock()
	if m.call != ac {
		m.mu.Unlock()
		return m.abandon(ac)
	}
	m.call = nil
	m.state = StateIdle
	m.lastErr = ce
	m.mu.Unlock()
	ac.cancel()

	if ce.Kind == KindSessionOpenFailure {
		m.metrics.RecordProviderError(ac.ctx, m.providerName, "connect")
	}
	m.metrics.RecordCallEnd(ac.ctx, ac.agent.ID, outcomeFor(ce))
	slog.Warn("call: start failed", "call_id", ac.id, "kind", ce.Kind, "err", ce.Err)
	m.notifyState(StateIdle, ce)
	return ce
}

// abandon finishes an attempt stopped while connecting. The caller has
// released everything the attempt acquired; the manager stays in Connecting
// until then so no new call can overlap those resources.
func (m *Manager) abandon(ac *activeCall) error {
	m.mu.Lock()
	m.state = StateIdle
	m.level = 0
	m.mu.Unlock()
	ac.cancel()

	m.metrics.RecordCallEnd(context.WithoutCancel(ac.ctx), ac.agent.ID, "cancelled")
	slog.Info("call: stopped while connecting", "call_id", ac.id)
	m.notifyState(StateIdle, nil)
	return ErrStopped
}

// StopCall ends the current call, whether connecting or active. It is a
// no-op when idle and safe to call concurrently with remote errors.
//
// A connecting call is cancelled but the manager stays in Connecting until
// the pending acquisition has returned and been released; the interrupted
// StartCall then returns [ErrStopped].
func (m *Manager) StopCall() {
	m.mu.Lock()
	ac := m.call
	m.mu.Unlock()
	if ac == nil {
		return
	}
	m.finish(ac, nil)
}

// finish tears ac down exactly once. A nil cause means the user hung up.
func (m *Manager) finish(ac *activeCall, cause *Error) {
	ac.once.Do(func() {
		m.mu.Lock()
		if m.call != ac {
			m.mu.Unlock()
			return
		}
		m.call = nil
		failed := cause != nil && cause.Kind == KindSessionRuntimeError
		if failed {
			m.state = StateError
			m.lastErr = cause
		}
		ctrl, sched, asm := ac.ctrl, ac.sched, ac.asm
		m.mu.Unlock()

		if ctrl == nil {
			// Still connecting: StartCall releases the partial acquisition
			// and returns the manager to Idle.
			ac.cancel()
			if err := ac.capture.Stop(); err != nil {
				slog.Warn("call: release microphone", "call_id", ac.id, "err", err)
			}
			return
		}

		if failed {
			m.metrics.RecordProviderError(ac.ctx, m.providerName, "runtime")
			m.notifyState(StateError, cause)
		}

		_, span := observe.StartSpan(ac.ctx, observe.SpanCallTeardown, observe.WithCall(ac.id, ac.agent.ID))
		teardown(ac, ctrl, sched, asm)
		span.End()

		outcome := "hangup"
		if cause != nil {
			outcome = outcomeFor(cause)
		}
		m.metrics.RecordCallEnd(context.WithoutCancel(ac.ctx), ac.agent.ID, outcome)

		m.mu.Lock()
		m.state = StateIdle
		m.level = 0
		lastErr := m.lastErr
		m.mu.Unlock()

		slog.Info("call: ended", "call_id", ac.id, "agent", ac.agent.ID, "outcome", outcome)
		m.notifyState(StateIdle, lastErr)
	})
}

// teardown releases the resources of one call in order: stop capture
// sending, drop and close the session, release the microphone, close the
// output device, then stop playback sources and reset the cursor.
func teardown(ac *activeCall, ctrl *Controller, sched *playback.Scheduler, asm *transcript.Assembler) {
	ac.cancel()
	if ctrl != nil {
		if sess := ctrl.Detach(); sess != nil {
			if err := sess.Close(); err != nil {
				slog.Warn("call: close session", "call_id", ac.id, "err", err)
			}
		}
	}
	if err := ac.capture.Stop(); err != nil {
		slog.Warn("call: release microphone", "call_id", ac.id, "err", err)
	}
	if sched != nil {
		if err := sched.Close(); err != nil {
			slog.Warn("call: close playback", "call_id", ac.id, "err", err)
		}
	}
	if asm != nil {
		asm.Reset()
	}
}

func outcomeFor(e *Error) string {
	switch e.Kind {
	case KindCaptureUnavailable:
		return "capture_unavailable"
	case KindSessionOpenFailure:
		return "open_failure"
	case KindSessionRuntimeError:
		return "error"
	case KindRemoteClose:
		return "remote_close"
	default:
		return "unknown"
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current state, agent, user-facing error message and
// level.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		State: m.state,
		Agent: m.agentID,
		Level: m.level,
	}
	if m.state != StateIdle {
		s.CallID = m.callID
	}
	if m.lastErr != nil {
		s.Error = m.lastErr.Message
	}
	return s
}

// Close stops any running call and waits until a connecting attempt has
// released its resources. It lets the Manager be registered as an
// application closer.
func (m *Manager) Close() error {
	m.mu.Lock()
	ac := m.call
	m.mu.Unlock()
	if ac == nil {
		return nil
	}
	m.finish(ac, nil)
	<-ac.settled
	return nil
}

// ── Observer plumbing ────────────────────────────────────────────────────────

func (m *Manager) notifyState(s State, err *Error) {
	if m.observer != nil {
		m.observer.OnState(s, err)
	}
}

func (m *Manager) publishTranscript(items []transcript.Item) {
	for _, it := range items {
		m.metrics.RecordTranscriptItem(context.Background(), string(it.Role))
	}
	if m.observer != nil {
		m.observer.OnTranscript(items)
	}
}

func (m *Manager) setLevel(v float64) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.level = v
	m.mu.Unlock()
	if m.observer != nil {
		m.observer.OnLevel(v)
	}
}
