package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxline/internal/playback"
	"github.com/MrWong99/voxline/internal/transcript"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/s2s"
)

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithTranscriptFunc registers fn to receive the items emitted on every turn
// completion. fn is called on the dispatch goroutine.
func WithTranscriptFunc(fn func([]transcript.Item)) ControllerOption {
	return func(c *Controller) {
		c.onItems = fn
	}
}

// WithEndFunc registers fn to be called once when the session ends: with a
// [KindSessionRuntimeError] error on a remote failure, or with a
// [KindRemoteClose] error when the remote side closed normally.
func WithEndFunc(fn func(*Error)) ControllerOption {
	return func(c *Controller) {
		c.onEnd = fn
	}
}

// Controller owns the remote session of one call. Inbound events enter
// through [Controller.Dispatch] and are routed to the playback scheduler and
// the transcript assembler; outbound capture frames go through
// [Controller.Send].
//
// All exported methods are safe for concurrent use.
type Controller struct {
	sched   *playback.Scheduler
	asm     *transcript.Assembler
	events  <-chan s2s.Event
	onItems func([]transcript.Item)
	onEnd   func(*Error)

	mu      sync.Mutex
	session s2s.SessionHandle // nil once detached
	ended   bool
}

// NewController returns a Controller for session. sched and asm must not be
// nil.
func NewController(session s2s.SessionHandle, sched *playback.Scheduler, asm *transcript.Assembler, opts ...ControllerOption) *Controller {
	c := &Controller{
		sched:   sched,
		asm:     asm,
		events:  session.Events(),
		session: session,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dispatch routes one inbound event.
func (c *Controller) Dispatch(ev s2s.Event) {
	switch ev.Kind {
	case s2s.EventAudio:
		if err := c.sched.Enqueue(ev.Audio); err != nil {
			if errors.Is(err, audio.ErrMalformedPCM) {
				slog.Warn("call: dropping inbound frame", "kind", KindDecodeFailure, "bytes", len(ev.Audio.Data), "err", err)
				return
			}
			if !errors.Is(err, playback.ErrClosed) {
				slog.Warn("call: failed to schedule inbound frame", "err", err)
			}
		}

	case s2s.EventInterrupted:
		c.sched.Interrupt()
		slog.Debug("call: playback interrupted")

	case s2s.EventTranscript:
		c.asm.Append(ev.Role, ev.Text)

	case s2s.EventTurnComplete:
		if items := c.asm.Flush(); len(items) > 0 && c.onItems != nil {
			c.onItems(items)
		}

	case s2s.EventError:
		c.end(newError(KindSessionRuntimeError, ev.Err))

	case s2s.EventClose:
		c.end(newError(KindRemoteClose, nil))

	default:
		slog.Debug("call: ignoring event", "kind", ev.Kind)
	}
}

// Run pumps session events into [Controller.Dispatch] in arrival order until
// the event channel closes or ctx is done. If the channel closes while the
// session is still attached, the end func is invoked.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				c.mu.Lock()
				sess := c.session
				c.mu.Unlock()
				if sess == nil {
					return
				}
				if err := sess.Err(); err != nil {
					c.end(newError(KindSessionRuntimeError, err))
				} else {
					c.end(newError(KindRemoteClose, nil))
				}
				return
			}
			c.Dispatch(ev)
		}
	}
}

// Send forwards a capture frame to the session. After the session has been
// detached it returns [ErrNotActive] and drops the frame.
func (c *Controller) Send(frame audio.AudioFrame) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNotActive
	}
	if err := sess.SendAudio(frame); err != nil {
		return fmt.Errorf("call: send audio: %w", err)
	}
	return nil
}

// Greet asks the remote agent to speak first with instruction.
func (c *Controller) Greet(ctx context.Context, instruction string) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNotActive
	}
	if err := sess.Greet(ctx, instruction); err != nil {
		return fmt.Errorf("call: greet: %w", err)
	}
	return nil
}

// Detach drops the session handle and returns it so the caller can close it.
// Later calls return nil.
func (c *Controller) Detach() s2s.SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.session
	c.session = nil
	return sess
}

// Live reports whether the session handle is still attached.
func (c *Controller) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// end invokes the end func at most once.
func (c *Controller) end(e *Error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	fn := c.onEnd
	c.mu.Unlock()

	if e.Kind == KindSessionRuntimeError {
		slog.Error("call: session failed", "err", e.Err)
	} else {
		slog.Info("call: session closed by remote")
	}
	if fn != nil {
		fn(e)
	}
}
