// Package web is the HTTP control surface of voxline: it lists agents,
// starts and stops calls, and streams call state, level and transcript to
// browser clients over a WebSocket.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxline/internal/agent"
	"github.com/MrWong99/voxline/internal/call"
	"github.com/MrWong99/voxline/internal/health"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/transcript"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 10

// Calls is the call control the server drives. [*call.Manager] satisfies it.
type Calls interface {
	StartCall(ctx context.Context, agentID string) error
	StopCall()
	Snapshot() call.Snapshot
}

// Agents lists the selectable agents. [*agent.Catalog] satisfies it.
type Agents interface {
	List() []agent.Config
}

var (
	_ Calls         = (*call.Manager)(nil)
	_ Agents        = (*agent.Catalog)(nil)
	_ call.Observer = (*Server)(nil)
)

// View is what clients see: the call snapshot plus the recent transcript.
type View struct {
	call.Snapshot
	Transcript []transcript.Item `json:"transcript"`
}

// Config holds the dependencies of a [Server].
type Config struct {
	// Agents is the agent catalog. Required.
	Agents Agents

	// DefaultAgent is used when a start request names no agent.
	DefaultAgent string

	// Health serves the probe endpoints. Optional.
	Health *health.Handler

	// Metrics records HTTP request metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Gatherer backs /metrics. Defaults to [prometheus.DefaultGatherer].
	Gatherer prometheus.Gatherer

	// HistorySize bounds the transcript kept for clients. Defaults to
	// [transcript.DefaultHistorySize].
	HistorySize int
}

// Server serves the control API and fans call updates out to WebSocket
// subscribers. It is the [call.Observer] of the call manager; bind the
// manager with [Server.Bind] before serving.
type Server struct {
	agents       Agents
	defaultAgent string
	health       *health.Handler
	metrics      *observe.Metrics
	gatherer     prometheus.Gatherer

	calls   Calls
	history *transcript.History
	hub     *hub

	mu           sync.Mutex
	historyAgent string // agent whose call filled history
}

// New returns a Server. The call manager is attached later with
// [Server.Bind] since the manager needs the server as its observer.
func New(cfg Config) *Server {
	s := &Server{
		agents:       cfg.Agents,
		defaultAgent: cfg.DefaultAgent,
		health:       cfg.Health,
		metrics:      cfg.Metrics,
		gatherer:     cfg.Gatherer,
		history:      transcript.NewHistory(cfg.HistorySize),
		hub:          newHub(),
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	return s
}

// Bind attaches the call manager. It must be called before [Server.Handler]
// serves requests.
func (s *Server) Bind(c Calls) {
	s.calls = c
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/call", s.handleGetCall)
	mux.HandleFunc("POST /api/call", s.handleStartCall)
	mux.HandleFunc("DELETE /api/call", s.handleStopCall)
	mux.HandleFunc("GET /api/call/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.metrics)(mux)
}

// View returns the current client view.
func (s *Server) View() View {
	v := View{Transcript: s.history.Items()}
	if s.calls != nil {
		v.Snapshot = s.calls.Snapshot()
	}
	if v.Transcript == nil {
		v.Transcript = []transcript.Item{}
	}
	return v
}

// ── call.Observer ────────────────────────────────────────────────────────────

// OnState implements [call.Observer]. A call with a different agent than
// the previous one clears the transcript.
func (s *Server) OnState(state call.State, _ *call.Error) {
	if state == call.StateConnecting && s.calls != nil {
		agentID := s.calls.Snapshot().Agent
		s.mu.Lock()
		if agentID != s.historyAgent {
			s.history.Clear()
			s.historyAgent = agentID
		}
		s.mu.Unlock()
	}
	s.publish()
}

// OnTranscript implements [call.Observer].
func (s *Server) OnTranscript(items []transcript.Item) {
	s.history.Push(items...)
	s.publish()
}

// OnLevel implements [call.Observer].
func (s *Server) OnLevel(float64) {
	s.publish()
}

func (s *Server) publish() {
	s.hub.broadcast(s.View())
}

// ── Handlers ─────────────────────────────────────────────────────────────────

type agentView struct {
	agent.Config
	Default bool `json:"default,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	list := s.agents.List()
	out := make([]agentView, 0, len(list))
	for _, a := range list {
		out = append(out, agentView{Config: a, Default: a.ID == s.defaultAgent})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCall(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.View())
}

type startRequest struct {
	Agent string `json:"agent"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Agent == "" {
		req.Agent = s.defaultAgent
	}

	// The call outlives the request; only the request's values are kept.
	err := s.calls.StartCall(context.WithoutCancel(r.Context()), req.Agent)
	var callErr *call.Error
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.View())
	case errors.Is(err, call.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, "unknown agent")
	case errors.Is(err, call.ErrCallInProgress):
		writeError(w, http.StatusConflict, "a call is already in progress")
	case errors.Is(err, call.ErrStopped):
		writeError(w, http.StatusConflict, "call was stopped while connecting")
	case errors.As(err, &callErr):
		writeError(w, http.StatusBadGateway, callErr.Message)
	default:
		slog.Error("web: start call", "agent", req.Agent, "err", err)
		writeError(w, http.StatusInternalServerError, "could not start call")
	}
}

func (s *Server) handleStopCall(w http.ResponseWriter, _ *http.Request) {
	s.calls.StopCall()
	writeJSON(w, http.StatusOK, s.View())
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("web: encode response", "err", err)
	}
}
