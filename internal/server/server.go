// Package server is the HTTP adapter over the orchestrator core: REST
// routes, the SSE stream, and the NDJSON connection test. It converts fault
// kinds to status codes and does nothing else clever.
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/tony-jang/ai-review/internal/assist"
	"github.com/tony-jang/ai-review/internal/config"
	"github.com/tony-jang/ai-review/internal/conntest"
	"github.com/tony-jang/ai-review/internal/events"
	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/internal/session"
)

// Service wires the router to the core components.
type Service struct {
	cfg     *config.Config
	manager *session.Manager
	bus     *events.Bus
	assist  *assist.Engine
	tester  *conntest.Tester
	router  chi.Router
}

// New builds the HTTP service.
func New(cfg *config.Config, manager *session.Manager, bus *events.Bus) *Service {
	s := &Service{
		cfg:     cfg,
		manager: manager,
		bus:     bus,
		assist:  assist.NewEngine(manager),
		tester:  conntest.New(cfg.Host, cfg.ConnTestTimeout),
		router:  chi.NewRouter(),
	}
	s.routes()
	return s
}

// Router exposes the configured handler.
func (s *Service) Router() http.Handler { return s.router }

func (s *Service) routes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)

		r.Route("/sessions/{sid}", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/activate", s.handleActivate)
			r.Post("/finish", s.handleFinish)
			r.Post("/process", s.handleProcess)
			r.Post("/fix-complete", s.handleFixComplete)
			r.Delete("/", s.handleDeleteSession)
			r.Get("/status", s.handleStatus)
			r.Get("/issues", s.handleIssues)
			r.Post("/issues", s.handleManualIssue)
			r.Get("/index", s.handleIndex)
			r.Get("/delta", s.handleDelta)
			r.Get("/pending", s.handlePending)
			r.Get("/report", s.handleReport)
			r.Get("/report.md", s.handleReportMarkdown)
			r.Get("/diff/*", s.handleDiff)
			r.Get("/files/*", s.handleFileRange)
			r.Post("/context", s.handleImplementationContext)
			r.Post("/report", s.handleAgentReport)
			r.Post("/summary", s.handleAgentSummary)
			r.Post("/activity", s.handleAgentActivity)
			r.Post("/assist-key", s.handleAssistKey)
			r.Get("/stream", s.handleStream)

			r.Get("/agents", s.handleListAgents)
			r.Post("/agents", s.handleAddAgent)
			r.Patch("/agents/{mid}", s.handleUpdateAgent)
			r.Delete("/agents/{mid}", s.handleRemoveAgent)
			r.Get("/agents/{mid}/runtime", s.handleAgentRuntime)
			r.Post("/agents/{mid}/stop", s.handleStopAgent)
		})

		r.Route("/issues/{iid}", func(r chi.Router) {
			r.Get("/", s.handleIssue)
			r.Post("/opinions", s.handleOpinion)
			r.Post("/respond", s.handleRespond)
			r.Post("/status", s.handleIssueStatus)
			r.Post("/dismiss", s.handleDismiss)
			r.Post("/assist", s.handleAssist)
			r.Post("/assist/opinion", s.handleAssistOpinion)
		})

		r.Get("/agent-presets", s.handleListPresets)
		r.Post("/agent-presets", s.handleAddPreset)
		r.Patch("/agent-presets/{pid}", s.handleUpdatePreset)
		r.Delete("/agent-presets/{pid}", s.handleRemovePreset)

		r.Post("/agents/connection-test", s.handleConnectionTest)
		r.Post("/agents/connection-test/callback/{token}", s.handleConnectionTestCallback)
	})
}

// requestLogger logs each request with zerolog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// writeJSON encodes a response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

// writeError maps a fault kind to an HTTP status and structured body.
func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.Auth:
		status = http.StatusForbidden
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.State, fault.Conflict:
		status = http.StatusConflict
	case fault.Repo:
		status = http.StatusUnprocessableEntity
	}
	body := map[string]any{
		"error": err.Error(),
		"kind":  kind,
	}
	for k, v := range fault.ContextOf(err) {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// decode reads a JSON request body into v.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return fault.New(fault.Validation, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.Validation, err, "malformed request body")
	}
	return nil
}

func agentKey(r *http.Request) string {
	return r.Header.Get("X-Agent-Key")
}

// resolveIssueSession maps an issue ID to its owning session.
func (s *Service) resolveIssueSession(r *http.Request) (sid, iid string, err error) {
	iid = chi.URLParam(r, "iid")
	sid, err = s.manager.FindIssue(iid)
	return sid, iid, err
}

// flushWriter pairs a ResponseWriter with its Flusher for streaming
// endpoints.
func flushWriter(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return flusher, nil
}
