package web

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"coursecal/internal/config"
	"coursecal/internal/executor"
	"coursecal/internal/ics"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/reconcile"
)

// Engine is the part of the sync engine the HTTP API drives.
type Engine interface {
	Desired(ctx context.Context) ([]model.DesiredEvent, error)
	Plan(ctx context.Context, live bool) (reconcile.Plan, error)
	Sync(ctx context.Context, dryRun bool) (executor.Report, error)
	LastReport() (executor.Report, bool)
}

// Server provides the HTTP API: health, plan preview, sync trigger, last
// report and an iCalendar export of the desired events.
type Server struct {
	cfg *config.Config
	eng Engine
	mux *http.ServeMux
	now func() time.Time

	// In-memory cache for /calendar.ics so feed readers polling the export
	// do not rebuild every occurrence on each request.
	icsMu    sync.RWMutex
	icsCache *icsCache
}

const icsCacheTTL = 30 * time.Second

// icsCache holds a rendered feed and its timestamp.
type icsCache struct {
	body      []byte
	updatedAt time.Time
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, eng Engine) *Server {
	s := &Server{
		cfg: cfg,
		eng: eng,
		mux: http.NewServeMux(),
		now: time.Now,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Server.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.Server.BasicAuth == nil {
		return false
	}
	ba := s.cfg.Server.BasicAuth
	return ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.Server.BasicAuth.Username
	password := s.cfg.Server.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="coursecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/plan", s.handlePlan)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handlePlan previews the next sync.
//
// GET /api/plan?live=1
//   - live: also read the remote (conflict detection, orphan listing).
//     Without it the plan comes from the event_map alone.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	live := parseBoolDefault(r.URL.Query().Get("live"), false)

	plan, err := s.eng.Plan(r.Context(), live)
	if err != nil {
		appLog.Error("api plan failed", err, "live", live)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// syncResponse wraps a run report with the run-level error, if any.
type syncResponse struct {
	executor.Report
	Error string `json:"error,omitempty"`
}

// handleSync runs one sync and returns its report.
//
// POST /api/sync?dry_run=1
//
// An aborted run still answers 200 with status "aborted": the report is the
// useful part. Failures before execution started answer with an error body.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	dryRun := parseBoolDefault(r.URL.Query().Get("dry_run"), false)

	rep, err := s.eng.Sync(r.Context(), dryRun)
	if err != nil && rep.RunID == "" {
		appLog.Error("api sync failed", err, "dry_run", dryRun)
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := syncResponse{Report: rep}
	if err != nil {
		resp.Error = err.Error()
	}
	if !dryRun {
		s.invalidateICS()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReport returns the report of the last non-dry sync.
func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	rep, ok := s.eng.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleICS exports the desired events as an iCalendar feed.
func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	s.icsMu.RLock()
	c := s.icsCache
	s.icsMu.RUnlock()
	if c != nil && now.Sub(c.updatedAt) < icsCacheTTL {
		writeCalendar(w, c.body)
		return
	}

	evs, err := s.eng.Desired(r.Context())
	if err != nil {
		appLog.Error("api ics: build desired events failed", err)
		writeError(w, statusFor(err), err.Error())
		return
	}

	var buf bytes.Buffer
	name := ""
	if s.cfg != nil {
		name = s.cfg.Calendar.CalendarID
	}
	if err := ics.Export(&buf, evs, ics.Options{Name: name, Now: s.now}); err != nil {
		appLog.Error("api ics: export failed", err)
		writeError(w, http.StatusInternalServerError, "failed to export calendar")
		return
	}

	s.icsMu.Lock()
	s.icsCache = &icsCache{body: buf.Bytes(), updatedAt: now}
	s.icsMu.Unlock()

	writeCalendar(w, buf.Bytes())
}

func (s *Server) invalidateICS() {
	s.icsMu.Lock()
	s.icsCache = nil
	s.icsMu.Unlock()
}

func writeCalendar(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrRemoteFatal), errors.Is(err, model.ErrRemoteTransient):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
