// Package api exposes the HTTP control surface for the registration
// orchestrator: run lifecycle endpoints, status, ledger reads, exports
// and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"enlist/internal/config"
	"enlist/internal/domain"
	"enlist/internal/export"
	"enlist/internal/metrics"
	"enlist/internal/models"
	"enlist/internal/orchestrator"
)

// Controller is the subset of the orchestrator the API drives.
type Controller interface {
	StartRun(ctx context.Context, seeds []models.EventSeed, settings models.RunSettings) (string, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	RecheckAll(ctx context.Context) (int, error)
	CloseIdleAgents(ctx context.Context) (int, error)
	RecheckOne(ctx context.Context, url, agentHandle string) error
	MarkRegistered(ctx context.Context, url, agentHandle string) error
	Status(ctx context.Context) (*models.RunSnapshot, error)
}

type Server struct {
	cfg      config.APIConfig
	ctrl     Controller
	ledger   domain.LedgerClient
	exporter *export.Exporter
	server   *http.Server
	auth     *HTTPAuth
	logger   zerolog.Logger
}

func NewServer(cfg config.APIConfig, ctrl Controller, ledger domain.LedgerClient, exporter *export.Exporter, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	srv := &Server{
		cfg:      cfg,
		ctrl:     ctrl,
		ledger:   ledger,
		exporter: exporter,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("/api/v1/run/start", srv.handleStart)
	mux.HandleFunc("/api/v1/run/pause", srv.control("pause", srv.ctrl.Pause))
	mux.HandleFunc("/api/v1/run/resume", srv.control("resume", srv.ctrl.Resume))
	mux.HandleFunc("/api/v1/run/stop", srv.control("stop", srv.ctrl.Stop))
	mux.HandleFunc("/api/v1/run/reset", srv.control("reset", srv.ctrl.Reset))
	mux.HandleFunc("/api/v1/run/recheck", srv.handleRecheck)
	mux.HandleFunc("/api/v1/run/close-idle", srv.handleCloseIdle)
	mux.HandleFunc("/api/v1/run/recheck-one", srv.handleRecheckOne)
	mux.HandleFunc("/api/v1/run/mark-registered", srv.handleMarkRegistered)
	mux.HandleFunc("/api/v1/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/ledger/records", srv.handleLedgerRecords)
	mux.HandleFunc("/api/v1/ledger/calendars", srv.handleLedgerCalendars)
	mux.HandleFunc("/api/v1/export/run", srv.handleExportRun)
	mux.HandleFunc("/api/v1/export/ledger", srv.handleExportLedger)
	mux.Handle("/metrics", promhttp.Handler())

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type startRequest struct {
	Events   []models.EventSeed `json:"events"`
	Settings struct {
		ConcurrencyLimit   int    `json:"concurrency_limit"`
		InterTaskDelayMS   int    `json:"inter_task_delay_ms"`
		Jitter             bool   `json:"jitter"`
		Calendar           string `json:"calendar"`
		SkipTeamRegistered *bool  `json:"skip_team_registered"`
	} `json:"settings"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("start")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body startRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events is required")
		return
	}

	settings := models.RunSettings{
		ConcurrencyLimit:   body.Settings.ConcurrencyLimit,
		InterTaskDelay:     time.Duration(body.Settings.InterTaskDelayMS) * time.Millisecond,
		Jitter:             body.Settings.Jitter,
		Calendar:           body.Settings.Calendar,
		SkipTeamRegistered: true,
	}
	if body.Settings.SkipTeamRegistered != nil {
		settings.SkipTeamRegistered = *body.Settings.SkipTeamRegistered
	}

	runID, err := s.ctrl.StartRun(r.Context(), body.Events, settings)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

// control builds a POST handler for the simple single-verb endpoints.
func (s *Server) control(name string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metrics.IncControl(name)
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if err := fn(r.Context()); err != nil {
			writeControlError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
	}
}

func (s *Server) handleRecheck(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("recheck")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.ctrl.RecheckAll(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"scheduled": n})
}

func (s *Server) handleCloseIdle(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("close_idle")
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	n, err := s.ctrl.CloseIdleAgents(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

type taskRequest struct {
	URL         string `json:"url"`
	AgentHandle string `json:"agent_handle"`
}

func (s *Server) decodeTaskRequest(w http.ResponseWriter, r *http.Request) (taskRequest, bool) {
	var body taskRequest
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return body, false
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return body, false
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return body, false
	}
	return body, true
}

func (s *Server) handleRecheckOne(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("recheck_one")
	body, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.RecheckOne(r.Context(), body.URL, body.AgentHandle); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleMarkRegistered(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("mark_registered")
	body, ok := s.decodeTaskRequest(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.MarkRegistered(r.Context(), body.URL, body.AgentHandle); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("status")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, map[string]any{"mode": models.ModeIdle})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleLedgerRecords(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("ledger_records")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	calendar := r.URL.Query().Get("calendar")
	records, err := s.ledger.GetAllData(r.Context(), calendar)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("ledger unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleLedgerCalendars(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("ledger_calendars")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	calendars, err := s.ledger.GetCalendars(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("ledger unavailable: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"calendars": calendars})
}

func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("export_run")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snap, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeControlError(w, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no run to export")
		return
	}
	path, err := s.exporter.RunReport(snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.serveFile(w, r, path)
}

func (s *Server) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	metrics.IncControl("export_ledger")
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	calendar := r.URL.Query().Get("calendar")
	records, err := s.ledger.GetAllData(r.Context(), calendar)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("ledger unavailable: %v", err))
		return
	}
	path, err := s.exporter.LedgerReport(records)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.serveFile(w, r, path)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	http.ServeFile(w, r, path)
	_ = os.Remove(path)
}

// writeControlError maps orchestrator state errors onto HTTP statuses.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoRun), errors.Is(err, orchestrator.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
