// Package adminapi is the operator surface: health, metrics, shadow
// reports, mode switching, rollback, close approval and a live event
// stream. It binds to a local address; it carries no auth of its own and
// must not be exposed publicly.
package adminapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lnpilot/backend/internal/config"
	"github.com/lnpilot/backend/internal/events"
	"github.com/lnpilot/backend/internal/executor"
	"github.com/lnpilot/backend/internal/ln"
	"github.com/lnpilot/backend/internal/shadow"
	"github.com/lnpilot/backend/internal/store"
)

// Server is the admin HTTP server.
type Server struct {
	cfg    *config.Config
	st     store.Store
	exec   *executor.Executor
	bus    *events.Bus
	reg    *prometheus.Registry
	logger *slog.Logger
	router *mux.Router
}

// New builds the server and its routes.
func New(cfg *config.Config, st store.Store, exec *executor.Executor, bus *events.Bus, reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{cfg: cfg, st: st, exec: exec, bus: bus, reg: reg, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/shadow-report", s.handleShadowReport).Methods(http.MethodGet)
	v1.HandleFunc("/mode", s.handleSetMode).Methods(http.MethodPost)
	v1.HandleFunc("/rollback", s.handleRollback).Methods(http.MethodPost)
	v1.HandleFunc("/decisions/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/decisions/{id}", s.handleGetDecision).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{id}/do-not-touch", s.handleClearDoNotTouch).Methods(http.MethodDelete)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler returns the HTTP handler, for tests and for the daemon.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until the listener fails.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:         s.cfg.Admin.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket endpoint streams indefinitely
	}
	s.logger.Info("admin api listening", "addr", s.cfg.Admin.ListenAddr)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.st.Ping(r.Context()); err != nil {
		status, code = "store unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleShadowReport(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	report, err := shadow.BuildReport(r.Context(), s.st, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type setModeRequest struct {
	Mode    string `json:"mode"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	mode := config.Mode(req.Mode)
	switch mode {
	case config.ModeShadow, config.ModeCanary, config.ModeActive:
	default:
		writeError(w, http.StatusBadRequest, "mode must be shadow, canary or active")
		return
	}
	// Going live is a deliberate act; require the confirm flag.
	if mode == config.ModeActive && !req.Confirm {
		writeError(w, http.StatusPreconditionRequired, "activating live mutations requires confirm=true")
		return
	}
	if err := s.st.SaveMode(r.Context(), string(mode)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("operating mode changed", "mode", string(mode))
	writeJSON(w, http.StatusOK, map[string]string{"mode": string(mode)})
}

type rollbackRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, "transaction_id is required")
		return
	}
	err := s.exec.Rollback(r.Context(), req.TransactionID, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back"})
	case errors.Is(err, executor.ErrAlreadyRolledBack):
		writeError(w, http.StatusConflict, "transaction already rolled back")
	case errors.Is(err, executor.ErrRollbackConflict):
		writeError(w, http.StatusConflict, "node policy changed since this transaction; refusing to clobber")
	case errors.Is(err, executor.ErrBackupExpired):
		writeError(w, http.StatusGone, "backup expired")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "unknown transaction")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := s.st.GetDecision(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown decision")
		return
	}
	if d.Kind != ln.CloseChannel || d.ExecutionCode != ln.ReasonAwaitingApproval {
		writeError(w, http.StatusConflict, "decision is not awaiting approval")
		return
	}
	if err := s.st.UpdateDecision(r.Context(), id, ln.StatusApproved, "operator approved", ln.ReasonOperatorApproved); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("close decision approved", "decision", id, "channel", d.ChannelID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// handleClearDoNotTouch releases a channel quarantined after a failed
// rollback, returning it to the loop on the next tick.
func (s *Server) handleClearDoNotTouch(w http.ResponseWriter, r *http.Request) {
	id := ln.ChannelID(mux.Vars(r)["id"])
	flagged, err := s.st.IsDoNotTouch(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !flagged {
		writeError(w, http.StatusNotFound, "channel is not marked do-not-touch")
		return
	}
	if err := s.st.ClearDoNotTouch(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("do-not-touch cleared", "channel", string(id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.st.GetDecision(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown decision")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
