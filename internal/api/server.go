// Package api serves a read-only JSON view of the run ledger and the current
// dataset of a scope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/livinlefevreloca/catalogindex/internal/db"
	"github.com/livinlefevreloca/catalogindex/internal/index"
	"github.com/livinlefevreloca/catalogindex/internal/ledger"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Server exposes ledger and index reads over HTTP
type Server struct {
	db      *db.DB
	metrics http.Handler
	logger  *slog.Logger
}

// NewServer creates a server. metrics may be nil to leave /metrics unrouted.
func NewServer(database *db.DB, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{db: database, metrics: metrics, logger: logger}
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/healthz", s.HandleHealth).Methods("GET")
	router.HandleFunc("/runs", s.HandleListRuns).Methods("GET")
	router.HandleFunc("/runs/{run_id}", s.HandleGetRun).Methods("GET")
	router.HandleFunc("/scopes/current", s.HandleCurrentRun).Methods("GET")
	router.HandleFunc("/scopes/current/titles", s.HandleCurrentTitles).Methods("GET")

	if s.metrics != nil {
		router.Handle("/metrics", s.metrics).Methods("GET")
	}

	return router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	s.logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// HandleHealth reports liveness and database reachability
// GET /healthz
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		respondError(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]any{"status": "ok"})
}

// HandleGetRun returns one ledger entry
// GET /runs/{run_id}
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["run_id"]

	entry, err := ledger.New(s.db).Get(r.Context(), runID)
	if db.IsNotFound(err) {
		respondError(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, entry)
}

// HandleListRuns returns runs of a scope, newest first
// GET /runs?country=de&catalogs=netflix,prime&fingerprint=...&limit=20
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	scope, err := parseScope(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := ledger.New(s.db).ListRuns(r.Context(), scope, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, map[string]any{
		"scope": scope,
		"runs":  runs,
		"count": len(runs),
	})
}

// HandleCurrentRun returns the latest completed run of a scope
// GET /scopes/current?country=de&catalogs=netflix,prime&fingerprint=...
func (s *Server) HandleCurrentRun(w http.ResponseWriter, r *http.Request) {
	scope, runID, ok := s.currentRun(w, r)
	if !ok {
		return
	}

	respondJSON(w, map[string]any{
		"scope":  scope,
		"run_id": runID,
	})
}

// HandleCurrentTitles returns titles whose last sighting is the latest
// completed run of a scope
// GET /scopes/current/titles?country=de&catalogs=netflix,prime&fingerprint=...&limit=100
func (s *Server) HandleCurrentTitles(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, runID, ok := s.currentRun(w, r)
	if !ok {
		return
	}

	titles, err := index.New(s.db, 0).TitlesSeenIn(r.Context(), runID, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	respondJSON(w, map[string]any{
		"run_id": runID,
		"titles": titles,
		"count":  len(titles),
	})
}

// currentRun resolves the scope's latest completed run, writing the error
// response itself when there is none
func (s *Server) currentRun(w http.ResponseWriter, r *http.Request) (ledger.Scope, string, bool) {
	scope, err := parseScope(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return scope, "", false
	}

	runID, ok, err := ledger.New(s.db).LatestCompletedRunID(r.Context(), scope)
	if err != nil {
		s.internalError(w, r, err)
		return scope, "", false
	}
	if !ok {
		respondError(w, "scope has no completed run", http.StatusNotFound)
		return scope, "", false
	}
	return scope, runID, true
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	respondError(w, "internal error", http.StatusInternalServerError)
}

// parseScope reads country, catalogs and fingerprint. Catalogs are
// canonicalized so "prime,netflix" and "netflix, prime" name one scope.
func parseScope(r *http.Request) (ledger.Scope, error) {
	q := r.URL.Query()

	scope := ledger.Scope{
		Country:           strings.ToLower(strings.TrimSpace(q.Get("country"))),
		CatalogsBundle:    ledger.CanonicalCatalogsBundle(strings.Split(q.Get("catalogs"), ",")),
		ParamsFingerprint: strings.TrimSpace(q.Get("fingerprint")),
	}

	switch {
	case scope.Country == "":
		return scope, errors.New("country required")
	case scope.CatalogsBundle == "":
		return scope, errors.New("catalogs required")
	case scope.ParamsFingerprint == "":
		return scope, errors.New("fingerprint required")
	}
	return scope, nil
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit: must be a positive number")
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
	})
}
