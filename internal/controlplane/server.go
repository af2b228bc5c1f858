package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fentz26/procmon/internal/coordinator"
	"github.com/fentz26/procmon/internal/models"
	"github.com/fentz26/procmon/internal/store"
)

var logger = loggo.GetLogger("procmon.controlplane")

// Version is reported by /health.
var Version = "dev"

const defaultListLimit = 50

// Server provides the HTTP API for procmon.
type Server struct {
	service  *Service
	addr     string
	gatherer prometheus.Gatherer
	server   *http.Server
}

// NewServer creates a new HTTP server. gatherer may be nil, in which case
// /metrics is not served.
func NewServer(service *Service, addr string, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		service:  service,
		addr:     addr,
		gatherer: gatherer,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/manual-query", s.manualQuery)
		r.Get("/recent-updates", s.recentUpdates)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRuns)
			r.Post("/cancel", s.cancelRun)
			r.Get("/{runID}", s.getRun)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/status", s.schedulerStatus)
			r.Post("/update-time", s.updateTime)
		})

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.listNotifications)
			r.Post("/{id}/read", s.markRead)
		})

		r.Get("/clients", s.listClients)
		r.Get("/credentials", s.listCredentials)
		r.Post("/credentials/{id}/test", s.testCredential)
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logger.Infof("listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if err := s.service.Health(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Runs ---

type manualQueryRequest struct {
	ClientIDs []string `json:"client_ids"`
}

type manualQueryResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) manualQuery(w http.ResponseWriter, r *http.Request) {
	var req manualQueryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	runID, err := s.service.ManualQuery(r.Context(), req.ClientIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, manualQueryResponse{RunID: runID})
}

func (s *Server) recentUpdates(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	updates, err := s.service.RecentUpdates(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	f := store.RunFilter{}
	var err error
	if f.Limit, err = queryLimit(r, defaultListLimit); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Since, err = queryTime(r, "since"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runs, err := s.service.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.RunResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelRun(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// --- Scheduler ---

func (s *Server) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.SchedulerStatus())
}

type updateTimeRequest struct {
	Time string `json:"time"`
}

func (s *Server) updateTime(w http.ResponseWriter, r *http.Request) {
	var req updateTimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	settings, err := s.service.UpdateQueryTime(r.Context(), req.Time)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.service.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	current, err := s.service.GetSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// Fields absent from the body keep their stored values.
	if err := json.NewDecoder(r.Body).Decode(&current); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	settings, err := s.service.UpdateSettings(r.Context(), current)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// --- Notifications ---

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, defaultListLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	unread := false
	if v := r.URL.Query().Get("unread"); v != "" {
		if unread, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "invalid unread", http.StatusBadRequest)
			return
		}
	}

	notes, err := s.service.ListNotifications(r.Context(), unread, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if notes == nil {
		notes = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	if err := s.service.MarkNotificationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// --- Clients and credentials ---

func (s *Server) listClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.service.ListClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if clients == nil {
		clients = []models.Client{}
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.service.ListCredentials(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if creds == nil {
		creds = []models.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) testCredential(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.TestCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warningf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, ErrNoCredTester):
		status = http.StatusNotImplemented
	default:
		logger.Errorf("request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}

// queryTime accepts RFC 3339 timestamps or plain dates.
func queryTime(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, errors.New("invalid " + name)
	}
	return t, nil
}
