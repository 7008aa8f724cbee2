// Package api serves the signal ingestion endpoints and the operator API for
// incidents and repos.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/joescharf/sentinell/internal/hydrate"
	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/metrics"
	"github.com/joescharf/sentinell/internal/models"
	"github.com/joescharf/sentinell/internal/store"
)

// Poller runs a repo's health checks on demand.
type Poller interface {
	PollRepo(ctx context.Context, repo *models.Repo) (*models.PollResult, error)
}

// ContextBuilder assembles an incident's observed context.
type ContextBuilder interface {
	Hydrate(ctx context.Context, inc *models.Incident, opts hydrate.Options) (*models.IncidentContext, error)
}

// Config wires the server's collaborators. Everything but Store and Ingest may be nil.
type Config struct {
	Store         store.Store
	Ingest        *ingest.Service
	Context       ContextBuilder
	Poller        Poller
	Metrics       *metrics.Metrics
	WebhookSecret string
	Logger        *zap.Logger
}

// Server provides the REST API handlers.
type Server struct {
	store         store.Store
	ingest        *ingest.Service
	context       ContextBuilder
	poller        Poller
	metrics       *metrics.Metrics
	webhookSecret []byte
	logger        *zap.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:         cfg.Store,
		ingest:        cfg.Ingest,
		context:       cfg.Context,
		poller:        cfg.Poller,
		metrics:       cfg.Metrics,
		webhookSecret: []byte(cfg.WebhookSecret),
		logger:        logger.Named("api"),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware)

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/issues", s.reportIssue)
		r.Post("/signals/logs", s.logSignal)
		r.Post("/signals/slack", s.slackSignal)
		r.Post("/signals/github", s.githubSignal)

		r.Get("/dashboard", s.dashboard)

		r.Get("/incidents", s.listIncidents)
		r.Route("/incidents/{id}", func(r chi.Router) {
			r.Get("/", s.getIncident)
			r.Get("/context", s.incidentContext)
			r.Post("/approve", s.approveIncident)
			r.Post("/reject", s.rejectIncident)
			r.Post("/requeue", s.requeueIncident)
		})

		r.Get("/repos", s.listRepos)
		r.Post("/repos", s.createRepo)
		r.Route("/repos/{id}", func(r chi.Router) {
			r.Get("/", s.getRepo)
			r.Patch("/", s.updateRepo)
			r.Delete("/", s.deleteRepo)
			r.Post("/poll", s.pollRepo)
		})
	})
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ingest.ErrInvalidSignal):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// patchString applies a string value from a JSON patch map to the target if the key is present and non-empty.
func patchString(patch map[string]any, key string, target *string) {
	if v, ok := patch[key]; ok {
		if str, ok := v.(string); ok && str != "" {
			*target = str
		}
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Signals ---

func (s *Server) reportIssue(w http.ResponseWriter, r *http.Request) {
	var req ingest.ManualReport
	if !decode(w, r, &req) {
		return
	}
	inc, err := s.ingest.ReportManual(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (s *Server) logSignal(w http.ResponseWriter, r *http.Request) {
	var req ingest.LogSignal
	if !decode(w, r, &req) {
		return
	}
	inc, err := s.ingest.IngestLog(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inc)
}

func (s *Server) slackSignal(w http.ResponseWriter, r *http.Request) {
	var req ingest.SlackSignal
	if !decode(w, r, &req) {
		return
	}
	inc, err := s.ingest.IngestSlack(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, inc)
}

// --- Incidents ---

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountIncidents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) listIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IncidentListFilter{
		Status: models.IncidentStatus(q.Get("status")),
		RepoID: q.Get("repo_id"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	incidents, err := s.store.ListIncidents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if incidents == nil {
		incidents = []*models.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) getIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := s.store.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) incidentContext(w http.ResponseWriter, r *http.Request) {
	if s.context == nil {
		writeError(w, http.StatusServiceUnavailable, "context hydration not configured")
		return
	}
	inc, err := s.store.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ictx, err := s.context.Hydrate(r.Context(), inc, hydrate.Options{})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ictx)
}

func (s *Server) approveIncident(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) rejectIncident(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	id := chi.URLParam(r, "id")
	inc, err := s.store.DecideApproval(r.Context(), id, approve)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("approval decided", zap.String("incident_id", id), zap.Bool("approved", approve))
	writeJSON(w, http.StatusOK, inc)
}

func (s *Server) requeueIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Requeue(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	inc, err := s.store.GetIncident(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// --- Repos ---

func (s *Server) listRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.store.ListRepos(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if repos == nil {
		repos = []*models.Repo{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) getRepo(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) createRepo(w http.ResponseWriter, r *http.Request) {
	var repo models.Repo
	if !decode(w, r, &repo) {
		return
	}
	repo.Name = strings.TrimSpace(repo.Name)
	repo.RepoURL = strings.TrimSpace(repo.RepoURL)
	if repo.Name == "" || repo.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "name and repo_url are required")
		return
	}
	if repo.DefaultBranch == "" {
		repo.DefaultBranch = "main"
	}
	if err := s.store.CreateRepo(r.Context(), &repo); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) updateRepo(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetRepo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var patch map[string]any
	if !decode(w, r, &patch) {
		return
	}

	// Empty strings are treated as "not provided" to avoid wiping existing data.
	patchString(patch, "name", &existing.Name)
	patchString(patch, "repo_url", &existing.RepoURL)
	patchString(patch, "default_branch", &existing.DefaultBranch)
	patchString(patch, "install_ref", &existing.InstallRef)
	patchString(patch, "description", &existing.Description)
	if meta, ok := patch["metadata"].(map[string]any); ok {
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		for k, v := range meta {
			existing.Metadata[k] = v
		}
	}
	if v, ok := patch[models.MetaAutoPollEnabled].(bool); ok {
		if existing.Metadata == nil {
			existing.Metadata = map[string]any{}
		}
		existing.Metadata[models.MetaAutoPollEnabled] = v
	}

	if err := s.store.UpdateRepo(r.Context(), existing); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

func (s *Server) deleteRepo(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRepo(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pollRepo(w http.ResponseWriter, r *http.Request) {
	if s.poller == nil {
		writeError(w, http.StatusServiceUnavailable, "repo poller not configured")
		return
	}
	repo, err := s.store.GetRepo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	result, err := s.poller.PollRepo(r.Context(), repo)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
