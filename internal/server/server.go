// Package server exposes ingestion and chat over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/internal/loader"
	"github.com/seanblong/repotalk/pkg/models"
)

const (
	bodyLimit    = 64 << 10
	storeTimeout = 10 * time.Second
)

type Ingester interface {
	Ingest(ctx context.Context, url, branch string, force bool) models.IngestResult
}

type Answerer interface {
	Answer(ctx context.Context, query, repoID string) models.Answer
}

// Repositories lists and evicts cached repositories.
type Repositories interface {
	Repositories(ctx context.Context) ([]models.RepositoryInfo, error)
	Delete(ctx context.Context, repoID string) (int64, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Ingester     Ingester
	Answerer     Answerer
	Repositories Repositories
	Health       Pinger
}

type ingestRequest struct {
	RepoURL string `json:"repo_url"`
	Branch  string `json:"branch"`
	Force   bool   `json:"force"`
}

type ingestResponse struct {
	RepoID  string `json:"repo_id"`
	Outcome string `json:"outcome"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Files   int    `json:"files"`
	Chunks  int    `json:"chunks"`
}

type chatRequest struct {
	RepoID string `json:"repo_id"`
	Query  string `json:"query"`
}

type deleteResponse struct {
	RepoID  string `json:"repo_id"`
	Deleted int64  `json:"deleted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter returns the HTTP handler with request logging and panic recovery.
func NewRouter(h *Handlers, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("dur", dur).
			Msg("http")
	}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/ingest", h.ingest)
	r.Post("/chat", h.chat)
	r.Get("/repositories", h.listRepositories)
	r.Delete("/repositories/{owner}/{repo}/*", h.deleteRepository)

	return r
}

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Health.Ping(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[ingestRequest](w, r)
	if !ok {
		return
	}
	req.RepoURL = strings.TrimSpace(req.RepoURL)
	if req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}
	if strings.TrimSpace(req.Branch) == "" {
		req.Branch = "main"
	}
	if _, err := loader.RepoID(req.RepoURL, req.Branch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid repository url")
		return
	}

	res := h.Ingester.Ingest(r.Context(), req.RepoURL, req.Branch, req.Force)
	status := http.StatusOK
	switch res.Outcome {
	case models.OutcomeIngested:
		status = http.StatusCreated
	case models.OutcomeFailed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ingestResponse{
		RepoID:  res.RepoID,
		Outcome: string(res.Outcome),
		Status:  res.Status(),
		Reason:  res.Reason,
		Files:   res.Files,
		Chunks:  res.Chunks,
	})
}

func (h *Handlers) chat(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[chatRequest](w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.RepoID) == "" {
		writeError(w, http.StatusBadRequest, "repo_id is required")
		return
	}
	writeJSON(w, http.StatusOK, h.Answerer.Answer(r.Context(), req.Query, req.RepoID))
}

func (h *Handlers) listRepositories(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	repos, err := h.Repositories.Repositories(ctx)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if repos == nil {
		repos = []models.RepositoryInfo{}
	}
	writeJSON(w, http.StatusOK, repos)
}

func (h *Handlers) deleteRepository(w http.ResponseWriter, r *http.Request) {
	branch := strings.Trim(chi.URLParam(r, "*"), "/")
	if branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return
	}
	repoID := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo") + "/" + branch

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	n, err := h.Repositories.Delete(ctx, repoID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "repository not cached")
		return
	}
	hlog.FromRequest(r).Info().Str("repo_id", repoID).Int64("chunks", n).Msg("repository evicted")
	writeJSON(w, http.StatusOK, deleteResponse{RepoID: repoID, Deleted: n})
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to write JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeStoreError logs err and answers with a plain message.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	if apperr.Is(err, apperr.KindStore) {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal server error")
}
