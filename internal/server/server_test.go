package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockIngester implements Ingester for testing
type MockIngester struct {
	IngestFunc func(ctx context.Context, url, branch string, force bool) models.IngestResult
	calls      int
	branch     string
	force      bool
}

func (m *MockIngester) Ingest(ctx context.Context, url, branch string, force bool) models.IngestResult {
	m.calls++
	m.branch, m.force = branch, force
	return m.IngestFunc(ctx, url, branch, force)
}

// MockAnswerer implements Answerer for testing
type MockAnswerer struct {
	AnswerFunc func(ctx context.Context, query, repoID string) models.Answer
}

func (m *MockAnswerer) Answer(ctx context.Context, query, repoID string) models.Answer {
	return m.AnswerFunc(ctx, query, repoID)
}

// MockRepositories implements Repositories for testing
type MockRepositories struct {
	RepositoriesFunc func(ctx context.Context) ([]models.RepositoryInfo, error)
	DeleteFunc       func(ctx context.Context, repoID string) (int64, error)
}

func (m *MockRepositories) Repositories(ctx context.Context) ([]models.RepositoryInfo, error) {
	return m.RepositoriesFunc(ctx)
}

func (m *MockRepositories) Delete(ctx context.Context, repoID string) (int64, error) {
	return m.DeleteFunc(ctx, repoID)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func serve(t *testing.T, h *Handlers, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	NewRouter(h, zerolog.Nop()).ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		result     models.IngestResult
		wantStatus int
		wantCalls  int
		wantBranch string
		wantState  string
	}{
		{
			name:       "ingested",
			body:       `{"repo_url":"https://github.com/acme/widgets","force":true}`,
			result:     models.IngestResult{RepoID: "acme/widgets/main", Outcome: models.OutcomeIngested, Files: 2, Chunks: 7},
			wantStatus: http.StatusCreated,
			wantCalls:  1,
			wantBranch: "main",
			wantState:  "ingested",
		},
		{
			name:       "already indexed",
			body:       `{"repo_url":"https://github.com/acme/widgets","branch":"dev"}`,
			result:     models.IngestResult{RepoID: "acme/widgets/dev", Outcome: models.OutcomeAlreadyIndexed},
			wantStatus: http.StatusOK,
			wantCalls:  1,
			wantBranch: "dev",
			wantState:  "already-indexed",
		},
		{
			name:       "failed",
			body:       `{"repo_url":"https://github.com/acme/widgets"}`,
			result:     models.IngestResult{RepoID: "acme/widgets/main", Outcome: models.OutcomeFailed, Reason: "load failed"},
			wantStatus: http.StatusBadGateway,
			wantCalls:  1,
			wantBranch: "main",
			wantState:  "failed:load failed",
		},
		{name: "missing url", body: `{"branch":"main"}`, wantStatus: http.StatusBadRequest},
		{name: "invalid url", body: `{"repo_url":"widgets"}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{"repo_url":`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &MockIngester{IngestFunc: func(context.Context, string, string, bool) models.IngestResult { return tt.result }}
			rec := serve(t, &Handlers{Ingester: ing}, http.MethodPost, "/ingest", tt.body)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if ing.calls != tt.wantCalls {
				t.Fatalf("ingest called %d times, want %d", ing.calls, tt.wantCalls)
			}
			if tt.wantCalls == 0 {
				return
			}
			if ing.branch != tt.wantBranch {
				t.Errorf("branch = %q, want %q", ing.branch, tt.wantBranch)
			}
			resp := decode[ingestResponse](t, rec)
			if resp.Status != tt.wantState || resp.RepoID != tt.result.RepoID {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestIngest_ForwardsForce(t *testing.T) {
	ing := &MockIngester{IngestFunc: func(context.Context, string, string, bool) models.IngestResult {
		return models.IngestResult{Outcome: models.OutcomeIngested}
	}}
	serve(t, &Handlers{Ingester: ing}, http.MethodPost, "/ingest", `{"repo_url":"git@github.com:acme/widgets.git","force":true}`)
	if !ing.force {
		t.Error("force flag was not forwarded")
	}
}

func TestChat(t *testing.T) {
	var gotQuery, gotRepo string
	ans := &MockAnswerer{AnswerFunc: func(ctx context.Context, query, repoID string) models.Answer {
		gotQuery, gotRepo = query, repoID
		return models.Answer{Text: "It routes requests.", Sources: []string{"router.go"}}
	}}
	h := &Handlers{Answerer: ans}

	rec := serve(t, h, http.MethodPost, "/chat", `{"repo_id":"acme/widgets/main","query":"what does it do?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[models.Answer](t, rec)
	if got.Text != "It routes requests." || len(got.Sources) != 1 || got.Sources[0] != "router.go" {
		t.Errorf("answer = %+v", got)
	}
	if gotQuery != "what does it do?" || gotRepo != "acme/widgets/main" {
		t.Errorf("forwarded query=%q repo=%q", gotQuery, gotRepo)
	}

	if rec := serve(t, h, http.MethodPost, "/chat", `{"query":"x"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing repo_id: status = %d", rec.Code)
	}
	if rec := serve(t, h, http.MethodPost, "/chat", strings.Repeat("x", bodyLimit+1)); rec.Code != http.StatusRequestEntityTooLarge && rec.Code != http.StatusBadRequest {
		t.Errorf("oversized body: status = %d", rec.Code)
	}
}

func TestRepositories(t *testing.T) {
	repos := &MockRepositories{
		RepositoriesFunc: func(ctx context.Context) ([]models.RepositoryInfo, error) {
			return []models.RepositoryInfo{{RepoID: "acme/widgets/main", Chunks: 12}}, nil
		},
	}
	rec := serve(t, &Handlers{Repositories: repos}, http.MethodGet, "/repositories", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[[]models.RepositoryInfo](t, rec)
	if len(got) != 1 || got[0].Chunks != 12 {
		t.Errorf("repositories = %+v", got)
	}

	repos.RepositoriesFunc = func(ctx context.Context) ([]models.RepositoryInfo, error) { return nil, nil }
	rec = serve(t, &Handlers{Repositories: repos}, http.MethodGet, "/repositories", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty list should encode as [], got %q", rec.Body.String())
	}

	repos.RepositoriesFunc = func(ctx context.Context) ([]models.RepositoryInfo, error) {
		return nil, apperr.Store("store.repositories", errors.New("password authentication failed for user postgres"))
	}
	rec = serve(t, &Handlers{Repositories: repos}, http.MethodGet, "/repositories", "")
	if rec.Code != http.StatusServiceUnavailable || strings.Contains(rec.Body.String(), "password") {
		t.Errorf("store errors must map to a plain 503, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestDeleteRepository(t *testing.T) {
	var deleted string
	repos := &MockRepositories{DeleteFunc: func(ctx context.Context, repoID string) (int64, error) {
		deleted = repoID
		if repoID == "acme/none/main" {
			return 0, nil
		}
		return 9, nil
	}}
	h := &Handlers{Repositories: repos}

	rec := serve(t, h, http.MethodDelete, "/repositories/acme/widgets/feature/login", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if deleted != "acme/widgets/feature/login" {
		t.Errorf("deleted %q", deleted)
	}
	if got := decode[deleteResponse](t, rec); got.Deleted != 9 {
		t.Errorf("response = %+v", got)
	}

	if rec := serve(t, h, http.MethodDelete, "/repositories/acme/none/main", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown repository: status = %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	if rec := serve(t, &Handlers{Health: ok}, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthy: status = %d", rec.Code)
	}
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })
	if rec := serve(t, &Handlers{Health: down}, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := serve(t, &Handlers{}, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestRecoversPanics(t *testing.T) {
	ans := &MockAnswerer{AnswerFunc: func(context.Context, string, string) models.Answer { panic("boom") }}
	rec := serve(t, &Handlers{Answerer: ans}, http.MethodPost, "/chat", `{"repo_id":"a/b/main","query":"q"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
