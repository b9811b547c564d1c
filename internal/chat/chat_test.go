package chat

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/seanblong/repotalk/internal/ai"
	"github.com/seanblong/repotalk/internal/cache"
	"github.com/seanblong/repotalk/internal/store"
	"github.com/seanblong/repotalk/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockRetriever implements Retriever for testing
type MockRetriever struct {
	RefreshFunc func(ctx context.Context, repoID string) (int64, error)
	SearchFunc  func(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error)
	calls       []string
}

func (m *MockRetriever) Refresh(ctx context.Context, repoID string) (int64, error) {
	m.calls = append(m.calls, "refresh")
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, repoID)
	}
	return 1, nil
}

func (m *MockRetriever) Search(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error) {
	m.calls = append(m.calls, "search")
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query, repoID, k)
	}
	return nil, nil
}

// MockGenerator implements Generator for testing
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, system, prompt string) (string, error)
	calls        int
	system       string
	prompt       string
}

func (m *MockGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	m.calls++
	m.system, m.prompt = system, prompt
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, system, prompt)
	}
	return "It parses the config file.", nil
}

func result(file, text string) models.SearchResult {
	return models.SearchResult{Chunk: models.Chunk{RepoID: "acme/w/main", FilePath: "src/" + file, FileName: file, Text: text}}
}

func threeResults(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error) {
	return []models.SearchResult{
		result("config.go", "func Load() {}"),
		result("main.go", "func main() { Load() }"),
		result("config.go", "type Spec struct{}"),
	}, nil
}

func TestAnswer(t *testing.T) {
	r := &MockRetriever{SearchFunc: threeResults}
	g := &MockGenerator{}
	a := New(r, g, Options{})

	got := a.Answer(context.Background(), "what does Load do?", "acme/w/main")
	if got.Text != "It parses the config file." {
		t.Errorf("unexpected answer %q", got.Text)
	}
	if want := []string{"config.go", "main.go"}; !reflect.DeepEqual(got.Sources, want) {
		t.Errorf("Sources = %v, want %v", got.Sources, want)
	}
	if want := []string{"refresh", "search"}; !reflect.DeepEqual(r.calls, want) {
		t.Errorf("calls = %v, want %v", r.calls, want)
	}
	if g.calls != 1 {
		t.Errorf("expected one model call, got %d", g.calls)
	}
	if !strings.Contains(g.prompt, "func Load() {}\n\nfunc main() { Load() }") || !strings.HasSuffix(g.prompt, "what does Load do?") {
		t.Errorf("prompt missing context or question:\n%s", g.prompt)
	}
	if !strings.Contains(g.system, `"acme/w/main"`) || !strings.Contains(g.system, DefaultFallbackText) {
		t.Errorf("system prompt missing repository or fallback:\n%s", g.system)
	}
}

func TestAnswer_RequestsK(t *testing.T) {
	var gotK int
	r := &MockRetriever{SearchFunc: func(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error) {
		gotK = k
		return threeResults(ctx, query, repoID, k)
	}}
	New(r, &MockGenerator{}, Options{}).Answer(context.Background(), "q", "acme/w/main")
	if gotK != DefaultK {
		t.Errorf("k = %d, want %d", gotK, DefaultK)
	}
}

func TestAnswer_Fallbacks(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		search    func(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error)
		generate  func(ctx context.Context, system, prompt string) (string, error)
		want      string
		wantModel int
	}{
		{
			name:  "blank query",
			query: "  \n",
			want:  "nope",
		},
		{
			name:   "no context",
			query:  "q",
			search: func(context.Context, string, string, int) ([]models.SearchResult, error) { return nil, nil },
			want:   "nope",
		},
		{
			name:  "search failure",
			query: "q",
			search: func(context.Context, string, string, int) ([]models.SearchResult, error) {
				return nil, errors.New("db down")
			},
			want: "sorry",
		},
		{
			name:      "model failure",
			query:     "q",
			search:    threeResults,
			generate:  func(context.Context, string, string) (string, error) { return "", errors.New("quota") },
			want:      "sorry",
			wantModel: 1,
		},
		{
			name:      "model says it does not know",
			query:     "q",
			search:    threeResults,
			generate:  func(context.Context, string, string) (string, error) { return " 'Nope.'\n", nil },
			want:      "nope",
			wantModel: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &MockRetriever{SearchFunc: tt.search}
			g := &MockGenerator{GenerateFunc: tt.generate}
			a := New(r, g, Options{FallbackText: "nope", ApologyText: "sorry"})

			got := a.Answer(context.Background(), tt.query, "acme/w/main")
			if got.Text != tt.want {
				t.Errorf("Text = %q, want %q", got.Text, tt.want)
			}
			if got.Sources == nil || len(got.Sources) != 0 {
				t.Errorf("expected empty citations, got %#v", got.Sources)
			}
			if g.calls != tt.wantModel {
				t.Errorf("model called %d times, want %d", g.calls, tt.wantModel)
			}
		})
	}
}

func TestAnswer_RefreshFailureContinues(t *testing.T) {
	r := &MockRetriever{
		RefreshFunc: func(context.Context, string) (int64, error) { return 0, errors.New("timeout") },
		SearchFunc:  threeResults,
	}
	got := New(r, &MockGenerator{}, Options{}).Answer(context.Background(), "q", "acme/w/main")
	if got.Text != "It parses the config file." {
		t.Errorf("expected an answer despite the refresh failure, got %q", got.Text)
	}
}

func TestAnswer_UnrelatedQueryAgainstCache(t *testing.T) {
	client := ai.NewStubClient(64)
	mem := store.NewMemory()
	if err := mem.Migrate(context.Background(), client.Dim()); err != nil {
		t.Fatal(err)
	}
	c := cache.New(mem, client, cache.Options{})
	defer c.Close()

	now := time.Now().UTC()
	chunks := []models.Chunk{
		{ID: "1", RepoID: "acme/w/main", FilePath: "a.py", FileName: "a.py", Text: "def add(a, b): return a + b", CreatedAt: now, RefreshedAt: now},
		{ID: "2", RepoID: "acme/w/main", FilePath: "README.md", FileName: "README.md", Text: "# widgets\nA calculator.", CreatedAt: now, RefreshedAt: now},
	}
	if _, err := c.PutBatch(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}

	// a well behaved model that finds nothing relevant in the context
	g := &MockGenerator{GenerateFunc: func(ctx context.Context, system, prompt string) (string, error) {
		return DefaultFallbackText, nil
	}}
	got := New(c, g, Options{}).Answer(context.Background(), "what is the capital of France?", "acme/w/main")
	if got.Text != DefaultFallbackText || len(got.Sources) != 0 {
		t.Errorf("Answer() = %+v", got)
	}
}

func TestSources(t *testing.T) {
	in := []models.SearchResult{result("b.go", ""), result("a.go", ""), result("b.go", ""), result("", "")}
	if got := sources(in); !reflect.DeepEqual(got, []string{"b.go", "a.go"}) {
		t.Errorf("sources() = %v", got)
	}
}
