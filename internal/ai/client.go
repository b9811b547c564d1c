package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/seanblong/repotalk/internal/apperr"
)

// Client provides embedding and chat completion capabilities
type Client interface {
	// Embed embeds a search query.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments embeds stored chunk texts, one vector per input in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Generate returns the model's reply to prompt under the system instruction.
	Generate(ctx context.Context, system, prompt string) (string, error)
	Dim() int
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderGemini   Provider = "gemini"
	ProviderOllama   Provider = "ollama"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	Provider   Provider
	APIKey     string
	EmbedModel string
	ChatModel  string
	Dim        int
	ProjectID  string
	Location   string
	// BaseURL overrides the provider endpoint (OpenAI-compatible gateways, Ollama host).
	BaseURL string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, apperr.Config("ai.new_client", errors.New("client config is required"))
	}

	switch Provider(strings.ToLower(string(config.Provider))) {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI, ProviderGemini:
		c, err := NewGenAIClient(ctx, config)
		if err != nil {
			return nil, apperr.Config("ai.new_client", err)
		}
		return c, nil
	case ProviderOllama:
		c, err := NewOllamaClient(config)
		if err != nil {
			return nil, apperr.Config("ai.new_client", err)
		}
		return c, nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, apperr.Configf("unsupported provider: %s", config.Provider)
	}
}

const defaultStubDim = 256

// StubClient is an offline Client. Embeddings are hashed bags of words, so
// texts sharing words are close; Generate echoes a fixed sentence.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.vector(text), nil
}

func (s *StubClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.vector(t)
	}
	return out, nil
}

func (s *StubClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "This is a stub answer; configure a model provider for real responses.", nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func (s *StubClient) vector(text string) []float32 {
	v := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum32()
		v[int(sum%uint32(s.dim))] += 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// unit vector keeps cosine distance defined for empty input
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
