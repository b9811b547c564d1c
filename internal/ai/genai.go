package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GenAIClient talks to Google models through either Vertex AI or the Gemini
// developer API, depending on the provider.
type GenAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewGenAIClient creates a client for the Vertex AI or Gemini API backend.
func NewGenAIClient(ctx context.Context, config *ClientConfig) (*GenAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		if config.Provider == ProviderGemini {
			config.EmbedModel = "text-embedding-004"
		} else {
			config.EmbedModel = "text-embedding-005"
		}
	}
	if config.ChatModel == "" {
		config.ChatModel = "gemini-2.5-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}

	cc := genai.ClientConfig{Backend: genai.BackendVertexAI}
	if config.Provider == ProviderGemini {
		if strings.TrimSpace(config.APIKey) == "" {
			return nil, errors.New("gemini provider requires an API key")
		}
		cc.Backend = genai.BackendGeminiAPI
	} else if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" && cc.Backend == genai.BackendVertexAI {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" && cc.Backend == genai.BackendVertexAI {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GenAIClient{
		config: config,
		client: client,
	}, nil
}

func (c *GenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *GenAIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

func (c *GenAIClient) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	if c.client == nil {
		return nil, errors.New("genai client not initialized")
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	cfg := genai.EmbedContentConfig{
		TaskType:             task,
		OutputDimensionality: genai.Ptr(int32(c.config.Dim)),
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding returned %d vectors for %d inputs", embeddingCount(res), len(texts))
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("embedding %d missing", i)
		}
		out[i] = e.Values
	}
	return out, nil
}

func embeddingCount(res *genai.EmbedContentResponse) int {
	if res == nil {
		return 0
	}
	return len(res.Embeddings)
}

func (c *GenAIClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if c.client == nil {
		return "", errors.New("genai client not initialized")
	}
	temp := float32(0.2)
	cfg := genai.GenerateContentConfig{Temperature: &temp}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.ChatModel, genai.Text(prompt), &cfg)
	if err != nil {
		return "", fmt.Errorf("generation failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("no answer returned")
	}
	return text, nil
}

func (c *GenAIClient) Dim() int {
	return c.config.Dim
}
