package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaURL        = "http://localhost:11434"
	defaultOllamaEmbedModel = "nomic-embed-text"
	defaultOllamaChatModel  = "llama3.1"
)

// OllamaClient runs embeddings and chat against a local Ollama server.
type OllamaClient struct {
	config *ClientConfig
	client *api.Client
}

func NewOllamaClient(config *ClientConfig) (*OllamaClient, error) {
	if config.EmbedModel == "" {
		config.EmbedModel = defaultOllamaEmbedModel
	}
	if config.ChatModel == "" {
		config.ChatModel = defaultOllamaChatModel
	}
	if config.Dim == 0 {
		// nomic-embed-text
		config.Dim = 768
	}
	raw := strings.TrimSpace(config.BaseURL)
	if raw == "" {
		raw = defaultOllamaURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q", raw)
	}

	return &OllamaClient{
		config: config,
		client: api.NewClient(base, http.DefaultClient),
	}, nil
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *OllamaClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.client.Embed(ctx, &api.EmbedRequest{
		Model: c.config.EmbedModel,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (c *OllamaClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	stream := false
	messages := make([]api.Message, 0, 2)
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	var sb strings.Builder
	err := c.client.Chat(ctx, &api.ChatRequest{
		Model:    c.config.ChatModel,
		Messages: messages,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("ollama chat: empty response")
	}
	return text, nil
}

func (c *OllamaClient) Dim() int {
	return c.config.Dim
}
