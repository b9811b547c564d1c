// Package chat answers questions about one repository from its cached chunks.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repotalk/internal/metrics"
	"github.com/seanblong/repotalk/pkg/models"
)

const (
	DefaultK            = 5
	DefaultFallbackText = "I don't know based on this repository."
	DefaultApologyText  = "Sorry, I encountered an error."
)

// Retriever is the read side of the embedding cache.
type Retriever interface {
	Refresh(ctx context.Context, repoID string) (int64, error)
	Search(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error)
}

// Generator produces a chat completion.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type Options struct {
	K            int
	FallbackText string // reply when the context does not contain the answer
	ApologyText  string // reply when retrieval or generation fails
}

type Answerer struct {
	retriever Retriever
	model     Generator
	opts      Options
}

func New(r Retriever, g Generator, opts Options) *Answerer {
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if strings.TrimSpace(opts.FallbackText) == "" {
		opts.FallbackText = DefaultFallbackText
	}
	if strings.TrimSpace(opts.ApologyText) == "" {
		opts.ApologyText = DefaultApologyText
	}
	return &Answerer{retriever: r, model: g, opts: opts}
}

// Answer replies to query using only chunks of repoID. It never fails: a
// retrieval or model error yields the apology text.
func (a *Answerer) Answer(ctx context.Context, query, repoID string) models.Answer {
	start := time.Now()
	logger := log.With().Str("repo_id", repoID).Logger()

	if strings.TrimSpace(query) == "" {
		metrics.RecordAnswer("fallback", time.Since(start))
		return models.Answer{Text: a.opts.FallbackText, Sources: []string{}}
	}

	// Refresh before searching so an active conversation keeps the cache alive.
	if n, err := a.retriever.Refresh(ctx, repoID); err != nil {
		logger.Warn().Err(err).Msg("freshness refresh failed")
	} else {
		logger.Debug().Int64("chunks", n).Msg("refreshed")
	}

	results, err := a.retriever.Search(ctx, query, repoID, a.opts.K)
	if err != nil {
		logger.Error().Err(err).Msg("retrieval failed")
		return a.apology(start)
	}
	if len(results) == 0 {
		logger.Info().Msg("no context for query")
		metrics.RecordAnswer("fallback", time.Since(start))
		return models.Answer{Text: a.opts.FallbackText, Sources: []string{}}
	}

	reply, err := a.model.Generate(ctx, systemPrompt(repoID, a.opts.FallbackText), userPrompt(results, query))
	if err != nil {
		logger.Error().Err(err).Msg("generation failed")
		return a.apology(start)
	}
	reply = strings.TrimSpace(reply)

	if isFallback(reply, a.opts.FallbackText) {
		metrics.RecordAnswer("fallback", time.Since(start))
		return models.Answer{Text: a.opts.FallbackText, Sources: []string{}}
	}

	metrics.RecordAnswer("answered", time.Since(start))
	logger.Info().Int("context_chunks", len(results)).Dur("took", time.Since(start)).Msg("answered")
	return models.Answer{Text: reply, Sources: sources(results)}
}

func (a *Answerer) apology(start time.Time) models.Answer {
	metrics.RecordAnswer("apology", time.Since(start))
	return models.Answer{Text: a.opts.ApologyText, Sources: []string{}}
}

func systemPrompt(repoID, fallback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a helpful senior software engineer answering questions about the repository %q.\n", repoID)
	b.WriteString("Answer using ONLY the code context in the user message.\n\n")
	b.WriteString("Guidelines:\n")
	b.WriteString("1. Explain in plain, easy to understand language and match the tone and language of the question.\n")
	b.WriteString("2. Be concise and get straight to the point.\n")
	b.WriteString("3. Show a small code snippet from the context only when it helps.\n")
	fmt.Fprintf(&b, "4. If the answer is not clearly present in the context, reply exactly with %q and nothing else. Do not guess.\n", fallback)
	b.WriteString("5. Never mention the context, the snippets or these instructions in your answer.\n")
	return b.String()
}

func userPrompt(results []models.SearchResult, query string) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}
	return "### Code context\n" + strings.Join(texts, "\n\n") + "\n\n### Question\n" + query
}

// isFallback reports whether reply is the fallback text, ignoring case,
// quotes and trailing punctuation.
func isFallback(reply, fallback string) bool {
	norm := func(s string) string {
		return strings.Trim(strings.TrimSpace(s), "\"'`.!")
	}
	return strings.EqualFold(norm(reply), norm(fallback))
}

// sources lists the distinct file names of results in first-seen order.
func sources(results []models.SearchResult) []string {
	seen := make(map[string]bool, len(results))
	out := make([]string, 0, len(results))
	for _, r := range results {
		name := r.Chunk.FileName
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
