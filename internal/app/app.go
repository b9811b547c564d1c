// Package app wires the configured components into the ingestion and chat
// pipelines shared by the HTTP server and the command line.
package app

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/seanblong/repotalk/internal/ai"
	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/internal/cache"
	"github.com/seanblong/repotalk/internal/chat"
	"github.com/seanblong/repotalk/internal/chunker"
	"github.com/seanblong/repotalk/internal/config"
	"github.com/seanblong/repotalk/internal/indexer"
	"github.com/seanblong/repotalk/internal/loader"
	"github.com/seanblong/repotalk/internal/store"
)

type App struct {
	Store    store.ChunkStore
	Client   ai.Client
	Cache    *cache.Cache
	Indexer  *indexer.Indexer
	Answerer *chat.Answerer

	queryCache *ai.CachedClient
}

// ClientConfig maps the provider settings of cfg onto an ai.ClientConfig.
func ClientConfig(cfg config.Specification) *ai.ClientConfig {
	return &ai.ClientConfig{
		Provider:   ai.Provider(strings.ToLower(cfg.Provider)),
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		ChatModel:  cfg.ChatModel,
		Dim:        cfg.Dim,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		BaseURL:    cfg.BaseURL,
	}
}

// New builds every component from cfg. The store is migrated to the
// client's embedding dimension before anything else can use it.
func New(ctx context.Context, cfg config.Specification) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := ai.NewClient(ctx, ClientConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewWithClient(ctx, cfg, client, loader.New(cfg.GithubToken, loader.Options{
		CloneDir:         cfg.CloneDir,
		CloneConcurrency: cfg.Ingest.CloneConcurrency,
	}))
}

// NewWithClient is New with the model client and repository loader supplied
// by the caller.
func NewWithClient(ctx context.Context, cfg config.Specification, client ai.Client, l loader.Loader) (*App, error) {
	st, err := store.Open(ctx, cfg.Database, store.Options{Database: cfg.DatabaseName, Table: cfg.Table})
	if err != nil {
		return nil, err
	}
	dim := client.Dim()
	if err := st.Migrate(ctx, dim); err != nil {
		st.Close()
		return nil, err
	}
	log.Info().Str("provider", cfg.Provider).Int("embedding_dim", dim).Str("table", cfg.Table).Msg("store ready")

	a := &App{Store: st, Client: client}

	queryClient := client
	if cfg.Retrieval.QueryCacheBytes > 0 {
		qc, err := ai.NewCachedClient(client, cfg.Retrieval.QueryCacheBytes, cfg.Retrieval.QueryCacheTTL)
		if err != nil {
			st.Close()
			return nil, apperr.Config("app.query_cache", err)
		}
		a.queryCache = qc
		queryClient = qc
	}

	a.Cache = cache.New(st, queryClient, cache.Options{
		BatchSize:     cfg.Ingest.BatchSize,
		BatchDelay:    cfg.Ingest.BatchDelay,
		TTL:           cfg.Ingest.TTL,
		SweepInterval: cfg.Ingest.SweepInterval,
		FetchK:        cfg.Retrieval.FetchK,
		Lambda:        cfg.Retrieval.Lambda,
	})

	ch, err := chunker.New(chunker.Options{Size: chunker.DefaultSize, Overlap: chunker.DefaultOverlap})
	if err != nil {
		a.Close()
		return nil, apperr.Config("app.chunker", err)
	}
	a.Indexer = indexer.New(l, ch, a.Cache, indexer.Options{Workers: cfg.Ingest.Workers, Timeout: cfg.Ingest.Timeout})
	a.Answerer = chat.New(a.Cache, client, chat.Options{
		K:            cfg.Retrieval.K,
		FallbackText: cfg.Answer.FallbackText,
		ApologyText:  cfg.Answer.ApologyText,
	})

	// Chunks from an earlier run still expire on schedule.
	if err := a.Cache.EnsureEviction(ctx); err != nil {
		log.Warn().Err(err).Msg("eviction not scheduled at startup")
	}
	return a, nil
}

// Close stops the sweeper and releases the store.
func (a *App) Close() {
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.queryCache != nil {
		a.queryCache.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
