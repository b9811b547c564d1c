// Package cache is the time-boxed embedding cache: chunk vectors partitioned
// by repository id, refreshed on activity and evicted once they have been
// idle for longer than the TTL.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/seanblong/repotalk/internal/ai"
	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/internal/metrics"
	"github.com/seanblong/repotalk/internal/store"
	"github.com/seanblong/repotalk/pkg/models"
)

const (
	DefaultBatchSize     = 20
	DefaultBatchDelay    = 4 * time.Second
	DefaultTTL           = 48 * time.Hour
	DefaultSweepInterval = 10 * time.Minute
	DefaultFetchK        = 20
	DefaultLambda        = 0.5
)

type Options struct {
	BatchSize int
	// BatchDelay is the minimum spacing between embedding batches; zero disables pacing.
	BatchDelay    time.Duration
	TTL           time.Duration
	SweepInterval time.Duration
	FetchK        int
	Lambda        float64
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.FetchK <= 0 {
		o.FetchK = DefaultFetchK
	}
	if o.Lambda <= 0 || o.Lambda > 1 {
		o.Lambda = DefaultLambda
	}
	return o
}

// Cache coordinates embedding, storage and retrieval of chunks.
type Cache struct {
	store   store.ChunkStore
	client  ai.Client
	opts    Options
	limiter *rate.Limiter
	locks   *keyedMutex
	now     func() time.Time

	evictMu  sync.Mutex
	indexed  bool
	sweeping bool
	closed   bool
	stop     chan struct{}
	done     chan struct{}
}

// New creates a Cache over s. Document and query vectors come from client.
func New(s store.ChunkStore, client ai.Client, opts Options) *Cache {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.BatchDelay > 0 {
		limit = rate.Every(opts.BatchDelay)
	}
	return &Cache{
		store:   s,
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		locks:   newKeyedMutex(),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Exists reports whether repoID has at least one live chunk.
func (c *Cache) Exists(ctx context.Context, repoID string) (bool, error) {
	return c.store.Exists(ctx, repoID)
}

// PutBatch embeds and stores chunks, BatchSize at a time and no faster than
// one batch per BatchDelay. Batches of one repository never run concurrently.
// It returns the number of chunks newly written; on error, batches that were
// already written remain.
func (c *Cache) PutBatch(ctx context.Context, chunks []models.Chunk) (int64, error) {
	var order []string
	groups := make(map[string][]models.Chunk)
	for _, ch := range chunks {
		if _, ok := groups[ch.RepoID]; !ok {
			order = append(order, ch.RepoID)
		}
		groups[ch.RepoID] = append(groups[ch.RepoID], ch)
	}

	var total int64
	for _, repoID := range order {
		n, err := c.putRepo(ctx, repoID, groups[repoID])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Cache) putRepo(ctx context.Context, repoID string, chunks []models.Chunk) (int64, error) {
	unlock := c.locks.Lock(repoID)
	defer unlock()

	var inserted int64
	batches := (len(chunks) + c.opts.BatchSize - 1) / c.opts.BatchSize
	for b := 0; b < batches; b++ {
		start := b * c.opts.BatchSize
		end := min(start+c.opts.BatchSize, len(chunks))
		batch := chunks[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			return inserted, apperr.Store("cache.put_batch", err)
		}

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}
		began := time.Now()
		vecs, err := c.client.EmbedDocuments(ctx, texts)
		if err != nil {
			metrics.RecordEmbedError()
			return inserted, apperr.Model("cache.embed_documents", err)
		}
		if err := c.checkVectors(vecs, len(batch)); err != nil {
			metrics.RecordEmbedError()
			return inserted, apperr.Model("cache.embed_documents", err)
		}
		embedTook := time.Since(began)

		n, err := c.store.InsertChunks(ctx, batch, vecs)
		if err != nil {
			return inserted, apperr.Store("cache.put_batch", err)
		}
		inserted += n
		metrics.RecordBatch(n, embedTook)
		log.Debug().Str("repo_id", repoID).
			Int("batch", b+1).
			Int("batches", batches).
			Int64("inserted", n).
			Dur("embed", embedTook).
			Msg("stored batch")
	}
	return inserted, nil
}

func (c *Cache) checkVectors(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("got %d vectors for %d chunks", len(vecs), want)
	}
	dim := c.client.Dim()
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dim)
		}
	}
	return nil
}

// Refresh moves the freshness timestamp of every chunk of repoID to now.
// It never moves a timestamp backwards and leaves other repositories alone.
func (c *Cache) Refresh(ctx context.Context, repoID string) (int64, error) {
	n, err := c.store.Touch(ctx, repoID, c.now().UTC())
	if err != nil {
		return 0, apperr.Store("cache.refresh", err)
	}
	metrics.RecordRefresh()
	return n, nil
}

// Search returns up to k chunks of repoID relevant to query, chosen by
// maximal marginal relevance among the FetchK nearest neighbours. Chunks of
// other repositories are never returned.
func (c *Cache) Search(ctx context.Context, query, repoID string, k int) ([]models.SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := c.client.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Model("cache.embed_query", err)
	}

	cands, err := c.store.Nearest(ctx, vec, repoID, max(c.opts.FetchK, k))
	if err != nil {
		return nil, apperr.Store("cache.search", err)
	}

	kept := cands[:0]
	for _, cand := range cands {
		if cand.Chunk.RepoID != repoID {
			log.Warn().Str("repo_id", repoID).Str("other", cand.Chunk.RepoID).Msg("dropping chunk from another repository")
			continue
		}
		kept = append(kept, cand)
	}

	embs := make([][]float32, len(kept))
	for i, cand := range kept {
		embs[i] = cand.Embedding
	}
	picked := mmrSelect(vec, embs, k, c.opts.Lambda)

	out := make([]models.SearchResult, len(picked))
	for i, idx := range picked {
		out[i] = models.SearchResult{Chunk: kept[idx].Chunk, Score: kept[idx].Similarity}
	}
	return out, nil
}

// EvictExpired deletes every chunk idle for longer than the TTL.
func (c *Cache) EvictExpired(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-c.opts.TTL)
	n, err := c.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		return 0, apperr.Store("cache.evict", err)
	}
	if n > 0 {
		metrics.RecordEviction(n)
		log.Info().Int64("chunks", n).Time("cutoff", cutoff).Msg("evicted expired chunks")
	}
	return n, nil
}

// EnsureEviction makes sure the freshness index exists and that the
// background sweeper is running. It is safe to call any number of times.
func (c *Cache) EnsureEviction(ctx context.Context) error {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	if !c.indexed {
		if err := c.store.EnsureFreshnessIndex(ctx); err != nil {
			return apperr.Store("cache.ensure_eviction", err)
		}
		c.indexed = true
	}
	if !c.sweeping && !c.closed {
		c.sweeping = true
		go c.sweep()
		log.Info().Dur("interval", c.opts.SweepInterval).Dur("ttl", c.opts.TTL).Msg("eviction sweeper started")
	}
	return nil
}

func (c *Cache) sweep() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := c.EvictExpired(ctx); err != nil {
				log.Error().Err(err).Msg("eviction sweep failed")
			}
			cancel()
		}
	}
}

// Delete removes every chunk of repoID.
func (c *Cache) Delete(ctx context.Context, repoID string) (int64, error) {
	unlock := c.locks.Lock(repoID)
	defer unlock()
	n, err := c.store.DeleteRepository(ctx, repoID)
	if err != nil {
		return 0, apperr.Store("cache.delete", err)
	}
	return n, nil
}

// Repositories lists the repositories with live chunks.
func (c *Cache) Repositories(ctx context.Context) ([]models.RepositoryInfo, error) {
	return c.store.GetRepositories(ctx)
}

// Close stops the sweeper. The underlying store is left open.
func (c *Cache) Close() {
	c.evictMu.Lock()
	if c.closed {
		c.evictMu.Unlock()
		return
	}
	c.closed = true
	running := c.sweeping
	close(c.stop)
	c.evictMu.Unlock()

	if running {
		<-c.done
	}
}

// keyedMutex serialises work per key without a global lock across I/O.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
