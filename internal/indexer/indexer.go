// Package indexer orchestrates ingestion of one repository: existence check,
// load, chunk and store, with every failure folded into a failed outcome.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/seanblong/repotalk/internal/chunker"
	"github.com/seanblong/repotalk/internal/loader"
	"github.com/seanblong/repotalk/internal/metrics"
	"github.com/seanblong/repotalk/pkg/models"
)

const (
	maxWorkers     = 8
	DefaultTimeout = 30 * time.Minute
)

// Cache is the part of the embedding cache the indexer writes through.
type Cache interface {
	Exists(ctx context.Context, repoID string) (bool, error)
	PutBatch(ctx context.Context, chunks []models.Chunk) (int64, error)
	Delete(ctx context.Context, repoID string) (int64, error)
	EnsureEviction(ctx context.Context) error
}

type state string

const (
	stateExistsCheck state = "EXISTS_CHECK"
	stateCached      state = "CACHED"
	stateLoading     state = "LOADING"
	stateChunking    state = "CHUNKING"
	stateStoring     state = "STORING"
	stateDone        state = "DONE"
	stateFailed      state = "FAILED"
)

type Options struct {
	// Workers bounds the chunking pool; zero means NumCPU capped at 8.
	Workers int
	// Timeout bounds one ingestion, independently of the callers waiting
	// on it. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Indexer handles ingestion of code repositories into the cache.
type Indexer struct {
	Loader  loader.Loader
	Chunker *chunker.Chunker
	Cache   Cache

	workers int
	timeout time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// chunkID is stable for the same repository, file, position and content, so
// a retried ingestion rewrites nothing it already stored.
func chunkID(repoID, path string, seq int, content string) string {
	h := sha1.Sum([]byte(repoID + "\x00" + path + "\x00" + strconv.Itoa(seq) + "\x00" + hashContent(content)))
	return hex.EncodeToString(h[:])
}

// New creates a new Indexer instance.
func New(l loader.Loader, ch *chunker.Chunker, c Cache, opts Options) *Indexer {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > maxWorkers {
			workers = maxWorkers // Cap at 8; chunking is CPU bound
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Indexer{
		Loader:  l,
		Chunker: ch,
		Cache:   c,
		workers: workers,
		timeout: timeout,
		now:     time.Now,
	}
}

// Ingest makes sure the repository at url/branch is in the cache. It never
// returns an error: failures are reported through the result's outcome.
// Concurrent calls for the same repository share one ingestion. The shared
// ingestion is detached from every caller's cancellation and bounded by the
// indexer's timeout; a caller whose ctx ends stops waiting and gets a failed
// result while the ingestion carries on for the others.
func (ix *Indexer) Ingest(ctx context.Context, url, branch string, force bool) models.IngestResult {
	repoID, err := loader.RepoID(url, branch)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Str("branch", branch).Msg("rejecting ingestion")
		metrics.RecordIngest(string(models.OutcomeFailed), 0)
		return models.IngestResult{Outcome: models.OutcomeFailed, Reason: "invalid repository: " + err.Error()}
	}

	ch := ix.group.DoChan(repoID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ix.timeout)
		defer cancel()
		return ix.ingest(fctx, url, branch, repoID, force), nil
	})

	select {
	case r := <-ch:
		if r.Shared {
			log.Debug().Str("repo_id", repoID).Msg("joined in-flight ingestion")
		}
		return r.Val.(models.IngestResult)
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("repo_id", repoID).Msg("stopped waiting for ingestion")
		return models.IngestResult{
			RepoID:  repoID,
			Outcome: models.OutcomeFailed,
			Reason:  "cancelled: " + ctx.Err().Error(),
		}
	}
}

func (ix *Indexer) ingest(ctx context.Context, url, branch, repoID string, force bool) (res models.IngestResult) {
	start := time.Now()
	logger := log.With().Str("repo_id", repoID).Logger()
	res = models.IngestResult{RepoID: repoID}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("ingestion panicked")
			res = fail(logger, res, "internal error", fmt.Errorf("%v", r))
		}
		res.Duration = time.Since(start)
		metrics.RecordIngest(string(res.Outcome), res.Duration)
		logger.Info().Str("status", res.Status()).
			Int("files", res.Files).
			Int("chunks", res.Chunks).
			Dur("took", res.Duration).
			Msg("ingestion finished")
	}()

	transition(logger, stateExistsCheck)
	if force {
		n, err := ix.Cache.Delete(ctx, repoID)
		if err != nil {
			return fail(logger, res, "delete failed", err)
		}
		logger.Info().Int64("chunks", n).Msg("forced re-ingestion, dropped cached chunks")
	} else {
		exists, err := ix.Cache.Exists(ctx, repoID)
		if err != nil {
			return fail(logger, res, "cache unavailable", err)
		}
		if exists {
			transition(logger, stateCached)
			res.Outcome = models.OutcomeAlreadyIndexed
			return res
		}
	}

	transition(logger, stateLoading)
	docs, err := ix.Loader.Load(ctx, url, branch)
	if err != nil {
		return fail(logger, res, "load failed", err)
	}
	res.Files = len(docs)
	if len(docs) == 0 {
		return fail(logger, res, "no supported files", nil)
	}

	transition(logger, stateChunking)
	chunks, err := ix.chunk(ctx, repoID, docs)
	if err != nil {
		return fail(logger, res, "chunking failed", err)
	}
	res.Chunks = len(chunks)
	if len(chunks) == 0 {
		return fail(logger, res, "no chunks", nil)
	}

	transition(logger, stateStoring)
	if _, err := ix.Cache.PutBatch(ctx, chunks); err != nil {
		// Best effort: with a partial write Exists would report a cached repository.
		if _, derr := ix.Cache.Delete(context.WithoutCancel(ctx), repoID); derr != nil {
			logger.Error().Err(derr).Msg("rollback of partial write failed")
		}
		return fail(logger, res, "store failed", err)
	}
	if err := ix.Cache.EnsureEviction(ctx); err != nil {
		logger.Warn().Err(err).Msg("eviction not scheduled")
	}

	transition(logger, stateDone)
	res.Outcome = models.OutcomeIngested
	return res
}

// chunk splits docs on a bounded worker pool. Chunks come back in document
// order, and in source order within each document.
func (ix *Indexer) chunk(ctx context.Context, repoID string, docs []models.Document) ([]models.Chunk, error) {
	at := ix.now().UTC()
	perDoc := make([][]models.Chunk, len(docs))

	var (
		mu       sync.Mutex
		panicErr error
	)
	work := make(chan int, ix.workers*2)
	var wg sync.WaitGroup
	for w := 0; w < ix.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range work {
				cs, err := ix.safeChunkDocument(repoID, docs[i], at)
				if err != nil {
					mu.Lock()
					if panicErr == nil {
						panicErr = err
					}
					mu.Unlock()
					continue
				}
				perDoc[i] = cs
			}
			log.Debug().Int("worker", workerID).Msg("chunk worker finished")
		}(w)
	}

	var err error
feed:
	for i := range docs {
		select {
		case work <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(work)
	wg.Wait()
	if panicErr != nil {
		return nil, panicErr
	}
	if err != nil {
		return nil, err
	}

	var out []models.Chunk
	for _, cs := range perDoc {
		out = append(out, cs...)
	}
	return out, nil
}

// safeChunkDocument turns a panic while chunking doc into an error, so the
// worker keeps draining the queue.
func (ix *Indexer) safeChunkDocument(repoID string, doc models.Document, at time.Time) (cs []models.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("path", doc.Path).Bytes("stack", debug.Stack()).Msg("chunking panicked")
			err = fmt.Errorf("panic chunking %s: %v", doc.Path, r)
		}
	}()
	return ix.chunkDocument(repoID, doc, at), nil
}

func (ix *Indexer) chunkDocument(repoID string, doc models.Document, at time.Time) []models.Chunk {
	pieces := ix.Chunker.Chunk(doc.Path, doc.Content)
	lang := string(chunker.Detect(doc.Path))
	out := make([]models.Chunk, 0, len(pieces))
	for seq, p := range pieces {
		out = append(out, models.Chunk{
			ID:          chunkID(repoID, doc.Path, seq, p.Content),
			RepoID:      repoID,
			FilePath:    doc.Path,
			FileName:    doc.FileName,
			Language:    lang,
			Seq:         seq,
			LineStart:   p.StartLine,
			LineEnd:     p.EndLine,
			Text:        p.Content,
			CreatedAt:   at,
			RefreshedAt: at,
		})
	}
	return out
}

func transition(logger zerolog.Logger, s state) {
	logger.Info().Str("state", string(s)).Msg("ingestion state")
}

func fail(logger zerolog.Logger, res models.IngestResult, reason string, err error) models.IngestResult {
	if err != nil {
		reason = reason + ": " + err.Error()
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn().Msg("ingestion cancelled")
	}
	logger.Error().Err(err).Str("state", string(stateFailed)).Str("reason", reason).Msg("ingestion failed")
	res.Outcome = models.OutcomeFailed
	res.Reason = reason
	return res
}
