package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/pkg/models"
)

type memoryRow struct {
	chunk models.Chunk
	vec   []float32
	order int
}

// MemoryStore is a ChunkStore held in process memory. It backs local runs
// and tests; contents are lost on exit.
type MemoryStore struct {
	mu    sync.RWMutex
	dim   int
	rows  map[string]*memoryRow
	next  int
	ready bool
}

var _ ChunkStore = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*memoryRow)}
}

func (m *MemoryStore) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return apperr.Configf("embedding dimension must be positive, got %d", dim)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dim != 0 && m.dim != dim && len(m.rows) > 0 {
		return apperr.Configf("store holds %d-dimensional embeddings, model produces %d", m.dim, dim)
	}
	m.dim = dim
	return nil
}

func (m *MemoryStore) EnsureFreshnessIndex(ctx context.Context) error {
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, repoID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperr.Store("store.exists", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows {
		if r.chunk.RepoID == repoID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) InsertChunks(ctx context.Context, chunks []models.Chunk, vecs [][]float32) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, apperr.Store("store.insert", err)
	}
	if len(chunks) != len(vecs) {
		return 0, apperr.Store("store.insert", fmt.Errorf("%d chunks but %d vectors", len(chunks), len(vecs)))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// validate the whole batch first so a bad vector writes nothing
	for i, v := range vecs {
		if m.dim != 0 && len(v) != m.dim {
			return 0, apperr.Store("store.insert", fmt.Errorf("chunk %s: vector has %d dimensions, want %d", chunks[i].ID, len(v), m.dim))
		}
	}

	var inserted int64
	for i, c := range chunks {
		if _, ok := m.rows[c.ID]; ok {
			continue
		}
		vec := make([]float32, len(vecs[i]))
		copy(vec, vecs[i])
		m.rows[c.ID] = &memoryRow{chunk: c, vec: vec, order: m.next}
		m.next++
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStore) Touch(ctx context.Context, repoID string, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, apperr.Store("store.touch", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.rows {
		if r.chunk.RepoID != repoID {
			continue
		}
		if at.After(r.chunk.RefreshedAt) {
			r.chunk.RefreshedAt = at
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) Nearest(ctx context.Context, vec []float32, repoID string, n int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Store("store.nearest", err)
	}
	if n <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		row *memoryRow
		sim float64
	}
	var hits []scored
	for _, r := range m.rows {
		if r.chunk.RepoID != repoID {
			continue
		}
		hits = append(hits, scored{row: r, sim: cosine(vec, r.vec)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].row.order < hits[j].row.order
	})
	if len(hits) > n {
		hits = hits[:n]
	}

	out := make([]Candidate, len(hits))
	for i, h := range hits {
		vec := make([]float32, len(h.row.vec))
		copy(vec, h.row.vec)
		out[i] = Candidate{Chunk: h.row.chunk, Embedding: vec, Similarity: h.sim}
	}
	return out, nil
}

func (m *MemoryStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.deleteWhere(ctx, "store.delete_expired", func(c models.Chunk) bool {
		return c.RefreshedAt.Before(cutoff)
	})
}

func (m *MemoryStore) DeleteRepository(ctx context.Context, repoID string) (int64, error) {
	return m.deleteWhere(ctx, "store.delete_repository", func(c models.Chunk) bool {
		return c.RepoID == repoID
	})
}

func (m *MemoryStore) deleteWhere(ctx context.Context, op string, match func(models.Chunk) bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, apperr.Store(op, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.rows {
		if match(r.chunk) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetRepositories(ctx context.Context) ([]models.RepositoryInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Store("store.repositories", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	byRepo := make(map[string]*models.RepositoryInfo)
	for _, r := range m.rows {
		info, ok := byRepo[r.chunk.RepoID]
		if !ok {
			info = &models.RepositoryInfo{RepoID: r.chunk.RepoID}
			byRepo[r.chunk.RepoID] = info
		}
		info.Chunks++
		if r.chunk.RefreshedAt.After(info.LastActive) {
			info.LastActive = r.chunk.RefreshedAt
		}
	}
	out := make([]models.RepositoryInfo, 0, len(byRepo))
	for _, info := range byRepo {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RepoID < out[j].RepoID })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}

// FreshnessIndexed reports whether EnsureFreshnessIndex has run.
func (m *MemoryStore) FreshnessIndexed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Len returns the number of stored chunks.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
