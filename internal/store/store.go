package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/seanblong/repotalk/internal/apperr"
	"github.com/seanblong/repotalk/pkg/models"
)

const (
	DefaultTable = "code_chunks"
	// MaxIndexedDim is the widest vector pgvector's HNSW index accepts.
	MaxIndexedDim = 2000
	// MemoryURL selects the in-process store.
	MemoryURL = "memory://"
)

// Candidate is a nearest-neighbour hit with the vector it was matched on.
type Candidate struct {
	Chunk      models.Chunk
	Embedding  []float32
	Similarity float64
}

// ChunkStore persists chunks with their embeddings, partitioned by repository id.
type ChunkStore interface {
	Migrate(ctx context.Context, dim int) error
	EnsureFreshnessIndex(ctx context.Context) error
	Exists(ctx context.Context, repoID string) (bool, error)
	// InsertChunks writes chunks and their vectors atomically. Chunks whose id
	// is already present are skipped; the number of new rows is returned.
	InsertChunks(ctx context.Context, chunks []models.Chunk, vecs [][]float32) (int64, error)
	// Touch moves the freshness timestamp of every chunk of repoID forward to
	// at. Timestamps already later than at are kept.
	Touch(ctx context.Context, repoID string, at time.Time) (int64, error)
	Nearest(ctx context.Context, vec []float32, repoID string, n int) ([]Candidate, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteRepository(ctx context.Context, repoID string) (int64, error)
	GetRepositories(ctx context.Context) ([]models.RepositoryInfo, error)
	Ping(ctx context.Context) error
	Close()
}

type Options struct {
	// Database overrides the database named in the URL.
	Database string
	Table    string
}

// Open returns the in-memory store for MemoryURL and a Postgres store otherwise.
func Open(ctx context.Context, url string, opts Options) (ChunkStore, error) {
	if strings.HasPrefix(url, MemoryURL) {
		return NewMemory(), nil
	}
	s, err := New(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ValidTable reports whether name can be used as the chunk table.
func ValidTable(name string) bool {
	return len(name) <= 48 && tableName.MatchString(name)
}

// Store provides methods to interact with the database.
type Store struct {
	pool  *pgxpool.Pool
	table string
	name  string
}

var _ ChunkStore = (*Store)(nil)

// New creates a new Store instance connected to the given database URL.
func New(ctx context.Context, url string, opts Options) (*Store, error) {
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if !ValidTable(opts.Table) {
		return nil, apperr.Configf("invalid table name %q", opts.Table)
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, apperr.Config("store.parse_url", err)
	}
	if opts.Database != "" {
		cfg.ConnConfig.Database = opts.Database
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Store("store.connect", err)
	}
	return &Store{
		pool:  p,
		table: pgx.Identifier{opts.Table}.Sanitize(),
		name:  opts.Table,
	}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return apperr.Store("store.ping", s.pool.Ping(ctx))
}

func (s *Store) ident(suffix string) string {
	return pgx.Identifier{s.name + suffix}.Sanitize()
}

// Migrate creates the chunk table and its indexes. An existing table whose
// embedding column has a different dimension is a configuration error.
func (s *Store) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return apperr.Configf("embedding dimension must be positive, got %d", dim)
	}
	if dim > MaxIndexedDim {
		return apperr.Configf("embedding dimension %d exceeds the %d pgvector can index; set --embed-dim to %d or less", dim, MaxIndexedDim, MaxIndexedDim)
	}
	q := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
  id           TEXT PRIMARY KEY,
  repo_id      TEXT NOT NULL,
  file_path    TEXT NOT NULL,
  file_name    TEXT NOT NULL,
  language     TEXT NOT NULL DEFAULT '',
  seq          INT  NOT NULL,
  line_start   INT  NOT NULL,
  line_end     INT  NOT NULL,
  text         TEXT NOT NULL,
  embedding    vector(%[2]d) NOT NULL,
  created_at   TIMESTAMP WITH TIME ZONE NOT NULL,
  refreshed_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (repo_id);

CREATE INDEX IF NOT EXISTS %[4]s
  ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, s.table, dim, s.ident("_repo_id_idx"), s.ident("_embedding_idx"))

	if _, err := s.pool.Exec(ctx, q); err != nil {
		return apperr.Store("store.migrate", err)
	}

	// vector(n) stores n as the column's type modifier
	var existing int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		s.table).Scan(&existing)
	if err != nil {
		return apperr.Store("store.migrate", err)
	}
	if existing > 0 && existing != dim {
		return apperr.Configf("table %s stores %d-dimensional embeddings, model produces %d", s.name, existing, dim)
	}
	return nil
}

// EnsureFreshnessIndex creates the index the TTL sweep deletes by.
func (s *Store) EnsureFreshnessIndex(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (refreshed_at)`, s.ident("_refreshed_at_idx"), s.table)
	_, err := s.pool.Exec(ctx, q)
	return apperr.Store("store.freshness_index", err)
}

func (s *Store) Exists(ctx context.Context, repoID string) (bool, error) {
	var ok bool
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE repo_id = $1)`, s.table)
	if err := s.pool.QueryRow(ctx, q, repoID).Scan(&ok); err != nil {
		return false, apperr.Store("store.exists", err)
	}
	return ok, nil
}

func (s *Store) InsertChunks(ctx context.Context, chunks []models.Chunk, vecs [][]float32) (int64, error) {
	if len(chunks) != len(vecs) {
		return 0, apperr.Store("store.insert", fmt.Errorf("%d chunks but %d vectors", len(chunks), len(vecs)))
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf(`
INSERT INTO %s (
  id, repo_id, file_path, file_name, language, seq, line_start, line_end,
  text, embedding, created_at, refreshed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::vector,$11,$12)
ON CONFLICT (id) DO NOTHING`, s.table)

	b := &pgx.Batch{}
	for i, c := range chunks {
		b.Queue(q,
			c.ID, c.RepoID, c.FilePath, c.FileName, c.Language, c.Seq, c.LineStart, c.LineEnd,
			c.Text, pgvector.NewVector(vecs[i]), c.CreatedAt, c.RefreshedAt,
		)
	}

	var inserted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, b)
		for range chunks {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			inserted += tag.RowsAffected()
		}
		return br.Close()
	})
	if err != nil {
		return 0, apperr.Store("store.insert", err)
	}
	return inserted, nil
}

func (s *Store) Touch(ctx context.Context, repoID string, at time.Time) (int64, error) {
	q := fmt.Sprintf(`UPDATE %s SET refreshed_at = GREATEST(refreshed_at, $2) WHERE repo_id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, q, repoID, at)
	if err != nil {
		return 0, apperr.Store("store.touch", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Nearest(ctx context.Context, vec []float32, repoID string, n int) ([]Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	q := fmt.Sprintf(`
SELECT id, repo_id, file_path, file_name, language, seq, line_start, line_end,
       text, created_at, refreshed_at, embedding::text,
       1 - (embedding <=> $1::vector) AS similarity
FROM %s
WHERE repo_id = $2
ORDER BY embedding <=> $1::vector
LIMIT $3`, s.table)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), repoID, n)
	if err != nil {
		return nil, apperr.Store("store.nearest", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c models.Chunk
		var emb pgvector.Vector
		var sim float64
		if err := rows.Scan(
			&c.ID, &c.RepoID, &c.FilePath, &c.FileName, &c.Language, &c.Seq, &c.LineStart, &c.LineEnd,
			&c.Text, &c.CreatedAt, &c.RefreshedAt, &emb, &sim,
		); err != nil {
			return nil, apperr.Store("store.nearest", err)
		}
		out = append(out, Candidate{Chunk: c, Embedding: emb.Slice(), Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("store.nearest", err)
	}
	return out, nil
}

func (s *Store) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE refreshed_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, apperr.Store("store.delete_expired", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteRepository(ctx context.Context, repoID string) (int64, error) {
	q := fmt.Sprintf(`DELETE FROM %s WHERE repo_id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, q, repoID)
	if err != nil {
		return 0, apperr.Store("store.delete_repository", err)
	}
	return tag.RowsAffected(), nil
}

// GetRepositories lists every repository with live chunks.
func (s *Store) GetRepositories(ctx context.Context) ([]models.RepositoryInfo, error) {
	q := fmt.Sprintf(`
SELECT repo_id, count(*), max(refreshed_at)
FROM %s
GROUP BY repo_id
ORDER BY repo_id`, s.table)
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, apperr.Store("store.repositories", err)
	}
	defer rows.Close()

	var repos []models.RepositoryInfo
	for rows.Next() {
		var r models.RepositoryInfo
		if err := rows.Scan(&r.RepoID, &r.Chunks, &r.LastActive); err != nil {
			return nil, apperr.Store("store.repositories", err)
		}
		repos = append(repos, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store("store.repositories", err)
	}
	return repos, nil
}
