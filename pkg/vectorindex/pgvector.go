package vectorindex

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
)

var collectionNameRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

func tableName(collection string) string {
	return "vec_" + collectionNameRe.ReplaceAllString(collection, "_")
}

// PGVectorProvider opens one pgvector-backed table per collection.
type PGVectorProvider struct {
	mu      sync.Mutex
	pool    *pgxpool.Pool
	dim     int
	faceDim int
	opened  map[string]*PGVectorIndex
	logger  *zap.Logger
}

// NewPGPool connects a pgx pool with the pgvector types registered.
func NewPGPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// NewPGVectorProvider wraps an existing pool. The extension is created once.
func NewPGVectorProvider(ctx context.Context, pool *pgxpool.Pool, dim, faceDim int, logger *zap.Logger) (*PGVectorProvider, error) {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, apperrors.NewTransientIOError("create vector extension", err)
	}
	return &PGVectorProvider{
		pool:    pool,
		dim:     dim,
		faceDim: faceDim,
		opened:  make(map[string]*PGVectorIndex),
		logger:  logger,
	}, nil
}

func (p *PGVectorProvider) Collection(ctx context.Context, device, model string) (Index, error) {
	name := CollectionName(device, model)
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.opened[name]; ok {
		return idx, nil
	}
	dim := p.dim
	if model == FaceModel {
		dim = p.faceDim
	}
	idx := &PGVectorIndex{
		pool:   p.pool,
		table:  tableName(name),
		dim:    dim,
		logger: p.logger,
	}
	if err := idx.ensure(ctx); err != nil {
		return nil, err
	}
	p.opened[name] = idx
	return idx, nil
}

func (p *PGVectorProvider) Close() {
	p.pool.Close()
}

// PGVectorIndex is one collection stored as a pgvector table with cosine
// ordering.
type PGVectorIndex struct {
	pool   *pgxpool.Pool
	table  string
	dim    int
	logger *zap.Logger
}

func (i *PGVectorIndex) Dim() int { return i.dim }

func (i *PGVectorIndex) ensure(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        TEXT PRIMARY KEY,
			path      TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			ts        BIGINT NOT NULL DEFAULT 0,
			whitelist BOOLEAN NOT NULL DEFAULT FALSE
		)`, i.table, i.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s USING hnsw (embedding vector_cosine_ops)`, i.table, i.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_ts_idx ON %s (ts) WHERE whitelist = FALSE`, i.table, i.table),
	}
	for _, stmt := range stmts {
		if _, err := i.pool.Exec(ctx, stmt); err != nil {
			return apperrors.NewTransientIOError("create vector collection", err)
		}
	}
	return nil
}

func (i *PGVectorIndex) Insert(ctx context.Context, emb Embedding) error {
	if emb.ID == "" {
		return fmt.Errorf("embedding id cannot be empty")
	}
	if len(emb.Vector) != i.dim {
		return fmt.Errorf("embedding dimension %d does not match collection dimension %d", len(emb.Vector), i.dim)
	}
	vec, err := Normalize(emb.Vector)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, path, embedding, ts, whitelist)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			embedding = EXCLUDED.embedding,
			ts = EXCLUDED.ts,
			whitelist = EXCLUDED.whitelist`, i.table)
	if _, err := i.pool.Exec(ctx, query, emb.ID, emb.Path, pgvector.NewVector(vec), emb.Timestamp, emb.Whitelist); err != nil {
		return apperrors.NewTransientIOError("insert embedding", err)
	}
	return nil
}

func (i *PGVectorIndex) InsertBatch(ctx context.Context, embs []Embedding) error {
	batch := &pgx.Batch{}
	query := fmt.Sprintf(`INSERT INTO %s (id, path, embedding, ts, whitelist)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			path = EXCLUDED.path,
			embedding = EXCLUDED.embedding,
			ts = EXCLUDED.ts,
			whitelist = EXCLUDED.whitelist`, i.table)
	for _, emb := range embs {
		vec, err := Normalize(emb.Vector)
		if err != nil {
			return err
		}
		batch.Queue(query, emb.ID, emb.Path, pgvector.NewVector(vec), emb.Timestamp, emb.Whitelist)
	}
	if err := i.pool.SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.NewTransientIOError("insert embedding batch", err)
	}
	return nil
}

func (i *PGVectorIndex) Get(ctx context.Context, id string) (*Embedding, bool, error) {
	query := fmt.Sprintf(`SELECT id, path, embedding, ts, whitelist FROM %s WHERE id = $1`, i.table)
	var emb Embedding
	var vec pgvector.Vector
	err := i.pool.QueryRow(ctx, query, id).Scan(&emb.ID, &emb.Path, &vec, &emb.Timestamp, &emb.Whitelist)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewTransientIOError("get embedding", err)
	}
	emb.Vector = vec.Slice()
	return &emb, true, nil
}

func (i *PGVectorIndex) Fetch(ctx context.Context, ids []string) (map[string]Embedding, error) {
	if len(ids) == 0 {
		return map[string]Embedding{}, nil
	}
	query := fmt.Sprintf(`SELECT id, path, embedding, ts, whitelist FROM %s WHERE id = ANY($1)`, i.table)
	rows, err := i.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, apperrors.NewTransientIOError("fetch embeddings", err)
	}
	defer rows.Close()

	out := make(map[string]Embedding, len(ids))
	for rows.Next() {
		var emb Embedding
		var vec pgvector.Vector
		if err := rows.Scan(&emb.ID, &emb.Path, &vec, &emb.Timestamp, &emb.Whitelist); err != nil {
			return nil, apperrors.NewTransientIOError("scan embedding", err)
		}
		emb.Vector = vec.Slice()
		out[emb.ID] = emb
	}
	return out, rows.Err()
}

func (i *PGVectorIndex) Delete(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, i.table)
	if _, err := i.pool.Exec(ctx, query, id); err != nil {
		return apperrors.NewTransientIOError("delete embedding", err)
	}
	return nil
}

func (i *PGVectorIndex) DeleteStale(ctx context.Context, cutoffMillis int64) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE ts < $1 AND whitelist = FALSE`, i.table)
	tag, err := i.pool.Exec(ctx, query, cutoffMillis)
	if err != nil {
		return 0, apperrors.NewTransientIOError("delete stale embeddings", err)
	}
	return int(tag.RowsAffected()), nil
}

func (i *PGVectorIndex) QueryByVector(ctx context.Context, vec []float32, k int) ([]Match, error) {
	if len(vec) != i.dim {
		return nil, fmt.Errorf("query dimension %d does not match collection dimension %d", len(vec), i.dim)
	}
	query := fmt.Sprintf(`SELECT id, path, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, i.table)
	rows, err := i.pool.Query(ctx, query, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, apperrors.NewTransientIOError("query by vector", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var score float64
		if err := rows.Scan(&m.ID, &m.Path, &score); err != nil {
			return nil, apperrors.NewTransientIOError("scan match", err)
		}
		m.Score = float32(score)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (i *PGVectorIndex) QueryByID(ctx context.Context, id string, k int) ([]Match, error) {
	emb, ok, err := i.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return i.QueryByVector(ctx, emb.Vector, k)
}

func (i *PGVectorIndex) IDs(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, i.table)
	rows, err := i.pool.Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewTransientIOError("list embedding ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.NewTransientIOError("scan embedding id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (i *PGVectorIndex) Flush(ctx context.Context) error {
	if _, err := i.pool.Exec(ctx, fmt.Sprintf(`ANALYZE %s`, i.table)); err != nil {
		return apperrors.NewTransientIOError("analyze vector collection", err)
	}
	return nil
}
