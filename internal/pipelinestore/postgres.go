package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Querier abstracts the pgx methods used by PostgresStore. *pgxpool.Pool
// satisfies it.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createPipelinesTableSQL = `CREATE TABLE IF NOT EXISTS pipelines (
    id         TEXT PRIMARY KEY,
    canvas_id  TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL,
    version    INTEGER NOT NULL,
    document   JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`

const createCanvasIndexSQL = `CREATE INDEX IF NOT EXISTS idx_pipelines_canvas ON pipelines (canvas_id)`

// PostgresStore implements Store on a single table holding each pipeline as
// a JSONB document next to its indexed columns.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore creates a store on an existing pool or connection.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects to databaseURL and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := NewPostgresStore(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the pipelines table and index if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createPipelinesTableSQL, createCanvasIndexSQL} {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Create saves a new pipeline.
func (s *PostgresStore) Create(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	stored, err := clone(p)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO pipelines (id, canvas_id, name, version, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		stored.ID, stored.CanvasID, stored.Name, stored.Version, doc, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrPipelineExists
	}
	return stored, nil
}

// Get retrieves a pipeline by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Pipeline, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM pipelines WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return decodeDocument(doc)
}

// Update replaces an existing pipeline. The UPDATE is conditioned on the
// version read, so a concurrent writer turns into ErrVersionConflict.
func (s *PostgresStore) Update(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if current.Version != p.Version {
		return nil, ErrVersionConflict
	}

	next, err := clone(p)
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE pipelines
		 SET canvas_id = $2, name = $3, version = $4, document = $5, updated_at = $6
		 WHERE id = $1 AND version = $7`,
		next.ID, next.CanvasID, next.Name, next.Version, doc, next.UpdatedAt, current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrVersionConflict
	}
	return next, nil
}

// Delete removes a pipeline.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// List returns pipelines ordered by ID.
func (s *PostgresStore) List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	var limit any
	if opts.Limit > 0 {
		limit = opts.Limit
	}

	rows, err := s.db.Query(ctx,
		`SELECT document FROM pipelines
		 WHERE ($1 = '' OR canvas_id = $1)
		 ORDER BY id
		 LIMIT $2 OFFSET $3`,
		opts.CanvasID, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	out := []*types.Pipeline{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		p, err := decodeDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return out, nil
}

// Close closes the pool when the store owns one.
func (s *PostgresStore) Close() error {
	if c, ok := s.db.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}

func decodeDocument(doc []byte) (*types.Pipeline, error) {
	var p types.Pipeline
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &p, nil
}
