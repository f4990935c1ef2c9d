// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const foreignKeyViolation = "23503"

// RunStoreConfig controls the Postgres connection pool used for run records.
type RunStoreConfig struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RunStore implements promotion.RunStore on Postgres. Each record is kept as
// a JSONB document next to the columns used for lookups.
type RunStore struct {
	pool   pgxPool
	schema string
}

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRunStoreWithPool(pool, cfg.Schema)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStoreWithPool constructs a store from an existing pool.
func NewRunStoreWithPool(pool pgxPool, schema string) (*RunStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if schema == "" {
		schema = "public"
	}
	if !validIdentifier.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	return &RunStore{pool: pool, schema: schema}, nil
}

// Close releases the pool.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *RunStore) table(name string) string {
	return s.schema + "." + name
}

// Migrate creates the tables and indexes when they are missing.
func (s *RunStore) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveRun upserts a run.
func (s *RunStore) SaveRun(ctx context.Context, run promotion.Run) error {
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, project_id, link_id, target_url, status, terminal, created_at, updated_at, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
	terminal = EXCLUDED.terminal,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`, s.table("promotion_runs"))
	_, err = s.pool.Exec(ctx, query,
		run.ID,
		run.ProjectID,
		run.LinkID,
		run.TargetURL,
		string(run.Status),
		run.Status.IsTerminal(),
		run.CreatedAt,
		run.UpdatedAt,
		doc,
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

// SaveNode upserts a node of an existing run.
func (s *RunStore) SaveNode(ctx context.Context, node promotion.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, run_id, level, status, created_at, updated_at, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`, s.table("promotion_nodes"))
	_, err = s.pool.Exec(ctx, query,
		node.ID,
		node.RunID,
		int(node.Level),
		string(node.Status),
		node.CreatedAt,
		node.UpdatedAt,
		doc,
	)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", node.ID, mapError(err))
	}
	return nil
}

// SaveCrowdTask upserts a crowd task of an existing run.
func (s *RunStore) SaveCrowdTask(ctx context.Context, task promotion.CrowdTask) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal crowd task %s: %w", task.ID, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, run_id, status, created_at, updated_at, doc)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at,
	doc = EXCLUDED.doc`, s.table("promotion_crowd_tasks"))
	_, err = s.pool.Exec(ctx, query,
		task.ID,
		task.RunID,
		string(task.Status),
		task.CreatedAt,
		task.UpdatedAt,
		doc,
	)
	if err != nil {
		return fmt.Errorf("upsert crowd task %s: %w", task.ID, mapError(err))
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (promotion.Run, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table("promotion_runs"))
	return scanRun(s.pool.QueryRow(ctx, query, runID), runID)
}

// LatestRun returns the newest run of the project matching the target URL or
// link id. Empty filters never match.
func (s *RunStore) LatestRun(ctx context.Context, projectID, targetURL, linkID string) (promotion.Run, error) {
	query := fmt.Sprintf(`
SELECT doc FROM %s
WHERE project_id = $1
	AND (($2 <> '' AND target_url = $2) OR ($3 <> '' AND link_id = $3))
ORDER BY created_at DESC
LIMIT 1`, s.table("promotion_runs"))
	return scanRun(s.pool.QueryRow(ctx, query, projectID, targetURL, linkID), projectID)
}

// ListActive returns every non-terminal run, oldest first.
func (s *RunStore) ListActive(ctx context.Context) ([]promotion.Run, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE NOT terminal ORDER BY created_at`, s.table("promotion_runs"))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}
	return collectDocs[promotion.Run](rows)
}

// ListNodes returns the run's nodes ordered by creation.
func (s *RunStore) ListNodes(ctx context.Context, runID string) ([]promotion.Node, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE run_id = $1 ORDER BY created_at, id`, s.table("promotion_nodes"))
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes %s: %w", runID, err)
	}
	return collectDocs[promotion.Node](rows)
}

// ListCrowdTasks returns the run's crowd tasks ordered by creation.
func (s *RunStore) ListCrowdTasks(ctx context.Context, runID string) ([]promotion.CrowdTask, error) {
	query := fmt.Sprintf(`SELECT doc FROM %s WHERE run_id = $1 ORDER BY created_at, id`, s.table("promotion_crowd_tasks"))
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list crowd tasks %s: %w", runID, err)
	}
	return collectDocs[promotion.CrowdTask](rows)
}

func scanRun(row pgx.Row, key string) (promotion.Run, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return promotion.Run{}, fmt.Errorf("run %s: %w", key, promotion.ErrNotFound)
		}
		return promotion.Run{}, fmt.Errorf("get run %s: %w", key, err)
	}
	var run promotion.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return promotion.Run{}, fmt.Errorf("decode run %s: %w", key, err)
	}
	return run, nil
}

func collectDocs[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// mapError turns a missing parent run into promotion.ErrNotFound.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, promotion.ErrNotFound)
	}
	return err
}
