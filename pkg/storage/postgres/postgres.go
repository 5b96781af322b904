// Package postgres provides a PostgreSQL implementation of transport.RunStore.
// It uses pgx/v5 for connection pooling and JSONB for attempts and errors.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/schaubild/pkg/api"
	"github.com/rhuss/schaubild/pkg/storage"
	"github.com/rhuss/schaubild/pkg/transport"
)

// Store is a PostgreSQL-backed RunStore.
type Store struct {
	pool *pgxpool.Pool
}

var _ transport.RunStore = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

const runColumns = `id, topic, renderer, status, description, context, max_repairs,
	attempts, artifact_name, artifact_path, transcript_path, error,
	created_at, completed_at`

// Save persists a finished run.
func (s *Store) Save(ctx context.Context, run *api.Run) error {
	attempts := run.Attempts
	if attempts == nil {
		attempts = []api.Attempt{}
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("marshaling attempts: %w", err)
	}

	var errorJSON []byte
	if run.Error != nil {
		errorJSON, err = json.Marshal(run.Error)
		if err != nil {
			return fmt.Errorf("marshaling error: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (
			id, tenant_id, topic, renderer, status, description, context, max_repairs,
			attempts, artifact_name, artifact_path, transcript_path, error,
			created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		run.ID, storage.Tenant(ctx), run.Topic, string(run.Renderer), string(run.Status),
		run.Description, run.Context, run.MaxRepairs,
		attemptsJSON, run.ArtifactName, run.ArtifactPath, run.TranscriptPath, nullJSON(errorJSON),
		run.CreatedAt, nullTime(run.CompletedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID, scoped to the tenant in ctx.
func (s *Store) Get(ctx context.Context, id string) (*api.Run, error) {
	q := &query{}
	q.where("id = %s", id)
	q.tenant(ctx)

	rows, err := s.pool.Query(ctx, "SELECT "+runColumns+" FROM runs"+q.clause(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	run, err := pgx.CollectExactlyOneRow(rows, scanRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// Delete removes a run record.
func (s *Store) Delete(ctx context.Context, id string) error {
	q := &query{}
	q.where("id = %s", id)
	q.tenant(ctx)

	result, err := s.pool.Exec(ctx, "DELETE FROM runs"+q.clause(), q.args...)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List returns a page of runs using keyset pagination on (created_at, id).
// An unknown cursor yields an empty page.
func (s *Store) List(ctx context.Context, opts transport.ListOptions) (*transport.RunList, error) {
	limit := opts.EffectiveLimit()
	asc := opts.Order == "asc"

	q := &query{}
	q.tenant(ctx)
	if opts.Renderer != "" {
		q.where("renderer = %s", string(opts.Renderer))
	}
	if opts.Status != "" {
		q.where("status = %s", string(opts.Status))
	}

	cursor, forward := opts.After, true
	if cursor == "" && opts.Before != "" {
		cursor, forward = opts.Before, false
	}
	if cursor != "" {
		var createdAt time.Time
		cq := &query{}
		cq.where("id = %s", cursor)
		cq.tenant(ctx)
		err := s.pool.QueryRow(ctx, "SELECT created_at FROM runs"+cq.clause(), cq.args...).Scan(&createdAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return transport.NewRunList(nil, limit), nil
		}
		if err != nil {
			return nil, fmt.Errorf("resolving cursor: %w", err)
		}

		// Rows after the cursor in list order compare greater in asc order
		// and smaller in desc order. Before flips the comparison.
		op := "<"
		if asc == forward {
			op = ">"
		}
		n := q.arg(createdAt)
		m := q.arg(cursor)
		q.conds = append(q.conds, fmt.Sprintf("(created_at, id) %s (%s, %s)", op, n, m))
	}

	order := " ORDER BY created_at DESC, id DESC"
	if asc {
		order = " ORDER BY created_at ASC, id ASC"
	}
	lim := q.arg(limit + 1)

	rows, err := s.pool.Query(ctx,
		"SELECT "+runColumns+" FROM runs"+q.clause()+order+" LIMIT "+lim,
		q.args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanRun)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return transport.NewRunList(runs, limit), nil
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRun(row pgx.CollectableRow) (*api.Run, error) {
	var (
		run              api.Run
		renderer, status string
		attemptsJSON     []byte
		errorJSON        []byte
		completedAt      *time.Time
	)
	err := row.Scan(
		&run.ID, &run.Topic, &renderer, &status, &run.Description, &run.Context, &run.MaxRepairs,
		&attemptsJSON, &run.ArtifactName, &run.ArtifactPath, &run.TranscriptPath, &errorJSON,
		&run.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Renderer = api.Renderer(renderer)
	run.Status = api.RunStatus(status)
	if completedAt != nil {
		run.CompletedAt = *completedAt
	}

	if err := json.Unmarshal(attemptsJSON, &run.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshaling attempts: %w", err)
	}
	if errorJSON != nil {
		var runErr api.RunError
		if err := json.Unmarshal(errorJSON, &runErr); err != nil {
			return nil, fmt.Errorf("unmarshaling error: %w", err)
		}
		run.Error = &runErr
	}
	return &run, nil
}

// query accumulates WHERE conditions with numbered placeholders.
type query struct {
	conds []string
	args  []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *query) where(format string, v any) {
	q.conds = append(q.conds, fmt.Sprintf(format, q.arg(v)))
}

func (q *query) tenant(ctx context.Context) {
	if tenantID := storage.Tenant(ctx); tenantID != "" {
		q.where("tenant_id = %s", tenantID)
	}
}

func (q *query) clause() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
