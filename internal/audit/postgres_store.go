package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the store needs, kept narrow for
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                BIGSERIAL PRIMARY KEY,
	ts                TIMESTAMPTZ NOT NULL,
	trace_id          TEXT NOT NULL,
	tenant            TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd          DOUBLE PRECISION NOT NULL,
	status            TEXT NOT NULL,
	latency_ms        BIGINT NOT NULL
)`

const postgresIndex = `CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_events (tenant, ts)`

type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresIndex); err != nil {
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &PostgresStore{db: pool, pool: pool}, nil
}

// NewPostgresStoreWithDB injects a DB for testing; Close is a no-op.
func NewPostgresStoreWithDB(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, ev *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_events
			(ts, trace_id, tenant, model, provider, prompt_tokens, completion_tokens, cost_usd, status, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.Time, ev.TraceID, ev.Tenant, ev.Model, ev.Provider,
		ev.PromptTokens, ev.CompletionTokens, ev.CostUSD, ev.Status, ev.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
