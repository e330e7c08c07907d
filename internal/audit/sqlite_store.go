package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	ts                TEXT NOT NULL,
	trace_id          TEXT NOT NULL,
	tenant            TEXT NOT NULL,
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd          REAL NOT NULL,
	status            TEXT NOT NULL,
	latency_ms        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_events (tenant, ts);
`

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the embedded audit database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.Exec("PRAGMA journal_mode=wal")
	db.Exec("PRAGMA busy_timeout=1000")
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events
			(ts, trace_id, tenant, model, provider, prompt_tokens, completion_tokens, cost_usd, status, latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		ev.TraceID, ev.Tenant, ev.Model, ev.Provider,
		ev.PromptTokens, ev.CompletionTokens, ev.CostUSD, ev.Status, ev.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
