package writer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// DiagnosticsTable is the table DiagnosticWriter appends to.
const DiagnosticsTable = "realtime_diagnostics"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS realtime_diagnostics (
		id           UUID PRIMARY KEY,
		kind         TEXT NOT NULL,
		occurred_at  TIMESTAMPTZ NOT NULL,
		transport_id UUID,
		state        TEXT NOT NULL DEFAULT '',
		attempt      INTEGER NOT NULL DEFAULT 0,
		delay_ms     BIGINT NOT NULL DEFAULT 0,
		code         INTEGER NOT NULL DEFAULT 0,
		reason       TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		error        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS realtime_diagnostics_occurred_at_idx
		ON realtime_diagnostics (occurred_at)`,
	`CREATE INDEX IF NOT EXISTS realtime_diagnostics_transport_idx
		ON realtime_diagnostics (transport_id, occurred_at)`,
}

// Execer is the subset of *pgxpool.Pool needed to apply the schema.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the diagnostics table and its indexes if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range schemaStatements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
