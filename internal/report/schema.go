package report

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id          BIGSERIAL PRIMARY KEY,
	task        TEXT NOT NULL,
	prefix      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	failed      BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_layer_results (
	id          BIGSERIAL PRIMARY KEY,
	run_id      BIGINT NOT NULL REFERENCES ingest_runs(id),
	layer       TEXT NOT NULL,
	index_name  TEXT NOT NULL,
	state       TEXT NOT NULL,
	attempted   BIGINT NOT NULL,
	indexed     BIGINT NOT NULL,
	skipped     BIGINT NOT NULL,
	final_count BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	error       TEXT
);
`

// EnsureSchema creates the ledger tables when they do not exist yet.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating run ledger schema: %w", err)
	}
	return nil
}
