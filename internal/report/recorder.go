// Package report records finished ingestion runs: one ledger row per run and
// per layer in PostgreSQL, plus one completion event per layer on Kafka.
// Both sinks are optional and best-effort; a run never fails because its
// report could not be recorded.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/osmtools/osm2es/internal/orchestrator"
	"github.com/osmtools/osm2es/pkg/kafka"
	"github.com/osmtools/osm2es/pkg/logger"
	"github.com/osmtools/osm2es/pkg/postgres"
)

// LayerCompleteEvent is the Kafka payload published per layer after a run.
type LayerCompleteEvent struct {
	Task       string    `json:"task"`
	Layer      string    `json:"layer"`
	Index      string    `json:"index"`
	State      string    `json:"state"`
	Attempted  int64     `json:"attempted"`
	Indexed    int64     `json:"indexed"`
	Skipped    int64     `json:"skipped"`
	FinalCount int64     `json:"final_count"`
	FinishedAt time.Time `json:"finished_at"`
}

// Recorder writes run reports to the configured sinks. Either sink may be
// nil.
type Recorder struct {
	db       *postgres.Client
	producer *kafka.Producer
	logger   *slog.Logger
}

// New creates a Recorder over the given sinks.
func New(db *postgres.Client, producer *kafka.Producer) *Recorder {
	return &Recorder{
		db:       db,
		producer: producer,
		logger:   logger.WithComponent("run-recorder"),
	}
}

// Record persists the ledger rows and publishes completion events.
func (r *Recorder) Record(ctx context.Context, report *orchestrator.Report) error {
	var errs []error
	if r.db != nil {
		if err := r.recordLedger(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("run ledger: %w", err))
		}
	}
	if r.producer != nil {
		if err := r.publishEvents(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("completion events: %w", err))
		}
	}
	return errors.Join(errs...)
}

// recordLedger inserts the run row and its layer rows in one transaction.
func (r *Recorder) recordLedger(ctx context.Context, report *orchestrator.Report) error {
	return r.db.InTx(ctx, func(tx *sql.Tx) error {
		var runID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO ingest_runs (task, prefix, started_at, finished_at, failed)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			report.Task, report.Prefix, report.Started, report.Finished, report.Failed(),
		).Scan(&runID)
		if err != nil {
			return fmt.Errorf("inserting run row: %w", err)
		}
		for _, res := range report.Results {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO ingest_layer_results
				 (run_id, layer, index_name, state, attempted, indexed, skipped, final_count, duration_ms, error)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				runID, string(res.Layer), res.Index, string(res.State),
				res.Attempted, res.Indexed, res.Skipped, res.FinalCount,
				res.Duration.Milliseconds(), nullableError(res.Err),
			)
			if err != nil {
				return fmt.Errorf("inserting layer row for %s: %w", res.Layer, err)
			}
		}
		r.logger.Info("run ledger recorded", "run_id", runID, "layers", len(report.Results))
		return nil
	})
}

// publishEvents emits one completion event per layer, keyed by index name.
func (r *Recorder) publishEvents(ctx context.Context, report *orchestrator.Report) error {
	for _, res := range report.Results {
		event := kafka.Event{
			Key: res.Index,
			Value: LayerCompleteEvent{
				Task:       report.Task,
				Layer:      string(res.Layer),
				Index:      res.Index,
				State:      string(res.State),
				Attempted:  res.Attempted,
				Indexed:    res.Indexed,
				Skipped:    res.Skipped,
				FinalCount: res.FinalCount,
				FinishedAt: report.Finished,
			},
		}
		if err := r.producer.Publish(ctx, event); err != nil {
			return err
		}
	}
	r.logger.Debug("completion events published", "count", len(report.Results))
	return nil
}

// nullableError converts an error to a sql.NullString, NULL when nil.
func nullableError(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
