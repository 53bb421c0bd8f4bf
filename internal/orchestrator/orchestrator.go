// Package orchestrator runs the full layered ingestion: indices are
// recreated up front, one pipeline per layer runs with bounded parallelism,
// and settings tuning plus count verification happen after all layers reach
// a terminal state.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/osmtools/osm2es/internal/catalog"
	"github.com/osmtools/osm2es/internal/index"
	"github.com/osmtools/osm2es/internal/loader"
	"github.com/osmtools/osm2es/internal/pipeline"
	"github.com/osmtools/osm2es/internal/source"
	"github.com/osmtools/osm2es/pkg/config"
	"github.com/osmtools/osm2es/pkg/logger"
	"github.com/osmtools/osm2es/pkg/metrics"
)

// Reporter receives the finished report for best-effort external recording.
type Reporter interface {
	Record(ctx context.Context, report *Report) error
}

// Orchestrator coordinates one ingestion run for all layers of a task.
type Orchestrator struct {
	cfg       *config.Config
	dataset   source.Dataset
	manager   *index.Manager
	submitter loader.Submitter
	metrics   *metrics.Metrics
	reporter  Reporter
	logger    *slog.Logger
}

// New wires an Orchestrator. reporter and m may be nil.
func New(cfg *config.Config, dataset source.Dataset, manager *index.Manager, submitter loader.Submitter, m *metrics.Metrics, reporter Reporter) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		dataset:   dataset,
		manager:   manager,
		submitter: submitter,
		metrics:   m,
		reporter:  reporter,
		logger:    logger.WithComponent("orchestrator"),
	}
}

// Run executes the full ingestion and returns the per-layer report. The
// returned error covers only failures before any pipeline starts; per-layer
// failures are carried in the report so siblings are never aborted.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	layers := catalog.All()
	report := &Report{
		Task:    o.cfg.Elastic.Task,
		Prefix:  o.cfg.Elastic.IndexPrefix,
		Started: time.Now(),
		Results: make([]pipeline.Result, len(layers)),
	}

	// Index metadata operations are never raced: all deletions happen
	// sequentially before any pipeline starts.
	for _, l := range layers {
		name := o.indexName(l)
		if err := o.manager.DeleteIfExists(ctx, name); err != nil {
			return nil, err
		}
	}

	o.runPipelines(ctx, layers, report)
	o.finalize(ctx, report)
	report.Finished = time.Now()

	o.logger.Info("ingestion run finished",
		"task", report.Task,
		"failed", report.Failed(),
		"duration", report.Finished.Sub(report.Started),
	)
	o.record(report)
	return report, nil
}

// runPipelines starts one pipeline per layer, bounded by the configured
// parallelism. Layers that cannot start because the context was cancelled
// stay Pending in the report.
func (o *Orchestrator) runPipelines(ctx context.Context, layers []catalog.Layer, report *Report) {
	sem := semaphore.NewWeighted(int64(o.cfg.Ingest.LayerParallelism))
	var wg sync.WaitGroup
	for i, l := range layers {
		name := o.indexName(l)
		if err := sem.Acquire(ctx, 1); err != nil {
			report.Results[i] = pipeline.Result{
				Layer: l,
				Index: name,
				State: pipeline.StatePending,
			}
			o.logger.Warn("layer not started", "layer", l, "reason", err)
			continue
		}
		wg.Add(1)
		go func(i int, l catalog.Layer, name string) {
			defer wg.Done()
			defer sem.Release(1)
			p := pipeline.New(pipeline.Config{
				Layer:       l,
				Index:       name,
				CacheSize:   o.cfg.Ingest.CacheSize,
				Workers:     o.cfg.Ingest.Workers,
				MaxAttempts: o.cfg.Ingest.MaxAttempts,
				RetryDelay:  o.cfg.Ingest.RetryDelay,
				BulkTimeout: o.cfg.Ingest.BulkTimeout,
				SkipBroken:  o.cfg.Ingest.SkipBroken,
			}, o.dataset, o.manager, o.submitter, o.metrics)
			report.Results[i] = p.Run(ctx)
		}(i, l, name)
	}
	wg.Wait()
}

// finalize restores the target replica count and verifies document counts
// for every completed layer. Count failures are logged and ignored; a
// settings update failure marks the layer failed.
func (o *Orchestrator) finalize(ctx context.Context, report *Report) {
	for i := range report.Results {
		res := &report.Results[i]
		if res.State != pipeline.StateCompleted {
			continue
		}
		if err := o.manager.UpdateSettings(ctx, res.Index, o.cfg.Elastic.Replicas); err != nil {
			o.logger.Error("restoring replica count failed", "index", res.Index, "error", err)
			res.State = pipeline.StateFailed
			res.Err = err
			continue
		}
		count, err := o.manager.Count(ctx, res.Index)
		if err != nil {
			o.logger.Warn("count verification failed", "index", res.Index, "error", err)
			continue
		}
		res.FinalCount = count
		o.logger.Info("layer verified", "index", res.Index, "count", count)
	}
}

// record hands the report to the configured reporter, best-effort.
func (o *Orchestrator) record(report *Report) {
	if o.reporter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.reporter.Record(ctx, report); err != nil {
		o.logger.Warn("recording run report failed", "error", err)
	}
}

func (o *Orchestrator) indexName(l catalog.Layer) string {
	return catalog.IndexName(o.cfg.Elastic.IndexPrefix, o.cfg.Elastic.Task, l)
}
