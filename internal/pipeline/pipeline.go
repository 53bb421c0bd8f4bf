// Package pipeline wires one layer's feature stream into its bulk loader and
// tracks the layer's terminal state.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/osmtools/osm2es/internal/catalog"
	"github.com/osmtools/osm2es/internal/index"
	"github.com/osmtools/osm2es/internal/loader"
	"github.com/osmtools/osm2es/internal/source"
	apperrors "github.com/osmtools/osm2es/pkg/errors"
	"github.com/osmtools/osm2es/pkg/logger"
	"github.com/osmtools/osm2es/pkg/metrics"
)

// State is a layer pipeline's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// progressEvery controls how often conversion progress is logged.
const progressEvery = 50000

// Result is the immutable per-layer outcome. FinalCount is filled in by the
// orchestrator's verification step.
type Result struct {
	Layer      catalog.Layer
	Index      string
	State      State
	Attempted  int64
	Indexed    int64
	Skipped    int64
	FinalCount int64
	Duration   time.Duration
	Err        error
}

// Config carries the per-layer settings a pipeline needs.
type Config struct {
	Layer       catalog.Layer
	Index       string
	CacheSize   int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	BulkTimeout time.Duration
	SkipBroken  bool
}

// Pipeline runs one layer end to end: create index, stream-convert features,
// bulk load, flush.
type Pipeline struct {
	cfg       Config
	dataset   source.Dataset
	manager   *index.Manager
	submitter loader.Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a pipeline for one layer.
func New(cfg Config, dataset source.Dataset, manager *index.Manager, submitter loader.Submitter, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		dataset:   dataset,
		manager:   manager,
		submitter: submitter,
		metrics:   m,
		logger:    logger.WithLayer("pipeline", string(cfg.Layer)),
	}
}

// Run executes the pipeline and returns its terminal result. The index is
// created with zero replicas; the orchestrator raises the replica count
// after all layers finish.
func (p *Pipeline) Run(ctx context.Context) Result {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.ActivePipelines.Inc()
		defer p.metrics.ActivePipelines.Dec()
	}
	p.logger.Info("layer pipeline starting", "index", p.cfg.Index)

	result := p.run(ctx)
	result.Duration = time.Since(start)
	if p.metrics != nil {
		p.metrics.LayerDuration.WithLabelValues(string(p.cfg.Layer), string(result.State)).Observe(result.Duration.Seconds())
	}
	if result.State == StateCompleted {
		p.logger.Info("layer pipeline completed",
			"attempted", result.Attempted,
			"indexed", result.Indexed,
			"skipped", result.Skipped,
			"duration", result.Duration,
		)
	} else {
		p.logger.Error("layer pipeline failed", "error", result.Err, "duration", result.Duration)
	}
	return result
}

func (p *Pipeline) run(ctx context.Context) Result {
	result := Result{
		Layer: p.cfg.Layer,
		Index: p.cfg.Index,
		State: StateRunning,
	}
	fail := func(err error) Result {
		result.State = StateFailed
		result.Err = err
		return result
	}

	if err := p.manager.Create(ctx, p.cfg.Index, catalog.Mapping(p.cfg.Layer), 0); err != nil {
		return fail(err)
	}

	cursor, err := p.dataset.Features(ctx, p.cfg.Layer)
	if err != nil {
		return fail(err)
	}
	defer cursor.Close()

	ld := loader.New(loader.Config{
		Index:       p.cfg.Index,
		Layer:       p.cfg.Layer,
		CacheSize:   p.cfg.CacheSize,
		Workers:     p.cfg.Workers,
		MaxAttempts: p.cfg.MaxAttempts,
		RetryDelay:  p.cfg.RetryDelay,
		BulkTimeout: p.cfg.BulkTimeout,
	}, p.submitter, p.metrics)
	if err := ld.Start(ctx); err != nil {
		return fail(err)
	}

	converter := source.NewConverter(p.cfg.Layer)
	var converted, decodeSkipped int64
	streamErr := p.stream(ctx, cursor, converter, ld, &converted, &decodeSkipped)

	drainErr := ld.Drain(ctx)
	stats := ld.Stats()
	result.Attempted = stats.Attempted + decodeSkipped
	result.Indexed = stats.Indexed
	result.Skipped = stats.Skipped + decodeSkipped

	if streamErr != nil {
		return fail(streamErr)
	}
	if drainErr != nil {
		return fail(drainErr)
	}
	result.State = StateCompleted
	return result
}

// stream pulls features through the converter into the loader until the
// cursor is exhausted. Decode failures are skipped and counted when the
// skip-broken policy is on, and abort the layer otherwise.
func (p *Pipeline) stream(ctx context.Context, cursor source.FeatureCursor, converter *source.Converter, ld *loader.Loader, converted, decodeSkipped *int64) error {
	for {
		feat, err := cursor.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if errors.Is(err, apperrors.ErrFeatureDecode) {
				if !p.cfg.SkipBroken {
					return err
				}
				*decodeSkipped++
				p.countSkip()
				continue
			}
			return err
		}

		doc, err := converter.Convert(feat)
		if err != nil {
			if errors.Is(err, apperrors.ErrFeatureDecode) && p.cfg.SkipBroken {
				*decodeSkipped++
				p.countSkip()
				p.logger.Debug("skipping broken feature", "error", err)
				continue
			}
			return err
		}

		if err := ld.Add(ctx, doc); err != nil {
			return err
		}
		*converted++
		if p.metrics != nil {
			p.metrics.FeaturesConverted.WithLabelValues(string(p.cfg.Layer)).Inc()
		}
		if *converted%progressEvery == 0 {
			p.logger.Info("conversion progress", "features", *converted)
		}
	}
}

func (p *Pipeline) countSkip() {
	if p.metrics != nil {
		p.metrics.FeaturesSkipped.WithLabelValues(string(p.cfg.Layer)).Inc()
	}
}
