// Package loader batches documents and submits them to the engine's bulk
// endpoint. Per-document failures inside a bulk response are counted and
// skipped; transport-level failures are retried with bounded backoff before
// the layer is failed.
package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/osmtools/osm2es/internal/catalog"
	"github.com/osmtools/osm2es/internal/source"
	"github.com/osmtools/osm2es/pkg/elastic"
	"github.com/osmtools/osm2es/pkg/logger"
	"github.com/osmtools/osm2es/pkg/metrics"
	"github.com/osmtools/osm2es/pkg/resilience"
)

// Submitter is the bulk-write surface of the search engine. pkg/elastic
// provides the production implementation.
type Submitter interface {
	Bulk(ctx context.Context, index string, body io.Reader) (elastic.BulkResult, error)
}

// Config sizes one layer's loader.
type Config struct {
	Index       string
	Layer       catalog.Layer
	CacheSize   int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	BulkTimeout time.Duration
}

// Loader accumulates documents into batches and feeds them to submit
// workers. Producers block when the batch buffer is full; workers block on
// network I/O.
type Loader struct {
	cfg       Config
	submitter Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	pending []*source.Document
	batches chan []*source.Document
	pool    *ants.Pool
	wg      sync.WaitGroup

	attempted atomic.Int64
	indexed   atomic.Int64
	skipped   atomic.Int64

	mu       sync.Mutex
	fatalErr error
}

// Stats is the loader's per-layer accounting. attempted == indexed + skipped
// once the loader has drained.
type Stats struct {
	Attempted int64
	Indexed   int64
	Skipped   int64
}

// New creates a Loader for one layer's index.
func New(cfg Config, submitter Submitter, m *metrics.Metrics) *Loader {
	if cfg.CacheSize < 1 {
		cfg.CacheSize = 5000
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Loader{
		cfg:       cfg,
		submitter: submitter,
		metrics:   m,
		logger:    logger.WithLayer("bulk-loader", string(cfg.Layer)),
		pending:   make([]*source.Document, 0, cfg.CacheSize),
		// Capacity 1 keeps at most workers+1 batches in flight beyond the
		// one being assembled.
		batches: make(chan []*source.Document, 1),
	}
}

// Start launches the submit workers. It must be called before Add.
func (l *Loader) Start(ctx context.Context) error {
	pool, err := ants.NewPool(l.cfg.Workers)
	if err != nil {
		return fmt.Errorf("creating submit pool: %w", err)
	}
	l.pool = pool
	for i := 0; i < l.cfg.Workers; i++ {
		l.wg.Add(1)
		worker := i
		if err := pool.Submit(func() {
			defer l.wg.Done()
			l.logger.Debug("submit worker started", "worker", worker)
			for batch := range l.batches {
				l.submit(ctx, batch)
			}
			l.logger.Debug("submit worker stopped", "worker", worker)
		}); err != nil {
			l.wg.Done()
			return fmt.Errorf("starting submit worker: %w", err)
		}
	}
	return nil
}

// Add appends a document to the current batch, flushing to the workers when
// the batch reaches the configured cache size. It returns the first fatal
// submission error so the producer can stop early.
func (l *Loader) Add(ctx context.Context, doc *source.Document) error {
	if err := l.err(); err != nil {
		return err
	}
	l.pending = append(l.pending, doc)
	if len(l.pending) >= l.cfg.CacheSize {
		return l.flushPending(ctx)
	}
	return nil
}

// Drain flushes the final partial batch, waits for all workers to finish,
// and returns the first fatal submission error, if any.
func (l *Loader) Drain(ctx context.Context) error {
	flushErr := l.flushPending(ctx)
	close(l.batches)
	l.wg.Wait()
	if l.pool != nil {
		l.pool.Release()
	}
	if err := l.err(); err != nil {
		return err
	}
	return flushErr
}

// Stats returns the accumulated per-document accounting.
func (l *Loader) Stats() Stats {
	return Stats{
		Attempted: l.attempted.Load(),
		Indexed:   l.indexed.Load(),
		Skipped:   l.skipped.Load(),
	}
}

func (l *Loader) flushPending(ctx context.Context) error {
	if len(l.pending) == 0 {
		return nil
	}
	batch := l.pending
	l.pending = make([]*source.Document, 0, l.cfg.CacheSize)
	select {
	case l.batches <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit sends one batch as a single bulk call, retrying transport-level
// failures up to the configured attempt bound. The engine call runs on a
// context detached from run cancellation so an in-flight batch completes or
// fails on its own; cancellation takes effect between attempts.
func (l *Loader) submit(ctx context.Context, docs []*source.Document) {
	body, err := encodeBulk(docs)
	if err != nil {
		l.fail(err)
		return
	}

	var result elastic.BulkResult
	attempts := 0
	start := time.Now()
	bulkCtx := context.WithoutCancel(ctx)
	err = resilience.Retry(ctx, "bulk "+l.cfg.Index, resilience.RetryConfig{
		MaxAttempts:  l.cfg.MaxAttempts,
		InitialDelay: l.cfg.RetryDelay,
	}, func() error {
		attempts++
		if attempts > 1 && l.metrics != nil {
			l.metrics.BulkRetries.WithLabelValues(string(l.cfg.Layer)).Inc()
		}
		return resilience.WithTimeout(bulkCtx, l.cfg.BulkTimeout, "bulk "+l.cfg.Index, func(ctx context.Context) error {
			r, err := l.submitter.Bulk(ctx, l.cfg.Index, bytes.NewReader(body))
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})

	l.attempted.Add(int64(len(docs)))
	if l.metrics != nil {
		l.metrics.BatchesSubmitted.WithLabelValues(string(l.cfg.Layer)).Inc()
		l.metrics.BulkLatency.WithLabelValues(string(l.cfg.Layer)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		l.skipped.Add(int64(len(docs)))
		l.logger.Error("bulk submission failed", "batch_size", len(docs), "attempts", attempts, "error", err)
		l.fail(err)
		return
	}

	l.indexed.Add(int64(result.Indexed))
	l.skipped.Add(int64(result.Failed))
	if l.metrics != nil {
		l.metrics.DocsIndexed.WithLabelValues(string(l.cfg.Layer)).Add(float64(result.Indexed))
		l.metrics.DocsRejected.WithLabelValues(string(l.cfg.Layer)).Add(float64(result.Failed))
	}
	if result.Failed > 0 {
		l.logger.Info("documents failed to index", "failed", result.Failed, "batch_size", len(docs))
	}
	l.logger.Debug("batch submitted", "indexed", result.Indexed, "failed", result.Failed)
}

func (l *Loader) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fatalErr == nil {
		l.fatalErr = err
	}
}

func (l *Loader) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatalErr
}

// encodeBulk assembles the NDJSON bulk body: one index action per document,
// keyed by the stable feature id.
func encodeBulk(docs []*source.Document) ([]byte, error) {
	var buf bytes.Buffer
	for _, doc := range docs {
		meta := map[string]any{"index": map[string]any{"_id": doc.ID}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return nil, fmt.Errorf("encoding bulk action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(doc.Fields); err != nil {
			return nil, fmt.Errorf("encoding document %s: %w", doc.ID, err)
		}
	}
	return buf.Bytes(), nil
}
