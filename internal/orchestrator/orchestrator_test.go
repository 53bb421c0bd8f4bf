package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osmtools/osm2es/internal/catalog"
	"github.com/osmtools/osm2es/internal/index"
	"github.com/osmtools/osm2es/internal/pipeline"
	"github.com/osmtools/osm2es/internal/source"
	"github.com/osmtools/osm2es/pkg/config"
	"github.com/osmtools/osm2es/pkg/elastic"
	apperrors "github.com/osmtools/osm2es/pkg/errors"
)

// fakeEngine is a concurrency-safe in-memory engine recording lifecycle
// calls.
type fakeEngine struct {
	mu        sync.Mutex
	indices   map[string]bool
	docs      map[string]int64
	deleted   []string
	replicaOf map[string]int
}

func newFakeEngine(existing ...string) *fakeEngine {
	e := &fakeEngine{
		indices:   make(map[string]bool),
		docs:      make(map[string]int64),
		replicaOf: make(map[string]int),
	}
	for _, name := range existing {
		e.indices[name] = true
	}
	return e
}

func (e *fakeEngine) Exists(ctx context.Context, name string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indices[name], nil
}

func (e *fakeEngine) Delete(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indices, name)
	delete(e.docs, name)
	e.deleted = append(e.deleted, name)
	return nil
}

func (e *fakeEngine) Create(ctx context.Context, name string, body io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indices[name] {
		return apperrors.Newf(apperrors.ErrIndexCreateConflict, "", "create %s", name)
	}
	e.indices[name] = true
	return nil
}

func (e *fakeEngine) UpdateSettings(ctx context.Context, name string, body io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.indices[name] {
		return apperrors.Newf(apperrors.ErrIndexNotFound, "", "settings %s", name)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	var settings struct {
		Index struct {
			Replicas int `json:"number_of_replicas"`
		} `json:"index"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return err
	}
	e.replicaOf[name] = settings.Index.Replicas
	return nil
}

func (e *fakeEngine) Count(ctx context.Context, name string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.indices[name] {
		return 0, apperrors.Newf(apperrors.ErrIndexNotFound, "", "count %s", name)
	}
	return e.docs[name], nil
}

// Bulk implements loader.Submitter directly on the fake engine so indexed
// documents feed the count verification. failIndex makes one index's bulk
// submissions fail at the transport level.
type fakeBulk struct {
	engine    *fakeEngine
	failIndex string
}

func (b *fakeBulk) Bulk(ctx context.Context, idx string, body io.Reader) (elastic.BulkResult, error) {
	if idx == b.failIndex {
		return elastic.BulkResult{}, fmt.Errorf("connection reset")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return elastic.BulkResult{}, err
	}
	docs := bytes.Count(data, []byte("\n")) / 2
	b.engine.mu.Lock()
	b.engine.docs[idx] += int64(docs)
	b.engine.mu.Unlock()
	return elastic.BulkResult{Indexed: docs}, nil
}

// layeredDataset serves a fixed number of features per layer and tracks how
// many layer streams are open at once.
type layeredDataset struct {
	perLayer map[catalog.Layer]int
	delay    time.Duration

	mu      sync.Mutex
	active  int
	maxSeen int
}

func (d *layeredDataset) Features(ctx context.Context, layer catalog.Layer) (source.FeatureCursor, error) {
	d.mu.Lock()
	d.active++
	if d.active > d.maxSeen {
		d.maxSeen = d.active
	}
	d.mu.Unlock()
	return &countingCursor{dataset: d, layer: layer, remaining: d.perLayer[layer], delay: d.delay}, nil
}

func (d *layeredDataset) maxConcurrent() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxSeen
}

type countingCursor struct {
	dataset   *layeredDataset
	layer     catalog.Layer
	remaining int
	next      int64
	delay     time.Duration
	closed    bool
}

func (c *countingCursor) Next() (*source.Feature, error) {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.remaining == 0 {
		return nil, io.EOF
	}
	c.remaining--
	c.next++
	return &source.Feature{
		Layer:     string(c.layer),
		ID:        c.next,
		Version:   1,
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Geometry:  json.RawMessage(`{"type":"Point","coordinates":[1.0,2.0]}`),
	}, nil
}

func (c *countingCursor) Close() error {
	if !c.closed {
		c.closed = true
		c.dataset.mu.Lock()
		c.dataset.active--
		c.dataset.mu.Unlock()
	}
	return nil
}

func testConfig(parallelism, replicas int) *config.Config {
	return &config.Config{
		Elastic: config.ElasticConfig{
			IndexPrefix: "osm",
			Task:        "berlin",
			Replicas:    replicas,
		},
		Ingest: config.IngestConfig{
			CacheSize:        10,
			Workers:          1,
			LayerParallelism: parallelism,
			MaxAttempts:      2,
			RetryDelay:       time.Millisecond,
			BulkTimeout:      time.Second,
			SkipBroken:       true,
		},
	}
}

func TestRunLoadsAllLayers(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{
		catalog.Points:           25,
		catalog.Lines:            12,
		catalog.MultiLinestrings: 3,
		catalog.MultiPolygons:    7,
		catalog.OtherRelations:   0,
	}}
	o := New(testConfig(6, 1), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 5)
	assert.False(t, report.Failed())

	byLayer := make(map[catalog.Layer]pipeline.Result)
	for _, res := range report.Results {
		byLayer[res.Layer] = res
	}
	assert.Equal(t, int64(25), byLayer[catalog.Points].Indexed)
	assert.Equal(t, int64(25), byLayer[catalog.Points].FinalCount)
	assert.Equal(t, pipeline.StateCompleted, byLayer[catalog.OtherRelations].State)
	assert.Equal(t, int64(0), byLayer[catalog.OtherRelations].Indexed)
}

func TestRunRecreatesPreexistingIndices(t *testing.T) {
	engine := newFakeEngine("osm_berlin_points", "osm_berlin_lines")
	engine.docs["osm_berlin_points"] = 999
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{catalog.Points: 2}}
	o := New(testConfig(2, 0), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.ElementsMatch(t, []string{"osm_berlin_points", "osm_berlin_lines"}, engine.deleted)

	// old generation is fully replaced, never appended to
	count, err := engine.Count(context.Background(), "osm_berlin_points")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{catalog.Points: 5}}

	for run := 0; run < 2; run++ {
		o := New(testConfig(2, 0), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, nil)
		report, err := o.Run(context.Background())
		require.NoError(t, err)
		require.False(t, report.Failed())
		count, err := engine.Count(context.Background(), "osm_berlin_points")
		require.NoError(t, err)
		assert.Equal(t, int64(5), count, "run %d", run)
	}
}

func TestRunRespectsParallelismBound(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{
		perLayer: map[catalog.Layer]int{
			catalog.Points:           4,
			catalog.Lines:            4,
			catalog.MultiLinestrings: 4,
			catalog.MultiPolygons:    4,
			catalog.OtherRelations:   4,
		},
		delay: 5 * time.Millisecond,
	}
	o := New(testConfig(2, 0), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Failed())
	assert.LessOrEqual(t, dataset.maxConcurrent(), 2)
}

func TestRunIsolatesLayerFailures(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{
		catalog.Points: 3,
		catalog.Lines:  3,
	}}
	submitter := &fakeBulk{engine: engine, failIndex: "osm_berlin_lines"}
	o := New(testConfig(6, 0), dataset, index.NewManager(engine), submitter, nil, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Failed())

	byLayer := make(map[catalog.Layer]pipeline.Result)
	for _, res := range report.Results {
		byLayer[res.Layer] = res
	}
	assert.Equal(t, pipeline.StateFailed, byLayer[catalog.Lines].State)
	assert.Equal(t, pipeline.StateCompleted, byLayer[catalog.Points].State)
	assert.Equal(t, int64(3), byLayer[catalog.Points].Indexed)
}

func TestRunRestoresReplicaCountAfterLoad(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{catalog.Points: 1}}
	o := New(testConfig(2, 1), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, nil)

	report, err := o.Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Failed())
	for _, l := range catalog.All() {
		name := catalog.IndexName("osm", "berlin", l)
		assert.Equal(t, 1, engine.replicaOf[name], "index %s", name)
	}
}

func TestRunLeavesLayersPendingOnCancelledContext(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{catalog.Points: 1}}
	o := New(testConfig(1, 0), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := o.Run(ctx)
	require.NoError(t, err)

	for _, res := range report.Results {
		assert.Equal(t, pipeline.StatePending, res.State, "layer %s", res.Layer)
	}
}

type recordingReporter struct {
	mu       sync.Mutex
	recorded *Report
}

func (r *recordingReporter) Record(ctx context.Context, report *Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = report
	return nil
}

func TestRunHandsReportToReporter(t *testing.T) {
	engine := newFakeEngine()
	dataset := &layeredDataset{perLayer: map[catalog.Layer]int{catalog.Points: 2}}
	reporter := &recordingReporter{}
	o := New(testConfig(2, 0), dataset, index.NewManager(engine), &fakeBulk{engine: engine}, nil, reporter)

	_, err := o.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reporter.recorded)
	assert.Equal(t, "berlin", reporter.recorded.Task)
	assert.Len(t, reporter.recorded.Results, 5)
}

func TestReportSummaryTable(t *testing.T) {
	report := &Report{
		Results: []pipeline.Result{
			{Layer: catalog.Points, State: pipeline.StateCompleted, Attempted: 10, Indexed: 9, Skipped: 1, FinalCount: 9},
			{Layer: catalog.Lines, State: pipeline.StateFailed},
		},
	}
	out := report.String()
	assert.Contains(t, out, "LAYER")
	assert.Contains(t, out, "points")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "failed")
	assert.True(t, report.Failed())
}
