// Package source reads converted OSM feature records and turns them into
// index-ready documents. Binary PBF parsing belongs to the external
// geometry-conversion tooling; this package consumes its line-delimited JSON
// output.
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/osmtools/osm2es/internal/catalog"
)

// Feature is one raw record from the converted extract.
type Feature struct {
	Layer     string            `json:"layer"`
	ID        int64             `json:"id"`
	Version   int               `json:"version"`
	User      string            `json:"user"`
	Visible   bool              `json:"visible"`
	Timestamp time.Time         `json:"timestamp"`
	Geometry  json.RawMessage   `json:"geometry"`
	Tags      map[string]string `json:"tags"`
}

// Dataset yields the features of one layer in source order. A sequence is
// finite and restartable only by calling Features again from scratch.
type Dataset interface {
	Features(ctx context.Context, layer catalog.Layer) (FeatureCursor, error)
}

// FeatureCursor is a pull iterator over one layer's features. Next returns
// io.EOF when the sequence is exhausted. A malformed record is returned as an
// error wrapping ErrFeatureDecode; the cursor stays usable so callers can
// skip and continue.
type FeatureCursor interface {
	Next() (*Feature, error)
	Close() error
}
