package source

import (
	"encoding/json"
	"strconv"

	"github.com/osmtools/osm2es/internal/catalog"
	apperrors "github.com/osmtools/osm2es/pkg/errors"
)

// Document is one index-ready geographic feature. Ownership passes to the
// bulk loader on emission; it is never mutated afterwards.
type Document struct {
	ID     string
	Fields map[string]any
}

// Converter turns raw features of one layer into Documents: promoted
// attributes become top-level fields, the remaining tags land in other_tags.
type Converter struct {
	layer catalog.Layer
	attrs []string
}

// NewConverter creates a converter for the given layer.
func NewConverter(layer catalog.Layer) *Converter {
	return &Converter{
		layer: layer,
		attrs: catalog.Attributes(layer),
	}
}

// Convert validates and maps a single feature. Malformed features (missing
// id, absent or invalid geometry) fail with an error wrapping
// ErrFeatureDecode; the caller decides between skipping and aborting.
func (c *Converter) Convert(f *Feature) (*Document, error) {
	if f.ID == 0 {
		return nil, apperrors.Newf(apperrors.ErrFeatureDecode, string(c.layer), "feature without id")
	}
	if len(f.Geometry) == 0 || !json.Valid(f.Geometry) {
		return nil, apperrors.Newf(apperrors.ErrFeatureDecode, string(c.layer), "feature %d: invalid geometry", f.ID)
	}

	id := strconv.FormatInt(f.ID, 10)
	fields := map[string]any{
		"osm_id":        id,
		"osm_version":   f.Version,
		"osm_user":      f.User,
		"osm_timestamp": f.Timestamp.UTC().Format(catalog.TimestampFormat),
		"visible":       f.Visible,
		"geometry":      f.Geometry,
		"num_tags":      len(f.Tags),
	}

	promoted := make(map[string]bool, len(c.attrs))
	for _, attr := range c.attrs {
		if v, ok := f.Tags[attr]; ok {
			fields[attr] = v
			promoted[attr] = true
		}
	}
	other := make(map[string]string)
	for k, v := range f.Tags {
		if !promoted[k] {
			other[k] = v
		}
	}
	if len(other) > 0 {
		fields["other_tags"] = other
	}

	return &Document{ID: id, Fields: fields}, nil
}
