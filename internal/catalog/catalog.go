// Package catalog describes the fixed set of geometry layers an OSM extract
// is partitioned into and the Elasticsearch mapping for each layer's
// documents.
package catalog

import (
	"fmt"

	apperrors "github.com/osmtools/osm2es/pkg/errors"
)

// Layer is one of the fixed geometry categories.
type Layer string

const (
	Points           Layer = "points"
	Lines            Layer = "lines"
	MultiLinestrings Layer = "multilinestrings"
	MultiPolygons    Layer = "multipolygons"
	OtherRelations   Layer = "other_relations"
)

// TimestampFormat is the Go layout matching the index mapping's
// yyyy/MM/ddHH:mm:ss.SSS date format.
const TimestampFormat = "2006/01/0215:04:05.000"

// esTimestampFormat is the same format in Elasticsearch date syntax.
const esTimestampFormat = "yyyy/MM/ddHH:mm:ss.SSS"

// All returns the five layers in stable load order.
func All() []Layer {
	return []Layer{Points, Lines, MultiLinestrings, MultiPolygons, OtherRelations}
}

// Lookup resolves a layer identifier, failing with ErrUnknownLayer for
// anything outside the fixed five.
func Lookup(id string) (Layer, error) {
	for _, l := range All() {
		if string(l) == id {
			return l, nil
		}
	}
	return "", apperrors.Newf(apperrors.ErrUnknownLayer, "", "%q", id)
}

// IndexName derives the target index for a layer.
func IndexName(prefix, task string, l Layer) string {
	return fmt.Sprintf("%s_%s_%s", prefix, task, l)
}

// attributes lists the tag keys promoted to top-level document fields, per
// layer. Everything else lands in other_tags.
var attributes = map[Layer][]string{
	Points: {
		"name", "man_made", "wikidata", "highway", "address", "amenity",
		"crossing", "entrance", "leisure", "natural", "office", "place",
		"shop", "wheelchair",
	},
	Lines: {
		"name", "man_made", "wikidata", "highway", "access", "aerialway",
		"barrier", "cycleway", "lanes", "layer", "junction", "maxspeed",
		"network", "oneway", "ref", "route", "surface", "waterway",
	},
	MultiLinestrings: {
		"name", "man_made", "wikidata", "highway", "network", "ref", "route",
		"waterway",
	},
	MultiPolygons: {
		"name", "natural", "man_made", "wikidata", "admin_level", "boundary",
		"landuse", "building",
	},
	OtherRelations: {
		"name", "man_made", "wikidata",
	},
}

// textAttributes are mapped as analysed text rather than keyword.
var textAttributes = map[string]bool{
	"name":     true,
	"wikidata": true,
	"address":  true,
	"ref":      true,
}

// Attributes returns the promoted tag keys for a layer.
func Attributes(l Layer) []string {
	return attributes[l]
}

// Mapping builds the Elasticsearch mappings object for a layer: the common
// feature fields plus the layer's promoted attributes.
func Mapping(l Layer) map[string]any {
	props := map[string]any{
		"geometry":      map[string]any{"type": "geo_shape"},
		"osm_id":        map[string]any{"type": "text"},
		"osm_version":   map[string]any{"type": "integer"},
		"osm_user":      map[string]any{"type": "keyword"},
		"osm_timestamp": map[string]any{"type": "date", "format": esTimestampFormat},
		"visible":       map[string]any{"type": "boolean"},
		"other_tags":    map[string]any{"type": "flattened"},
		"num_tags":      map[string]any{"type": "integer"},
	}
	for _, attr := range attributes[l] {
		if textAttributes[attr] {
			props[attr] = map[string]any{"type": "text"}
		} else {
			props[attr] = map[string]any{"type": "keyword"}
		}
	}
	return map[string]any{"properties": props}
}
