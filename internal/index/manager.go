// Package index manages the lifecycle of one layer's target index: the
// delete-if-exists / create two-step recreate protocol, post-load settings
// updates, and count-based verification.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	apperrors "github.com/osmtools/osm2es/pkg/errors"
	"github.com/osmtools/osm2es/pkg/logger"
)

// Engine is the index-lifecycle surface of the search engine. pkg/elastic
// provides the production implementation.
type Engine interface {
	Exists(ctx context.Context, index string) (bool, error)
	Delete(ctx context.Context, index string) error
	Create(ctx context.Context, index string, body io.Reader) error
	UpdateSettings(ctx context.Context, index string, body io.Reader) error
	Count(ctx context.Context, index string) (int64, error)
}

// Manager wraps an Engine with the loader's index protocol.
type Manager struct {
	engine Engine
	logger *slog.Logger
}

// NewManager creates a Manager on top of the given engine.
func NewManager(engine Engine) *Manager {
	return &Manager{
		engine: engine,
		logger: logger.WithComponent("index-manager"),
	}
}

// DeleteIfExists removes the index when present. Absence is not an error, so
// the call is idempotent.
func (m *Manager) DeleteIfExists(ctx context.Context, name string) error {
	exists, err := m.engine.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.Debug("index absent, nothing to delete", "index", name)
		return nil
	}
	m.logger.Info("deleting existing index", "index", name)
	return m.engine.Delete(ctx, name)
}

// Create creates the index with the given mapping and replica count. It
// fails with ErrIndexCreateConflict when the index already exists; callers
// must DeleteIfExists first.
func (m *Manager) Create(ctx context.Context, name string, mapping map[string]any, replicas int) error {
	exists, err := m.engine.Exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return apperrors.Newf(apperrors.ErrIndexCreateConflict, "", "create %s", name)
	}
	body, err := json.Marshal(map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":   1,
				"number_of_replicas": replicas,
			},
		},
		"mappings": mapping,
	})
	if err != nil {
		return fmt.Errorf("encoding create body for %s: %w", name, err)
	}
	m.logger.Info("creating index", "index", name, "replicas", replicas)
	return m.engine.Create(ctx, name, bytes.NewReader(body))
}

// UpdateSettings changes only the live replica count, leaving mappings and
// data untouched. Used after loading with replicas low.
func (m *Manager) UpdateSettings(ctx context.Context, name string, replicas int) error {
	body, err := json.Marshal(map[string]any{
		"index": map[string]any{
			"number_of_replicas": replicas,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding settings body for %s: %w", name, err)
	}
	m.logger.Info("updating index settings", "index", name, "replicas", replicas)
	return m.engine.UpdateSettings(ctx, name, bytes.NewReader(body))
}

// Count returns the engine's current document count for the index.
func (m *Manager) Count(ctx context.Context, name string) (int64, error) {
	return m.engine.Count(ctx, name)
}
