// Package elastic provides a thin wrapper around the official Elasticsearch
// Go client, exposing only the index-lifecycle and bulk-write surface the
// loader needs.
package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/osmtools/osm2es/pkg/config"
	apperrors "github.com/osmtools/osm2es/pkg/errors"
)

// Client wraps an Elasticsearch client.
type Client struct {
	es *elasticsearch.Client
}

// New creates an Elasticsearch client from the given configuration.
func New(cfg config.ElasticConfig) (*Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &Client{es: es}, nil
}

// Exists reports whether the index exists (HEAD /{index}).
func (c *Client) Exists(ctx context.Context, index string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("%w: checking index %s: %v", apperrors.ErrEngineUnavailable, index, err)
	}
	defer drain(res)
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking index %s: %s", index, res.Status())
	}
}

// Delete removes the index (DELETE /{index}). A missing index is reported as
// ErrIndexNotFound.
func (c *Client) Delete(ctx context.Context, index string) error {
	res, err := c.es.Indices.Delete([]string{index}, c.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: deleting index %s: %v", apperrors.ErrEngineUnavailable, index, err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return apperrors.Newf(apperrors.ErrIndexNotFound, "", "delete %s", index)
	}
	if res.IsError() {
		return fmt.Errorf("deleting index %s: %s", index, res.Status())
	}
	return nil
}

// Create creates the index with the given settings+mappings body
// (PUT /{index}). An already-existing index is reported as
// ErrIndexCreateConflict.
func (c *Client) Create(ctx context.Context, index string, body io.Reader) error {
	res, err := c.es.Indices.Create(index,
		c.es.Indices.Create.WithBody(body),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: creating index %s: %v", apperrors.ErrEngineUnavailable, index, err)
	}
	defer drain(res)
	if res.IsError() {
		if isAlreadyExists(res) {
			return apperrors.Newf(apperrors.ErrIndexCreateConflict, "", "create %s", index)
		}
		return fmt.Errorf("creating index %s: %s", index, res.Status())
	}
	return nil
}

// UpdateSettings changes live index settings (PUT /{index}/_settings).
func (c *Client) UpdateSettings(ctx context.Context, index string, body io.Reader) error {
	res, err := c.es.Indices.PutSettings(body,
		c.es.Indices.PutSettings.WithIndex(index),
		c.es.Indices.PutSettings.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("%w: updating settings for %s: %v", apperrors.ErrEngineUnavailable, index, err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return apperrors.Newf(apperrors.ErrIndexNotFound, "", "update settings %s", index)
	}
	if res.IsError() {
		return fmt.Errorf("updating settings for %s: %s", index, res.Status())
	}
	return nil
}

// Count returns the current document count (GET /{index}/_count).
func (c *Client) Count(ctx context.Context, index string) (int64, error) {
	res, err := c.es.Count(
		c.es.Count.WithIndex(index),
		c.es.Count.WithContext(ctx),
	)
	if err != nil {
		return 0, fmt.Errorf("%w: counting %s: %v", apperrors.ErrEngineUnavailable, index, err)
	}
	defer drain(res)
	if res.StatusCode == http.StatusNotFound {
		return 0, apperrors.Newf(apperrors.ErrIndexNotFound, "", "count %s", index)
	}
	if res.IsError() {
		return 0, fmt.Errorf("counting %s: %s", index, res.Status())
	}
	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decoding count response for %s: %w", index, err)
	}
	return out.Count, nil
}

// BulkResult summarises the per-document outcome of one bulk submission.
type BulkResult struct {
	Indexed int
	Failed  int
}

// Bulk submits a prepared NDJSON bulk body to the index. Per-document
// failures are counted in the result, not returned as an error; only
// transport-level or whole-request failures produce an error.
func (c *Client) Bulk(ctx context.Context, index string, body io.Reader) (BulkResult, error) {
	res, err := c.es.Bulk(body,
		c.es.Bulk.WithIndex(index),
		c.es.Bulk.WithContext(ctx),
	)
	if err != nil {
		return BulkResult{}, fmt.Errorf("%w: bulk to %s: %v", apperrors.ErrEngineUnavailable, index, err)
	}
	defer drain(res)
	if res.IsError() {
		return BulkResult{}, fmt.Errorf("%w: bulk to %s: %s", apperrors.ErrEngineUnavailable, index, res.Status())
	}
	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return BulkResult{}, fmt.Errorf("decoding bulk response for %s: %w", index, err)
	}
	var result BulkResult
	for _, item := range out.Items {
		for _, action := range item {
			if action.Status >= 200 && action.Status < 300 {
				result.Indexed++
			} else {
				result.Failed++
			}
		}
	}
	return result, nil
}

// isAlreadyExists inspects an error response body for the engine's
// resource_already_exists_exception.
func isAlreadyExists(res *esapi.Response) bool {
	if res.StatusCode != http.StatusBadRequest {
		return false
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return false
	}
	return strings.Contains(string(data), "resource_already_exists_exception")
}

func drain(res *esapi.Response) {
	if res != nil && res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}
