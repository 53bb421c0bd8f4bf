package source

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/osmtools/osm2es/internal/catalog"
	apperrors "github.com/osmtools/osm2es/pkg/errors"
)

// FileDataset reads a line-delimited JSON feature file produced by the
// external PBF converter. Each line is one Feature with its layer tag; a
// per-layer cursor filters while scanning.
type FileDataset struct {
	path string

	mu     sync.Mutex
	broken map[int]bool
}

// NewFileDataset validates that the input file exists and returns a dataset
// over it. A missing file fails with ErrInputMissing before any engine call.
func NewFileDataset(path string) (*FileDataset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInputMissing, "", "%s", path)
	}
	if info.IsDir() {
		return nil, apperrors.Newf(apperrors.ErrInputMissing, "", "%s is a directory", path)
	}
	return &FileDataset{path: path, broken: make(map[int]bool)}, nil
}

// claimBroken records a physical line that failed to parse. It returns true
// for the first cursor to reach the line; later scans get false so an
// unattributable line is surfaced exactly once per dataset.
func (d *FileDataset) claimBroken(line int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.broken[line] {
		return false
	}
	d.broken[line] = true
	return true
}

// Features opens a fresh scan of the file filtered to the given layer.
func (d *FileDataset) Features(ctx context.Context, layer catalog.Layer) (FeatureCursor, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInputMissing, string(layer), "%s: %v", d.path, err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &fileCursor{
		ctx:     ctx,
		dataset: d,
		file:    f,
		scanner: scanner,
		layer:   layer,
	}, nil
}

type fileCursor struct {
	ctx     context.Context
	dataset *FileDataset
	file    *os.File
	scanner *bufio.Scanner
	layer   catalog.Layer
	line    int
}

// Next scans forward to the next record belonging to the cursor's layer. A
// line that fails to parse carries no layer tag, so it is surfaced by the
// first cursor to reach it and silently passed over by every later scan; the
// cursor stays usable either way, so the caller can skip the error and keep
// reading.
func (c *fileCursor) Next() (*Feature, error) {
	for c.scanner.Scan() {
		if err := c.ctx.Err(); err != nil {
			return nil, err
		}
		c.line++
		raw := c.scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var feat Feature
		if err := json.Unmarshal(raw, &feat); err != nil {
			if !c.dataset.claimBroken(c.line) {
				continue
			}
			return nil, apperrors.Newf(apperrors.ErrFeatureDecode, string(c.layer), "line %d: %v", c.line, err)
		}
		if feat.Layer != string(c.layer) {
			continue
		}
		return &feat, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *fileCursor) Close() error {
	return c.file.Close()
}
