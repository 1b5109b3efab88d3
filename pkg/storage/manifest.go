package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
)

// DatasetEntry describes the stored state of one dataset.
type DatasetEntry struct {
	BlobPath     string     `json:"blob_path"`
	Batch        string     `json:"batch"`
	Rows         int        `json:"rows"`
	Parts        []string   `json:"parts"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	Span         *Span      `json:"span,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Span records the windows a partitioned export was cut into.
type Span struct {
	Base       time.Time `json:"base"`
	Upper      time.Time `json:"upper"`
	Partitions int       `json:"partitions"`
}

// Manifest maps dataset names to their stored state.
// Format: { "<dataset>": DatasetEntry, ... }
type Manifest map[string]*DatasetEntry

// ManifestClient keeps the manifest next to the exported datasets.
type ManifestClient struct {
	blobClient BlobStorageClient
	prefix     string
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewManifestClient creates a manifest client rooted at prefix.
func NewManifestClient(blobClient BlobStorageClient, prefix string, logger *zap.Logger) *ManifestClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManifestClient{
		blobClient: blobClient,
		prefix:     prefix,
		logger:     logger,
	}
}

// ManifestPath returns the blob path of the manifest under prefix.
func ManifestPath(prefix string) string {
	return path.Join(prefix, "manifest.json")
}

// DatasetPath returns the blob path of a dataset's CSV under prefix.
func DatasetPath(prefix, dataset string) string {
	return path.Join(prefix, dataset+".csv")
}

// Get downloads the manifest. A missing manifest is empty.
func (c *ManifestClient) Get(ctx context.Context) (Manifest, error) {
	if c.blobClient == nil {
		return nil, fmt.Errorf("blob client not initialized")
	}

	data, err := c.blobClient.Download(ctx, ManifestPath(c.prefix))
	if err != nil {
		if rferrors.IsNotFound(err) {
			return Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to download manifest: %w", err)
	}

	manifest := Manifest{}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return manifest, nil
}

// Entry returns the stored state of dataset, or nil when it was never written.
func (c *ManifestClient) Entry(ctx context.Context, dataset string) (*DatasetEntry, error) {
	manifest, err := c.Get(ctx)
	if err != nil {
		return nil, err
	}
	return manifest[dataset], nil
}

// Put records entry for dataset. The manifest is read, updated and written back
// under the client's lock.
func (c *ManifestClient) Put(ctx context.Context, dataset string, entry *DatasetEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	manifest, err := c.Get(ctx)
	if err != nil {
		return err
	}

	sort.Strings(entry.Parts)
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	manifest[dataset] = entry

	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if _, err := c.blobClient.Upload(ctx, ManifestPath(c.prefix), data, "application/json", map[string]string{
		"dataset":    dataset,
		"batch":      entry.Batch,
		"rows":       strconv.Itoa(entry.Rows),
		"updated_at": entry.UpdatedAt.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}

	c.logger.Debug("Manifest updated",
		zap.String("dataset", dataset),
		zap.Int("rows", entry.Rows),
		zap.Int("parts", len(entry.Parts)))
	return nil
}
