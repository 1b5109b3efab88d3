package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/storage"
	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

const csvContentType = "text/csv"

type blobDataset struct {
	batch string
	parts map[string]bool
	span  *storage.Span
}

// Blob stores datasets as CSV blobs under a prefix and tracks them in the
// storage manifest.
type Blob struct {
	blobs    storage.BlobStorageClient
	manifest *storage.ManifestClient
	prefix   string
	logger   *zap.Logger

	mu       sync.Mutex
	datasets map[string]*blobDataset
}

// NewBlob creates a blob sink writing under prefix.
func NewBlob(blobs storage.BlobStorageClient, prefix string, logger *zap.Logger) (*Blob, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob storage client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blob{
		blobs:    blobs,
		manifest: storage.NewManifestClient(blobs, prefix, logger),
		prefix:   prefix,
		logger:   logger,
		datasets: make(map[string]*blobDataset),
	}, nil
}

func (s *Blob) partPath(dataset, part string) string {
	return path.Join(s.prefix, dataset, part+".csv")
}

func (s *Blob) Begin(ctx context.Context, dataset string, replace bool) error {
	ds := &blobDataset{batch: uuid.NewString(), parts: make(map[string]bool)}

	if !replace {
		entry, err := s.manifest.Entry(ctx, dataset)
		if err != nil {
			return err
		}
		if entry != nil {
			for _, p := range entry.Parts {
				ds.parts[p] = true
			}
			ds.span = entry.Span
		} else if err := s.importBase(ctx, dataset, ds); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.datasets[dataset] = ds
	s.mu.Unlock()
	return nil
}

// importBase adopts a dataset blob that has no manifest entry.
func (s *Blob) importBase(ctx context.Context, dataset string, ds *blobDataset) error {
	data, err := s.blobs.Download(ctx, storage.DatasetPath(s.prefix, dataset))
	if rferrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := s.blobs.Upload(ctx, s.partPath(dataset, basePart), data, csvContentType, nil); err != nil {
		return err
	}
	ds.parts[basePart] = true
	return nil
}

func (s *Blob) dataset(name string) (*blobDataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[name]
	if !ok {
		return nil, fmt.Errorf("dataset %q not begun", name)
	}
	return ds, nil
}

func (s *Blob) Write(ctx context.Context, dataset, part string, rows []tabular.Row) error {
	ds, err := s.dataset(dataset)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tabular.WriteCSV(&buf, rows, nil, true); err != nil {
		return fmt.Errorf("failed to encode part %s: %w", part, err)
	}
	if _, err := s.blobs.Upload(ctx, s.partPath(dataset, part), buf.Bytes(), csvContentType, map[string]string{
		"dataset": dataset,
		"part":    part,
		"batch":   ds.batch,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	ds.parts[part] = true
	s.mu.Unlock()
	return nil
}

func (s *Blob) SetSpan(_ context.Context, dataset string, span Span) error {
	ds, err := s.dataset(dataset)
	if err != nil {
		return err
	}
	s.mu.Lock()
	ds.span = &storage.Span{Base: span.Base, Upper: span.Upper, Partitions: span.Partitions}
	s.mu.Unlock()
	return nil
}

// Span reads the manifest.
func (s *Blob) Span(ctx context.Context, dataset string) (*Span, error) {
	entry, err := s.manifest.Entry(ctx, dataset)
	if err != nil || entry == nil || entry.Span == nil {
		return nil, err
	}
	return &Span{Base: entry.Span.Base, Upper: entry.Span.Upper, Partitions: entry.Span.Partitions}, nil
}

func (s *Blob) Commit(ctx context.Context, dataset string) error {
	ds, err := s.dataset(dataset)
	if err != nil {
		return err
	}

	s.mu.Lock()
	parts := make([]string, 0, len(ds.parts))
	for p := range ds.parts {
		parts = append(parts, p)
	}
	span := ds.span
	s.mu.Unlock()
	sort.Strings(parts)

	var rows []tabular.Row
	for _, p := range parts {
		data, err := s.blobs.Download(ctx, s.partPath(dataset, p))
		if err != nil {
			return fmt.Errorf("failed to read part %s: %w", p, err)
		}
		_, partRows, err := tabular.ReadCSV(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to parse part %s: %w", p, err)
		}
		rows = append(rows, partRows...)
	}

	var buf bytes.Buffer
	if err := tabular.WriteCSV(&buf, rows, nil, true); err != nil {
		return fmt.Errorf("failed to encode %s: %w", dataset, err)
	}
	blobPath := storage.DatasetPath(s.prefix, dataset)
	if _, err := s.blobs.Upload(ctx, blobPath, buf.Bytes(), csvContentType, map[string]string{
		"dataset": dataset,
		"batch":   ds.batch,
	}); err != nil {
		return err
	}

	if err := s.manifest.Put(ctx, dataset, &storage.DatasetEntry{
		BlobPath:     blobPath,
		Batch:        ds.batch,
		Rows:         len(rows),
		Parts:        parts,
		LastModified: tabular.Latest(rows, tabular.ColModifiedOn),
		Span:         span,
	}); err != nil {
		return err
	}

	s.logger.Info("Dataset committed",
		zap.String("dataset", dataset),
		zap.String("blob_path", blobPath),
		zap.Int("rows", len(rows)))
	return nil
}

// LastModified reads the manifest.
func (s *Blob) LastModified(ctx context.Context, dataset string) (*time.Time, error) {
	entry, err := s.manifest.Entry(ctx, dataset)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.LastModified, nil
}

func (s *Blob) Close() error { return nil }
