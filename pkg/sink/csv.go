package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

// CSV writes each dataset to <dir>/<dataset>.csv. Parts are kept beside it in
// <dir>/<dataset>.parts so later appends and partition re-runs can rebuild the
// file. A replacing export stages its parts in <dir>/<dataset>.parts.next and
// swaps them in on Commit.
type CSV struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex
	staged map[string]bool
}

const spanFile = "span.json"

// NewCSV creates a CSV sink rooted at dir, creating dir if needed.
func NewCSV(dir string, logger *zap.Logger) (*CSV, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &CSV{dir: dir, logger: logger, staged: make(map[string]bool)}, nil
}

// Path returns the file the dataset is committed to.
func (s *CSV) Path(dataset string) string {
	return filepath.Join(s.dir, dataset+".csv")
}

func (s *CSV) partsDir(dataset string) string {
	return filepath.Join(s.dir, dataset+".parts")
}

func (s *CSV) stagingDir(dataset string) string {
	return s.partsDir(dataset) + ".next"
}

// writeDir is where parts of dataset go until the next Commit.
func (s *CSV) writeDir(dataset string) string {
	if s.staged[dataset] {
		return s.stagingDir(dataset)
	}
	return s.partsDir(dataset)
}

func (s *CSV) Begin(_ context.Context, dataset string, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Leftovers of an export that never committed.
	if err := os.RemoveAll(s.stagingDir(dataset)); err != nil {
		return fmt.Errorf("failed to clear staged parts of %s: %w", dataset, err)
	}
	delete(s.staged, dataset)

	if replace {
		if err := os.MkdirAll(s.stagingDir(dataset), 0o755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		s.staged[dataset] = true
		return nil
	}

	dir := s.partsDir(dataset)
	_, statErr := os.Stat(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create parts directory: %w", err)
	}
	if !errors.Is(statErr, fs.ErrNotExist) {
		return nil
	}

	// A dataset committed without parts becomes the first part.
	data, err := os.ReadFile(s.Path(dataset))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.Path(dataset), err)
	}
	s.logger.Info("Importing existing dataset as base part", zap.String("dataset", dataset))
	return writeFileAtomic(filepath.Join(dir, basePart+".csv"), data)
}

func (s *CSV) Write(_ context.Context, dataset, part string, rows []tabular.Row) error {
	var buf bytes.Buffer
	if err := tabular.WriteCSV(&buf, rows, nil, true); err != nil {
		return fmt.Errorf("failed to encode part %s: %w", part, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(s.writeDir(dataset), part+".csv"), buf.Bytes()); err != nil {
		return err
	}
	s.logger.Debug("Wrote part",
		zap.String("dataset", dataset),
		zap.String("part", part),
		zap.Int("rows", len(rows)))
	return nil
}

func (s *CSV) SetSpan(_ context.Context, dataset string, span Span) error {
	data, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("failed to encode span of %s: %w", dataset, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(filepath.Join(s.writeDir(dataset), spanFile), data)
}

// Span reads the span stored with the committed parts.
func (s *CSV) Span(_ context.Context, dataset string) (*Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.partsDir(dataset), spanFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read span of %s: %w", dataset, err)
	}
	var span Span
	if err := json.Unmarshal(data, &span); err != nil {
		return nil, fmt.Errorf("failed to parse span of %s: %w", dataset, err)
	}
	return &span, nil
}

func (s *CSV) Commit(_ context.Context, dataset string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staged[dataset] {
		if err := s.swapParts(dataset); err != nil {
			return err
		}
		delete(s.staged, dataset)
	}

	rows, err := s.readParts(dataset)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := tabular.WriteCSV(&buf, rows, nil, true); err != nil {
		return fmt.Errorf("failed to encode %s: %w", dataset, err)
	}
	if err := writeFileAtomic(s.Path(dataset), buf.Bytes()); err != nil {
		return err
	}

	s.logger.Info("Dataset committed",
		zap.String("dataset", dataset),
		zap.String("path", s.Path(dataset)),
		zap.Int("rows", len(rows)))
	return nil
}

// swapParts replaces the committed parts of dataset with the staged ones.
func (s *CSV) swapParts(dataset string) error {
	dir := s.partsDir(dataset)
	old := dir + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to clear %s: %w", old, err)
	}
	if err := os.Rename(dir, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to retire parts of %s: %w", dataset, err)
	}
	if err := os.Rename(s.stagingDir(dataset), dir); err != nil {
		return fmt.Errorf("failed to move staged parts of %s into place: %w", dataset, err)
	}
	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn("Failed to remove retired parts", zap.String("dataset", dataset), zap.Error(err))
	}
	return nil
}

func (s *CSV) readParts(dataset string) ([]tabular.Row, error) {
	entries, err := os.ReadDir(s.partsDir(dataset))
	if err != nil {
		return nil, fmt.Errorf("failed to list parts of %s: %w", dataset, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".csv") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var rows []tabular.Row
	for _, name := range names {
		part, err := readCSVFile(filepath.Join(s.partsDir(dataset), name))
		if err != nil {
			return nil, err
		}
		rows = append(rows, part...)
	}
	return rows, nil
}

// LastModified reads the committed file.
func (s *CSV) LastModified(_ context.Context, dataset string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := readCSVFile(s.Path(dataset))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tabular.Latest(rows, tabular.ColModifiedOn), nil
}

func (s *CSV) Close() error { return nil }

func readCSVFile(path string) ([]tabular.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	_, rows, err := tabular.ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return rows, nil
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
