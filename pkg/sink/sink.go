// Package sink persists flattened rows.
//
// A dataset is written in parts. Writing a part replaces any rows previously
// written under the same part name, so a failed partition can be fetched and
// written again without touching the rows of other partitions. Commit makes the
// parts visible as one dataset.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

// Sink is a durable destination for tabular datasets.
type Sink interface {
	// Begin opens dataset for writing. With replace, parts from earlier
	// exports are discarded; otherwise new parts are added to them.
	Begin(ctx context.Context, dataset string, replace bool) error
	Write(ctx context.Context, dataset, part string, rows []tabular.Row) error
	Commit(ctx context.Context, dataset string) error
	Close() error
}

// Resumer is implemented by sinks that can report where an incremental export
// should resume.
type Resumer interface {
	// LastModified returns the greatest modified_on stored for dataset, or nil
	// when the dataset holds no rows.
	LastModified(ctx context.Context, dataset string) (*time.Time, error)
}

// Span is the time range a full partitioned export was cut into windows from.
type Span struct {
	Base       time.Time `json:"base"`
	Upper      time.Time `json:"upper"`
	Partitions int       `json:"partitions"`
}

// SpanKeeper is implemented by sinks that remember the span of the last full
// export, so selected partitions can be fetched again over the same windows.
type SpanKeeper interface {
	// SetSpan records span with the dataset's pending parts. It becomes
	// visible on Commit.
	SetSpan(ctx context.Context, dataset string, span Span) error
	// Span returns the committed span of dataset, or nil when none was recorded.
	Span(ctx context.Context, dataset string) (*Span, error)
}

// Kind names a sink implementation.
type Kind string

const (
	KindCSV      Kind = "csv"
	KindBlob     Kind = "blob"
	KindNATS     Kind = "nats"
	KindPostgres Kind = "postgres"
)

// Kinds lists every sink kind.
func Kinds() []Kind {
	return []Kind{KindCSV, KindBlob, KindNATS, KindPostgres}
}

// ParseKind validates a sink name.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sink %q", name)
}

// PartitionPart names the part holding time-window partition i.
func PartitionPart(i int) string {
	return fmt.Sprintf("p%04d", i)
}

// AppendPart names the part holding rows appended at t. Part names sort in
// commit order: base, partitions, then updates oldest first.
func AppendPart(t time.Time) string {
	return "update-" + t.UTC().Format("20060102T150405Z")
}

// WholePart names the single part of a dataset fetched in one go.
const WholePart = "all"

// basePart holds rows imported from a dataset written without parts.
const basePart = "base"

func sortedParts(parts map[string][]tabular.Row) []string {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type memoryBatch struct {
	parts map[string][]tabular.Row
	span  *Span
}

// Memory keeps datasets in memory. Begun parts stay pending until Commit.
type Memory struct {
	mu        sync.Mutex
	pending   map[string]*memoryBatch
	parts     map[string]map[string][]tabular.Row
	spans     map[string]Span
	committed map[string][]tabular.Row
	commits   map[string]int
	closed    bool
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		pending:   make(map[string]*memoryBatch),
		parts:     make(map[string]map[string][]tabular.Row),
		spans:     make(map[string]Span),
		committed: make(map[string][]tabular.Row),
		commits:   make(map[string]int),
	}
}

func (m *Memory) Begin(_ context.Context, dataset string, replace bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &memoryBatch{parts: make(map[string][]tabular.Row)}
	if !replace {
		for name, rows := range m.parts[dataset] {
			b.parts[name] = rows
		}
	}
	m.pending[dataset] = b
	return nil
}

func (m *Memory) Write(_ context.Context, dataset, part string, rows []tabular.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending[dataset]
	if !ok {
		return fmt.Errorf("dataset %q not begun", dataset)
	}
	b.parts[part] = append([]tabular.Row(nil), rows...)
	return nil
}

func (m *Memory) SetSpan(_ context.Context, dataset string, span Span) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending[dataset]
	if !ok {
		return fmt.Errorf("dataset %q not begun", dataset)
	}
	b.span = &span
	return nil
}

func (m *Memory) Commit(_ context.Context, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending[dataset]
	if !ok {
		return fmt.Errorf("dataset %q not begun", dataset)
	}
	delete(m.pending, dataset)

	var rows []tabular.Row
	for _, name := range sortedParts(b.parts) {
		rows = append(rows, b.parts[name]...)
	}
	m.parts[dataset] = b.parts
	if b.span != nil {
		m.spans[dataset] = *b.span
	}
	m.committed[dataset] = rows
	m.commits[dataset]++
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// LastModified implements Resumer over committed rows.
func (m *Memory) LastModified(_ context.Context, dataset string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tabular.Latest(m.committed[dataset], tabular.ColModifiedOn), nil
}

func (m *Memory) Span(_ context.Context, dataset string) (*Span, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	span, ok := m.spans[dataset]
	if !ok {
		return nil, nil
	}
	return &span, nil
}

// Rows returns the committed rows of dataset.
func (m *Memory) Rows(dataset string) []tabular.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed[dataset]
}

// Parts returns the committed part names of dataset, sorted.
func (m *Memory) Parts(dataset string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedParts(m.parts[dataset])
}

// Commits returns how many times dataset was committed.
func (m *Memory) Commits(dataset string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits[dataset]
}
