// Package export drives fetches against the platform API and feeds the fetched
// records through normalization, enrichment and flattening into a sink.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/concurrency"
	"github.com/wehubfusion/rapidflat/pkg/enrich"
	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/rapidpro"
	"github.com/wehubfusion/rapidflat/pkg/run"
	"github.com/wehubfusion/rapidflat/pkg/sink"
	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

// RunsDataset is the dataset holding every flow's runs.
const RunsDataset = "runs"

// Source is the part of the API the driver reads from. *rapidpro.Client implements it.
type Source interface {
	Runs(ctx context.Context, q rapidpro.Query) ([]*run.RawRun, error)
	Records(ctx context.Context, kind rapidpro.Kind, q rapidpro.Query) ([]map[string]any, error)
	FlowUUID(ctx context.Context, name string) (string, error)
}

// Observer is told about every finished partition.
type Observer interface {
	PartitionDone(dataset string, partition int, rows int, elapsed time.Duration, err error)
	RunsSkipped(dataset string, n int)
}

type nopObserver struct{}

func (nopObserver) PartitionDone(string, int, int, time.Duration, error) {}
func (nopObserver) RunsSkipped(string, int)                              {}

// Options tunes the driver.
type Options struct {
	Partitions int
	BaseDate   time.Time
	// MaxRetries is how many times one partition is attempted before it is
	// reported as failed.
	MaxRetries int
	RetryWait  time.Duration
	Pipeline   enrich.Pipeline
	Flattener  *tabular.Flattener
	Observer   Observer
	Now        func() time.Time
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Partitions: 100,
		BaseDate:   BaseDate,
		MaxRetries: 10,
		RetryWait:  5 * time.Second,
		Pipeline:   enrich.Default,
		Flattener:  tabular.NewFlattener(tabular.WithRunTime()),
		Observer:   nopObserver{},
		Now:        time.Now,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.Partitions < 1 {
		o.Partitions = def.Partitions
	}
	if o.BaseDate.IsZero() {
		o.BaseDate = def.BaseDate
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = def.MaxRetries
	}
	if o.RetryWait < 0 {
		o.RetryWait = 0
	}
	if o.Pipeline == nil {
		o.Pipeline = def.Pipeline
	}
	if o.Flattener == nil {
		o.Flattener = def.Flattener
	}
	if o.Observer == nil {
		o.Observer = def.Observer
	}
	if o.Now == nil {
		o.Now = def.Now
	}
}

// Driver runs exports.
type Driver struct {
	source  Source
	defs    run.DefinitionSource
	out     sink.Sink
	limiter *concurrency.Limiter
	logger  *zap.Logger
	tracer  trace.Tracer
	opts    Options

	writeMu sync.Mutex
}

// NewDriver wires a driver. A nil limiter runs partitions one at a time.
func NewDriver(source Source, defs run.DefinitionSource, out sink.Sink, limiter *concurrency.Limiter, logger *zap.Logger, opts Options) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if out == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if limiter == nil {
		limiter = concurrency.NewLimiter(1)
	}
	opts.fill()

	return &Driver{
		source:  source,
		defs:    defs,
		out:     out,
		limiter: limiter,
		logger:  logger,
		tracer:  otel.Tracer("rapidflat/export"),
		opts:    opts,
	}, nil
}

// Result summarizes one export.
type Result struct {
	Dataset    string
	Partitions int
	Failed     []int
	// NotFetched lists failed partitions the circuit breaker refused before
	// any attempt.
	NotFetched []int
	Runs       int
	Skipped    int
	Rows       int
}

// RunsRequest selects what ExportRuns fetches.
type RunsRequest struct {
	// Flow limits the export to the runs of the flow with this name.
	Flow string
	// Only re-runs these window indexes, keeping the rest of the dataset.
	Only []int
}

// DatasetName turns a flow name into a dataset name usable as a file or blob name.
func DatasetName(flow string) string {
	folded := tabular.Fold(strings.TrimSpace(flow))
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return r
		}
		return '_'
	}, folded)
	if name == "" {
		return RunsDataset
	}
	return name
}

// ExportRuns fetches runs window by window and writes each window as its own
// part. A window that keeps failing is reported in the returned error while the
// other windows are still written and committed.
func (d *Driver) ExportRuns(ctx context.Context, req RunsRequest) (*Result, error) {
	dataset := RunsDataset
	flowUUID := ""
	if req.Flow != "" {
		var err error
		flowUUID, err = d.source.FlowUUID(ctx, req.Flow)
		if err != nil {
			return nil, err
		}
		dataset = DatasetName(req.Flow)
	}

	full := len(req.Only) == 0
	span, err := d.span(ctx, dataset, full)
	if err != nil {
		return nil, err
	}
	windows := Windows(span.Base, span.Upper, span.Partitions)
	selected, err := selectWindows(windows, req.Only)
	if err != nil {
		return nil, err
	}

	if err := d.out.Begin(ctx, dataset, full); err != nil {
		return nil, fmt.Errorf("begin %s: %w", dataset, err)
	}
	if keeper, ok := d.out.(sink.SpanKeeper); ok && full {
		if err := keeper.SetSpan(ctx, dataset, span); err != nil {
			return nil, fmt.Errorf("record windows of %s: %w", dataset, err)
		}
	}

	d.logger.Info("Starting runs export",
		zap.String("dataset", dataset),
		zap.String("flow_uuid", flowUUID),
		zap.Int("partitions", len(selected)),
		zap.Int("workers", d.limiter.Capacity()))

	res := &Result{Dataset: dataset, Partitions: len(selected)}
	var mu sync.Mutex

	errs := d.limiter.ForEach(ctx, len(selected), func(i int) error {
		w := selected[i]
		stats, err := d.exportWindow(ctx, dataset, flowUUID, w)
		mu.Lock()
		res.Runs += stats.Runs
		res.Skipped += stats.Skipped
		res.Rows += stats.Rows
		mu.Unlock()
		return err
	})

	var failures []error
	for i, err := range errs {
		if err != nil {
			res.Failed = append(res.Failed, selected[i].Index)
			if errors.Is(err, concurrency.ErrCircuitOpen) {
				res.NotFetched = append(res.NotFetched, selected[i].Index)
			}
			failures = append(failures, fmt.Errorf("partition %d: %w", selected[i].Index, err))
		}
	}
	if len(res.NotFetched) > 0 {
		d.logger.Error("Circuit breaker opened after repeated partition failures; these partitions were never fetched and need a re-run",
			zap.String("dataset", dataset),
			zap.Ints("partitions", res.NotFetched))
	}

	if len(failures) < len(selected) {
		if err := d.out.Commit(ctx, dataset); err != nil {
			return res, fmt.Errorf("commit %s: %w", dataset, err)
		}
	}

	d.logger.Info("Runs export finished",
		zap.String("dataset", dataset),
		zap.Int("runs", res.Runs),
		zap.Int("rows", res.Rows),
		zap.Int("skipped", res.Skipped),
		zap.Ints("failed_partitions", res.Failed))

	if len(failures) > 0 {
		return res, rferrors.NewError("PARTITIONS_FAILED",
			fmt.Sprintf("%d of %d partitions failed", len(failures), len(selected)),
			errors.Join(append([]error{rferrors.ErrPartitionFailed}, failures...)...))
	}
	return res, nil
}

// span returns the range windows are cut from. A full export cuts them up to
// now; a re-run of selected partitions reuses the range the sink recorded for
// the last full export, so each rewritten part covers the slice it replaces.
func (d *Driver) span(ctx context.Context, dataset string, full bool) (sink.Span, error) {
	span := sink.Span{Base: d.opts.BaseDate, Upper: d.opts.Now().UTC(), Partitions: d.opts.Partitions}
	if full {
		return span, nil
	}

	if keeper, ok := d.out.(sink.SpanKeeper); ok {
		stored, err := keeper.Span(ctx, dataset)
		if err != nil {
			return span, fmt.Errorf("read windows of %s: %w", dataset, err)
		}
		if stored != nil {
			d.logger.Debug("Reusing windows of the last full export",
				zap.String("dataset", dataset),
				zap.Time("upper", stored.Upper),
				zap.Int("partitions", stored.Partitions))
			return *stored, nil
		}
	}
	d.logger.Warn("No windows recorded for dataset; cutting them up to now",
		zap.String("dataset", dataset))
	return span, nil
}

func selectWindows(windows []Window, only []int) ([]Window, error) {
	if len(only) == 0 {
		return windows, nil
	}
	seen := make(map[int]bool, len(only))
	selected := make([]Window, 0, len(only))
	for _, i := range only {
		if i < 0 || i >= len(windows) {
			return nil, rferrors.NewError("INVALID_PARTITION",
				fmt.Sprintf("partition %d outside 0..%d", i, len(windows)-1), rferrors.ErrInvalidConfig)
		}
		if !seen[i] {
			seen[i] = true
			selected = append(selected, windows[i])
		}
	}
	return selected, nil
}

type windowStats struct {
	Runs    int
	Skipped int
	Rows    int
}

func (d *Driver) exportWindow(ctx context.Context, dataset, flowUUID string, w Window) (windowStats, error) {
	ctx, span := d.tracer.Start(ctx, "export.partition",
		trace.WithAttributes(
			attribute.String("dataset", dataset),
			attribute.Int("partition", w.Index),
		))
	defer span.End()

	start := time.Now()
	var stats windowStats

	err := d.retry(ctx, fmt.Sprintf("partition %d", w.Index), func(ctx context.Context) error {
		raws, err := d.source.Runs(ctx, w.Query(flowUUID))
		if err != nil {
			return err
		}
		rows, runs, skipped, err := d.process(ctx, dataset, raws)
		if err != nil {
			return err
		}
		if err := d.write(ctx, dataset, sink.PartitionPart(w.Index), rows); err != nil {
			return err
		}
		stats = windowStats{Runs: runs, Skipped: skipped, Rows: len(rows)}
		return nil
	})

	d.opts.Observer.PartitionDone(dataset, w.Index, stats.Rows, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("Partition failed",
			zap.String("dataset", dataset),
			zap.Int("partition", w.Index),
			zap.Error(err))
		return stats, err
	}

	span.SetAttributes(attribute.Int("rows", stats.Rows))
	span.SetStatus(codes.Ok, "")
	d.logger.Debug("Partition written",
		zap.String("dataset", dataset),
		zap.Int("partition", w.Index),
		zap.Int("runs", stats.Runs),
		zap.Int("rows", stats.Rows))
	return stats, nil
}

// process normalizes, enriches and flattens raw runs. Runs that lack their path
// or values are skipped and counted.
func (d *Driver) process(ctx context.Context, dataset string, raws []*run.RawRun) ([]tabular.Row, int, int, error) {
	runs := make([]*run.Run, 0, len(raws))
	skipped := 0
	for _, raw := range raws {
		r, err := run.Normalize(ctx, raw, d.defs)
		if err != nil {
			if rferrors.IsMissingField(err) {
				skipped++
				d.logger.Warn("Skipping malformed run",
					zap.String("dataset", dataset),
					zap.String("run_id", raw.Ref()),
					zap.Error(err))
				continue
			}
			return nil, 0, 0, err
		}
		runs = append(runs, d.opts.Pipeline.Apply(r))
	}
	if skipped > 0 {
		d.opts.Observer.RunsSkipped(dataset, skipped)
	}
	return d.opts.Flattener.Flatten(runs...), len(runs), skipped, nil
}

func (d *Driver) write(ctx context.Context, dataset, part string, rows []tabular.Row) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.out.Write(ctx, dataset, part, rows)
}

// retry calls fn until it succeeds, MaxRetries is reached or ctx ends.
func (d *Driver) retry(ctx context.Context, what string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= d.opts.MaxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == d.opts.MaxRetries {
			break
		}

		d.logger.Warn("Attempt failed, retrying",
			zap.String("target", what),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", d.opts.MaxRetries),
			zap.Error(err))

		timer := time.NewTimer(d.opts.RetryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// AppendRuns fetches the runs modified after the newest run already in the
// dataset and adds them as a new part. The API's lower bound is inclusive, so
// runs modified exactly at the resume point are dropped.
func (d *Driver) AppendRuns(ctx context.Context, flow string) (*Result, error) {
	resumer, ok := d.out.(sink.Resumer)
	if !ok {
		return nil, rferrors.NewError("APPEND_UNSUPPORTED", "sink cannot report a resume point", rferrors.ErrInvalidConfig)
	}

	dataset := RunsDataset
	flowUUID := ""
	if flow != "" {
		var err error
		if flowUUID, err = d.source.FlowUUID(ctx, flow); err != nil {
			return nil, err
		}
		dataset = DatasetName(flow)
	}

	last, err := resumer.LastModified(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("read resume point of %s: %w", dataset, err)
	}
	if last == nil {
		return nil, rferrors.NewError("NOTHING_TO_APPEND",
			fmt.Sprintf("dataset %s has no rows; run a full export first", dataset), rferrors.ErrNotFound)
	}

	res := &Result{Dataset: dataset, Partitions: 1}
	var rows []tabular.Row
	err = d.retry(ctx, "append", func(ctx context.Context) error {
		raws, err := d.source.Runs(ctx, rapidpro.Query{After: last, Flow: flowUUID})
		if err != nil {
			return err
		}
		fresh := make([]*run.RawRun, 0, len(raws))
		for _, raw := range raws {
			if raw != nil && raw.ModifiedOn != nil && raw.ModifiedOn.Equal(*last) {
				continue
			}
			fresh = append(fresh, raw)
		}
		var runs, skipped int
		rows, runs, skipped, err = d.process(ctx, dataset, fresh)
		res.Runs, res.Skipped = runs, skipped
		return err
	})
	if err != nil {
		res.Failed = []int{0}
		return res, rferrors.NewError("APPEND_FAILED", "append "+dataset, errors.Join(rferrors.ErrPartitionFailed, err))
	}

	if len(rows) == 0 {
		d.logger.Info("No new runs to append",
			zap.String("dataset", dataset),
			zap.Time("resume_point", *last))
		return res, nil
	}

	if err := d.out.Begin(ctx, dataset, false); err != nil {
		return res, fmt.Errorf("begin %s: %w", dataset, err)
	}
	if err := d.write(ctx, dataset, sink.AppendPart(d.opts.Now()), rows); err != nil {
		return res, err
	}
	if err := d.out.Commit(ctx, dataset); err != nil {
		return res, fmt.Errorf("commit %s: %w", dataset, err)
	}
	res.Rows = len(rows)

	d.logger.Info("Runs appended",
		zap.String("dataset", dataset),
		zap.Time("resume_point", *last),
		zap.Int("runs", res.Runs),
		zap.Int("rows", res.Rows))
	return res, nil
}

// ExportResource writes every record of a non-run resource as one flat row.
// Message text loses delimiter-like punctuation and accents first.
func (d *Driver) ExportResource(ctx context.Context, kind rapidpro.Kind) (*Result, error) {
	if kind == rapidpro.KindRuns {
		return d.ExportRuns(ctx, RunsRequest{})
	}

	dataset := string(kind)
	var records []map[string]any
	err := d.retry(ctx, dataset, func(ctx context.Context) error {
		var err error
		records, err = d.source.Records(ctx, kind, rapidpro.Query{})
		return err
	})
	if err != nil {
		return nil, rferrors.NewError("EXPORT_FAILED", "export "+dataset, errors.Join(rferrors.ErrPartitionFailed, err))
	}

	rows := make([]tabular.Row, 0, len(records))
	for _, rec := range records {
		if kind == rapidpro.KindMessages {
			if text, ok := rec["text"].(string); ok {
				rec["text"] = tabular.Fold(tabular.ScrubMessage(text))
			}
		}
		rows = append(rows, tabular.FlattenRecord(rec))
	}

	if err := d.out.Begin(ctx, dataset, true); err != nil {
		return nil, fmt.Errorf("begin %s: %w", dataset, err)
	}
	if err := d.write(ctx, dataset, sink.WholePart, rows); err != nil {
		return nil, err
	}
	if err := d.out.Commit(ctx, dataset); err != nil {
		return nil, fmt.Errorf("commit %s: %w", dataset, err)
	}

	d.logger.Info("Resource exported",
		zap.String("dataset", dataset),
		zap.Int("rows", len(rows)))
	return &Result{Dataset: dataset, Partitions: 1, Rows: len(rows)}, nil
}
