// Package batch extracts many entries concurrently into a Sink.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/p4k/internal/file"
	"github.com/meigma/p4k/internal/p4ktype"
)

// Processor extracts entries with a bounded pool of workers.
//
// Each worker opens its own container handle through the file.Reader, so
// workers never share a read position. A failed entry is recorded in the
// Report and never stops its siblings.
type Processor struct {
	reader   *file.Reader
	workers  int
	progress p4ktype.ProgressFunc
	logger   *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Processor) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithWorkers sets the number of concurrent workers.
// Values < 1 use runtime.GOMAXPROCS(0).
func WithWorkers(n int) ProcessorOption {
	return func(p *Processor) {
		p.workers = n
	}
}

// WithProgress reports completed entries every 5% of the total and on the
// final entry.
func WithProgress(fn p4ktype.ProgressFunc) ProcessorOption {
	return func(p *Processor) {
		p.progress = fn
	}
}

// WithProcessorLogger sets the logger for batch processing operations.
// If not set, logging is disabled.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// NewProcessor creates a new batch processor reading through reader.
func NewProcessor(reader *file.Reader, opts ...ProcessorOption) *Processor {
	p := &Processor{reader: reader}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) workerCount() int {
	if p.workers > 0 {
		return p.workers
	}
	return runtime.GOMAXPROCS(0)
}

// Process extracts entries into sink.
//
// When ctx is done no further entries are dispatched; entries already
// running finish normally. The undispatched ones are counted as Canceled and
// ctx.Err() is returned with the partial report. Per-entry failures never
// produce an error here; they are listed in the report.
func (p *Processor) Process(ctx context.Context, entries []*Entry, sink Sink) (*Report, error) {
	report := &Report{Total: len(entries)}
	if len(entries) == 0 {
		return report, nil
	}

	workers := p.workerCount()
	p.log().Debug("batch processing", "entries", len(entries), "workers", workers)

	t := &tracker{
		report:   report,
		total:    len(entries),
		step:     max(len(entries)/20, 1),
		progress: p.progress,
	}

	// Running entries must not be torn down by cancellation, only new
	// dispatches are stopped.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(workers)

	dispatched := 0
	for i, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, skipped, err := p.processEntry(workCtx, entry, sink)
			if err != nil {
				p.log().Warn("extract failed", "entry", entry.Name, "err", err)
			}
			t.complete(i, entry, n, skipped, err)
			return nil
		})
		dispatched++
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	report.Canceled = len(entries) - dispatched
	slices.SortFunc(report.Failures, func(a, b Failure) int { return a.index - b.index })

	p.log().Debug("batch complete",
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed(),
		"canceled", report.Canceled)

	if report.Canceled > 0 {
		return report, ctx.Err()
	}
	return report, nil
}

// processEntry extracts a single entry. The output is only created once the
// local header has been validated, so a corrupt entry leaves nothing behind.
func (p *Processor) processEntry(ctx context.Context, entry *Entry, sink Sink) (n int64, skipped bool, err error) {
	if !sink.ShouldProcess(entry) {
		return 0, true, nil
	}

	rc, err := p.reader.Open(ctx, entry)
	if err != nil {
		return 0, false, fmt.Errorf("batch: %w", err)
	}
	defer rc.Close() //nolint:errcheck // read-only handle

	w, err := sink.Writer(entry)
	if err != nil {
		return 0, false, fmt.Errorf("batch: %s: %w", entry.Name, err)
	}

	n, err = file.Copy(w, rc)
	if err != nil {
		_ = w.Discard() //nolint:errcheck // best-effort cleanup
		return n, false, fmt.Errorf("batch: %s: %w", entry.Name, err)
	}
	if err := w.Commit(); err != nil {
		return n, false, fmt.Errorf("batch: %s: %w", entry.Name, err)
	}
	return n, false, nil
}

// tracker holds the only state workers share. One mutex guards the counter,
// the report and the progress callback, so reported fractions never go
// backwards.
type tracker struct {
	mu        sync.Mutex
	report    *Report
	completed int
	total     int
	step      int
	progress  p4ktype.ProgressFunc
}

func (t *tracker) complete(index int, entry *Entry, n int64, skipped bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case err != nil:
		t.report.Failures = append(t.report.Failures, Failure{Name: entry.Name, Err: err, index: index})
	case skipped:
		t.report.Skipped++
	default:
		t.report.Succeeded++
		t.report.BytesWritten += n
	}

	t.completed++
	if t.progress != nil && (t.completed%t.step == 0 || t.completed == t.total) {
		t.progress(p4ktype.ProgressEvent{
			Stage:      p4ktype.StageExtracting,
			Path:       entry.Name,
			FilesDone:  t.completed,
			FilesTotal: t.total,
			Fraction:   float64(t.completed) / float64(t.total),
		})
	}
}
