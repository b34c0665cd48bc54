package merge

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/split"
)

const instrumentationName = "github.com/fyrsmithlabs/unifyd/internal/merge"

// mergePhase labels merge-emitted issues, which predate the analysis
// phases.
const mergePhase = "merge"

// Options configure one merge run.
type Options struct {
	// Policy is the conflict tie-break policy. Defaults to latest-wins.
	Policy Policy
	// Prioritizer ranks candidates under the weighted policy. Required
	// when Policy is weighted.
	Prioritizer Prioritizer
	// AnnotateUnresolved renders pending conflicts side-by-side in the
	// unified content instead of falling back to the base text.
	AnnotateUnresolved bool
	// Concurrency bounds parallel split and alignment work. Defaults
	// to the number of CPUs.
	Concurrency int
}

// Engine computes structural merges. Engines are safe for concurrent
// use.
type Engine struct {
	selector *split.Selector
	logger   *logging.Logger

	tracer trace.Tracer
	meter  metric.Meter

	runCounter      metric.Int64Counter
	conflictCounter metric.Int64Counter
	annexCounter    metric.Int64Counter
	runDuration     metric.Float64Histogram
}

// NewEngine creates a merge engine. A nil selector uses the built-in
// splitters; a nil logger discards output.
func NewEngine(selector *split.Selector, logger *logging.Logger) *Engine {
	if selector == nil {
		selector = split.DefaultSelector()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := &Engine{
		selector: selector,
		logger:   logger.Named("merge"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e
}

func (e *Engine) initMetrics() {
	var err error

	e.runCounter, err = e.meter.Int64Counter(
		"unifyd.merge.runs_total",
		metric.WithDescription("Total number of merge runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}

	e.conflictCounter, err = e.meter.Int64Counter(
		"unifyd.merge.conflicts_total",
		metric.WithDescription("Total number of conflict regions produced"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create conflict counter", zap.Error(err))
	}

	e.annexCounter, err = e.meter.Int64Counter(
		"unifyd.merge.annexed_total",
		metric.WithDescription("Total number of fragments excluded as malformed"),
		metric.WithUnit("{fragment}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create annex counter", zap.Error(err))
	}

	e.runDuration, err = e.meter.Float64Histogram(
		"unifyd.merge.duration_seconds",
		metric.WithDescription("Merge run duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
}

// Merge aligns the fragments against the earliest-ingested one and
// produces a unified document plus conflict regions. Requires at least
// one fragment; a single fragment short-circuits to a no-conflict
// result. Fragments that fail structural splitting are excluded and
// returned in the annex with a recorded issue; the merge continues.
func (e *Engine) Merge(ctx context.Context, fragments []fragment.Fragment, opts Options) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "merge.run",
		trace.WithAttributes(
			attribute.Int("fragments", len(fragments)),
			attribute.String("policy", string(opts.Policy)),
		),
	)
	defer span.End()

	start := time.Now()

	if len(fragments) == 0 {
		return nil, ErrNoFragments
	}
	if opts.Policy == "" {
		opts.Policy = PolicyLatestWins
	}
	if !ValidPolicy(opts.Policy) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, opts.Policy)
	}
	if opts.Policy == PolicyWeighted && opts.Prioritizer == nil {
		return nil, ErrNoPrioritizer
	}

	kind := fragments[0].Kind
	for _, f := range fragments[1:] {
		if f.Kind != kind {
			return nil, fmt.Errorf("%w: %q and %q", ErrKindMismatch, kind, f.Kind)
		}
	}

	// Ingestion order determines the base and the latest-wins winner.
	frags := make([]fragment.Fragment, len(fragments))
	copy(frags, fragments)
	sort.SliceStable(frags, func(i, j int) bool {
		return frags[i].IngestedAt.Before(frags[j].IngestedAt)
	})

	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	units, splitErrs, err := e.splitAll(ctx, frags, limit)
	if err != nil {
		return nil, err
	}

	res := &Result{Kind: kind, AnnotateUnresolved: opts.AnnotateUnresolved}
	var merged []fragment.Fragment
	var mergedUnits [][]split.Unit
	for i, f := range frags {
		if splitErrs[i] != nil {
			e.annex(ctx, res, f, splitErrs[i])
			continue
		}
		merged = append(merged, f)
		mergedUnits = append(mergedUnits, units[i])
	}

	res.Stats = Stats{
		Fragments: len(frags),
		Merged:    len(merged),
		Annexed:   len(res.Annex),
	}

	if len(merged) == 0 {
		// Everything malformed. The run continues with an empty
		// document; the annex retains all content.
		res.Recompose()
		e.finish(ctx, span, res, start)
		return res, nil
	}

	res.BaseFragmentID = merged[0].ID
	baseUnits := mergedUnits[0]
	res.Stats.BaseUnits = len(baseUnits)

	if len(merged) == 1 {
		res.Spans = []Span{{Type: SpanBase, Text: merged[0].Content}}
		res.Recompose()
		e.finish(ctx, span, res, start)
		return res, nil
	}

	hunks, err := e.alignAll(ctx, mergedUnits, limit)
	if err != nil {
		return nil, err
	}

	groups := groupHunks(hunks)
	res.Spans, res.Conflicts = classify(baseUnits, groups, merged)
	for _, s := range res.Spans {
		if s.Type == SpanAuto {
			res.Stats.AutoResolved++
		}
	}
	res.Stats.Conflicts = len(res.Conflicts)

	resolveAll(ctx, res, opts.Policy, opts.Prioritizer, e.logger)
	res.Recompose()

	e.finish(ctx, span, res, start)
	return res, nil
}

// splitAll runs the structural splitter over every fragment with
// bounded parallelism. Split failures are reported per fragment, not as
// an overall error; only cancellation fails the call.
func (e *Engine) splitAll(ctx context.Context, frags []fragment.Fragment, limit int) ([][]split.Unit, []error, error) {
	units := make([][]split.Unit, len(frags))
	errs := make([]error, len(frags))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range frags {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			units[i], errs[i] = e.selector.Split(frags[i].Content, frags[i].Kind)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return units, errs, nil
}

// alignAll encodes every fragment's units sequentially, then diffs each
// fragment against the base concurrently. All alignments join here
// before classification sees any hunks.
func (e *Engine) alignAll(ctx context.Context, mergedUnits [][]split.Unit, limit int) ([]hunk, error) {
	table := newUnitTable()
	encoded := make([][]rune, len(mergedUnits))
	for i, u := range mergedUnits {
		runes, err := table.encode(u)
		if err != nil {
			return nil, err
		}
		encoded[i] = runes
	}

	perFrag := make([][]hunk, len(mergedUnits))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 1; i < len(mergedUnits); i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perFrag[i] = align(table, encoded[0], encoded[i], i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []hunk
	for _, hs := range perFrag {
		all = append(all, hs...)
	}
	return all, nil
}

// annex records a fragment excluded from structural merge and emits the
// corresponding issue.
func (e *Engine) annex(ctx context.Context, res *Result, f fragment.Fragment, splitErr error) {
	res.Annex = append(res.Annex, AnnexEntry{
		FragmentID: f.ID,
		Origin:     f.Origin,
		Reason:     splitErr.Error(),
	})
	res.Issues = append(res.Issues, analysis.Issue{
		ID:          uuid.New().String(),
		Phase:       mergePhase,
		Analyzer:    "merge-engine",
		Severity:    analysis.SeverityParseFailure,
		Description: fmt.Sprintf("fragment %q excluded from structural merge", f.Origin),
		Evidence:    splitErr.Error(),
		EmittedAt:   time.Now().UTC(),
	})

	e.logger.Warn(ctx, "fragment excluded from structural merge",
		zap.String("fragment_id", f.ID),
		zap.String("origin", f.Origin),
		zap.Error(splitErr))

	if e.annexCounter != nil {
		e.annexCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(f.Kind))))
	}
}

func (e *Engine) finish(ctx context.Context, span trace.Span, res *Result, start time.Time) {
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.Int("merged", res.Stats.Merged),
		attribute.Int("annexed", res.Stats.Annexed),
		attribute.Int("conflicts", res.Stats.Conflicts),
		attribute.Int("auto_resolved", res.Stats.AutoResolved),
	)

	if e.runCounter != nil {
		e.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(res.Kind))))
	}
	if e.conflictCounter != nil && res.Stats.Conflicts > 0 {
		e.conflictCounter.Add(ctx, int64(res.Stats.Conflicts),
			metric.WithAttributes(attribute.String("kind", string(res.Kind))))
	}
	if e.runDuration != nil {
		e.runDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("kind", string(res.Kind))))
	}

	e.logger.Info(ctx, "merge completed",
		zap.String("base_fragment_id", res.BaseFragmentID),
		zap.Int("fragments", res.Stats.Fragments),
		zap.Int("merged", res.Stats.Merged),
		zap.Int("annexed", res.Stats.Annexed),
		zap.Int("conflicts", res.Stats.Conflicts),
		zap.Int("auto_resolved", res.Stats.AutoResolved),
		zap.Duration("duration", elapsed))
}
