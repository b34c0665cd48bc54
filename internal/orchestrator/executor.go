package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/unifyd/internal/orchestrator"

// DefaultAnalyzerTimeout bounds one analyzer invocation unless
// overridden per analyzer.
const DefaultAnalyzerTimeout = 30 * time.Second

// Executor runs the phase sequence, dispatching registered analyzers
// within each phase. Safe for concurrent use once configured;
// OnProgress must be called before Run.
type Executor struct {
	registry         *analysis.Registry
	opts             Options
	logger           *logging.Logger
	progressCallback ProgressCallback

	tracer trace.Tracer
	meter  metric.Meter

	phaseCounter   metric.Int64Counter
	failureCounter metric.Int64Counter
	issueCounter   metric.Int64Counter
	phaseDuration  metric.Float64Histogram
}

// NewExecutor creates an executor over the given registry. A nil
// logger discards output.
func NewExecutor(registry *analysis.Registry, opts Options, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	if len(opts.Phases) == 0 {
		opts.Phases = DefaultPhases()
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.AnalyzerTimeout <= 0 {
		opts.AnalyzerTimeout = DefaultAnalyzerTimeout
	}

	e := &Executor{
		registry: registry,
		opts:     opts,
		logger:   logger.Named("orchestrator"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(callback ProgressCallback) {
	e.progressCallback = callback
}

func (e *Executor) initMetrics() {
	var err error

	e.phaseCounter, err = e.meter.Int64Counter(
		"unifyd.orchestrator.phases_total",
		metric.WithDescription("Total number of phase executions by final state"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create phase counter", zap.Error(err))
	}

	e.failureCounter, err = e.meter.Int64Counter(
		"unifyd.orchestrator.analyzer_failures_total",
		metric.WithDescription("Total number of analyzer failures and timeouts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create failure counter", zap.Error(err))
	}

	e.issueCounter, err = e.meter.Int64Counter(
		"unifyd.orchestrator.issues_total",
		metric.WithDescription("Total number of issues emitted"),
		metric.WithUnit("{issue}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create issue counter", zap.Error(err))
	}

	e.phaseDuration, err = e.meter.Float64Histogram(
		"unifyd.orchestrator.phase_duration_seconds",
		metric.WithDescription("Phase execution duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
}

// Run executes the configured phases in order over input. Phase N+1
// starts only after phase N completes or degrades; an aborted phase
// halts the sequence. The returned result always holds everything
// produced up to the halt. The error is non-nil only when ctx ended
// before the sequence did.
func (e *Executor) Run(ctx context.Context, input analysis.Input) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.run",
		trace.WithAttributes(
			attribute.String("run.id", input.RunID),
			attribute.String("content.kind", string(input.Kind)),
			attribute.Int("phases.count", len(e.opts.Phases)),
		))
	defer span.End()

	start := time.Now()
	result := &Result{Phases: make([]PhaseResult, len(e.opts.Phases))}
	for i, spec := range e.opts.Phases {
		result.Phases[i] = PhaseResult{Phase: spec.Name, State: StatePending}
	}

	total := len(e.opts.Phases)
	for i, spec := range e.opts.Phases {
		select {
		case <-ctx.Done():
			result.Aborted = true
			result.AbortedPhase = spec.Name
			result.Phases[i].State = StateAborted
			return result, ctx.Err()
		default:
		}

		e.reportProgress(PhaseProgress{
			RunID:      input.RunID,
			Phase:      spec.Name,
			State:      StateRunning,
			Message:    fmt.Sprintf("starting phase %s", spec.Name),
			Percentage: i * 100 / total,
		})

		pr := e.runPhase(ctx, spec, input)
		if ctx.Err() != nil {
			// Cancelled mid-phase. The outcomes gathered so far stay
			// in the result; the phase did not finish on its own terms.
			pr.State = StateAborted
		}
		result.Phases[i] = pr
		result.Issues = append(result.Issues, pr.Issues...)

		if e.phaseCounter != nil {
			e.phaseCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", spec.Name),
				attribute.String("state", string(pr.State)),
			))
		}
		if e.issueCounter != nil && len(pr.Issues) > 0 {
			e.issueCounter.Add(ctx, int64(len(pr.Issues)), metric.WithAttributes(
				attribute.String("phase", spec.Name),
			))
		}

		e.reportProgress(PhaseProgress{
			RunID:      input.RunID,
			Phase:      spec.Name,
			State:      pr.State,
			Message:    fmt.Sprintf("phase %s %s", spec.Name, pr.State),
			Percentage: (i + 1) * 100 / total,
		})

		if pr.State == StateAborted {
			result.Aborted = true
			result.AbortedPhase = spec.Name
			break
		}
	}

	span.SetAttributes(
		attribute.Bool("run.aborted", result.Aborted),
		attribute.Int("issues.count", len(result.Issues)),
	)
	e.logger.Info(ctx, "phase sequence finished",
		zap.String("run_id", input.RunID),
		zap.Bool("aborted", result.Aborted),
		zap.Int("issues", len(result.Issues)),
		zap.Duration("duration", time.Since(start)))

	return result, ctx.Err()
}

// runPhase dispatches every applicable analyzer concurrently on the
// bounded pool and joins before classifying the outcome, so no partial
// phase state is ever visible downstream.
func (e *Executor) runPhase(ctx context.Context, spec PhaseSpec, input analysis.Input) PhaseResult {
	ctx, span := e.tracer.Start(ctx, "orchestrator.phase",
		trace.WithAttributes(attribute.String("phase", spec.Name)))
	defer span.End()

	pr := PhaseResult{Phase: spec.Name, State: StateRunning, StartedAt: time.Now().UTC()}
	input.Phase = spec.Name

	analyzers := e.applicable(spec, input.Kind)
	if len(analyzers) == 0 {
		pr.State = StateCompleted
		pr.FinishedAt = time.Now().UTC()
		e.logger.Debug(ctx, "phase has no applicable analyzers",
			zap.String("phase", spec.Name),
			zap.String("kind", string(input.Kind)))
		return pr
	}

	// Results land at the analyzer's own index so assembly order never
	// depends on scheduling.
	runs := make([]analyzerRun, len(analyzers))
	sem := make(chan struct{}, e.opts.Workers)
	var wg sync.WaitGroup
	for i, a := range analyzers {
		wg.Add(1)
		go func(i int, a analysis.Analyzer) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				runs[i] = analyzerRun{err: ctx.Err()}
				return
			}

			runs[i] = e.runAnalyzer(ctx, a, input)
		}(i, a)
	}
	wg.Wait()

	var aborted, degraded bool
	for i, a := range analyzers {
		run := runs[i]
		outcome := AnalyzerOutcome{
			Analyzer: a.Name(),
			Priority: a.Priority(),
			Duration: run.duration,
		}

		if run.err != nil {
			degraded = true
			outcome.Failed = true
			outcome.TimedOut = run.timedOut
			outcome.Error = run.err.Error()
			outcome.Required = e.opts.Analyzers[a.Name()].Required
			if outcome.Required {
				aborted = true
			}
			pr.Issues = append(pr.Issues, unavailableIssue(spec.Name, a.Name(), run))
			outcome.IssueCount = 1
			if e.failureCounter != nil {
				e.failureCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("analyzer", a.Name()),
					attribute.Bool("timeout", run.timedOut),
				))
			}
		} else {
			for _, issue := range run.issues {
				pr.Issues = append(pr.Issues, normalizeIssue(issue, spec.Name, a.Name()))
			}
			outcome.IssueCount = len(run.issues)
		}

		pr.Analyzers = append(pr.Analyzers, outcome)
	}

	switch {
	case aborted:
		pr.State = StateAborted
	case degraded:
		pr.State = StateDegraded
	default:
		pr.State = StateCompleted
	}
	pr.FinishedAt = time.Now().UTC()

	duration := pr.FinishedAt.Sub(pr.StartedAt)
	if e.phaseDuration != nil {
		e.phaseDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
			attribute.String("phase", spec.Name),
		))
	}
	span.SetAttributes(
		attribute.String("phase.state", string(pr.State)),
		attribute.Int("issues.count", len(pr.Issues)),
	)
	e.logger.Info(ctx, "phase finished",
		zap.String("phase", spec.Name),
		zap.String("state", string(pr.State)),
		zap.Int("analyzers", len(analyzers)),
		zap.Int("issues", len(pr.Issues)),
		zap.Duration("duration", duration))

	return pr
}

// applicable returns the analyzers that run in this phase for this
// content kind, in the registry's normalized order.
func (e *Executor) applicable(spec PhaseSpec, kind fragment.Kind) []analysis.Analyzer {
	candidates := e.registry.ForPhase(spec.Name, kind)

	var enabled map[string]bool
	if len(spec.Analyzers) > 0 {
		enabled = make(map[string]bool, len(spec.Analyzers))
		for _, name := range spec.Analyzers {
			enabled[name] = true
		}
	}

	out := make([]analysis.Analyzer, 0, len(candidates))
	for _, a := range candidates {
		if enabled != nil && !enabled[a.Name()] {
			continue
		}
		if e.opts.Analyzers[a.Name()].Disabled {
			continue
		}
		out = append(out, a)
	}
	return out
}

type analyzerRun struct {
	issues   []analysis.Issue
	err      error
	timedOut bool
	duration time.Duration
}

// runAnalyzer invokes one analyzer under its timeout budget. An
// analyzer that ignores its context is abandoned when the budget runs
// out instead of holding up the phase; on run cancellation an in-flight
// analyzer likewise gets at most the rest of its budget to unwind.
func (e *Executor) runAnalyzer(ctx context.Context, a analysis.Analyzer, input analysis.Input) analyzerRun {
	timeout := e.opts.AnalyzerTimeout
	if t := e.opts.Analyzers[a.Name()].Timeout; t > 0 {
		timeout = t
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	actx, span := e.tracer.Start(actx, "orchestrator.analyze",
		trace.WithAttributes(
			attribute.String("analyzer", a.Name()),
			attribute.String("phase", input.Phase),
		))
	defer span.End()

	start := time.Now()
	done := make(chan analyzerRun, 1)
	go func() {
		issues, err := a.Analyze(actx, input)
		done <- analyzerRun{issues: issues, err: err}
	}()

	var run analyzerRun
	select {
	case run = <-done:
	case <-actx.Done():
		run = analyzerRun{err: actx.Err()}
	}
	run.duration = time.Since(start)
	run.timedOut = errors.Is(run.err, context.DeadlineExceeded)

	if run.err != nil {
		if run.timedOut {
			e.logger.Warn(actx, "analyzer timed out",
				zap.String("analyzer", a.Name()),
				zap.String("phase", input.Phase),
				zap.Duration("timeout", timeout))
		} else {
			e.logger.Error(actx, "analyzer failed",
				zap.String("analyzer", a.Name()),
				zap.String("phase", input.Phase),
				zap.Error(run.err))
		}
		span.SetAttributes(attribute.Bool("analyzer.failed", true))
		return run
	}

	e.logger.Debug(actx, "analyzer finished",
		zap.String("analyzer", a.Name()),
		zap.String("phase", input.Phase),
		zap.Int("issues", len(run.issues)),
		zap.Duration("duration", run.duration))
	span.SetAttributes(attribute.Int("issues.count", len(run.issues)))
	return run
}

// unavailableIssue records reduced coverage when an analyzer fails or
// times out. The run keeps going; the report shows what went unchecked.
func unavailableIssue(phase, analyzer string, run analyzerRun) analysis.Issue {
	desc := "analyzer failed; coverage reduced"
	if run.timedOut {
		desc = "analyzer timed out; coverage reduced"
	}
	return analysis.Issue{
		ID:          uuid.NewString(),
		Phase:       phase,
		Analyzer:    analyzer,
		Severity:    analysis.SeverityAnalyzerUnavailable,
		Description: desc,
		Evidence:    run.err.Error(),
		EmittedAt:   time.Now().UTC(),
	}
}

// normalizeIssue stamps orchestrator-owned fields so emitted issues
// stay consistent regardless of analyzer discipline.
func normalizeIssue(issue analysis.Issue, phase, analyzer string) analysis.Issue {
	issue.Phase = phase
	issue.Analyzer = analyzer
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.EmittedAt.IsZero() {
		issue.EmittedAt = time.Now().UTC()
	}
	return issue
}

// reportProgress sends progress updates to the callback.
func (e *Executor) reportProgress(progress PhaseProgress) {
	if e.progressCallback != nil {
		e.progressCallback(progress)
	}
}
