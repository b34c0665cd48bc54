// Package engine drives complete pipeline runs: merge, diagnostic
// phases, fix planning, and report composition, with every content
// mutation gated through the run's audit ledger and every lifecycle
// transition published as an event.
//
// The engine owns the run store and one ledger per run. Core packages
// stay engine-agnostic; all sequencing, pausing, cancellation, and
// event publication lives here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/analyzers"
	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/events"
	"github.com/fyrsmithlabs/unifyd/internal/fragment"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/orchestrator"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

const instrumentationName = "github.com/fyrsmithlabs/unifyd/internal/engine"

// Errors for engine operations.
var (
	ErrNoFragments   = errors.New("run requires at least one fragment")
	ErrNotAwaiting   = errors.New("run is not awaiting conflict resolution")
	ErrNotCancelable = errors.New("run is not in a cancelable state")
	ErrClosed        = errors.New("engine is closed")
)

// Request is one run submission.
type Request struct {
	// Mode selects how much of the pipeline runs. Defaults to full.
	Mode run.Mode
	// Actor is who submitted the run, recorded on ledger entries as
	// "user:<actor>". Empty means "system".
	Actor string
	// Fragments are the divergent copies to unify, in ingestion order.
	Fragments []fragment.Fragment
	// Policy overrides the configured tie-break policy when set.
	Policy merge.Policy
	// Weights configures the weighted policy's per-origin ranking.
	Weights map[string]float64
}

// session holds the per-run resources the engine keeps open while a
// run can still mutate: its ledger, the planner bound to it, and the
// pipeline's cancel function.
type session struct {
	led     *ledger.Ledger
	planner *plan.Planner
	cancel  context.CancelFunc
}

// Engine executes pipeline runs. Safe for concurrent use.
type Engine struct {
	cfg    *config.Config
	store  *run.Store
	merger *merge.Engine
	exec   *orchestrator.Executor

	generators []plan.Generator
	scorer     plan.Scorer

	pub    events.Publisher
	logger *logging.Logger

	tracer trace.Tracer
	meter  metric.Meter

	runCounter  metric.Int64Counter
	runDuration metric.Float64Histogram

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewEngine builds an engine from resolved configuration. The
// analyzer registry, merge engine, and phase executor are shared
// across runs; ledgers and planners are opened per run.
func NewEngine(cfg *config.Config, store *run.Store, pub events.Publisher, logger *logging.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if store == nil {
		store = run.NewStore()
	}
	if pub == nil {
		pub = events.NopPublisher{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	registry, err := buildRegistry(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer registry: %w", err)
	}

	generators, err := buildGenerators(cfg.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to build fix generators: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		merger:     merge.NewEngine(nil, logger),
		exec:       orchestrator.NewExecutor(registry, executorOptions(cfg.Pipeline), logger),
		generators: generators,
		scorer:     plan.NewHeuristicScorer(),
		pub:        pub,
		logger:     logger.Named("engine"),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		sessions:   make(map[string]*session),
	}
	e.initMetrics()

	e.exec.OnProgress(func(p orchestrator.PhaseProgress) {
		e.pub.Publish(context.Background(), events.Event{
			RunID:   p.RunID,
			Type:    events.TypePhase,
			Phase:   p.Phase,
			State:   string(p.State),
			Message: p.Message,
			Percent: p.Percentage,
		})
	})
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.runCounter, err = e.meter.Int64Counter(
		"unifyd.engine.runs_total",
		metric.WithDescription("Total number of pipeline runs by terminal state"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}

	e.runDuration, err = e.meter.Float64Histogram(
		"unifyd.engine.run_duration_seconds",
		metric.WithDescription("Pipeline run duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		e.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
}

func buildRegistry(cfg config.PipelineConfig) (*analysis.Registry, error) {
	registry := analysis.NewRegistry()

	secretsAnalyzer, err := analyzers.NewSecrets(cfg.Analyzers["secrets"].Rules)
	if err != nil {
		return nil, err
	}

	styleRules := analyzers.DefaultStyleRules()
	if path := cfg.Analyzers["style"].Rules; path != "" {
		styleRules, err = analyzers.LoadStyleRules(path)
		if err != nil {
			return nil, err
		}
	}

	all := []analysis.Analyzer{
		analyzers.NewStructure(nil),
		analyzers.NewHygiene(),
		secretsAnalyzer,
		analyzers.NewStyle(styleRules),
	}
	for _, a := range all {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildGenerators(cfg config.PipelineConfig) ([]plan.Generator, error) {
	generators, err := plan.DefaultGenerators(cfg.Analyzers["secrets"].Rules)
	if err != nil {
		return nil, err
	}
	if cfg.Planner.LLM.Provider != "" {
		client, err := plan.NewCompletionClient(cfg.Planner.LLM)
		if err != nil {
			return nil, err
		}
		generators = append(generators, plan.NewLLMGenerator(client))
	}
	return generators, nil
}

func executorOptions(cfg config.PipelineConfig) orchestrator.Options {
	opts := orchestrator.Options{
		Workers:         cfg.WorkerPoolSize,
		AnalyzerTimeout: cfg.AnalyzerTimeout.Duration(),
	}
	for _, ph := range cfg.Phases {
		opts.Phases = append(opts.Phases, orchestrator.PhaseSpec{
			Name:      ph.Name,
			Analyzers: ph.Analyzers,
		})
	}
	for name, ac := range cfg.Analyzers {
		if opts.Analyzers == nil {
			opts.Analyzers = make(map[string]orchestrator.AnalyzerOptions)
		}
		opts.Analyzers[name] = orchestrator.AnalyzerOptions{
			Disabled: ac.Disabled,
			Required: ac.Required,
			Timeout:  ac.Timeout.Duration(),
		}
	}
	return opts
}

// Store exposes the run store for read-only surfaces.
func (e *Engine) Store() *run.Store {
	return e.store
}

// Start validates the request, registers a pending run, and launches
// the pipeline in the background. The returned snapshot is the run in
// its pending state; watch events or poll for progress.
func (e *Engine) Start(ctx context.Context, req Request) (*run.Run, error) {
	r, err := e.register(ctx, req)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(context.Background())
	e.setCancel(r.ID, cancel)
	go func() {
		defer cancel()
		e.pipeline(pctx, r.ID, req)
	}()
	return r, nil
}

// Execute runs the pipeline synchronously and returns the final run
// snapshot. Interactive runs return in the awaiting-resolution state.
func (e *Engine) Execute(ctx context.Context, req Request) (*run.Run, error) {
	r, err := e.register(ctx, req)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	e.setCancel(r.ID, cancel)
	defer cancel()

	e.pipeline(pctx, r.ID, req)
	return e.store.Get(r.ID)
}

func (e *Engine) register(ctx context.Context, req Request) (*run.Run, error) {
	if req.Mode == "" {
		req.Mode = run.ModeFull
	}
	if !run.ValidMode(req.Mode) {
		return nil, fmt.Errorf("%w: %q", run.ErrInvalidMode, req.Mode)
	}
	if len(req.Fragments) == 0 {
		return nil, ErrNoFragments
	}

	id := uuid.New().String()
	ledgerDir := filepath.Join(e.cfg.Ledger.Dir, id)
	led, err := ledger.Open(ledgerDir, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open run ledger: %w", err)
	}

	planner := plan.NewPlanner(e.generators, e.scorer, led, plan.Policy{
		DestructiveAllowed: e.cfg.Pipeline.Planner.DestructiveAllowed,
		HighThreshold:      e.cfg.Pipeline.Planner.HighThreshold,
		MediumThreshold:    e.cfg.Pipeline.Planner.MediumThreshold,
	}, e.logger)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		led.Close()
		return nil, ErrClosed
	}
	e.sessions[id] = &session{led: led, planner: planner}
	e.mu.Unlock()

	now := time.Now().UTC()
	r := &run.Run{
		ID:        id,
		Mode:      req.Mode,
		Actor:     req.Actor,
		State:     run.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Fragments: req.Fragments,
		LedgerDir: ledgerDir,
	}
	if len(req.Fragments) > 0 {
		r.Kind = req.Fragments[0].Kind
	}
	e.store.Put(r)

	e.logger.Info(ctx, "run registered",
		zap.String("run_id", id),
		zap.String("mode", string(req.Mode)),
		zap.Int("fragments", len(req.Fragments)),
	)
	return r.Clone(), nil
}

func (e *Engine) setCancel(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	if s := e.sessions[id]; s != nil {
		s.cancel = cancel
	}
	e.mu.Unlock()
}

func (e *Engine) session(id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, run.ErrNotFound
	}
	return s, nil
}

// pipeline drives one run from merge to its terminal state. It owns
// all state transitions; failures land in the run's Error field.
func (e *Engine) pipeline(ctx context.Context, id string, req Request) {
	ctx, span := e.tracer.Start(ctx, "engine.run",
		trace.WithAttributes(
			attribute.String("run.id", id),
			attribute.String("run.mode", string(req.Mode)),
		))
	defer span.End()
	start := time.Now()

	e.publish(id, events.TypeStarted, "")
	paused, err := e.mergeStage(ctx, id, req)
	if err != nil {
		e.fail(ctx, id, start, err)
		return
	}
	if paused {
		e.publish(id, events.TypePaused, "awaiting conflict resolution")
		return
	}
	e.continueAfterMerge(ctx, id, start)
}

// continueAfterMerge runs phases, planning, and composition. Also the
// re-entry point after an interactive pause resolves.
func (e *Engine) continueAfterMerge(ctx context.Context, id string, start time.Time) {
	r, err := e.store.Get(id)
	if err != nil {
		e.logger.Error(ctx, "run vanished mid-pipeline", zap.String("run_id", id), zap.Error(err))
		return
	}

	if r.Mode == run.ModeMergeOnly {
		e.complete(ctx, id, start)
		return
	}

	aborted, err := e.analyzeStage(ctx, id, r)
	if err != nil {
		e.fail(ctx, id, start, err)
		return
	}
	if aborted {
		e.finish(ctx, id, start, run.StateAborted, events.TypeFailed)
		return
	}

	r, err = e.store.Get(id)
	if err != nil {
		return
	}
	if r.Mode != run.ModeAnalyzeOnly {
		if err := e.planStage(ctx, id, r); err != nil {
			e.fail(ctx, id, start, err)
			return
		}
	}

	e.complete(ctx, id, start)
}

func (e *Engine) mergeStage(ctx context.Context, id string, req Request) (paused bool, err error) {
	if err := e.transition(id, run.StateMerging); err != nil {
		return false, err
	}

	policy := req.Policy
	if policy == "" {
		policy = merge.Policy(e.cfg.Pipeline.Merge.Policy)
	}
	opts := merge.Options{
		Policy:             policy,
		AnnotateUnresolved: e.cfg.Pipeline.Merge.AnnotateUnresolved,
		Concurrency:        e.cfg.Pipeline.WorkerPoolSize,
	}
	if policy == merge.PolicyWeighted {
		opts.Prioritizer = &merge.WeightPrioritizer{Weights: req.Weights}
	}

	res, err := e.merger.Merge(ctx, req.Fragments, opts)
	if err != nil {
		return false, fmt.Errorf("merge failed: %w", err)
	}

	s, err := e.session(id)
	if err != nil {
		return false, err
	}
	entry, err := s.led.Append(ctx, ledger.Entry{
		RunID:         id,
		Actor:         "system",
		Action:        ledger.ActionMerge,
		BeforeRef:     ledger.ContentRef(""),
		AfterRef:      ledger.ContentRef(res.UnifiedContent),
		Patch:         ledger.MakePatch("", res.UnifiedContent),
		Justification: fmt.Sprintf("merged %d fragments (%d conflicts, %d annexed)", res.Stats.Merged, res.Stats.Conflicts, res.Stats.Annexed),
	})
	if err != nil {
		return false, fmt.Errorf("failed to record merge: %w", err)
	}

	// Policy resolutions happened inside the merge; record each as an
	// audit entry so the trail answers who chose every candidate.
	for _, c := range res.Conflicts {
		if c.Resolution != merge.ResolutionAuto {
			continue
		}
		if _, err := s.led.Append(ctx, ledger.Entry{
			RunID:         id,
			Actor:         c.ResolvedBy,
			Action:        ledger.ActionResolveConflict,
			Justification: fmt.Sprintf("conflict %s resolved to candidate %s", c.ID, c.ChosenID),
		}); err != nil {
			return false, fmt.Errorf("failed to record resolution: %w", err)
		}
	}

	pending := len(res.Pending())
	err = e.store.Update(id, func(r *run.Run) error {
		r.Merge = res
		r.Kind = res.Kind
		r.Content = res.UnifiedContent
		r.Issues = append([]analysis.Issue(nil), res.Issues...)
		if r.FirstSeq == 0 {
			r.FirstSeq = entry.Sequence
		}
		r.LastSeq = s.led.Head()
		if pending > 0 {
			r.State = run.StateAwaiting
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	e.logger.Info(ctx, "merge stage finished",
		zap.String("run_id", id),
		zap.Int("conflicts", res.Stats.Conflicts),
		zap.Int("pending", pending),
		zap.Int("annexed", res.Stats.Annexed),
	)
	return pending > 0, nil
}

func (e *Engine) analyzeStage(ctx context.Context, id string, r *run.Run) (aborted bool, err error) {
	if err := e.transition(id, run.StateAnalyzing); err != nil {
		return false, err
	}

	res, err := e.exec.Run(ctx, analysis.Input{
		RunID:   id,
		Kind:    r.Kind,
		Content: r.Content,
	})
	if err != nil {
		return false, fmt.Errorf("analysis failed: %w", err)
	}

	err = e.store.Update(id, func(r *run.Run) error {
		r.Phases = res
		r.Issues = append(r.Issues, res.Issues...)
		if res.Aborted {
			r.Error = fmt.Sprintf("phase %s aborted", res.AbortedPhase)
		}
		return nil
	})
	return res.Aborted, err
}

func (e *Engine) planStage(ctx context.Context, id string, r *run.Run) error {
	if err := e.transition(id, run.StatePlanning); err != nil {
		return err
	}

	s, err := e.session(id)
	if err != nil {
		return err
	}

	actor := r.Actor
	if actor != "" {
		actor = "user:" + actor
	}
	res, planErr := s.planner.Plan(ctx, plan.Request{
		RunID:   id,
		Actor:   actor,
		Content: r.Content,
		Issues:  r.Issues,
		DryRun:  r.Mode == run.ModeDryRun,
	})

	err = e.store.Update(id, func(r *run.Run) error {
		if res != nil {
			r.Content = res.Content
			r.Fixes = append(r.Fixes, res.Fixes...)
			r.LastSeq = s.led.Head()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if planErr != nil {
		return fmt.Errorf("planning failed: %w", planErr)
	}

	e.logger.Info(ctx, "plan stage finished",
		zap.String("run_id", id),
		zap.Int("applied", res.Applied),
		zap.Int("queued", res.Queued),
		zap.Int("blocked", res.Blocked),
	)
	for _, f := range res.Fixes {
		e.publishFix(id, f)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, id string, start time.Time) {
	if err := e.transition(id, run.StateComposing); err != nil {
		e.fail(ctx, id, start, err)
		return
	}
	e.finish(ctx, id, start, run.StateCompleted, events.TypeCompleted)
}

// fail moves a run to its terminal failure state. Cancellation is a
// distinct terminal state, and a logged-but-unapplied fix is rolled
// back first so the ledger and content agree.
func (e *Engine) fail(ctx context.Context, id string, start time.Time, cause error) {
	state, event := run.StateFailed, events.TypeFailed
	if errors.Is(cause, context.Canceled) {
		state, event = run.StateCancelled, events.TypeCancelled
		e.rollbackUnapplied(context.WithoutCancel(ctx), id)
	}

	err := e.store.Update(id, func(r *run.Run) error {
		// Cancel may have already turned the run terminal; its state
		// and empty error stand.
		if r.State == run.StateCancelled {
			return nil
		}
		if r.Error == "" {
			r.Error = cause.Error()
		}
		return nil
	})
	if err != nil {
		e.logger.Error(ctx, "failed to record run error", zap.String("run_id", id), zap.Error(err))
	}
	e.finish(ctx, id, start, state, event)
}

func (e *Engine) finish(ctx context.Context, id string, start time.Time, state run.State, event string) {
	alreadyCancelled := false
	err := e.store.Update(id, func(r *run.Run) error {
		if r.State == run.StateCancelled && state != run.StateCancelled {
			alreadyCancelled = true
			return nil
		}
		r.State = state
		return nil
	})
	if err != nil {
		e.logger.Error(ctx, "failed to finish run", zap.String("run_id", id), zap.Error(err))
		return
	}
	if alreadyCancelled {
		// Cancel already published the terminal event for this run;
		// the pipeline goroutine just unwinds.
		return
	}

	if e.runCounter != nil {
		e.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
	if e.runDuration != nil {
		e.runDuration.Record(ctx, time.Since(start).Seconds())
	}
	e.logger.Info(ctx, "run finished",
		zap.String("run_id", id),
		zap.String("state", string(state)),
		zap.Duration("duration", time.Since(start)),
	)
	e.publish(id, event, "")
}

// rollbackUnapplied compensates a write-ahead-logged fix whose patch
// never reached the content. The planner already rolls back fixes it
// sees cancelled itself; this catches a head entry orphaned by a
// harder interruption, so Reconstruct(head) matches the run's content
// again before the run turns terminal.
func (e *Engine) rollbackUnapplied(ctx context.Context, id string) {
	s, err := e.session(id)
	if err != nil {
		return
	}
	r, err := e.store.Get(id)
	if err != nil {
		return
	}

	head := s.led.Head()
	if head == 0 {
		return
	}
	last, err := s.led.Entry(head)
	if err != nil || last.Action != ledger.ActionApplyFix {
		return
	}
	if last.AfterRef == ledger.ContentRef(r.Content) {
		return
	}

	if _, _, err := s.led.Reverse(ctx, head, "system", "cancelled before application"); err != nil {
		e.logger.Warn(ctx, "failed to roll back unapplied fix",
			zap.String("run_id", id),
			zap.Uint64("sequence", head),
			zap.Error(err),
		)
		return
	}
	err = e.store.Update(id, func(r *run.Run) error {
		r.LastSeq = s.led.Head()
		return nil
	})
	if err != nil {
		e.logger.Warn(ctx, "failed to update rolled-back run", zap.String("run_id", id), zap.Error(err))
	}
}

func (e *Engine) transition(id string, state run.State) error {
	return e.store.Update(id, func(r *run.Run) error {
		if r.State.Terminal() {
			return fmt.Errorf("%w: run already %s", run.ErrInvalidState, r.State)
		}
		r.State = state
		return nil
	})
}

func (e *Engine) publish(id, eventType, message string) {
	r, err := e.store.Get(id)
	state := ""
	if err == nil {
		state = string(r.State)
	}
	e.pub.Publish(context.Background(), events.Event{
		RunID:   id,
		Type:    eventType,
		State:   state,
		Message: message,
	})
}

func (e *Engine) publishFix(id string, f plan.Fix) {
	e.pub.Publish(context.Background(), events.Event{
		RunID:   id,
		Type:    events.TypeFix,
		Message: fmt.Sprintf("fix %s %s (%s)", f.ID, f.Status, f.Summary),
	})
}

// Close cancels active runs and closes every open ledger.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.led.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
