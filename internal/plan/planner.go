package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/unifyd/internal/plan"

// defaultActor is recorded on ledger entries when the request names
// no actor.
const defaultActor = "planner"

// Policy configures fix application.
type Policy struct {
	// DestructiveAllowed permits applying fixes whose diff deletes
	// content. Without it a destructive fix is blocked regardless of
	// confidence.
	DestructiveAllowed bool
	// HighThreshold is the minimum score for the high band. Defaults
	// to 0.8.
	HighThreshold float64
	// MediumThreshold is the minimum score for the medium band.
	// Defaults to 0.5.
	MediumThreshold float64
}

// Planner decides fixes. Planners are stateless and safe for
// concurrent use; queued-fix state lives with the run that owns it.
type Planner struct {
	generators []Generator
	scorer     Scorer
	ledger     *ledger.Ledger
	policy     Policy
	logger     *logging.Logger

	tracer trace.Tracer
	meter  metric.Meter

	fixCounter   metric.Int64Counter
	planDuration metric.Float64Histogram
}

// NewPlanner creates a planner. A nil scorer uses the built-in
// heuristic; a nil logger discards output. The ledger is required:
// every application is write-ahead logged through it.
func NewPlanner(generators []Generator, scorer Scorer, led *ledger.Ledger, policy Policy, logger *logging.Logger) *Planner {
	if scorer == nil {
		scorer = NewHeuristicScorer()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if policy.HighThreshold == 0 {
		policy.HighThreshold = 0.8
	}
	if policy.MediumThreshold == 0 {
		policy.MediumThreshold = 0.5
	}

	p := &Planner{
		generators: generators,
		scorer:     scorer,
		ledger:     led,
		policy:     policy,
		logger:     logger.Named("plan"),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	p.initMetrics()
	return p
}

func (p *Planner) initMetrics() {
	var err error

	p.fixCounter, err = p.meter.Int64Counter(
		"unifyd.plan.fixes_total",
		metric.WithDescription("Total number of fixes by decision"),
		metric.WithUnit("{fix}"),
	)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to create fix counter", zap.Error(err))
	}

	p.planDuration, err = p.meter.Float64Histogram(
		"unifyd.plan.pass_duration_seconds",
		metric.WithDescription("Duration of planning passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		p.logger.Warn(context.Background(), "failed to create duration histogram", zap.Error(err))
	}
}

// Request is one planning pass over a document.
type Request struct {
	// RunID identifies the pipeline run.
	RunID string
	// Actor is recorded on ledger entries. Defaults to "planner".
	Actor string
	// Content is the unified document the issues were found in.
	Content string
	// Issues to plan, in the orchestrator's normalized order.
	Issues []analysis.Issue
	// Queued lists fixes still awaiting approval from an earlier pass.
	// Planning an issue again expires its queued fix.
	Queued []Fix
	// DryRun records decisions without mutating content or the ledger.
	// Fixes that would auto-apply report StatusWouldApply.
	DryRun bool
}

// StatusWouldApply marks a fix a dry run would have applied.
const StatusWouldApply Status = "would-apply"

// Result is the outcome of a planning pass.
type Result struct {
	// Content is the document after auto-applied fixes.
	Content string
	// Fixes produced this pass, in decision order.
	Fixes []Fix
	// Expired are previously queued fixes superseded by this pass.
	Expired []Fix
	// Applied, Queued, and Blocked count terminal decisions.
	Applied int
	Queued  int
	Blocked int
}

// Plan converts issues into decided fixes. Generators are consulted
// per issue; candidates are evaluated tier by tier and the first
// terminal decision (apply, queue, or block) settles the issue. The
// only error paths are cancellation and audit write failure; every
// other problem becomes fix state.
func (p *Planner) Plan(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "plan.pass",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.Int("issues.count", len(req.Issues)),
			attribute.Bool("dry_run", req.DryRun),
		))
	defer span.End()
	start := time.Now()

	actor := req.Actor
	if actor == "" {
		actor = defaultActor
	}

	res := &Result{Content: req.Content}
	p.expireQueued(req, res)

	for _, issue := range req.Issues {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		content, fixes, err := p.planIssue(ctx, req.RunID, actor, issue, res.Content, req.DryRun)
		res.Content = content
		res.Fixes = append(res.Fixes, fixes...)
		if err != nil {
			return res, err
		}
	}

	for _, f := range res.Fixes {
		switch f.Status {
		case StatusApplied, StatusWouldApply:
			res.Applied++
		case StatusQueued:
			res.Queued++
		case StatusBlocked:
			res.Blocked++
		}
		if p.fixCounter != nil {
			p.fixCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("decision", string(f.Status)),
				attribute.String("tier", string(f.Tier)),
			))
		}
	}
	if p.planDuration != nil {
		p.planDuration.Record(ctx, time.Since(start).Seconds())
	}

	span.SetAttributes(
		attribute.Int("fixes.count", len(res.Fixes)),
		attribute.Int("fixes.applied", res.Applied),
		attribute.Int("fixes.queued", res.Queued),
		attribute.Int("fixes.blocked", res.Blocked),
	)
	p.logger.Info(ctx, "planning pass finished",
		zap.String("run_id", req.RunID),
		zap.Int("issues", len(req.Issues)),
		zap.Int("fixes", len(res.Fixes)),
		zap.Int("applied", res.Applied),
		zap.Int("queued", res.Queued),
		zap.Int("blocked", res.Blocked),
		zap.Bool("dry_run", req.DryRun),
		zap.Duration("duration", time.Since(start)),
	)
	return res, nil
}

// expireQueued marks queued fixes whose issue is being planned again.
// Expiry is run state, not a mutation, so no ledger entry is written.
func (p *Planner) expireQueued(req Request, res *Result) {
	if len(req.Queued) == 0 {
		return
	}
	replanned := make(map[string]bool, len(req.Issues))
	for _, issue := range req.Issues {
		replanned[issue.ID] = true
	}
	for _, f := range req.Queued {
		if f.Status == StatusQueued && replanned[f.IssueID] {
			f.Status = StatusExpired
			f.StatusReason = "superseded by re-planning"
			res.Expired = append(res.Expired, f)
		}
	}
}

// decision classifies what decideFix did with a candidate.
type decision int

const (
	// decisionRetry means the candidate failed mechanically; the next
	// candidate in the tier should be tried.
	decisionRetry decision = iota
	// decisionAnnotated means the candidate was recorded without
	// application; lower tiers are still consulted.
	decisionAnnotated
	// decisionTerminal means the issue is settled.
	decisionTerminal
)

func (p *Planner) planIssue(ctx context.Context, runID, actor string, issue analysis.Issue, content string, dryRun bool) (string, []Fix, error) {
	candidates := p.collect(ctx, issue, content)
	if len(candidates) == 0 {
		return content, nil, nil
	}

	for i := range candidates {
		f := &candidates[i]
		f.Score = clamp01(p.scorer.Score(issue, *f))
		f.Band = p.band(f.Score)
		f.Destructive = isDestructive(f.Patch)
		f.Status = StatusPending
	}
	sortCandidates(candidates)

	byTier := make(map[Tier][]Fix, len(tierOrder))
	for _, f := range candidates {
		byTier[f.Tier] = append(byTier[f.Tier], f)
	}

	var out []Fix
	terminal := false
	for _, tier := range tierOrder {
		group := byTier[tier]
		tierDecided := false
		for _, f := range group {
			if terminal || tierDecided {
				if err := p.supersede(ctx, runID, actor, &f, dryRun); err != nil {
					return content, append(out, f), err
				}
				out = append(out, f)
				continue
			}

			d, next, err := p.decideFix(ctx, runID, actor, &f, content, dryRun)
			content = next
			out = append(out, f)
			if err != nil {
				return content, out, err
			}
			switch d {
			case decisionAnnotated:
				tierDecided = true
			case decisionTerminal:
				tierDecided = true
				terminal = true
			}
		}
	}
	return content, out, nil
}

// decideFix applies policy to one candidate and returns the possibly
// mutated content. Mechanical application failure rejects the fix and
// lets the next candidate in the tier try.
func (p *Planner) decideFix(ctx context.Context, runID, actor string, f *Fix, content string, dryRun bool) (decision, string, error) {
	if f.Patch == "" || f.Band == BandLow {
		f.Status = StatusAnnotated
		return decisionAnnotated, content, nil
	}

	if f.Band == BandMedium {
		f.Status = StatusQueued
		return decisionTerminal, content, nil
	}

	// High band from here on.
	if f.Destructive && !p.policy.DestructiveAllowed {
		f.Status = StatusBlocked
		f.StatusReason = "destructive change not allowed"
		if !dryRun {
			if err := p.appendReject(ctx, runID, actor, f, "blocked: destructive change not allowed"); err != nil {
				return decisionTerminal, content, err
			}
		}
		p.logger.Info(ctx, "fix blocked by destructive policy",
			zap.String("run_id", runID),
			zap.String("fix_id", f.ID),
			zap.String("issue_id", f.IssueID),
		)
		return decisionTerminal, content, nil
	}

	next, err := ledger.ApplyPatch(content, f.Patch)
	if err != nil {
		f.Status = StatusRejected
		f.StatusReason = "patch did not apply"
		p.logger.Warn(ctx, "fix patch did not apply",
			zap.String("run_id", runID),
			zap.String("fix_id", f.ID),
			zap.Error(err),
		)
		if !dryRun {
			if err := p.appendReject(ctx, runID, actor, f, "rejected: patch did not apply"); err != nil {
				return decisionRetry, content, err
			}
		}
		return decisionRetry, content, nil
	}

	if dryRun {
		f.Status = StatusWouldApply
		return decisionTerminal, content, nil
	}

	entry, err := p.appendApply(ctx, runID, actor, f, content, next)
	if err != nil {
		return decisionTerminal, content, err
	}

	// Cancelled between the write-ahead entry and adoption: compensate
	// so the ledger still reconstructs to the real content, and roll
	// the fix back to pending.
	if ctx.Err() != nil {
		f.Status = StatusPending
		f.StatusReason = "rolled back: run cancelled"
		if _, _, rerr := p.ledger.Reverse(context.WithoutCancel(ctx), entry.Sequence, actor, "cancelled before application"); rerr != nil {
			return decisionTerminal, content, fmt.Errorf("%w: rollback after cancellation: %v", ErrAuditWrite, rerr)
		}
		return decisionTerminal, content, ctx.Err()
	}

	f.Status = StatusApplied
	return decisionTerminal, next, nil
}

func (p *Planner) supersede(ctx context.Context, runID, actor string, f *Fix, dryRun bool) error {
	f.Status = StatusRejected
	f.StatusReason = "superseded"
	if dryRun {
		return nil
	}
	return p.appendReject(ctx, runID, actor, f, "rejected: superseded")
}

// Approve re-checks policy and applies a queued fix, returning the new
// content. The fix's status is updated in place.
func (p *Planner) Approve(ctx context.Context, runID, actor, content string, f *Fix) (string, error) {
	if f.Status != StatusQueued {
		return content, fmt.Errorf("%w: fix %s is %s", ErrNotQueued, f.ID, f.Status)
	}
	if actor == "" {
		actor = defaultActor
	}

	if f.Destructive && !p.policy.DestructiveAllowed {
		f.Status = StatusBlocked
		f.StatusReason = "destructive change not allowed"
		if err := p.appendReject(ctx, runID, actor, f, "blocked: destructive change not allowed"); err != nil {
			return content, err
		}
		return content, fmt.Errorf("%w: fix %s is destructive", ErrBlocked, f.ID)
	}

	next, err := ledger.ApplyPatch(content, f.Patch)
	if err != nil {
		f.Status = StatusRejected
		f.StatusReason = "patch no longer applies"
		if aerr := p.appendReject(ctx, runID, actor, f, "rejected: patch no longer applies"); aerr != nil {
			return content, aerr
		}
		return content, fmt.Errorf("approve fix %s: %w", f.ID, err)
	}

	if _, err := p.appendApply(ctx, runID, actor, f, content, next); err != nil {
		return content, err
	}
	f.Status = StatusApplied
	f.StatusReason = "approved"

	p.logger.Info(ctx, "queued fix approved",
		zap.String("run_id", runID),
		zap.String("fix_id", f.ID),
		zap.String("actor", actor),
	)
	return next, nil
}

// Reject declines a queued fix and records the decision.
func (p *Planner) Reject(ctx context.Context, runID, actor string, f *Fix, reason string) error {
	if f.Status != StatusQueued {
		return fmt.Errorf("%w: fix %s is %s", ErrNotQueued, f.ID, f.Status)
	}
	if actor == "" {
		actor = defaultActor
	}
	if reason == "" {
		reason = "rejected by operator"
	}

	if err := p.appendReject(ctx, runID, actor, f, reason); err != nil {
		return err
	}
	f.Status = StatusRejected
	f.StatusReason = reason

	p.logger.Info(ctx, "queued fix rejected",
		zap.String("run_id", runID),
		zap.String("fix_id", f.ID),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)
	return nil
}

// collect gathers candidates from every generator. A failing generator
// reduces fix coverage; it never fails the pass.
func (p *Planner) collect(ctx context.Context, issue analysis.Issue, content string) []Fix {
	var candidates []Fix
	for _, g := range p.generators {
		fixes, err := g.Propose(ctx, issue, content)
		if err != nil {
			p.logger.Warn(ctx, "fix generator failed",
				zap.String("generator", g.Name()),
				zap.String("issue_id", issue.ID),
				zap.Error(err),
			)
			continue
		}
		for _, f := range fixes {
			if !f.Tier.Valid() {
				p.logger.Warn(ctx, "generator proposed fix with unknown tier",
					zap.String("generator", g.Name()),
					zap.String("tier", string(f.Tier)),
				)
				continue
			}
			if f.Summary == "" {
				p.logger.Warn(ctx, "generator proposed fix without summary",
					zap.String("generator", g.Name()),
				)
				continue
			}
			f.ID = uuid.NewString()
			f.IssueID = issue.ID
			f.Generator = g.Name()
			f.CreatedAt = time.Now().UTC()
			candidates = append(candidates, f)
		}
	}
	return candidates
}

func (p *Planner) appendApply(ctx context.Context, runID, actor string, f *Fix, before, after string) (ledger.Entry, error) {
	entry, err := p.ledger.Append(ctx, ledger.Entry{
		RunID:         runID,
		Actor:         actor,
		Action:        ledger.ActionApplyFix,
		BeforeRef:     ledger.ContentRef(before),
		AfterRef:      ledger.ContentRef(after),
		Patch:         ledger.MakePatch(before, after),
		Justification: fmt.Sprintf("fix %s (%s, %s) for issue %s: %s", f.ID, f.Generator, f.Tier, f.IssueID, f.Summary),
		Reversible:    true,
	})
	if err != nil {
		return entry, fmt.Errorf("%w: apply-fix for %s: %v", ErrAuditWrite, f.ID, err)
	}
	return entry, nil
}

func (p *Planner) appendReject(ctx context.Context, runID, actor string, f *Fix, justification string) error {
	_, err := p.ledger.Append(ctx, ledger.Entry{
		RunID:         runID,
		Actor:         actor,
		Action:        ledger.ActionRejectFix,
		Justification: fmt.Sprintf("fix %s (%s, %s) for issue %s: %s", f.ID, f.Generator, f.Tier, f.IssueID, justification),
	})
	if err != nil {
		return fmt.Errorf("%w: reject-fix for %s: %v", ErrAuditWrite, f.ID, err)
	}
	return nil
}

func (p *Planner) band(score float64) Band {
	switch {
	case score >= p.policy.HighThreshold:
		return BandHigh
	case score >= p.policy.MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

// sortCandidates orders candidates for evaluation: tier precedence,
// then band, then score, then generator and summary so ties resolve
// identically across runs regardless of generator enumeration or IDs.
func sortCandidates(fixes []Fix) {
	sort.SliceStable(fixes, func(i, j int) bool {
		a, b := fixes[i], fixes[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() < b.Tier.Rank()
		}
		if a.Band.Rank() != b.Band.Rank() {
			return a.Band.Rank() < b.Band.Rank()
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Generator != b.Generator {
			return a.Generator < b.Generator
		}
		if a.Summary != b.Summary {
			return a.Summary < b.Summary
		}
		return a.ID < b.ID
	})
}

// isDestructive reports whether the patch deletes any content. An
// unparseable patch is treated as destructive.
func isDestructive(patchText string) bool {
	if patchText == "" {
		return false
	}
	dmp := diffmatchpatch.New()
	if _, err := dmp.PatchFromText(patchText); err != nil {
		return true
	}
	// Patch text carries one percent-encoded line per diff op; a "-"
	// prefix marks deleted content. Hunk headers start with "@@".
	for _, line := range strings.Split(patchText, "\n") {
		if strings.HasPrefix(line, "-") {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
