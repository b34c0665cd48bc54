// Package plan converts issues into candidate fixes and decides what
// happens to each one.
//
// Per issue, generator collaborators propose tier-tagged fixes, a
// scoring collaborator assigns each a numeric confidence, and the
// planner applies policy per confidence band: high auto-applies when
// allowed, medium queues for approval, low only annotates. Candidates
// are evaluated tier by tier (core first); the first terminal decision
// ends the issue and supersedes everything ranked below it. Every
// application is write-ahead logged to the audit ledger before the
// unified content mutates.
package plan

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/unifyd/internal/analysis"
)

// Errors returned by the planner.
var (
	// ErrNotQueued is returned when Approve or Reject is called on a
	// fix that is not awaiting approval.
	ErrNotQueued = errors.New("fix is not queued for approval")
	// ErrBlocked is returned when policy forbids applying a fix.
	ErrBlocked = errors.New("fix blocked by policy")
	// ErrAuditWrite wraps a failed write-ahead ledger append. The
	// guarded mutation did not happen.
	ErrAuditWrite = errors.New("audit write failed")
)

// Tier classifies how ambitious a fix is. Lower tiers are safer and
// take precedence when candidates compete for the same issue.
type Tier string

const (
	// TierCore fixes restore correctness.
	TierCore Tier = "core"
	// TierOptimization fixes tidy the document without changing meaning.
	TierOptimization Tier = "optimization"
	// TierEnhancement fixes improve the document beyond the reported
	// problem.
	TierEnhancement Tier = "enhancement"
	// TierInnovation fixes are speculative suggestions.
	TierInnovation Tier = "innovation"
)

// tierOrder is the evaluation and precedence order.
var tierOrder = []Tier{TierCore, TierOptimization, TierEnhancement, TierInnovation}

var tierRank = map[Tier]int{
	TierCore:         0,
	TierOptimization: 1,
	TierEnhancement:  2,
	TierInnovation:   3,
}

// Rank returns the precedence position of the tier. Unknown tiers sort
// last.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return len(tierRank)
}

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Band is the confidence band derived from a fix's numeric score.
// Bands, not raw scores, drive ranking and policy.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

var bandRank = map[Band]int{
	BandHigh:   0,
	BandMedium: 1,
	BandLow:    2,
}

// Rank returns the sort position of the band.
func (b Band) Rank() int {
	if r, ok := bandRank[b]; ok {
		return r
	}
	return len(bandRank)
}

// Status is a fix's lifecycle state.
type Status string

const (
	// StatusPending marks a fix that has been generated but not yet
	// decided. Fixes only hold it transiently inside a planning pass,
	// and again when a cancelled run rolls back a logged-but-unapplied
	// fix.
	StatusPending Status = "pending"
	// StatusApplied marks a fix whose change is in the unified content.
	StatusApplied Status = "applied"
	// StatusQueued marks a fix awaiting operator approval.
	StatusQueued Status = "queued"
	// StatusAnnotated marks a low-confidence fix recorded for the
	// report only.
	StatusAnnotated Status = "annotated"
	// StatusRejected marks a fix superseded, declined, or inapplicable.
	StatusRejected Status = "rejected"
	// StatusBlocked marks a fix stopped by the destructive-change
	// policy.
	StatusBlocked Status = "blocked"
	// StatusExpired marks a queued fix superseded by re-planning its
	// issue.
	StatusExpired Status = "expired"
)

// Fix is one candidate change for one issue.
type Fix struct {
	// ID uniquely identifies the fix within a run.
	ID string `json:"id"`
	// IssueID is the issue this fix targets.
	IssueID string `json:"issue_id"`
	// Generator names the collaborator that proposed the fix.
	Generator string `json:"generator"`
	// Tier is the fix's ambition class.
	Tier Tier `json:"tier"`
	// Patch is the proposed change as diff-match-patch text against
	// the content the fix was generated for. Application is fuzzy, so
	// a queued fix can still apply after unrelated earlier changes.
	// An empty patch marks an advisory fix that never mutates content.
	Patch string `json:"patch,omitempty"`
	// Summary describes the proposed change.
	Summary string `json:"summary"`
	// Tradeoffs notes what the change costs, when the generator knows.
	Tradeoffs string `json:"tradeoffs,omitempty"`
	// Score is the scoring collaborator's confidence in [0,1].
	Score float64 `json:"score"`
	// Band is the confidence band the score falls in.
	Band Band `json:"band"`
	// Destructive reports whether the patch deletes content. Derived
	// by the planner from the patch, never trusted from generators.
	Destructive bool `json:"destructive"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// StatusReason explains terminal states, for example "superseded".
	StatusReason string `json:"status_reason,omitempty"`
	// CreatedAt records when the planner accepted the candidate.
	CreatedAt time.Time `json:"created_at"`
}

// Generator proposes candidate fixes for an issue. Implementations
// must be deterministic for a given (issue, content) pair unless they
// front an external model; the planner treats a failing generator as
// reduced fix coverage, not as a run failure.
type Generator interface {
	// Name identifies the generator in fixes and logs.
	Name() string
	// Propose returns zero or more candidate fixes. Returned fixes
	// need Tier, Summary, and usually Patch; the planner stamps
	// everything else.
	Propose(ctx context.Context, issue analysis.Issue, content string) ([]Fix, error)
}

// Scorer assigns a confidence score in [0,1] to a candidate fix. The
// planner requires scores be deterministic for a given (issue, fix)
// pair within one run; everything else about the model is opaque.
type Scorer interface {
	Score(issue analysis.Issue, fix Fix) float64
}
