package merge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

// Prioritizer ranks the candidates of a conflict region for the
// weighted tie-break policy. Rank returns the winning candidate's ID.
type Prioritizer interface {
	Rank(ctx context.Context, region ConflictRegion) (string, error)
}

// WeightPrioritizer ranks candidates by a per-origin weight table.
// Heavier origins win; ties fall back to the latest ingestion time.
// Origins absent from the table weigh zero.
type WeightPrioritizer struct {
	Weights map[string]float64
}

// Rank returns the heaviest candidate's ID.
func (p *WeightPrioritizer) Rank(_ context.Context, region ConflictRegion) (string, error) {
	if len(region.Candidates) == 0 {
		return "", ErrCandidateNotFound
	}
	best := 0
	for i := 1; i < len(region.Candidates); i++ {
		wi := p.Weights[region.Candidates[i].Origin]
		wb := p.Weights[region.Candidates[best].Origin]
		switch {
		case wi > wb:
			best = i
		case wi == wb && !region.Candidates[i].IngestedAt.Before(region.Candidates[best].IngestedAt):
			best = i
		}
	}
	return region.Candidates[best].ID, nil
}

var _ Prioritizer = (*WeightPrioritizer)(nil)

// latestCandidate returns the candidate from the latest-ingested
// fragment. Equal timestamps favor the later candidate, which follows
// fragment ingestion order.
func latestCandidate(region ConflictRegion) Candidate {
	best := 0
	for i := 1; i < len(region.Candidates); i++ {
		if !region.Candidates[i].IngestedAt.Before(region.Candidates[best].IngestedAt) {
			best = i
		}
	}
	return region.Candidates[best]
}

// resolveAll applies the tie-break policy to every pending region.
// Interactive leaves everything pending for the caller. A prioritizer
// failure leaves that region pending rather than failing the merge.
func resolveAll(ctx context.Context, res *Result, policy Policy, prioritizer Prioritizer, logger *logging.Logger) {
	for i := range res.Conflicts {
		region := &res.Conflicts[i]
		if region.Resolution != ResolutionPending {
			continue
		}

		switch policy {
		case PolicyLatestWins:
			chosen := latestCandidate(*region)
			region.ChosenID = chosen.ID
			region.Resolution = ResolutionAuto
			region.ResolvedBy = "policy:" + string(PolicyLatestWins)

		case PolicyWeighted:
			id, err := prioritizer.Rank(ctx, *region)
			if err != nil {
				logger.Warn(ctx, "prioritizer failed, leaving conflict pending",
					zap.String("conflict_id", region.ID),
					zap.Error(err))
				continue
			}
			if _, err := candidateByID(*region, id); err != nil {
				logger.Warn(ctx, "prioritizer chose unknown candidate, leaving conflict pending",
					zap.String("conflict_id", region.ID),
					zap.String("candidate_id", id))
				continue
			}
			region.ChosenID = id
			region.Resolution = ResolutionAuto
			region.ResolvedBy = "policy:" + string(PolicyWeighted)

		case PolicyInteractive:
			// Caller resolves; the run pauses after merge.
		}
	}
}

func candidateByID(region ConflictRegion, id string) (Candidate, error) {
	for _, cand := range region.Candidates {
		if cand.ID == id {
			return cand, nil
		}
	}
	return Candidate{}, fmt.Errorf("%w: %q", ErrCandidateNotFound, id)
}

// Resolve records a caller-supplied resolution for a conflict region
// and recomposes the unified content. Actor is recorded verbatim and
// identifies who resolved, e.g. "user:alice" or "rule:prefer-config".
// Already-resolved regions are rejected; re-resolution would silently
// discard the prior choice.
func (r *Result) Resolve(conflictID, candidateID, actor string) error {
	region, err := r.Conflict(conflictID)
	if err != nil {
		return err
	}
	if region.ChosenID != "" {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, conflictID)
	}
	if _, err := candidateByID(*region, candidateID); err != nil {
		return err
	}

	region.ChosenID = candidateID
	region.Resolution = ResolutionAuto
	region.ResolvedBy = actor
	r.Recompose()
	return nil
}
