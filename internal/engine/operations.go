package engine

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/compose"
	"github.com/fyrsmithlabs/unifyd/internal/events"
	"github.com/fyrsmithlabs/unifyd/internal/ledger"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

// Get returns a snapshot of one run.
func (e *Engine) Get(id string) (*run.Run, error) {
	return e.store.Get(id)
}

// List returns run snapshots, newest first.
func (e *Engine) List(includeArchived bool) []*run.Run {
	return e.store.List(includeArchived)
}

// ResolveConflict chooses a candidate for a pending conflict region,
// recomposes the unified content, and records the resolution. When the
// last pending conflict resolves on a paused run, the pipeline resumes
// in the background.
func (e *Engine) ResolveConflict(ctx context.Context, id, conflictID, candidateID, actor string) (*run.Run, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = "system"
	} else {
		actor = "user:" + actor
	}

	var resume bool
	err = e.store.Update(id, func(r *run.Run) error {
		if r.State != run.StateAwaiting {
			return fmt.Errorf("%w: run is %s", ErrNotAwaiting, r.State)
		}
		if r.Merge == nil {
			return fmt.Errorf("%w: run has no merge result", run.ErrInvalidState)
		}

		before := r.Content
		if err := r.Merge.Resolve(conflictID, candidateID, actor); err != nil {
			return err
		}
		r.Merge.Recompose()
		after := r.Merge.UnifiedContent

		entry := ledger.Entry{
			RunID:         id,
			Actor:         actor,
			Action:        ledger.ActionResolveConflict,
			Justification: fmt.Sprintf("conflict %s resolved to candidate %s", conflictID, candidateID),
		}
		if before != after {
			entry.BeforeRef = ledger.ContentRef(before)
			entry.AfterRef = ledger.ContentRef(after)
			entry.Patch = ledger.MakePatch(before, after)
		}
		if _, err := s.led.Append(ctx, entry); err != nil {
			return fmt.Errorf("failed to record resolution: %w", err)
		}

		r.Content = after
		r.LastSeq = s.led.Head()
		resume = len(r.Merge.Pending()) == 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(id, events.TypeResolved, fmt.Sprintf("conflict %s resolved", conflictID))
	if resume {
		e.resume(id)
	}
	return e.store.Get(id)
}

// resume relaunches the pipeline after an interactive pause.
func (e *Engine) resume(id string) {
	pctx, cancel := context.WithCancel(context.Background())
	e.setCancel(id, cancel)
	go func() {
		defer cancel()
		ctx, span := e.tracer.Start(pctx, "engine.resume")
		defer span.End()

		r, err := e.store.Get(id)
		if err != nil {
			return
		}
		start := r.CreatedAt
		e.continueAfterMerge(ctx, id, start)
	}()
}

// ApproveFix applies a queued fix after re-checking policy. Allowed on
// active and completed runs; approvals on completed runs extend the
// ledger past the composition point.
func (e *Engine) ApproveFix(ctx context.Context, id, fixID, actor string) (*run.Run, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	if actor != "" {
		actor = "user:" + actor
	}

	err = e.store.Update(id, func(r *run.Run) error {
		if r.Archived {
			return run.ErrArchived
		}
		f, err := r.Fix(fixID)
		if err != nil {
			return err
		}
		next, err := s.planner.Approve(ctx, id, actor, r.Content, f)
		if err != nil {
			return err
		}
		r.Content = next
		r.LastSeq = s.led.Head()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "fix approved",
		zap.String("run_id", id),
		zap.String("fix_id", fixID),
		zap.String("actor", actor),
	)
	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if f, ferr := r.Fix(fixID); ferr == nil {
		e.publishFix(id, *f)
	}
	return r, nil
}

// RejectFix declines a queued fix and records the decision.
func (e *Engine) RejectFix(ctx context.Context, id, fixID, actor, reason string) (*run.Run, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	if actor != "" {
		actor = "user:" + actor
	}
	if reason == "" {
		reason = "rejected by operator"
	}

	err = e.store.Update(id, func(r *run.Run) error {
		if r.Archived {
			return run.ErrArchived
		}
		f, err := r.Fix(fixID)
		if err != nil {
			return err
		}
		if err := s.planner.Reject(ctx, id, actor, f, reason); err != nil {
			return err
		}
		r.LastSeq = s.led.Head()
		return nil
	})
	if err != nil {
		return nil, err
	}

	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if f, ferr := r.Fix(fixID); ferr == nil {
		e.publishFix(id, *f)
	}
	return r, nil
}

// ReverseEntry undoes a reversible ledger entry with a compensating
// entry and adopts the resulting content.
func (e *Engine) ReverseEntry(ctx context.Context, id string, seq uint64, actor, justification string) (*run.Run, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = "system"
	} else {
		actor = "user:" + actor
	}

	err = e.store.Update(id, func(r *run.Run) error {
		if r.Archived {
			return run.ErrArchived
		}
		_, content, err := s.led.Reverse(ctx, seq, actor, justification)
		if err != nil {
			return err
		}
		r.Content = content
		r.LastSeq = s.led.Head()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.store.Get(id)
}

// Cancel requests cooperative cancellation of an active run. Running
// analyzers unwind within their timeout; the run lands in the
// cancelled state.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	r, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: run is %s", ErrNotCancelable, r.State)
	}

	s, err := e.session(id)
	if err != nil {
		return err
	}

	// A paused run has no pipeline goroutine to interrupt; it turns
	// terminal directly.
	if r.State == run.StateAwaiting || r.State == run.StatePending {
		err := e.store.Update(id, func(r *run.Run) error {
			r.State = run.StateCancelled
			return nil
		})
		if err != nil {
			return err
		}
		e.publish(id, events.TypeCancelled, "")
		return nil
	}

	if s.cancel == nil {
		return fmt.Errorf("%w: run has no active pipeline", ErrNotCancelable)
	}
	e.logger.Info(ctx, "cancelling run", zap.String("run_id", id))
	s.cancel()
	return nil
}

// Archive retains a terminal run outside the working set. Its ledger
// stays open for reads.
func (e *Engine) Archive(id string) error {
	return e.store.Archive(id)
}

// Discard removes a terminal run and deletes its ledger from disk.
// Irreversible and never called by the engine itself.
func (e *Engine) Discard(id string) error {
	r, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if err := e.store.Discard(id); err != nil {
		return err
	}

	e.mu.Lock()
	s := e.sessions[id]
	delete(e.sessions, id)
	e.mu.Unlock()

	if s != nil {
		if err := s.led.Close(); err != nil {
			return err
		}
	}
	if r.LedgerDir != "" {
		return os.RemoveAll(r.LedgerDir)
	}
	return nil
}

// Entries returns a run's ledger entries.
func (e *Engine) Entries(id string) ([]ledger.Entry, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	return s.led.Entries(), nil
}

// Reconstruct replays the run's ledger up to seq and returns the
// content at that point in history.
func (e *Engine) Reconstruct(id string, seq uint64) (string, error) {
	s, err := e.session(id)
	if err != nil {
		return "", err
	}
	return s.led.Reconstruct(seq)
}

// Report composes and renders the run's report in the given format.
func (e *Engine) Report(id, format string) ([]byte, error) {
	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	entries, err := e.Entries(id)
	if err != nil {
		return nil, err
	}
	rep, err := compose.Compose(r, entries)
	if err != nil {
		return nil, err
	}
	renderer, err := compose.RendererFor(format)
	if err != nil {
		return nil, err
	}
	return renderer.Render(rep)
}

// QueuedFixes returns a run's fixes awaiting approval.
func (e *Engine) QueuedFixes(id string) ([]plan.Fix, error) {
	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return r.QueuedFixes(), nil
}
