package ledger

import (
	"context"
	"fmt"
)

// Reconstruct replays entry patches from the empty document up to and
// including upTo, returning the unified content at that point in
// history. upTo of 0 returns the empty pre-merge state. Content
// references are verified at every step, so a reconstruction that
// diverges from what the entries recorded fails instead of returning
// invented history.
func (l *Ledger) Reconstruct(upTo uint64) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reconstructLocked(upTo)
}

func (l *Ledger) reconstructLocked(upTo uint64) (string, error) {
	if upTo > uint64(len(l.entries)) {
		return "", fmt.Errorf("%w: sequence %d beyond head %d", ErrEntryNotFound, upTo, len(l.entries))
	}

	content := ""
	for _, entry := range l.entries[:upTo] {
		if entry.Patch == "" {
			continue
		}
		if entry.BeforeRef != ContentRef(content) {
			return "", fmt.Errorf("%w: before_ref mismatch at sequence %d", ErrCorrupted, entry.Sequence)
		}
		next, err := ApplyPatch(content, entry.Patch)
		if err != nil {
			return "", fmt.Errorf("replay sequence %d: %w", entry.Sequence, err)
		}
		if entry.AfterRef != ContentRef(next) {
			return "", fmt.Errorf("%w: after_ref mismatch at sequence %d", ErrCorrupted, entry.Sequence)
		}
		content = next
	}
	return content, nil
}

// Reverse appends a compensating entry that undoes the content change
// recorded at seq. History is never deleted or rewritten: the
// compensation is a new entry at the head. Returns the compensating
// entry and the content after it applies.
//
// The entry at seq must be marked reversible and not already reversed.
// When later entries changed overlapping content, the undo may no
// longer apply; that surfaces as ErrPatchFailed rather than a guess.
func (l *Ledger) Reverse(ctx context.Context, seq uint64, actor, justification string) (Entry, string, error) {
	l.mu.RLock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		l.mu.RUnlock()
		return Entry{}, "", fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	target := l.entries[seq-1]
	if !target.Reversible {
		l.mu.RUnlock()
		return Entry{}, "", fmt.Errorf("%w: sequence %d", ErrNotReversible, seq)
	}
	if target.Patch == "" {
		l.mu.RUnlock()
		return Entry{}, "", fmt.Errorf("%w: sequence %d changed no content", ErrNotReversible, seq)
	}
	for _, e := range l.entries {
		if e.Reverses == seq {
			l.mu.RUnlock()
			return Entry{}, "", fmt.Errorf("%w: sequence %d reversed by %d", ErrAlreadyReversed, seq, e.Sequence)
		}
	}

	var before, after, head string
	var err error
	if before, err = l.reconstructLocked(seq - 1); err == nil {
		if after, err = l.reconstructLocked(seq); err == nil {
			head, err = l.reconstructLocked(uint64(len(l.entries)))
		}
	}
	l.mu.RUnlock()
	if err != nil {
		return Entry{}, "", err
	}

	// Undo the target's change in the context of the current head. The
	// fuzzy application happens here, once; the stored patch is exact
	// so replay needs no fuzz.
	undone, err := ApplyPatch(head, MakePatch(after, before))
	if err != nil {
		return Entry{}, "", err
	}

	entry := Entry{
		RunID:         target.RunID,
		Actor:         actor,
		Action:        ActionReverse,
		BeforeRef:     ContentRef(head),
		AfterRef:      ContentRef(undone),
		Patch:         MakePatch(head, undone),
		Justification: justification,
		Reversible:    true,
		Reverses:      seq,
	}

	appended, err := l.Append(ctx, entry)
	if err != nil {
		return Entry{}, "", err
	}
	return appended, undone, nil
}
