package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

func openTestLedger(t *testing.T, dir string) *Ledger {
	t.Helper()
	l, err := Open(dir, logging.NewNop())
	require.NoError(t, err)
	return l
}

// appendChange appends a content-changing entry and returns it.
func appendChange(t *testing.T, l *Ledger, action Action, before, after string) Entry {
	t.Helper()
	entry, err := l.Append(context.Background(), Entry{
		RunID:      "run-1",
		Actor:      "system",
		Action:     action,
		BeforeRef:  ContentRef(before),
		AfterRef:   ContentRef(after),
		Patch:      MakePatch(before, after),
		Reversible: action != ActionMerge,
	})
	require.NoError(t, err)
	return entry
}

func TestLedger_Append(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	e1 := appendChange(t, l, ActionMerge, "", "X=1\n")
	e2 := appendChange(t, l, ActionApplyFix, "X=1\n", "X=2\n")

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, uint64(2), l.Head())
	assert.NotEmpty(t, e1.Checksum)
	assert.False(t, e1.At.IsZero())

	got, err := l.Entry(2)
	require.NoError(t, err)
	assert.Equal(t, e2, got)

	_, err = l.Entry(0)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	_, err = l.Entry(99)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestLedger_Append_Validation(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	tests := []struct {
		name    string
		entry   Entry
		wantErr error
	}{
		{
			name:    "unknown action",
			entry:   Entry{RunID: "run-1", Actor: "system", Action: "destroy"},
			wantErr: ErrInvalidAction,
		},
		{
			name:    "missing run id",
			entry:   Entry{Actor: "system", Action: ActionMerge},
			wantErr: ErrInvalidEntry,
		},
		{
			name:    "missing actor",
			entry:   Entry{RunID: "run-1", Action: ActionMerge},
			wantErr: ErrInvalidEntry,
		},
		{
			name: "patch without refs",
			entry: Entry{
				RunID: "run-1", Actor: "system", Action: ActionApplyFix,
				Patch: MakePatch("a", "b"),
			},
			wantErr: ErrInvalidEntry,
		},
		{
			name: "oversized patch",
			entry: Entry{
				RunID: "run-1", Actor: "system", Action: ActionApplyFix,
				BeforeRef: ContentRef("a"), AfterRef: ContentRef("b"),
				Patch: strings.Repeat("x", maxPatchSize+1),
			},
			wantErr: ErrEntryTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(context.Background(), tt.entry)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Equal(t, uint64(0), l.Head(), "rejected entries must not consume sequence numbers")
}

func TestLedger_Reload(t *testing.T) {
	dir := t.TempDir()

	l := openTestLedger(t, dir)
	appendChange(t, l, ActionMerge, "", "alpha\nbravo\n")
	appendChange(t, l, ActionApplyFix, "alpha\nbravo\n", "alpha\nBRAVO\n")
	require.NoError(t, l.Close())

	// Reopen and verify the chain survives intact.
	l2 := openTestLedger(t, dir)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.Head())

	entries := l2.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, ActionMerge, entries[0].Action)
	assert.Equal(t, ActionApplyFix, entries[1].Action)

	// Appends continue the sequence, not restart it.
	e3 := appendChange(t, l2, ActionApplyFix, "alpha\nBRAVO\n", "ALPHA\nBRAVO\n")
	assert.Equal(t, uint64(3), e3.Sequence)
}

func TestLedger_Reload_Tampered(t *testing.T) {
	dir := t.TempDir()

	l := openTestLedger(t, dir)
	appendChange(t, l, ActionMerge, "", "one\n")
	appendChange(t, l, ActionApplyFix, "one\n", "two\n")
	appendChange(t, l, ActionApplyFix, "two\n", "three\n")
	require.NoError(t, l.Close())

	// Flip the actor in the middle entry. The checksum chain must
	// reject it on reload.
	path := filepath.Join(dir, ledgerFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	lines[1] = strings.Replace(lines[1], `"actor":"system"`, `"actor":"SYSTEM"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "")), 0600))

	_, err = Open(dir, logging.NewNop())
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLedger_Reload_TornTail(t *testing.T) {
	dir := t.TempDir()

	l := openTestLedger(t, dir)
	appendChange(t, l, ActionMerge, "", "one\n")
	appendChange(t, l, ActionApplyFix, "one\n", "two\n")
	require.NoError(t, l.Close())

	// Simulate a crash mid-append: partial JSON with no newline.
	path := filepath.Join(dir, ledgerFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":3,"run_id":"run-1","ac`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The torn tail was never acknowledged, so dropping it is safe.
	l2 := openTestLedger(t, dir)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.Head())

	// The file itself must be truncated so future appends stay valid.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	e3 := appendChange(t, l2, ActionApplyFix, "two\n", "three\n")
	assert.Equal(t, uint64(3), e3.Sequence)
}

func TestLedger_Reconstruct(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	v1 := "alpha\nbravo\ncharlie\n"
	v2 := "alpha\nBRAVO\ncharlie\n"
	v3 := "alpha\nBRAVO\nCHARLIE\n"

	appendChange(t, l, ActionMerge, "", v1)
	appendChange(t, l, ActionApplyFix, v1, v2)

	// A rejected fix records intent without changing content.
	_, err := l.Append(context.Background(), Entry{
		RunID: "run-1", Actor: "user:dana", Action: ActionRejectFix,
		Justification: "style change not wanted",
	})
	require.NoError(t, err)

	appendChange(t, l, ActionApplyFix, v2, v3)

	for seq, want := range map[uint64]string{0: "", 1: v1, 2: v2, 3: v2, 4: v3} {
		got, err := l.Reconstruct(seq)
		require.NoError(t, err, "sequence %d", seq)
		assert.Equal(t, want, got, "sequence %d", seq)
	}

	_, err = l.Reconstruct(5)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestLedger_Reconstruct_MatchesHeadAfterReload(t *testing.T) {
	dir := t.TempDir()
	final := "package main\n\nfunc main() {\n\tprintln(\"ok\")\n}\n"

	l := openTestLedger(t, dir)
	appendChange(t, l, ActionMerge, "", "package main\n")
	appendChange(t, l, ActionApplyFix, "package main\n", final)
	require.NoError(t, l.Close())

	l2 := openTestLedger(t, dir)
	defer l2.Close()
	got, err := l2.Reconstruct(l2.Head())
	require.NoError(t, err)
	assert.Equal(t, final, got)
}

func TestLedger_Reverse(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	v1 := "X=1\n"
	v2 := "X=2\n"
	appendChange(t, l, ActionMerge, "", v1)
	appendChange(t, l, ActionApplyFix, v1, v2)

	entry, content, err := l.Reverse(context.Background(), 2, "user:dana", "fix was wrong")
	require.NoError(t, err)

	assert.Equal(t, uint64(3), entry.Sequence)
	assert.Equal(t, ActionReverse, entry.Action)
	assert.Equal(t, uint64(2), entry.Reverses)
	assert.Equal(t, "user:dana", entry.Actor)
	assert.Equal(t, ContentRef(v2), entry.BeforeRef)
	assert.Equal(t, ContentRef(v1), entry.AfterRef)
	assert.Equal(t, v1, content)

	// History is append-only: the reversed entry is still there and
	// replaying through the compensation lands on the prior state.
	assert.Equal(t, uint64(3), l.Head())
	got, err := l.Reconstruct(3)
	require.NoError(t, err)
	assert.Equal(t, v1, got)
}

func TestLedger_Reverse_AfterLaterEdits(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	v1 := "alpha\nbravo\ncharlie\ndelta\necho\n"
	v2 := "alpha\nBRAVO\ncharlie\ndelta\necho\n"
	v3 := "alpha\nBRAVO\ncharlie\ndelta\nECHO\n"
	appendChange(t, l, ActionMerge, "", v1)
	appendChange(t, l, ActionApplyFix, v1, v2)
	appendChange(t, l, ActionApplyFix, v2, v3)

	// Undo the bravo fix; the later echo fix must survive.
	_, content, err := l.Reverse(context.Background(), 2, "user:dana", "revert bravo")
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbravo\ncharlie\ndelta\nECHO\n", content)

	got, err := l.Reconstruct(l.Head())
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestLedger_Reverse_NotReversible(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	_, err := l.Append(context.Background(), Entry{
		RunID: "run-1", Actor: "system", Action: ActionMerge,
		BeforeRef: ContentRef(""), AfterRef: ContentRef("X=1\n"),
		Patch: MakePatch("", "X=1\n"),
	})
	require.NoError(t, err)

	_, _, err = l.Reverse(context.Background(), 1, "user:dana", "undo merge")
	assert.ErrorIs(t, err, ErrNotReversible)

	_, _, err = l.Reverse(context.Background(), 9, "user:dana", "no such entry")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestLedger_Reverse_AlreadyReversed(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	defer l.Close()

	appendChange(t, l, ActionMerge, "", "X=1\n")
	appendChange(t, l, ActionApplyFix, "X=1\n", "X=2\n")

	_, _, err := l.Reverse(context.Background(), 2, "user:dana", "first undo")
	require.NoError(t, err)

	_, _, err = l.Reverse(context.Background(), 2, "user:dana", "second undo")
	assert.ErrorIs(t, err, ErrAlreadyReversed)
}

func TestLedger_Close(t *testing.T) {
	l := openTestLedger(t, t.TempDir())
	appendChange(t, l, ActionMerge, "", "X=1\n")

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "close is idempotent")

	_, err := l.Append(context.Background(), Entry{
		RunID: "run-1", Actor: "system", Action: ActionRejectFix,
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestContentRef(t *testing.T) {
	assert.Equal(t, ContentRef("hello"), ContentRef("hello"))
	assert.NotEqual(t, ContentRef("hello"), ContentRef("hello\n"))
	assert.Len(t, ContentRef(""), 64)
}

func TestApplyPatch_AllHunksOrNothing(t *testing.T) {
	patch := MakePatch("the quick brown fox\n", "the quick red fox\n")

	// Same neighborhood, applies cleanly.
	got, err := ApplyPatch("the quick brown fox\n", patch)
	require.NoError(t, err)
	assert.Equal(t, "the quick red fox\n", got)

	// Entirely unrelated content must fail, not half-apply.
	_, err = ApplyPatch("completely different\n", patch)
	assert.ErrorIs(t, err, ErrPatchFailed)

	// Empty patch is the identity.
	got, err = ApplyPatch("anything\n", "")
	require.NoError(t, err)
	assert.Equal(t, "anything\n", got)
}
