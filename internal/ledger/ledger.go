// Package ledger implements the append-only audit ledger.
//
// Every mutation of a run's unified content (merge, conflict
// resolution, fix application, reversal) is recorded as an Entry before
// the mutation happens. Entries carry content hashes and a patch, not
// content copies, so any prior document state can be reconstructed and
// any reversible entry can be compensated without rewriting history.
//
// All appends go through a single writer goroutine, which assigns a
// strictly monotonic, gapless sequence number and fsyncs before
// acknowledging. An unacknowledged append means the guarded mutation
// must not be applied; the ledger may then show an intended-but-
// unapplied change, never an unexplained one.
package ledger

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

// Errors for ledger operations.
var (
	ErrClosed          = errors.New("ledger is closed")
	ErrEntryNotFound   = errors.New("ledger entry not found")
	ErrInvalidAction   = errors.New("invalid ledger action")
	ErrInvalidEntry    = errors.New("invalid ledger entry")
	ErrEntryTooLarge   = errors.New("ledger entry exceeds size limit")
	ErrCorrupted       = errors.New("ledger corrupted")
	ErrNotReversible   = errors.New("entry is not reversible")
	ErrAlreadyReversed = errors.New("entry already reversed")
	ErrPatchFailed     = errors.New("patch did not apply")
)

// Action identifies what kind of mutation an entry records.
type Action string

const (
	// ActionMerge records the initial unified document of a run.
	ActionMerge Action = "merge"
	// ActionResolveConflict records a conflict resolution.
	ActionResolveConflict Action = "resolve-conflict"
	// ActionApplyFix records an applied fix.
	ActionApplyFix Action = "apply-fix"
	// ActionRejectFix records a rejected or blocked fix. Carries no
	// patch; the content does not change.
	ActionRejectFix Action = "reject-fix"
	// ActionReverse records a compensating entry appended by Reverse.
	ActionReverse Action = "reverse"
)

// validActions whitelists actions at the append boundary.
var validActions = map[Action]bool{
	ActionMerge:           true,
	ActionResolveConflict: true,
	ActionApplyFix:        true,
	ActionRejectFix:       true,
	ActionReverse:         true,
}

const (
	// maxPatchSize bounds a single entry's patch payload.
	maxPatchSize = 10 * 1024 * 1024
	// hmacKeySize is the HMAC-SHA256 key length.
	hmacKeySize = 32

	ledgerFileName = "ledger.jsonl"
	keyFileName    = ".hmac_key"
)

// Entry is one audit record. Sequence, At, and Checksum are assigned by
// the writer; callers fill the rest.
type Entry struct {
	// Sequence is the gapless, strictly monotonic entry number,
	// starting at 1.
	Sequence uint64 `json:"sequence"`
	// RunID is the pipeline run the entry belongs to.
	RunID string `json:"run_id"`
	// Actor records who caused the mutation: "system", "user:<name>",
	// or "policy:<name>".
	Actor string `json:"actor"`
	// Action classifies the mutation.
	Action Action `json:"action"`
	// BeforeRef is the sha256 of the content before the mutation.
	BeforeRef string `json:"before_ref,omitempty"`
	// AfterRef is the sha256 of the content after the mutation.
	AfterRef string `json:"after_ref,omitempty"`
	// Patch transforms the before content into the after content.
	// Empty for entries that do not change content.
	Patch string `json:"patch,omitempty"`
	// Justification explains the mutation in human terms.
	Justification string `json:"justification,omitempty"`
	// Reversible marks whether Reverse may compensate this entry.
	Reversible bool `json:"reversible"`
	// Reverses is the sequence number a compensating entry undoes.
	Reverses uint64 `json:"reverses,omitempty"`
	// At is the append time.
	At time.Time `json:"at"`
	// Checksum chains this entry to its predecessor via HMAC-SHA256.
	Checksum string `json:"checksum"`
}

// Ledger is an append-only audit log backed by a JSONL file. One ledger
// serves one pipeline run. Safe for concurrent use.
type Ledger struct {
	dir     string
	path    string
	keyPath string
	hmacKey []byte
	logger  *logging.Logger

	mu      sync.RWMutex
	entries []Entry

	appendCh chan appendReq
	done     chan struct{}
	wg       sync.WaitGroup

	file   *os.File
	failed bool // writer-only; set on the first write failure
}

// Open loads or creates a ledger in dir. Existing entries are verified
// against the HMAC chain; any gap, reordering, or mismatch fails hard.
func Open(dir string, logger *logging.Logger) (*Ledger, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	cleanDir := filepath.Clean(dir)
	if strings.Contains(cleanDir, "..") {
		return nil, fmt.Errorf("%w: path contains directory traversal: %s", ErrInvalidEntry, dir)
	}
	if err := os.MkdirAll(cleanDir, 0700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	l := &Ledger{
		dir:      cleanDir,
		path:     filepath.Join(cleanDir, ledgerFileName),
		keyPath:  filepath.Join(cleanDir, keyFileName),
		logger:   logger.Named("ledger"),
		appendCh: make(chan appendReq),
		done:     make(chan struct{}),
	}

	if err := l.initHMACKey(); err != nil {
		return nil, fmt.Errorf("initialize ledger key: %w", err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	l.file = file

	l.wg.Add(1)
	go l.writeLoop()

	l.logger.Info(context.Background(), "ledger opened",
		zap.String("path", l.path),
		zap.Int("entries", len(l.entries)))

	return l, nil
}

// initHMACKey loads or generates the checksum key. The key is random,
// never derived from the path, and stored 0600 next to the ledger.
func (l *Ledger) initHMACKey() error {
	if data, err := os.ReadFile(l.keyPath); err == nil {
		if len(data) != hmacKeySize {
			return fmt.Errorf("%w: key size %d, expected %d", ErrCorrupted, len(data), hmacKeySize)
		}
		l.hmacKey = data
		if info, err := os.Stat(l.keyPath); err == nil && info.Mode().Perm() != 0600 {
			l.logger.Warn(context.Background(), "ledger key file has insecure permissions",
				zap.String("key_path", l.keyPath),
				zap.String("mode", info.Mode().Perm().String()))
		}
		return nil
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate ledger key: %w", err)
	}

	tmp := l.keyPath + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create ledger key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write ledger key: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync ledger key: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, l.keyPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize ledger key: %w", err)
	}

	l.hmacKey = key
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// load reads and verifies the existing ledger file. A torn final line
// (crash mid-write) is truncated away: its append was never
// acknowledged, so no mutation depended on it. Corruption anywhere
// earlier fails hard.
func (l *Ledger) load() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var (
		offset     int64
		goodOffset int64
		prevSum    string
		torn       bool
	)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && err == nil {
			var entry Entry
			if jsonErr := json.Unmarshal(line, &entry); jsonErr != nil {
				return fmt.Errorf("%w: entry %d undecodable: %v", ErrCorrupted, len(l.entries)+1, jsonErr)
			}
			if verifyErr := l.verifyEntry(entry, prevSum); verifyErr != nil {
				return verifyErr
			}
			l.entries = append(l.entries, entry)
			prevSum = entry.Checksum
			offset += int64(len(line))
			goodOffset = offset
			continue
		}

		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				// Partial line without trailing newline: check whether
				// it still parses and verifies before calling it torn.
				var entry Entry
				if json.Unmarshal(line, &entry) == nil && l.verifyEntry(entry, prevSum) == nil {
					l.entries = append(l.entries, entry)
					goodOffset = offset + int64(len(line))
				} else {
					torn = true
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read ledger file: %w", err)
		}
	}

	if torn {
		l.logger.Warn(context.Background(), "truncating torn ledger tail",
			zap.Int64("offset", goodOffset))
		if err := os.Truncate(l.path, goodOffset); err != nil {
			return fmt.Errorf("truncate torn ledger tail: %w", err)
		}
	}

	return nil
}

// verifyEntry checks sequence continuity and the HMAC chain.
func (l *Ledger) verifyEntry(entry Entry, prevSum string) error {
	wantSeq := uint64(len(l.entries) + 1)
	if entry.Sequence != wantSeq {
		return fmt.Errorf("%w: sequence %d, expected %d", ErrCorrupted, entry.Sequence, wantSeq)
	}
	expected := l.checksum(entry, prevSum)
	if subtle.ConstantTimeCompare([]byte(entry.Checksum), []byte(expected)) != 1 {
		return fmt.Errorf("%w: checksum mismatch at sequence %d", ErrCorrupted, entry.Sequence)
	}
	return nil
}

// checksum computes the chained HMAC for an entry. The previous entry's
// checksum is folded in, so reordering or dropping any entry breaks
// every later one.
func (l *Ledger) checksum(entry Entry, prevSum string) string {
	h := hmac.New(sha256.New, l.hmacKey)
	h.Write([]byte(prevSum))
	h.Write([]byte(strconv.FormatUint(entry.Sequence, 10)))
	h.Write([]byte(entry.RunID))
	h.Write([]byte(entry.Actor))
	h.Write([]byte(entry.Action))
	h.Write([]byte(entry.BeforeRef))
	h.Write([]byte(entry.AfterRef))
	h.Write([]byte(entry.Patch))
	h.Write([]byte(entry.Justification))
	h.Write([]byte(strconv.FormatBool(entry.Reversible)))
	h.Write([]byte(strconv.FormatUint(entry.Reverses, 10)))
	h.Write([]byte(entry.At.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Head returns the sequence number of the newest entry, 0 when empty.
func (l *Ledger) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Entry returns the entry with the given sequence number.
func (l *Ledger) Entry(seq uint64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return Entry{}, fmt.Errorf("%w: sequence %d", ErrEntryNotFound, seq)
	}
	return l.entries[seq-1], nil
}

// Entries returns a copy of all entries in sequence order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
