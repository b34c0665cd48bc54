package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type appendReq struct {
	entry Entry
	resp  chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// Append validates the entry, hands it to the single writer, and waits
// for the durable acknowledgement. The returned entry carries the
// assigned sequence number, timestamp, and checksum.
//
// An error return means the entry may or may not be on disk; the caller
// must treat the guarded mutation as not permitted. Write-ahead
// ordering makes that safe: the ledger can show an intended change that
// never happened, but content never changes without its entry.
func (l *Ledger) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := validateEntry(entry); err != nil {
		return Entry{}, err
	}

	req := appendReq{entry: entry, resp: make(chan appendResult, 1)}

	select {
	case l.appendCh <- req:
	case <-l.done:
		return Entry{}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	select {
	case res := <-req.resp:
		return res.entry, res.err
	case <-ctx.Done():
		return Entry{}, fmt.Errorf("append not acknowledged: %w", ctx.Err())
	}
}

func validateEntry(entry Entry) error {
	if !validActions[entry.Action] {
		return fmt.Errorf("%w: %q", ErrInvalidAction, entry.Action)
	}
	if entry.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidEntry)
	}
	if entry.Actor == "" {
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	}
	if len(entry.Patch) > maxPatchSize {
		return fmt.Errorf("%w: patch is %d bytes (max %d)", ErrEntryTooLarge, len(entry.Patch), maxPatchSize)
	}
	if entry.Patch != "" && (entry.BeforeRef == "" || entry.AfterRef == "") {
		return fmt.Errorf("%w: content-changing entries need before_ref and after_ref", ErrInvalidEntry)
	}
	return nil
}

// writeLoop is the only goroutine that touches the ledger file. It
// assigns sequence numbers, chains checksums, fsyncs, and only then
// acknowledges, so sequence numbers are gapless and strictly monotonic
// and an acknowledged entry is durable.
func (l *Ledger) writeLoop() {
	defer l.wg.Done()

	for {
		select {
		case req := <-l.appendCh:
			req.resp <- l.write(req.entry)
		case <-l.done:
			l.drain()
			return
		}
	}
}

// drain fails any requests that raced the close.
func (l *Ledger) drain() {
	for {
		select {
		case req := <-l.appendCh:
			req.resp <- appendResult{err: ErrClosed}
		default:
			return
		}
	}
}

func (l *Ledger) write(entry Entry) appendResult {
	// A failed write may leave torn bytes; appending past them would
	// corrupt the file. The first failure poisons the ledger.
	if l.failed {
		return appendResult{err: fmt.Errorf("%w: previous write failed", ErrCorrupted)}
	}

	l.mu.RLock()
	prevSum := ""
	if n := len(l.entries); n > 0 {
		prevSum = l.entries[n-1].Checksum
	}
	entry.Sequence = uint64(len(l.entries) + 1)
	l.mu.RUnlock()

	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	entry.Checksum = l.checksum(entry, prevSum)

	line, err := json.Marshal(entry)
	if err != nil {
		return appendResult{err: fmt.Errorf("encode ledger entry: %w", err)}
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		l.failed = true
		return appendResult{err: fmt.Errorf("write ledger entry: %w", err)}
	}
	if err := l.file.Sync(); err != nil {
		l.failed = true
		return appendResult{err: fmt.Errorf("sync ledger entry: %w", err)}
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	l.logger.Debug(context.Background(), "ledger entry appended",
		zap.Uint64("sequence", entry.Sequence),
		zap.String("action", string(entry.Action)),
		zap.String("actor", entry.Actor))

	return appendResult{entry: entry}
}

// Close stops the writer and closes the file. Appends racing the close
// fail with ErrClosed.
func (l *Ledger) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	l.wg.Wait()
	return l.file.Close()
}
