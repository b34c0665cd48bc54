package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with an in-memory observer for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger returns a logger that records all entries at TraceLevel
// and above for inspection in tests.
func NewTestLogger(tb testing.TB) *TestLogger {
	tb.Helper()

	core, observed := observer.New(TraceLevel)
	cfg := NewDefaultConfig()
	cfg.Level = TraceLevel

	logger := &Logger{
		zap:    zap.New(core),
		config: cfg,
	}

	return &TestLogger{
		Logger:   logger,
		observed: observed,
	}
}

// All returns every recorded entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message matches exactly.
func (t *TestLogger) FilterMessage(msg string) []observer.LoggedEntry {
	return t.observed.FilterMessage(msg).All()
}

// Reset discards all recorded entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged fails the test unless an entry with msg was recorded.
func (t *TestLogger) AssertLogged(tb testing.TB, msg string) {
	tb.Helper()
	if len(t.FilterMessage(msg)) == 0 {
		tb.Errorf("expected log message %q, got none", msg)
	}
}

// AssertNotLogged fails the test if an entry with msg was recorded.
func (t *TestLogger) AssertNotLogged(tb testing.TB, msg string) {
	tb.Helper()
	if entries := t.FilterMessage(msg); len(entries) > 0 {
		tb.Errorf("expected no log message %q, got %d", msg, len(entries))
	}
}

// AssertField fails the test unless some entry with msg carries the
// given field key and value.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want interface{}) {
	tb.Helper()
	for _, entry := range t.FilterMessage(msg) {
		for _, field := range entry.Context {
			if field.Key != key {
				continue
			}
			ctx := entry.ContextMap()
			if got, ok := ctx[key]; ok && got == want {
				return
			}
		}
	}
	tb.Errorf("expected log %q to carry field %s=%v", msg, key, want)
}

// AssertNoSecrets fails the test if any recorded entry contains value
// in a message or string field. Use to verify redaction end to end.
func (t *TestLogger) AssertNoSecrets(tb testing.TB, value string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if strings.Contains(entry.Message, value) {
			tb.Errorf("secret %q leaked in message %q", value, entry.Message)
		}
		for k, v := range entry.ContextMap() {
			if s, ok := v.(string); ok && strings.Contains(s, value) {
				tb.Errorf("secret %q leaked in field %s", value, k)
			}
		}
	}
}

// AssertTraceCorrelation fails the test unless the entry with msg
// carries trace_id and span_id fields.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	entries := t.FilterMessage(msg)
	if len(entries) == 0 {
		tb.Errorf("expected log message %q, got none", msg)
		return
	}
	for _, entry := range entries {
		ctx := entry.ContextMap()
		if _, ok := ctx["trace_id"]; !ok {
			tb.Errorf("log %q missing trace_id", msg)
		}
		if _, ok := ctx["span_id"]; !ok {
			tb.Errorf("log %q missing span_id", msg)
		}
	}
}
