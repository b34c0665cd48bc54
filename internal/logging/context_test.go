package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func TestContextFields_Empty(t *testing.T) {
	ctx := context.Background()
	fields := ContextFields(ctx)
	assert.Empty(t, fields)
}

func TestContextFields_OTELTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "test-operation")
	defer span.End()

	fields := ContextFields(ctx)

	var hasTraceID, hasSpanID bool
	for _, f := range fields {
		if f.Key == "trace_id" {
			hasTraceID = true
			assert.NotEmpty(t, f.String, "trace_id should not be empty")
		}
		if f.Key == "span_id" {
			hasSpanID = true
			assert.NotEmpty(t, f.String, "span_id should not be empty")
		}
	}
	assert.True(t, hasTraceID, "trace_id field missing from context fields")
	assert.True(t, hasSpanID, "span_id field missing from context fields")
}

func TestContextFields_OTELSampling(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := trace.NewTracerProvider(
		trace.WithSampler(trace.AlwaysSample()),
		trace.WithBatcher(exporter),
	)
	tracer := provider.Tracer("test")

	ctx, span := tracer.Start(context.Background(), "sampled-operation")
	defer span.End()

	fields := ContextFields(ctx)

	assertBoolFieldExists(t, fields, "trace_sampled", true)
}

func TestContextFields_Run(t *testing.T) {
	ctx := WithRunID(context.Background(), "run_123")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "run.id", "run_123")
}

func TestContextFields_PhaseAndAnalyzer(t *testing.T) {
	ctx := WithRunID(context.Background(), "run_123")
	ctx = WithPhase(ctx, "semantic")
	ctx = WithAnalyzer(ctx, "secrets")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 3)
	assertFieldExists(t, fields, "run.id", "run_123")
	assertFieldExists(t, fields, "phase", "semantic")
	assertFieldExists(t, fields, "analyzer", "secrets")
}

func TestContextFields_Request(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_456")

	fields := ContextFields(ctx)

	assert.Len(t, fields, 1)
	assertFieldExists(t, fields, "request.id", "req_456")
}

func assertFieldExists(t *testing.T, fields []zap.Field, key, expected string) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key && field.String == expected {
			return
		}
	}
	t.Errorf("field %q with value %q not found", key, expected)
}

func assertBoolFieldExists(t *testing.T, fields []zap.Field, key string, expected bool) {
	t.Helper()
	for _, field := range fields {
		if field.Key == key {
			// zap stores bool as integer (1 for true, 0 for false)
			if expected && field.Integer == 1 {
				return
			} else if !expected && field.Integer == 0 {
				return
			}
		}
	}
	t.Errorf("bool field %q with value %v not found", key, expected)
}

func TestLogger_InContext(t *testing.T) {
	logger := &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
	ctx := WithLogger(context.Background(), logger)

	retrieved := FromContext(ctx)
	assert.Equal(t, logger, retrieved)
}

func TestLogger_FromContextMissing(t *testing.T) {
	ctx := context.Background()
	retrieved := FromContext(ctx)

	assert.NotNil(t, retrieved)
}

// Validation tests

func TestWithRunID_Valid(t *testing.T) {
	tests := []struct {
		name  string
		runID string
	}{
		{"simple", "run_123"},
		{"with hyphens", "run-abc-123"},
		{"with underscores", "run_abc_123"},
		{"alphanumeric", "runABC123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRunID(context.Background(), tt.runID)
			retrieved := RunIDFromContext(ctx)
			assert.Equal(t, tt.runID, retrieved)
		})
	}
}

func TestWithRunID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: runID cannot be empty", func() {
		WithRunID(context.Background(), "")
	})
}

func TestWithRunID_InvalidCharactersPanics(t *testing.T) {
	tests := []struct {
		name  string
		runID string
	}{
		{"with spaces", "run 123"},
		{"with slash", "run/123"},
		{"with special chars", "run@123"},
		{"with dots", "run.123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() {
				WithRunID(context.Background(), tt.runID)
			})
		})
	}
}

func TestWithRunID_TooLongPanics(t *testing.T) {
	longID := strings.Repeat("a", 129) // max is 128

	assert.Panics(t, func() {
		WithRunID(context.Background(), longID)
	})
}

func TestWithPhase_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: phase cannot be empty", func() {
		WithPhase(context.Background(), "")
	})
}

func TestWithAnalyzer_InvalidCharactersPanics(t *testing.T) {
	assert.Panics(t, func() {
		WithAnalyzer(context.Background(), "secrets scanner")
	})
}

func TestWithRequestID_Valid(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
	}{
		{"simple", "req_456"},
		{"with hyphens", "req-abc-456"},
		{"with underscores", "req_abc_456"},
		{"alphanumeric", "reqABC456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithRequestID(context.Background(), tt.requestID)
			retrieved := RequestIDFromContext(ctx)
			assert.Equal(t, tt.requestID, retrieved)
		})
	}
}

func TestWithRequestID_EmptyPanics(t *testing.T) {
	assert.PanicsWithValue(t, "logging: requestID cannot be empty", func() {
		WithRequestID(context.Background(), "")
	})
}

func TestWithRequestID_TooLongPanics(t *testing.T) {
	longID := strings.Repeat("a", 129) // max is 128

	assert.Panics(t, func() {
		WithRequestID(context.Background(), longID)
	})
}
