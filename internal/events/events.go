// Package events publishes run lifecycle events to NATS.
//
// Every run transition, phase progress update, conflict resolution,
// and fix decision is published on a per-run subject so external
// watchers (the HTTP SSE bridge, CLIs, dashboards) can follow a run
// without polling. Publishing is best-effort: a failed publish is
// logged and dropped, never allowed to affect pipeline state.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/unifyd/internal/logging"
)

// Event types published on run subjects.
const (
	TypeStarted   = "started"
	TypePhase     = "phase"
	TypePaused    = "paused"
	TypeResolved  = "resolved"
	TypeFix       = "fix"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeCancelled = "cancelled"
)

// DefaultSubjectPrefix prefixes every run subject.
const DefaultSubjectPrefix = "unifyd.runs"

// Event is one run lifecycle notification.
type Event struct {
	RunID   string    `json:"run_id"`
	Type    string    `json:"type"`
	Phase   string    `json:"phase,omitempty"`
	State   string    `json:"state,omitempty"`
	Message string    `json:"message,omitempty"`
	Percent int       `json:"percent,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher emits run events. Implementations must be safe for
// concurrent use and must never block pipeline progress.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close()
}

// NATSPublisher publishes events on <prefix>.<run_id>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSPublisher wraps an existing NATS connection. An empty prefix
// uses DefaultSubjectPrefix. The connection is not owned; Close only
// flushes.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the NATS subject for a run and event type.
func (p *NATSPublisher) Subject(runID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, runID, eventType)
}

// SubscribeSubject returns the wildcard subject covering all of a
// run's events, for ChanSubscribe callers like the SSE bridge.
func (p *NATSPublisher) SubscribeSubject(runID string) string {
	return fmt.Sprintf("%s.%s.*", p.prefix, runID)
}

// Publish emits one event. Failures are logged and dropped.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn(ctx, "failed to marshal event",
			zap.String("run_id", event.RunID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
		return
	}
	if err := p.nc.Publish(p.Subject(event.RunID, event.Type), data); err != nil {
		p.logger.Warn(ctx, "failed to publish event",
			zap.String("run_id", event.RunID),
			zap.String("type", event.Type),
			zap.Error(err),
		)
	}
}

// Close flushes buffered publishes. A connection still waiting on its
// first dial has nothing to flush and would block for the full flush
// timeout.
func (p *NATSPublisher) Close() {
	if !p.nc.IsConnected() {
		return
	}
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn(context.Background(), "failed to flush events", zap.Error(err))
	}
}

// NopPublisher discards every event. Used when no event bus is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) {}
func (NopPublisher) Close()                         {}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = NopPublisher{}
)
