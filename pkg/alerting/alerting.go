// Package alerting delivers pipeline alerts: dropped events, threshold
// rule breaches and pipelines entering the error state.
//
// Delivery is best effort. An Alerter never returns an error to the
// pipeline; failures are logged.
package alerting

import (
	"context"
	"sync"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

// Alert types.
const (
	TypePipelineError = "pipeline_error"
	TypePipelineState = "pipeline_state"
	TypeRule          = "threshold_rule"
)

// Severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alerter receives alert records.
type Alerter interface {
	Send(ctx context.Context, alert v1.Alert)
}

// ═══════════════════════════════════════════
// Log
// ═══════════════════════════════════════════

// LogAlerter writes alerts to the structured log.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logging.OrNop(logger).Named("alert")}
}

func (a *LogAlerter) Send(_ context.Context, alert v1.Alert) {
	fields := []zap.Field{
		zap.String("type", alert.Type),
		zap.String("severity", alert.Severity),
		zap.String("pipeline_id", alert.PipelineID),
		zap.String("error", alert.Error),
	}
	if alert.EventID != "" {
		fields = append(fields, zap.String("event_id", alert.EventID))
	}
	if alert.Severity == SeverityCritical {
		a.logger.Error("alert", fields...)
		return
	}
	a.logger.Warn("alert", fields...)
}

// ═══════════════════════════════════════════
// Feed
// ═══════════════════════════════════════════

// Feed keeps the most recent alerts in memory for the query API.
type Feed struct {
	mu     sync.Mutex
	buf    []v1.Alert
	next   int
	filled bool
}

// DefaultFeedSize is the capacity used when NewFeed gets a size <= 0.
const DefaultFeedSize = 500

func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{buf: make([]v1.Alert, size)}
}

func (f *Feed) Send(_ context.Context, alert v1.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = alert
	f.next = (f.next + 1) % len(f.buf)
	if f.next == 0 {
		f.filled = true
	}
}

// Recent returns up to limit alerts, newest first, optionally restricted
// to one pipeline. limit <= 0 returns everything held.
func (f *Feed) Recent(pipelineID string, limit int) []v1.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.next
	if f.filled {
		n = len(f.buf)
	}
	out := make([]v1.Alert, 0, n)
	for i := 0; i < n; i++ {
		idx := (f.next - 1 - i + len(f.buf)) % len(f.buf)
		a := f.buf[idx]
		if pipelineID != "" && a.PipelineID != pipelineID {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// ═══════════════════════════════════════════
// Fan-out
// ═══════════════════════════════════════════

// Multi sends every alert to each of its members. Nil members are skipped.
type Multi []Alerter

func (m Multi) Send(ctx context.Context, alert v1.Alert) {
	for _, a := range m {
		if a != nil {
			a.Send(ctx, alert)
		}
	}
}
