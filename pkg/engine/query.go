package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/metrics"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/retry"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
)

// ═══════════════════════════════════════════
// Manual trigger
// ═══════════════════════════════════════════

// TriggerOptions shape a manually triggered event. Zero values get
// defaults: a generated id, the create operation.
type TriggerOptions struct {
	EventID      string
	PartitionKey string
	Operation    v1.Operation
	Metadata     map[string]string
}

// ManualTrigger pushes payload into an active or paused pipeline and
// returns the event id. Processing outcomes are not reported to the
// caller: poll the status, dead letters or alert feed instead.
func (e *Engine) ManualTrigger(ctx context.Context, id string, payload map[string]any, opts TriggerOptions) (string, error) {
	m, err := e.lookup(id)
	if err != nil {
		return "", err
	}
	def, run := m.snapshot()
	if run == nil || (def.State != v1.StateActive && def.State != v1.StatePaused) {
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, id, def.State)
	}

	ev := &v1.DataEvent{
		ID:           opts.EventID,
		PipelineID:   id,
		Source:       string(v1.SourceManual),
		Timestamp:    e.now().UTC(),
		Payload:      payload,
		Operation:    opts.Operation,
		PartitionKey: opts.PartitionKey,
		Metadata:     opts.Metadata,
		ProcessingContext: v1.ProcessingContext{
			AppliedTransformations: []string{},
		},
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Operation == "" {
		ev.Operation = v1.OpCreate
	}
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}

	if err := run.Ingest(ctx, ev); err != nil {
		if errors.Is(err, retry.ErrNotAccepting) {
			return "", fmt.Errorf("%w: %s", ErrNotRunning, id)
		}
		return "", err
	}
	return ev.ID, nil
}

// ═══════════════════════════════════════════
// Definitions and status
// ═══════════════════════════════════════════

// Get returns the stored definition of a pipeline.
func (e *Engine) Get(_ context.Context, id string) (v1.PipelineDefinition, error) {
	m, err := e.lookup(id)
	if err != nil {
		return v1.PipelineDefinition{}, err
	}
	return m.snapshotDef(), nil
}

// List returns every definition, oldest first.
func (e *Engine) List(_ context.Context) []v1.PipelineDefinition {
	all := e.all()
	out := make([]v1.PipelineDefinition, 0, len(all))
	for _, m := range all {
		out = append(out, m.snapshotDef())
	}
	return out
}

// GetStatus returns the live status of a pipeline.
func (e *Engine) GetStatus(_ context.Context, id string) (v1.PipelineStatus, error) {
	m, err := e.lookup(id)
	if err != nil {
		return v1.PipelineStatus{}, err
	}
	return e.status(m), nil
}

func (e *Engine) status(m *managed) v1.PipelineStatus {
	m.mu.RLock()
	id, state, lastErr := m.def.ID, m.def.State, m.lastErr
	m.mu.RUnlock()

	st := e.recorder.Track(id).Status(state)
	if lastErr != "" {
		st.LastError = lastErr
	}
	return st
}

// Statuses returns the status of every pipeline. It implements
// metrics.StatusSource.
func (e *Engine) Statuses() []v1.PipelineStatus {
	all := e.all()
	out := make([]v1.PipelineStatus, 0, len(all))
	for _, m := range all {
		out = append(out, e.status(m))
	}
	return out
}

// Snapshot aggregates the current status of every pipeline.
func (e *Engine) Snapshot() v1.MetricsSnapshot {
	return metrics.Aggregate(e.Statuses(), e.now().UTC())
}

// GetMetrics returns the per-minute samples of a pipeline within
// [from, to]. A zero to means now; a zero from means one hour before to.
func (e *Engine) GetMetrics(_ context.Context, id string, from, to time.Time) (v1.PipelineMetrics, error) {
	if _, err := e.lookup(id); err != nil {
		return v1.PipelineMetrics{}, err
	}
	if to.IsZero() {
		to = e.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-time.Hour)
	}
	if from.After(to) {
		return v1.PipelineMetrics{}, fmt.Errorf("invalid range: from %s is after to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return e.recorder.Track(id).Range(from, to), nil
}

// ExportConfiguration bundles a pipeline's definition, status and, when
// it names a registered schema, the schema lineage.
func (e *Engine) ExportConfiguration(ctx context.Context, id string) (*v1.ExportedConfiguration, error) {
	m, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	out := &v1.ExportedConfiguration{
		Definition: m.snapshotDef(),
		Status:     e.status(m),
		ExportedAt: e.now().UTC(),
	}
	if sid := out.Definition.SchemaID; sid != "" && e.registry != nil {
		lineage, err := e.registry.GetLineage(ctx, sid)
		switch {
		case err == nil:
			out.Lineage = lineage
		case !schema.IsNotFound(err):
			return nil, err
		}
	}
	return out, nil
}

// ═══════════════════════════════════════════
// Dead letters and alerts
// ═══════════════════════════════════════════

// DeadLetters lists the dead-lettered events of a pipeline, including
// those of a deleted pipeline.
func (e *Engine) DeadLetters(ctx context.Context, id string) ([]v1.DeadLetterRecord, error) {
	return e.dlq.List(ctx, id)
}

func (e *Engine) DeadLetter(ctx context.Context, id, eventID string) (*v1.DeadLetterRecord, error) {
	return e.dlq.Get(ctx, id, eventID)
}

func (e *Engine) DeleteDeadLetter(ctx context.Context, id, eventID string) error {
	return e.dlq.Delete(ctx, id, eventID)
}

// ReplayDeadLetter re-publishes a dead-lettered event into its running
// pipeline with the attempt counter reset. The record is removed once
// the event is queued.
func (e *Engine) ReplayDeadLetter(ctx context.Context, id, eventID string) (*v1.DataEvent, error) {
	m, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	def, run := m.snapshot()
	if run == nil || (def.State != v1.StateActive && def.State != v1.StatePaused) {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, def.State)
	}
	return e.dlq.Replay(ctx, id, eventID, run.Ingest)
}

// Alerts returns up to limit recent alerts, newest first. An empty
// pipelineID returns alerts of every pipeline.
func (e *Engine) Alerts(pipelineID string, limit int) []v1.Alert {
	return e.feed.Recent(pipelineID, limit)
}

// RulePublisher evaluates each running pipeline's monitoring rules
// against the statuses of every reporter snapshot.
func (e *Engine) RulePublisher() metrics.Publisher {
	return metrics.PublisherFunc(func(ctx context.Context, _ v1.MetricsSnapshot, statuses []v1.PipelineStatus) error {
		for _, st := range statuses {
			m, err := e.lookup(st.PipelineID)
			if err != nil {
				continue
			}
			m.mu.RLock()
			rules := m.rules
			m.mu.RUnlock()
			rules.Evaluate(ctx, st)
		}
		return nil
	})
}
