package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/pipeline"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/retry"
)

// retryTarget routes the retries of one pipeline to whichever runtime
// is attached when the backoff timer fires, so a retry scheduled before
// a Stop/Start or a Repair lands in the new runtime.
type retryTarget struct {
	e      *Engine
	id     string
	policy v1.ErrorPolicy
}

func (t *retryTarget) ID() string { return t.id }

func (t *retryTarget) Policy() v1.ErrorPolicy { return t.policy }

// Republish waits for any lifecycle call in progress, then queues event
// on the current runtime. It fails with retry.ErrNotAccepting when the
// pipeline is deleted or neither active nor paused.
func (t *retryTarget) Republish(ctx context.Context, event *v1.DataEvent) error {
	var tried *pipeline.Pipeline
	for {
		m, err := t.e.lookup(t.id)
		if err != nil {
			return retry.ErrNotAccepting
		}
		m.op.Lock()
		def, run := m.snapshot()
		m.op.Unlock()

		if run == nil || run == tried || (def.State != v1.StateActive && def.State != v1.StatePaused) {
			return retry.ErrNotAccepting
		}
		err = run.Republish(ctx, event)
		if !errors.Is(err, retry.ErrNotAccepting) {
			return err
		}
		// Stopped between the snapshot and the send; look again.
		tried = run
	}
}

// sinkRetryTarget re-attempts only the sink write of an event a
// buffering sink acknowledged and then failed to flush. Its payload is
// already transformed.
type sinkRetryTarget struct {
	e   *Engine
	def v1.PipelineDefinition
}

func (t *sinkRetryTarget) ID() string { return t.def.ID }

func (t *sinkRetryTarget) Policy() v1.ErrorPolicy { return t.def.ErrorPolicy }

// Republish writes event through the sink currently attached to the
// pipeline. A failed write goes back to the coordinator as the next
// attempt.
func (t *sinkRetryTarget) Republish(ctx context.Context, event *v1.DataEvent) error {
	m, err := t.e.lookup(t.def.ID)
	if err != nil {
		return retry.ErrNotAccepting
	}
	m.op.Lock()
	def, run := m.snapshot()
	m.op.Unlock()
	if run == nil || (def.State != v1.StateActive && def.State != v1.StatePaused) {
		return retry.ErrNotAccepting
	}

	if err := t.e.router.Write(ctx, def.Sink, event.Payload, event, def.Timeout()); err != nil {
		t.e.retries.Handle(ctx, t, event, pipeline.StageSink, err)
	}
	return nil
}

// undelivered hands events a buffering sink could not flush to the
// retry coordinator at the sink stage.
func (e *Engine) undelivered(pipelineID string, events []*v1.DataEvent, cause error) {
	def := v1.PipelineDefinition{ID: pipelineID}
	if m, err := e.lookup(pipelineID); err == nil {
		def = m.snapshotDef()
	}
	e.logger.Warn("sink failed to deliver acknowledged events",
		zap.String("pipeline_id", pipelineID),
		zap.Int("events", len(events)),
		zap.Error(cause),
	)
	t := &sinkRetryTarget{e: e, def: def}
	for _, ev := range events {
		e.retries.Handle(context.Background(), t, ev, pipeline.StageSink, cause)
	}
}
