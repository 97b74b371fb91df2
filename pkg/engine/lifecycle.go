package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/alerting"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/config"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/pipeline"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
)

// Create validates def, assigns it an id and stores it in the draft
// state. Invalid definitions fail with an error wrapping
// config.ErrInvalidDefinition.
func (e *Engine) Create(_ context.Context, def v1.PipelineDefinition) (v1.PipelineDefinition, error) {
	res := config.ValidateDefinition(&def)
	if err := res.Err(); err != nil {
		return v1.PipelineDefinition{}, err
	}
	for _, w := range res.Warnings {
		e.logger.Debug("definition warning", zap.String("pipeline", def.Name), zap.String("issue", w.String()))
	}

	now := e.now().UTC()
	def.ID = uuid.NewString()
	def.State = v1.StateDraft
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := e.persist(&def); err != nil {
		return v1.PipelineDefinition{}, err
	}

	e.mu.Lock()
	e.pipelines[def.ID] = &managed{def: def}
	e.mu.Unlock()
	e.recorder.Track(def.ID)

	e.logger.Info("pipeline created",
		zap.String("pipeline_id", def.ID),
		zap.String("name", def.Name),
		zap.String("source", string(def.Source.Type)),
		zap.String("sink", string(def.Sink.Type)),
	)
	return def, nil
}

// Start activates a draft, stopped or paused pipeline. Starting an
// active pipeline is a no-op. When the source or sink cannot be opened
// the pipeline moves to the error state and the cause is returned.
func (e *Engine) Start(ctx context.Context, id string) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.op.Lock()
	defer m.op.Unlock()

	def, run := m.snapshot()
	switch def.State {
	case v1.StateActive:
		e.logger.Warn("pipeline already active", zap.String("pipeline_id", id))
		return nil
	case v1.StatePaused:
		if err := run.Resume(ctx); err != nil {
			return err
		}
		return e.transition(m, v1.StateActive, "")
	case v1.StateDraft, v1.StateStopped:
		return e.attach(ctx, m)
	default:
		return illegal(def.State, "start")
	}
}

// Pause suspends consumption of an active pipeline. The source keeps
// its read position and pending retries keep firing into the held
// ingestion buffer.
func (e *Engine) Pause(_ context.Context, id string) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.op.Lock()
	defer m.op.Unlock()

	def, run := m.snapshot()
	if def.State != v1.StateActive {
		return illegal(def.State, "pause")
	}
	if err := run.Pause(); err != nil {
		return err
	}
	return e.transition(m, v1.StatePaused, "")
}

// Stop drains an active or paused pipeline and releases its source and
// sink.
func (e *Engine) Stop(ctx context.Context, id string) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.op.Lock()
	defer m.op.Unlock()

	if st := m.state(); st != v1.StateActive && st != v1.StatePaused {
		return illegal(st, "stop")
	}
	releaseErr := e.release(ctx, m)
	if err := e.transition(m, v1.StateStopped, ""); err != nil {
		return err
	}
	return releaseErr
}

// Repair recovers a pipeline in the error state: leftover resources are
// released, error counters and the recent-errors buffer are cleared,
// and the pipeline passes through stopped back to active.
func (e *Engine) Repair(ctx context.Context, id string) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.op.Lock()
	defer m.op.Unlock()

	if st := m.state(); st != v1.StateError {
		return illegal(st, "repair")
	}
	if err := e.release(ctx, m); err != nil {
		e.logger.Warn("repair released with errors", zap.String("pipeline_id", id), zap.Error(err))
	}
	e.recorder.Track(id).ResetErrors()
	if err := e.transition(m, v1.StateStopped, ""); err != nil {
		return err
	}
	return e.attach(ctx, m)
}

// Delete removes a stopped or draft pipeline. Its dead letters are kept.
func (e *Engine) Delete(_ context.Context, id string) error {
	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	m.op.Lock()
	defer m.op.Unlock()

	if st := m.state(); st != v1.StateStopped && st != v1.StateDraft {
		return illegal(st, "delete")
	}
	if err := e.store.Delete(storeKey(id)); err != nil {
		return fmt.Errorf("delete pipeline %s: %w", id, err)
	}

	e.mu.Lock()
	delete(e.pipelines, id)
	e.mu.Unlock()
	e.recorder.Remove(id)
	e.logger.Info("pipeline deleted", zap.String("pipeline_id", id))
	return nil
}

// ═══════════════════════════════════════════
// Runtime wiring
// ═══════════════════════════════════════════

// attach builds and starts the runtime of m. Callers hold m.op.
func (e *Engine) attach(ctx context.Context, m *managed) error {
	def, _ := m.snapshot()
	id := def.ID

	runDef := def
	if runDef.Concurrency.Partitions == 0 {
		runDef.Concurrency.Partitions = e.defaultPartitions
	}

	conn, err := e.buildSource(def.Source, id, e.resolver, e.logger)
	if err != nil {
		return e.failStart(m, fmt.Errorf("build source: %w", err))
	}
	chain, err := transform.NewChain(def.Transformations, e.transformOpts...)
	if err != nil {
		return e.failStart(m, fmt.Errorf("build transformations: %w", err))
	}
	if err := e.router.Attach(ctx, id, def.Sink); err != nil {
		_ = chain.Close()
		return e.failStart(m, fmt.Errorf("attach sink: %w", err))
	}

	var validator pipeline.Validator
	if e.registry != nil {
		validator = e.registry
	}

	var run *pipeline.Pipeline
	run = pipeline.New(pipeline.Config{
		Definition: runDef,
		Source:     conn,
		Chain:      chain,
		Validator:  validator,
		Sink:       e.router,
		Failures:   e.retries,
		Observer:   e,
		Logger:     e.logger,
		Target:     &retryTarget{e: e, id: id, policy: def.ErrorPolicy},
		OnSourceFailure: func(err error) {
			go e.sourceFailed(id, run, err)
		},
	})
	if err := run.Start(ctx); err != nil {
		_ = e.router.Detach(id)
		_ = chain.Close()
		return e.failStart(m, err)
	}

	var rules *alerting.RuleEngine
	if def.Monitoring != nil {
		rules = alerting.NewRuleEngine(id, def.Monitoring.Alerts, e.alerter, e.logger)
	}

	m.mu.Lock()
	m.run, m.chain, m.rules = run, chain, rules
	m.mu.Unlock()
	return e.transition(m, v1.StateActive, "")
}

// release stops the runtime of m, if any, and frees its sink and
// transformation resources. Callers hold m.op.
func (e *Engine) release(ctx context.Context, m *managed) error {
	m.mu.Lock()
	id := m.def.ID
	run, chain := m.run, m.chain
	m.run, m.chain, m.rules = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	if run != nil {
		stopCtx, cancel := context.WithTimeout(ctx, e.stopTimeout)
		if err := run.Stop(stopCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := e.router.Detach(id); err != nil {
		errs = append(errs, fmt.Errorf("detach sink: %w", err))
	}
	if err := chain.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transformations: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Engine) failStart(m *managed, cause error) error {
	id := m.snapshotDef().ID
	e.logger.Error("pipeline failed to start", zap.String("pipeline_id", id), zap.Error(cause))
	e.raise(id, cause)
	if err := e.transition(m, v1.StateError, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return fmt.Errorf("start %s: %w", id, cause)
}

// sourceFailed moves a pipeline to the error state after its source
// failed. A stale runtime (already replaced or stopped) is ignored.
func (e *Engine) sourceFailed(id string, run *pipeline.Pipeline, cause error) {
	m, err := e.lookup(id)
	if err != nil {
		return
	}
	m.op.Lock()
	defer m.op.Unlock()

	if _, current := m.snapshot(); current != run {
		return
	}
	if err := e.release(context.Background(), m); err != nil {
		e.logger.Warn("release after source failure", zap.String("pipeline_id", id), zap.Error(err))
	}
	e.raise(id, cause)
	if err := e.transition(m, v1.StateError, cause.Error()); err != nil {
		e.logger.Error("state not persisted", zap.String("pipeline_id", id), zap.Error(err))
	}
}

func (e *Engine) raise(id string, cause error) {
	e.alerter.Send(context.Background(), v1.Alert{
		Type:       alerting.TypePipelineState,
		Severity:   alerting.SeverityCritical,
		PipelineID: id,
		Error:      cause.Error(),
		Timestamp:  e.now().UTC(),
		Data:       map[string]any{"state": string(v1.StateError)},
	})
}

// transition records the new state, persists the definition and
// publishes a state_changed notification.
func (e *Engine) transition(m *managed, to v1.PipelineState, lastErr string) error {
	m.mu.Lock()
	from := m.def.State
	m.def.State = to
	m.def.UpdatedAt = e.now().UTC()
	m.lastErr = lastErr
	def := m.def
	m.mu.Unlock()

	e.OnEvent(v1.Notification{
		Kind:       v1.NotifyStateChanged,
		PipelineID: def.ID,
		From:       from,
		To:         to,
		Time:       def.UpdatedAt,
	})
	e.logger.Info("pipeline state changed",
		zap.String("pipeline_id", def.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return e.persist(&def)
}

func illegal(from v1.PipelineState, op string) error {
	return fmt.Errorf("%w: cannot %s a pipeline in state %s", ErrIllegalTransition, op, from)
}
