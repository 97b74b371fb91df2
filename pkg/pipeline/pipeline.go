// Package pipeline implements the per-pipeline runtime.
//
// A running pipeline owns one consumer goroutine reading its source and
// a fixed set of partition workers. Events enter through a bounded
// ingestion channel (fed by the source, manual triggers, retries and
// dead-letter replays) and are routed to a partition by the hash of
// their key, so events sharing a key are processed in arrival order.
//
// Each worker validates the event against the pipeline's schema, applies
// the transformation chain and writes the result to the sink. Any stage
// failure is handed to the failure handler, which decides between a
// retry, a dead letter, an alert or a drop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/retry"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/source"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
)

const (
	DefaultPartitions = 4
	DefaultBufferSize = 1024

	partitionBuffer = 16
)

// Processing stages reported on failures and notifications.
const (
	StageValidate  = "validate"
	StageTransform = "transform"
	StageSink      = "sink"
)

// ErrNotRunning is returned when an operation needs a started pipeline.
var ErrNotRunning = errors.New("pipeline is not running")

// Validator checks payloads against a registered schema version.
type Validator interface {
	ValidateVersion(ctx context.Context, schemaID string, version int, payload map[string]any) (*schema.ValidationResult, error)
}

// SinkWriter delivers transformed payloads.
type SinkWriter interface {
	Write(ctx context.Context, spec v1.SinkSpec, data map[string]any, event *v1.DataEvent, timeout time.Duration) error
}

// FailureHandler applies the error policy to a failed event.
type FailureHandler interface {
	Handle(ctx context.Context, t retry.Target, event *v1.DataEvent, stage string, err error) retry.Decision
}

// Config wires a pipeline to its collaborators.
type Config struct {
	Definition v1.PipelineDefinition
	Source     source.Connector
	Chain      *transform.Chain
	Validator  Validator
	Sink       SinkWriter
	Failures   FailureHandler
	Observer   retry.Observer
	Logger     *zap.Logger

	// Target is what failures are handed to the failure handler as.
	// Defaults to the runtime itself, which stops accepting retries once
	// stopped.
	Target retry.Target

	// OnSourceFailure is called from the consumer goroutine when the
	// source fails after the pipeline started. It must not call Stop
	// synchronously.
	OnSourceFailure func(err error)
}

// Pipeline is the runtime of one started pipeline definition.
type Pipeline struct {
	def       v1.PipelineDefinition
	conn      source.Connector
	chain     *transform.Chain
	validator Validator
	sink      SinkWriter
	failures  FailureHandler
	target    retry.Target
	observer  retry.Observer
	onFailure func(error)
	logger    *zap.Logger

	ingest     chan *v1.DataEvent
	partitions []chan *v1.DataEvent
	gate       *gate

	mu      sync.RWMutex // guards closed and sends on ingest
	closed  bool
	started bool

	ctl            sync.Mutex // serializes lifecycle calls
	consumerCancel context.CancelFunc
	consumerDone   chan struct{}
	workCancel     context.CancelFunc
	group          *errgroup.Group
}

// New builds a pipeline runtime. Nothing runs until Start.
func New(cfg Config) *Pipeline {
	partitions := cfg.Definition.Concurrency.Partitions
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	buffer := cfg.Definition.Concurrency.BufferSize
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	conn := cfg.Source
	if conn == nil {
		conn = source.Manual{}
	}

	p := &Pipeline{
		def:        cfg.Definition,
		conn:       conn,
		chain:      cfg.Chain,
		validator:  cfg.Validator,
		sink:       cfg.Sink,
		failures:   cfg.Failures,
		observer:   cfg.Observer,
		onFailure:  cfg.OnSourceFailure,
		logger:     logging.OrNop(cfg.Logger).Named("pipeline").With(zap.String("pipeline_id", cfg.Definition.ID)),
		ingest:     make(chan *v1.DataEvent, buffer),
		partitions: make([]chan *v1.DataEvent, partitions),
		gate:       newGate(),
	}
	for i := range p.partitions {
		p.partitions[i] = make(chan *v1.DataEvent, partitionBuffer)
	}
	p.target = cfg.Target
	if p.target == nil {
		p.target = p
	}
	return p
}

// ID implements retry.Target.
func (p *Pipeline) ID() string { return p.def.ID }

// Policy implements retry.Target.
func (p *Pipeline) Policy() v1.ErrorPolicy { return p.def.ErrorPolicy }

// Definition returns the definition the runtime was built from.
func (p *Pipeline) Definition() v1.PipelineDefinition { return p.def }

// Start opens the source, starts the partition workers and the consumer.
// A source that cannot be opened is reported as an error and nothing is
// left running.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrNotRunning
	}
	if p.started {
		return nil
	}

	if err := p.conn.Open(ctx); err != nil {
		return fmt.Errorf("open source %s: %w", p.conn.Name(), err)
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.workCancel = cancel
	g, gctx := errgroup.WithContext(workCtx)
	p.group = g

	g.Go(func() error { return p.dispatch(gctx) })
	for _, ch := range p.partitions {
		ch := ch
		g.Go(func() error { return p.work(gctx, ch) })
	}

	p.started = true
	p.startConsumer(workCtx)
	p.logger.Info("pipeline started",
		zap.String("source", p.conn.Name()),
		zap.Int("partitions", len(p.partitions)),
		zap.Int("buffer", cap(p.ingest)),
	)
	return nil
}

// Pause stops reading the source and holds queued events until Resume.
// Retry timers keep firing into the ingestion buffer meanwhile.
func (p *Pipeline) Pause() error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	if !p.started {
		return ErrNotRunning
	}
	p.gate.Close()
	p.stopConsumer()
	p.logger.Info("pipeline paused")
	return nil
}

// Resume reopens the gate and restarts the consumer where it left off.
func (p *Pipeline) Resume(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()
	if !p.started {
		return ErrNotRunning
	}
	p.gate.Open()
	if p.consumerDone == nil {
		p.startConsumer(context.WithoutCancel(ctx))
	}
	p.logger.Info("pipeline resumed")
	return nil
}

// Stop ends consumption, drains every queued event through the workers
// and closes the source. When ctx expires first, in-flight work is
// cancelled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	p.stopConsumer()
	p.gate.Open()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ingest)
	p.mu.Unlock()

	if !p.started {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	var errs []error
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		p.logger.Warn("stop deadline reached, cancelling in-flight events")
		p.workCancel()
		<-done
	}
	p.workCancel()

	if err := p.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source %s: %w", p.conn.Name(), err))
	}
	p.logger.Info("pipeline stopped")
	return errors.Join(errs...)
}

// Ingest queues one event. It blocks while the buffer is full and fails
// with retry.ErrNotAccepting once the pipeline is stopped.
func (p *Pipeline) Ingest(ctx context.Context, e *v1.DataEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return retry.ErrNotAccepting
	}
	if e.PipelineID == "" {
		e.PipelineID = p.def.ID
	}
	select {
	case p.ingest <- e:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.notify(v1.Notification{Kind: v1.NotifyReceived, EventID: e.ID, Attempt: e.ProcessingContext.Attempt})
	return nil
}

// Republish implements retry.Target. Retried events join the back of
// the ingestion buffer.
func (p *Pipeline) Republish(ctx context.Context, e *v1.DataEvent) error {
	return p.Ingest(ctx, e)
}

// Queued returns the number of events waiting in the ingestion buffer.
func (p *Pipeline) Queued() int { return len(p.ingest) }

// ═══════════════════════════════════════════
// Consumer
// ═══════════════════════════════════════════

func (p *Pipeline) startConsumer(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	p.consumerCancel, p.consumerDone = cancel, done

	go func() {
		defer close(done)
		err := p.conn.Run(ctx, p.Ingest)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			p.logger.Error("source failed", zap.String("source", p.conn.Name()), zap.Error(err))
			if p.onFailure != nil {
				p.onFailure(fmt.Errorf("source %s: %w", p.conn.Name(), err))
			}
		default:
			p.logger.Info("source exhausted", zap.String("source", p.conn.Name()))
		}
	}()
}

func (p *Pipeline) stopConsumer() {
	if p.consumerCancel == nil {
		return
	}
	p.consumerCancel()
	<-p.consumerDone
	p.consumerCancel, p.consumerDone = nil, nil
}

// ═══════════════════════════════════════════
// Dispatch and workers
// ═══════════════════════════════════════════

func (p *Pipeline) dispatch(ctx context.Context) error {
	defer func() {
		for _, ch := range p.partitions {
			close(ch)
		}
	}()
	n := uint64(len(p.partitions))
	for e := range p.ingest {
		select {
		case p.partitions[xxhash.Sum64String(e.Key())%n] <- e:
		case <-ctx.Done():
			p.logger.Warn("events abandoned on cancel", zap.Int("queued", len(p.ingest)+1))
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pipeline) work(ctx context.Context, ch <-chan *v1.DataEvent) error {
	for e := range ch {
		select {
		case <-p.gate.Wait():
		case <-ctx.Done():
			return ctx.Err()
		}
		p.process(ctx, e)
	}
	return nil
}

// process runs one event through validation, transformation and the
// sink. e itself is never modified by the stages: a failure hands the
// original to the failure handler so a retry starts from scratch.
func (p *Pipeline) process(ctx context.Context, e *v1.DataEvent) {
	start := time.Now()
	ev := e.Clone()
	ev.ProcessingContext.AppliedTransformations = nil

	if p.def.SchemaID != "" && p.validator != nil {
		ev.ProcessingContext.Stage = StageValidate
		res, err := p.validator.ValidateVersion(ctx, p.def.SchemaID, p.def.SchemaVersion, ev.Payload)
		if err == nil {
			err = res.Err()
		}
		if err != nil {
			p.fail(ctx, e, StageValidate, fmt.Errorf("validate: %w", err))
			return
		}
		for _, w := range res.Warnings {
			p.logger.Debug("quality warning", zap.String("event_id", e.ID), zap.String("issue", w.String()))
		}
		if res.NormalizedPayload != nil {
			ev.Payload = res.NormalizedPayload
		}
		ev.SchemaID, ev.SchemaVersion = res.SchemaID, res.Version
		p.notify(v1.Notification{Kind: v1.NotifyValidated, EventID: e.ID, Stage: StageValidate, Attempt: e.ProcessingContext.Attempt})
	}

	ev.ProcessingContext.Stage = StageTransform
	res, err := p.chain.Apply(ctx, ev)
	if errors.Is(err, transform.ErrFiltered) {
		p.notify(v1.Notification{Kind: v1.NotifyFiltered, EventID: e.ID, Stage: StageTransform, Attempt: e.ProcessingContext.Attempt})
		return
	}
	if err != nil {
		p.fail(ctx, e, StageTransform, err)
		return
	}
	ev.ProcessingContext.AppliedTransformations = res.Applied
	p.notify(v1.Notification{Kind: v1.NotifyTransformed, EventID: e.ID, Stage: StageTransform, Attempt: e.ProcessingContext.Attempt})

	ev.ProcessingContext.Stage = StageSink
	if err := p.sink.Write(ctx, p.def.Sink, res.Payload, ev, p.def.Timeout()); err != nil {
		p.fail(ctx, e, StageSink, err)
		return
	}
	p.notify(v1.Notification{
		Kind:    v1.NotifyDelivered,
		EventID: e.ID,
		Stage:   StageSink,
		Attempt: e.ProcessingContext.Attempt,
		Latency: time.Since(start),
	})
}

func (p *Pipeline) fail(ctx context.Context, e *v1.DataEvent, stage string, err error) {
	p.logger.Debug("stage failed",
		zap.String("event_id", e.ID),
		zap.String("stage", stage),
		zap.Int("attempt", e.ProcessingContext.Attempt),
		zap.Error(err),
	)
	if p.failures == nil {
		p.notify(v1.Notification{Kind: v1.NotifyDropped, EventID: e.ID, Stage: stage, Attempt: e.ProcessingContext.Attempt, Err: err})
		return
	}
	p.failures.Handle(ctx, p.target, e, stage, err)
}

func (p *Pipeline) notify(n v1.Notification) {
	if p.observer == nil {
		return
	}
	n.PipelineID = p.def.ID
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	p.observer.OnEvent(n)
}

// ═══════════════════════════════════════════
// Gate
// ═══════════════════════════════════════════

// gate holds workers while the pipeline is paused. Wait returns a
// channel that is closed while the gate is open.
type gate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func newGate() *gate {
	g := &gate{ch: make(chan struct{}), open: true}
	close(g.ch)
	return g
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		close(g.ch)
		g.open = true
	}
}

func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.ch = make(chan struct{})
		g.open = false
	}
}

func (g *gate) Wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
