// Package engine manages pipeline definitions and their runtimes.
//
// The engine owns the durable definition store, the shared schema
// registry, sink router, retry coordinator and metrics recorder, and
// drives each pipeline through its lifecycle:
//
//	draft ──Start──▶ active ──Pause──▶ paused ──Start──▶ active
//	active|paused ──Stop──▶ stopped ──Start──▶ active
//	active ──source/sink failure──▶ error ──Repair──▶ stopped ──▶ active
//	draft|stopped ──Delete──▶ (gone)
//
// Every other transition fails with ErrIllegalTransition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/alerting"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/deadletter"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/metrics"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/pipeline"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/retry"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/source"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
)

var (
	// ErrNotFound is returned for unknown pipeline ids.
	ErrNotFound = errors.New("pipeline not found")

	// ErrIllegalTransition is returned when a lifecycle operation is not
	// allowed from the pipeline's current state.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNotRunning is returned when events are pushed to a pipeline
	// that is neither active nor paused.
	ErrNotRunning = pipeline.ErrNotRunning
)

const defaultStopTimeout = 30 * time.Second

// SourceBuilder constructs the connector of a pipeline.
type SourceBuilder func(spec v1.SourceSpec, pipelineID string, resolver *sink.Resolver, logger *zap.Logger) (source.Connector, error)

// Engine is the pipeline lifecycle manager.
type Engine struct {
	store    *store.Store
	registry *schema.Registry
	router   *sink.Router
	resolver *sink.Resolver
	dlq      *deadletter.Store
	retries  *retry.Coordinator
	feed     *alerting.Feed
	alerter  alerting.Multi
	recorder *metrics.Recorder

	alerters          []alerting.Alerter
	observers         []retry.Observer
	buildSource       SourceBuilder
	transformOpts     []transform.Option
	defaultPartitions int
	stopTimeout       time.Duration
	logger            *zap.Logger
	now               func() time.Time

	mu        sync.RWMutex
	pipelines map[string]*managed
}

// managed is one registered pipeline. op serializes lifecycle calls;
// mu guards the fields read by status queries so those never wait on a
// draining Stop.
type managed struct {
	op sync.Mutex

	mu      sync.RWMutex
	def     v1.PipelineDefinition
	run     *pipeline.Pipeline
	chain   *transform.Chain
	rules   *alerting.RuleEngine
	lastErr string
}

func (m *managed) snapshot() (v1.PipelineDefinition, *pipeline.Pipeline) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def, m.run
}

func (m *managed) state() v1.PipelineState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.def.State
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the schema registry used for validation and lineage.
// Without one, schema ids on definitions are not enforced.
func WithRegistry(r *schema.Registry) Option { return func(e *Engine) { e.registry = r } }

func WithRouter(r *sink.Router) Option { return func(e *Engine) { e.router = r } }

// WithResolver sets the secret resolver handed to source connectors.
func WithResolver(r *sink.Resolver) Option { return func(e *Engine) { e.resolver = r } }

// WithAlerter adds an alert destination next to the log and the feed.
func WithAlerter(a alerting.Alerter) Option {
	return func(e *Engine) {
		if a != nil {
			e.alerters = append(e.alerters, a)
		}
	}
}

// WithObserver registers an additional stage observer.
func WithObserver(o retry.Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

func WithSourceBuilder(b SourceBuilder) Option { return func(e *Engine) { e.buildSource = b } }

func WithTransformOptions(opts ...transform.Option) Option {
	return func(e *Engine) { e.transformOpts = append(e.transformOpts, opts...) }
}

// WithDefaultPartitions applies to definitions that leave
// concurrency.partitions unset.
func WithDefaultPartitions(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.defaultPartitions = n
		}
	}
}

// WithStopTimeout bounds how long Stop waits for queued events to drain.
func WithStopTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stopTimeout = d
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// New creates an engine backed by db. Call Open to restore persisted
// pipelines.
func New(db *store.Store, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("engine: store is required")
	}
	e := &Engine{
		store:             db,
		feed:              alerting.NewFeed(alerting.DefaultFeedSize),
		recorder:          metrics.NewRecorder(),
		buildSource:       source.Build,
		defaultPartitions: pipeline.DefaultPartitions,
		stopTimeout:       defaultStopTimeout,
		now:               time.Now,
		pipelines:         make(map[string]*managed),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).Named("engine")
	e.alerter = append(alerting.Multi{e.feed, alerting.NewLogAlerter(e.logger)}, e.alerters...)

	if e.resolver == nil {
		e.resolver = sink.NewResolver(nil)
	}
	if e.router == nil {
		e.router = sink.NewRouter(sink.WithResolver(e.resolver), sink.WithLogger(e.logger))
	}
	e.router.OnUndelivered(e.undelivered)
	e.dlq = deadletter.New(db, e.logger)
	e.retries = retry.New(
		retry.WithDeadLetters(e.dlq),
		retry.WithAlerter(e.alerter),
		retry.WithObserver(e),
		retry.WithLogger(e.logger),
	)
	e.transformOpts = append([]transform.Option{transform.WithLogger(e.logger)}, e.transformOpts...)
	return e, nil
}

// Open restores persisted definitions and schemas. Pipelines that were
// running at shutdown come back stopped and must be started again.
func (e *Engine) Open(ctx context.Context) error {
	if e.registry != nil {
		if err := e.registry.Load(ctx); err != nil {
			return err
		}
	}

	var restored []v1.PipelineDefinition
	err := e.store.Scan(store.PrefixPipeline, func(_ string, value []byte) error {
		var def v1.PipelineDefinition
		if err := store.Decode(value, &def); err != nil {
			return err
		}
		restored = append(restored, def)
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore pipelines: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, def := range restored {
		if def.State == v1.StateActive || def.State == v1.StatePaused {
			def.State = v1.StateStopped
			def.UpdatedAt = e.now().UTC()
			if err := e.persist(&def); err != nil {
				return err
			}
		}
		e.pipelines[def.ID] = &managed{def: def}
		e.recorder.Track(def.ID)
	}
	e.logger.Info("pipelines restored", zap.Int("count", len(restored)))
	return nil
}

// Close stops every running pipeline, settles pending retries and closes
// the sinks. The store is left open for its owner to close.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.RLock()
	list := make([]*managed, 0, len(e.pipelines))
	for _, m := range e.pipelines {
		list = append(list, m)
	}
	e.mu.RUnlock()

	var errs []error
	for _, m := range list {
		m.op.Lock()
		if _, run := m.snapshot(); run != nil {
			if err := e.release(ctx, m); err != nil {
				errs = append(errs, err)
			}
		}
		m.op.Unlock()
	}
	if err := e.retries.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.router.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnEvent fans stage notifications out to the recorder and every
// registered observer.
func (e *Engine) OnEvent(n v1.Notification) {
	e.recorder.OnEvent(n)
	for _, o := range e.observers {
		o.OnEvent(n)
	}
}

// Recorder exposes the per-pipeline trackers.
func (e *Engine) Recorder() *metrics.Recorder { return e.recorder }

// Registry returns the schema registry, which may be nil.
func (e *Engine) Registry() *schema.Registry { return e.registry }

func (e *Engine) lookup(id string) (*managed, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m, nil
}

func (e *Engine) all() []*managed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*managed, 0, len(e.pipelines))
	for _, m := range e.pipelines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].snapshotDef(), out[j].snapshotDef()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (m *managed) snapshotDef() v1.PipelineDefinition {
	def, _ := m.snapshot()
	return def
}

func (e *Engine) persist(def *v1.PipelineDefinition) error {
	if err := e.store.Put(storeKey(def.ID), def); err != nil {
		return fmt.Errorf("persist pipeline %s: %w", def.ID, err)
	}
	return nil
}

func storeKey(id string) string { return store.PrefixPipeline + id }
