// Package retry decides what happens to an event after a stage failure:
// a delayed re-publish to its pipeline, a dead-letter record, an alert,
// or a drop.
//
// Retry timers run independently of the pipeline's consumer, so pausing
// or stopping a pipeline does not abandon an event mid-backoff. A timer
// that fires while its target accepts no events settles the event
// through the terminal policy instead.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/alerting"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/deadletter"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
)

// ErrNotAccepting is returned by Target.Republish when the pipeline has
// no runtime able to take the event.
var ErrNotAccepting = errors.New("pipeline is not accepting events")

// Target is the pipeline an event belongs to.
type Target interface {
	ID() string
	Policy() v1.ErrorPolicy
	Republish(ctx context.Context, event *v1.DataEvent) error
}

// DeadLetters is the dead-letter destination.
type DeadLetters interface {
	Put(ctx context.Context, rec v1.DeadLetterRecord) error
}

// Observer receives one notification per decision.
type Observer interface {
	OnEvent(n v1.Notification)
}

// Outcome is the decision taken for one failure.
type Outcome string

const (
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeAlerted      Outcome = "alerted"
	OutcomeDropped      Outcome = "dropped"
)

// Decision describes how a failure was handled.
type Decision struct {
	Outcome Outcome
	Attempt int
	Delay   time.Duration
}

// Retryable reports whether a stage error may succeed on a later
// attempt. Structural and error-severity quality failures cannot, and
// neither can a schema that does not exist.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *schema.ValidationError
	switch {
	case errors.As(err, &ve):
		return false
	case errors.Is(err, schema.ErrNotFound):
		return false
	case errors.Is(err, transform.ErrFiltered):
		return false
	}
	return true
}

// Backoff returns retryDelayMs * 2^(attempt-1).
func Backoff(policy v1.ErrorPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return time.Duration(policy.RetryDelayMs) * time.Millisecond << shift
}

// Coordinator applies error policies. One coordinator serves every
// pipeline of an engine.
type Coordinator struct {
	dlq      DeadLetters
	alerter  alerting.Alerter
	observer Observer
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[*pending]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type pending struct {
	timer  *time.Timer
	target Target
	event  *v1.DataEvent
	stage  string
	err    error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithDeadLetters(d DeadLetters) Option { return func(c *Coordinator) { c.dlq = d } }

func WithAlerter(a alerting.Alerter) Option { return func(c *Coordinator) { c.alerter = a } }

func WithObserver(o Observer) Option { return func(c *Coordinator) { c.observer = o } }

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.logger = l } }

// New creates a coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{now: time.Now, pending: make(map[*pending]struct{})}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger).Named("retry")
	return c
}

// Handle decides the fate of event after stageErr. It increments the
// event's attempt counter and never returns an error: every outcome is
// reported to the observer.
//
// Priority: retry, then dead letter, then alert, then drop.
func (c *Coordinator) Handle(ctx context.Context, t Target, event *v1.DataEvent, stage string, stageErr error) Decision {
	event.ProcessingContext.Attempt++
	event.ProcessingContext.Stage = stage
	attempt := event.ProcessingContext.Attempt
	policy := t.Policy()

	c.notify(v1.Notification{Kind: v1.NotifyFailed, PipelineID: t.ID(), EventID: event.ID, Stage: stage, Attempt: attempt, Err: stageErr})

	if Retryable(stageErr) && attempt <= policy.RetryCount {
		delay := Backoff(policy, attempt)
		if c.schedule(t, event, stage, stageErr, delay) {
			c.logger.Debug("retry scheduled",
				zap.String("pipeline_id", t.ID()),
				zap.String("event_id", event.ID),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			c.notify(v1.Notification{Kind: v1.NotifyRetried, PipelineID: t.ID(), EventID: event.ID, Stage: stage, Attempt: attempt, Delay: delay, Err: stageErr})
			return Decision{Outcome: OutcomeRetried, Attempt: attempt, Delay: delay}
		}
	}
	return c.finish(ctx, t, event, stage, stageErr)
}

// finish applies the terminal part of the policy.
func (c *Coordinator) finish(ctx context.Context, t Target, event *v1.DataEvent, stage string, stageErr error) Decision {
	policy := t.Policy()
	attempt := event.ProcessingContext.Attempt
	n := v1.Notification{PipelineID: t.ID(), EventID: event.ID, Stage: stage, Attempt: attempt, Err: stageErr}

	if policy.UseDeadLetterQueue && c.dlq != nil {
		rec := v1.DeadLetterRecord{
			PipelineID: t.ID(),
			EventID:    event.ID,
			Event:      *event.Clone(),
			Error:      stageErr.Error(),
			Metadata: v1.DeadLetterMetadata{
				Message:           stageErr.Error(),
				Trace:             deadletter.Trace(stageErr),
				Stage:             stage,
				RetryCount:        attempt - 1,
				OriginalTimestamp: event.Timestamp,
				FailedAt:          c.now().UTC(),
			},
		}
		err := c.dlq.Put(ctx, rec)
		if err == nil {
			n.Kind = v1.NotifyDeadLettered
			c.notify(n)
			return Decision{Outcome: OutcomeDeadLettered, Attempt: attempt}
		}
		c.logger.Error("dead letter write failed",
			zap.String("pipeline_id", t.ID()),
			zap.String("event_id", event.ID),
			zap.Error(err),
		)
		stageErr = fmt.Errorf("%w (dead letter write failed: %v)", stageErr, err)
		n.Err = stageErr
	}

	if policy.AlertOnError && c.alerter != nil {
		c.alerter.Send(ctx, v1.Alert{
			Type:       alerting.TypePipelineError,
			Severity:   alerting.SeverityCritical,
			PipelineID: t.ID(),
			EventID:    event.ID,
			Error:      stageErr.Error(),
			Timestamp:  c.now().UTC(),
			Data: map[string]any{
				"stage":   stage,
				"attempt": attempt,
				"payload": event.Payload,
			},
		})
		n.Kind = v1.NotifyAlerted
		c.notify(n)
		return Decision{Outcome: OutcomeAlerted, Attempt: attempt}
	}

	c.logger.Warn("event dropped",
		zap.String("pipeline_id", t.ID()),
		zap.String("event_id", event.ID),
		zap.String("stage", stage),
		zap.Int("attempt", attempt),
		zap.Error(stageErr),
	)
	n.Kind = v1.NotifyDropped
	c.notify(n)
	return Decision{Outcome: OutcomeDropped, Attempt: attempt}
}

func (c *Coordinator) schedule(t Target, event *v1.DataEvent, stage string, stageErr error, delay time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	p := &pending{target: t, event: event, stage: stage, err: stageErr}
	c.pending[p] = struct{}{}
	c.wg.Add(1)
	p.timer = time.AfterFunc(delay, func() { c.fire(p) })
	return true
}

func (c *Coordinator) fire(p *pending) {
	defer c.wg.Done()
	c.mu.Lock()
	_, live := c.pending[p]
	delete(c.pending, p)
	c.mu.Unlock()
	if !live {
		return
	}

	ctx := context.Background()
	err := p.target.Republish(ctx, p.event)
	if err == nil {
		return
	}
	c.logger.Warn("retry could not re-enter its pipeline",
		zap.String("pipeline_id", p.target.ID()),
		zap.String("event_id", p.event.ID),
		zap.Error(err),
	)
	c.finish(ctx, p.target, p.event, p.stage, p.err)
}

// Pending returns the number of scheduled retries.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close cancels every scheduled retry and settles each event through
// the terminal policy, then waits for running timers.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	var stopped []*pending
	for p := range c.pending {
		if p.timer.Stop() {
			stopped = append(stopped, p)
			delete(c.pending, p)
			c.wg.Done()
		}
	}
	c.mu.Unlock()

	for _, p := range stopped {
		c.finish(context.Background(), p.target, p.event, p.stage, p.err)
	}
	c.wg.Wait()
	return nil
}

func (c *Coordinator) notify(n v1.Notification) {
	if c.observer == nil {
		return
	}
	if n.Time.IsZero() {
		n.Time = c.now()
	}
	c.observer.OnEvent(n)
}
