package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/alerting"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/deadletter"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
)

type recorder struct {
	mu    sync.Mutex
	kinds []v1.NotificationKind
}

func (r *recorder) OnEvent(n v1.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, n.Kind)
}

func (r *recorder) count(k v1.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, kind := range r.kinds {
		if kind == k {
			n++
		}
	}
	return n
}

// target re-runs a failing stage whenever an event is republished.
type target struct {
	id        string
	policy    v1.ErrorPolicy
	coord     *Coordinator
	stageErr  error
	reject    error
	mu        sync.Mutex
	attempts  []int
	republish int
}

func (t *target) ID() string             { return t.id }
func (t *target) Policy() v1.ErrorPolicy { return t.policy }

func (t *target) Republish(ctx context.Context, e *v1.DataEvent) error {
	if t.reject != nil {
		return t.reject
	}
	t.mu.Lock()
	t.republish++
	t.mu.Unlock()
	t.run(ctx, e)
	return nil
}

func (t *target) run(ctx context.Context, e *v1.DataEvent) {
	t.mu.Lock()
	t.attempts = append(t.attempts, e.ProcessingContext.Attempt)
	t.mu.Unlock()
	t.coord.Handle(ctx, t, e, "sink", t.stageErr)
}

func (t *target) republished() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.republish
}

func newDeadLetters(t *testing.T) *deadletter.Store {
	t.Helper()
	db, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return deadletter.New(db, nil)
}

func event() *v1.DataEvent {
	return &v1.DataEvent{
		ID: "e1", PipelineID: "p1", Timestamp: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Payload: map[string]any{"phone": "138"},
	}
}

func TestRetryExhaustionDeadLettersOnce(t *testing.T) {
	dlq := newDeadLetters(t)
	obs := &recorder{}
	c := New(WithDeadLetters(dlq), WithObserver(obs))
	tg := &target{
		id:       "p1",
		policy:   v1.ErrorPolicy{RetryCount: 2, RetryDelayMs: 1, UseDeadLetterQueue: true},
		coord:    c,
		stageErr: &sink.WriteError{Sink: "http", Status: 500, Err: errors.New("boom")},
	}

	tg.run(context.Background(), event())

	require.Eventually(t, func() bool { return obs.count(v1.NotifyDeadLettered) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2}, tg.attempts, "three attempts")
	assert.Equal(t, 2, tg.republished(), "two retries")
	assert.Equal(t, 2, obs.count(v1.NotifyRetried))
	assert.Equal(t, 3, obs.count(v1.NotifyFailed))

	recs, err := dlq.List(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "e1", rec.EventID)
	assert.Equal(t, 2, rec.Metadata.RetryCount)
	assert.Equal(t, "sink", rec.Metadata.Stage)
	assert.Equal(t, 3, rec.Event.ProcessingContext.Attempt)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), rec.Metadata.OriginalTimestamp.UTC())
	assert.Equal(t, []string{"sink http: status 500", "boom"}, rec.Metadata.Trace)
	assert.Zero(t, c.Pending())
}

func TestValidationFailuresAreNotRetried(t *testing.T) {
	dlq := newDeadLetters(t)
	c := New(WithDeadLetters(dlq))
	tg := &target{id: "p1", policy: v1.ErrorPolicy{RetryCount: 5, RetryDelayMs: 1, UseDeadLetterQueue: true}, coord: c}

	ev := event()
	err := fmt.Errorf("validate: %w", &schema.ValidationError{SchemaID: "lead", Version: 1})
	d := c.Handle(context.Background(), tg, ev, "validate", err)

	assert.Equal(t, OutcomeDeadLettered, d.Outcome)
	assert.Equal(t, 1, d.Attempt)
	assert.Zero(t, c.Pending())
	_, getErr := dlq.Get(context.Background(), "p1", "e1")
	assert.NoError(t, getErr)
}

func TestAlertThenDrop(t *testing.T) {
	feed := alerting.NewFeed(10)
	obs := &recorder{}
	c := New(WithAlerter(feed), WithObserver(obs))
	stageErr := errors.New("enrich failed")

	d := c.Handle(context.Background(), &target{id: "p1", policy: v1.ErrorPolicy{AlertOnError: true}}, event(), "transform", stageErr)
	assert.Equal(t, OutcomeAlerted, d.Outcome)
	alerts := feed.Recent("p1", 0)
	require.Len(t, alerts, 1)
	assert.Equal(t, alerting.TypePipelineError, alerts[0].Type)
	assert.Equal(t, alerting.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "e1", alerts[0].EventID)
	assert.Equal(t, "enrich failed", alerts[0].Error)
	assert.Equal(t, map[string]any{"phone": "138"}, alerts[0].Data["payload"])

	d = c.Handle(context.Background(), &target{id: "p1"}, event(), "transform", stageErr)
	assert.Equal(t, OutcomeDropped, d.Outcome)
	assert.Equal(t, 1, obs.count(v1.NotifyAlerted))
	assert.Equal(t, 1, obs.count(v1.NotifyDropped))
}

func TestRetryAfterStopFallsBackToDeadLetter(t *testing.T) {
	dlq := newDeadLetters(t)
	obs := &recorder{}
	c := New(WithDeadLetters(dlq), WithObserver(obs))
	tg := &target{
		id:     "p1",
		policy: v1.ErrorPolicy{RetryCount: 3, RetryDelayMs: 1, UseDeadLetterQueue: true},
		coord:  c,
		reject: ErrNotAccepting,
	}

	d := c.Handle(context.Background(), tg, event(), "sink", errors.New("timeout"))
	assert.Equal(t, OutcomeRetried, d.Outcome)
	assert.Equal(t, time.Millisecond, d.Delay)

	require.Eventually(t, func() bool { return obs.count(v1.NotifyDeadLettered) == 1 }, time.Second, 5*time.Millisecond)
	n, err := dlq.Count("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCloseSettlesPendingRetries(t *testing.T) {
	dlq := newDeadLetters(t)
	c := New(WithDeadLetters(dlq))
	tg := &target{id: "p1", policy: v1.ErrorPolicy{RetryCount: 1, RetryDelayMs: 60_000, UseDeadLetterQueue: true}, coord: c}

	d := c.Handle(context.Background(), tg, event(), "sink", errors.New("down"))
	require.Equal(t, OutcomeRetried, d.Outcome)
	require.Equal(t, 1, c.Pending())

	require.NoError(t, c.Close())
	assert.Zero(t, c.Pending())
	assert.Zero(t, tg.republished())
	n, err := dlq.Count("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d = c.Handle(context.Background(), tg, event(), "sink", errors.New("down"))
	assert.Equal(t, OutcomeDeadLettered, d.Outcome, "a closed coordinator schedules nothing")
}

func TestBackoffAndRetryable(t *testing.T) {
	p := v1.ErrorPolicy{RetryDelayMs: 500}
	assert.Equal(t, 500*time.Millisecond, Backoff(p, 1))
	assert.Equal(t, time.Second, Backoff(p, 2))
	assert.Equal(t, 2*time.Second, Backoff(p, 3))
	assert.Equal(t, 500*time.Millisecond, Backoff(p, 0))

	assert.True(t, Retryable(&sink.WriteError{Sink: "kafka", Err: context.DeadlineExceeded}))
	assert.True(t, Retryable(&transform.StepError{StepID: "geo", Err: errors.New("lookup")}))
	assert.False(t, Retryable(&schema.ValidationError{}))
	assert.False(t, Retryable(fmt.Errorf("load: %w", schema.ErrNotFound)))
	assert.False(t, Retryable(nil))
}
