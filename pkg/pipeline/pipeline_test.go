package pipeline

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
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/metrics"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/retry"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/source"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/transform"
)

type fakeSink struct {
	mu        sync.Mutex
	failFirst int
	calls     int
	events    []*v1.DataEvent
}

func (s *fakeSink) Write(_ context.Context, _ v1.SinkSpec, data map[string]any, e *v1.DataEvent, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failFirst {
		return &sink.WriteError{Sink: "fake", Status: 503, Err: errors.New("unavailable")}
	}
	out := *e
	out.Payload = data
	s.events = append(s.events, &out)
	return nil
}

func (s *fakeSink) delivered() []*v1.DataEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*v1.DataEvent(nil), s.events...)
}

type failures struct {
	mu     sync.Mutex
	stages []string
	errs   []error
}

func (f *failures) Handle(_ context.Context, _ retry.Target, e *v1.DataEvent, stage string, err error) retry.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ProcessingContext.Attempt++
	f.stages = append(f.stages, stage)
	f.errs = append(f.errs, err)
	return retry.Decision{Outcome: retry.OutcomeDropped, Attempt: e.ProcessingContext.Attempt}
}

func (f *failures) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stages)
}

type invalidValidator struct{}

func (invalidValidator) ValidateVersion(_ context.Context, id string, version int, _ map[string]any) (*schema.ValidationResult, error) {
	return &schema.ValidationResult{
		Valid: false, SchemaID: id, Version: 1,
		Errors: []schema.Issue{{Field: "phone", Message: "required field is missing"}},
	}, nil
}

type normalizingValidator struct{}

func (normalizingValidator) ValidateVersion(_ context.Context, id string, _ int, payload map[string]any) (*schema.ValidationResult, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["normalized"] = true
	return &schema.ValidationResult{Valid: true, SchemaID: id, Version: 2, NormalizedPayload: out}, nil
}

// chanSource emits whatever is pushed on its channel.
type chanSource struct {
	events chan map[string]any
	runErr error
	closed bool
}

func (s *chanSource) Open(context.Context) error { return nil }
func (s *chanSource) Close() error               { s.closed = true; return nil }
func (s *chanSource) Name() string               { return "chan" }

func (s *chanSource) Run(ctx context.Context, emit source.Emit) error {
	if s.runErr != nil {
		return s.runErr
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-s.events:
			if err := emit(ctx, &v1.DataEvent{ID: fmt.Sprint(payload["id"]), PartitionKey: fmt.Sprint(payload["key"]), Payload: payload}); err != nil {
				return nil
			}
		}
	}
}

func definition() v1.PipelineDefinition {
	return v1.PipelineDefinition{
		ID:          "p1",
		Name:        "leads",
		Sink:        v1.SinkSpec{Type: v1.SinkStdout},
		Concurrency: v1.ConcurrencySpec{Partitions: 4, BufferSize: 64},
	}
}

func spamFilter(t *testing.T) *transform.Chain {
	t.Helper()
	chain, err := transform.NewChain([]v1.TransformationSpec{
		{ID: "drop-spam", Type: v1.TransformFilter, Config: map[string]any{"expression": "payload.kind != 'spam'"}},
	})
	require.NoError(t, err)
	return chain
}

func start(t *testing.T, p *Pipeline) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
}

func TestKeyOrderAndAppliedTransformations(t *testing.T) {
	out := &fakeSink{}
	rec := metrics.NewRecorder()
	p := New(Config{Definition: definition(), Chain: spamFilter(t), Sink: out, Observer: rec})
	start(t, p)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		kind := "lead"
		if i%10 == 9 {
			kind = "spam"
		}
		require.NoError(t, p.Ingest(ctx, &v1.DataEvent{
			ID:           fmt.Sprintf("e%02d", i),
			PartitionKey: fmt.Sprintf("k%d", i%5),
			Payload:      map[string]any{"seq": i, "kind": kind},
		}))
	}

	require.Eventually(t, func() bool { return len(out.delivered()) == 54 }, 2*time.Second, 5*time.Millisecond)

	last := map[string]int{}
	for _, e := range out.delivered() {
		seq := e.Payload["seq"].(int)
		if prev, ok := last[e.PartitionKey]; ok {
			assert.Greater(t, seq, prev, "events of key %s out of order", e.PartitionKey)
		}
		last[e.PartitionKey] = seq
		assert.Equal(t, []string{"drop-spam"}, e.ProcessingContext.AppliedTransformations)
		assert.Equal(t, "p1", e.PipelineID)
	}

	require.Eventually(t, func() bool {
		c := rec.Track("p1").Counters()
		return c.Filtered == 6 && c.Processed == 54
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(60), rec.Track("p1").Counters().Received)
}

func TestValidationFailureGoesToFailureHandler(t *testing.T) {
	out := &fakeSink{}
	f := &failures{}
	def := definition()
	def.SchemaID = "lead"
	p := New(Config{Definition: def, Validator: invalidValidator{}, Sink: out, Failures: f})
	start(t, p)

	require.NoError(t, p.Ingest(context.Background(), &v1.DataEvent{ID: "e1", Payload: map[string]any{}}))
	require.Eventually(t, func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, StageValidate, f.stages[0])
	var ve *schema.ValidationError
	assert.ErrorAs(t, f.errs[0], &ve)
	assert.False(t, retry.Retryable(f.errs[0]))
	assert.Empty(t, out.delivered())
}

func TestNormalizedPayloadReachesSink(t *testing.T) {
	out := &fakeSink{}
	def := definition()
	def.SchemaID = "lead"
	p := New(Config{Definition: def, Validator: normalizingValidator{}, Sink: out})
	start(t, p)

	require.NoError(t, p.Ingest(context.Background(), &v1.DataEvent{ID: "e1", Payload: map[string]any{"phone": "138"}}))
	require.Eventually(t, func() bool { return len(out.delivered()) == 1 }, time.Second, 5*time.Millisecond)
	e := out.delivered()[0]
	assert.Equal(t, true, e.Payload["normalized"])
	assert.Equal(t, "lead", e.SchemaID)
	assert.Equal(t, 2, e.SchemaVersion)
	assert.Equal(t, StageSink, e.ProcessingContext.Stage)
}

func TestPauseHoldsEventsUntilResume(t *testing.T) {
	out := &fakeSink{}
	p := New(Config{Definition: definition(), Sink: out})
	start(t, p)

	require.NoError(t, p.Pause())
	require.NoError(t, p.Ingest(context.Background(), &v1.DataEvent{ID: "held", Payload: map[string]any{}}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, out.delivered(), "paused pipeline must not deliver")

	require.NoError(t, p.Resume(context.Background()))
	require.Eventually(t, func() bool { return len(out.delivered()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSourceEventsAndResumePosition(t *testing.T) {
	out := &fakeSink{}
	src := &chanSource{events: make(chan map[string]any, 4)}
	p := New(Config{Definition: definition(), Source: src, Sink: out})
	start(t, p)

	src.events <- map[string]any{"id": "a", "key": "x"}
	require.Eventually(t, func() bool { return len(out.delivered()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Pause())
	src.events <- map[string]any{"id": "b", "key": "x"}
	require.NoError(t, p.Resume(context.Background()))
	require.Eventually(t, func() bool { return len(out.delivered()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "b", out.delivered()[1].ID)
}

func TestSourceFailureIsReported(t *testing.T) {
	reported := make(chan error, 1)
	p := New(Config{
		Definition:      definition(),
		Source:          &chanSource{runErr: errors.New("broker unreachable")},
		Sink:            &fakeSink{},
		OnSourceFailure: func(err error) { reported <- err },
	})
	start(t, p)

	select {
	case err := <-reported:
		assert.ErrorContains(t, err, "source chan: broker unreachable")
	case <-time.After(time.Second):
		t.Fatal("source failure not reported")
	}
}

func TestStopDrainsAndRejects(t *testing.T) {
	out := &fakeSink{}
	src := &chanSource{events: make(chan map[string]any)}
	p := New(Config{Definition: definition(), Source: src, Sink: out})
	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Ingest(ctx, &v1.DataEvent{ID: fmt.Sprint(i), Payload: map[string]any{}}))
	}
	require.NoError(t, p.Stop(ctx))
	assert.Len(t, out.delivered(), 20, "queued events drained on stop")
	assert.True(t, src.closed)

	assert.ErrorIs(t, p.Ingest(ctx, &v1.DataEvent{ID: "late"}), retry.ErrNotAccepting)
	assert.NoError(t, p.Stop(ctx), "second stop is a no-op")
	assert.ErrorIs(t, p.Start(ctx), ErrNotRunning)
}

func TestRetriedEventCarriesAttempt(t *testing.T) {
	out := &fakeSink{failFirst: 2}
	rec := metrics.NewRecorder()
	coord := retry.New(retry.WithObserver(rec))
	def := definition()
	def.ErrorPolicy = v1.ErrorPolicy{RetryCount: 3, RetryDelayMs: 1}
	p := New(Config{Definition: def, Sink: out, Failures: coord, Observer: rec})
	start(t, p)

	require.NoError(t, p.Ingest(context.Background(), &v1.DataEvent{ID: "e1", Payload: map[string]any{"n": 1}}))
	require.Eventually(t, func() bool { return len(out.delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)

	e := out.delivered()[0]
	assert.Equal(t, 2, e.ProcessingContext.Attempt)
	c := rec.Track("p1").Counters()
	assert.Equal(t, int64(2), c.Retries)
	assert.Zero(t, c.Errors)
	assert.Equal(t, int64(1), c.Processed)
}
