package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newRecorder(c *clock) *Recorder {
	r := NewRecorder()
	r.now = c.now
	return r
}

func TestRecorderCountsOutcomes(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 8, 0, 30, 0, time.UTC)}
	r := newRecorder(c)

	for i := 0; i < 4; i++ {
		r.OnEvent(v1.Notification{Kind: v1.NotifyReceived, PipelineID: "p1"})
	}
	r.OnEvent(v1.Notification{Kind: v1.NotifyDelivered, PipelineID: "p1", Latency: 10 * time.Millisecond})
	r.OnEvent(v1.Notification{Kind: v1.NotifyDelivered, PipelineID: "p1", Latency: 20 * time.Millisecond})
	r.OnEvent(v1.Notification{Kind: v1.NotifyFiltered, PipelineID: "p1"})
	r.OnEvent(v1.Notification{Kind: v1.NotifyFailed, PipelineID: "p1", Err: errors.New("ignored")})
	r.OnEvent(v1.Notification{Kind: v1.NotifyRetried, PipelineID: "p1", EventID: "e9", Stage: "sink", Attempt: 1, Err: errors.New("timeout"), Time: c.t})
	r.OnEvent(v1.Notification{Kind: v1.NotifyDeadLettered, PipelineID: "p1", EventID: "e9", Stage: "sink", Attempt: 2, Err: errors.New("timeout"), Time: c.t})
	r.OnEvent(v1.Notification{Kind: v1.NotifyDelivered, PipelineID: ""})

	st := r.Track("p1").Status(v1.StateActive)
	assert.Equal(t, int64(2), st.ProcessedCount)
	assert.Equal(t, int64(1), st.ErrorCount)
	assert.Equal(t, int64(1), st.FilteredCount)
	assert.Equal(t, int64(1), st.RetryCount)
	assert.Equal(t, int64(1), st.DeadLetterCount)
	assert.InDelta(t, 12.0, st.Metrics.LatencyMs, 1e-9, "0.2*20 + 0.8*10")
	assert.InDelta(t, 66.666, st.Metrics.SuccessRate, 0.01)
	assert.Equal(t, "timeout", st.LastError)
	require.Len(t, st.RecentErrors, 2)
	assert.Equal(t, "retried", st.RecentErrors[0].Outcome)
	assert.Equal(t, "dead_lettered", st.RecentErrors[1].Outcome)
	require.NotNil(t, st.LastEventAt)
	assert.Equal(t, []string{"p1"}, r.IDs())
}

func TestRetriedEventsAreReceivedOnce(t *testing.T) {
	r := newRecorder(&clock{t: time.Now()})
	r.OnEvent(v1.Notification{Kind: v1.NotifyReceived, PipelineID: "p1", EventID: "e1"})
	r.OnEvent(v1.Notification{Kind: v1.NotifyReceived, PipelineID: "p1", EventID: "e1", Attempt: 1})
	r.OnEvent(v1.Notification{Kind: v1.NotifyReceived, PipelineID: "p1", EventID: "e1", Attempt: 2})
	r.OnEvent(v1.Notification{Kind: v1.NotifyReceived, PipelineID: "p1", EventID: "e2"})

	assert.Equal(t, int64(2), r.Track("p1").Counters().Received)
}

func TestSuccessRateDefaultsToHundred(t *testing.T) {
	st := NewTracker("p").Status(v1.StateDraft)
	assert.Equal(t, 100.0, st.Metrics.SuccessRate)
	assert.Empty(t, st.RecentErrors)
	assert.Nil(t, st.StartedAt)
}

func TestRecentErrorsRingIsBounded(t *testing.T) {
	tr := NewTracker("p")
	for i := 0; i < RecentErrorsSize+5; i++ {
		tr.retried(v1.ErrorRecord{Attempt: i})
	}
	recs := tr.RecentErrors()
	require.Len(t, recs, RecentErrorsSize)
	assert.Equal(t, 5, recs[0].Attempt, "oldest five evicted")
	assert.Equal(t, RecentErrorsSize+4, recs[len(recs)-1].Attempt)
}

func TestResetErrorsKeepsProcessed(t *testing.T) {
	tr := NewTracker("p")
	tr.delivered(time.Millisecond)
	tr.failed(v1.ErrorRecord{Error: "x"}, true)
	tr.ResetErrors()

	c := tr.Counters()
	assert.Equal(t, int64(1), c.Processed)
	assert.Zero(t, c.Errors)
	assert.Zero(t, c.DeadLettered)
	assert.Empty(t, tr.RecentErrors())
	assert.Empty(t, tr.Status(v1.StateStopped).LastError)
}

func TestRangeAndThroughput(t *testing.T) {
	c := &clock{t: time.Date(2024, 5, 1, 8, 0, 10, 0, time.UTC)}
	tr := NewTracker("p")
	tr.now = c.now

	for i := 0; i < 120; i++ {
		tr.delivered(4 * time.Millisecond)
	}
	c.t = c.t.Add(time.Minute)
	tr.delivered(8 * time.Millisecond)
	tr.failed(v1.ErrorRecord{}, false)

	assert.InDelta(t, 2.0, tr.Throughput(), 1e-9, "previous full minute")

	m := tr.Range(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), c.t)
	require.Len(t, m.Samples, 2)
	assert.Equal(t, int64(121), m.Processed)
	assert.Equal(t, int64(1), m.Errors)
	assert.InDelta(t, 4.0, m.Samples[0].LatencyMs, 1e-9)
	assert.Equal(t, int64(1), m.Samples[1].Errors)

	m = tr.Range(c.t.Truncate(time.Minute), c.t)
	assert.Len(t, m.Samples, 1)

	c.t = c.t.Add(Retention + time.Minute)
	tr.delivered(time.Millisecond)
	assert.Len(t, tr.Range(time.Time{}, c.t).Samples, 1, "expired buckets dropped")
}

type statuses []v1.PipelineStatus

func (s statuses) Statuses() []v1.PipelineStatus { return s }

func TestAggregateAndCollect(t *testing.T) {
	src := statuses{
		{PipelineID: "a", State: v1.StateActive, ProcessedCount: 90, ErrorCount: 10, Metrics: v1.StatusMetrics{LatencyMs: 30, SuccessRate: 90}},
		{PipelineID: "b", State: v1.StatePaused, ProcessedCount: 10, Metrics: v1.StatusMetrics{LatencyMs: 10, SuccessRate: 100}},
		{PipelineID: "c", State: v1.StateDraft, Metrics: v1.StatusMetrics{SuccessRate: 100}},
	}

	var published []v1.MetricsSnapshot
	prom := NewPrometheusPublisher()
	r := NewReporter(src,
		WithInterval(time.Hour),
		WithPublisher(prom),
		WithPublisher(NewLogPublisher(nil)),
		WithPublisher(PublisherFunc(func(_ context.Context, s v1.MetricsSnapshot, _ []v1.PipelineStatus) error {
			published = append(published, s)
			return errors.New("collector offline")
		})),
	)
	assert.Nil(t, r.Last())

	snap := r.Collect(context.Background())
	assert.Equal(t, 3, snap.TotalPipelines)
	assert.Equal(t, 1, snap.ActiveCount)
	assert.Equal(t, 1, snap.ByState[v1.StatePaused])
	assert.Equal(t, int64(100), snap.TotalProcessed)
	assert.Equal(t, int64(10), snap.TotalErrors)
	assert.InDelta(t, 40.0/3, snap.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 290.0/3, snap.AvgSuccessRate, 1e-9)
	require.Len(t, published, 1, "publisher errors are logged, not fatal")
	require.NotNil(t, r.Last())

	expected := `
# HELP schemaflow_events_processed Events delivered to the sink.
# TYPE schemaflow_events_processed gauge
schemaflow_events_processed{pipeline="a"} 90
schemaflow_events_processed{pipeline="b"} 10
schemaflow_events_processed{pipeline="c"} 0
`
	assert.NoError(t, testutil.GatherAndCompare(prom.Registry(), strings.NewReader(expected), "schemaflow_events_processed"))

	empty := Aggregate(nil, time.Now())
	assert.Equal(t, 100.0, empty.AvgSuccessRate)
}

func TestReporterRunStopsOnCancel(t *testing.T) {
	r := NewReporter(statuses{}, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Last() != nil }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reporter did not stop")
	}
}
