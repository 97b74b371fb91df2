package alerting

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

func TestFeedKeepsNewestFirst(t *testing.T) {
	f := NewFeed(3)
	for i, id := range []string{"a", "b", "a", "c"} {
		f.Send(context.Background(), v1.Alert{PipelineID: id, Error: string(rune('0' + i))})
	}

	all := f.Recent("", 0)
	require.Len(t, all, 3, "oldest alert evicted")
	assert.Equal(t, []string{"3", "2", "1"}, []string{all[0].Error, all[1].Error, all[2].Error})

	onlyA := f.Recent("a", 0)
	require.Len(t, onlyA, 1)
	assert.Equal(t, "2", onlyA[0].Error)

	assert.Len(t, f.Recent("", 2), 2)
}

func TestMultiSkipsNil(t *testing.T) {
	f1, f2 := NewFeed(4), NewFeed(4)
	var nilSlack *SlackAlerter
	Multi{f1, nil, nilSlack, f2}.Send(context.Background(), v1.Alert{PipelineID: "p"})
	assert.Len(t, f1.Recent("", 0), 1)
	assert.Len(t, f2.Recent("", 0), 1)
}

func TestSlackAlerterPostsAttachment(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
	}))
	defer srv.Close()

	a := NewSlackAlerter(srv.URL, WithChannel("#data"), WithMinSeverity(SeverityWarning))
	require.NotNil(t, a)

	a.Send(context.Background(), v1.Alert{Type: TypeRule, Severity: SeverityInfo, PipelineID: "p1"})
	a.Send(context.Background(), v1.Alert{
		Type: TypePipelineError, Severity: SeverityCritical, PipelineID: "p1", EventID: "e1",
		Error: "sink http: status 500", Data: map[string]any{"stage": "sink"},
	})
	a.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1, "info alert is below the minimum severity")
	assert.Contains(t, bodies[0], `"channel":"#data"`)
	assert.Contains(t, bodies[0], colorRed)
	assert.Contains(t, bodies[0], "pipeline_error: p1")
	assert.Contains(t, bodies[0], `"title":"stage","value":"sink"`)
}

func TestNilSlackAlerter(t *testing.T) {
	a := NewSlackAlerter("")
	assert.Nil(t, a)
	a.Send(context.Background(), v1.Alert{})
	a.Wait()
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule(v1.AlertRuleSpec{Name: "slow", Type: "latency", Threshold: "250ms"})
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, r.LatencyThreshold)
	assert.Equal(t, SeverityWarning, r.Severity)

	r, err = ParseRule(v1.AlertRuleSpec{Name: "errors", Type: "error_rate", Threshold: "0.5%"})
	require.NoError(t, err)
	assert.InDelta(t, 0.005, r.RateThreshold, 1e-9)

	_, err = ParseRule(v1.AlertRuleSpec{Name: "v", Type: "volume", Threshold: "-50"})
	assert.Error(t, err)
	_, err = ParseRule(v1.AlertRuleSpec{Name: "x", Type: "freshness", Threshold: "1m"})
	assert.Error(t, err)
}

func TestRuleEngineThresholdsAndCooldown(t *testing.T) {
	feed := NewFeed(10)
	e := NewRuleEngine("p1", []v1.AlertRuleSpec{
		{Name: "slow", Type: "latency", Threshold: "100ms", Severity: SeverityCritical},
		{Name: "errors", Type: "error_rate", Threshold: "10%"},
		{Name: "broken", Type: "nope", Threshold: "1"},
	}, feed, nil)
	require.NotNil(t, e)
	assert.Len(t, e.rules, 2)

	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	healthy := v1.PipelineStatus{ProcessedCount: 100, ErrorCount: 1, Metrics: v1.StatusMetrics{LatencyMs: 20}}
	assert.Empty(t, e.Evaluate(context.Background(), healthy))

	bad := v1.PipelineStatus{ProcessedCount: 80, ErrorCount: 20, Metrics: v1.StatusMetrics{LatencyMs: 150}}
	fired := e.Evaluate(context.Background(), bad)
	require.Len(t, fired, 2)
	assert.Equal(t, SeverityCritical, fired[0].Severity)
	assert.Equal(t, TypeRule, fired[0].Type)
	assert.Contains(t, fired[1].Error, "error rate 20.00%")
	assert.Len(t, feed.Recent("p1", 0), 2)

	now = now.Add(time.Minute)
	assert.Empty(t, e.Evaluate(context.Background(), bad), "cooldown suppresses repeats")

	now = now.Add(ruleCooldown)
	assert.Len(t, e.Evaluate(context.Background(), bad), 2)
}

func TestRuleEngineVolumeDrop(t *testing.T) {
	e := NewRuleEngine("p1", []v1.AlertRuleSpec{{Name: "drop", Type: "volume", Threshold: "-50%"}}, nil, nil)
	require.NotNil(t, e)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	eval := func(total int64) []v1.Alert {
		now = now.Add(time.Minute)
		return e.Evaluate(context.Background(), v1.PipelineStatus{ProcessedCount: total})
	}
	assert.Empty(t, eval(0))    // baseline
	assert.Empty(t, eval(600))  // 10 evt/s, no previous rate
	assert.Empty(t, eval(1080)) // 8 evt/s, -20%
	fired := eval(1140)         // 1 evt/s, -87.5%
	require.Len(t, fired, 1)
	assert.Contains(t, fired[0].Error, "volume change -87.5%")
}

func TestNilRuleEngine(t *testing.T) {
	assert.Nil(t, NewRuleEngine("p1", nil, nil, nil))
	var e *RuleEngine
	assert.Nil(t, e.Evaluate(context.Background(), v1.PipelineStatus{}))
}
