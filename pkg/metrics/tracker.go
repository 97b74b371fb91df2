// Package metrics aggregates per-pipeline counters and publishes engine
// snapshots on an interval.
//
// Trackers are written by their own pipeline only, through the
// notifications it emits, and read by the reporter without taking the
// pipeline's locks. Readers may see slightly stale values.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

const (
	// RecentErrorsSize bounds the recent-errors ring of each pipeline.
	RecentErrorsSize = 100
	// BucketWidth is the resolution of the time-ranged metrics.
	BucketWidth = time.Minute
	// Retention is how long buckets are kept.
	Retention = 24 * time.Hour

	ewmaAlpha = 0.2
)

// Counters is a lock-free read of a tracker.
type Counters struct {
	Received     int64
	Processed    int64
	Errors       int64
	Filtered     int64
	Retries      int64
	DeadLettered int64
	LatencyMs    float64
}

// SuccessRate returns processed / (processed + errors) as a percentage;
// 100 when nothing has completed yet.
func (c Counters) SuccessRate() float64 {
	total := c.Processed + c.Errors
	if total == 0 {
		return 100
	}
	return float64(c.Processed) / float64(total) * 100
}

type bucket struct {
	start      time.Time
	processed  int64
	errors     int64
	filtered   int64
	latencySum float64
	latencyN   int64
}

// Tracker holds the runtime metrics of one pipeline.
type Tracker struct {
	pipelineID string
	now        func() time.Time

	received     atomic.Int64
	processed    atomic.Int64
	errors       atomic.Int64
	filtered     atomic.Int64
	retries      atomic.Int64
	deadLettered atomic.Int64
	latency      atomic.Uint64 // float64 bits, EWMA in ms
	startedAt    atomic.Int64  // unix nanos
	lastEventAt  atomic.Int64  // unix nanos

	mu        sync.Mutex
	ring      []v1.ErrorRecord
	next      int
	filled    bool
	lastError string
	buckets   []bucket // oldest first
}

// NewTracker creates an empty tracker.
func NewTracker(pipelineID string) *Tracker {
	return &Tracker{pipelineID: pipelineID, now: time.Now, ring: make([]v1.ErrorRecord, RecentErrorsSize)}
}

// MarkStarted records the time the pipeline became active.
func (t *Tracker) MarkStarted(at time.Time) { t.startedAt.Store(at.UnixNano()) }

func (t *Tracker) received1() {
	t.received.Add(1)
	t.lastEventAt.Store(t.now().UnixNano())
}

func (t *Tracker) delivered(latency time.Duration) {
	t.processed.Add(1)
	ms := float64(latency) / float64(time.Millisecond)
	for {
		old := t.latency.Load()
		cur := math.Float64frombits(old)
		next := ms
		if old != 0 {
			next = ewmaAlpha*ms + (1-ewmaAlpha)*cur
		}
		if t.latency.CompareAndSwap(old, math.Float64bits(next)) {
			break
		}
	}
	t.addToBucket(func(b *bucket) {
		b.processed++
		b.latencySum += ms
		b.latencyN++
	})
}

func (t *Tracker) filtered1() {
	t.filtered.Add(1)
	t.addToBucket(func(b *bucket) { b.filtered++ })
}

func (t *Tracker) retried(rec v1.ErrorRecord) {
	t.retries.Add(1)
	t.addError(rec)
}

// failed records a final failure outcome.
func (t *Tracker) failed(rec v1.ErrorRecord, deadLettered bool) {
	t.errors.Add(1)
	if deadLettered {
		t.deadLettered.Add(1)
	}
	t.addError(rec)
	t.addToBucket(func(b *bucket) { b.errors++ })
}

func (t *Tracker) addError(rec v1.ErrorRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = rec
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.filled = true
	}
	t.lastError = rec.Error
}

func (t *Tracker) addToBucket(fn func(*bucket)) {
	now := t.now().UTC()
	start := now.Truncate(BucketWidth)

	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.buckets); n == 0 || t.buckets[n-1].start.Before(start) {
		t.buckets = append(t.buckets, bucket{start: start})
	}
	fn(&t.buckets[len(t.buckets)-1])

	cutoff := start.Add(-Retention)
	drop := 0
	for drop < len(t.buckets) && !t.buckets[drop].start.After(cutoff) {
		drop++
	}
	if drop > 0 {
		t.buckets = append(t.buckets[:0], t.buckets[drop:]...)
	}
}

// ResetErrors clears the error counters and the recent-errors ring.
func (t *Tracker) ResetErrors() {
	t.errors.Store(0)
	t.retries.Store(0)
	t.deadLettered.Store(0)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring = make([]v1.ErrorRecord, RecentErrorsSize)
	t.next, t.filled = 0, false
	t.lastError = ""
	for i := range t.buckets {
		t.buckets[i].errors = 0
	}
}

// Counters reads every counter without locking.
func (t *Tracker) Counters() Counters {
	return Counters{
		Received:     t.received.Load(),
		Processed:    t.processed.Load(),
		Errors:       t.errors.Load(),
		Filtered:     t.filtered.Load(),
		Retries:      t.retries.Load(),
		DeadLettered: t.deadLettered.Load(),
		LatencyMs:    math.Float64frombits(t.latency.Load()),
	}
}

// RecentErrors returns the ring content, oldest first.
func (t *Tracker) RecentErrors() []v1.ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.filled {
		return append([]v1.ErrorRecord(nil), t.ring[:t.next]...)
	}
	out := make([]v1.ErrorRecord, 0, len(t.ring))
	out = append(out, t.ring[t.next:]...)
	return append(out, t.ring[:t.next]...)
}

// Throughput returns delivered events per second over the last full
// minute, or over the current minute when no earlier bucket exists.
func (t *Tracker) Throughput() float64 {
	now := t.now().UTC()
	current := now.Truncate(BucketWidth)

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.buckets) - 1; i >= 0; i-- {
		b := t.buckets[i]
		switch {
		case b.start.Equal(current.Add(-BucketWidth)):
			return float64(b.processed) / BucketWidth.Seconds()
		case b.start.Equal(current) && i == 0:
			if elapsed := now.Sub(current).Seconds(); elapsed >= 1 {
				return float64(b.processed) / elapsed
			}
			return float64(b.processed)
		}
	}
	return 0
}

// Status builds the status view of the pipeline in the given state.
func (t *Tracker) Status(state v1.PipelineState) v1.PipelineStatus {
	c := t.Counters()
	st := v1.PipelineStatus{
		PipelineID:        t.pipelineID,
		State:             state,
		ProcessedCount:    c.Processed,
		ErrorCount:        c.Errors,
		FilteredCount:     c.Filtered,
		RetryCount:        c.Retries,
		DeadLetterCount:   c.DeadLettered,
		CurrentThroughput: t.Throughput(),
		Metrics:           v1.StatusMetrics{LatencyMs: c.LatencyMs, SuccessRate: c.SuccessRate()},
		RecentErrors:      t.RecentErrors(),
	}
	t.mu.Lock()
	st.LastError = t.lastError
	t.mu.Unlock()
	if ns := t.startedAt.Load(); ns != 0 {
		ts := time.Unix(0, ns).UTC()
		st.StartedAt = &ts
	}
	if ns := t.lastEventAt.Load(); ns != 0 {
		ts := time.Unix(0, ns).UTC()
		st.LastEventAt = &ts
	}
	return st
}

// Range returns the samples whose bucket starts within [from, to].
func (t *Tracker) Range(from, to time.Time) v1.PipelineMetrics {
	out := v1.PipelineMetrics{PipelineID: t.pipelineID, From: from, To: to, Samples: []v1.MetricsSample{}}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.buckets {
		if b.start.Before(from.Truncate(BucketWidth)) || b.start.After(to) {
			continue
		}
		s := v1.MetricsSample{
			Timestamp:  b.start,
			Processed:  b.processed,
			Errors:     b.errors,
			Filtered:   b.filtered,
			Throughput: float64(b.processed) / BucketWidth.Seconds(),
		}
		if b.latencyN > 0 {
			s.LatencyMs = b.latencySum / float64(b.latencyN)
		}
		out.Processed += b.processed
		out.Errors += b.errors
		out.Samples = append(out.Samples, s)
	}
	return out
}
