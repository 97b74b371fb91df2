package metrics

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// Recorder routes pipeline notifications to per-pipeline trackers.
type Recorder struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	now      func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{trackers: make(map[string]*Tracker), now: time.Now}
}

// Track returns the tracker of a pipeline, creating it if needed.
func (r *Recorder) Track(pipelineID string) *Tracker {
	r.mu.RLock()
	t, ok := r.trackers[pipelineID]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.trackers[pipelineID]; ok {
		return t
	}
	t = NewTracker(pipelineID)
	t.now = r.now
	r.trackers[pipelineID] = t
	return t
}

// Lookup returns the tracker of a pipeline if one exists.
func (r *Recorder) Lookup(pipelineID string) (*Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.trackers[pipelineID]
	return t, ok
}

// Remove forgets a pipeline.
func (r *Recorder) Remove(pipelineID string) {
	r.mu.Lock()
	delete(r.trackers, pipelineID)
	r.mu.Unlock()
}

// IDs lists tracked pipelines in sorted order.
func (r *Recorder) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.trackers))
	for id := range r.trackers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// OnEvent implements the observer contract of the pipeline runtime and
// the retry coordinator.
func (r *Recorder) OnEvent(n v1.Notification) {
	if n.PipelineID == "" {
		return
	}
	t := r.Track(n.PipelineID)

	switch n.Kind {
	case v1.NotifyReceived:
		// Retries re-enter the ingestion buffer with a non-zero attempt.
		if n.Attempt == 0 {
			t.received1()
		}
	case v1.NotifyDelivered:
		t.delivered(n.Latency)
	case v1.NotifyFiltered:
		t.filtered1()
	case v1.NotifyRetried:
		t.retried(errorRecord(n, "retried"))
	case v1.NotifyDeadLettered:
		t.failed(errorRecord(n, "dead_lettered"), true)
	case v1.NotifyAlerted:
		t.failed(errorRecord(n, "alerted"), false)
	case v1.NotifyDropped:
		t.failed(errorRecord(n, "dropped"), false)
	case v1.NotifyStateChanged:
		if n.To == v1.StateActive {
			at := n.Time
			if at.IsZero() {
				at = r.now()
			}
			t.MarkStarted(at)
		}
	}
}

func errorRecord(n v1.Notification, outcome string) v1.ErrorRecord {
	rec := v1.ErrorRecord{
		EventID:   n.EventID,
		Stage:     n.Stage,
		Attempt:   n.Attempt,
		Outcome:   outcome,
		Timestamp: n.Time.UTC(),
	}
	if n.Err != nil {
		rec.Error = n.Err.Error()
	}
	return rec
}
