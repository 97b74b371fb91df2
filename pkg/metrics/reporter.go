package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

// DefaultInterval is the reporting period when none is configured.
const DefaultInterval = 60 * time.Second

// StatusSource lists the current status of every pipeline.
type StatusSource interface {
	Statuses() []v1.PipelineStatus
}

// Publisher receives each snapshot. Publishers must return quickly.
type Publisher interface {
	Publish(ctx context.Context, snap v1.MetricsSnapshot, statuses []v1.PipelineStatus) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, snap v1.MetricsSnapshot, statuses []v1.PipelineStatus) error

func (f PublisherFunc) Publish(ctx context.Context, snap v1.MetricsSnapshot, statuses []v1.PipelineStatus) error {
	return f(ctx, snap, statuses)
}

// Reporter periodically builds and publishes engine-wide snapshots.
type Reporter struct {
	source     StatusSource
	publishers []Publisher
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
	last       atomic.Pointer[v1.MetricsSnapshot]
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

func WithInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithPublisher(p Publisher) ReporterOption {
	return func(r *Reporter) {
		if p != nil {
			r.publishers = append(r.publishers, p)
		}
	}
}

func WithReporterLogger(l *zap.Logger) ReporterOption {
	return func(r *Reporter) { r.logger = l }
}

// NewReporter creates a reporter reading from source.
func NewReporter(source StatusSource, opts ...ReporterOption) *Reporter {
	r := &Reporter{source: source, interval: DefaultInterval, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("metrics")
	return r
}

// Run publishes a snapshot every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Collect(ctx)
		}
	}
}

// Collect builds one snapshot and hands it to every publisher.
func (r *Reporter) Collect(ctx context.Context) v1.MetricsSnapshot {
	statuses := r.source.Statuses()
	snap := Aggregate(statuses, r.now().UTC())
	r.last.Store(&snap)
	for _, p := range r.publishers {
		if err := p.Publish(ctx, snap, statuses); err != nil {
			r.logger.Warn("metrics publish failed", zap.Error(err))
		}
	}
	return snap
}

// Last returns the most recent snapshot, or nil before the first one.
func (r *Reporter) Last() *v1.MetricsSnapshot {
	return r.last.Load()
}

// Aggregate folds pipeline statuses into a snapshot. Averages are taken
// over every pipeline; with no pipelines the success rate is 100.
func Aggregate(statuses []v1.PipelineStatus, at time.Time) v1.MetricsSnapshot {
	snap := v1.MetricsSnapshot{
		Timestamp:      at,
		TotalPipelines: len(statuses),
		ByState:        make(map[v1.PipelineState]int),
		AvgSuccessRate: 100,
	}
	if len(statuses) == 0 {
		return snap
	}
	var latency, success float64
	for _, st := range statuses {
		snap.ByState[st.State]++
		if st.State == v1.StateActive {
			snap.ActiveCount++
		}
		snap.TotalProcessed += st.ProcessedCount
		snap.TotalErrors += st.ErrorCount
		latency += st.Metrics.LatencyMs
		success += st.Metrics.SuccessRate
	}
	n := float64(len(statuses))
	snap.AvgLatencyMs = latency / n
	snap.AvgSuccessRate = success / n
	return snap
}

// ═══════════════════════════════════════════
// Publishers
// ═══════════════════════════════════════════

// LogPublisher writes each snapshot as one structured log line.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(l *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrNop(l).Named("metrics")}
}

func (p *LogPublisher) Publish(_ context.Context, snap v1.MetricsSnapshot, _ []v1.PipelineStatus) error {
	fields := []zap.Field{
		zap.Int("total_pipelines", snap.TotalPipelines),
		zap.Int("active", snap.ActiveCount),
		zap.Int64("processed", snap.TotalProcessed),
		zap.Int64("errors", snap.TotalErrors),
		zap.Float64("avg_latency_ms", snap.AvgLatencyMs),
		zap.Float64("avg_success_rate", snap.AvgSuccessRate),
	}
	for state, n := range snap.ByState {
		fields = append(fields, zap.Int("state_"+string(state), n))
	}
	p.logger.Info("metrics snapshot", fields...)
	return nil
}

// PrometheusPublisher mirrors snapshots into gauges on its own registry.
type PrometheusPublisher struct {
	registry *prometheus.Registry

	pipelines   prometheus.Gauge
	byState     *prometheus.GaugeVec
	processed   *prometheus.GaugeVec
	errors      *prometheus.GaugeVec
	filtered    *prometheus.GaugeVec
	retries     *prometheus.GaugeVec
	deadLetters *prometheus.GaugeVec
	throughput  *prometheus.GaugeVec
	latency     *prometheus.GaugeVec
	success     *prometheus.GaugeVec
}

// NewPrometheusPublisher registers the schemaflow gauges.
func NewPrometheusPublisher() *PrometheusPublisher {
	perPipeline := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "schemaflow",
			Name:      name,
			Help:      help,
		}, []string{"pipeline"})
	}
	p := &PrometheusPublisher{
		registry: prometheus.NewRegistry(),
		pipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "schemaflow", Name: "pipelines", Help: "Registered pipelines.",
		}),
		byState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "schemaflow", Name: "pipelines_by_state", Help: "Pipelines per lifecycle state.",
		}, []string{"state"}),
		processed:   perPipeline("events_processed", "Events delivered to the sink."),
		errors:      perPipeline("events_failed", "Events that exhausted their error policy."),
		filtered:    perPipeline("events_filtered", "Events removed by a filter step."),
		retries:     perPipeline("retries", "Scheduled retries."),
		deadLetters: perPipeline("dead_letters", "Events written to the dead-letter store."),
		throughput:  perPipeline("throughput_events_per_second", "Delivered events per second."),
		latency:     perPipeline("latency_milliseconds", "Moving average of end-to-end latency."),
		success:     perPipeline("success_rate_percent", "Delivered share of completed events."),
	}
	p.registry.MustRegister(
		p.pipelines, p.byState, p.processed, p.errors, p.filtered,
		p.retries, p.deadLetters, p.throughput, p.latency, p.success,
	)
	return p
}

// Registry exposes the registry for the /metrics handler.
func (p *PrometheusPublisher) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusPublisher) Publish(_ context.Context, snap v1.MetricsSnapshot, statuses []v1.PipelineStatus) error {
	p.pipelines.Set(float64(snap.TotalPipelines))
	p.byState.Reset()
	for _, state := range []v1.PipelineState{v1.StateDraft, v1.StateActive, v1.StatePaused, v1.StateStopped, v1.StateError} {
		p.byState.WithLabelValues(string(state)).Set(float64(snap.ByState[state]))
	}

	for _, vec := range []*prometheus.GaugeVec{p.processed, p.errors, p.filtered, p.retries, p.deadLetters, p.throughput, p.latency, p.success} {
		vec.Reset()
	}
	for _, st := range statuses {
		id := st.PipelineID
		p.processed.WithLabelValues(id).Set(float64(st.ProcessedCount))
		p.errors.WithLabelValues(id).Set(float64(st.ErrorCount))
		p.filtered.WithLabelValues(id).Set(float64(st.FilteredCount))
		p.retries.WithLabelValues(id).Set(float64(st.RetryCount))
		p.deadLetters.WithLabelValues(id).Set(float64(st.DeadLetterCount))
		p.throughput.WithLabelValues(id).Set(st.CurrentThroughput)
		p.latency.WithLabelValues(id).Set(st.Metrics.LatencyMs)
		p.success.WithLabelValues(id).Set(st.Metrics.SuccessRate)
	}
	return nil
}
