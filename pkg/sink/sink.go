// Package sink implements the event router and the destination writers.
//
// A pipeline attaches one Writer, built from its SinkSpec, when it starts
// and detaches it when it stops. The router never retries: every error
// or non-success response is returned to the caller as a *WriteError.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotAttached is returned when writing for a pipeline without a sink.
var ErrNotAttached = errors.New("no sink attached")

// Writer delivers events to one destination. Write receives the event
// with its final, transformed payload.
type Writer interface {
	Open(ctx context.Context) error
	Write(ctx context.Context, event *v1.DataEvent) error
	Close() error
	Name() string
}

// UndeliveredFunc receives events a writer acknowledged but could not
// deliver afterwards.
type UndeliveredFunc func(events []*v1.DataEvent, err error)

// Undeliverable is implemented by writers that acknowledge events before
// they reach the destination.
type Undeliverable interface {
	OnUndelivered(fn UndeliveredFunc)
}

// UndeliveredHandler is the router-wide form of UndeliveredFunc.
type UndeliveredHandler func(pipelineID string, events []*v1.DataEvent, err error)

// WriteError is a failed delivery.
type WriteError struct {
	Sink   string
	Status int // HTTP status, when the sink speaks HTTP
	Err    error
}

func (e *WriteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("sink %s: status %d: %v", e.Sink, e.Status, e.Err)
	}
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ═══════════════════════════════════════════
// Router
// ═══════════════════════════════════════════

// Router owns the open writer of every active pipeline.
type Router struct {
	resolver *Resolver
	logger   *zap.Logger
	timeout  time.Duration
	builders map[v1.SinkType]Builder

	mu          sync.RWMutex
	writers     map[string]Writer
	undelivered UndeliveredHandler
}

// Builder constructs a writer for a sink type.
type Builder func(ctx context.Context, spec v1.SinkSpec, pipelineID string, r *Resolver, logger *zap.Logger) (Writer, error)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithResolver sets the secret resolver handed to writers.
func WithResolver(res *Resolver) RouterOption { return func(r *Router) { r.resolver = res } }

func WithLogger(l *zap.Logger) RouterOption { return func(r *Router) { r.logger = l } }

// WithDefaultTimeout bounds writes whose pipeline sets no timeout.
func WithDefaultTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithBuilder registers or replaces the builder of a sink type.
func WithBuilder(t v1.SinkType, b Builder) RouterOption {
	return func(r *Router) { r.builders[t] = b }
}

// NewRouter creates a router with the built-in sink types.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		resolver: NewResolver(nil),
		timeout:  30 * time.Second,
		writers:  make(map[string]Writer),
		builders: map[v1.SinkType]Builder{
			v1.SinkStdout:   buildStdout,
			v1.SinkFile:     buildFile,
			v1.SinkHTTP:     buildHTTP,
			v1.SinkKafka:    buildKafka,
			v1.SinkPostgres: buildPostgres,
			v1.SinkDuckDB:   buildDuckDB,
			v1.SinkS3:       buildS3,
			v1.SinkGCS:      buildGCS,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("sink")
	return r
}

// Build constructs, but does not open, the writer for spec.
func (r *Router) Build(ctx context.Context, spec v1.SinkSpec, pipelineID string) (Writer, error) {
	b, ok := r.builders[spec.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported sink type: %s", spec.Type)
	}
	return b(ctx, spec, pipelineID, r.resolver, r.logger)
}

// OnUndelivered sets the handler for events that buffering writers
// acknowledged but failed to deliver. It applies to writers attached
// afterwards.
func (r *Router) OnUndelivered(h UndeliveredHandler) {
	r.mu.Lock()
	r.undelivered = h
	r.mu.Unlock()
}

// Attach builds and opens the writer of a pipeline.
func (r *Router) Attach(ctx context.Context, pipelineID string, spec v1.SinkSpec) error {
	w, err := r.Build(ctx, spec, pipelineID)
	if err != nil {
		return err
	}
	r.mu.RLock()
	h := r.undelivered
	r.mu.RUnlock()
	if u, ok := w.(Undeliverable); ok && h != nil {
		u.OnUndelivered(func(events []*v1.DataEvent, err error) { h(pipelineID, events, err) })
	}
	if err := w.Open(ctx); err != nil {
		return fmt.Errorf("open sink %s: %w", w.Name(), err)
	}

	r.mu.Lock()
	old := r.writers[pipelineID]
	r.writers[pipelineID] = w
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	r.logger.Info("sink attached", zap.String("pipeline_id", pipelineID), zap.String("sink", w.Name()))
	return nil
}

// Detach closes the writer of a pipeline, flushing buffered output.
func (r *Router) Detach(pipelineID string) error {
	r.mu.Lock()
	w := r.writers[pipelineID]
	delete(r.writers, pipelineID)
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	r.logger.Info("sink detached", zap.String("pipeline_id", pipelineID), zap.String("sink", w.Name()))
	return w.Close()
}

// Write delivers data for event through the pipeline's attached writer
// under a hard timeout. data replaces the event payload on the copy
// that is written.
func (r *Router) Write(ctx context.Context, spec v1.SinkSpec, data map[string]any, event *v1.DataEvent, timeout time.Duration) error {
	r.mu.RLock()
	w := r.writers[event.PipelineID]
	r.mu.RUnlock()
	if w == nil {
		return &WriteError{Sink: string(spec.Type), Err: ErrNotAttached}
	}

	if timeout <= 0 {
		timeout = r.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := *event
	out.Payload = data
	if err := w.Write(ctx, &out); err != nil {
		var we *WriteError
		if errors.As(err, &we) {
			return err
		}
		return &WriteError{Sink: w.Name(), Err: err}
	}
	return nil
}

// Close detaches every writer.
func (r *Router) Close() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.writers))
	for id := range r.writers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		errs = append(errs, r.Detach(id))
	}
	return errors.Join(errs...)
}

// ═══════════════════════════════════════════
// Record shape shared by the writers
// ═══════════════════════════════════════════

// envelope is the JSON document written by http, file and stdout sinks.
type envelope struct {
	PipelineID string         `json:"pipelineId"`
	Data       map[string]any `json:"data"`
	Metadata   map[string]any `json:"metadata"`
}

func metadataOf(e *v1.DataEvent) map[string]any {
	m := map[string]any{
		"eventId":                e.ID,
		"source":                 e.Source,
		"operation":              string(e.Operation),
		"schemaId":               e.SchemaID,
		"schemaVersion":          e.SchemaVersion,
		"timestamp":              e.Timestamp.UTC().Format(time.RFC3339Nano),
		"attempt":                e.ProcessingContext.Attempt,
		"appliedTransformations": e.ProcessingContext.AppliedTransformations,
	}
	for k, v := range e.Metadata {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

func envelopeOf(e *v1.DataEvent) envelope {
	return envelope{PipelineID: e.PipelineID, Data: e.Payload, Metadata: metadataOf(e)}
}

// flatRecord is the row written by bulk sinks: the payload plus
// underscore-prefixed event columns.
func flatRecord(e *v1.DataEvent) map[string]any {
	rec := make(map[string]any, len(e.Payload)+5)
	for k, v := range e.Payload {
		rec[k] = v
	}
	rec["_event_id"] = e.ID
	rec["_pipeline_id"] = e.PipelineID
	rec["_operation"] = string(e.Operation)
	if e.SchemaID != "" {
		rec["_schema"] = fmt.Sprintf("%s@%d", e.SchemaID, e.SchemaVersion)
	}
	if !e.Timestamp.IsZero() {
		rec["_ts"] = e.Timestamp.UTC().Format(time.RFC3339)
	}
	return rec
}

// ═══════════════════════════════════════════
// Stdout sink (debugging)
// ═══════════════════════════════════════════

// StdoutWriter prints one envelope per line.
type StdoutWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutWriter(w io.Writer) *StdoutWriter {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutWriter{w: w}
}

func buildStdout(_ context.Context, _ v1.SinkSpec, _ string, _ *Resolver, _ *zap.Logger) (Writer, error) {
	return NewStdoutWriter(nil), nil
}

func (s *StdoutWriter) Open(context.Context) error { return nil }
func (s *StdoutWriter) Close() error               { return nil }
func (s *StdoutWriter) Name() string               { return "stdout" }

func (s *StdoutWriter) Write(_ context.Context, e *v1.DataEvent) error {
	data, err := json.Marshal(envelopeOf(e))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintf(s.w, "%s\n", data)
	return err
}

// ═══════════════════════════════════════════
// File sink (JSONL archival)
// ═══════════════════════════════════════════

// FileWriter appends one envelope per line to a local file.
//
//	sink:
//	  type: file
//	  config:
//	    path: ./archive/leads.jsonl
type FileWriter struct {
	path string
	mu   sync.Mutex
	file *os.File
}

func NewFileWriter(path string) *FileWriter {
	return &FileWriter{path: path}
}

func buildFile(_ context.Context, spec v1.SinkSpec, _ string, _ *Resolver, _ *zap.Logger) (Writer, error) {
	path := configString(spec.Config, "path")
	if path == "" {
		return nil, fmt.Errorf("file sink requires config.path")
	}
	return NewFileWriter(path), nil
}

func (s *FileWriter) Open(context.Context) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

func (s *FileWriter) Write(_ context.Context, e *v1.DataEvent) error {
	data, err := json.Marshal(envelopeOf(e))
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("file sink not open")
	}
	_, err = s.file.Write(append(data, '\n'))
	return err
}

func (s *FileWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *FileWriter) Name() string { return "file:" + s.path }
