// Package transform implements the transformation engine.
//
// A pipeline's transformation list compiles into a Chain. Each step is a
// function from payload to payload; steps run in list order and the
// output of one feeds the next. A filter step ends the chain with
// ErrFiltered.
package transform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/expr"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

// ErrFiltered reports that a filter step rejected the event. It is an
// outcome, not a failure.
var ErrFiltered = errors.New("event filtered")

// StepError is a failure of one named step.
type StepError struct {
	StepID string
	Type   v1.TransformationType
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("transformation %q (%s): %v", e.StepID, e.Type, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Func is a single step. It must not mutate its input map.
type Func func(ctx context.Context, event *v1.DataEvent, payload map[string]any) (map[string]any, error)

// Chain is an ordered sequence of steps applied to each event.
type Chain struct {
	steps  []step
	logger *zap.Logger
}

type step struct {
	id       string
	typ      v1.TransformationType
	fn       Func
	optional *expr.Program
	always   bool
	closer   func() error
}

// Result is the outcome of applying a chain.
type Result struct {
	Payload map[string]any
	// Applied lists the ids of steps that ran to completion, in order.
	Applied []string
}

// NewChain builds a Chain from a list of transformation specs.
func NewChain(specs []v1.TransformationSpec, opts ...Option) (*Chain, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).Named("transform")

	chain := &Chain{logger: o.logger}
	for i, spec := range specs {
		id := spec.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", spec.Type, i)
		}
		s := step{id: id, typ: spec.Type}
		fn, closer, err := buildStep(id, spec, o)
		if err != nil {
			_ = chain.Close()
			return nil, fmt.Errorf("transformation %q: %w", id, err)
		}
		s.fn, s.closer = fn, closer

		switch cond := strings.TrimSpace(spec.OptionalCondition); strings.ToLower(cond) {
		case "":
		case "always", "true":
			s.always = true
		default:
			p, err := expr.Compile(cond)
			if err != nil {
				_ = chain.Close()
				return nil, fmt.Errorf("transformation %q optionalCondition: %w", id, err)
			}
			s.optional = p
		}
		chain.steps = append(chain.steps, s)
	}
	return chain, nil
}

// Apply runs every step on a copy of event.Payload. A filtered event
// returns ErrFiltered together with the steps applied so far.
func (c *Chain) Apply(ctx context.Context, event *v1.DataEvent) (*Result, error) {
	res := &Result{Payload: event.Payload, Applied: []string{}}
	if c == nil {
		return res, nil
	}

	current := event.Payload
	for _, s := range c.steps {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out, err := s.fn(ctx, event, current)
		if errors.Is(err, ErrFiltered) {
			return res, ErrFiltered
		}
		if err != nil {
			if c.skippable(s, current) {
				c.logger.Warn("optional transformation skipped",
					zap.String("pipeline_id", event.PipelineID),
					zap.String("event_id", event.ID),
					zap.String("step", s.id),
					zap.Error(err))
				continue
			}
			return res, &StepError{StepID: s.id, Type: s.typ, Err: err}
		}
		current = out
		res.Payload = out
		res.Applied = append(res.Applied, s.id)
	}
	return res, nil
}

func (c *Chain) skippable(s step, payload map[string]any) bool {
	if s.always {
		return true
	}
	if s.optional == nil {
		return false
	}
	ok, err := s.optional.EvalBool(map[string]any{"payload": payload})
	return err == nil && ok
}

// Len returns the number of steps in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.steps)
}

// IDs returns the step ids in order.
func (c *Chain) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, len(c.steps))
	for i, s := range c.steps {
		ids[i] = s.id
	}
	return ids
}

// Close releases plugin runtimes held by the chain.
func (c *Chain) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for _, s := range c.steps {
		if s.closer != nil {
			errs = append(errs, s.closer())
		}
	}
	return errors.Join(errs...)
}

// ═══════════════════════════════════════════
// Options
// ═══════════════════════════════════════════

type options struct {
	piiSalt     string
	logger      *zap.Logger
	httpClient  *http.Client
	httpTimeout time.Duration
}

type Option func(*options)

func defaultOptions() *options {
	return &options{
		piiSalt:     "schemaflow-default-salt",
		httpClient:  http.DefaultClient,
		httpTimeout: 5 * time.Second,
	}
}

// WithPIISalt sets the salt prepended before hashing "hash" mappings.
func WithPIISalt(salt string) Option {
	return func(o *options) { o.piiSalt = salt }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHTTPClient sets the client used by http enrichments.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithHTTPTimeout sets the default timeout of http enrichments.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpTimeout = d
		}
	}
}

// ═══════════════════════════════════════════
// Step builders
// ═══════════════════════════════════════════

func buildStep(id string, spec v1.TransformationSpec, o *options) (Func, func() error, error) {
	switch spec.Type {

	case v1.TransformFilter:
		fn, err := filterStep(spec.Config)
		return fn, nil, err

	case v1.TransformMap:
		fn, err := mapStep(spec.Config, o.piiSalt)
		return fn, nil, err

	case v1.TransformEnrich:
		fn, err := enrichStep(id, spec.Config, o)
		return fn, nil, err

	case v1.TransformAggregate, v1.TransformJoin:
		return unimplementedStep(id, spec.Type, o.logger), nil, nil

	case v1.TransformPlugin:
		path, _ := spec.Config["path"].(string)
		if path == "" {
			return nil, nil, fmt.Errorf("plugin transformation requires config.path (path to .wasm file)")
		}
		funcName, _ := spec.Config["function"].(string)
		wt, err := NewWASMTransform(path, funcName)
		if err != nil {
			return nil, nil, fmt.Errorf("wasm plugin: %w", err)
		}
		return wt.Func(), wt.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported transformation type: %s", spec.Type)
	}
}

// decodeConfig copies a loosely typed config map into a typed struct.
func decodeConfig(cfg map[string]any, out any) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(cfg)
	if err != nil {
		return err
	}
	return jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, out)
}

// conditionVars is the variable set seen by filter and compute
// expressions.
func conditionVars(event *v1.DataEvent, payload map[string]any) map[string]any {
	return map[string]any{
		"payload": payload,
		"event": map[string]any{
			"id":            event.ID,
			"pipelineId":    event.PipelineID,
			"source":        event.Source,
			"operation":     string(event.Operation),
			"schemaId":      event.SchemaID,
			"schemaVersion": event.SchemaVersion,
			"attempt":       event.ProcessingContext.Attempt,
		},
	}
}

// filterStep keeps events for which config.expression holds.
//
//	type: filter
//	config:
//	  expression: payload.status != 'spam' && len(payload.phone) >= 11
func filterStep(cfg map[string]any) (Func, error) {
	src, _ := cfg["expression"].(string)
	if src == "" {
		src, _ = cfg["condition"].(string)
	}
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("filter requires config.expression")
	}
	p, err := expr.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", src, err)
	}
	return func(_ context.Context, event *v1.DataEvent, payload map[string]any) (map[string]any, error) {
		keep, err := p.EvalBool(conditionVars(event, payload))
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, ErrFiltered
		}
		return payload, nil
	}, nil
}

// fieldMapping is one row of a map step.
type fieldMapping struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	Transform    string `json:"transform"`
	Default      any    `json:"default"`
	Format       string `json:"format"`
	DeleteSource bool   `json:"deleteSource"`
}

var mapKinds = map[string]bool{
	"": true, "string": true, "number": true, "boolean": true, "date": true,
	"upper": true, "lower": true, "trim": true, "default": true, "hash": true, "mask": true,
}

// mapStep copies and converts fields.
//
//	type: map
//	config:
//	  mappings:
//	    - {source: mobile, target: phone, transform: trim, deleteSource: true}
//	    - {source: id_card, target: id_card, transform: hash}
func mapStep(cfg map[string]any, salt string) (Func, error) {
	var c struct {
		Mappings []fieldMapping `json:"mappings"`
	}
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, fmt.Errorf("map config: %w", err)
	}
	if len(c.Mappings) == 0 {
		return nil, fmt.Errorf("map requires config.mappings")
	}
	for i, m := range c.Mappings {
		if m.Source == "" {
			return nil, fmt.Errorf("mappings[%d].source is required", i)
		}
		if !mapKinds[m.Transform] {
			return nil, fmt.Errorf("mappings[%d].transform %q is not supported", i, m.Transform)
		}
		if c.Mappings[i].Target == "" {
			c.Mappings[i].Target = m.Source
		}
	}

	return func(_ context.Context, _ *v1.DataEvent, payload map[string]any) (map[string]any, error) {
		result := copyMap(payload)
		for _, m := range c.Mappings {
			v, ok := payload[m.Source]
			if !ok || v == nil {
				if m.Default != nil {
					result[m.Target] = m.Default
				}
				continue
			}
			out, err := convert(v, m, salt)
			if err != nil {
				return nil, fmt.Errorf("map %s -> %s: %w", m.Source, m.Target, err)
			}
			if m.DeleteSource && m.Source != m.Target {
				delete(result, m.Source)
			}
			result[m.Target] = out
		}
		return result, nil
	}, nil
}

func convert(v any, m fieldMapping, salt string) (any, error) {
	str := stringify(v)
	switch m.Transform {
	case "", "default":
		if m.Transform == "default" && str == "" && m.Default != nil {
			return m.Default, nil
		}
		return v, nil
	case "string":
		return str, nil
	case "number":
		f, ok := expr.ToNumber(v)
		if !ok {
			return nil, fmt.Errorf("%q is not a number", str)
		}
		return f, nil
	case "boolean":
		if b, ok := v.(bool); ok {
			return b, nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(str))
		if err != nil {
			return nil, fmt.Errorf("%q is not a boolean", str)
		}
		return b, nil
	case "date":
		t, err := parseDate(v)
		if err != nil {
			return nil, err
		}
		if m.Format != "" {
			return t.Format(m.Format), nil
		}
		return t.Format(time.RFC3339), nil
	case "upper":
		return strings.ToUpper(str), nil
	case "lower":
		return strings.ToLower(str), nil
	case "trim":
		return strings.TrimSpace(str), nil
	case "hash":
		h := sha256.Sum256([]byte(salt + str))
		return hex.EncodeToString(h[:8]), nil
	case "mask":
		return maskValue(str), nil
	}
	return v, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
}

func parseDate(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, l := range dateLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t.UTC(), nil
			}
		}
	}
	if n, ok := expr.ToNumber(v); ok {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		return time.Unix(int64(n), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%v is not a recognized date", v)
}

// unimplementedStep passes events through unchanged. The warning is
// logged once per step.
func unimplementedStep(id string, typ v1.TransformationType, logger *zap.Logger) Func {
	var once sync.Once
	return func(_ context.Context, event *v1.DataEvent, payload map[string]any) (map[string]any, error) {
		once.Do(func() {
			logger.Warn("transformation type not implemented, passing events through",
				zap.String("pipeline_id", event.PipelineID),
				zap.String("step", id),
				zap.String("type", string(typ)))
		})
		return payload, nil
	}
}

// ═══════════════════════════════════════════
// Helpers
// ═══════════════════════════════════════════

func copyMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m)+4)
	for k, v := range m {
		result[k] = v
	}
	return result
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// maskValue partially masks a value.
// "li@example.com" → "l***@example.com", "13800001234" → "*******1234"
func maskValue(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	if at := strings.IndexByte(s, '@'); at >= 0 {
		if at > 1 {
			return s[:1] + "***" + s[at:]
		}
		return "***" + s[at:]
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
