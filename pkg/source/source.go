// Package source implements the connectors that feed pipelines.
//
// A Connector is opened once when its pipeline starts and closed when it
// stops. Run pushes events until its context is cancelled or the source
// is exhausted; pausing a pipeline cancels Run and resuming calls it
// again, so every connector keeps its read position across Run calls.
// A non-nil error from Open or Run means the source cannot be read and
// moves the pipeline to the error state.
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Emit hands one event to the pipeline. It blocks while the pipeline's
// ingestion buffer is full and fails only when ctx is done.
type Emit func(ctx context.Context, event *v1.DataEvent) error

// Connector reads change events from one external system.
type Connector interface {
	Open(ctx context.Context) error
	Run(ctx context.Context, emit Emit) error
	Close() error
	Name() string
}

// Build constructs the connector for spec. resolver may be nil.
func Build(spec v1.SourceSpec, pipelineID string, resolver *sink.Resolver, logger *zap.Logger) (Connector, error) {
	logger = logging.OrNop(logger).Named("source").With(zap.String("pipeline_id", pipelineID))
	if resolver == nil {
		resolver = sink.NewResolver(nil)
	}
	events := newEventBuilder(pipelineID, string(spec.Type), spec.Config)

	switch spec.Type {
	case v1.SourceManual:
		return Manual{}, nil
	case v1.SourceFile:
		return NewFileSource(spec.Config, events, logger)
	case v1.SourceKafka:
		return NewKafkaSource(spec.Config, pipelineID, resolver, events, logger)
	case v1.SourcePostgres:
		return NewPostgresCDCSource(spec.Config, resolver, events, logger)
	case v1.SourceHTTPPoll:
		return NewHTTPPollSource(spec.Config, resolver, events, logger)
	default:
		return nil, fmt.Errorf("unsupported source type: %s", spec.Type)
	}
}

// ═══════════════════════════════════════════
// Manual source
// ═══════════════════════════════════════════

// Manual has nothing to read: its events arrive through manual triggers,
// retries and dead-letter replays, which the engine feeds directly.
type Manual struct{}

func (Manual) Open(context.Context) error { return nil }
func (Manual) Close() error               { return nil }
func (Manual) Name() string               { return "manual" }

func (Manual) Run(ctx context.Context, _ Emit) error {
	<-ctx.Done()
	return nil
}

// ═══════════════════════════════════════════
// Event construction
// ═══════════════════════════════════════════

// eventBuilder turns raw records into DataEvents. Three optional config
// keys shape the result:
//
//	id_field: lead_id          # payload field used as the event id
//	key_field: phone           # payload field used as the partition key
//	operation_field: op        # payload field holding create/update/delete
type eventBuilder struct {
	pipelineID string
	source     string
	idField    string
	keyField   string
	opField    string
}

func newEventBuilder(pipelineID, source string, cfg map[string]any) eventBuilder {
	return eventBuilder{
		pipelineID: pipelineID,
		source:     configString(cfg, "source_name", source),
		idField:    configString(cfg, "id_field", ""),
		keyField:   configString(cfg, "key_field", ""),
		opField:    configString(cfg, "operation_field", ""),
	}
}

func (b eventBuilder) build(payload map[string]any, op v1.Operation, meta map[string]string) *v1.DataEvent {
	e := &v1.DataEvent{
		ID:         uuid.NewString(),
		PipelineID: b.pipelineID,
		Source:     b.source,
		Timestamp:  time.Now().UTC(),
		Payload:    payload,
		Operation:  op,
		Metadata:   meta,
	}
	if b.idField != "" {
		if v := scalar(payload[b.idField]); v != "" {
			e.ID = v
		}
	}
	if b.keyField != "" {
		e.PartitionKey = scalar(payload[b.keyField])
	}
	if b.opField != "" {
		if parsed, ok := ParseOperation(scalar(payload[b.opField])); ok {
			e.Operation = parsed
		}
	}
	if e.Operation == "" {
		e.Operation = v1.OpCreate
	}
	return e
}

// ParseOperation maps the operation spellings used by CRMs, databases
// and Debezium onto create/update/delete.
func ParseOperation(s string) (v1.Operation, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create", "insert", "c", "r", "snapshot":
		return v1.OpCreate, true
	case "update", "upsert", "u":
		return v1.OpUpdate, true
	case "delete", "remove", "d":
		return v1.OpDelete, true
	}
	return "", false
}

// ═══════════════════════════════════════════
// Config helpers
// ═══════════════════════════════════════════

func configString(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key]; ok && v != nil {
		if s := fmt.Sprintf("%v", v); s != "" {
			return s
		}
	}
	return def
}

// configStrings reads a YAML list or a comma-separated string.
func configStrings(cfg map[string]any, key string) []string {
	var out []string
	switch v := cfg[key].(type) {
	case []any:
		for _, item := range v {
			if s := strings.TrimSpace(scalar(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, v...)
	case string:
		for _, part := range strings.Split(v, ",") {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func configInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func configDuration(cfg map[string]any, key string, def time.Duration) time.Duration {
	switch v := cfg[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	}
	return def
}

func scalar(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// nestedValue walks a dot-separated path through nested objects.
func nestedValue(obj map[string]any, path string) (any, bool) {
	var current any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

// decodeRecord parses one JSON object. Lines that are not JSON objects are
// wrapped as {"_raw": ..., "_error": ...} so validation can reject them.
func decodeRecord(raw []byte) map[string]any {
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil || value == nil {
		msg := "not a JSON object"
		if err != nil {
			msg = "json parse: " + err.Error()
		}
		return map[string]any{"_raw": string(raw), "_error": msg}
	}
	return value
}
