// Package config loads and validates schemaflow pipeline definitions
// and the engine settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/alerting"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/expr"
)

const (
	APIVersion   = "schemaflow/v1"
	KindPipeline = "Pipeline"

	maxRetryCount = 20
	maxPartitions = 256
)

// ErrInvalidDefinition is wrapped by every definition validation failure.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// LoadDefinition reads and parses a pipeline YAML file.
func LoadDefinition(path string) (*v1.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses a definition file. Both the enveloped form
// (apiVersion, kind, pipeline) and a bare pipeline document are accepted.
func ParseDefinition(data []byte) (*v1.DefinitionFile, error) {
	var file v1.DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if file.Pipeline.Name == "" && file.Pipeline.Source.Type == "" {
		var bare v1.PipelineDefinition
		if err := yaml.Unmarshal(data, &bare); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		file.Pipeline = bare
	}
	if file.APIVersion == "" {
		file.APIVersion = APIVersion
	}
	if file.Kind == "" {
		file.Kind = KindPipeline
	}
	return &file, nil
}

// DefinitionResult pairs a parsed definition with its file path.
type DefinitionResult struct {
	File *v1.DefinitionFile
	Path string
}

// LoadAll loads every .yaml/.yml file of dir in name order.
func LoadAll(dir string) ([]DefinitionResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var out []DefinitionResult
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		file, err := LoadDefinition(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", e.Name(), err)
		}
		out = append(out, DefinitionResult{File: file, Path: path})
	}
	return out, nil
}

// ═══════════════════════════════════════════
// Validation
// ═══════════════════════════════════════════

// Issue is a single validation finding.
type Issue struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error|warning
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Field, i.Message)
}

// ValidationResult contains all findings of a definition check.
type ValidationResult struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Err returns nil for a valid definition, otherwise an error wrapping
// ErrInvalidDefinition that lists every error finding.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(msgs, "; "))
}

func (r *ValidationResult) addError(field, msg string) {
	r.Errors = append(r.Errors, Issue{Field: field, Message: msg, Severity: "error"})
}

func (r *ValidationResult) addWarning(field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Field: field, Message: msg, Severity: "warning"})
}

// ValidateFile checks the envelope and the pipeline it carries.
func ValidateFile(f *v1.DefinitionFile) *ValidationResult {
	r := &ValidationResult{}
	if f.APIVersion != "" && f.APIVersion != APIVersion {
		r.addError("apiVersion", fmt.Sprintf("unsupported version %q, expected %s", f.APIVersion, APIVersion))
	}
	if f.Kind != "" && f.Kind != KindPipeline {
		r.addError("kind", fmt.Sprintf("unsupported kind %q, expected %s", f.Kind, KindPipeline))
	}
	validatePipeline(r, &f.Pipeline, "pipeline.")
	return r
}

// ValidateDefinition checks a pipeline definition: source and sink types
// against the fixed enumerations, transformation types and expressions,
// error policy bounds and alert rules. Warnings flag definitions that
// work but lose data or visibility on failure.
func ValidateDefinition(def *v1.PipelineDefinition) *ValidationResult {
	r := &ValidationResult{}
	validatePipeline(r, def, "")
	return r
}

func validatePipeline(r *ValidationResult, p *v1.PipelineDefinition, prefix string) {
	if strings.TrimSpace(p.Name) == "" {
		r.addError(prefix+"name", "required")
	} else if !isValidName(p.Name) {
		r.addWarning(prefix+"name", "recommended: lowercase alphanumeric with hyphens (e.g., crm-leads)")
	}

	validateSource(r, &p.Source, prefix+"source")
	for i := range p.Transformations {
		validateTransformation(r, &p.Transformations[i], fmt.Sprintf("%stransformations[%d]", prefix, i))
	}
	seen := make(map[string]bool)
	for i, t := range p.Transformations {
		if t.ID == "" {
			continue
		}
		if seen[t.ID] {
			r.addError(fmt.Sprintf("%stransformations[%d].id", prefix, i), fmt.Sprintf("duplicate id %q", t.ID))
		}
		seen[t.ID] = true
	}
	validateSink(r, &p.Sink, prefix+"sink")
	validateErrorPolicy(r, &p.ErrorPolicy, prefix+"errorPolicy")

	if p.Concurrency.Partitions < 0 || p.Concurrency.Partitions > maxPartitions {
		r.addError(prefix+"concurrency.partitions", fmt.Sprintf("must be between 0 and %d", maxPartitions))
	}
	if p.Concurrency.BufferSize < 0 {
		r.addError(prefix+"concurrency.bufferSize", "must not be negative")
	}
	if p.TimeoutMs < 0 {
		r.addError(prefix+"timeoutMs", "must not be negative")
	}
	if p.SchemaVersion < 0 {
		r.addError(prefix+"schemaVersion", "must not be negative")
	}
	if p.SchemaVersion > 0 && p.SchemaID == "" {
		r.addError(prefix+"schemaVersion", "set without schemaId")
	}
	if p.Monitoring != nil {
		validateMonitoring(r, p.Monitoring, prefix+"monitoring")
	}

	if p.SchemaID == "" {
		r.addWarning(prefix+"schemaId", "recommended: validate events against a registered schema")
	}
}

func validateSource(r *ValidationResult, s *v1.SourceSpec, prefix string) {
	if s.Type == "" {
		r.addError(prefix+".type", "required")
		return
	}
	if !contains(v1.SourceTypes, s.Type) {
		r.addError(prefix+".type", fmt.Sprintf("unsupported type %q (expected one of %s)", s.Type, join(v1.SourceTypes)))
		return
	}
	switch s.Type {
	case v1.SourceKafka:
		requireKey(r, s.Config, "topic", prefix, "kafka source")
	case v1.SourceFile:
		requireKey(r, s.Config, "path", prefix, "file source")
	case v1.SourcePostgres:
		switch mode := stringKey(s.Config, "mode"); mode {
		case "", "poll":
			requireKey(r, s.Config, "table", prefix, "postgres_cdc source")
		case "cdc":
			if stringKey(s.Config, "tables") == "" && stringKey(s.Config, "table") == "" {
				r.addError(prefix+".config.tables", "required for postgres_cdc cdc mode")
			}
		default:
			r.addError(prefix+".config.mode", fmt.Sprintf("unsupported mode %q (expected poll or cdc)", mode))
		}
	case v1.SourceHTTPPoll:
		if stringKey(s.Config, "url") == "" {
			r.addWarning(prefix+".config.url", "not set, HTTP_SOURCE_URL must be provided by the environment")
		}
	}
	for _, key := range []string{"poll_interval", "timeout"} {
		if v := stringKey(s.Config, key); v != "" {
			if _, err := ParseDuration(v); err != nil {
				r.addError(prefix+".config."+key, fmt.Sprintf("invalid duration: %v", err))
			}
		}
	}
}

func validateTransformation(r *ValidationResult, t *v1.TransformationSpec, prefix string) {
	if t.ID == "" {
		r.addWarning(prefix+".id", "recommended: ids appear in every event's applied transformations")
	}
	if t.Type == "" {
		r.addError(prefix+".type", "required")
		return
	}
	if !contains(v1.TransformationTypes, t.Type) {
		r.addError(prefix+".type", fmt.Sprintf("unsupported type %q (expected one of %s)", t.Type, join(v1.TransformationTypes)))
		return
	}

	switch t.Type {
	case v1.TransformFilter:
		src := stringKey(t.Config, "expression")
		if src == "" {
			src = stringKey(t.Config, "condition")
		}
		if src == "" {
			r.addError(prefix+".config.expression", "required for filter transformation")
		} else if _, err := expr.Compile(src); err != nil {
			r.addError(prefix+".config.expression", err.Error())
		}
	case v1.TransformMap:
		if list, _ := t.Config["mappings"].([]any); len(list) == 0 {
			r.addError(prefix+".config.mappings", "required for map transformation")
		}
	case v1.TransformEnrich:
		list, _ := t.Config["enrichments"].([]any)
		if len(list) == 0 {
			r.addError(prefix+".config.enrichments", "required for enrich transformation")
		}
		for i, item := range list {
			m, _ := item.(map[string]any)
			if kind := stringKey(m, "type"); kind == "compute" {
				if _, err := expr.Compile(stringKey(m, "expression")); err != nil {
					r.addError(fmt.Sprintf("%s.config.enrichments[%d].expression", prefix, i), err.Error())
				}
			}
		}
	case v1.TransformPlugin:
		requireKey(r, t.Config, "path", prefix, "plugin transformation")
	case v1.TransformAggregate, v1.TransformJoin:
		r.addWarning(prefix+".type", fmt.Sprintf("%s is accepted but passes events through unchanged", t.Type))
	}

	switch cond := strings.TrimSpace(t.OptionalCondition); strings.ToLower(cond) {
	case "", "always", "true":
	default:
		if _, err := expr.Compile(cond); err != nil {
			r.addError(prefix+".optionalCondition", err.Error())
		}
	}
}

func validateSink(r *ValidationResult, s *v1.SinkSpec, prefix string) {
	if s.Type == "" {
		r.addError(prefix+".type", "required")
		return
	}
	if !contains(v1.SinkTypes, s.Type) {
		r.addError(prefix+".type", fmt.Sprintf("unsupported type %q (expected one of %s)", s.Type, join(v1.SinkTypes)))
		return
	}
	switch s.Type {
	case v1.SinkKafka:
		requireKey(r, s.Config, "topic", prefix, "kafka sink")
	case v1.SinkPostgres, v1.SinkDuckDB:
		requireKey(r, s.Config, "table", prefix, string(s.Type)+" sink")
		if stringKey(s.Config, "key_field") == "" {
			r.addWarning(prefix+".config.key_field", "not set, records are keyed by event id")
		}
	case v1.SinkHTTP:
		requireKey(r, s.Config, "url", prefix, "http sink")
	case v1.SinkFile:
		requireKey(r, s.Config, "path", prefix, "file sink")
	case v1.SinkS3, v1.SinkGCS:
		if stringKey(s.Config, "bucket") == "" {
			r.addWarning(prefix+".config.bucket", "not set, the bucket must be provided by the environment")
		}
	}
}

func validateErrorPolicy(r *ValidationResult, p *v1.ErrorPolicy, prefix string) {
	if p.RetryCount < 0 || p.RetryCount > maxRetryCount {
		r.addError(prefix+".retryCount", fmt.Sprintf("must be between 0 and %d", maxRetryCount))
	}
	if p.RetryDelayMs < 0 {
		r.addError(prefix+".retryDelayMs", "must not be negative")
	}
	if p.RetryCount == 0 {
		r.addWarning(prefix+".retryCount", "0: transient sink failures are not retried")
	} else if p.RetryDelayMs == 0 {
		r.addWarning(prefix+".retryDelayMs", "0: retries fire immediately")
	}
	if !p.UseDeadLetterQueue {
		r.addWarning(prefix+".useDeadLetterQueue", "recommended: failed events are lost without a dead-letter queue")
	}
	if !p.AlertOnError {
		r.addWarning(prefix+".alertOnError", "recommended: final failures raise no alert")
	}
}

func validateMonitoring(r *ValidationResult, m *v1.MonitoringSpec, prefix string) {
	validSeverities := map[string]bool{
		"": true, alerting.SeverityCritical: true, alerting.SeverityWarning: true, alerting.SeverityInfo: true,
	}
	for i, rule := range m.Alerts {
		p := fmt.Sprintf("%s.alerts[%d]", prefix, i)
		if rule.Name == "" {
			r.addError(p+".name", "required")
		}
		if !validSeverities[rule.Severity] {
			r.addError(p+".severity", fmt.Sprintf("must be critical|warning|info, got %q", rule.Severity))
		}
		if rule.Threshold == "" {
			r.addError(p+".threshold", "required")
			continue
		}
		if _, err := alerting.ParseRule(rule); err != nil {
			r.addError(p, err.Error())
		}
	}
}

// ═══════════════════════════════════════════
// Helpers
// ═══════════════════════════════════════════

func requireKey(r *ValidationResult, cfg map[string]any, key, prefix, what string) {
	if stringKey(cfg, key) == "" {
		r.addError(prefix+".config."+key, "required for "+what)
	}
}

func stringKey(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func join[T ~string](list []T) string {
	parts := make([]string, len(list))
	for i, v := range list {
		parts[i] = string(v)
	}
	return strings.Join(parts, ", ")
}

func isValidName(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return name[0] != '-' && name[len(name)-1] != '-'
}

// ParseDuration parses durations like "5m", "1h", "30s", "1d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		s = strings.TrimSuffix(s, "d")
		var days int
		if _, err := fmt.Sscanf(s, "%d", &days); err != nil {
			return 0, fmt.Errorf("invalid days: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
