// Package v1 defines the schemaflow pipeline and schema model.
//
// Pipelines are declared in YAML (or posted as JSON to the API) and
// describe one source, an ordered transformation list, one sink and
// the error policy applied when any stage fails.
//
// Example:
//
//	apiVersion: schemaflow/v1
//	kind: Pipeline
//	pipeline:
//	  name: crm-leads
//	  schemaId: lead
//	  source:
//	    type: kafka
//	    config:
//	      topic: crm.leads
//	  transformations:
//	    - id: has-phone
//	      type: filter
//	      config:
//	        expression: payload.phone != null
//	  sink:
//	    type: postgres
//	    config:
//	      table: leads
//	      uniqueColumn: id
//	  errorPolicy:
//	    retryCount: 3
//	    retryDelayMs: 500
//	    useDeadLetterQueue: true
package v1

import "time"

// DefinitionFile is the on-disk envelope of a pipeline definition.
type DefinitionFile struct {
	APIVersion string             `yaml:"apiVersion" json:"apiVersion"` // schemaflow/v1
	Kind       string             `yaml:"kind" json:"kind"`             // Pipeline
	Pipeline   PipelineDefinition `yaml:"pipeline" json:"pipeline"`
}

// PipelineDefinition is the declarative description of a pipeline.
type PipelineDefinition struct {
	ID              string               `yaml:"id,omitempty" json:"id,omitempty"`
	Name            string               `yaml:"name" json:"name"`
	Description     string               `yaml:"description,omitempty" json:"description,omitempty"`
	SchemaID        string               `yaml:"schemaId,omitempty" json:"schemaId,omitempty"`
	SchemaVersion   int                  `yaml:"schemaVersion,omitempty" json:"schemaVersion,omitempty"`
	Source          SourceSpec           `yaml:"source" json:"source"`
	Transformations []TransformationSpec `yaml:"transformations,omitempty" json:"transformations,omitempty"`
	Sink            SinkSpec             `yaml:"sink" json:"sink"`
	ErrorPolicy     ErrorPolicy          `yaml:"errorPolicy,omitempty" json:"errorPolicy"`
	Concurrency     ConcurrencySpec      `yaml:"concurrency,omitempty" json:"concurrency"`
	TimeoutMs       int                  `yaml:"timeoutMs,omitempty" json:"timeoutMs,omitempty"`
	Monitoring      *MonitoringSpec      `yaml:"monitoring,omitempty" json:"monitoring,omitempty"`
	State           PipelineState        `yaml:"state,omitempty" json:"state"`
	Metadata        map[string]string    `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt       time.Time            `yaml:"-" json:"createdAt"`
	UpdatedAt       time.Time            `yaml:"-" json:"updatedAt"`
}

// Timeout returns the hard timeout for sink writes and enrichment calls.
func (d *PipelineDefinition) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// TransformationIDs returns the configured step ids in order.
func (d *PipelineDefinition) TransformationIDs() []string {
	ids := make([]string, 0, len(d.Transformations))
	for _, t := range d.Transformations {
		ids = append(ids, t.ID)
	}
	return ids
}

// ═══════════════════════════════════════════
// Source
// ═══════════════════════════════════════════

// SourceSpec selects the connector that feeds the pipeline.
type SourceSpec struct {
	Type   SourceType     `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

type SourceType string

const (
	SourceManual   SourceType = "manual"
	SourceKafka    SourceType = "kafka"
	SourcePostgres SourceType = "postgres_cdc"
	SourceHTTPPoll SourceType = "http_poll"
	SourceFile     SourceType = "file"
)

// SourceTypes is the fixed set of connectors a definition may name.
var SourceTypes = []SourceType{SourceManual, SourceKafka, SourcePostgres, SourceHTTPPoll, SourceFile}

// ═══════════════════════════════════════════
// Transformations
// ═══════════════════════════════════════════

// TransformationSpec is one step of the ordered transformation list.
type TransformationSpec struct {
	ID                string             `yaml:"id" json:"id"`
	Type              TransformationType `yaml:"type" json:"type"`
	Config            map[string]any     `yaml:"config,omitempty" json:"config,omitempty"`
	OptionalCondition string             `yaml:"optionalCondition,omitempty" json:"optionalCondition,omitempty"`
}

type TransformationType string

const (
	TransformFilter    TransformationType = "filter"
	TransformMap       TransformationType = "map"
	TransformEnrich    TransformationType = "enrich"
	TransformAggregate TransformationType = "aggregate" // reserved, pass-through
	TransformJoin      TransformationType = "join"      // reserved, pass-through
	TransformPlugin    TransformationType = "plugin"    // WASM module
)

// TransformationTypes lists every accepted step type.
var TransformationTypes = []TransformationType{
	TransformFilter, TransformMap, TransformEnrich, TransformAggregate, TransformJoin, TransformPlugin,
}

// ═══════════════════════════════════════════
// Sink
// ═══════════════════════════════════════════

// SinkSpec selects the destination of transformed records.
type SinkSpec struct {
	Type   SinkType       `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

type SinkType string

const (
	SinkKafka    SinkType = "kafka"
	SinkPostgres SinkType = "postgres"
	SinkDuckDB   SinkType = "duckdb"
	SinkHTTP     SinkType = "http"
	SinkS3       SinkType = "s3"
	SinkGCS      SinkType = "gcs"
	SinkFile     SinkType = "file"
	SinkStdout   SinkType = "stdout" // debugging
)

// SinkTypes is the fixed set of sinks a definition may name.
var SinkTypes = []SinkType{SinkKafka, SinkPostgres, SinkDuckDB, SinkHTTP, SinkS3, SinkGCS, SinkFile, SinkStdout}

// ═══════════════════════════════════════════
// Error policy and concurrency
// ═══════════════════════════════════════════

// ErrorPolicy controls what happens when a stage fails for an event.
// RetryCount is the number of retries after the first attempt.
type ErrorPolicy struct {
	RetryCount         int  `yaml:"retryCount" json:"retryCount"`
	RetryDelayMs       int  `yaml:"retryDelayMs" json:"retryDelayMs"`
	UseDeadLetterQueue bool `yaml:"useDeadLetterQueue" json:"useDeadLetterQueue"`
	AlertOnError       bool `yaml:"alertOnError" json:"alertOnError"`
}

// ConcurrencySpec bounds in-flight work per pipeline.
type ConcurrencySpec struct {
	Partitions int `yaml:"partitions,omitempty" json:"partitions,omitempty"`
	BufferSize int `yaml:"bufferSize,omitempty" json:"bufferSize,omitempty"`
}

// MonitoringSpec attaches threshold alert rules to a pipeline.
type MonitoringSpec struct {
	Alerts []AlertRuleSpec `yaml:"alerts,omitempty" json:"alerts,omitempty"`
}

// AlertRuleSpec is a threshold rule evaluated against status snapshots.
type AlertRuleSpec struct {
	Name      string `yaml:"name" json:"name"`
	Type      string `yaml:"type" json:"type"`           // latency|error_rate|volume
	Threshold string `yaml:"threshold" json:"threshold"` // 500ms, 5%, -50%
	Severity  string `yaml:"severity,omitempty" json:"severity,omitempty"`
}

// ═══════════════════════════════════════════
// Lifecycle and status
// ═══════════════════════════════════════════

type PipelineState string

const (
	StateDraft   PipelineState = "draft"
	StateActive  PipelineState = "active"
	StatePaused  PipelineState = "paused"
	StateStopped PipelineState = "stopped"
	StateError   PipelineState = "error"
)

// PipelineStatus is derived runtime state. It is snapshotted for
// observability and never used as a source of truth.
type PipelineStatus struct {
	PipelineID        string        `json:"pipelineId"`
	State             PipelineState `json:"state"`
	ProcessedCount    int64         `json:"processedCount"`
	ErrorCount        int64         `json:"errorCount"`
	FilteredCount     int64         `json:"filteredCount"`
	RetryCount        int64         `json:"retryCount"`
	DeadLetterCount   int64         `json:"deadLetterCount"`
	CurrentThroughput float64       `json:"currentThroughput"`
	Metrics           StatusMetrics `json:"metrics"`
	RecentErrors      []ErrorRecord `json:"recentErrors"`
	LastError         string        `json:"lastError,omitempty"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	LastEventAt       *time.Time    `json:"lastEventAt,omitempty"`
}

type StatusMetrics struct {
	LatencyMs   float64 `json:"latency"`
	SuccessRate float64 `json:"successRate"`
}

// ErrorRecord is one entry of the bounded recent-errors buffer.
type ErrorRecord struct {
	EventID   string    `json:"eventId"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"` // retried|dead_lettered|alerted|dropped
	Timestamp time.Time `json:"timestamp"`
}

// ═══════════════════════════════════════════
// Events
// ═══════════════════════════════════════════

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// DataEvent is one unit of change data flowing through a pipeline.
type DataEvent struct {
	ID                string            `json:"id"`
	PipelineID        string            `json:"pipelineId"`
	Source            string            `json:"source"`
	Timestamp         time.Time         `json:"timestamp"`
	Payload           map[string]any    `json:"payload"`
	SchemaID          string            `json:"schemaId,omitempty"`
	SchemaVersion     int               `json:"schemaVersion,omitempty"`
	Operation         Operation         `json:"operation"`
	PartitionKey      string            `json:"partitionKey,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	ProcessingContext ProcessingContext `json:"processingContext"`
}

// ProcessingContext is advanced only by the engine.
type ProcessingContext struct {
	Stage                  string   `json:"stage"`
	Attempt                int      `json:"attempt"`
	AppliedTransformations []string `json:"appliedTransformations"`
}

// Key returns the ordering key of the event.
func (e *DataEvent) Key() string {
	if e.PartitionKey != "" {
		return e.PartitionKey
	}
	return e.ID
}

// Clone copies the event deeply enough for a retry to mutate it safely.
func (e *DataEvent) Clone() *DataEvent {
	c := *e
	c.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		c.Payload[k] = v
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ProcessingContext.AppliedTransformations = append([]string(nil), e.ProcessingContext.AppliedTransformations...)
	return &c
}

// ═══════════════════════════════════════════
// Schemas
// ═══════════════════════════════════════════

type CompatibilityMode string

const (
	CompatBackward CompatibilityMode = "BACKWARD"
	CompatForward  CompatibilityMode = "FORWARD"
	CompatFull     CompatibilityMode = "FULL"
	CompatNone     CompatibilityMode = "NONE"
)

// Schema is an immutable, versioned record shape.
type Schema struct {
	ID                string            `yaml:"id,omitempty" json:"id"`
	Version           int               `yaml:"version,omitempty" json:"version"`
	Name              string            `yaml:"name" json:"name"`
	Namespace         string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Source            string            `yaml:"source,omitempty" json:"source,omitempty"`
	Target            string            `yaml:"target,omitempty" json:"target,omitempty"`
	Description       string            `yaml:"description,omitempty" json:"description,omitempty"`
	Fields            []Field           `yaml:"fields" json:"fields"`
	CompatibilityMode CompatibilityMode `yaml:"compatibilityMode,omitempty" json:"compatibilityMode"`
	QualityRules      []QualityRule     `yaml:"qualityRules,omitempty" json:"qualityRules,omitempty"`
	MappingFrom       string            `yaml:"mappingFrom,omitempty" json:"mappingFrom,omitempty"`
	Mappings          []FieldMapping    `yaml:"mappings,omitempty" json:"mappings,omitempty"`
	CreatedAt         time.Time         `yaml:"-" json:"createdAt"`
}

// Field returns the declared field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeInteger   FieldType = "integer"
	TypeBoolean   FieldType = "boolean"
	TypeTimestamp FieldType = "timestamp"
	TypeObject    FieldType = "object"
	TypeArray     FieldType = "array"
	TypeAny       FieldType = "any"
)

// Field declares one attribute of a schema.
type Field struct {
	Name        string    `yaml:"name" json:"name"`
	Type        FieldType `yaml:"type" json:"type"`
	Required    bool      `yaml:"required,omitempty" json:"required"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Format      string    `yaml:"format,omitempty" json:"format,omitempty"` // phone|email|timestamp
	Enum        []string  `yaml:"enum,omitempty" json:"enum,omitempty"`
}

type RuleType string

const (
	RuleRequired RuleType = "required"
	RulePattern  RuleType = "pattern"
	RuleRange    RuleType = "range"
	RuleEnum     RuleType = "enum"
	RuleCustom   RuleType = "custom"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// QualityRule is a data quality check attached to a schema field.
type QualityRule struct {
	Field    string   `yaml:"field" json:"field"`
	Type     RuleType `yaml:"type" json:"type"`
	Rule     string   `yaml:"rule,omitempty" json:"rule,omitempty"`
	Severity Severity `yaml:"severity" json:"severity"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`
}

type MappingKind string

const (
	MapDirect    MappingKind = "direct"
	MapEnum      MappingKind = "enum"
	MapTimestamp MappingKind = "timestamp"
	MapPrefer    MappingKind = "prefer"
	MapFirst     MappingKind = "first"
)

// FieldMapping is one row of the mapping table between two schemas.
type FieldMapping struct {
	Source   string            `yaml:"source" json:"source"`
	Target   string            `yaml:"target" json:"target"`
	Kind     MappingKind       `yaml:"kind,omitempty" json:"kind,omitempty"`
	Values   map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
	Override string            `yaml:"override,omitempty" json:"override,omitempty"`
	Format   string            `yaml:"format,omitempty" json:"format,omitempty"`
}

// ═══════════════════════════════════════════
// Failure records and reporting
// ═══════════════════════════════════════════

// Alert is delivered to the alerting sink when an event is dropped.
type Alert struct {
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	PipelineID string         `json:"pipelineId"`
	EventID    string         `json:"eventId,omitempty"`
	Error      string         `json:"error"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// DeadLetterRecord is stored under {pipelineId, eventId}.
type DeadLetterRecord struct {
	PipelineID string             `json:"pipelineId"`
	EventID    string             `json:"eventId"`
	Event      DataEvent          `json:"event"`
	Error      string             `json:"error"`
	Metadata   DeadLetterMetadata `json:"metadata"`
}

type DeadLetterMetadata struct {
	Message           string    `json:"message"`
	Trace             []string  `json:"trace,omitempty"`
	Stage             string    `json:"stage"`
	RetryCount        int       `json:"retryCount"`
	OriginalTimestamp time.Time `json:"originalTimestamp"`
	FailedAt          time.Time `json:"failedAt"`
}

// MetricsSnapshot is the periodic engine-wide export.
type MetricsSnapshot struct {
	Timestamp      time.Time             `json:"timestamp"`
	TotalPipelines int                   `json:"totalPipelines"`
	ActiveCount    int                   `json:"activeCount"`
	ByState        map[PipelineState]int `json:"byState"`
	TotalProcessed int64                 `json:"totalProcessed"`
	TotalErrors    int64                 `json:"totalErrors"`
	AvgLatencyMs   float64               `json:"avgLatency"`
	AvgSuccessRate float64               `json:"avgSuccessRate"`
}

// PipelineMetrics is a time-ranged view over one pipeline's samples.
type PipelineMetrics struct {
	PipelineID string          `json:"pipelineId"`
	From       time.Time       `json:"from"`
	To         time.Time       `json:"to"`
	Processed  int64           `json:"processed"`
	Errors     int64           `json:"errors"`
	Samples    []MetricsSample `json:"samples"`
}

type MetricsSample struct {
	Timestamp  time.Time `json:"timestamp"`
	Processed  int64     `json:"processed"`
	Errors     int64     `json:"errors"`
	Filtered   int64     `json:"filtered"`
	LatencyMs  float64   `json:"latencyMs"`
	Throughput float64   `json:"throughput"`
}

// Lineage describes upstream/downstream schema relationships.
type Lineage struct {
	SchemaID              string                 `json:"schemaId"`
	Upstream              []LineageEdge          `json:"upstream"`
	Downstream            []LineageEdge          `json:"downstream"`
	RecentTransformations []TransformationRecord `json:"recentTransformations"`
}

type LineageEdge struct {
	SchemaID string `json:"schemaId"`
	Version  int    `json:"version"`
	Relation string `json:"relation"` // mapping|pipeline
	Via      string `json:"via,omitempty"`
}

// TransformationRecord is the audit entry of one schema-to-schema transform.
type TransformationRecord struct {
	SourceSchemaID string           `json:"sourceSchemaId"`
	TargetSchemaID string           `json:"targetSchemaId"`
	Operations     []FieldOperation `json:"operations"`
	Timestamp      time.Time        `json:"timestamp"`
}

// FieldOperation records one field-level mapping step.
type FieldOperation struct {
	Field     string      `json:"field"`
	Operation MappingKind `json:"operation"`
	From      any         `json:"from,omitempty"`
	To        any         `json:"to,omitempty"`
}

// ExportedConfiguration bundles a pipeline for audit or backup.
type ExportedConfiguration struct {
	Definition PipelineDefinition `json:"definition"`
	Status     PipelineStatus     `json:"status"`
	Lineage    *Lineage           `json:"lineage,omitempty"`
	ExportedAt time.Time          `json:"exportedAt"`
}

// ═══════════════════════════════════════════
// Notifications
// ═══════════════════════════════════════════

// NotificationKind names a pipeline stage outcome.
type NotificationKind string

const (
	NotifyReceived     NotificationKind = "received"
	NotifyValidated    NotificationKind = "validated"
	NotifyTransformed  NotificationKind = "transformed"
	NotifyFiltered     NotificationKind = "filtered"
	NotifyDelivered    NotificationKind = "delivered"
	NotifyFailed       NotificationKind = "failed"
	NotifyRetried      NotificationKind = "retried"
	NotifyDeadLettered NotificationKind = "dead_lettered"
	NotifyAlerted      NotificationKind = "alerted"
	NotifyDropped      NotificationKind = "dropped"
	NotifyStateChanged NotificationKind = "state_changed"
)

// Notification is published to observers for every stage outcome and
// lifecycle transition. Err is set for failed, retried and the final
// failure kinds; From and To only for state changes.
type Notification struct {
	Kind       NotificationKind
	PipelineID string
	EventID    string
	Stage      string
	Attempt    int
	Latency    time.Duration
	Delay      time.Duration
	Err        error
	From       PipelineState
	To         PipelineState
	Time       time.Time
}

// Final reports whether the notification ends an event's failure path.
func (n Notification) Final() bool {
	switch n.Kind {
	case NotifyDeadLettered, NotifyAlerted, NotifyDropped:
		return true
	}
	return false
}
