// Package schema implements the schema registry: versioned record
// schemas, compatibility checks between versions, payload validation
// with quality rules and normalization, and field-level mapping between
// schemas.
//
// The in-memory cache is a view over the durable store. Each schema id
// owns one cache entry with its own lock, so registering a version of
// one schema never blocks readers of another. Other registry instances
// learn about new versions through a Notifier.
//
//	id: lead
//	name: lead
//	compatibilityMode: BACKWARD
//	fields:
//	  - {name: name, type: string}
//	  - {name: phone, type: string, required: true, format: phone}
//	qualityRules:
//	  - {field: phone, type: pattern, rule: '^\+?[0-9]{11,13}$', severity: error}
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
)

// Store is the durable backing of the registry.
type Store interface {
	Put(key string, v any) error
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// entry holds every version of one schema id.
type entry struct {
	mu       sync.RWMutex
	versions []*compiled // index = version-1
}

func (e *entry) latest() *compiled {
	if len(e.versions) == 0 {
		return nil
	}
	return e.versions[len(e.versions)-1]
}

// Registry stores and serves versioned schemas.
type Registry struct {
	store    Store
	notifier Notifier
	mirror   Mirror
	logger   *zap.Logger
	instance string

	entries sync.Map // schema id → *entry
	names   sync.Map // name|source|target → schema id
	loads   singleflight.Group
	lineage *lineageLog
}

// Option configures a Registry.
type Option func(*Registry)

func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

func WithNotifier(n Notifier) Option { return func(r *Registry) { r.notifier = n } }

func WithMirror(m Mirror) Option { return func(r *Registry) { r.mirror = m } }

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// New creates a registry. Without a store the registry is memory-only.
func New(opts ...Option) *Registry {
	r := &Registry{
		instance: uuid.NewString(),
		lineage:  newLineageLog(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).Named("registry")
	return r
}

// Load fills the cache from the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	byID := make(map[string][]*v1.Schema)
	err := r.store.Scan(store.PrefixSchema, func(_ string, value []byte) error {
		var s v1.Schema
		if err := store.Decode(value, &s); err != nil {
			return err
		}
		byID[s.ID] = append(byID[s.ID], &s)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	for id, list := range byID {
		e, err := buildEntry(list)
		if err != nil {
			return fmt.Errorf("load schema %s: %w", id, err)
		}
		r.entries.Store(id, e)
		if last := e.latest(); last != nil {
			r.names.Store(logicalKey(last.schema), id)
		}
	}
	r.logger.Info("schemas loaded", zap.Int("count", len(byID)))
	return nil
}

// Run listens for change notifications until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	if r.notifier == nil {
		<-ctx.Done()
		return nil
	}
	return r.notifier.Subscribe(ctx, func(c Change) {
		if c.Origin == r.instance {
			return
		}
		if err := r.refresh(c.SchemaID); err != nil {
			r.logger.Warn("schema refresh failed", zap.String("schema_id", c.SchemaID), zap.Error(err))
			return
		}
		r.logger.Debug("schema refreshed", zap.String("schema_id", c.SchemaID), zap.Int("version", c.Version))
	})
}

// ═══════════════════════════════════════════
// Registration
// ═══════════════════════════════════════════

// Registered identifies a stored schema version.
type Registered struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// Register validates s and stores it as the next version of its id.
// When a previous version exists the compatibility mode of s is
// enforced against it.
func (r *Registry) Register(ctx context.Context, s v1.Schema) (Registered, error) {
	if err := checkDefinition(&s); err != nil {
		return Registered{}, err
	}
	if s.CompatibilityMode == "" {
		s.CompatibilityMode = v1.CompatBackward
	}
	if s.ID == "" {
		s.ID = r.resolveID(&s)
	}

	e, err := r.entry(s.ID, true)
	if err != nil {
		return Registered{}, err
	}

	e.mu.Lock()
	prev := e.latest()
	if prev != nil {
		if violations := checkCompatibility(prev.schema, &s, s.CompatibilityMode); len(violations) > 0 {
			e.mu.Unlock()
			return Registered{}, &CompatibilityError{
				SchemaID:   s.ID,
				Mode:       string(s.CompatibilityMode),
				Previous:   prev.schema.Version,
				Violations: violations,
			}
		}
	}
	s.Version = len(e.versions) + 1
	s.CreatedAt = time.Now().UTC()
	c, err := compile(&s)
	if err != nil {
		e.mu.Unlock()
		return Registered{}, &DefinitionError{Problems: []string{err.Error()}}
	}
	if r.store != nil {
		if err := r.store.Put(versionKey(s.ID, s.Version), &s); err != nil {
			e.mu.Unlock()
			return Registered{}, fmt.Errorf("persist schema %s v%d: %w", s.ID, s.Version, err)
		}
	}
	e.versions = append(e.versions, c)
	e.mu.Unlock()

	r.names.Store(logicalKey(&s), s.ID)
	r.logger.Info("schema registered",
		zap.String("schema_id", s.ID),
		zap.Int("version", s.Version),
		zap.String("mode", string(s.CompatibilityMode)))

	if r.notifier != nil {
		if err := r.notifier.Publish(ctx, Change{Origin: r.instance, SchemaID: s.ID, Version: s.Version}); err != nil {
			r.logger.Warn("schema change notification failed", zap.String("schema_id", s.ID), zap.Error(err))
		}
	}
	if r.mirror != nil {
		if err := r.mirror.Mirror(ctx, &s); err != nil {
			r.logger.Warn("schema mirror failed", zap.String("schema_id", s.ID), zap.Error(err))
		}
	}
	return Registered{ID: s.ID, Version: s.Version}, nil
}

func (r *Registry) resolveID(s *v1.Schema) string {
	if id, ok := r.names.Load(logicalKey(s)); ok {
		return id.(string)
	}
	id := slug(s.Name)
	if _, taken := r.entries.Load(id); taken || id == "" {
		id = id + "-" + uuid.NewString()[:8]
	}
	return id
}

func logicalKey(s *v1.Schema) string {
	return s.Name + "|" + s.Source + "|" + s.Target
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s%s/%06d", store.PrefixSchema, id, version)
}

func slug(name string) string {
	var b strings.Builder
	for _, c := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-':
			b.WriteRune(c)
		case c == ' ' || c == '.' || c == '/':
			b.WriteRune('-')
		}
	}
	return b.String()
}

// ═══════════════════════════════════════════
// Cache
// ═══════════════════════════════════════════

// entry returns the cache entry for id, loading it from the store on a
// miss. With create set, an empty entry is created for unknown ids.
func (r *Registry) entry(id string, create bool) (*entry, error) {
	if e, ok := r.entries.Load(id); ok {
		return e.(*entry), nil
	}
	key := id
	if create {
		key = "+" + id
	}
	v, err, _ := r.loads.Do(key, func() (any, error) {
		if e, ok := r.entries.Load(id); ok {
			return e, nil
		}
		list, err := r.loadVersions(id)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			if !create {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			e, _ := r.entries.LoadOrStore(id, &entry{})
			return e, nil
		}
		e, err := buildEntry(list)
		if err != nil {
			return nil, err
		}
		actual, _ := r.entries.LoadOrStore(id, e)
		return actual, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry), nil
}

func (r *Registry) loadVersions(id string) ([]*v1.Schema, error) {
	if r.store == nil {
		return nil, nil
	}
	var list []*v1.Schema
	err := r.store.Scan(store.PrefixSchema+id+"/", func(_ string, value []byte) error {
		var s v1.Schema
		if err := store.Decode(value, &s); err != nil {
			return err
		}
		list = append(list, &s)
		return nil
	})
	return list, err
}

// refresh replaces the entry for id with the stored versions.
func (r *Registry) refresh(id string) error {
	list, err := r.loadVersions(id)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	fresh, err := buildEntry(list)
	if err != nil {
		return err
	}
	v, _ := r.entries.LoadOrStore(id, &entry{})
	e := v.(*entry)
	e.mu.Lock()
	if len(fresh.versions) > len(e.versions) {
		e.versions = fresh.versions
	}
	e.mu.Unlock()
	r.names.Store(logicalKey(fresh.latest().schema), id)
	return nil
}

func buildEntry(list []*v1.Schema) (*entry, error) {
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	e := &entry{}
	for _, s := range list {
		c, err := compile(s)
		if err != nil {
			return nil, err
		}
		e.versions = append(e.versions, c)
	}
	return e, nil
}

// version returns the compiled schema; version 0 means latest.
func (r *Registry) version(id string, version int) (*compiled, error) {
	e, err := r.entry(id, false)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if version == 0 {
		return e.latest(), nil
	}
	if version < 0 || version > len(e.versions) {
		return nil, fmt.Errorf("%w: %s v%d", ErrNotFound, id, version)
	}
	return e.versions[version-1], nil
}

// ═══════════════════════════════════════════
// Queries
// ═══════════════════════════════════════════

// Get returns a schema version (0 = latest).
func (r *Registry) Get(_ context.Context, id string, version int) (*v1.Schema, error) {
	c, err := r.version(id, version)
	if err != nil {
		return nil, err
	}
	s := *c.schema
	return &s, nil
}

// Versions lists the registered version numbers of id.
func (r *Registry) Versions(_ context.Context, id string) ([]int, error) {
	e, err := r.entry(id, false)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int, 0, len(e.versions))
	for _, c := range e.versions {
		out = append(out, c.schema.Version)
	}
	return out, nil
}

// List returns the latest version of every cached schema, sorted by id.
func (r *Registry) List(_ context.Context) []v1.Schema {
	var out []v1.Schema
	r.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.RLock()
		if last := e.latest(); last != nil {
			out = append(out, *last.schema)
		}
		e.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks payload against the latest version of schemaID.
func (r *Registry) Validate(ctx context.Context, schemaID string, payload map[string]any) (*ValidationResult, error) {
	return r.ValidateVersion(ctx, schemaID, 0, payload)
}

// ValidateVersion checks payload against a specific version (0 = latest).
func (r *Registry) ValidateVersion(_ context.Context, schemaID string, version int, payload map[string]any) (*ValidationResult, error) {
	c, err := r.version(schemaID, version)
	if err != nil {
		return nil, err
	}
	return c.validate(payload), nil
}

// Transform maps payload from the latest source schema to the latest
// target schema. With Strict set, a result that fails target
// validation is returned as a *ValidationError.
func (r *Registry) Transform(ctx context.Context, sourceID, targetID string, payload map[string]any, opts TransformOptions) (*TransformResult, error) {
	src, err := r.version(sourceID, 0)
	if err != nil {
		return nil, err
	}
	dst, err := r.version(targetID, 0)
	if err != nil {
		return nil, err
	}

	res := applyMappings(src.schema, dst.schema, payload, opts)
	if opts.Strict {
		vr := dst.validate(res.Data)
		if !vr.Valid {
			return nil, vr.Err()
		}
		for _, w := range vr.Warnings {
			res.Warnings = append(res.Warnings, w.String())
		}
	}

	r.lineage.add(v1.TransformationRecord{
		SourceSchemaID: sourceID,
		TargetSchemaID: targetID,
		Operations:     res.Transformations,
		Timestamp:      time.Now().UTC(),
	})
	return res, nil
}

// GetLineage returns mapping relationships and recent transformations.
func (r *Registry) GetLineage(_ context.Context, schemaID string) (*v1.Lineage, error) {
	self, err := r.version(schemaID, 0)
	if err != nil {
		return nil, err
	}
	lin := &v1.Lineage{
		SchemaID:              schemaID,
		Upstream:              []v1.LineageEdge{},
		Downstream:            []v1.LineageEdge{},
		RecentTransformations: r.lineage.recent(schemaID),
	}
	if from := self.schema.MappingFrom; from != "" {
		if up, err := r.version(from, 0); err == nil {
			lin.Upstream = append(lin.Upstream, v1.LineageEdge{
				SchemaID: from, Version: up.schema.Version, Relation: "mapping",
			})
		}
	}
	r.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.RLock()
		last := e.latest()
		e.mu.RUnlock()
		if last != nil && last.schema.MappingFrom == schemaID && k.(string) != schemaID {
			lin.Downstream = append(lin.Downstream, v1.LineageEdge{
				SchemaID: last.schema.ID, Version: last.schema.Version, Relation: "mapping",
			})
		}
		return true
	})
	sort.Slice(lin.Downstream, func(i, j int) bool { return lin.Downstream[i].SchemaID < lin.Downstream[j].SchemaID })
	return lin, nil
}

// ExportDocumentation renders the latest version of id as Markdown and Avro.
func (r *Registry) ExportDocumentation(ctx context.Context, id string) (*Documentation, error) {
	c, err := r.version(id, 0)
	if err != nil {
		return nil, err
	}
	versions, err := r.Versions(ctx, id)
	if err != nil {
		return nil, err
	}
	avroJSON, err := AvroSchema(c.schema)
	if err != nil {
		return nil, err
	}
	return &Documentation{
		SchemaID:   id,
		Name:       c.schema.Name,
		Version:    c.schema.Version,
		Versions:   versions,
		Markdown:   markdown(c.schema, versions),
		AvroSchema: avroJSON,
	}, nil
}

// IsNotFound reports whether err means an unknown schema.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
