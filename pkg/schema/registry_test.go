package schema

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
)

func leadV1() v1.Schema {
	return v1.Schema{
		ID:                "lead",
		Name:              "lead",
		CompatibilityMode: v1.CompatBackward,
		Fields: []v1.Field{
			{Name: "name", Type: v1.TypeString},
			{Name: "phone", Type: v1.TypeString, Required: true},
		},
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(append([]Option{WithStore(st)}, opts...)...)
}

// ═══════════════════════════════════════════
// Registration and compatibility
// ═══════════════════════════════════════════

func TestValidateOptionalFieldBecomesNull(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	reg, err := r.Register(ctx, leadV1())
	require.NoError(t, err)
	assert.Equal(t, Registered{ID: "lead", Version: 1}, reg)

	res, err := r.Validate(ctx, "lead", map[string]any{"phone": "13800000000"})
	require.NoError(t, err)
	require.True(t, res.Valid, "errors: %v", res.Errors)

	name, present := res.NormalizedPayload["name"]
	assert.True(t, present)
	assert.Nil(t, name)
	assert.Equal(t, "13800000000", res.NormalizedPayload["phone"])
}

func TestBackwardEvolution(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.Register(ctx, leadV1())
	require.NoError(t, err)

	v2 := leadV1()
	v2.Fields = append(v2.Fields, v1.Field{Name: "wechat", Type: v1.TypeString})
	reg, err := r.Register(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Version)

	v3 := leadV1()
	v3.Fields = []v1.Field{
		{Name: "name", Type: v1.TypeString},
		{Name: "wechat", Type: v1.TypeString},
	}
	_, err = r.Register(ctx, v3)
	var cerr *CompatibilityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 2, cerr.Previous)
	assert.Contains(t, strings.Join(cerr.Violations, ","), `"phone"`)

	versions, err := r.Versions(ctx, "lead")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)
}

func TestBackwardKeepsOldPayloadsReadable(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	_, err := r.Register(ctx, leadV1())
	require.NoError(t, err)

	next := leadV1()
	next.Fields = append(next.Fields,
		v1.Field{Name: "channel", Type: v1.TypeString, Required: true, Default: "web"},
		v1.Field{Name: "score", Type: v1.TypeNumber},
	)
	_, err = r.Register(ctx, next)
	require.NoError(t, err)

	old := map[string]any{"name": "Wang", "phone": "13900000000"}
	res, err := r.ValidateVersion(ctx, "lead", 1, old)
	require.NoError(t, err)
	require.True(t, res.Valid)

	res, err = r.Validate(ctx, "lead", old)
	require.NoError(t, err)
	require.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Equal(t, "web", res.NormalizedPayload["channel"])
}

func TestCompatibilityModes(t *testing.T) {
	prev := &v1.Schema{Fields: []v1.Field{
		{Name: "id", Type: v1.TypeString, Required: true},
		{Name: "age", Type: v1.TypeInteger},
	}}

	addRequired := &v1.Schema{Fields: append(append([]v1.Field{}, prev.Fields...),
		v1.Field{Name: "email", Type: v1.TypeString, Required: true})}
	assert.NotEmpty(t, checkCompatibility(prev, addRequired, v1.CompatBackward))
	assert.Empty(t, checkCompatibility(prev, addRequired, v1.CompatForward))
	assert.NotEmpty(t, checkCompatibility(prev, addRequired, v1.CompatFull))
	assert.Empty(t, checkCompatibility(prev, addRequired, v1.CompatNone))

	widen := &v1.Schema{Fields: []v1.Field{
		{Name: "id", Type: v1.TypeString, Required: true},
		{Name: "age", Type: v1.TypeNumber},
	}}
	assert.Empty(t, checkCompatibility(prev, widen, v1.CompatBackward))
	assert.NotEmpty(t, checkCompatibility(prev, widen, v1.CompatForward))

	dropOptional := &v1.Schema{Fields: []v1.Field{{Name: "id", Type: v1.TypeString, Required: true}}}
	assert.Empty(t, checkCompatibility(prev, dropOptional, v1.CompatFull))
}

func TestRegisterRejectsMalformedSchema(t *testing.T) {
	r := New()
	_, err := r.Register(context.Background(), v1.Schema{
		Name: "bad",
		Fields: []v1.Field{
			{Name: "a", Type: "blob"},
			{Name: "a", Type: v1.TypeString},
		},
		QualityRules: []v1.QualityRule{
			{Field: "missing", Type: v1.RulePattern, Rule: "(", Severity: v1.SeverityError},
		},
	})
	var derr *DefinitionError
	require.ErrorAs(t, err, &derr)
	assert.GreaterOrEqual(t, len(derr.Problems), 3)
}

func TestRegisterGeneratesID(t *testing.T) {
	ctx := context.Background()
	r := New()

	s := leadV1()
	s.ID = ""
	s.Name = "Contact Lead"
	first, err := r.Register(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, "contact-lead", first.ID)

	second, err := r.Register(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Version)
}

// ═══════════════════════════════════════════
// Validation
// ═══════════════════════════════════════════

func TestStructuralFailureSkipsQualityRules(t *testing.T) {
	ctx := context.Background()
	r := New()

	s := leadV1()
	s.QualityRules = []v1.QualityRule{
		{Field: "name", Type: v1.RuleRequired, Severity: v1.SeverityError},
	}
	_, err := r.Register(ctx, s)
	require.NoError(t, err)

	res, err := r.Validate(ctx, "lead", map[string]any{"phone": float64(138)})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "phone", res.Errors[0].Field)
	assert.Empty(t, res.Errors[0].Rule)
	assert.Nil(t, res.NormalizedPayload)
	assert.True(t, IsValidationError(res.Err()))
}

func TestQualityRuleSeverity(t *testing.T) {
	ctx := context.Background()
	r := New()

	s := v1.Schema{
		ID:   "contact",
		Name: "contact",
		Fields: []v1.Field{
			{Name: "phone", Type: v1.TypeString, Required: true},
			{Name: "age", Type: v1.TypeInteger},
			{Name: "source", Type: v1.TypeString},
			{Name: "email", Type: v1.TypeString, Format: "email"},
		},
		QualityRules: []v1.QualityRule{
			{Field: "phone", Type: v1.RulePattern, Rule: `^\+?[0-9]{11,13}$`, Severity: v1.SeverityError},
			{Field: "age", Type: v1.RuleRange, Rule: "18..120", Severity: v1.SeverityWarning},
			{Field: "source", Type: v1.RuleEnum, Rule: "web, wechat, phone", Severity: v1.SeverityWarning},
			{Field: "email", Type: v1.RuleCustom, Rule: "value == null || contains(value, '@')", Severity: v1.SeverityError},
		},
	}
	_, err := r.Register(ctx, s)
	require.NoError(t, err)

	res, err := r.Validate(ctx, "contact", map[string]any{
		"phone":  "+8613800000000",
		"age":    float64(16),
		"source": "fax",
	})
	require.NoError(t, err)
	assert.True(t, res.Valid, "errors: %v", res.Errors)
	assert.Len(t, res.Warnings, 2)
	assert.Equal(t, "+8613800000000", res.NormalizedPayload["phone"])

	res, err = r.Validate(ctx, "contact", map[string]any{
		"phone": "12ab",
		"email": "nobody",
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 2)
}

func TestNormalization(t *testing.T) {
	ctx := context.Background()
	r := New()

	_, err := r.Register(ctx, v1.Schema{
		ID:   "visit",
		Name: "visit",
		Fields: []v1.Field{
			{Name: "visited_at", Type: v1.TypeTimestamp, Required: true},
			{Name: "mobile", Type: v1.TypeString},
			{Name: "note", Type: v1.TypeString},
			{Name: "email", Type: v1.TypeString, Format: "email"},
		},
	})
	require.NoError(t, err)

	res, err := r.Validate(ctx, "visit", map[string]any{
		"visited_at": "2024-03-01 08:30:00",
		"mobile":     "+86 138 0000 0000",
		"note":       "  ",
		"email":      " Li@Example.COM ",
		"extra":      "",
	})
	require.NoError(t, err)
	require.True(t, res.Valid, "errors: %v", res.Errors)

	n := res.NormalizedPayload
	assert.Equal(t, "2024-03-01T08:30:00Z", n["visited_at"])
	assert.Equal(t, "+8613800000000", n["mobile"])
	assert.Nil(t, n["note"])
	assert.Equal(t, "li@example.com", n["email"])
	assert.Nil(t, n["extra"])

	res, err = r.Validate(ctx, "visit", map[string]any{"visited_at": float64(1709281800000)})
	require.NoError(t, err)
	require.True(t, res.Valid)
	assert.Equal(t, time.UnixMilli(1709281800000).UTC().Format(time.RFC3339), res.NormalizedPayload["visited_at"])
}

func TestValidateUnknownSchema(t *testing.T) {
	_, err := New().Validate(context.Background(), "nope", map[string]any{})
	assert.True(t, IsNotFound(err))
}

// ═══════════════════════════════════════════
// Transform, lineage, documentation
// ═══════════════════════════════════════════

func registerMappingPair(t *testing.T, r *Registry) {
	t.Helper()
	ctx := context.Background()
	_, err := r.Register(ctx, v1.Schema{
		ID:   "crm_contact",
		Name: "crm_contact",
		Fields: []v1.Field{
			{Name: "full_name", Type: v1.TypeString},
			{Name: "nickname", Type: v1.TypeString},
			{Name: "stage", Type: v1.TypeString},
			{Name: "created", Type: v1.TypeString},
			{Name: "phones", Type: v1.TypeArray},
			{Name: "internal", Type: v1.TypeString},
		},
	})
	require.NoError(t, err)

	_, err = r.Register(ctx, v1.Schema{
		ID:          "lead",
		Name:        "lead",
		MappingFrom: "crm_contact",
		Fields: []v1.Field{
			{Name: "name", Type: v1.TypeString},
			{Name: "status", Type: v1.TypeString, Required: true},
			{Name: "created_at", Type: v1.TypeTimestamp},
			{Name: "phone", Type: v1.TypeString, Required: true},
			{Name: "channel", Type: v1.TypeString, Default: "crm"},
		},
		Mappings: []v1.FieldMapping{
			{Source: "full_name", Target: "name", Kind: v1.MapPrefer, Override: "nickname"},
			{Source: "stage", Target: "status", Kind: v1.MapEnum, Values: map[string]string{"1": "new", "2": "contacted"}},
			{Source: "created", Target: "created_at", Kind: v1.MapTimestamp, Format: "2006/01/02"},
			{Source: "phones", Target: "phone", Kind: v1.MapFirst},
		},
	})
	require.NoError(t, err)
}

func TestTransformBetweenSchemas(t *testing.T) {
	ctx := context.Background()
	r := New()
	registerMappingPair(t, r)

	payload := map[string]any{
		"full_name": "Zhang San",
		"nickname":  "Xiao Zhang",
		"stage":     "2",
		"created":   "2024/05/06",
		"phones":    []any{"13800000000", "13900000000"},
		"internal":  "x",
	}
	res, err := r.Transform(ctx, "crm_contact", "lead", payload, TransformOptions{
		Strict: true, FillMissing: true, RemoveExtra: true,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"name":       "Xiao Zhang",
		"status":     "contacted",
		"created_at": "2024-05-06T00:00:00Z",
		"phone":      "13800000000",
		"channel":    "crm",
	}, res.Data)

	ops := make([]v1.MappingKind, 0, len(res.Transformations))
	for _, op := range res.Transformations {
		ops = append(ops, op.Operation)
	}
	assert.Equal(t, []v1.MappingKind{v1.MapPrefer, v1.MapEnum, v1.MapTimestamp, v1.MapFirst}, ops)

	lin, err := r.GetLineage(ctx, "lead")
	require.NoError(t, err)
	require.Len(t, lin.Upstream, 1)
	assert.Equal(t, "crm_contact", lin.Upstream[0].SchemaID)
	assert.Len(t, lin.RecentTransformations, 1)

	up, err := r.GetLineage(ctx, "crm_contact")
	require.NoError(t, err)
	require.Len(t, up.Downstream, 1)
	assert.Equal(t, "lead", up.Downstream[0].SchemaID)
}

func TestTransformStrictFailure(t *testing.T) {
	ctx := context.Background()
	r := New()
	registerMappingPair(t, r)

	_, err := r.Transform(ctx, "crm_contact", "lead", map[string]any{"full_name": "Li"}, TransformOptions{Strict: true})
	assert.True(t, IsValidationError(err))

	res, err := r.Transform(ctx, "crm_contact", "lead", map[string]any{"full_name": "Li", "stage": "9"}, TransformOptions{})
	require.NoError(t, err)
	assert.Equal(t, "9", res.Data["status"])
	assert.NotEmpty(t, res.Warnings)
}

func TestExportDocumentation(t *testing.T) {
	ctx := context.Background()
	r := New()
	_, err := r.Register(ctx, leadV1())
	require.NoError(t, err)

	doc, err := r.ExportDocumentation(ctx, "lead")
	require.NoError(t, err)
	assert.Contains(t, doc.Markdown, "| phone | string | true |")
	assert.Contains(t, doc.AvroSchema, `"type":"record"`)
	assert.Equal(t, []int{1}, doc.Versions)
}

// ═══════════════════════════════════════════
// Cache behaviour
// ═══════════════════════════════════════════

func TestLoadFromStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	first := New(WithStore(st))
	_, err = first.Register(ctx, leadV1())
	require.NoError(t, err)

	second := New(WithStore(st))
	require.NoError(t, second.Load(ctx))
	s, err := second.Get(ctx, "lead", 1)
	require.NoError(t, err)
	assert.Equal(t, "lead", s.Name)

	third := New(WithStore(st))
	s, err = third.Get(ctx, "lead", 0)
	require.NoError(t, err, "cache miss falls through to the store")
	assert.Equal(t, 1, s.Version)
}

func TestChangeNotificationRefreshesPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	defer st.Close()

	bus := NewLocalNotifier()
	writer := New(WithStore(st), WithNotifier(bus))
	reader := New(WithStore(st), WithNotifier(bus))

	_, err = writer.Register(ctx, leadV1())
	require.NoError(t, err)
	_, err = reader.Get(ctx, "lead", 0)
	require.NoError(t, err)

	go func() { _ = reader.Run(ctx) }()
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.subs) == 1
	}, time.Second, 5*time.Millisecond)

	v2 := leadV1()
	v2.Fields = append(v2.Fields, v1.Field{Name: "wechat", Type: v1.TypeString})
	_, err = writer.Register(ctx, v2)
	require.NoError(t, err)

	s, err := reader.Get(ctx, "lead", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Version)
}

func TestConcurrentRegistrationPerID(t *testing.T) {
	ctx := context.Background()
	r := New()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Register(ctx, leadV1())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := r.Versions(ctx, "lead")
	require.NoError(t, err)
	assert.Len(t, versions, 20)
	assert.Equal(t, 20, versions[19])
}
