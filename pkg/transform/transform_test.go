package transform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

func event(payload map[string]any) *v1.DataEvent {
	return &v1.DataEvent{ID: "evt-1", PipelineID: "p1", Source: "crm", Operation: v1.OpCreate, Payload: payload}
}

func mappings(rows ...map[string]any) map[string]any {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return map[string]any{"mappings": list}
}

func enrichments(rows ...map[string]any) map[string]any {
	list := make([]any, len(rows))
	for i, r := range rows {
		list[i] = r
	}
	return map[string]any{"enrichments": list}
}

func TestFilterStopsChainWithAuditPrefix(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{
		{ID: "trim", Type: v1.TransformMap, Config: mappings(map[string]any{"source": "status", "transform": "lower"})},
		{ID: "no-spam", Type: v1.TransformFilter, Config: map[string]any{"expression": "status != 'spam'"}},
		{ID: "tag", Type: v1.TransformEnrich, Config: enrichments(map[string]any{"type": "compute", "target": "tagged", "expression": "true"})},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"trim", "no-spam", "tag"}, chain.IDs())

	res, err := chain.Apply(context.Background(), event(map[string]any{"status": "SPAM"}))
	assert.ErrorIs(t, err, ErrFiltered)
	assert.Equal(t, []string{"trim"}, res.Applied)

	in := map[string]any{"status": "New"}
	res, err = chain.Apply(context.Background(), event(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"trim", "no-spam", "tag"}, res.Applied)
	assert.Equal(t, "new", res.Payload["status"])
	assert.Equal(t, true, res.Payload["tagged"])
	assert.Equal(t, "New", in["status"], "input payload is not mutated")
}

func TestFilterSeesEventFields(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{
		{ID: "f", Type: v1.TransformFilter, Config: map[string]any{"expression": "event.operation != 'delete' && event.source == 'crm'"}},
	})
	require.NoError(t, err)

	_, err = chain.Apply(context.Background(), event(map[string]any{}))
	require.NoError(t, err)

	ev := event(map[string]any{})
	ev.Operation = v1.OpDelete
	_, err = chain.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, ErrFiltered)
}

func TestMapKinds(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{{
		ID:   "m",
		Type: v1.TransformMap,
		Config: mappings(
			map[string]any{"source": "age", "target": "age_n", "transform": "number"},
			map[string]any{"source": "vip", "transform": "boolean"},
			map[string]any{"source": "visit", "transform": "date"},
			map[string]any{"source": "city", "transform": "upper"},
			map[string]any{"source": "note", "transform": "trim"},
			map[string]any{"source": "id_card", "transform": "hash"},
			map[string]any{"source": "email", "transform": "mask"},
			map[string]any{"source": "level", "transform": "string"},
			map[string]any{"source": "channel", "default": "web"},
			map[string]any{"source": "mobile", "target": "phone", "deleteSource": true},
		),
	}}, WithPIISalt("s"))
	require.NoError(t, err)

	res, err := chain.Apply(context.Background(), event(map[string]any{
		"age":     "42",
		"vip":     "true",
		"visit":   "2024-03-01",
		"city":    "chengdu",
		"note":    "  hi  ",
		"id_card": "110101199001011234",
		"email":   "li@example.com",
		"level":   float64(3),
		"mobile":  "13800000000",
	}))
	require.NoError(t, err)

	p := res.Payload
	assert.Equal(t, float64(42), p["age_n"])
	assert.Equal(t, "42", p["age"])
	assert.Equal(t, true, p["vip"])
	assert.Equal(t, "2024-03-01T00:00:00Z", p["visit"])
	assert.Equal(t, "CHENGDU", p["city"])
	assert.Equal(t, "hi", p["note"])
	assert.Len(t, p["id_card"], 16)
	assert.NotEqual(t, "110101199001011234", p["id_card"])
	assert.Equal(t, "l***@example.com", p["email"])
	assert.Equal(t, "3", p["level"])
	assert.Equal(t, "web", p["channel"])
	assert.Equal(t, "13800000000", p["phone"])
	assert.NotContains(t, p, "mobile")
}

func TestMapConversionFailure(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{{
		ID: "m", Type: v1.TransformMap,
		Config: mappings(map[string]any{"source": "age", "transform": "number"}),
	}})
	require.NoError(t, err)

	_, err = chain.Apply(context.Background(), event(map[string]any{"age": "old"}))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "m", stepErr.StepID)
	assert.False(t, errors.Is(err, ErrFiltered))
}

func TestOptionalConditionSkipsFailingStep(t *testing.T) {
	specs := func(cond string) []v1.TransformationSpec {
		return []v1.TransformationSpec{
			{ID: "convert", Type: v1.TransformMap, OptionalCondition: cond,
				Config: mappings(map[string]any{"source": "age", "transform": "number"})},
			{ID: "after", Type: v1.TransformMap, Config: mappings(map[string]any{"source": "name", "transform": "upper"})},
		}
	}
	payload := map[string]any{"age": "n/a", "name": "wang", "source": "import"}

	chain, err := NewChain(specs("always"))
	require.NoError(t, err)
	res, err := chain.Apply(context.Background(), event(payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, res.Applied)
	assert.Equal(t, "WANG", res.Payload["name"])

	chain, err = NewChain(specs("source == 'import'"))
	require.NoError(t, err)
	_, err = chain.Apply(context.Background(), event(payload))
	require.NoError(t, err)

	chain, err = NewChain(specs("source == 'web'"))
	require.NoError(t, err)
	_, err = chain.Apply(context.Background(), event(payload))
	var stepErr *StepError
	assert.ErrorAs(t, err, &stepErr)
}

func TestLastWriteWins(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{
		{ID: "a", Type: v1.TransformEnrich, Config: enrichments(map[string]any{"type": "compute", "target": "tier", "expression": "'silver'"})},
		{ID: "b", Type: v1.TransformEnrich, Config: enrichments(map[string]any{"type": "compute", "target": "tier", "expression": "'gold'"})},
	})
	require.NoError(t, err)
	res, err := chain.Apply(context.Background(), event(map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "gold", res.Payload["tier"])
}

func TestEnrichLookupComputeGeo(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{{
		ID:   "e",
		Type: v1.TransformEnrich,
		Config: enrichments(
			map[string]any{"type": "lookup", "key": "src", "target": "channel", "table": map[string]any{"wx": "WeChat", "*": "Other"}},
			map[string]any{"type": "compute", "target": "score", "expression": "visits * 10 + 1"},
			map[string]any{"type": "geo", "field": "phone", "target": "region"},
			map[string]any{"type": "geo", "field": "office", "target": "office_region"},
		),
	}})
	require.NoError(t, err)

	res, err := chain.Apply(context.Background(), event(map[string]any{
		"src":    "wx",
		"visits": float64(3),
		"phone":  "13800000000",
		"office": "0755-88886666",
	}))
	require.NoError(t, err)

	p := res.Payload
	assert.Equal(t, "WeChat", p["channel"])
	assert.Equal(t, float64(31), p["score"])
	assert.Equal(t, "CN", p["region"].(map[string]any)["country"])
	office := p["office_region"].(map[string]any)
	assert.Equal(t, "Shenzhen", office["city"])
	assert.Equal(t, "Guangdong", office["province"])

	res, err = chain.Apply(context.Background(), event(map[string]any{"src": "fb", "visits": float64(0)}))
	require.NoError(t, err)
	assert.Equal(t, "Other", res.Payload["channel"])
	assert.NotContains(t, res.Payload, "region")
}

func TestEnrichHTTP(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/customers/13800000000" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"level":"vip"}}`))
	}))
	defer srv.Close()

	spec := func(required bool) []v1.TransformationSpec {
		return []v1.TransformationSpec{{
			ID:   "crm",
			Type: v1.TransformEnrich,
			Config: enrichments(map[string]any{
				"type": "http", "url": srv.URL + "/customers/{phone}", "path": "data.level",
				"target": "level", "required": required, "timeoutMs": 2000,
			}),
		}}
	}

	chain, err := NewChain(spec(true))
	require.NoError(t, err)
	res, err := chain.Apply(context.Background(), event(map[string]any{"phone": "13800000000"}))
	require.NoError(t, err)
	assert.Equal(t, "vip", res.Payload["level"])

	_, err = chain.Apply(context.Background(), event(map[string]any{"phone": "999"}))
	assert.ErrorContains(t, err, "status 404")

	optional, err := NewChain(spec(false))
	require.NoError(t, err)
	res, err = optional.Apply(context.Background(), event(map[string]any{"phone": "999"}))
	require.NoError(t, err)
	assert.NotContains(t, res.Payload, "level")
	assert.Equal(t, []string{"crm"}, res.Applied)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAggregateAndJoinPassThrough(t *testing.T) {
	chain, err := NewChain([]v1.TransformationSpec{
		{ID: "agg", Type: v1.TransformAggregate},
		{ID: "join", Type: v1.TransformJoin},
	})
	require.NoError(t, err)
	in := map[string]any{"a": "b"}
	res, err := chain.Apply(context.Background(), event(in))
	require.NoError(t, err)
	assert.Equal(t, in, res.Payload)
	assert.Equal(t, []string{"agg", "join"}, res.Applied)
}

func TestNewChainRejectsBadSpecs(t *testing.T) {
	cases := map[string]v1.TransformationSpec{
		"unknown type":     {ID: "x", Type: "window"},
		"empty filter":     {ID: "x", Type: v1.TransformFilter},
		"bad expression":   {ID: "x", Type: v1.TransformFilter, Config: map[string]any{"expression": "a =="}},
		"unknown map kind": {ID: "x", Type: v1.TransformMap, Config: mappings(map[string]any{"source": "a", "transform": "rot13"})},
		"no enrichments":   {ID: "x", Type: v1.TransformEnrich, Config: map[string]any{}},
		"lookup no table":  {ID: "x", Type: v1.TransformEnrich, Config: enrichments(map[string]any{"type": "lookup", "key": "a", "target": "b"})},
		"bad condition":    {ID: "x", Type: v1.TransformAggregate, OptionalCondition: "(("},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewChain([]v1.TransformationSpec{spec})
			assert.Error(t, err)
		})
	}
}

func TestEmptyChain(t *testing.T) {
	var chain *Chain
	res, err := chain.Apply(context.Background(), event(map[string]any{"a": 1}))
	require.NoError(t, err)
	assert.Empty(t, res.Applied)
	assert.Equal(t, 0, chain.Len())
}
