package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/engine"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/schema"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/store"
)

type capture struct {
	mu     sync.Mutex
	events []*v1.DataEvent
}

func (c *capture) Open(context.Context) error { return nil }
func (c *capture) Close() error               { return nil }
func (c *capture) Name() string               { return "capture" }

func (c *capture) Write(_ context.Context, e *v1.DataEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *capture) first() *v1.DataEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[0]
}

func newServer(t *testing.T) (*Server, *capture) {
	t.Helper()
	db, err := store.Open(store.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	out := &capture{}
	router := sink.NewRouter(sink.WithBuilder(v1.SinkStdout, func(context.Context, v1.SinkSpec, string, *sink.Resolver, *zap.Logger) (sink.Writer, error) {
		return out, nil
	}))
	e, err := engine.New(db, engine.WithRouter(router), engine.WithRegistry(schema.New()))
	require.NoError(t, err)
	require.NoError(t, e.Open(context.Background()))
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return New(e, nil), out
}

func call(t *testing.T, s *Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func stdoutPipeline(name string) map[string]any {
	return map[string]any{
		"name":   name,
		"source": map[string]any{"type": "manual"},
		"sink":   map[string]any{"type": "stdout"},
	}
}

func TestPipelineLifecycleOverHTTP(t *testing.T) {
	s, out := newServer(t)

	code, body := call(t, s, http.MethodPost, "/api/v1/pipelines", stdoutPipeline("leads"))
	require.Equal(t, http.StatusCreated, code, body)
	id := body["id"].(string)
	assert.Equal(t, "draft", body["state"])

	code, body = call(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/start", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "active", body["state"])

	code, body = call(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/trigger", map[string]any{
		"eventId": "evt-1",
		"payload": map[string]any{"name": "Ana"},
	})
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "evt-1", body["eventId"])
	require.Eventually(t, func() bool {
		code, body := call(t, s, http.MethodGet, "/api/v1/pipelines/"+id+"/status", nil)
		return code == http.StatusOK && body["processedCount"] == float64(1)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, out.count())

	code, _ = call(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = call(t, s, http.MethodDelete, "/api/v1/pipelines/"+id, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "illegal state transition")

	code, body = call(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "stopped", body["state"])

	code, _ = call(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/trigger", map[string]any{"payload": map[string]any{}})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = call(t, s, http.MethodDelete, "/api/v1/pipelines/"+id, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = call(t, s, http.MethodGet, "/api/v1/pipelines/"+id, nil)
	assert.Equal(t, http.StatusNotFound, code)

	// Route params outlive their request on queued events.
	assert.Equal(t, id, out.first().PipelineID)
}

func TestRouteValuesAreImmutable(t *testing.T) {
	s, _ := newServer(t)
	assert.True(t, s.App().Config().Immutable)
}

func TestCreateRejectsInvalidDefinition(t *testing.T) {
	s, _ := newServer(t)

	code, body := call(t, s, http.MethodPost, "/api/v1/pipelines", map[string]any{
		"source": map[string]any{"type": "carrier-pigeon"},
		"sink":   map[string]any{"type": "stdout"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["error"])
}

func TestTriggerRejectsUnknownOperation(t *testing.T) {
	s, _ := newServer(t)
	_, body := call(t, s, http.MethodPost, "/api/v1/pipelines", stdoutPipeline("ops"))
	id := body["id"].(string)

	code, _ := call(t, s, http.MethodPost, "/api/v1/pipelines/"+id+"/trigger", map[string]any{"operation": "upsert"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsRange(t *testing.T) {
	s, _ := newServer(t)
	_, body := call(t, s, http.MethodPost, "/api/v1/pipelines", stdoutPipeline("metered"))
	id := body["id"].(string)

	code, body := call(t, s, http.MethodGet, "/api/v1/pipelines/"+id+"/metrics?from=2h", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, id, body["pipelineId"])

	code, _ = call(t, s, http.MethodGet, "/api/v1/pipelines/"+id+"/metrics?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, s, http.MethodGet, "/api/v1/pipelines/"+id+"/metrics?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, s, http.MethodGet, "/api/v1/pipelines/missing/metrics", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSchemaEndpoints(t *testing.T) {
	s, _ := newServer(t)

	code, body := call(t, s, http.MethodPost, "/api/v1/schemas", map[string]any{
		"id":   "lead",
		"name": "Lead",
		"fields": []map[string]any{
			{"name": "phone", "type": "string", "required": true},
			{"name": "name", "type": "string"},
		},
	})
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "lead", body["id"])
	assert.EqualValues(t, 1, body["version"])

	code, body = call(t, s, http.MethodPost, "/api/v1/schemas/lead/validate", map[string]any{"name": "Ana"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["valid"])

	code, body = call(t, s, http.MethodGet, "/api/v1/schemas/lead/versions", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{float64(1)}, body["versions"])

	code, _ = call(t, s, http.MethodGet, "/api/v1/schemas/lead?version=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(t, s, http.MethodGet, "/api/v1/schemas/lead?version=9", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = call(t, s, http.MethodGet, "/api/v1/schemas/lead/docs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["markdown"], "phone")

	code, _ = call(t, s, http.MethodPost, "/api/v1/schemas", map[string]any{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestDeadLetterNotFound(t *testing.T) {
	s, _ := newServer(t)

	code, body := call(t, s, http.MethodGet, "/api/v1/pipelines/any/deadletters", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["count"])

	code, _ = call(t, s, http.MethodGet, "/api/v1/pipelines/any/deadletters/evt", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusOf(engine.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusOf(engine.ErrIllegalTransition))
	assert.Equal(t, http.StatusBadRequest, statusOf(&schema.DefinitionError{Problems: []string{"x"}}))
	assert.Equal(t, http.StatusInternalServerError, statusOf(io.ErrUnexpectedEOF))
}
