package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: "schemaflow_pipelines", Help: "Registered pipelines."})
	reg.MustRegister(g)
	g.Set(2)

	snap := &v1.MetricsSnapshot{TotalPipelines: 2, ActiveCount: 1}
	s := NewServer(":0",
		WithGatherer(reg),
		WithStatus(func() []v1.PipelineStatus {
			return []v1.PipelineStatus{{PipelineID: "leads", State: v1.StateActive, ProcessedCount: 7}}
		}),
		WithSnapshot(func() *v1.MetricsSnapshot { return snap }),
	)
	h := s.Handler()

	code, body := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"status":"ok"`)

	code, _ = get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	s.SetReady(true)
	code, body = get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"ready":true`)

	code, body = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "schemaflow_pipelines 2")

	code, body = get(t, h, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"pipelineId":"leads"`)
	assert.Contains(t, body, `"processedCount":7`)
	assert.Contains(t, body, `"totalPipelines":2`)
}

func TestStatusWithoutSources(t *testing.T) {
	code, body := get(t, NewServer(":0").Handler(), "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"pipelines":[]`)
	assert.NotContains(t, body, "snapshot")
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, NewServer(":0").Stop())
}
