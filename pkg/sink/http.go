package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// HTTPWriter POSTs {data, metadata, pipelineId} to an endpoint. Any
// non-2xx response is a failed delivery.
//
//	sink:
//	  type: http
//	  config:
//	    url: https://crm.example.com/hooks/leads
//	    method: POST
//	    headers: {X-Source: schemaflow}
//	    token: ${CRM_TOKEN}           # or vault_path + token
type HTTPWriter struct {
	url     string
	method  string
	headers map[string]string
	token   string
	client  *http.Client
}

// NewHTTPWriter creates a writer; client defaults to http.DefaultClient.
// Timeouts come from the write context.
func NewHTTPWriter(url, method string, headers map[string]string, token string, client *http.Client) *HTTPWriter {
	if method == "" {
		method = http.MethodPost
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPWriter{url: url, method: method, headers: headers, token: token, client: client}
}

func buildHTTP(ctx context.Context, spec v1.SinkSpec, _ string, r *Resolver, _ *zap.Logger) (Writer, error) {
	url := r.Resolve(ctx, spec.Config, "url", "", "")
	if url == "" {
		return nil, fmt.Errorf("http sink requires config.url")
	}
	headers := map[string]string{}
	if raw, ok := spec.Config["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}
	token := r.Resolve(ctx, spec.Config, "token", "SCHEMAFLOW_HTTP_SINK_TOKEN", "")
	return NewHTTPWriter(url, configString(spec.Config, "method"), headers, token, nil), nil
}

func (s *HTTPWriter) Open(context.Context) error { return nil }
func (s *HTTPWriter) Close() error               { return nil }
func (s *HTTPWriter) Name() string               { return "http:" + s.url }

func (s *HTTPWriter) Write(ctx context.Context, e *v1.DataEvent) error {
	body, err := json.Marshal(envelopeOf(e))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", e.ID)
	req.Header.Set("X-Pipeline-ID", e.PipelineID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &WriteError{Sink: s.Name(), Err: err}
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &WriteError{
			Sink:   s.Name(),
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected response: %s", bytes.TrimSpace(snippet)),
		}
	}
	return nil
}
