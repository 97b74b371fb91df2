package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/sink"
)

// HTTPPollSource polls a REST endpoint and emits one event per record.
//
//	source:
//	  type: http_poll
//	  config:
//	    url: https://crm.example.com/api/contacts
//	    auth_type: bearer             # none|bearer|basic|api_key
//	    auth_token: ${CRM_TOKEN}
//	    response_type: json           # json|jsonl
//	    data_path: data.items
//	    poll_interval: 1m             # 0 fetches once
//	    since_param: updated_after    # incremental polling
//	    since_path: updated_at
//	    rate_limit_rps: 5
//	    max_failures: 5
//
// With since_param set, each request carries the largest since_path value
// seen so far. Consecutive failed polls beyond max_failures end Run with
// an error.
type HTTPPollSource struct {
	url          string
	method       string
	headers      map[string]string
	authType     string
	authToken    string
	authUser     string
	authPassword string
	apiKeyHeader string
	apiKeyValue  string
	responseType string
	dataPath     string
	pollInterval time.Duration
	sinceParam   string
	sincePath    string
	maxFailures  int

	limiter *rate.Limiter
	client  *http.Client
	events  eventBuilder
	logger  *zap.Logger

	since    string
	failures int
}

// NewHTTPPollSource creates the source from config.
func NewHTTPPollSource(cfg map[string]any, r *sink.Resolver, events eventBuilder, logger *zap.Logger) (*HTTPPollSource, error) {
	ctx := context.Background()
	endpoint := r.Resolve(ctx, cfg, "url", "HTTP_SOURCE_URL", "")
	if endpoint == "" {
		return nil, errors.New("http_poll source requires config.url")
	}
	headers := map[string]string{}
	if h, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range h {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}
	rps := configInt(cfg, "rate_limit_rps", 10)
	if rps <= 0 {
		rps = 10
	}
	if events.source == string(v1.SourceHTTPPoll) {
		if u, err := url.Parse(endpoint); err == nil {
			events.source = "http:" + u.Host
		}
	}
	return &HTTPPollSource{
		url:          endpoint,
		method:       strings.ToUpper(configString(cfg, "method", http.MethodGet)),
		headers:      headers,
		authType:     configString(cfg, "auth_type", "none"),
		authToken:    r.Resolve(ctx, cfg, "auth_token", "HTTP_AUTH_TOKEN", ""),
		authUser:     r.Resolve(ctx, cfg, "auth_user", "HTTP_AUTH_USER", ""),
		authPassword: r.Resolve(ctx, cfg, "auth_password", "HTTP_AUTH_PASSWORD", ""),
		apiKeyHeader: configString(cfg, "api_key_header", "X-API-Key"),
		apiKeyValue:  r.Resolve(ctx, cfg, "api_key_value", "HTTP_API_KEY", ""),
		responseType: configString(cfg, "response_type", "json"),
		dataPath:     configString(cfg, "data_path", ""),
		pollInterval: configDuration(cfg, "poll_interval", time.Minute),
		sinceParam:   configString(cfg, "since_param", ""),
		sincePath:    configString(cfg, "since_path", ""),
		maxFailures:  configInt(cfg, "max_failures", 5),
		limiter:      rate.NewLimiter(rate.Limit(rps), rps*2),
		client:       &http.Client{Timeout: configDuration(cfg, "timeout", 30*time.Second)},
		events:       events,
		logger:       logger,
		since:        configString(cfg, "since", ""),
	}, nil
}

// SetClient replaces the HTTP client.
func (s *HTTPPollSource) SetClient(c *http.Client) { s.client = c }

func (s *HTTPPollSource) Open(context.Context) error { return nil }

func (s *HTTPPollSource) Run(ctx context.Context, emit Emit) error {
	for {
		if err := s.pollOnce(ctx, emit); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.failures++
			s.logger.Warn("poll failed", zap.String("url", s.url), zap.Int("failures", s.failures), zap.Error(err))
			if s.failures > s.maxFailures {
				return fmt.Errorf("http_poll %s: %d consecutive failures: %w", s.url, s.failures, err)
			}
		} else {
			s.failures = 0
		}
		if s.pollInterval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.pollInterval):
		}
	}
}

func (s *HTTPPollSource) pollOnce(ctx context.Context, emit Emit) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	records, err := s.parse(body)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := emit(ctx, s.events.build(rec, v1.OpCreate, map[string]string{"url": s.url})); err != nil {
			return ctx.Err()
		}
		if s.sincePath != "" {
			if v, ok := nestedValue(rec, s.sincePath); ok {
				if next := scalar(v); next > s.since {
					s.since = next
				}
			}
		}
	}
	return nil
}

func (s *HTTPPollSource) requestURL() string {
	if s.sinceParam == "" || s.since == "" {
		return s.url
	}
	u, err := url.Parse(s.url)
	if err != nil {
		return s.url
	}
	q := u.Query()
	q.Set(s.sinceParam, s.since)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPPollSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, s.method, s.requestURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	s.applyAuth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d from %s", resp.StatusCode, s.url)
	}
	return body, nil
}

func (s *HTTPPollSource) applyAuth(req *http.Request) {
	switch s.authType {
	case "bearer":
		if s.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+s.authToken)
		}
	case "basic":
		if s.authUser != "" {
			encoded := base64.StdEncoding.EncodeToString([]byte(s.authUser + ":" + s.authPassword))
			req.Header.Set("Authorization", "Basic "+encoded)
		}
	case "api_key":
		if s.apiKeyValue != "" {
			req.Header.Set(s.apiKeyHeader, s.apiKeyValue)
		}
	}
}

// parse extracts records from a response body.
func (s *HTTPPollSource) parse(body []byte) ([]map[string]any, error) {
	if s.responseType == "jsonl" {
		var out []map[string]any
		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
				out = append(out, decodeRecord(append([]byte(nil), line...)))
			}
		}
		return out, sc.Err()
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("json parse: %w", err)
	}
	if obj, ok := doc.(map[string]any); ok && s.dataPath != "" {
		v, found := nestedValue(obj, s.dataPath)
		if !found {
			return nil, nil
		}
		doc = v
	}
	switch v := doc.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if rec, ok := item.(map[string]any); ok {
				out = append(out, rec)
			}
		}
		return out, nil
	case map[string]any:
		return []map[string]any{v}, nil
	default:
		return nil, fmt.Errorf("unexpected response shape %T", doc)
	}
}

func (s *HTTPPollSource) Close() error { return nil }
func (s *HTTPPollSource) Name() string { return "http_poll:" + s.url }
