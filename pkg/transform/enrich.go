package transform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/expr"
)

// enrichment is one entry of an enrich step.
type enrichment struct {
	Type       string            `json:"type"`
	Target     string            `json:"target"`
	Required   bool              `json:"required"`
	Key        string            `json:"key"`
	Table      map[string]any    `json:"table"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Path       string            `json:"path"`
	TimeoutMs  int               `json:"timeoutMs"`
	RateLimit  float64           `json:"rateLimit"`
	Expression string            `json:"expression"`
	Field      string            `json:"field"`
}

type enricher func(ctx context.Context, event *v1.DataEvent, payload map[string]any) (any, bool, error)

// enrichStep augments the record from lookup tables, HTTP endpoints,
// computed expressions and region tables.
//
//	type: enrich
//	config:
//	  enrichments:
//	    - {type: lookup, key: source, target: channel_name, table: {wx: WeChat, dy: Douyin}}
//	    - {type: http, url: "https://crm.local/customers/{phone}", path: data.level, target: level}
//	    - {type: compute, expression: "concat(payload.first, ' ', payload.last)", target: full_name}
//	    - {type: geo, field: phone, target: region}
//
// A required enrichment that fails fails the step. Optional ones are
// logged and skipped.
func enrichStep(stepID string, cfg map[string]any, o *options) (Func, error) {
	var c struct {
		Enrichments []enrichment `json:"enrichments"`
	}
	if err := decodeConfig(cfg, &c); err != nil {
		return nil, fmt.Errorf("enrich config: %w", err)
	}
	if len(c.Enrichments) == 0 {
		return nil, fmt.Errorf("enrich requires config.enrichments")
	}

	fns := make([]enricher, len(c.Enrichments))
	for i, e := range c.Enrichments {
		if e.Target == "" {
			return nil, fmt.Errorf("enrichments[%d].target is required", i)
		}
		var err error
		switch e.Type {
		case "lookup":
			fns[i], err = lookupEnricher(e)
		case "http":
			fns[i], err = httpEnricher(fmt.Sprintf("%s-%d", stepID, i), e, o)
		case "compute":
			fns[i], err = computeEnricher(e)
		case "geo":
			fns[i], err = geoEnricher(e)
		default:
			err = fmt.Errorf("unknown type %q (lookup, http, compute, geo)", e.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("enrichments[%d]: %w", i, err)
		}
	}

	return func(ctx context.Context, event *v1.DataEvent, payload map[string]any) (map[string]any, error) {
		result := copyMap(payload)
		for i, fn := range fns {
			e := c.Enrichments[i]
			v, found, err := fn(ctx, event, result)
			if err == nil && !found && e.Required {
				err = fmt.Errorf("no value found")
			}
			if err != nil {
				if e.Required {
					return nil, fmt.Errorf("%s enrichment of %s: %w", e.Type, e.Target, err)
				}
				o.logger.Debug("optional enrichment skipped",
					zap.String("pipeline_id", event.PipelineID),
					zap.String("event_id", event.ID),
					zap.String("target", e.Target),
					zap.Error(err))
				continue
			}
			if found {
				result[e.Target] = v
			}
		}
		return result, nil
	}, nil
}

func lookupEnricher(e enrichment) (enricher, error) {
	if e.Key == "" {
		return nil, fmt.Errorf("lookup requires key")
	}
	if len(e.Table) == 0 {
		return nil, fmt.Errorf("lookup requires table")
	}
	return func(_ context.Context, _ *v1.DataEvent, payload map[string]any) (any, bool, error) {
		k, ok := payload[e.Key]
		if !ok || k == nil {
			return nil, false, nil
		}
		v, ok := e.Table[stringify(k)]
		if !ok {
			v, ok = e.Table["*"]
		}
		return v, ok, nil
	}, nil
}

func computeEnricher(e enrichment) (enricher, error) {
	p, err := expr.Compile(e.Expression)
	if err != nil {
		return nil, fmt.Errorf("compute expression: %w", err)
	}
	return func(_ context.Context, event *v1.DataEvent, payload map[string]any) (any, bool, error) {
		v, err := p.Eval(conditionVars(event, payload))
		if err != nil {
			return nil, false, err
		}
		return v, true, nil
	}, nil
}

// ═══════════════════════════════════════════
// HTTP enrichment
// ═══════════════════════════════════════════

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_.]+)\}`)

// httpEnricher calls an external endpoint per event. Calls are rate
// limited and guarded by a circuit breaker so a failing endpoint degrades
// to skipped enrichments instead of stalling the pipeline.
func httpEnricher(name string, e enrichment, o *options) (enricher, error) {
	if e.URL == "" {
		return nil, fmt.Errorf("http requires url")
	}
	if _, err := url.Parse(placeholderRe.ReplaceAllString(e.URL, "x")); err != nil {
		return nil, fmt.Errorf("http url: %w", err)
	}
	method := strings.ToUpper(e.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := o.httpTimeout
	if e.TimeoutMs > 0 {
		timeout = time.Duration(e.TimeoutMs) * time.Millisecond
	}
	rps := e.RateLimit
	if rps <= 0 {
		rps = 10
	}
	limiter := rate.NewLimiter(rate.Limit(rps), int(rps*2)+1)
	logger := o.logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("enrichment circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	client := o.httpClient

	return func(ctx context.Context, _ *v1.DataEvent, payload map[string]any) (any, bool, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := limiter.Wait(ctx); err != nil {
			return nil, false, fmt.Errorf("rate limit: %w", err)
		}

		target := placeholderRe.ReplaceAllStringFunc(e.URL, func(m string) string {
			v, _ := lookupPath(payload, m[1:len(m)-1])
			return url.PathEscape(stringify(v))
		})

		out, err := cb.Execute(func() (any, error) {
			req, err := http.NewRequestWithContext(ctx, method, target, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Accept", "application/json")
			for k, v := range e.Headers {
				req.Header.Set(k, v)
			}
			resp, err := client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, err
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("%s %s: status %d", method, target, resp.StatusCode)
			}
			var decoded any
			if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &decoded); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
			return decoded, nil
		})
		if err != nil {
			return nil, false, err
		}
		if e.Path == "" {
			return out, true, nil
		}
		v, ok := lookupPath(out, e.Path)
		return v, ok, nil
	}, nil
}

func lookupPath(v any, path string) (any, bool) {
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ═══════════════════════════════════════════
// Geo enrichment
// ═══════════════════════════════════════════

// Region is the result of a geo enrichment.
type Region struct {
	Code     string `json:"code"`
	Country  string `json:"country"`
	Province string `json:"province,omitempty"`
	City     string `json:"city,omitempty"`
}

// defaultRegions maps dialing prefixes (country code, then area code
// with its trunk zero) to regions. Longest prefix wins.
var defaultRegions = map[string]Region{
	"86":     {Country: "CN"},
	"86010":  {Country: "CN", Province: "Beijing", City: "Beijing"},
	"86021":  {Country: "CN", Province: "Shanghai", City: "Shanghai"},
	"86022":  {Country: "CN", Province: "Tianjin", City: "Tianjin"},
	"86023":  {Country: "CN", Province: "Chongqing", City: "Chongqing"},
	"86020":  {Country: "CN", Province: "Guangdong", City: "Guangzhou"},
	"860755": {Country: "CN", Province: "Guangdong", City: "Shenzhen"},
	"86028":  {Country: "CN", Province: "Sichuan", City: "Chengdu"},
	"860571": {Country: "CN", Province: "Zhejiang", City: "Hangzhou"},
	"86025":  {Country: "CN", Province: "Jiangsu", City: "Nanjing"},
	"86027":  {Country: "CN", Province: "Hubei", City: "Wuhan"},
	"852":    {Country: "HK"},
	"853":    {Country: "MO"},
	"886":    {Country: "TW"},
	"1":      {Country: "US"},
	"44":     {Country: "GB"},
	"81":     {Country: "JP"},
	"82":     {Country: "KR"},
	"65":     {Country: "SG"},
}

// geoEnricher resolves a phone number or region code to a Region.
// Numbers without a country code are taken as mainland numbers: an
// eleven digit mobile number maps to CN, a number with a trunk zero is
// looked up by area code.
func geoEnricher(e enrichment) (enricher, error) {
	if e.Field == "" {
		return nil, fmt.Errorf("geo requires field")
	}
	table := defaultRegions
	if len(e.Table) > 0 {
		table = make(map[string]Region, len(e.Table))
		for k, v := range e.Table {
			var r Region
			switch val := v.(type) {
			case string:
				r.Country = val
			case map[string]any:
				r.Country, _ = val["country"].(string)
				r.Province, _ = val["province"].(string)
				r.City, _ = val["city"].(string)
			default:
				return nil, fmt.Errorf("geo table entry %q must be a string or object", k)
			}
			table[k] = r
		}
	}

	return func(_ context.Context, _ *v1.DataEvent, payload map[string]any) (any, bool, error) {
		raw, ok := payload[e.Field]
		if !ok || raw == nil {
			return nil, false, nil
		}
		key := dialingKey(stringify(raw))
		if key == "" {
			return nil, false, nil
		}
		for n := len(key); n > 0; n-- {
			if r, ok := table[key[:n]]; ok {
				r.Code = key[:n]
				return map[string]any{
					"code":     r.Code,
					"country":  r.Country,
					"province": r.Province,
					"city":     r.City,
				}, true, nil
			}
		}
		return nil, false, nil
	}, nil
}

func dialingKey(s string) string {
	s = strings.TrimSpace(s)
	international := strings.HasPrefix(s, "+") || strings.HasPrefix(s, "00")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case digits == "":
		return ""
	case international:
		digits = strings.TrimPrefix(digits, "00")
		if strings.HasPrefix(digits, "86") && len(digits) > 2 && digits[2] != '1' {
			return "860" + digits[2:]
		}
		return digits
	case strings.HasPrefix(digits, "0"):
		return "86" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "86"
	}
	return digits
}
