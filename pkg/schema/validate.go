package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/expr"
)

// Issue is one validation finding.
type Issue struct {
	Field   string      `json:"field"`
	Rule    v1.RuleType `json:"rule,omitempty"`
	Message string      `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// ValidationResult contains the outcome of validating a payload.
type ValidationResult struct {
	Valid             bool           `json:"valid"`
	SchemaID          string         `json:"schemaId"`
	Version           int            `json:"version"`
	Errors            []Issue        `json:"errors"`
	Warnings          []Issue        `json:"warnings"`
	NormalizedPayload map[string]any `json:"normalizedPayload,omitempty"`
}

// Err returns a *ValidationError when the result is invalid.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{SchemaID: r.SchemaID, Version: r.Version, Issues: r.Errors}
}

// compiled is one schema version with its rules prepared for evaluation.
type compiled struct {
	schema   *v1.Schema
	patterns map[int]*regexp.Regexp
	customs  map[int]*expr.Program
	ranges   map[int][2]*float64
}

func compile(s *v1.Schema) (*compiled, error) {
	c := &compiled{
		schema:   s,
		patterns: make(map[int]*regexp.Regexp),
		customs:  make(map[int]*expr.Program),
		ranges:   make(map[int][2]*float64),
	}
	for i, r := range s.QualityRules {
		switch r.Type {
		case v1.RulePattern:
			re, err := regexp.Compile(r.Rule)
			if err != nil {
				return nil, err
			}
			c.patterns[i] = re
		case v1.RuleCustom:
			p, err := expr.Compile(r.Rule)
			if err != nil {
				return nil, err
			}
			c.customs[i] = p
		case v1.RuleRange:
			lo, hi, err := parseRange(r.Rule)
			if err != nil {
				return nil, err
			}
			c.ranges[i] = [2]*float64{lo, hi}
		}
	}
	return c, nil
}

// validate runs structural checks, then quality rules, then normalizes.
func (c *compiled) validate(payload map[string]any) *ValidationResult {
	res := &ValidationResult{SchemaID: c.schema.ID, Version: c.schema.Version}

	res.Errors = c.structural(payload)
	if len(res.Errors) > 0 {
		return res
	}

	for i, rule := range c.schema.QualityRules {
		issue, ok := c.checkRule(i, rule, payload)
		if ok {
			continue
		}
		if rule.Severity == v1.SeverityWarning {
			res.Warnings = append(res.Warnings, issue)
		} else {
			res.Errors = append(res.Errors, issue)
		}
	}
	if len(res.Errors) > 0 {
		return res
	}

	res.Valid = true
	res.NormalizedPayload = c.normalize(payload)
	return res
}

func (c *compiled) structural(payload map[string]any) []Issue {
	var issues []Issue
	if payload == nil {
		return []Issue{{Message: "payload is empty"}}
	}
	for _, f := range c.schema.Fields {
		v, present := payload[f.Name]
		if s, ok := v.(string); ok && f.Required && strings.TrimSpace(s) == "" {
			v = nil
		}
		if !present || v == nil {
			if f.Required && f.Default == nil {
				issues = append(issues, Issue{Field: f.Name, Message: "missing required field"})
			}
			continue
		}
		if !checkType(v, f.Type) {
			issues = append(issues, Issue{Field: f.Name, Message: fmt.Sprintf("expected type %s, got %T", f.Type, v)})
			continue
		}
		if len(f.Enum) > 0 {
			if s, ok := v.(string); ok && s != "" && !contains(f.Enum, s) {
				issues = append(issues, Issue{Field: f.Name, Message: fmt.Sprintf("value %q not in %v", s, f.Enum)})
			}
		}
	}
	return issues
}

func (c *compiled) checkRule(idx int, rule v1.QualityRule, payload map[string]any) (Issue, bool) {
	v := payload[rule.Field]
	issue := Issue{Field: rule.Field, Rule: rule.Type, Message: rule.Message}
	fail := func(msg string) (Issue, bool) {
		if issue.Message == "" {
			issue.Message = msg
		}
		return issue, false
	}

	switch rule.Type {
	case v1.RuleRequired:
		if v == nil || v == "" {
			return fail("value is required")
		}
	case v1.RulePattern:
		if v == nil {
			return issue, true
		}
		if !c.patterns[idx].MatchString(stringValue(v)) {
			return fail(fmt.Sprintf("value does not match %s", rule.Rule))
		}
	case v1.RuleRange:
		if v == nil {
			return issue, true
		}
		n, ok := expr.ToNumber(v)
		if !ok {
			return fail("value is not numeric")
		}
		bounds := c.ranges[idx]
		if (bounds[0] != nil && n < *bounds[0]) || (bounds[1] != nil && n > *bounds[1]) {
			return fail(fmt.Sprintf("value %v outside range %s", v, rule.Rule))
		}
	case v1.RuleEnum:
		if v == nil {
			return issue, true
		}
		allowed := strings.Split(rule.Rule, ",")
		for i := range allowed {
			allowed[i] = strings.TrimSpace(allowed[i])
		}
		if !contains(allowed, stringValue(v)) {
			return fail(fmt.Sprintf("value %v not in [%s]", v, rule.Rule))
		}
	case v1.RuleCustom:
		ok, err := c.customs[idx].EvalBool(map[string]any{
			"payload": payload,
			"value":   v,
			"field":   rule.Field,
		})
		if err != nil {
			return fail(fmt.Sprintf("rule error: %v", err))
		}
		if !ok {
			return fail(fmt.Sprintf("custom rule %q failed", rule.Rule))
		}
	}
	return issue, true
}

// ═══════════════════════════════════════════
// Normalization
// ═══════════════════════════════════════════

func (c *compiled) normalize(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+len(c.schema.Fields))
	for k, v := range payload {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			out[k] = nil
			continue
		}
		out[k] = v
	}

	for _, f := range c.schema.Fields {
		v, present := out[f.Name]
		if !present || v == nil {
			out[f.Name] = f.Default
			continue
		}
		switch {
		case f.Type == v1.TypeTimestamp || f.Format == "timestamp":
			if ts, err := parseTimestamp(v, ""); err == nil {
				out[f.Name] = ts.UTC().Format(time.RFC3339)
			}
		case isPhoneField(f):
			if s, ok := v.(string); ok {
				out[f.Name] = normalizePhone(s)
			}
		case f.Format == "email":
			if s, ok := v.(string); ok {
				out[f.Name] = strings.ToLower(strings.TrimSpace(s))
			}
		}
	}
	return out
}

func isPhoneField(f v1.Field) bool {
	if f.Format == "phone" {
		return true
	}
	if f.Format != "" || (f.Type != v1.TypeString && f.Type != v1.TypeAny) {
		return false
	}
	name := strings.ToLower(f.Name)
	return strings.Contains(name, "phone") || name == "mobile"
}

// normalizePhone keeps digits and a leading plus sign.
func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	var sb strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		} else if r == '+' && i == 0 {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
	"2006/01/02",
}

// parseTimestamp accepts strings in common layouts (or the given layout)
// and unix seconds or milliseconds.
func parseTimestamp(v any, layout string) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case string:
		s := strings.TrimSpace(val)
		if layout != "" {
			return time.Parse(layout, s)
		}
		for _, l := range timestampLayouts {
			if t, err := time.Parse(l, s); err == nil {
				return t, nil
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
	}
	if n, ok := expr.ToNumber(v); ok {
		return fromUnix(int64(n)), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp value %T", v)
}

func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

// checkType validates a decoded JSON value against a field type.
func checkType(val any, t v1.FieldType) bool {
	switch t {
	case v1.TypeAny, "":
		return true
	case v1.TypeString:
		_, ok := val.(string)
		return ok
	case v1.TypeNumber:
		_, ok := expr.ToNumber(val)
		_, isString := val.(string)
		return ok && !isString
	case v1.TypeInteger:
		switch v := val.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64, int32:
			return true
		case json.Number:
			_, err := v.Int64()
			return err == nil
		}
		return false
	case v1.TypeBoolean:
		_, ok := val.(bool)
		return ok
	case v1.TypeTimestamp:
		_, err := parseTimestamp(val, "")
		return err == nil
	case v1.TypeObject:
		_, ok := val.(map[string]any)
		return ok
	case v1.TypeArray:
		_, ok := val.([]any)
		return ok
	}
	return false
}

// parseRange parses "min..max"; either bound may be omitted.
func parseRange(rule string) (*float64, *float64, error) {
	parts := strings.SplitN(rule, "..", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("range must look like min..max, got %q", rule)
	}
	var bounds [2]*float64
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("range bound %q: %w", p, err)
		}
		bounds[i] = &f
	}
	if bounds[0] == nil && bounds[1] == nil {
		return nil, nil, fmt.Errorf("range %q has no bounds", rule)
	}
	return bounds[0], bounds[1], nil
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
