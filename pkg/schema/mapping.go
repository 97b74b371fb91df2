package schema

import (
	"fmt"
	"time"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// TransformOptions controls schema-to-schema transformation.
type TransformOptions struct {
	Strict      bool `json:"strict"`
	FillMissing bool `json:"fillMissing"`
	RemoveExtra bool `json:"removeExtra"`
}

// TransformResult is the mapped payload plus its audit trail.
type TransformResult struct {
	Data            map[string]any      `json:"data"`
	Transformations []v1.FieldOperation `json:"transformations"`
	Warnings        []string            `json:"warnings"`
}

// mappingTable returns the mapping rows to apply from source to target.
// A target without an explicit table for this source maps every
// same-named field directly.
func mappingTable(source, target *v1.Schema) []v1.FieldMapping {
	if len(target.Mappings) > 0 && (target.MappingFrom == "" || target.MappingFrom == source.ID) {
		return target.Mappings
	}
	var rows []v1.FieldMapping
	for _, f := range target.Fields {
		if _, ok := source.Field(f.Name); ok {
			rows = append(rows, v1.FieldMapping{Source: f.Name, Target: f.Name, Kind: v1.MapDirect})
		}
	}
	return rows
}

// applyMappings maps payload through the table, recording every
// field-level operation.
func applyMappings(source, target *v1.Schema, payload map[string]any, opts TransformOptions) *TransformResult {
	res := &TransformResult{Data: make(map[string]any, len(payload))}
	rows := mappingTable(source, target)

	if !opts.RemoveExtra {
		mapped := make(map[string]bool, len(rows))
		for _, m := range rows {
			if m.Source != m.Target {
				mapped[m.Source] = true
			}
		}
		for k, v := range payload {
			if !mapped[k] {
				res.Data[k] = v
			}
		}
	}

	for _, m := range rows {
		kind := m.Kind
		if kind == "" {
			kind = v1.MapDirect
		}
		raw, present := payload[m.Source]

		switch kind {
		case v1.MapDirect:
			if !present {
				continue
			}
			res.Data[m.Target] = raw

		case v1.MapEnum:
			if !present || raw == nil {
				continue
			}
			key := stringValue(raw)
			out, ok := m.Values[key]
			if !ok {
				out, ok = m.Values["*"]
			}
			if !ok {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: no enum mapping for %q, kept as is", m.Source, key))
				res.Data[m.Target] = raw
				continue
			}
			res.Data[m.Target] = out
			raw = key
			res.record(m.Target, kind, raw, out)
			continue

		case v1.MapTimestamp:
			if !present || raw == nil {
				continue
			}
			ts, err := parseTimestamp(raw, m.Format)
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", m.Source, err))
				res.Data[m.Target] = raw
				continue
			}
			out := ts.UTC().Format(time.RFC3339)
			res.Data[m.Target] = out
			res.record(m.Target, kind, raw, out)
			continue

		case v1.MapPrefer:
			chosen, from := raw, m.Source
			if ov, ok := payload[m.Override]; ok && !isBlank(ov) {
				chosen, from = ov, m.Override
			}
			if isBlank(chosen) && !present {
				continue
			}
			res.Data[m.Target] = chosen
			res.record(m.Target, kind, from, chosen)
			continue

		case v1.MapFirst:
			if !present {
				continue
			}
			var out any
			switch arr := raw.(type) {
			case []any:
				if len(arr) > 0 {
					out = arr[0]
				}
			case []string:
				if len(arr) > 0 {
					out = arr[0]
				}
			default:
				out = raw
			}
			res.Data[m.Target] = out
			res.record(m.Target, kind, raw, out)
			continue
		}
		res.record(m.Target, kind, m.Source, raw)
	}

	if opts.FillMissing {
		for _, f := range target.Fields {
			if _, ok := res.Data[f.Name]; !ok {
				res.Data[f.Name] = f.Default
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: missing, filled with default", f.Name))
			}
		}
	}

	if opts.RemoveExtra {
		for k := range res.Data {
			if _, ok := target.Field(k); !ok {
				delete(res.Data, k)
			}
		}
	}
	return res
}

func (r *TransformResult) record(field string, kind v1.MappingKind, from, to any) {
	r.Transformations = append(r.Transformations, v1.FieldOperation{
		Field: field, Operation: kind, From: from, To: to,
	})
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
