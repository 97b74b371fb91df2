package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/hamba/avro/v2"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// Documentation is the exported description of a schema.
type Documentation struct {
	SchemaID   string `json:"schemaId"`
	Name       string `json:"name"`
	Version    int    `json:"version"`
	Versions   []int  `json:"versions"`
	Markdown   string `json:"markdown"`
	AvroSchema string `json:"avroSchema"`
}

var avroNameRe = regexp.MustCompile(`[^A-Za-z0-9_]`)

func avroName(s string) string {
	s = avroNameRe.ReplaceAllString(s, "_")
	if s == "" || (s[0] >= '0' && s[0] <= '9') {
		s = "_" + s
	}
	return s
}

func avroType(t v1.FieldType) any {
	switch t {
	case v1.TypeNumber:
		return "double"
	case v1.TypeInteger:
		return "long"
	case v1.TypeBoolean:
		return "boolean"
	case v1.TypeObject:
		return map[string]any{"type": "map", "values": "string"}
	case v1.TypeArray:
		return map[string]any{"type": "array", "items": "string"}
	default:
		// timestamps are carried as RFC3339 strings
		return "string"
	}
}

// AvroSchema renders s as an Avro record and checks that the result
// parses.
func AvroSchema(s *v1.Schema) (string, error) {
	fields := make([]map[string]any, 0, len(s.Fields))
	for _, f := range s.Fields {
		af := map[string]any{"name": avroName(f.Name)}
		if f.Description != "" {
			af["doc"] = f.Description
		}
		if f.Required {
			af["type"] = avroType(f.Type)
		} else {
			af["type"] = []any{"null", avroType(f.Type)}
			af["default"] = nil
		}
		fields = append(fields, af)
	}
	record := map[string]any{
		"type":   "record",
		"name":   avroName(s.Name),
		"fields": fields,
	}
	if s.Namespace != "" {
		record["namespace"] = s.Namespace
	}
	if s.Description != "" {
		record["doc"] = s.Description
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	if _, err := avro.Parse(string(data)); err != nil {
		return "", fmt.Errorf("avro rendering of %s: %w", s.Name, err)
	}
	return string(data), nil
}

func markdown(s *v1.Schema, versions []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s (v%d)\n\n", s.Name, s.Version)
	if s.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", s.Description)
	}
	fmt.Fprintf(&b, "- ID: `%s`\n", s.ID)
	if s.Namespace != "" {
		fmt.Fprintf(&b, "- Namespace: `%s`\n", s.Namespace)
	}
	mode := s.CompatibilityMode
	if mode == "" {
		mode = v1.CompatBackward
	}
	fmt.Fprintf(&b, "- Compatibility: %s\n", mode)
	fmt.Fprintf(&b, "- Versions: %v\n\n", versions)

	b.WriteString("## Fields\n\n| Name | Type | Required | Default | Description |\n|---|---|---|---|---|\n")
	for _, f := range s.Fields {
		def := ""
		if f.Default != nil {
			def = fmt.Sprintf("`%v`", f.Default)
		}
		fmt.Fprintf(&b, "| %s | %s | %t | %s | %s |\n", f.Name, f.Type, f.Required, def, f.Description)
	}

	if len(s.QualityRules) > 0 {
		b.WriteString("\n## Quality rules\n\n| Field | Type | Rule | Severity |\n|---|---|---|---|\n")
		for _, r := range s.QualityRules {
			fmt.Fprintf(&b, "| %s | %s | `%s` | %s |\n", r.Field, r.Type, r.Rule, r.Severity)
		}
	}

	if len(s.Mappings) > 0 {
		fmt.Fprintf(&b, "\n## Mappings from `%s`\n\n| Source | Target | Kind |\n|---|---|---|\n", s.MappingFrom)
		for _, m := range s.Mappings {
			kind := m.Kind
			if kind == "" {
				kind = v1.MapDirect
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", m.Source, m.Target, kind)
		}
	}
	return b.String()
}
