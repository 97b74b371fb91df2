package schema

import (
	"fmt"
	"regexp"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/expr"
)

var validFieldTypes = map[v1.FieldType]bool{
	v1.TypeString: true, v1.TypeNumber: true, v1.TypeInteger: true, v1.TypeBoolean: true,
	v1.TypeTimestamp: true, v1.TypeObject: true, v1.TypeArray: true, v1.TypeAny: true,
}

var validRuleTypes = map[v1.RuleType]bool{
	v1.RuleRequired: true, v1.RulePattern: true, v1.RuleRange: true, v1.RuleEnum: true, v1.RuleCustom: true,
}

var validMappingKinds = map[v1.MappingKind]bool{
	"": true, v1.MapDirect: true, v1.MapEnum: true, v1.MapTimestamp: true, v1.MapPrefer: true, v1.MapFirst: true,
}

// checkDefinition verifies the internal well-formedness of a schema.
func checkDefinition(s *v1.Schema) error {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if s.Name == "" {
		add("name is required")
	}
	switch s.CompatibilityMode {
	case "", v1.CompatBackward, v1.CompatForward, v1.CompatFull, v1.CompatNone:
	default:
		add("compatibilityMode must be BACKWARD|FORWARD|FULL|NONE, got %q", s.CompatibilityMode)
	}
	if len(s.Fields) == 0 {
		add("at least one field is required")
	}

	seen := make(map[string]bool, len(s.Fields))
	for i, f := range s.Fields {
		switch {
		case f.Name == "":
			add("fields[%d].name is required", i)
		case seen[f.Name]:
			add("fields[%d]: duplicate field %q", i, f.Name)
		}
		seen[f.Name] = true
		if !validFieldTypes[f.Type] {
			add("fields[%d].type %q is not a known type", i, f.Type)
		}
		if f.Default != nil && !checkType(f.Default, f.Type) {
			add("fields[%d].default does not match type %s", i, f.Type)
		}
	}

	for i, r := range s.QualityRules {
		if !seen[r.Field] {
			add("qualityRules[%d] references undeclared field %q", i, r.Field)
		}
		if !validRuleTypes[r.Type] {
			add("qualityRules[%d].type %q is not a known rule type", i, r.Type)
			continue
		}
		switch r.Severity {
		case v1.SeverityError, v1.SeverityWarning:
		default:
			add("qualityRules[%d].severity must be error|warning", i)
		}
		switch r.Type {
		case v1.RulePattern:
			if _, err := regexp.Compile(r.Rule); err != nil {
				add("qualityRules[%d].rule: %v", i, err)
			}
		case v1.RuleRange:
			if _, _, err := parseRange(r.Rule); err != nil {
				add("qualityRules[%d].rule: %v", i, err)
			}
		case v1.RuleEnum:
			if r.Rule == "" {
				add("qualityRules[%d].rule: enum values required", i)
			}
		case v1.RuleCustom:
			if _, err := expr.Compile(r.Rule); err != nil {
				add("qualityRules[%d].rule: %v", i, err)
			}
		}
	}

	for i, m := range s.Mappings {
		if m.Source == "" || m.Target == "" {
			add("mappings[%d]: source and target are required", i)
		}
		if !validMappingKinds[m.Kind] {
			add("mappings[%d].kind %q is not a known mapping", i, m.Kind)
		}
		if m.Kind == v1.MapPrefer && m.Override == "" {
			add("mappings[%d].override is required for prefer", i)
		}
		if m.Target != "" && !seen[m.Target] {
			add("mappings[%d] targets undeclared field %q", i, m.Target)
		}
	}

	if len(problems) > 0 {
		return &DefinitionError{Problems: problems}
	}
	return nil
}

// ═══════════════════════════════════════════
// Compatibility
// ═══════════════════════════════════════════

// checkCompatibility returns the list of violations of next against prev
// under mode. An empty result means the versions are compatible.
func checkCompatibility(prev, next *v1.Schema, mode v1.CompatibilityMode) []string {
	switch mode {
	case v1.CompatNone:
		return nil
	case v1.CompatForward:
		return forwardViolations(prev, next)
	case v1.CompatFull:
		return append(backwardViolations(prev, next), forwardViolations(prev, next)...)
	default:
		return backwardViolations(prev, next)
	}
}

func hasDefault(f v1.Field) bool { return !f.Required || f.Default != nil }

// backwardViolations: next must read data written under prev. Only
// optional or defaulted fields may be added or removed.
func backwardViolations(prev, next *v1.Schema) []string {
	var out []string
	for _, nf := range next.Fields {
		pf, ok := prev.Field(nf.Name)
		if !ok {
			if !hasDefault(nf) {
				out = append(out, fmt.Sprintf("added field %q is required without a default", nf.Name))
			}
			continue
		}
		if !typeReadable(pf.Type, nf.Type) {
			out = append(out, fmt.Sprintf("field %q changed type %s -> %s", nf.Name, pf.Type, nf.Type))
		}
		if nf.Required && nf.Default == nil && !pf.Required {
			out = append(out, fmt.Sprintf("field %q became required without a default", nf.Name))
		}
	}
	for _, pf := range prev.Fields {
		if _, ok := next.Field(pf.Name); !ok && !hasDefault(pf) {
			out = append(out, fmt.Sprintf("removed required field %q", pf.Name))
		}
	}
	return out
}

// forwardViolations: prev must read data written under next.
func forwardViolations(prev, next *v1.Schema) []string {
	var out []string
	for _, pf := range prev.Fields {
		nf, ok := next.Field(pf.Name)
		if !ok {
			if !hasDefault(pf) {
				out = append(out, fmt.Sprintf("field %q is required by the previous version but was removed", pf.Name))
			}
			continue
		}
		if !typeReadable(nf.Type, pf.Type) {
			out = append(out, fmt.Sprintf("field %q type %s cannot be read as %s", pf.Name, nf.Type, pf.Type))
		}
		if pf.Required && pf.Default == nil && !nf.Required {
			out = append(out, fmt.Sprintf("field %q became optional but the previous version requires it", pf.Name))
		}
	}
	return out
}

// typeReadable reports whether data written as writer can be read as reader.
func typeReadable(writer, reader v1.FieldType) bool {
	if writer == reader || reader == v1.TypeAny {
		return true
	}
	return writer == v1.TypeInteger && reader == v1.TypeNumber
}
