package expr

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// ErrType is returned when an operator is applied to incompatible values.
var ErrType = errors.New("type mismatch")

// Program is a compiled expression. It is safe for concurrent use.
type Program struct {
	src  string
	root node
}

// Compile parses src into a Program.
func Compile(src string) (*Program, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
	return &Program{src: src, root: root}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests
// and package-level literals.
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Program) String() string { return p.src }

// Eval evaluates the program. Identifiers are resolved against vars
// first; a bare name that is not a variable is looked up in
// vars["payload"] when that is a map.
func (p *Program) Eval(vars map[string]any) (any, error) {
	return p.root.eval(vars)
}

// EvalBool evaluates the program and reports its truthiness.
func (p *Program) EvalBool(vars map[string]any) (bool, error) {
	v, err := p.root.eval(vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// ═══════════════════════════════════════════
// Node evaluation
// ═══════════════════════════════════════════

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

func (n *identNode) eval(vars map[string]any) (any, error) {
	if v, ok := lookup(vars, n.path); ok {
		return v, nil
	}
	if payload, ok := vars["payload"].(map[string]any); ok {
		if v, ok := lookup(payload, n.path); ok {
			return v, nil
		}
	}
	return nil, nil
}

func lookup(m map[string]any, path []string) (any, bool) {
	var cur any = m
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (n *unaryNode) eval(vars map[string]any) (any, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("%w: cannot negate %T", ErrType, v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %s", n.op)
}

func (n *binaryNode) eval(vars map[string]any) (any, error) {
	// Short-circuit logic operators.
	if n.op == "&&" || n.op == "||" {
		l, err := n.left.eval(vars)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !truthy(l) {
			return false, nil
		}
		if n.op == "||" && truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(vars)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "in":
		return contains(r, l), nil
	case "+":
		if ls, ok := l.(string); ok {
			return ls + stringify(r), nil
		}
		if rs, ok := r.(string); ok {
			return stringify(l) + rs, nil
		}
		return arith(n.op, l, r)
	case "-", "*", "/", "%":
		return arith(n.op, l, r)
	}
	return nil, fmt.Errorf("unknown operator %s", n.op)
}

func (n *listNode) eval(vars map[string]any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(vars)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (n *callNode) eval(vars map[string]any) (any, error) {
	args := make([]any, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(vars)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	v, err := n.fn.call(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.name, err)
	}
	return v, nil
}

// ═══════════════════════════════════════════
// Value helpers
// ═══════════════════════════════════════════

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	}
	return 0, false
}

// ToNumber converts numeric values and numeric strings to float64.
func ToNumber(v any) (float64, bool) {
	if f, ok := toNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if lok && rok {
		return lf == rf
	}
	ls, lok := l.(string)
	rs, rok := r.(string)
	if lok && rok {
		return ls == rs
	}
	lb, lok := l.(bool)
	rb, rok := r.(bool)
	if lok && rok {
		return lb == rb
	}
	return reflect.DeepEqual(l, r)
}

func compare(op string, l, r any) (any, error) {
	if l == nil || r == nil {
		return false, nil
	}
	var c int
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	switch {
	case lok && rok:
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	default:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return nil, fmt.Errorf("%w: cannot compare %T with %T", ErrType, l, r)
		}
		c = strings.Compare(ls, rs)
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	default:
		return c >= 0, nil
	}
}

func arith(op string, l, r any) (any, error) {
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %T %s %T", ErrType, l, op, r)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Mod(lf, rf), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range h {
			if item == s {
				return true
			}
		}
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, exists := h[s]
		return exists
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
