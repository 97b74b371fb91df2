package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type node interface {
	eval(vars map[string]any) (any, error)
}

type (
	literalNode struct{ value any }
	identNode   struct{ path []string }
	unaryNode   struct {
		op      string
		operand node
	}
	binaryNode struct {
		op          string
		left, right node
	}
	listNode struct{ items []node }
	callNode struct {
		name string
		fn   builtin
		args []node
	}
)

const maxDepth = 64

type parser struct {
	toks  []token
	pos   int
	depth int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > maxDepth {
		return fmt.Errorf("expression nested deeper than %d", maxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// keyword reports whether t is the given keyword, case-insensitively.
func keyword(t token, kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !(t.kind == tokOp && t.text == "||") && !keyword(t, "or") {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !(t.kind == tokOp && t.text == "&&") && !keyword(t, "and") {
			return left, nil
		}
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseNot() (node, error) {
	t := p.peek()
	if (t.kind == tokOp && t.text == "!") || keyword(t, "not") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "!", operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	switch {
	case t.kind == tokOp && isComparison(t.text):
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		op := t.text
		switch op {
		case "=":
			op = "=="
		case "<>":
			op = "!="
		}
		return &binaryNode{op: op, left: left, right: right}, nil
	case keyword(t, "in"):
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: "in", left: left, right: right}, nil
	case keyword(t, "is"):
		// IS [NOT] NULL
		p.next()
		negate := false
		if keyword(p.peek(), "not") {
			p.next()
			negate = true
		}
		if !keyword(p.peek(), "null") {
			return nil, fmt.Errorf("expected NULL after IS at %d", p.peek().pos)
		}
		p.next()
		op := "=="
		if negate {
			op = "!="
		}
		return &binaryNode{op: op, left: left, right: &literalNode{value: nil}}, nil
	}
	return left, nil
}

func isComparison(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=", "=", "<>":
		return true
	}
	return false
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/" && t.text != "%") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && t.text == "-" {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at %d", t.text, t.pos)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ) for ( at %d", t.pos)
		}
		return inner, nil
	case tokLBracket:
		items, err := p.parseArgs(tokRBracket)
		if err != nil {
			return nil, err
		}
		return &listNode{items: items}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			fn, ok := builtins[t.text]
			if !ok {
				return nil, fmt.Errorf("unknown function %q at %d", t.text, t.pos)
			}
			args, err := p.parseArgs(tokRParen)
			if err != nil {
				return nil, err
			}
			if fn.arity >= 0 && len(args) != fn.arity {
				return nil, fmt.Errorf("%s expects %d arguments, got %d", t.text, fn.arity, len(args))
			}
			return &callNode{name: t.text, fn: fn, args: args}, nil
		}
		if strings.HasPrefix(t.text, ".") || strings.HasSuffix(t.text, ".") || strings.Contains(t.text, "..") {
			return nil, fmt.Errorf("invalid field path %q at %d", t.text, t.pos)
		}
		return &identNode{path: strings.Split(t.text, ".")}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
}

func (p *parser) parseArgs(closing tokenKind) ([]node, error) {
	var args []node
	if p.peek().kind == closing {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		t := p.next()
		if t.kind == closing {
			return args, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected , or closing bracket at %d", t.pos)
		}
	}
}
