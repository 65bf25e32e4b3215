// Package expr implements the closed condition-expression grammar used by
// workflow condition steps. Expressions are clauses of the form
// `field <op> literal` combinable with `and`/`or` and parentheses, where
// field paths resolve through the `context.` (workflow variables) and
// `payload.` (step params) prefixes against a read-only view. There is no
// arbitrary code execution: the grammar is parsed once into an AST and
// evaluated against plain values.
package expr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Env is the read-only view an expression evaluates against.
type Env struct {
	// Context holds the workflow execution's variable map.
	Context map[string]any
	// Payload holds the current step's resolved params.
	Payload map[string]any
}

// Expr is a compiled condition expression.
type Expr struct {
	source string
	root   node
}

// Parse compiles an expression. Regex literals are compiled here, so a
// malformed pattern fails at parse time rather than mid-execution.
func Parse(source string) (*Expr, error) {
	tokens, err := tokenize(source)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", source, err)
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", source, err)
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("parse %q: unexpected token %q", source, p.tokens[p.pos].value)
	}
	return &Expr{source: source, root: root}, nil
}

// Evaluate parses and evaluates in one call, for one-shot use.
func Evaluate(source string, env Env) (bool, error) {
	e, err := Parse(source)
	if err != nil {
		return false, err
	}
	return e.Eval(env)
}

// String returns the original expression source.
func (e *Expr) String() string { return e.source }

// Eval evaluates the compiled expression against the environment.
func (e *Expr) Eval(env Env) (bool, error) {
	return e.root.eval(env)
}

// --- AST ---

type node interface {
	eval(env Env) (bool, error)
}

type boolNode bool

func (n boolNode) eval(Env) (bool, error) { return bool(n), nil }

type logicalNode struct {
	op          string // "and" | "or"
	left, right node
}

func (n *logicalNode) eval(env Env) (bool, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return false, err
	}
	// Short-circuit like the boolean operators it models.
	if n.op == "and" && !left {
		return false, nil
	}
	if n.op == "or" && left {
		return true, nil
	}
	return n.right.eval(env)
}

type clauseNode struct {
	field   string
	op      string
	literal any
	pattern *regexp.Regexp // set for the regex op
}

func (n *clauseNode) eval(env Env) (bool, error) {
	value, err := resolveField(n.field, env)
	if err != nil {
		return false, err
	}

	switch n.op {
	case "equals":
		return valuesEqual(value, n.literal), nil
	case "contains":
		return containsValue(value, n.literal), nil
	case "greaterThan":
		return orderedCompare(value, n.literal) > 0, nil
	case "lessThan":
		return orderedCompare(value, n.literal) < 0, nil
	case "in":
		list, ok := n.literal.([]any)
		if !ok {
			return false, fmt.Errorf("operator in requires a list literal, got %T", n.literal)
		}
		for _, candidate := range list {
			if valuesEqual(value, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "regex":
		return n.pattern.MatchString(fmt.Sprintf("%v", value)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", n.op)
	}
}

// resolveField walks a dotted path below the context. or payload. prefix.
// A missing segment resolves to nil rather than an error: conditions
// routinely probe variables an earlier branch may not have set.
func resolveField(path string, env Env) (any, error) {
	var current any
	var rest string
	switch {
	case strings.HasPrefix(path, "context."):
		current, rest = env.Context, strings.TrimPrefix(path, "context.")
	case strings.HasPrefix(path, "payload."):
		current, rest = env.Payload, strings.TrimPrefix(path, "payload.")
	default:
		return nil, fmt.Errorf("field %q must use the context. or payload. prefix", path)
	}

	for _, part := range strings.Split(rest, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, nil
		}
		current = m[part]
	}
	return current, nil
}

// --- Tokens ---

type tokenKind int

const (
	tkIdent tokenKind = iota // field path, operator word, true/false
	tkNumber
	tkString
	tkLParen
	tkRParen
	tkLBracket
	tkRBracket
	tkComma
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(source string) ([]token, error) {
	var tokens []token
	runes := []rune(source)
	i := 0

	for i < len(runes) {
		ch := runes[i]

		if unicode.IsSpace(ch) {
			i++
			continue
		}

		switch ch {
		case '(':
			tokens = append(tokens, token{tkLParen, "("})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tkRParen, ")"})
			i++
			continue
		case '[':
			tokens = append(tokens, token{tkLBracket, "["})
			i++
			continue
		case ']':
			tokens = append(tokens, token{tkRBracket, "]"})
			i++
			continue
		case ',':
			tokens = append(tokens, token{tkComma, ","})
			i++
			continue
		}

		if ch == '"' || ch == '\'' {
			value, next, err := readString(runes, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, value})
			i = next
			continue
		}

		if isDigit(ch) || (ch == '-' && i+1 < len(runes) && isDigit(runes[i+1])) {
			value, next := readNumber(runes, i)
			tokens = append(tokens, token{tkNumber, value})
			i = next
			continue
		}

		if isIdentStart(ch) {
			value, next := readIdent(runes, i)
			tokens = append(tokens, token{tkIdent, value})
			i = next
			continue
		}

		return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), i)
	}
	return tokens, nil
}

func readString(runes []rune, start int) (string, int, error) {
	quote := runes[start]
	var sb strings.Builder
	i := start + 1
	for i < len(runes) {
		if runes[i] == '\\' && i+1 < len(runes) {
			sb.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if runes[i] == quote {
			return sb.String(), i + 1, nil
		}
		sb.WriteRune(runes[i])
		i++
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func readNumber(runes []rune, start int) (string, int) {
	i := start
	if runes[i] == '-' {
		i++
	}
	for i < len(runes) && (isDigit(runes[i]) || runes[i] == '.') {
		i++
	}
	return string(runes[start:i]), i
}

func readIdent(runes []rune, start int) (string, int) {
	i := start
	for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_' || runes[i] == '.') {
		i++
	}
	return string(runes[start:i]), i
}

func isDigit(ch rune) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch rune) bool { return unicode.IsLetter(ch) || ch == '_' }

// --- Parser ---

var clauseOps = map[string]bool{
	"equals":      true,
	"contains":    true,
	"greaterThan": true,
	"lessThan":    true,
	"in":          true,
	"regex":       true,
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkIdent && p.peek().value == "or" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.peek() != nil && p.peek().kind == tkIdent && p.peek().value == "and" {
		p.advance()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	if t.kind == tkLParen {
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() == nil || p.peek().kind != tkRParen {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return inner, nil
	}

	if t.kind != tkIdent {
		return nil, fmt.Errorf("expected field or literal, got %q", t.value)
	}

	switch t.value {
	case "true":
		p.advance()
		return boolNode(true), nil
	case "false":
		p.advance()
		return boolNode(false), nil
	}

	return p.parseClause()
}

func (p *parser) parseClause() (node, error) {
	field := p.advance().value

	opToken := p.peek()
	if opToken == nil || opToken.kind != tkIdent || !clauseOps[opToken.value] {
		return nil, fmt.Errorf("expected operator after field %q", field)
	}
	op := p.advance().value

	literal, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	clause := &clauseNode{field: field, op: op, literal: literal}
	if op == "regex" {
		pattern, ok := literal.(string)
		if !ok {
			return nil, fmt.Errorf("operator regex requires a string literal")
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		clause.pattern = compiled
	}
	return clause, nil
}

func (p *parser) parseLiteral() (any, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of expression, expected literal")
	}

	switch t.kind {
	case tkNumber:
		p.advance()
		return strconv.ParseFloat(t.value, 64)
	case tkString:
		p.advance()
		return t.value, nil
	case tkIdent:
		switch t.value {
		case "true":
			p.advance()
			return true, nil
		case "false":
			p.advance()
			return false, nil
		}
		return nil, fmt.Errorf("expected literal, got identifier %q", t.value)
	case tkLBracket:
		return p.parseList()
	default:
		return nil, fmt.Errorf("expected literal, got %q", t.value)
	}
}

func (p *parser) parseList() (any, error) {
	p.advance() // [
	var items []any
	for {
		t := p.peek()
		if t == nil {
			return nil, fmt.Errorf("unterminated list literal")
		}
		if t.kind == tkRBracket {
			p.advance()
			return items, nil
		}
		if len(items) > 0 {
			if t.kind != tkComma {
				return nil, fmt.Errorf("expected comma in list literal, got %q", t.value)
			}
			p.advance()
		}
		item, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

// --- Value comparison ---

func valuesEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		return lf == rf
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

// containsValue reports substring containment for strings and membership
// for slices.
func containsValue(value, needle any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, fmt.Sprintf("%v", needle))
	case []any:
		for _, item := range v {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// orderedCompare returns <0, 0, >0. Numbers compare numerically, anything
// else falls back to string ordering; nil orders below every value.
func orderedCompare(left, right any) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return -1
	}
	if right == nil {
		return 1
	}
	lf, lok := toFloat64(left)
	rf, rok := toFloat64(right)
	if lok && rok {
		switch {
		case lf < rf:
			return -1
		case lf > rf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprintf("%v", left), fmt.Sprintf("%v", right))
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}
