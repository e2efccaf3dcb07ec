// Package extract pulls the display value out of a decoded response body
// using a restricted path expression such as response.choices[0].text.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/spf13/cast"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/proxy"
)

// Root is the only identifier an expression may reference.
const Root = "response"

// MaxExpressionLen bounds expression source size.
const MaxExpressionLen = 4 << 10

// NoResponse is the transcript text for a missing value.
const NoResponse = "(no response)"

// NoValueText is shown by target tests when the mapping yields nothing.
const NoValueText = "no value at the configured mapping"

// ErrNotAllowed is returned for expressions outside the path grammar.
var ErrNotAllowed = errors.New("extract: expression not allowed")

// Result is the outcome of an extraction. Found is false for the no-value
// sentinel. An explicit JSON null is found with a nil Value.
type Result struct {
	Value any
	Found bool
}

// NoValue is the sentinel result.
var NoValue = Result{}

// key is one member access. Integer keys index arrays and name object
// members by their decimal form.
type key struct {
	name    string
	index   int
	integer bool
}

func (k key) String() string {
	if k.integer {
		return strconv.Itoa(k.index)
	}
	return strconv.Quote(k.name)
}

// Program is a compiled expression. The zero-length expression compiles to
// the identity program.
type Program struct {
	src  string
	path []key
}

// Compile checks expression against the path grammar and compiles it.
func Compile(expression string) (*Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return &Program{}, nil
	}
	if len(src) > MaxExpressionLen {
		return nil, fmt.Errorf("%w: longer than %d bytes", ErrNotAllowed, MaxExpressionLen)
	}

	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("extract: parse: %w", err)
	}
	path, err := compilePath(tree.Node)
	if err != nil {
		return nil, err
	}
	return &Program{src: src, path: path}, nil
}

// String returns the expression source.
func (p *Program) String() string { return p.src }

// Eval walks p's path through body. A missing member, an out of range
// index or a step through a non-container yields NoValue.
func (p *Program) Eval(body any) Result {
	cur := body
	for i, k := range p.path {
		next, ok := member(cur, k)
		if !ok {
			logging.For("extract").WithField("expression", p.src).Debugf("no value at step %d (%s)", i, k)
			return NoValue
		}
		cur = next
	}
	return Result{Value: cur, Found: true}
}

func member(v any, k key) (any, bool) {
	switch v := v.(type) {
	case map[string]any:
		name := k.name
		if k.integer {
			name = strconv.Itoa(k.index)
		}
		out, ok := v[name]
		return out, ok
	case []any:
		i := k.index
		if !k.integer {
			n, err := strconv.Atoi(k.name)
			if err != nil || n < 0 {
				return nil, false
			}
			i = n
		}
		if i < 0 {
			i += len(v)
		}
		if i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	}
	return nil, false
}

// Extract compiles expression and evaluates it against body. An empty
// expression returns body unchanged.
func Extract(body any, expression string) Result {
	p, err := Compile(expression)
	if err != nil {
		logging.For("extract").WithField("expression", expression).Warn(err)
		return NoValue
	}
	return p.Eval(body)
}

// DecodeBody parses string bodies as JSON when the output type is json,
// keeping the string when it does not parse.
func DecodeBody(body any, outputType string) any {
	s, ok := body.(string)
	if !ok || outputType != proxy.ResponseJSON {
		return body
	}
	if v, err := proxy.DecodeJSON([]byte(s)); err == nil {
		return v
	}
	return body
}

// Display renders r for the transcript.
func Display(r Result) string {
	if !r.Found {
		return NoResponse
	}
	if r.Value == nil {
		return "null"
	}
	switch v := r.Value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case map[string]any, []any:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Sprintf("%v", v)
		}
		return strings.TrimSuffix(buf.String(), "\n")
	}
	if s, err := cast.ToStringE(r.Value); err == nil {
		return s
	}
	return fmt.Sprintf("%v", r.Value)
}

// compilePath accepts only member chains rooted at Root with literal keys
// and returns the keys in access order.
func compilePath(n ast.Node) ([]key, error) {
	switch n := n.(type) {
	case *ast.IdentifierNode:
		if n.Value != Root {
			return nil, fmt.Errorf("%w: unknown identifier %q", ErrNotAllowed, n.Value)
		}
		return nil, nil
	case *ast.ChainNode:
		return compilePath(n.Node)
	case *ast.MemberNode:
		path, err := compilePath(n.Node)
		if err != nil {
			return nil, err
		}
		k, err := compileKey(n.Property)
		if err != nil {
			return nil, err
		}
		return append(path, k), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotAllowed, n)
	}
}

func compileKey(n ast.Node) (key, error) {
	switch k := n.(type) {
	case *ast.StringNode:
		return key{name: k.Value}, nil
	case *ast.IntegerNode:
		return key{index: k.Value, integer: true}, nil
	case *ast.UnaryNode:
		if i, ok := k.Node.(*ast.IntegerNode); ok {
			switch k.Operator {
			case "-":
				return key{index: -i.Value, integer: true}, nil
			case "+":
				return key{index: i.Value, integer: true}, nil
			}
		}
	}
	return key{}, fmt.Errorf("%w: key %T", ErrNotAllowed, n)
}
