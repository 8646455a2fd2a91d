// Package expr parses and evaluates the JSON-logic condition language.
//
// Expressions are parsed once into a closed AST (Literal, Var, List, Op) and
// evaluated against a JSON context document. Evaluation is pure: the same
// expression and context always produce the same value and trace.
package expr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
)

// MaxDepth is the maximum nesting depth of an expression. Every node on the
// longest root-to-leaf path counts, including the root.
const MaxDepth = 10

var (
	ErrInvalidExpression = apperr.New(apperr.CodeInvalidExpression, "invalid expression")
	ErrExpressionTooDeep = apperr.New(apperr.CodeExpressionTooDeep, "expression exceeds maximum depth")
	ErrEvaluation        = apperr.New(apperr.CodeEvaluationFailed, "evaluation failed")
)

// varPathRegex keeps gjson query syntax (#, *, ?, |, @, escapes) out of paths.
var varPathRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Expr is a parsed expression node. The set of implementations is closed.
type Expr interface {
	exprNode()
}

// Literal is a constant JSON value. Objects that are not single-key operator
// calls are data and parse as literals.
type Literal struct {
	Value Value
}

// Var reads a dot-separated path from the evaluation context. An empty path
// yields the whole context.
type Var struct {
	Path    string
	Default Expr
}

// List is an array whose items are themselves expressions.
type List struct {
	Items []Expr
}

// Op applies an operator to its operands.
type Op struct {
	Operator Operator
	Args     []Expr
}

func (*Literal) exprNode() {}
func (*Var) exprNode()     {}
func (*List) exprNode()    {}
func (*Op) exprNode()      {}

// Operator names a JSON-logic operation.
type Operator string

const (
	OpAnd         Operator = "and"
	OpOr          Operator = "or"
	OpNot         Operator = "!"
	OpTruthy      Operator = "!!"
	OpIf          Operator = "if"
	OpEq          Operator = "=="
	OpNotEq       Operator = "!="
	OpStrictEq    Operator = "==="
	OpStrictNotEq Operator = "!=="
	OpLess        Operator = "<"
	OpLessEq      Operator = "<="
	OpGreater     Operator = ">"
	OpGreaterEq   Operator = ">="
	OpAdd         Operator = "+"
	OpSub         Operator = "-"
	OpMul         Operator = "*"
	OpDiv         Operator = "/"
	OpMod         Operator = "%"
	OpMin         Operator = "min"
	OpMax         Operator = "max"
	OpIn          Operator = "in"
	OpVar         Operator = "var"
	OpMissing     Operator = "missing"
	OpMissingSome Operator = "missing_some"
)

// arity bounds per operator; max < 0 means unbounded.
var arity = map[Operator][2]int{
	OpAnd:         {1, -1},
	OpOr:          {1, -1},
	OpNot:         {1, 1},
	OpTruthy:      {1, 1},
	OpIf:          {0, -1},
	OpEq:          {2, 2},
	OpNotEq:       {2, 2},
	OpStrictEq:    {2, 2},
	OpStrictNotEq: {2, 2},
	OpLess:        {2, 3},
	OpLessEq:      {2, 3},
	OpGreater:     {2, 2},
	OpGreaterEq:   {2, 2},
	OpAdd:         {1, -1},
	OpSub:         {1, 2},
	OpMul:         {1, -1},
	OpDiv:         {2, 2},
	OpMod:         {2, 2},
	OpMin:         {0, -1},
	OpMax:         {0, -1},
	OpIn:          {2, 2},
	OpMissing:     {0, -1},
	OpMissingSome: {2, 2},
}

// Known reports whether o is a supported operator.
func (o Operator) Known() bool {
	if o == OpVar {
		return true
	}
	_, ok := arity[o]
	return ok
}

// Parse parses a JSON-logic document with the default depth limit.
func Parse(raw json.RawMessage) (Expr, error) {
	return ParseWithLimit(raw, MaxDepth)
}

// ParseWithLimit parses a JSON-logic document, failing with
// ErrExpressionTooDeep when nesting exceeds maxDepth.
func ParseWithLimit(raw json.RawMessage, maxDepth int) (Expr, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, apperr.Wrap(apperr.CodeInvalidExpression, "expression is empty", nil)
	}
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Wrap(apperr.CodeInvalidExpression, "expression is not valid JSON", err)
	}

	p := parser{maxDepth: maxDepth}
	return p.parse(doc, 1)
}

type parser struct {
	maxDepth int
}

func (p parser) parse(v any, depth int) (Expr, error) {
	if depth > p.maxDepth {
		return nil, apperr.Wrap(apperr.CodeExpressionTooDeep,
			fmt.Sprintf("expression nesting exceeds %d levels", p.maxDepth), nil)
	}

	switch t := v.(type) {
	case map[string]any:
		if len(t) != 1 {
			return &Literal{Value: t}, nil
		}
		for name, arg := range t {
			return p.parseOp(Operator(name), arg, depth)
		}
	case []any:
		items := make([]Expr, 0, len(t))
		for _, item := range t {
			child, err := p.parse(item, depth+1)
			if err != nil {
				return nil, err
			}
			items = append(items, child)
		}
		return &List{Items: items}, nil
	}
	return &Literal{Value: v}, nil
}

func (p parser) parseOp(op Operator, arg any, depth int) (Expr, error) {
	if !op.Known() {
		return nil, apperr.Wrap(apperr.CodeInvalidExpression,
			fmt.Sprintf("unknown operator %q", string(op)), nil).WithMetadata("operator", string(op))
	}
	if op == OpVar {
		return p.parseVar(arg, depth)
	}

	// A single non-array operand is shorthand for a one-element list.
	rawArgs, ok := arg.([]any)
	if !ok {
		rawArgs = []any{arg}
	}

	bounds := arity[op]
	if len(rawArgs) < bounds[0] || (bounds[1] >= 0 && len(rawArgs) > bounds[1]) {
		return nil, apperr.Wrap(apperr.CodeInvalidExpression,
			fmt.Sprintf("operator %q takes %s operands, got %d", string(op), describeArity(bounds), len(rawArgs)), nil)
	}

	args := make([]Expr, 0, len(rawArgs))
	for _, a := range rawArgs {
		child, err := p.parse(a, depth+1)
		if err != nil {
			return nil, err
		}
		args = append(args, child)
	}
	return &Op{Operator: op, Args: args}, nil
}

func (p parser) parseVar(arg any, depth int) (Expr, error) {
	var (
		pathArg    any
		defaultArg any
		hasDefault bool
	)
	switch t := arg.(type) {
	case []any:
		if len(t) > 2 {
			return nil, apperr.Wrap(apperr.CodeInvalidExpression, "var takes a path and an optional default", nil)
		}
		if len(t) > 0 {
			pathArg = t[0]
		}
		if len(t) == 2 {
			defaultArg, hasDefault = t[1], true
		}
	default:
		pathArg = t
	}

	path, err := varPath(pathArg)
	if err != nil {
		return nil, err
	}

	v := &Var{Path: path}
	if hasDefault {
		def, err := p.parse(defaultArg, depth+1)
		if err != nil {
			return nil, err
		}
		v.Default = def
	}
	return v, nil
}

func varPath(v any) (string, error) {
	var path string
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		path = t
	case float64:
		path = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", apperr.Wrap(apperr.CodeInvalidExpression, "var path must be a string", nil)
	}
	if path != "" && !varPathRegex.MatchString(path) {
		return "", apperr.Wrap(apperr.CodeInvalidExpression,
			fmt.Sprintf("invalid variable path %q", path), nil).WithMetadata("path", path)
	}
	return path, nil
}

func describeArity(b [2]int) string {
	switch {
	case b[1] < 0:
		return fmt.Sprintf("at least %d", b[0])
	case b[0] == b[1]:
		return strconv.Itoa(b[0])
	default:
		return fmt.Sprintf("%d to %d", b[0], b[1])
	}
}
