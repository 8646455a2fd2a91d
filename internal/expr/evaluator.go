package expr

import (
	"context"
	"fmt"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
)

// Options control a single evaluation.
type Options struct {
	// Trace records one TraceStep per variable lookup and operator application.
	Trace bool
}

// operatorFunc applies an operator. It evaluates its own operands so that
// short-circuiting operators can skip them; inputs are the operand values
// actually evaluated, for the trace.
type operatorFunc func(s *state, args []Expr, depth int) (out Value, inputs []Value, err error)

// Evaluator evaluates parsed expressions. It is stateless and safe for
// concurrent use.
type Evaluator struct {
	maxDepth  int
	operators map[Operator]operatorFunc
}

// NewEvaluator returns an Evaluator enforcing maxDepth (MaxDepth when <= 0).
func NewEvaluator(maxDepth int) *Evaluator {
	if maxDepth <= 0 {
		maxDepth = MaxDepth
	}
	return &Evaluator{
		maxDepth:  maxDepth,
		operators: builtinOperators(),
	}
}

// MaxDepth returns the depth limit enforced by the evaluator.
func (e *Evaluator) MaxDepth() int {
	return e.maxDepth
}

// state is the per-call scratch space.
type state struct {
	ctx     context.Context
	ev      *Evaluator
	data    Context
	tracing bool
	trace   []TraceStep
}

// Evaluate computes the value of x against data.
func (e *Evaluator) Evaluate(ctx context.Context, x Expr, data Context, opts Options) (Value, []TraceStep, error) {
	s := &state{ctx: ctx, ev: e, data: data, tracing: opts.Trace}
	v, err := s.eval(x, 1)
	if err != nil {
		return nil, s.trace, err
	}
	return v, s.trace, nil
}

// EvaluateRaw parses and evaluates in one step.
func (e *Evaluator) EvaluateRaw(ctx context.Context, raw []byte, data Context, opts Options) (Value, []TraceStep, error) {
	x, err := ParseWithLimit(raw, e.maxDepth)
	if err != nil {
		return nil, nil, err
	}
	return e.Evaluate(ctx, x, data, opts)
}

func (s *state) eval(x Expr, depth int) (Value, error) {
	if depth > s.ev.maxDepth {
		return nil, apperr.Wrap(apperr.CodeExpressionTooDeep,
			fmt.Sprintf("expression nesting exceeds %d levels", s.ev.maxDepth), nil)
	}

	switch n := x.(type) {
	case *Literal:
		return n.Value, nil
	case *Var:
		return s.evalVar(n, depth)
	case *List:
		out := make([]any, 0, len(n.Items))
		for _, item := range n.Items {
			v, err := s.eval(item, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case *Op:
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		fn, ok := s.ev.operators[n.Operator]
		if !ok {
			return nil, apperr.Wrap(apperr.CodeInvalidExpression,
				fmt.Sprintf("unknown operator %q", string(n.Operator)), nil)
		}
		out, inputs, err := fn(s, n.Args, depth)
		if err != nil {
			return nil, err
		}
		s.record(string(n.Operator), inputs, out, describe(n.Operator, inputs, out))
		return out, nil
	case nil:
		return nil, apperr.Wrap(apperr.CodeInvalidExpression, "nil expression", nil)
	}
	return nil, apperr.Wrap(apperr.CodeInvalidExpression, fmt.Sprintf("unsupported node %T", x), nil)
}

func (s *state) evalVar(n *Var, depth int) (Value, error) {
	v, found := s.data.Lookup(n.Path)
	if found {
		s.record("var", []Value{n.Path}, v, fmt.Sprintf("resolved %s = %s", displayPath(n.Path), formatValue(v)))
		return v, nil
	}
	if n.Default != nil {
		def, err := s.eval(n.Default, depth+1)
		if err != nil {
			return nil, err
		}
		s.record("var", []Value{n.Path}, def,
			fmt.Sprintf("%s is undefined, using default %s", displayPath(n.Path), formatValue(def)))
		return def, nil
	}
	s.record("var", []Value{n.Path}, Undefined, fmt.Sprintf("%s is undefined", displayPath(n.Path)))
	return Undefined, nil
}

// evalArgs evaluates every operand in order.
func (s *state) evalArgs(args []Expr, depth int) ([]Value, error) {
	out := make([]Value, 0, len(args))
	for _, a := range args {
		v, err := s.eval(a, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *state) record(op string, inputs []Value, out Value, description string) {
	if !s.tracing {
		return
	}
	s.trace = append(s.trace, TraceStep{
		Operation:   op,
		Inputs:      inputs,
		Output:      out,
		Description: description,
	})
}

func displayPath(p string) string {
	if p == "" {
		return "context"
	}
	return p
}

func evalError(format string, args ...any) error {
	return apperr.Wrap(apperr.CodeEvaluationFailed, fmt.Sprintf(format, args...), nil)
}
