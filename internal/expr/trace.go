package expr

import (
	"fmt"
	"strings"
	"time"

	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
)

// TraceStep records one variable lookup or operator application.
type TraceStep struct {
	Operation   string  `json:"operation"`
	Inputs      []Value `json:"inputs,omitempty"`
	Output      Value   `json:"output"`
	Description string  `json:"description"`
}

// Result is the outcome of evaluating one condition.
type Result struct {
	Success   bool
	Value     Value
	Trace     []TraceStep
	Error     string
	ErrorCode apperr.Code
	Duration  time.Duration
}

// Failure builds an unsuccessful Result from err.
func Failure(err error, d time.Duration) Result {
	return Result{
		Success:   false,
		Error:     err.Error(),
		ErrorCode: apperr.CodeOf(err),
		Duration:  d,
	}
}

func describe(op Operator, inputs []Value, out Value) string {
	switch op {
	case OpEq, OpNotEq, OpStrictEq, OpStrictNotEq, OpGreater, OpGreaterEq, OpLess, OpLessEq:
		parts := make([]string, len(inputs))
		for i, v := range inputs {
			parts[i] = formatValue(v)
		}
		return fmt.Sprintf("%s is %s", strings.Join(parts, " "+string(op)+" "), formatValue(out))
	case OpAnd, OpOr:
		return fmt.Sprintf("%s over %d operand(s) yields %s", op, len(inputs), formatValue(out))
	case OpNot, OpTruthy:
		return fmt.Sprintf("%s%s is %s", op, formatValue(inputs[0]), formatValue(out))
	case OpIf:
		return fmt.Sprintf("if selected %s", formatValue(out))
	}

	parts := make([]string, len(inputs))
	for i, v := range inputs {
		parts[i] = formatValue(v)
	}
	return fmt.Sprintf("%s(%s) = %s", op, strings.Join(parts, ", "), formatValue(out))
}

// Explain renders a trace as numbered lines, one per step.
func Explain(trace []TraceStep) string {
	var b strings.Builder
	for i, step := range trace {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, step.Operation, step.Description)
	}
	return b.String()
}
