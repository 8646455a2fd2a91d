package expr

import (
	"math"
	"strings"
)

func builtinOperators() map[Operator]operatorFunc {
	return map[Operator]operatorFunc{
		OpAnd:         opAnd,
		OpOr:          opOr,
		OpNot:         unary(func(v Value) Value { return !Truthy(v) }),
		OpTruthy:      unary(func(v Value) Value { return Truthy(v) }),
		OpIf:          opIf,
		OpEq:          binary(func(a, b Value) (Value, error) { return looseEqual(a, b), nil }),
		OpNotEq:       binary(func(a, b Value) (Value, error) { return !looseEqual(a, b), nil }),
		OpStrictEq:    binary(func(a, b Value) (Value, error) { return strictEqual(a, b), nil }),
		OpStrictNotEq: binary(func(a, b Value) (Value, error) { return !strictEqual(a, b), nil }),
		OpLess:        relational(func(c int) bool { return c < 0 }),
		OpLessEq:      relational(func(c int) bool { return c <= 0 }),
		OpGreater:     relational(func(c int) bool { return c > 0 }),
		OpGreaterEq:   relational(func(c int) bool { return c >= 0 }),
		OpAdd:         opAdd,
		OpSub:         opSub,
		OpMul:         opMul,
		OpDiv:         binary(opDiv),
		OpMod:         binary(opMod),
		OpMin:         extremum(OpMin, func(x, best float64) bool { return x < best }),
		OpMax:         extremum(OpMax, func(x, best float64) bool { return x > best }),
		OpIn:          binary(opIn),
		OpMissing:     opMissing,
		OpMissingSome: opMissingSome,
	}
}

// opAnd returns the first falsy operand, or the last one.
func opAnd(s *state, args []Expr, depth int) (Value, []Value, error) {
	var inputs []Value
	var v Value
	for _, a := range args {
		var err error
		if v, err = s.eval(a, depth+1); err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, v)
		if !Truthy(v) {
			return v, inputs, nil
		}
	}
	return v, inputs, nil
}

// opOr returns the first truthy operand, or the last one.
func opOr(s *state, args []Expr, depth int) (Value, []Value, error) {
	var inputs []Value
	var v Value
	for _, a := range args {
		var err error
		if v, err = s.eval(a, depth+1); err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, v)
		if Truthy(v) {
			return v, inputs, nil
		}
	}
	return v, inputs, nil
}

// opIf walks [cond, then, cond, then, ..., else].
func opIf(s *state, args []Expr, depth int) (Value, []Value, error) {
	var inputs []Value
	i := 0
	for ; i+1 < len(args); i += 2 {
		c, err := s.eval(args[i], depth+1)
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, c)
		if Truthy(c) {
			v, err := s.eval(args[i+1], depth+1)
			if err != nil {
				return nil, nil, err
			}
			return v, inputs, nil
		}
	}
	if i < len(args) {
		v, err := s.eval(args[i], depth+1)
		if err != nil {
			return nil, nil, err
		}
		return v, inputs, nil
	}
	return nil, inputs, nil
}

func unary(fn func(Value) Value) operatorFunc {
	return func(s *state, args []Expr, depth int) (Value, []Value, error) {
		in, err := s.evalArgs(args, depth)
		if err != nil {
			return nil, nil, err
		}
		return fn(in[0]), in, nil
	}
}

func binary(fn func(a, b Value) (Value, error)) operatorFunc {
	return func(s *state, args []Expr, depth int) (Value, []Value, error) {
		in, err := s.evalArgs(args, depth)
		if err != nil {
			return nil, nil, err
		}
		out, err := fn(in[0], in[1])
		if err != nil {
			return nil, nil, err
		}
		return out, in, nil
	}
}

// relational handles both the binary form and the three-operand "between"
// form, where {"<": [a, b, c]} means a < b && b < c.
func relational(holds func(int) bool) operatorFunc {
	return func(s *state, args []Expr, depth int) (Value, []Value, error) {
		in, err := s.evalArgs(args, depth)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i+1 < len(in); i++ {
			c, ok := compare(in[i], in[i+1])
			if !ok || !holds(c) {
				return false, in, nil
			}
		}
		return true, in, nil
	}
}

func numbers(op Operator, in []Value) ([]float64, error) {
	out := make([]float64, 0, len(in))
	for _, v := range in {
		f, ok := toNumber(v)
		if !ok {
			return nil, evalError("operator %s: %s is not a number", op, formatValue(v))
		}
		out = append(out, f)
	}
	return out, nil
}

func opAdd(s *state, args []Expr, depth int) (Value, []Value, error) {
	in, err := s.evalArgs(args, depth)
	if err != nil {
		return nil, nil, err
	}
	nums, err := numbers(OpAdd, in)
	if err != nil {
		return nil, nil, err
	}
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return sum, in, nil
}

func opSub(s *state, args []Expr, depth int) (Value, []Value, error) {
	in, err := s.evalArgs(args, depth)
	if err != nil {
		return nil, nil, err
	}
	nums, err := numbers(OpSub, in)
	if err != nil {
		return nil, nil, err
	}
	if len(nums) == 1 {
		return -nums[0], in, nil
	}
	return nums[0] - nums[1], in, nil
}

func opMul(s *state, args []Expr, depth int) (Value, []Value, error) {
	in, err := s.evalArgs(args, depth)
	if err != nil {
		return nil, nil, err
	}
	nums, err := numbers(OpMul, in)
	if err != nil {
		return nil, nil, err
	}
	product := 1.0
	for _, n := range nums {
		product *= n
	}
	return product, in, nil
}

func opDiv(a, b Value) (Value, error) {
	nums, err := numbers(OpDiv, []Value{a, b})
	if err != nil {
		return nil, err
	}
	if nums[1] == 0 {
		return nil, evalError("operator /: division by zero")
	}
	return nums[0] / nums[1], nil
}

func opMod(a, b Value) (Value, error) {
	nums, err := numbers(OpMod, []Value{a, b})
	if err != nil {
		return nil, err
	}
	if nums[1] == 0 {
		return nil, evalError("operator %%: modulo by zero")
	}
	return math.Mod(nums[0], nums[1]), nil
}

func extremum(op Operator, better func(x, best float64) bool) operatorFunc {
	return func(s *state, args []Expr, depth int) (Value, []Value, error) {
		in, err := s.evalArgs(args, depth)
		if err != nil {
			return nil, nil, err
		}
		if len(in) == 0 {
			return nil, in, nil
		}
		nums, err := numbers(op, in)
		if err != nil {
			return nil, nil, err
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if better(n, best) {
				best = n
			}
		}
		return best, in, nil
	}
}

// opIn tests substring membership for strings and element membership for arrays.
func opIn(needle, haystack Value) (Value, error) {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, toString(needle)), nil
	case []any:
		for _, item := range h {
			if strictEqual(needle, item) {
				return true, nil
			}
		}
	}
	return false, nil
}

// missingPaths lists the paths of keys that are absent, null or empty strings.
func missingPaths(data Context, keys []Value) []any {
	missing := make([]any, 0)
	for _, k := range keys {
		path := toString(k)
		if !varPathRegex.MatchString(path) {
			missing = append(missing, k)
			continue
		}
		v, found := data.Lookup(path)
		if !found || v == nil || v == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// flattenKeys accepts either the operands themselves or a single operand that
// evaluated to an array of keys.
func flattenKeys(in []Value) []Value {
	if len(in) == 1 {
		if list, ok := in[0].([]any); ok {
			return list
		}
	}
	return in
}

func opMissing(s *state, args []Expr, depth int) (Value, []Value, error) {
	in, err := s.evalArgs(args, depth)
	if err != nil {
		return nil, nil, err
	}
	return missingPaths(s.data, flattenKeys(in)), in, nil
}

// opMissingSome returns [] when at least min keys are present, otherwise the
// missing keys.
func opMissingSome(s *state, args []Expr, depth int) (Value, []Value, error) {
	in, err := s.evalArgs(args, depth)
	if err != nil {
		return nil, nil, err
	}
	need, ok := toNumber(in[0])
	if !ok {
		return nil, nil, evalError("operator missing_some: minimum %s is not a number", formatValue(in[0]))
	}
	keys, ok := in[1].([]any)
	if !ok {
		return nil, nil, evalError("operator missing_some: keys must be an array")
	}
	missing := missingPaths(s.data, keys)
	if float64(len(keys)-len(missing)) >= need {
		return []any{}, in, nil
	}
	return missing, in, nil
}
