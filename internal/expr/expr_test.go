package expr

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nestNot wraps a literal in n negations, giving a path of n+1 nodes.
func nestNot(n int) string {
	return strings.Repeat(`{"!":`, n) + "true" + strings.Repeat("}", n)
}

func campaignContext(t *testing.T) Context {
	t.Helper()
	c, err := NewContext([]byte(`{
		"settlement": {"population": 6000, "name": "Riverdale"},
		"tags": ["port", "walled"],
		"gold": "12",
		"flag": false
	}`))
	require.NoError(t, err)
	return c
}

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr error
		check   func(t *testing.T, x Expr)
	}{
		{
			name: "Should parse a comparison with a variable operand",
			raw:  `{">=": [{"var": "settlement.population"}, 5000]}`,
			check: func(t *testing.T, x Expr) {
				op, ok := x.(*Op)
				require.True(t, ok)
				assert.Equal(t, OpGreaterEq, op.Operator)
				require.Len(t, op.Args, 2)
				assert.Equal(t, &Var{Path: "settlement.population"}, op.Args[0])
				assert.Equal(t, &Literal{Value: 5000.0}, op.Args[1])
			},
		},
		{
			name: "Should accept a single operand without an array",
			raw:  `{"!": {"var": "flag"}}`,
			check: func(t *testing.T, x Expr) {
				assert.Equal(t, &Op{Operator: OpNot, Args: []Expr{&Var{Path: "flag"}}}, x)
			},
		},
		{
			name: "Should parse var defaults",
			raw:  `{"var": ["mayor", "nobody"]}`,
			check: func(t *testing.T, x Expr) {
				assert.Equal(t, &Var{Path: "mayor", Default: &Literal{Value: "nobody"}}, x)
			},
		},
		{
			name: "Should treat multi-key objects as data",
			raw:  `{"a": 1, "b": 2}`,
			check: func(t *testing.T, x Expr) {
				assert.Equal(t, &Literal{Value: map[string]any{"a": 1.0, "b": 2.0}}, x)
			},
		},
		{name: "Should accept nesting at the depth limit", raw: nestNot(9)},
		{name: "Should reject nesting beyond the depth limit", raw: nestNot(10), wantErr: ErrExpressionTooDeep},
		{name: "Should reject unknown operators", raw: `{"regex": ["a", "b"]}`, wantErr: ErrInvalidExpression},
		{name: "Should reject wrong arity", raw: `{"==": [1]}`, wantErr: ErrInvalidExpression},
		{name: "Should reject query syntax in variable paths", raw: `{"var": "items.#.name"}`, wantErr: ErrInvalidExpression},
		{name: "Should reject dynamic variable paths", raw: `{"var": {"var": "key"}}`, wantErr: ErrInvalidExpression},
		{name: "Should reject malformed JSON", raw: `{">=": [`, wantErr: ErrInvalidExpression},
		{name: "Should reject empty input", raw: ``, wantErr: ErrInvalidExpression},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			x, err := Parse(json.RawMessage(tt.raw))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, x)
			}
		})
	}
}

func TestEvaluator_Evaluate(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(0)

	tests := []struct {
		name    string
		raw     string
		want    Value
		wantErr error
	}{
		{name: "Should compare a resolved variable", raw: `{">=": [{"var": "settlement.population"}, 5000]}`, want: true},
		{name: "Should be false when comparing an undefined variable", raw: `{">=": [{"var": "settlement.mayor"}, 5000]}`, want: false},
		{name: "Should short-circuit and", raw: `{"and": [false, {"/": [1, 0]}]}`, want: false},
		{name: "Should return the first truthy operand of or", raw: `{"or": [0, "", {"var": "settlement.name"}]}`, want: "Riverdale"},
		{name: "Should compare loosely with ==", raw: `{"==": [{"var": "gold"}, 12]}`, want: true},
		{name: "Should compare types with ===", raw: `{"===": [{"var": "gold"}, 12]}`, want: false},
		{name: "Should treat null and undefined as loosely equal", raw: `{"!=": [null, {"var": "nope"}]}`, want: false},
		{name: "Should support the between form", raw: `{"<": [1, {"var": "settlement.population"}, 10000]}`, want: true},
		{name: "Should find array members", raw: `{"in": ["port", {"var": "tags"}]}`, want: true},
		{name: "Should find substrings", raw: `{"in": ["ver", "Riverdale"]}`, want: true},
		{name: "Should evaluate list operands", raw: `{"in": ["a", ["a", "b"]]}`, want: true},
		{name: "Should choose the else branch", raw: `{"if": [{"var": "flag"}, "yes", "no"]}`, want: "no"},
		{name: "Should add", raw: `{"+": [1, 2, 3]}`, want: 6.0},
		{name: "Should negate with unary minus", raw: `{"-": [5]}`, want: -5.0},
		{name: "Should compute modulo", raw: `{"%": [7, 3]}`, want: 1.0},
		{name: "Should find the maximum", raw: `{"max": [1, 9, 3]}`, want: 9.0},
		{name: "Should return null for an empty min", raw: `{"min": []}`, want: nil},
		{name: "Should list missing keys", raw: `{"missing": ["settlement.population", "settlement.mayor"]}`, want: []any{"settlement.mayor"}},
		{name: "Should satisfy missing_some", raw: `{"missing_some": [1, ["a", "settlement.name"]]}`, want: []any{}},
		{name: "Should fall back to the var default", raw: `{"var": ["settlement.mayor", "nobody"]}`, want: "nobody"},
		{name: "Should index arrays", raw: `{"var": "tags.1"}`, want: "walled"},
		{name: "Should negate", raw: `{"!": [{"var": "flag"}]}`, want: true},
		{name: "Should fail on division by zero", raw: `{"/": [1, 0]}`, wantErr: ErrEvaluation},
		{name: "Should fail on non-numeric arithmetic", raw: `{"+": [1, "abc"]}`, wantErr: ErrEvaluation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, _, err := ev.EvaluateRaw(context.Background(), []byte(tt.raw), campaignContext(t), Options{})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluator_Trace(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(0)
	raw := `{"and": [{">=": [{"var": "settlement.population"}, 5000]}, {"var": "flag"}]}`

	t.Run("Should record steps in evaluation order", func(t *testing.T) {
		t.Parallel()

		got, trace, err := ev.EvaluateRaw(context.Background(), []byte(raw), campaignContext(t), Options{Trace: true})

		require.NoError(t, err)
		assert.Equal(t, false, got)
		ops := make([]string, len(trace))
		for i, s := range trace {
			ops[i] = s.Operation
		}
		assert.Equal(t, []string{"var", ">=", "var", "and"}, ops)
		assert.Equal(t, "6000 >= 5000 is true", trace[1].Description)
	})

	t.Run("Should describe unresolved variables", func(t *testing.T) {
		t.Parallel()

		_, trace, err := ev.EvaluateRaw(context.Background(),
			[]byte(`{">=": [{"var": "settlement.mayor"}, 5000]}`), campaignContext(t), Options{Trace: true})

		require.NoError(t, err)
		require.NotEmpty(t, trace)
		assert.Equal(t, "settlement.mayor is undefined", trace[0].Description)
		assert.True(t, IsUndefined(trace[0].Output))
		assert.Contains(t, Explain(trace), "1. [var] settlement.mayor is undefined")
	})

	t.Run("Should not record anything when tracing is off", func(t *testing.T) {
		t.Parallel()

		_, trace, err := ev.EvaluateRaw(context.Background(), []byte(raw), campaignContext(t), Options{})

		require.NoError(t, err)
		assert.Empty(t, trace)
	})
}

func TestEvaluator_DepthGuard(t *testing.T) {
	t.Parallel()

	// Hand-built trees bypass Parse, so the evaluator must enforce the limit itself.
	var x Expr = &Literal{Value: true}
	for range 10 {
		x = &Op{Operator: OpNot, Args: []Expr{x}}
	}

	_, _, err := NewEvaluator(0).Evaluate(context.Background(), x, Context{}, Options{})

	assert.ErrorIs(t, err, ErrExpressionTooDeep)
}

func TestEvaluator_Idempotent(t *testing.T) {
	t.Parallel()

	ev := NewEvaluator(0)
	x, err := Parse(json.RawMessage(`{"if": [{"<": [{"var": "settlement.population"}, 1000]}, "village", "town"]}`))
	require.NoError(t, err)
	data := campaignContext(t)

	first, firstTrace, err := ev.Evaluate(context.Background(), x, data, Options{Trace: true})
	require.NoError(t, err)
	second, secondTrace, err := ev.Evaluate(context.Background(), x, data, Options{Trace: true})
	require.NoError(t, err)

	assert.Equal(t, "town", first)
	assert.Equal(t, first, second)
	assert.Equal(t, firstTrace, secondTrace)
}

func TestEvaluator_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := NewEvaluator(0).EvaluateRaw(ctx, []byte(`{"==": [1, 1]}`), Context{}, Options{})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestContext(t *testing.T) {
	t.Parallel()

	t.Run("Should treat empty input as an empty object", func(t *testing.T) {
		t.Parallel()
		c, err := NewContext(nil)
		require.NoError(t, err)
		assert.Equal(t, "{}", string(c.Raw()))
	})

	t.Run("Should reject non-object roots", func(t *testing.T) {
		t.Parallel()
		_, err := NewContext([]byte(`[1,2]`))
		assert.Error(t, err)
	})

	t.Run("Should reject invalid JSON", func(t *testing.T) {
		t.Parallel()
		_, err := NewContext([]byte(`{"a":`))
		assert.Error(t, err)
	})

	t.Run("Should fingerprint independently of whitespace", func(t *testing.T) {
		t.Parallel()
		a, err := NewContext([]byte(`{"a": 1, "b": [1, 2]}`))
		require.NoError(t, err)
		b, err := NewContext([]byte("{\"a\":1,\n\"b\":[1,2]}"))
		require.NoError(t, err)
		c := MustContext(map[string]any{"a": 2})

		assert.True(t, a.Fingerprint().Equal(b.Fingerprint()))
		assert.False(t, a.Fingerprint().Equal(c.Fingerprint()))
	})

	t.Run("Should not treat a matching hash alone as the same document", func(t *testing.T) {
		t.Parallel()
		a := FingerprintOf([]byte(`{"a":1}`))
		b := FingerprintOf([]byte(`{"a":2}`))
		forged := Fingerprint{Hash: a.Hash, Digest: b.Digest}

		assert.False(t, a.Equal(forged))
		assert.True(t, a.Equal(FingerprintOf([]byte(`{"a":1}`))))
	})

	t.Run("Should return the whole document for the empty path", func(t *testing.T) {
		t.Parallel()
		c := MustContext(map[string]any{"a": 1})
		v, ok := c.Lookup("")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"a": 1.0}, v)
	})
}

func TestUndefined_MarshalJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(map[string]any{"v": Undefined})

	require.NoError(t, err)
	assert.JSONEq(t, `{"v": null}`, string(b))
}
