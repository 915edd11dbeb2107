package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venueos/mailflow/pkg/schema"
)

func conditionVars() map[string]any {
	return map[string]any{
		"intent":     "booking",
		"confidence": 0.92,
		"trigger": map[string]any{
			"folder": "INBOX",
		},
		"nodes": map[string]any{
			"Parse Email": map[string]any{
				"party_size": float64(6),
			},
		},
	}
}

func TestCELEvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	out, err := e.Evaluate(context.Background(), `vars.intent == "booking"`, conditionVars())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `vars.confidence > 0.95`, conditionVars())
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELNamespaces(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `trigger.folder == "INBOX"`, conditionVars())
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), `nodes["Parse Email"].party_size >= 6.0`, conditionVars())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELMissingNamespacesDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(trigger) == 0 && size(venue) == 0`, map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assertEngineCode(t, err, schema.ErrCodeValidation)
}

func TestCELCompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `vars.intent ==`, conditionVars())
	require.Error(t, err)
	assertEngineCode(t, err, schema.ErrCodeValidation)
}

func TestCELCachesPrograms(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), `vars.intent == "booking"`, conditionVars())
		require.NoError(t, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestExprEvaluate(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), `intent == "booking" && confidence > 0.9`, conditionVars())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExprNilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, conditionVars())
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assertEngineCode(t, err, schema.ErrCodeValidation)
}

func TestExprCompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `intent ==`, conditionVars())
	require.Error(t, err)
	assertEngineCode(t, err, schema.ErrCodeValidation)
}

func TestExprNilVars(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `1 + 2`, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestJQTransformIdentity(t *testing.T) {
	tr := NewJQTransformer()

	out, err := tr.Transform(context.Background(), ".", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, out)
}

func TestJQTransformEmptyProgramPassesThrough(t *testing.T) {
	tr := NewJQTransformer()

	input := map[string]any{"a": 1}
	out, err := tr.Transform(context.Background(), "", input)
	require.NoError(t, err)
	assert.Equal(t, input, out)
}

func TestJQTransformExtract(t *testing.T) {
	tr := NewJQTransformer()

	input := map[string]any{
		"reply": map[string]any{"body": "See you Friday", "tone": "warm"},
	}
	out, err := tr.Transform(context.Background(), ".reply.body", input)
	require.NoError(t, err)
	assert.Equal(t, "See you Friday", out)
}

func TestJQTransformMultipleOutputs(t *testing.T) {
	tr := NewJQTransformer()

	input := map[string]any{"items": []any{"a", "b"}}
	out, err := tr.Transform(context.Background(), ".items[]", input)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestJQTransformZeroOutputs(t *testing.T) {
	tr := NewJQTransformer()

	out, err := tr.Transform(context.Background(), ".items[]", map[string]any{"items": []any{}})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestJQTransformParseError(t *testing.T) {
	tr := NewJQTransformer()

	_, err := tr.Transform(context.Background(), ".[unclosed", nil)
	require.Error(t, err)
	assertEngineCode(t, err, schema.ErrCodeValidation)
}

func TestJQTransformRuntimeError(t *testing.T) {
	tr := NewJQTransformer()

	_, err := tr.Transform(context.Background(), ".a + 1", map[string]any{"a": "text"})
	require.Error(t, err)
	assertEngineCode(t, err, schema.ErrCodeExecution)
}

func TestJQTransformEnvBlocked(t *testing.T) {
	t.Setenv("MAILFLOW_SECRET", "hunter2")
	tr := NewJQTransformer()

	out, err := tr.Transform(context.Background(), `$ENV.MAILFLOW_SECRET`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func assertEngineCode(t *testing.T, err error, code string) {
	t.Helper()
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, code, fe.Code)
}
