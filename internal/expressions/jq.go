package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/venueos/mailflow/pkg/schema"
)

// JQTransformer applies jq programs to node outputs before they are merged
// into the run variable bag (the optional "transform" field of agent and
// move configs). Thread-safe: compiled *gojq.Code objects are cached.
type JQTransformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewJQTransformer creates a new jq transformer.
func NewJQTransformer() *JQTransformer {
	return &JQTransformer{
		cache: make(map[string]*gojq.Code),
	}
}

// Transform runs the jq program against the input value. jq programs can
// produce multiple outputs; a single output is returned directly, multiple
// outputs are collected into a slice, zero outputs yield nil.
func (t *JQTransformer) Transform(ctx context.Context, program string, input any) (any, error) {
	if program == "" {
		return input, nil
	}

	code, err := t.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq transform failed for %q: %s", program, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (t *JQTransformer) getOrCompile(program string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[program]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if code, ok := t.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access from templates.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	t.cache[program] = code
	return code, nil
}
