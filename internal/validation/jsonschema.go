package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/venueos/mailflow/pkg/schema"
)

// templateSchemaJSON is the JSON Schema for WorkflowTemplate validation.
// Embedded as a constant to avoid filesystem dependencies.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://mailflow.dev/schemas/template.json",
  "type": "object",
  "required": ["nodes", "connections"],
  "properties": {
    "id": { "type": "string" },
    "organization_id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type", "name"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["trigger", "agent", "condition", "guardrail", "exit", "move"]
        },
        "name": {
          "type": "string",
          "minLength": 1
        },
        "config": {
          "type": "object"
        }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source_node_id", "target_node_id"],
      "properties": {
        "source_node_id": {
          "type": "string",
          "minLength": 1
        },
        "target_node_id": {
          "type": "string",
          "minLength": 1
        },
        "source_handle": {
          "type": "string",
          "enum": ["output", "positive_output", "negative_output", ""]
        },
        "target_handle": {
          "type": "string",
          "enum": ["input", ""]
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements structural validation using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	templateSchema *jsonschema.Schema

	// mu guards the cache for dynamic trigger-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the template
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(templateSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal template schema: %w", err)
	}
	if err := c.AddResource("https://mailflow.dev/schemas/template.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add template schema resource: %w", err)
	}

	tplSchema, err := c.Compile("https://mailflow.dev/schemas/template.json")
	if err != nil {
		return nil, fmt.Errorf("compile template schema: %w", err)
	}

	return &JSONSchemaValidator{
		templateSchema: tplSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateTemplate validates a WorkflowTemplate against the template JSON Schema.
func (v *JSONSchemaValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow template is nil")
	}

	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow template").WithCause(err)
	}

	if err := v.templateSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	// Structural checks JSON Schema cannot express: duplicate node IDs.
	seen := make(map[string]struct{}, len(tpl.Nodes))
	for _, node := range tpl.Nodes {
		if _, exists := seen[node.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
		}
		seen[node.ID] = struct{}{}
	}

	return nil
}

// ValidateTrigger validates trigger data against a JSON Schema provided as
// raw bytes. The schema is compiled and cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateTrigger(trigger map[string]any, triggerSchema []byte) error {
	if trigger == nil {
		return schema.NewError(schema.ErrCodeValidation, "trigger data is nil")
	}
	if len(triggerSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(triggerSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid trigger schema").WithCause(err)
	}

	doc, err := toJSONValue(trigger)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize trigger data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("mailflow://trigger-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// clear, actionable messages.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
