package validation

import "github.com/venueos/mailflow/pkg/schema"

// TemplateValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (config requirements, node references)
// 3. Graph (edge wiring, cycles, reachability)
type TemplateValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewTemplateValidator creates a TemplateValidator.
func NewTemplateValidator() (*TemplateValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &TemplateValidator{jsonSchema: jsv}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (tv *TemplateValidator) Validate(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	if tpl == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow template is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(tv.jsonSchema, tpl)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(tpl))

	// Stage 3: Graph (skip if semantic errors left the configs unusable).
	if result.Valid() {
		result.Merge(validateGraph(tpl))
	}

	return result
}

// ValidateTemplate satisfies the Validator interface.
func (tv *TemplateValidator) ValidateTemplate(tpl *schema.WorkflowTemplate) error {
	return tv.Validate(tpl).ToError()
}

// ValidateTrigger delegates to the underlying JSONSchemaValidator.
func (tv *TemplateValidator) ValidateTrigger(trigger map[string]any, triggerSchema []byte) error {
	return tv.jsonSchema.ValidateTrigger(trigger, triggerSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateTemplate, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateTemplate(tpl)
	if err == nil {
		return result
	}

	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if fe.Details != nil {
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}
