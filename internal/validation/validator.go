package validation

import "github.com/venueos/mailflow/pkg/schema"

// Validator checks workflow templates for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateTemplate(tpl *schema.WorkflowTemplate) error
	ValidateTrigger(trigger map[string]any, triggerSchema []byte) error
}
