package validation

import (
	"fmt"

	"github.com/venueos/mailflow/pkg/schema"
)

// validateSemantic performs semantic analysis on the template.
// Checks: per-type config requirements, on_error_node references, retry
// sanity, duplicate node names.
func validateSemantic(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(tpl.Nodes))
	for _, n := range tpl.Nodes {
		nodeIDs[n.ID] = true
	}

	names := make(map[string]string, len(tpl.Nodes))
	for i := range tpl.Nodes {
		node := &tpl.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		// Node names namespace step outputs in the variable bag, so a
		// collision silently overwrites earlier outputs.
		if prev, ok := names[node.Name]; ok {
			result.AddWarning(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("node name %q also used by node %q; later outputs overwrite earlier ones", node.Name, prev))
		} else {
			names[node.Name] = node.ID
		}

		cfg, err := node.DecodeConfig()
		if err != nil {
			result.AddError(path+".config", schema.ErrCodeValidation, err.Error())
			continue
		}

		validateNodeConfig(node, cfg, path, nodeIDs, result)
	}

	return result
}

// validateNodeConfig checks the decoded config of a single node.
func validateNodeConfig(node *schema.WorkflowNode, cfg *schema.NodeConfig, path string, nodeIDs map[string]bool, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeTypeAgent:
		if cfg.Agent.Kind == "" {
			result.AddError(path+".config.kind", schema.ErrCodeValidation,
				"agent node requires a kind")
		}
		if cfg.Agent.OnErrorNode != "" && !nodeIDs[cfg.Agent.OnErrorNode] {
			result.AddError(path+".config.on_error_node", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", cfg.Agent.OnErrorNode))
		}
		if cfg.Agent.Retry != nil {
			if cfg.Agent.Retry.MaxAttempts <= 0 {
				result.AddError(path+".config.retry.max_attempts", schema.ErrCodeValidation,
					"max_attempts must be positive")
			} else if cfg.Agent.Retry.MaxAttempts > 10 {
				result.AddWarning(path+".config.retry.max_attempts", schema.ErrCodeValidation,
					fmt.Sprintf("high retry count (%d) may cause excessive delays", cfg.Agent.Retry.MaxAttempts))
			}
		}

	case schema.NodeTypeCondition:
		if cfg.Condition.Expression == "" {
			result.AddError(path+".config.expression", schema.ErrCodeValidation,
				"condition node requires an expression")
		}
		switch cfg.Condition.Engine {
		case "", "cel", "expr":
		default:
			result.AddError(path+".config.engine", schema.ErrCodeValidation,
				fmt.Sprintf("unknown expression engine %q", cfg.Condition.Engine))
		}

	case schema.NodeTypeGuardrail:
		if cfg.Guardrail.Category == "" && len(cfg.Guardrail.Guardrails) == 0 {
			result.AddError(path+".config", schema.ErrCodeValidation,
				"guardrail node requires a category or explicit guardrail names")
		}

	case schema.NodeTypeMove:
		if cfg.Move.FolderPath == "" {
			result.AddError(path+".config.folder_path", schema.ErrCodeValidation,
				"move node requires a folder_path")
		}
	}
}
