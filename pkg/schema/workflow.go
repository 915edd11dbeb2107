package schema

import "encoding/json"

// NodeType enumerates the kinds of nodes in a workflow template.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAgent     NodeType = "agent"
	NodeTypeCondition NodeType = "condition"
	NodeTypeGuardrail NodeType = "guardrail"
	NodeTypeExit      NodeType = "exit"
	NodeTypeMove      NodeType = "move"
)

// Connection handles. Condition and guardrail nodes emit on positive_output
// (pass/true) or negative_output (fail/false); all other node types emit on
// output. Every target handle is input.
const (
	HandleOutput         = "output"
	HandlePositiveOutput = "positive_output"
	HandleNegativeOutput = "negative_output"
	HandleInput          = "input"
)

// WorkflowTemplate is the immutable graph definition of an email-processing
// pipeline. Owned by an organization; read-only to the engine.
type WorkflowTemplate struct {
	ID             string               `json:"id"`
	OrganizationID string               `json:"organization_id"`
	Name           string               `json:"name,omitempty"`
	Nodes          []WorkflowNode       `json:"nodes"`
	Connections    []WorkflowConnection `json:"connections"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
}

// WorkflowNode is a typed unit of work in a workflow template.
// Config carries the type-specific payload; decode it with DecodeConfig
// at template-load time rather than passing raw JSON into the walk loop.
type WorkflowNode struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// WorkflowConnection is a directed edge between two nodes.
type WorkflowConnection struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	SourceHandle string `json:"source_handle"`
	TargetHandle string `json:"target_handle"`
}

// NodeConfig is the decoded, strongly-typed view of a node's Config blob.
// Exactly one of the variant pointers is set, matching the node type.
type NodeConfig struct {
	Trigger   *TriggerConfig
	Agent     *AgentConfig
	Condition *ConditionConfig
	Guardrail *GuardrailNodeConfig
	Exit      *ExitConfig
	Move      *MoveConfig
}

// TriggerConfig describes the event that starts a run.
type TriggerConfig struct {
	Event string `json:"event,omitempty"` // e.g. "email_received"
}

// AgentConfig describes an agent-type node: which content agent to invoke
// and with what prompt template.
type AgentConfig struct {
	Kind        string          `json:"kind"`                 // parsing | business_logic | action_execution
	Model       string          `json:"model,omitempty"`      // model identifier passed to the agent client
	Prompt      string          `json:"prompt,omitempty"`     // templated prompt, resolved against run variables
	Input       json.RawMessage `json:"input,omitempty"`      // templated input payload
	Transform   string          `json:"transform,omitempty"`  // optional jq program applied to the output
	OnErrorNode string          `json:"on_error_node,omitempty"` // node to jump to after retries exhaust
	Retry       *RetryPolicy    `json:"retry,omitempty"`
}

// ConditionConfig describes a condition-type node.
type ConditionConfig struct {
	Expression string `json:"expression"`
	Engine     string `json:"engine,omitempty"` // cel (default) | expr
}

// GuardrailNodeConfig describes a guardrail-type node: which tenant-scoped
// guardrail category to evaluate against the run content.
type GuardrailNodeConfig struct {
	Category   string   `json:"category"`              // e.g. "post_intent_guardrails"
	Guardrails []string `json:"guardrails,omitempty"`  // explicit guardrail names; empty = all in category
	ContentVar string   `json:"content_var,omitempty"` // variable path holding the content to evaluate
}

// ExitConfig describes a terminal exit node.
type ExitConfig struct {
	Reason string `json:"reason,omitempty"`
}

// MoveConfig describes a move-type node: file the email into a folder.
type MoveConfig struct {
	FolderPath string `json:"folder_path"`
	MarkAsSeen bool   `json:"mark_as_seen,omitempty"`
}

// DecodeConfig decodes the node's raw config into the typed variant for its
// node type. An empty config yields a zero-valued variant.
func (n *WorkflowNode) DecodeConfig() (*NodeConfig, error) {
	cfg := &NodeConfig{}
	decode := func(v any) error {
		if len(n.Config) == 0 {
			return nil
		}
		if err := json.Unmarshal(n.Config, v); err != nil {
			return NewErrorf(ErrCodeValidation, "node %s: invalid %s config: %s", n.ID, n.Type, err.Error()).WithNode(n.ID)
		}
		return nil
	}
	switch n.Type {
	case NodeTypeTrigger:
		cfg.Trigger = &TriggerConfig{}
		return cfg, decode(cfg.Trigger)
	case NodeTypeAgent:
		cfg.Agent = &AgentConfig{}
		return cfg, decode(cfg.Agent)
	case NodeTypeCondition:
		cfg.Condition = &ConditionConfig{}
		return cfg, decode(cfg.Condition)
	case NodeTypeGuardrail:
		cfg.Guardrail = &GuardrailNodeConfig{}
		return cfg, decode(cfg.Guardrail)
	case NodeTypeExit:
		cfg.Exit = &ExitConfig{}
		return cfg, decode(cfg.Exit)
	case NodeTypeMove:
		cfg.Move = &MoveConfig{}
		return cfg, decode(cfg.Move)
	default:
		return nil, NewErrorf(ErrCodeValidation, "node %s has unknown type: %s", n.ID, n.Type).WithNode(n.ID)
	}
}

// RetryPolicy configures retry behavior for a retryable node dispatch.
type RetryPolicy struct {
	MaxAttempts     int     `json:"max_attempts"`
	BaseDelay       string  `json:"base_delay,omitempty"`       // e.g. "100ms"
	MaxDelay        string  `json:"max_delay,omitempty"`        // cap, e.g. "30s"
	ExponentialBase float64 `json:"exponential_base,omitempty"` // default 2
	Jitter          bool    `json:"jitter,omitempty"`
}

// GuardrailDefinition is a tenant-scoped, AI-scored safety check.
type GuardrailDefinition struct {
	Name       string  `json:"name"`
	Category   string  `json:"category,omitempty"`
	Prompt     string  `json:"prompt"`
	Threshold  float64 `json:"threshold"` // confidence in [0,1] at which the guardrail fires
	FolderPath string  `json:"folder_path,omitempty"`
	MarkAsSeen bool    `json:"mark_as_seen,omitempty"`
}
