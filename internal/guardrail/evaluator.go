package guardrail

import (
	"context"
	"log/slog"

	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/pkg/schema"
)

// Judge is the external judgment backing a guardrail check. Given a
// materialized prompt and the content under evaluation it returns a
// confidence in [0,1] that the guardrail should fire. The LLM call behind it
// is an external collaborator.
type Judge interface {
	Score(ctx context.Context, prompt, content string) (float64, error)
}

// JudgeFunc adapts a plain function to the Judge interface.
type JudgeFunc func(ctx context.Context, prompt, content string) (float64, error)

func (f JudgeFunc) Score(ctx context.Context, prompt, content string) (float64, error) {
	return f(ctx, prompt, content)
}

// Violation describes the guardrail that fired, with its routing side effects
// for the caller to apply.
type Violation struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	FolderPath string  `json:"folder_path,omitempty"`
	MarkAsSeen bool    `json:"mark_as_seen,omitempty"`
}

// Result is the per-guardrail evaluation record, kept for audit logging.
type Result struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`
	Violated   bool    `json:"violated"`
	JudgeError string  `json:"judge_error,omitempty"`
}

// Outcome is the aggregate decision for one evaluation pass.
type Outcome struct {
	Continue  bool       `json:"continue"`
	Violation *Violation `json:"violation,omitempty"`
	Results   []Result   `json:"results"`
}

// Evaluator gates run content through ordered, AI-scored guardrails.
type Evaluator struct {
	judge  Judge
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator backed by the given judge.
func NewEvaluator(judge Judge, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{judge: judge, logger: logger}
}

// Evaluate checks the content against each guardrail in order. The guardrail
// prompt is materialized against the run variables plus the content under
// evaluation. The first guardrail whose confidence reaches its threshold wins
// and short-circuits the rest. A judge error counts as confidence 0 for that
// guardrail — evaluation-infrastructure failures never block on their own.
func (e *Evaluator) Evaluate(ctx context.Context, guardrails []schema.GuardrailDefinition, content string, vars map[string]any) (*Outcome, error) {
	outcome := &Outcome{Continue: true, Results: make([]Result, 0, len(guardrails))}

	promptVars := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		promptVars[k] = v
	}
	promptVars["content"] = content

	for _, g := range guardrails {
		prompt := expressions.ResolveString(g.Prompt, promptVars)

		confidence, err := e.judge.Score(ctx, prompt, content)
		result := Result{Name: g.Name, Threshold: g.Threshold}
		if err != nil {
			// Fail-open: score the guardrail 0 and keep going.
			e.logger.WarnContext(ctx, "guardrail judge call failed",
				slog.String("guardrail", g.Name),
				slog.String("error", err.Error()),
			)
			result.JudgeError = err.Error()
			outcome.Results = append(outcome.Results, result)
			continue
		}
		result.Confidence = confidence

		if confidence >= g.Threshold {
			result.Violated = true
			outcome.Results = append(outcome.Results, result)
			outcome.Continue = false
			outcome.Violation = &Violation{
				Name:       g.Name,
				Confidence: confidence,
				Threshold:  g.Threshold,
				FolderPath: g.FolderPath,
				MarkAsSeen: g.MarkAsSeen,
			}
			return outcome, nil
		}

		outcome.Results = append(outcome.Results, result)
	}

	return outcome, nil
}
