// Package policy evaluates the rego policy that decides whether a step runs
// automatically, needs human approval or is blocked.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Action is the outcome of a policy evaluation.
type Action string

const (
	ActionAllow           Action = "allow"
	ActionRequireApproval Action = "require_approval"
	ActionBlock           Action = "block"
)

// Input is the document the policy is evaluated against.
type Input struct {
	ToolName           string      `json:"tool_name"`
	Args               interface{} `json:"args"`
	AmountUSD          float64     `json:"amount_usd"`
	ThresholdUSD       float64     `json:"threshold_usd"`
	BudgetLimitUSD     *float64    `json:"budget_limit_usd"`
	DeniedTools        []string    `json:"denied_tools"`
	AlwaysApproveTools []string    `json:"always_approve_tools"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.approval_policy.decision"),
		rego.Module("approval_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate runs the policy. The rule returns either a bare action string or
// an object {"action": ..., "reason": ...}.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Action, string, error) {
	doc := map[string]interface{}{
		"tool_name":            input.ToolName,
		"args":                 input.Args,
		"amount_usd":           input.AmountUSD,
		"threshold_usd":        input.ThresholdUSD,
		"denied_tools":         nonNil(input.DeniedTools),
		"always_approve_tools": nonNil(input.AlwaysApproveTools),
	}
	if input.BudgetLimitUSD != nil {
		doc["budget_limit_usd"] = *input.BudgetLimitUSD
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default; an undefined result means it was replaced by one that does not.
		return ActionAllow, "no policy decision", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return parseAction(val, "")
	case map[string]interface{}:
		action, _ := val["action"].(string)
		reason, _ := val["reason"].(string)
		return parseAction(action, reason)
	default:
		return "", "", fmt.Errorf("unexpected policy result type %T", val)
	}
}

func parseAction(action, reason string) (Action, string, error) {
	switch a := Action(action); a {
	case ActionAllow, ActionRequireApproval, ActionBlock:
		return a, reason, nil
	default:
		return "", "", fmt.Errorf("unknown policy action %q", action)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package approval_policy

import rego.v1

default decision := {"action": "allow", "reason": ""}

decision := {"action": "block", "reason": sprintf("tool %s is disabled", [input.tool_name])} if {
	input.tool_name in input.denied_tools
} else := {"action": "require_approval", "reason": sprintf("amount %v USD exceeds approval threshold %v USD", [input.amount_usd, input.threshold_usd])} if {
	input.amount_usd > input.threshold_usd
} else := {"action": "require_approval", "reason": sprintf("tool %s always requires approval", [input.tool_name])} if {
	input.tool_name in input.always_approve_tools
}
`
