// Package planner turns a natural-language command into an ordered plan of
// tool calls.
package planner

import (
	"context"
	"fmt"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/tools"
)

// Planner produces a plan for a command.
type Planner interface {
	Plan(ctx context.Context, command string) (*domain.Plan, error)
}

// Validate checks that every step names a known tool and that subagent
// groups are not empty.
func Validate(plan *domain.Plan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return apperr.New(apperr.CodeValidation, "plan has no steps")
	}
	return validateSteps(plan.Steps)
}

func validateSteps(steps []domain.Step) error {
	for _, s := range steps {
		switch s.Kind {
		case domain.StepKindSubagent:
			if len(s.Steps) == 0 {
				return apperr.Newf(apperr.CodeValidation, "subagent step %s has no steps", s.ID)
			}
			if err := validateSteps(s.Steps); err != nil {
				return err
			}
		case domain.StepKindTool, "":
			if _, ok := tools.ParseKind(s.Tool); !ok {
				return apperr.Newf(apperr.CodeValidation, "step %s uses unknown tool %q", s.ID, s.Tool)
			}
		default:
			return apperr.Newf(apperr.CodeValidation, "step %s has unknown kind %q", s.ID, s.Kind)
		}
	}
	return nil
}

// number assigns ids to steps that have none, normalizing kinds.
func number(steps []domain.Step, prefix string) {
	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = fmt.Sprintf("%s%d", prefix, i+1)
		}
		if steps[i].Kind == "" {
			steps[i].Kind = domain.StepKindTool
		}
		if len(steps[i].Steps) > 0 {
			number(steps[i].Steps, steps[i].ID+".")
		}
	}
}
