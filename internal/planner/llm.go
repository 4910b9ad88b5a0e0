package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/adapter/llm"
	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/tools"
)

const systemPrompt = `You plan payment tasks for an autonomous wallet agent.
Call the provided tools in the order they must run. Do not invent tools.
Amounts are decimal strings. Known services: %s.
If the user asks for something unrelated to the tools, answer without calling any tool.`

// LLMPlanner asks an OpenAI-compatible model to plan with tool calls.
type LLMPlanner struct {
	client   llm.ChatClient
	model    string
	services map[string]string
	logger   *zap.Logger
}

// NewLLMPlanner creates a planner backed by client.
func NewLLMPlanner(client llm.ChatClient, model string, services map[string]string, logger *zap.Logger) *LLMPlanner {
	return &LLMPlanner{client: client, model: model, services: services, logger: logging.OrNop(logger)}
}

func (p *LLMPlanner) Plan(ctx context.Context, command string) (*domain.Plan, error) {
	if strings.TrimSpace(command) == "" {
		return nil, apperr.New(apperr.CodeValidation, "command is empty")
	}

	specs := tools.Specs()
	defs := make([]llm.Tool, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llm.Tool{
			Type: "function",
			Function: llm.ToolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Schema,
			},
		})
	}

	names := make([]string, 0, len(p.services))
	for name := range p.services {
		names = append(names, name)
	}
	temperature := 0.0
	resp, err := p.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: p.model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: fmt.Sprintf(systemPrompt, strings.Join(names, ", "))},
			{Role: "user", Content: command},
		},
		Temperature: &temperature,
		Tools:       defs,
		ToolChoice:  "auto",
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "planner request failed")
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, apperr.New(apperr.CodeInternal, "planner returned no choices")
	}

	msg := resp.Choices[0].Message
	plan := &domain.Plan{Summary: command}
	for _, call := range msg.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		if !json.Valid(args) {
			return nil, apperr.Newf(apperr.CodeValidation, "planner produced invalid arguments for %s", call.Function.Name)
		}
		plan.Steps = append(plan.Steps, domain.Step{
			Kind: domain.StepKindTool,
			Tool: call.Function.Name,
			Args: args,
		})
	}
	if len(plan.Steps) == 0 {
		// Some models answer with a JSON plan in the content instead.
		if err := json.Unmarshal([]byte(strings.TrimSpace(msg.Content)), plan); err != nil || len(plan.Steps) == 0 {
			return nil, apperr.Newf(apperr.CodeValidation, "could not plan %q: %s", command, strings.TrimSpace(msg.Content))
		}
		plan.Summary = command
	}

	number(plan.Steps, "step-")
	logging.For(ctx, p.logger).Debug("planned command", zap.Int("steps", len(plan.Steps)))
	return plan, Validate(plan)
}
