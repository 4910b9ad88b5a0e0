package planner

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentpay/internal/adapter/llm"
	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
)

func newRulePlanner() *RulePlanner {
	return NewRulePlanner(map[string]string{"Market Data": "https://market.example.com/prices"}, []string{"USDC", "WETH"})
}

func argsOf(t *testing.T, s domain.Step) map[string]string {
	t.Helper()
	var m map[string]string
	require.NoError(t, json.Unmarshal(s.Args, &m))
	return m
}

func TestRulePlannerPayResolvesService(t *testing.T) {
	plan, err := newRulePlanner().Plan(context.Background(), "Pay 0.10 USDC to access the market data API")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)

	s := plan.Steps[0]
	assert.Equal(t, "step-1", s.ID)
	assert.Equal(t, "pay_api", s.Tool)
	assert.Equal(t, map[string]string{"amount": "0.10", "token": "USDC", "url": "https://market.example.com/prices"}, argsOf(t, s))
}

func TestRulePlannerPayUnknownServiceKeepsName(t *testing.T) {
	plan, err := newRulePlanner().Plan(context.Background(), "Pay 50 USDC to API service")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	args := argsOf(t, plan.Steps[0])
	assert.Equal(t, "50", args["amount"])
	assert.Equal(t, "api service", args["service"])
}

func TestRulePlannerTransferAndBalance(t *testing.T) {
	plan, err := newRulePlanner().Plan(context.Background(),
		"check my WETH balance, then send 5 usdc to 0x00000000000000000000000000000000000000aa; optionally check balance")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)

	assert.Equal(t, "get_balance", plan.Steps[0].Tool)
	assert.Equal(t, "WETH", argsOf(t, plan.Steps[0])["token"])

	assert.Equal(t, "transfer_token", plan.Steps[1].Tool)
	assert.Equal(t, "USDC", argsOf(t, plan.Steps[1])["token"])
	assert.Equal(t, "step-2", plan.Steps[1].ID)

	assert.Equal(t, "get_balance", plan.Steps[2].Tool)
	assert.True(t, plan.Steps[2].Optional)
	assert.Equal(t, "USDC", argsOf(t, plan.Steps[2])["token"])
}

func TestRulePlannerPayToAddressIsTransfer(t *testing.T) {
	plan, err := newRulePlanner().Plan(context.Background(), "pay 1.5 USDC to 0x00000000000000000000000000000000000000bb")
	require.NoError(t, err)
	assert.Equal(t, "transfer_token", plan.Steps[0].Tool)
}

func TestRulePlannerRejectsUnknownCommand(t *testing.T) {
	_, err := newRulePlanner().Plan(context.Background(), "write me a poem")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	_, err = newRulePlanner().Plan(context.Background(), "   ")
	assert.Error(t, err)
}

type fakeChat struct {
	resp *llm.ChatCompletionResponse
	err  error
	req  *llm.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req *llm.ChatCompletionRequest) (*llm.ChatCompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{Choices: []llm.Choice{{Message: &llm.ChatMessage{Role: "assistant", ToolCalls: calls}}}}
}

func TestLLMPlannerBuildsStepsFromToolCalls(t *testing.T) {
	chat := &fakeChat{resp: toolCallResponse(
		llm.ToolCall{ID: "1", Type: "function", Function: llm.ToolCallFunction{Name: "get_balance", Arguments: `{"token":"USDC"}`}},
		llm.ToolCall{ID: "2", Type: "function", Function: llm.ToolCallFunction{Name: "pay_api", Arguments: `{"service":"market data"}`}},
	)}
	p := NewLLMPlanner(chat, "gpt-4o-mini", map[string]string{"market data": "https://m"}, nil)

	plan, err := p.Plan(context.Background(), "check balance then buy market data")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, "step-2", plan.Steps[1].ID)
	assert.Equal(t, "pay_api", plan.Steps[1].Tool)
	assert.Len(t, chat.req.Tools, 3)
	assert.Equal(t, "gpt-4o-mini", chat.req.Model)
}

func TestLLMPlannerAcceptsJSONPlanWithSubagent(t *testing.T) {
	content := `{"steps":[{"kind":"subagent","agent":"research","steps":[{"tool":"get_balance","args":{"token":"USDC"}}]}]}`
	chat := &fakeChat{resp: &llm.ChatCompletionResponse{Choices: []llm.Choice{{Message: &llm.ChatMessage{Content: content}}}}}

	plan, err := NewLLMPlanner(chat, "m", nil, nil).Plan(context.Background(), "research my funds")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, domain.StepKindSubagent, plan.Steps[0].Kind)
	assert.Equal(t, "step-1.1", plan.Steps[0].Steps[0].ID)
	assert.Equal(t, domain.StepKindTool, plan.Steps[0].Steps[0].Kind)
}

func TestLLMPlannerRejectsUnknownTool(t *testing.T) {
	chat := &fakeChat{resp: toolCallResponse(
		llm.ToolCall{Function: llm.ToolCallFunction{Name: "drain_wallet", Arguments: `{}`}},
	)}
	_, err := NewLLMPlanner(chat, "m", nil, nil).Plan(context.Background(), "do it")
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestLLMPlannerTransportError(t *testing.T) {
	chat := &fakeChat{err: errors.New("connection refused")}
	_, err := NewLLMPlanner(chat, "m", nil, nil).Plan(context.Background(), "do it")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}
