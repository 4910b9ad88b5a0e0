// Package fakes holds in-memory stand-ins for the engine collaborators
// used by transport and service tests.
package fakes

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/tools"
)

// PlannerFunc adapts a function to the planner interface.
type PlannerFunc func(ctx context.Context, command string) (*domain.Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, command string) (*domain.Plan, error) {
	return f(ctx, command)
}

// FakeTools charges the "amount" argument of every invocation in USD.
type FakeTools struct {
	mu      sync.Mutex
	invoked []json.RawMessage

	// Block, when set, holds every invocation until it is closed.
	Block chan struct{}
}

func (f *FakeTools) Estimate(_ string, args json.RawMessage) (tools.Estimate, error) {
	amount, err := AmountOf(args)
	if err != nil {
		return tools.Estimate{}, err
	}
	return tools.Estimate{AmountUSD: amount, Amount: amount, Currency: "USDC"}, nil
}

func (f *FakeTools) Invoke(ctx context.Context, _ string, inv tools.Invocation) tools.Result {
	f.mu.Lock()
	f.invoked = append(f.invoked, inv.Args)
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return tools.Result{Attempts: []tools.Attempt{{Err: apperr.New(apperr.CodeCancelled, "cancelled"), CostUSD: decimal.Zero}}}
		}
	}
	amount, _ := AmountOf(inv.Args)
	return tools.Result{Attempts: []tools.Attempt{{Output: json.RawMessage(`{"ok":true}`), CostUSD: amount, Duration: time.Millisecond}}}
}

// Calls returns the arguments of every invocation so far.
func (f *FakeTools) Calls() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.invoked...)
}

// AmountOf reads the optional decimal "amount" argument.
func AmountOf(args json.RawMessage) (decimal.Decimal, error) {
	var a struct {
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return decimal.Zero, apperr.Wrap(err, apperr.CodeValidation, "invalid arguments")
	}
	if a.Amount == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(a.Amount)
	if err != nil {
		return decimal.Zero, apperr.Wrap(err, apperr.CodeValidation, "invalid amount")
	}
	return d, nil
}

// AmountPlan plans every command as a single pay_api step charging amount.
func AmountPlan(amount string) PlannerFunc {
	return func(context.Context, string) (*domain.Plan, error) {
		return &domain.Plan{
			Summary: "pay " + amount,
			Steps: []domain.Step{{
				ID:   "step-1",
				Kind: domain.StepKindTool,
				Tool: "pay_api",
				Args: json.RawMessage(`{"url":"https://api.example.com/data","amount":"` + amount + `"}`),
			}},
		}, nil
	}
}
