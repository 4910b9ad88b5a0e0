package fakes

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xiaot623/agentpay/internal/approval"
	"github.com/xiaot623/agentpay/internal/audit"
	"github.com/xiaot623/agentpay/internal/engine"
	"github.com/xiaot623/agentpay/internal/eventbus"
	store "github.com/xiaot623/agentpay/internal/repository"
	"github.com/xiaot623/agentpay/internal/service"
	"github.com/xiaot623/agentpay/policy"
	"github.com/xiaot623/agentpay/tests/helpers"
)

// Stack is a fully wired service over an in-memory store and FakeTools.
// Sessions default to a 10 USD budget and a 1 USD approval threshold.
type Stack struct {
	Service *service.Service
	Engine  *engine.Engine
	Gate    *approval.Gate
	Trail   *audit.Trail
	Bus     *eventbus.Bus
	Store   *store.SQLiteStore
	Tools   *FakeTools
}

// NewStack wires a Stack around planner.
func NewStack(t *testing.T, planner engine.Planner) *Stack {
	t.Helper()
	s := helpers.NewTestSQLiteStore(t)
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to compile policy: %v", err)
	}
	validate := func(_ string, args json.RawMessage) error {
		_, err := AmountOf(args)
		return err
	}

	st := &Stack{
		Store: s,
		Gate:  approval.NewGate(s, pol, validate, approval.Options{TTL: time.Minute}, nil, nil),
		Trail: audit.NewTrail(s, nil, nil),
		Bus:   eventbus.New(256, nil, nil),
		Tools: &FakeTools{},
	}
	st.Engine = engine.New(engine.Deps{
		Planner:  planner,
		Tools:    st.Tools,
		Gate:     st.Gate,
		Trail:    st.Trail,
		Events:   st.Bus,
		Sessions: s,
	}, engine.Config{
		DefaultBudgetLimitUSD:       decimal.NewNullDecimal(decimal.NewFromInt(10)),
		DefaultApprovalThresholdUSD: decimal.NewFromInt(1),
	})
	st.Service = service.New(st.Engine, st.Gate, st.Trail, st.Bus, s, false, nil)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Engine.Shutdown(ctx)
	})
	return st
}
