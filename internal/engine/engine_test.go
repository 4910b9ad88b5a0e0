package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/approval"
	"github.com/xiaot623/agentpay/internal/audit"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/eventbus"
	store "github.com/xiaot623/agentpay/internal/repository"
	"github.com/xiaot623/agentpay/internal/tools"
	"github.com/xiaot623/agentpay/policy"
	"github.com/xiaot623/agentpay/tests/helpers"
)

type staticPlanner struct {
	plan *domain.Plan
	err  error
}

func (p staticPlanner) Plan(context.Context, string) (*domain.Plan, error) {
	return p.plan, p.err
}

type amountArgs struct {
	Amount string `json:"amount"`
}

// fakeTools charges the "amount" argument of every step in USD.
type fakeTools struct {
	mu      sync.Mutex
	invoked []json.RawMessage
	fail    map[string]*apperr.Error
	block   chan struct{}
	// livePrice is what a step without an amount turns out to cost.
	livePrice decimal.NullDecimal
	cleared   []decimal.Decimal
}

func (f *fakeTools) Estimate(_ string, args json.RawMessage) (tools.Estimate, error) {
	amount, err := amountOf(args)
	if err != nil {
		return tools.Estimate{}, err
	}
	return tools.Estimate{AmountUSD: amount, Amount: amount, Currency: "USDC"}, nil
}

func (f *fakeTools) Invoke(ctx context.Context, toolName string, inv tools.Invocation) tools.Result {
	f.mu.Lock()
	f.invoked = append(f.invoked, inv.Args)
	f.cleared = append(f.cleared, inv.ApprovedUSD)
	block := f.block
	fail := f.fail[toolName]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return tools.Result{Attempts: []tools.Attempt{{Err: apperr.New(apperr.CodeCancelled, "cancelled"), CostUSD: decimal.Zero}}}
		}
	}
	if fail != nil {
		return tools.Result{Attempts: []tools.Attempt{{Err: fail, CostUSD: decimal.Zero}}}
	}
	amount, _ := amountOf(inv.Args)
	if amount.IsZero() && f.livePrice.Valid {
		amount = f.livePrice.Decimal
		if amount.GreaterThan(inv.ApprovedUSD) {
			return tools.Result{
				Attempts: []tools.Attempt{{Err: apperr.New(apperr.CodeApprovalRequired, "quote above clearance"), CostUSD: decimal.Zero}},
				Requote:  &tools.Estimate{AmountUSD: amount, Amount: amount, Currency: "USDC"},
			}
		}
	}
	if inv.MaxCostUSD.Valid && amount.GreaterThan(inv.MaxCostUSD.Decimal) {
		return tools.Result{Attempts: []tools.Attempt{{Err: apperr.New(apperr.CodeBudgetExceeded, "over cap"), CostUSD: decimal.Zero}}}
	}
	return tools.Result{Attempts: []tools.Attempt{{Output: json.RawMessage(`{"ok":true}`), CostUSD: amount, Duration: time.Millisecond}}}
}

func (f *fakeTools) calls() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.invoked...)
}

func amountOf(args json.RawMessage) (decimal.Decimal, error) {
	var a amountArgs
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

type testEnv struct {
	engine *Engine
	store  *store.SQLiteStore
	gate   *approval.Gate
	trail  *audit.Trail
	bus    *eventbus.Bus
	tools  *fakeTools
}

func newTestEnv(t *testing.T, plan *domain.Plan, opts approval.Options) *testEnv {
	t.Helper()
	s := helpers.NewTestSQLiteStore(t)
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	validate := func(_ string, args json.RawMessage) error {
		_, err := amountOf(args)
		return err
	}
	if opts.TTL == 0 {
		opts.TTL = time.Minute
	}
	env := &testEnv{
		store: s,
		gate:  approval.NewGate(s, pol, validate, opts, nil, nil),
		trail: audit.NewTrail(s, nil, nil),
		bus:   eventbus.New(256, nil, nil),
		tools: &fakeTools{},
	}
	env.engine = New(Deps{
		Planner:  staticPlanner{plan: plan},
		Tools:    env.tools,
		Gate:     env.gate,
		Trail:    env.trail,
		Events:   env.bus,
		Sessions: s,
	}, Config{
		DefaultBudgetLimitUSD:       decimal.NewNullDecimal(decimal.NewFromInt(10)),
		DefaultApprovalThresholdUSD: decimal.NewFromInt(1),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.engine.Shutdown(ctx)
	})
	return env
}

func payStep(id, amount string) domain.Step {
	return domain.Step{
		ID:   id,
		Kind: domain.StepKindTool,
		Tool: "pay_api",
		Args: json.RawMessage(`{"url":"https://api.example.com/data","amount":"` + amount + `"}`),
	}
}

func planOf(steps ...domain.Step) *domain.Plan {
	return &domain.Plan{Summary: "test plan", Steps: steps}
}

func drain(sub *eventbus.Subscription) []domain.Event {
	var out []domain.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func typesOf(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Type)
	}
	return out
}

func waitPending(t *testing.T, env *testEnv, sessionID string) domain.ApprovalRequest {
	t.Helper()
	var pending []domain.ApprovalRequest
	require.Eventually(t, func() bool {
		var err error
		pending, err = env.gate.ListPending(context.Background(), sessionID)
		return err == nil && len(pending) == 1
	}, 2*time.Second, 5*time.Millisecond)
	return pending[0]
}

func waitDone(t *testing.T, h *Handle) *Result {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
	return h.Result()
}

func TestExecuteSmallPaymentCompletes(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "0.10")), approval.Options{})
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "pay 0.10 USDC for market data"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "0.1", res.TotalCostUSD.String())
	assert.Nil(t, res.Error)

	log, err := env.trail.GetExecutionLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, log.Status)
	require.Len(t, log.ToolCalls, 1)
	assert.True(t, log.ToolCalls[0].Success)
	assert.Equal(t, "pay_api", log.ToolCalls[0].ToolName)
	assert.True(t, log.ToolCalls[0].CostUSD.Equal(decimal.RequireFromString("0.10")))

	assert.Equal(t, []domain.EventType{
		domain.EventTypeThinking,
		domain.EventTypeThinking,
		domain.EventTypeToolCall,
		domain.EventTypeToolResult,
		domain.EventTypeComplete,
	}, typesOf(drain(sub)))
}

func TestExecuteOverBudgetFailsWithoutSpending(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "50")), approval.Options{})
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "pay 50 USDC"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodeBudgetExceeded, res.Error.Code())
	assert.True(t, res.TotalCostUSD.IsZero())
	assert.Empty(t, env.tools.calls())

	log, err := env.trail.GetExecutionLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, log.ToolCalls)
	assert.Equal(t, string(apperr.CodeBudgetExceeded), log.ErrorCode)

	events := drain(sub)
	last := events[len(events)-1]
	assert.Equal(t, domain.EventTypeError, last.Type)
	var payload domain.ErrorPayload
	require.NoError(t, json.Unmarshal(last.Data, &payload))
	assert.Equal(t, string(apperr.CodeBudgetExceeded), payload.Code)
	assert.Equal(t, res.ExecutionID, payload.ExecutionID)
}

func TestBudgetIsNeverExceededAcrossSteps(t *testing.T) {
	steps := make([]domain.Step, 0, 5)
	for _, id := range []string{"step-1", "step-2", "step-3", "step-4", "step-5"} {
		steps = append(steps, payStep(id, "0.10"))
	}
	env := newTestEnv(t, planOf(steps...), approval.Options{})
	budget := decimal.RequireFromString("0.30")

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "pay repeatedly", BudgetLimitUSD: &budget})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodeBudgetExceeded, res.Error.Code())
	assert.Len(t, env.tools.calls(), 3)
	assert.True(t, res.TotalCostUSD.LessThanOrEqual(budget))
	assert.True(t, res.TotalCostUSD.Equal(budget))
}

func TestTotalCostEqualsSumOfToolCalls(t *testing.T) {
	env := newTestEnv(t, planOf(
		payStep("step-1", "0.10"),
		payStep("step-2", "0.25"),
		payStep("step-3", "0.05"),
	), approval.Options{})

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "three payments"})
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionStatusCompleted, res.Status)

	log, err := env.trail.GetExecutionLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, c := range log.ToolCalls {
		sum = sum.Add(c.CostUSD)
	}
	assert.True(t, sum.Equal(log.TotalCostUSD))
	assert.True(t, sum.Equal(res.TotalCostUSD))
	assert.Equal(t, "0.4", sum.String())

	var result struct {
		Steps []struct {
			StepID  string `json:"step_id"`
			Success bool   `json:"success"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &result))
	require.Len(t, result.Steps, 3)
	assert.Equal(t, "step-2", result.Steps[1].StepID)
}

func TestApprovalApproveResumesExecution(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "5")), approval.Options{})
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "pay 5 USDC"})
	require.NoError(t, err)

	req := waitPending(t, env, "s1")
	assert.Equal(t, "step-1", req.StepID)
	assert.Empty(t, env.tools.calls())

	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{Action: domain.DecisionApprove, DecidedBy: "alice"})
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "5", res.TotalCostUSD.String())
	assert.Len(t, env.tools.calls(), 1)

	types := typesOf(drain(sub))
	assert.Contains(t, types, domain.EventTypeApprovalRequired)
	assert.Contains(t, types, domain.EventTypeApproved)
	assert.Equal(t, domain.EventTypeComplete, types[len(types)-1])
}

func TestApprovalRejectFailsExecution(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "5")), approval.Options{})
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "pay 5 USDC"})
	require.NoError(t, err)

	req := waitPending(t, env, "s1")
	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{Action: domain.DecisionReject, DecidedBy: "alice", Reason: "too expensive"})
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodeApprovalRejected, res.Error.Code())
	assert.Contains(t, res.Error.Message(), "too expensive")
	assert.Empty(t, env.tools.calls())
	assert.True(t, res.TotalCostUSD.IsZero())

	types := typesOf(drain(sub))
	assert.Contains(t, types, domain.EventTypeRejected)
	assert.Equal(t, domain.EventTypeError, types[len(types)-1])
}

func TestApprovalEditRunsWithEditedArguments(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "5")), approval.Options{})

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "pay 5 USDC"})
	require.NoError(t, err)

	req := waitPending(t, env, "s1")
	edited := json.RawMessage(`{"url":"https://api.example.com/data","amount":"2"}`)
	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{Action: domain.DecisionEdit, EditedArgs: edited, DecidedBy: "alice"})
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "2", res.TotalCostUSD.String())
	calls := env.tools.calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, string(edited), string(calls[0]))
}

func TestApprovalEditOverBudgetFails(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "5")), approval.Options{})

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "pay 5 USDC"})
	require.NoError(t, err)

	req := waitPending(t, env, "s1")
	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{
		Action:     domain.DecisionEdit,
		EditedArgs: json.RawMessage(`{"amount":"20"}`),
		DecidedBy:  "alice",
	})
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodeBudgetExceeded, res.Error.Code())
	assert.Empty(t, env.tools.calls())
}

func TestPolicyBlockedTool(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "0.10")), approval.Options{DeniedTools: []string{"pay_api"}})

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "pay"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodePolicyBlocked, res.Error.Code())
	assert.Empty(t, env.tools.calls())
}

func TestSessionBusyRejectsSecondCommand(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "0.10")), approval.Options{})
	env.tools.block = make(chan struct{})

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "first"})
	require.NoError(t, err)
	running, ok := env.engine.Running("s1")
	require.True(t, ok)
	assert.Equal(t, h.ExecutionID, running)

	_, err = env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "second"})
	require.Error(t, err)
	assert.True(t, apperr.IsCode(err, apperr.CodeSessionBusy))

	close(env.tools.block)
	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)

	_, ok = env.engine.Running("s1")
	assert.False(t, ok)
	h2, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "third"})
	require.NoError(t, err)
	waitDone(t, h2)
}

func TestCancelStopsRunningExecution(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "0.10"), payStep("step-2", "0.10")), approval.Options{})
	env.tools.block = make(chan struct{})
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "slow"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.tools.calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, env.engine.Cancel(h.ExecutionID))
	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCancelled, res.Status)
	assert.Equal(t, apperr.CodeCancelled, res.Error.Code())
	assert.Len(t, env.tools.calls(), 1)

	types := typesOf(drain(sub))
	assert.Equal(t, domain.EventTypeCancelled, types[len(types)-1])

	log, err := env.trail.GetExecutionLog(context.Background(), h.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, log.Status)

	err = env.engine.Cancel(h.ExecutionID)
	assert.True(t, apperr.IsCode(err, apperr.CodeNotFound))
}

func TestCancelDuringApprovalExpiresRequest(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "5")), approval.Options{})

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "pay 5"})
	require.NoError(t, err)
	req := waitPending(t, env, "s1")

	require.NoError(t, env.engine.Cancel(h.ExecutionID))
	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCancelled, res.Status)

	got, err := env.gate.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalStatusExpired, got.Status)
	assert.Empty(t, env.tools.calls())
}

func TestExecuteContextCancellationCancelsExecution(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "0.10")), approval.Options{})
	env.tools.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(env.tools.calls()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	res, err := env.engine.Execute(ctx, Request{SessionID: "s1", Command: "slow"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, res.Status)
}

func TestOptionalStepFailureIsSkipped(t *testing.T) {
	optional := domain.Step{ID: "step-1", Kind: domain.StepKindTool, Tool: "get_balance", Args: json.RawMessage(`{}`), Optional: true}
	env := newTestEnv(t, planOf(optional, payStep("step-2", "0.10")), approval.Options{})
	env.tools.fail = map[string]*apperr.Error{"get_balance": apperr.New(apperr.CodeChain, "rpc down")}
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "check then pay"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "0.1", res.TotalCostUSD.String())

	log, err := env.trail.GetExecutionLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, log.ToolCalls, 2)
	assert.False(t, log.ToolCalls[0].Success)
	assert.Equal(t, string(apperr.CodeChain), log.ToolCalls[0].ErrorCode)

	var skipped bool
	for _, ev := range drain(sub) {
		if ev.Type != domain.EventTypeToolResult {
			continue
		}
		var p domain.ToolResultPayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		if p.StepID == "step-1" {
			skipped = p.Skipped
		}
	}
	assert.True(t, skipped)
}

func TestSubagentStepsEmitLifecycleEvents(t *testing.T) {
	group := domain.Step{
		ID:    "step-1",
		Kind:  domain.StepKindSubagent,
		Agent: "researcher",
		Steps: []domain.Step{payStep("step-1.1", "0.10"), payStep("step-1.2", "0.20")},
	}
	env := newTestEnv(t, planOf(group), approval.Options{})
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "research"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "0.3", res.TotalCostUSD.String())

	events := drain(sub)
	types := typesOf(events)
	assert.Contains(t, types, domain.EventTypeSubagentStart)
	for _, ev := range events {
		if ev.Type == domain.EventTypeSubagentEnd {
			var p domain.SubagentPayload
			require.NoError(t, json.Unmarshal(ev.Data, &p))
			require.NotNil(t, p.Success)
			assert.True(t, *p.Success)
			assert.Equal(t, "researcher", p.Agent)
		}
	}
}

func TestPlanningFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t, nil, approval.Options{})
	env.engine.planner = staticPlanner{err: apperr.New(apperr.CodeValidation, "cannot understand command")}

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "dance"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodeValidation, res.Error.Code())

	log, err := env.trail.GetExecutionLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusFailed, log.Status)
	assert.Equal(t, "dance", log.Command)
}

func TestStartValidatesRequest(t *testing.T) {
	env := newTestEnv(t, planOf(), approval.Options{})

	_, err := env.engine.Start(context.Background(), Request{SessionID: "s1"})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))

	negative := decimal.NewFromInt(-1)
	_, err = env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "x", BudgetLimitUSD: &negative})
	assert.True(t, apperr.IsCode(err, apperr.CodeValidation))
}

func TestStartCreatesSessionWithDefaults(t *testing.T) {
	env := newTestEnv(t, planOf(), approval.Options{})

	res, err := env.engine.Execute(context.Background(), Request{Command: "nothing to do"})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)

	s, err := env.store.GetSession(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.True(t, s.Config.BudgetLimitUSD.Valid)
	assert.Equal(t, "10", s.Config.BudgetLimitUSD.Decimal.String())
}

func unpricedStep(id string) domain.Step {
	return domain.Step{
		ID:   id,
		Kind: domain.StepKindTool,
		Tool: "pay_api",
		Args: json.RawMessage(`{"url":"https://api.example.com/data"}`),
	}
}

func TestLiveQuoteAboveThresholdWaitsForApproval(t *testing.T) {
	env := newTestEnv(t, planOf(unpricedStep("step-1")), approval.Options{})
	env.tools.livePrice = decimal.NewNullDecimal(decimal.NewFromInt(4))
	sub := env.bus.Subscribe("s1")
	defer sub.Close()

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "fetch the data"})
	require.NoError(t, err)

	req := waitPending(t, env, "s1")
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, "USDC", req.Currency)
	require.Len(t, env.tools.calls(), 1)

	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{Action: domain.DecisionApprove, DecidedBy: "alice"})
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "4", res.TotalCostUSD.String())

	env.tools.mu.Lock()
	cleared := append([]decimal.Decimal(nil), env.tools.cleared...)
	env.tools.mu.Unlock()
	require.Len(t, cleared, 2)
	assert.True(t, cleared[0].Equal(decimal.NewFromInt(1)))
	assert.True(t, cleared[1].Equal(decimal.NewFromInt(4)))

	log, err := env.trail.GetExecutionLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, log.ToolCalls, 2)
	assert.False(t, log.ToolCalls[0].Success)
	assert.Equal(t, string(apperr.CodeApprovalRequired), log.ToolCalls[0].ErrorCode)
	assert.True(t, log.ToolCalls[1].Success)

	types := typesOf(drain(sub))
	assert.Contains(t, types, domain.EventTypeApprovalRequired)
	assert.Contains(t, types, domain.EventTypeApproved)
	assert.Equal(t, domain.EventTypeComplete, types[len(types)-1])
}

func TestLiveQuoteRejectedPaysNothing(t *testing.T) {
	env := newTestEnv(t, planOf(unpricedStep("step-1")), approval.Options{})
	env.tools.livePrice = decimal.NewNullDecimal(decimal.NewFromInt(4))

	h, err := env.engine.Start(context.Background(), Request{SessionID: "s1", Command: "fetch the data"})
	require.NoError(t, err)

	req := waitPending(t, env, "s1")
	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{Action: domain.DecisionReject, DecidedBy: "alice"})
	require.NoError(t, err)

	res := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusFailed, res.Status)
	assert.Equal(t, apperr.CodeApprovalRejected, res.Error.Code())
	assert.True(t, res.TotalCostUSD.IsZero())
	assert.Len(t, env.tools.calls(), 1)
}

func TestLiveQuoteWithinThresholdRunsOnce(t *testing.T) {
	env := newTestEnv(t, planOf(unpricedStep("step-1")), approval.Options{})
	env.tools.livePrice = decimal.NewNullDecimal(decimal.RequireFromString("0.5"))

	res, err := env.engine.Execute(context.Background(), Request{SessionID: "s1", Command: "fetch the data"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	assert.Equal(t, "0.5", res.TotalCostUSD.String())
	assert.Len(t, env.tools.calls(), 1)
}

func TestExecuteUntilSuspendedReturnsWhileApprovalPending(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "5")), approval.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	h, res, err := env.engine.ExecuteUntilSuspended(ctx, Request{SessionID: "s1", Command: "pay 5 USDC"})
	require.NoError(t, err)
	assert.Nil(t, res)
	cancel()

	req := waitPending(t, env, "s1")
	_, err = env.gate.Decide(context.Background(), req.ID, approval.Decision{Action: domain.DecisionApprove, DecidedBy: "alice"})
	require.NoError(t, err)

	done := waitDone(t, h)
	assert.Equal(t, domain.ExecutionStatusCompleted, done.Status)
	assert.Equal(t, "5", done.TotalCostUSD.String())
}

func TestExecuteUntilSuspendedWaitsForUnapprovedRun(t *testing.T) {
	env := newTestEnv(t, planOf(payStep("step-1", "0.10")), approval.Options{})

	h, res, err := env.engine.ExecuteUntilSuspended(context.Background(), Request{SessionID: "s1", Command: "pay"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.ExecutionStatusCompleted, res.Status)
	select {
	case <-h.Suspended():
		t.Fatal("run without approvals reported a suspension")
	default:
	}
}
