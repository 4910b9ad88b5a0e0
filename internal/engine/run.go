package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/approval"
	"github.com/xiaot623/agentpay/internal/audit"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/tools"
	"github.com/xiaot623/agentpay/policy"
)

// runState is the mutable state of one execution. It is only touched by the
// execution's goroutine.
type runState struct {
	handle  *Handle
	logID   string
	cfg     domain.SessionConfig
	spent   decimal.Decimal
	outputs []stepOutput
}

type stepOutput struct {
	StepID  string               `json:"step_id"`
	Tool    string               `json:"tool,omitempty"`
	Success bool                 `json:"success"`
	Skipped bool                 `json:"skipped,omitempty"`
	Output  json.RawMessage      `json:"output,omitempty"`
	Error   *domain.ErrorPayload `json:"error,omitempty"`
}

// exceeds reports whether spending amount more would break the budget.
func (st *runState) exceeds(amount decimal.Decimal) bool {
	return st.cfg.BudgetLimitUSD.Valid && st.spent.Add(amount).GreaterThan(st.cfg.BudgetLimitUSD.Decimal)
}

func (st *runState) remaining() decimal.NullDecimal {
	if !st.cfg.BudgetLimitUSD.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(st.cfg.BudgetLimitUSD.Decimal.Sub(st.spent))
}

func (e *Engine) run(ctx context.Context, h *Handle, command string, cfg domain.SessionConfig) *Result {
	started := e.now()
	st := &runState{handle: h, cfg: cfg, spent: decimal.Zero}

	e.publish(st, domain.EventTypeThinking, domain.ThinkingPayload{State: domain.EngineStatePlanning, Message: "planning command"})
	plan, planErr := e.planner.Plan(ctx, command)

	logRec, err := e.trail.CreateExecutionLog(context.WithoutCancel(ctx), audit.NewLog{
		ID:        h.ExecutionID,
		SessionID: h.SessionID,
		Command:   command,
		Plan:      plan,
	})
	if err != nil {
		appErr := apperr.From(err)
		logging.For(ctx, e.logger).Error("failed to create execution log", zap.Error(err))
		e.publish(st, domain.EventTypeError, e.errorPayload(st, appErr))
		return &Result{
			ExecutionID:  h.ExecutionID,
			SessionID:    h.SessionID,
			Status:       domain.ExecutionStatusFailed,
			TotalCostUSD: decimal.Zero,
			Error:        appErr,
		}
	}
	st.logID = logRec.ID

	if planErr != nil {
		return e.finish(ctx, st, started, planErr)
	}
	e.publish(st, domain.EventTypeThinking, domain.ThinkingPayload{
		State:   domain.EngineStateExecuting,
		Message: plan.Summary,
		Steps:   len(plan.Steps),
	})
	return e.finish(ctx, st, started, e.runSteps(ctx, st, plan.Steps))
}

func (e *Engine) finish(ctx context.Context, st *runState, started time.Time, runErr error) *Result {
	log := logging.For(ctx, e.logger)
	status := domain.ExecutionStatusCompleted
	var appErr *apperr.Error
	if runErr != nil {
		appErr = apperr.From(runErr)
		status = domain.ExecutionStatusFailed
		if ctx.Err() != nil || appErr.Code() == apperr.CodeCancelled {
			status = domain.ExecutionStatusCancelled
			if appErr.Code() != apperr.CodeCancelled {
				appErr = apperr.Wrap(context.Cause(ctx), apperr.CodeCancelled, "execution cancelled")
			}
		}
	}

	outputs := st.outputs
	if outputs == nil {
		outputs = []stepOutput{}
	}
	result, _ := json.Marshal(map[string]any{"steps": outputs})
	duration := e.now().Sub(started)

	total := st.spent
	final, err := e.trail.UpdateExecutionLog(context.WithoutCancel(ctx), st.logID, audit.Completion{
		Status:       status,
		Result:       result,
		Err:          appErr,
		TotalCostUSD: st.spent,
		Duration:     duration,
	})
	if err != nil {
		log.Error("failed to finalize execution log", zap.String("status", string(status)), zap.Error(err))
	} else {
		total = final.TotalCostUSD
	}

	switch status {
	case domain.ExecutionStatusCompleted:
		e.publish(st, domain.EventTypeComplete, domain.CompletePayload{
			Status:       status,
			Result:       result,
			TotalCostUSD: total,
			DurationMs:   duration.Milliseconds(),
		})
	case domain.ExecutionStatusCancelled:
		e.publish(st, domain.EventTypeCancelled, domain.CancelledPayload{TotalCostUSD: total, DurationMs: duration.Milliseconds()})
	default:
		e.publish(st, domain.EventTypeError, e.errorPayload(st, appErr))
	}

	log.Info("execution finished",
		zap.String("status", string(status)),
		zap.String("total_cost_usd", total.String()),
		zap.Duration("duration", duration))
	return &Result{
		ExecutionID:  st.handle.ExecutionID,
		SessionID:    st.handle.SessionID,
		Status:       status,
		Result:       result,
		TotalCostUSD: total,
		Error:        appErr,
	}
}

func (e *Engine) runSteps(ctx context.Context, st *runState, steps []domain.Step) error {
	for _, step := range steps {
		if ctx.Err() != nil {
			return apperr.Wrap(context.Cause(ctx), apperr.CodeCancelled, "execution cancelled")
		}

		var err error
		if step.Kind == domain.StepKindSubagent {
			err = e.runSubagent(ctx, st, step)
		} else {
			err = e.runTool(ctx, st, step)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil || apperr.IsCode(err, apperr.CodeCancelled) {
			return err
		}
		if step.Optional {
			logging.For(ctx, e.logger).Info("skipping failed optional step",
				zap.String("step_id", step.ID), zap.Error(err))
			continue
		}
		return err
	}
	return nil
}

func (e *Engine) runSubagent(ctx context.Context, st *runState, step domain.Step) error {
	e.publish(st, domain.EventTypeSubagentStart, domain.SubagentPayload{StepID: step.ID, Agent: step.Agent, Steps: len(step.Steps)})
	err := e.runSteps(ctx, st, step.Steps)
	ok := err == nil
	e.publish(st, domain.EventTypeSubagentEnd, domain.SubagentPayload{StepID: step.ID, Agent: step.Agent, Steps: len(step.Steps), Success: &ok})
	return err
}

func (e *Engine) runTool(ctx context.Context, st *runState, step domain.Step) error {
	args := step.Args
	est, err := e.tools.Estimate(step.Tool, args)
	if err != nil {
		return e.stepFailed(ctx, st, step, args, apperr.From(err), true)
	}
	args, cleared, err := e.clearStep(ctx, st, step, args, est)
	if err != nil {
		return err
	}

	started := e.now()
	res, err := e.invoke(ctx, st, step, args, cleared)
	if err != nil {
		return err
	}
	// A price only learnt from the live quote goes through policy once more.
	if res.Requote != nil && ctx.Err() == nil {
		args, cleared, err = e.clearStep(ctx, st, step, args, *res.Requote)
		if err != nil {
			return err
		}
		if res, err = e.invoke(ctx, st, step, args, cleared); err != nil {
			return err
		}
	}

	payload := domain.ToolResultPayload{
		StepID:     step.ID,
		ToolName:   step.Tool,
		Success:    res.OK(),
		Result:     res.Output(),
		CostUSD:    res.CostUSD(),
		Attempts:   len(res.Attempts),
		DurationMs: e.now().Sub(started).Milliseconds(),
	}
	out := stepOutput{StepID: step.ID, Tool: step.Tool, Success: res.OK(), Output: res.Output()}
	if !res.OK() {
		payload.Error = e.errorPayload(st, res.Err())
		payload.Skipped = step.Optional && ctx.Err() == nil
		out.Error = payload.Error
		out.Skipped = payload.Skipped
	}
	e.publish(st, domain.EventTypeToolResult, payload)
	st.outputs = append(st.outputs, out)

	if !res.OK() {
		return res.Err()
	}
	return nil
}

// clearStep checks a step's estimate against the budget and the policy,
// waiting for a human when the policy asks for one. It returns the arguments
// to run with and the spend the step is cleared for.
func (e *Engine) clearStep(ctx context.Context, st *runState, step domain.Step, args json.RawMessage, est tools.Estimate) (json.RawMessage, decimal.Decimal, error) {
	if st.exceeds(est.AmountUSD) {
		return nil, decimal.Zero, e.stepFailed(ctx, st, step, args, budgetError(st, est.AmountUSD), false)
	}
	verdict, err := e.gate.Evaluate(ctx, approval.Step{ToolName: step.Tool, Args: args, AmountUSD: est.AmountUSD}, st.cfg)
	if err != nil {
		return nil, decimal.Zero, e.stepFailed(ctx, st, step, args, apperr.From(err), false)
	}

	cleared := decimal.Max(st.cfg.ApprovalThresholdUSD, decimal.Zero)
	switch verdict.Action {
	case policy.ActionBlock:
		return nil, decimal.Zero, e.stepFailed(ctx, st, step, args, apperr.New(apperr.CodePolicyBlocked, verdict.Reason), false)
	case policy.ActionRequireApproval:
		approved, err := e.awaitApproval(ctx, st, step, args, est, verdict.Reason)
		if err != nil {
			if apperr.IsCode(err, apperr.CodeCancelled) {
				return nil, decimal.Zero, err
			}
			return nil, decimal.Zero, e.stepFailed(ctx, st, step, args, apperr.From(err), false)
		}
		cleared = decimal.Max(cleared, est.AmountUSD)
		if string(approved) != string(args) {
			args = approved
			edited, err := e.tools.Estimate(step.Tool, args)
			if err != nil {
				return nil, decimal.Zero, e.stepFailed(ctx, st, step, args, apperr.From(err), true)
			}
			if st.exceeds(edited.AmountUSD) {
				return nil, decimal.Zero, e.stepFailed(ctx, st, step, args, budgetError(st, edited.AmountUSD), false)
			}
			cleared = decimal.Max(cleared, edited.AmountUSD)
		}
	}
	return args, cleared, nil
}

// invoke announces and runs a tool call and records every attempt.
func (e *Engine) invoke(ctx context.Context, st *runState, step domain.Step, args json.RawMessage, cleared decimal.Decimal) (tools.Result, error) {
	e.publish(st, domain.EventTypeToolCall, domain.ToolCallPayload{StepID: step.ID, ToolName: step.Tool, Args: args})
	res := e.tools.Invoke(ctx, step.Tool, tools.Invocation{
		SessionID:   st.handle.SessionID,
		ExecutionID: st.handle.ExecutionID,
		Args:        args,
		MaxCostUSD:  st.remaining(),
		ApprovedUSD: cleared,
	})
	if len(res.Attempts) == 0 {
		res.Attempts = []tools.Attempt{{Err: apperr.New(apperr.CodeInternal, "tool produced no attempts"), CostUSD: decimal.Zero}}
	}

	for _, a := range res.Attempts {
		if _, err := e.trail.RecordToolCall(context.WithoutCancel(ctx), st.logID, audit.ToolCallRecord{
			ToolName: step.Tool,
			Args:     args,
			Result:   a.Output,
			Err:      a.Err,
			CostUSD:  a.CostUSD,
			Duration: a.Duration,
		}); err != nil {
			return res, err
		}
		st.spent = st.spent.Add(a.CostUSD)
	}
	return res, nil
}

// awaitApproval suspends the step until a human decides. It returns the
// arguments to run with, which differ from args after an edit.
func (e *Engine) awaitApproval(ctx context.Context, st *runState, step domain.Step, args json.RawMessage, est tools.Estimate, reason string) (json.RawMessage, error) {
	amount, currency := est.Amount, est.Currency
	if currency == "" {
		amount, currency = est.AmountUSD, "USD"
	}
	req, err := e.gate.Open(ctx, approval.OpenParams{
		SessionID:      st.handle.SessionID,
		ExecutionLogID: st.logID,
		StepID:         step.ID,
		ToolName:       step.Tool,
		Args:           args,
		Reason:         reason,
		Amount:         amount,
		Currency:       currency,
	})
	if err != nil {
		return nil, err
	}
	e.publish(st, domain.EventTypeApprovalRequired, domain.ApprovalRequiredPayload{
		RequestID: req.ID,
		StepID:    step.ID,
		ToolName:  step.Tool,
		Args:      args,
		Reason:    reason,
		Amount:    amount,
		Currency:  currency,
		ExpiresAt: req.ExpiresAt.UnixMilli(),
	})
	e.publish(st, domain.EventTypeThinking, domain.ThinkingPayload{State: domain.EngineStateSuspended, Message: "waiting for approval"})
	st.handle.markSuspended()

	resolved, err := e.gate.Wait(ctx, req.ID)
	if err != nil {
		return nil, err
	}

	decision := domain.ApprovalDecisionPayload{
		RequestID:  resolved.ID,
		Status:     resolved.Status,
		DecidedBy:  resolved.DecidedBy,
		Reason:     resolved.DecisionReason,
		EditedArgs: resolved.EditedArgs,
	}
	switch resolved.Status {
	case domain.ApprovalStatusApproved:
		e.publish(st, domain.EventTypeApproved, decision)
	case domain.ApprovalStatusEdited:
		e.publish(st, domain.EventTypeEditApproved, decision)
		args = resolved.EditedArgs
	case domain.ApprovalStatusRejected:
		e.publish(st, domain.EventTypeRejected, decision)
		msg := "approval rejected"
		if resolved.DecisionReason != "" {
			msg += ": " + resolved.DecisionReason
		}
		return nil, apperr.New(apperr.CodeApprovalRejected, msg)
	case domain.ApprovalStatusExpired:
		return nil, apperr.Newf(apperr.CodeApprovalExpired, "approval request %s expired", resolved.ID)
	default:
		return nil, apperr.Newf(apperr.CodeInternal, "approval request %s resolved to %q", resolved.ID, resolved.Status)
	}

	e.publish(st, domain.EventTypeThinking, domain.ThinkingPayload{State: domain.EngineStateExecuting, Message: "approval granted"})
	return args, nil
}

// stepFailed reports a step that failed before or instead of running its
// tool. record appends a failed audit row for it.
func (e *Engine) stepFailed(ctx context.Context, st *runState, step domain.Step, args json.RawMessage, appErr *apperr.Error, record bool) error {
	if record {
		if _, err := e.trail.RecordToolCall(context.WithoutCancel(ctx), st.logID, audit.ToolCallRecord{
			ToolName: step.Tool,
			Args:     args,
			Err:      appErr,
			CostUSD:  decimal.Zero,
		}); err != nil {
			return err
		}
	}
	payload := e.errorPayload(st, appErr)
	skipped := step.Optional && ctx.Err() == nil
	e.publish(st, domain.EventTypeToolResult, domain.ToolResultPayload{
		StepID:   step.ID,
		ToolName: step.Tool,
		Error:    payload,
		CostUSD:  decimal.Zero,
		Skipped:  skipped,
	})
	st.outputs = append(st.outputs, stepOutput{StepID: step.ID, Tool: step.Tool, Skipped: skipped, Error: payload})
	return appErr
}

func budgetError(st *runState, amount decimal.Decimal) *apperr.Error {
	return apperr.Newf(apperr.CodeBudgetExceeded,
		"step needs $%s but only $%s of the $%s budget remains",
		amount.StringFixed(2),
		st.cfg.BudgetLimitUSD.Decimal.Sub(st.spent).StringFixed(2),
		st.cfg.BudgetLimitUSD.Decimal.StringFixed(2))
}

func (e *Engine) errorPayload(st *runState, appErr *apperr.Error) *domain.ErrorPayload {
	code, msg := apperr.Public(appErr, e.cfg.Debug)
	return &domain.ErrorPayload{
		Code:        string(code),
		Message:     msg,
		SessionID:   st.handle.SessionID,
		ExecutionID: st.handle.ExecutionID,
	}
}

func (e *Engine) publish(st *runState, eventType domain.EventType, payload interface{}) {
	if _, err := e.events.Publish(st.handle.SessionID, st.handle.ExecutionID, eventType, payload); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("session_id", st.handle.SessionID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
}
