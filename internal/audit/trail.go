// Package audit records execution logs and their append-only tool calls.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
	"github.com/xiaot623/agentpay/internal/repository"
)

// ErrLogFinalized is returned when a finalized log is updated again.
var ErrLogFinalized = errors.New("execution log already finalized")

// Store is the persistence the trail needs.
type Store interface {
	CreateExecutionLog(ctx context.Context, log *domain.ExecutionLog) error
	GetExecutionLog(ctx context.Context, id string) (*domain.ExecutionLog, error)
	FinalizeExecutionLog(ctx context.Context, id string, completion store.LogCompletion) (bool, error)
	ListExecutionLogs(ctx context.Context, sessionID string, offset, limit int) ([]domain.ExecutionLog, error)
	AppendToolCall(ctx context.Context, call *domain.ToolCall) error
	ListToolCalls(ctx context.Context, executionLogID string) ([]domain.ToolCall, error)
	SumToolCallCost(ctx context.Context, executionLogID string) (decimal.Decimal, error)
}

// Trail is the audit trail.
type Trail struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewTrail creates an audit trail over store.
func NewTrail(s Store, logger *zap.Logger, m *metrics.Metrics) *Trail {
	return &Trail{
		store:   s,
		logger:  logging.OrNop(logger),
		metrics: m,
		now:     time.Now,
	}
}

// NewLog describes an execution log to create.
type NewLog struct {
	ID        string
	SessionID string
	Command   string
	Plan      *domain.Plan
}

// CreateExecutionLog creates a running execution log.
func (t *Trail) CreateExecutionLog(ctx context.Context, in NewLog) (*domain.ExecutionLog, error) {
	if in.SessionID == "" || in.Command == "" {
		return nil, apperr.New(apperr.CodeValidation, "session_id and command are required")
	}
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	plan := in.Plan
	if plan == nil {
		plan = &domain.Plan{Steps: []domain.Step{}}
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "encode plan")
	}

	log := &domain.ExecutionLog{
		ID:           in.ID,
		SessionID:    in.SessionID,
		Command:      in.Command,
		Plan:         planJSON,
		Status:       domain.ExecutionStatusRunning,
		TotalCostUSD: decimal.Zero,
		CreatedAt:    t.now(),
	}
	if err := t.store.CreateExecutionLog(ctx, log); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "create execution log")
	}
	return log, nil
}

// ToolCallRecord is one tool invocation outcome to append.
type ToolCallRecord struct {
	ToolName string
	Args     json.RawMessage
	Result   json.RawMessage
	Err      *apperr.Error
	CostUSD  decimal.Decimal
	Duration time.Duration
}

// RecordToolCall appends one immutable tool call to the log.
func (t *Trail) RecordToolCall(ctx context.Context, logID string, rec ToolCallRecord) (*domain.ToolCall, error) {
	if rec.CostUSD.IsNegative() {
		return nil, apperr.New(apperr.CodeValidation, "tool call cost must not be negative")
	}
	call := &domain.ToolCall{
		ID:             uuid.New().String(),
		ExecutionLogID: logID,
		ToolName:       rec.ToolName,
		ToolArgs:       rec.Args,
		ToolResult:     rec.Result,
		Success:        rec.Err == nil,
		CostUSD:        rec.CostUSD,
		DurationMs:     rec.Duration.Milliseconds(),
		CreatedAt:      t.now(),
	}
	if rec.Err != nil {
		call.ErrorCode = string(rec.Err.Code())
		call.ErrorMessage = rec.Err.Message()
		if call.ErrorMessage == "" {
			call.ErrorMessage = "tool call failed"
		}
	}
	if err := t.store.AppendToolCall(ctx, call); err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "append tool call")
	}
	t.metrics.RecordToolCall(call.ToolName, call.Success)
	return call, nil
}

// Completion is the terminal state of an execution.
type Completion struct {
	Status       domain.ExecutionStatus
	Result       json.RawMessage
	Err          *apperr.Error
	TotalCostUSD decimal.Decimal
	Duration     time.Duration
}

// UpdateExecutionLog finalizes a log exactly once. The persisted total is
// always the sum of the recorded tool call costs.
func (t *Trail) UpdateExecutionLog(ctx context.Context, logID string, c Completion) (*domain.ExecutionLog, error) {
	if !c.Status.IsTerminal() {
		return nil, apperr.Newf(apperr.CodeValidation, "status %q is not terminal", c.Status)
	}
	ledger, err := t.store.SumToolCallCost(ctx, logID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "sum tool call cost")
	}
	if !ledger.Equal(c.TotalCostUSD) {
		logging.For(ctx, t.logger).Error("execution cost does not match tool call ledger",
			zap.String("execution_log_id", logID),
			zap.String("reported", c.TotalCostUSD.String()),
			zap.String("ledger", ledger.String()))
	}

	completion := store.LogCompletion{
		Status:       c.Status,
		Result:       c.Result,
		TotalCostUSD: ledger,
		DurationMs:   c.Duration.Milliseconds(),
		CompletedAt:  t.now(),
	}
	if c.Err != nil {
		completion.ErrorCode = string(c.Err.Code())
		completion.ErrorMessage = c.Err.Message()
	}

	ok, err := t.store.FinalizeExecutionLog(ctx, logID, completion)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "finalize execution log")
	}
	if !ok {
		existing, err := t.store.GetExecutionLog(ctx, logID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "load execution log")
		}
		if existing == nil {
			return nil, apperr.Newf(apperr.CodeNotFound, "execution log %s not found", logID)
		}
		return nil, ErrLogFinalized
	}
	t.metrics.RecordExecution(string(c.Status))
	return t.GetExecutionLog(ctx, logID)
}

// GetExecutionLog returns a log with its tool calls in order.
func (t *Trail) GetExecutionLog(ctx context.Context, id string) (*domain.ExecutionLog, error) {
	log, err := t.store.GetExecutionLog(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load execution log")
	}
	if log == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "execution %s not found", id)
	}
	calls, err := t.store.ListToolCalls(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load tool calls")
	}
	log.ToolCalls = calls
	return log, nil
}

// GetSessionExecutionLogs lists the logs of a session, newest first.
func (t *Trail) GetSessionExecutionLogs(ctx context.Context, sessionID string, offset, limit int) ([]domain.ExecutionLog, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	logs, err := t.store.ListExecutionLogs(ctx, sessionID, offset, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list execution logs")
	}
	for i := range logs {
		calls, err := t.store.ListToolCalls(ctx, logs[i].ID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "load tool calls")
		}
		logs[i].ToolCalls = calls
	}
	if logs == nil {
		logs = []domain.ExecutionLog{}
	}
	return logs, nil
}
