// Package service is the command and approval façade shared by the REST and
// realtime transports.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/approval"
	"github.com/xiaot623/agentpay/internal/audit"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/engine"
	"github.com/xiaot623/agentpay/internal/eventbus"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/tools"
)

// Sessions is the session storage the service needs.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	TerminateSession(ctx context.Context, sessionID string) (bool, error)
}

type Service struct {
	engine   *engine.Engine
	gate     *approval.Gate
	trail    *audit.Trail
	events   *eventbus.Bus
	sessions Sessions
	debug    bool
	logger   *zap.Logger
}

func New(eng *engine.Engine, gate *approval.Gate, trail *audit.Trail, events *eventbus.Bus, sessions Sessions, debug bool, logger *zap.Logger) *Service {
	return &Service{
		engine:   eng,
		gate:     gate,
		trail:    trail,
		events:   events,
		sessions: sessions,
		debug:    debug,
		logger:   logging.OrNop(logger),
	}
}

// Execute runs a command. Async commands return as soon as the execution has
// started. Sync commands return the outcome, or a running status once the
// execution waits for approval. Either way progress is then observable on the
// session's event stream.
func (s *Service) Execute(ctx context.Context, req domain.ExecuteRequest) (*domain.ExecuteResponse, error) {
	engReq := engine.Request{
		SessionID:            req.SessionID,
		Command:              req.Command,
		BudgetLimitUSD:       req.BudgetLimitUSD,
		ApprovalThresholdUSD: req.ApprovalThresholdUSD,
	}
	if req.Async {
		h, err := s.engine.Start(ctx, engReq)
		if err != nil {
			return nil, err
		}
		return &domain.ExecuteResponse{
			SessionID:   h.SessionID,
			ExecutionID: h.ExecutionID,
			Status:      domain.ExecutionStatusRunning,
		}, nil
	}

	h, res, err := s.engine.ExecuteUntilSuspended(ctx, engReq)
	if err != nil {
		return nil, err
	}
	if res == nil {
		logging.For(ctx, s.logger).Info("execution waiting for approval, continuing in background",
			zap.String("session_id", h.SessionID),
			zap.String("execution_id", h.ExecutionID))
		return &domain.ExecuteResponse{
			SessionID:   h.SessionID,
			ExecutionID: h.ExecutionID,
			Status:      domain.ExecutionStatusRunning,
		}, nil
	}
	return s.response(res), nil
}

func (s *Service) response(res *engine.Result) *domain.ExecuteResponse {
	resp := &domain.ExecuteResponse{
		SessionID:    res.SessionID,
		ExecutionID:  res.ExecutionID,
		Status:       res.Status,
		Result:       res.Result,
		TotalCostUSD: res.TotalCostUSD,
	}
	if res.Error != nil {
		code, msg := apperr.Public(res.Error, s.debug)
		resp.Error = &domain.ErrorPayload{
			Code:        string(code),
			Message:     msg,
			SessionID:   res.SessionID,
			ExecutionID: res.ExecutionID,
		}
	}
	return resp
}

// Decide applies a human decision to a pending approval request.
func (s *Service) Decide(ctx context.Context, requestID string, action domain.DecisionAction, req domain.DecisionRequest) (*domain.ApprovalRequest, error) {
	if requestID == "" {
		return nil, apperr.New(apperr.CodeValidation, "request_id is required")
	}
	decided, err := s.gate.Decide(ctx, requestID, approval.Decision{
		Action:     action,
		EditedArgs: req.EditedArgs,
		DecidedBy:  req.DecidedBy,
		Reason:     req.Reason,
	})
	if err != nil {
		return nil, err
	}
	logging.For(ctx, s.logger).Info("approval decided",
		zap.String("request_id", decided.ID),
		zap.String("status", string(decided.Status)),
		zap.String("decided_by", decided.DecidedBy))
	return decided, nil
}

func (s *Service) ListPending(ctx context.Context, sessionID string) (*domain.ListPendingResponse, error) {
	reqs, err := s.gate.ListPending(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.ListPendingResponse{Approvals: reqs}, nil
}

// Cancel stops a running execution.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	if err := s.engine.Cancel(executionID); err != nil {
		return err
	}
	logging.For(ctx, s.logger).Info("execution cancel requested", zap.String("execution_id", executionID))
	return nil
}

func (s *Service) GetExecution(ctx context.Context, executionID string) (*domain.ExecutionLog, error) {
	return s.trail.GetExecutionLog(ctx, executionID)
}

// ListLogs pages through a session's execution logs, newest first.
func (s *Service) ListLogs(ctx context.Context, sessionID string, offset, limit int) (*domain.ListLogsResponse, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	logs, err := s.trail.GetSessionExecutionLogs(ctx, sessionID, offset, limit)
	if err != nil {
		return nil, err
	}
	return &domain.ListLogsResponse{Logs: logs, Offset: offset, Limit: limit}, nil
}

// TerminateSession soft-terminates a session and cancels its running
// execution, if any. Terminated sessions accept no new commands.
func (s *Service) TerminateSession(ctx context.Context, sessionID string) error {
	ok, err := s.sessions.TerminateSession(ctx, sessionID)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "terminate session")
	}
	if !ok {
		return apperr.Newf(apperr.CodeNotFound, "session %s not found or already terminated", sessionID)
	}
	if executionID, running := s.engine.Running(sessionID); running {
		if err := s.engine.Cancel(executionID); err != nil && !apperr.IsCode(err, apperr.CodeNotFound) {
			return err
		}
	}
	logging.For(ctx, s.logger).Info("session terminated", zap.String("session_id", sessionID))
	return nil
}

// ListTools describes the tools plans may use.
func (s *Service) ListTools() []domain.ToolInfo {
	return tools.Specs()
}

// Subscribe attaches an observer to a session's event stream.
func (s *Service) Subscribe(sessionID string) *eventbus.Subscription {
	return s.events.Subscribe(sessionID)
}

// PublicError renders err for clients.
func (s *Service) PublicError(err error, sessionID, executionID string) *domain.ErrorPayload {
	code, msg := apperr.Public(err, s.debug)
	return &domain.ErrorPayload{Code: string(code), Message: msg, SessionID: sessionID, ExecutionID: executionID}
}
