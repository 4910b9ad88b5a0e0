// Package engine executes planned commands: it drives each step through the
// approval gate and the tool registry, streams progress to observers and
// records every tool call in the audit trail.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/approval"
	"github.com/xiaot623/agentpay/internal/audit"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
	"github.com/xiaot623/agentpay/internal/tools"
)

// Planner turns a command into a plan.
type Planner interface {
	Plan(ctx context.Context, command string) (*domain.Plan, error)
}

// Tools estimates and invokes tools.
type Tools interface {
	Estimate(toolName string, args json.RawMessage) (tools.Estimate, error)
	Invoke(ctx context.Context, toolName string, inv tools.Invocation) tools.Result
}

// Gate is the approval gate.
type Gate interface {
	Evaluate(ctx context.Context, step approval.Step, cfg domain.SessionConfig) (approval.Verdict, error)
	Open(ctx context.Context, p approval.OpenParams) (*domain.ApprovalRequest, error)
	Wait(ctx context.Context, id string) (*domain.ApprovalRequest, error)
}

// Trail is the audit trail.
type Trail interface {
	CreateExecutionLog(ctx context.Context, in audit.NewLog) (*domain.ExecutionLog, error)
	RecordToolCall(ctx context.Context, logID string, rec audit.ToolCallRecord) (*domain.ToolCall, error)
	UpdateExecutionLog(ctx context.Context, logID string, c audit.Completion) (*domain.ExecutionLog, error)
}

// Publisher streams events to session observers.
type Publisher interface {
	Publish(sessionID, executionID string, eventType domain.EventType, payload interface{}) (domain.Event, error)
	// Hold keeps the session's event sequence alive until release is called.
	Hold(sessionID string) (release func())
}

// Sessions persists sessions.
type Sessions interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
}

// Config holds engine defaults.
type Config struct {
	DefaultBudgetLimitUSD       decimal.NullDecimal
	DefaultApprovalThresholdUSD decimal.Decimal
	WalletAddress               string
	Debug                       bool
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Planner  Planner
	Tools    Tools
	Gate     Gate
	Trail    Trail
	Events   Publisher
	Sessions Sessions
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Request is a command to execute.
type Request struct {
	SessionID            string
	Command              string
	BudgetLimitUSD       *decimal.Decimal
	ApprovalThresholdUSD *decimal.Decimal
}

// Result is the outcome of an execution.
type Result struct {
	ExecutionID  string                 `json:"execution_id"`
	SessionID    string                 `json:"session_id"`
	Status       domain.ExecutionStatus `json:"status"`
	Result       json.RawMessage        `json:"result,omitempty"`
	TotalCostUSD decimal.Decimal        `json:"total_cost_usd"`
	Error        *apperr.Error          `json:"-"`
}

// Handle tracks a started execution.
type Handle struct {
	ExecutionID string
	SessionID   string

	done      chan struct{}
	result    *Result
	suspended chan struct{}
	suspend   sync.Once
}

// Done is closed when the execution reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Suspended is closed the first time the execution waits for a decision.
func (h *Handle) Suspended() <-chan struct{} { return h.suspended }

func (h *Handle) markSuspended() {
	h.suspend.Do(func() { close(h.suspended) })
}

// Result returns the outcome once Done is closed.
func (h *Handle) Result() *Result {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

type execution struct {
	handle *Handle
	cancel context.CancelCauseFunc
}

// Engine runs commands, at most one at a time per session.
type Engine struct {
	planner  Planner
	tools    Tools
	gate     Gate
	trail    Trail
	events   Publisher
	sessions Sessions
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	busy   map[string]string
	active map[string]*execution
	wg     sync.WaitGroup
}

// New creates an engine.
func New(deps Deps, cfg Config) *Engine {
	return &Engine{
		planner:  deps.Planner,
		tools:    deps.Tools,
		gate:     deps.Gate,
		trail:    deps.Trail,
		events:   deps.Events,
		sessions: deps.Sessions,
		cfg:      cfg,
		logger:   logging.OrNop(deps.Logger),
		metrics:  deps.Metrics,
		now:      time.Now,
		busy:     make(map[string]string),
		active:   make(map[string]*execution),
	}
}

// Execute runs req to completion. Cancelling ctx cancels the execution.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	h, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.Done():
	case <-ctx.Done():
		e.cancel(h.ExecutionID, apperr.Wrap(context.Cause(ctx), apperr.CodeCancelled, "request cancelled"))
		<-h.Done()
	}
	return h.Result(), nil
}

// ExecuteUntilSuspended runs req until it finishes or first waits for an
// approval. In the second case the returned Result is nil and the execution
// carries on in the background, detached from ctx. Cancelling ctx before
// that cancels the execution.
func (e *Engine) ExecuteUntilSuspended(ctx context.Context, req Request) (*Handle, *Result, error) {
	h, err := e.Start(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	select {
	case <-h.Done():
		return h, h.Result(), nil
	case <-h.Suspended():
		select {
		case <-h.Done():
			return h, h.Result(), nil
		default:
			return h, nil, nil
		}
	case <-ctx.Done():
		e.cancel(h.ExecutionID, apperr.Wrap(context.Cause(ctx), apperr.CodeCancelled, "request cancelled"))
		<-h.Done()
		return h, h.Result(), nil
	}
}

// Start begins executing req in the background. It fails fast with
// CodeSessionBusy when the session already runs a command.
func (e *Engine) Start(ctx context.Context, req Request) (*Handle, error) {
	if req.Command == "" {
		return nil, apperr.New(apperr.CodeValidation, "command is required")
	}
	if err := validateLimits(req); err != nil {
		return nil, err
	}

	session, err := e.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	cfg := session.Config
	if req.BudgetLimitUSD != nil {
		cfg.BudgetLimitUSD = decimal.NewNullDecimal(*req.BudgetLimitUSD)
	}
	if req.ApprovalThresholdUSD != nil {
		cfg.ApprovalThresholdUSD = *req.ApprovalThresholdUSD
	}

	h := &Handle{
		ExecutionID: uuid.New().String(),
		SessionID:   session.ID,
		done:        make(chan struct{}),
		suspended:   make(chan struct{}),
	}
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = logging.WithExecution(runCtx, session.ID, h.ExecutionID)

	e.mu.Lock()
	if running, busy := e.busy[session.ID]; busy {
		e.mu.Unlock()
		cancel(nil)
		return nil, apperr.Newf(apperr.CodeSessionBusy, "session %s is already running execution %s", session.ID, running)
	}
	e.busy[session.ID] = h.ExecutionID
	e.active[h.ExecutionID] = &execution{handle: h, cancel: cancel}
	e.wg.Add(1)
	e.mu.Unlock()

	if err := e.sessions.TouchSession(ctx, session.ID, e.now()); err != nil {
		e.logger.Warn("failed to touch session", zap.String("session_id", session.ID), zap.Error(err))
	}
	e.metrics.ExecutionStarted()

	releaseEvents := e.events.Hold(session.ID)
	go func() {
		defer e.wg.Done()
		defer releaseEvents()
		defer cancel(nil)
		h.result = e.run(runCtx, h, req.Command, cfg)
		e.release(h)
		close(h.done)
	}()
	return h, nil
}

func validateLimits(req Request) error {
	if req.BudgetLimitUSD != nil && req.BudgetLimitUSD.IsNegative() {
		return apperr.New(apperr.CodeValidation, "budget_limit_usd must not be negative")
	}
	if req.ApprovalThresholdUSD != nil && req.ApprovalThresholdUSD.IsNegative() {
		return apperr.New(apperr.CodeValidation, "approval_threshold_usd must not be negative")
	}
	return nil
}

func (e *Engine) resolveSession(ctx context.Context, req Request) (*domain.Session, error) {
	if req.SessionID != "" {
		s, err := e.sessions.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "load session")
		}
		if s != nil {
			if s.Status == domain.SessionStatusTerminated {
				return nil, apperr.Newf(apperr.CodeValidation, "session %s is terminated", s.ID)
			}
			return s, nil
		}
	}

	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now()
	s := &domain.Session{
		ID:            id,
		WalletAddress: e.cfg.WalletAddress,
		Config: domain.SessionConfig{
			BudgetLimitUSD:       e.cfg.DefaultBudgetLimitUSD,
			ApprovalThresholdUSD: e.cfg.DefaultApprovalThresholdUSD,
		},
		Status:     domain.SessionStatusActive,
		CreatedAt:  now,
		LastActive: now,
	}
	if req.BudgetLimitUSD != nil {
		s.Config.BudgetLimitUSD = decimal.NewNullDecimal(*req.BudgetLimitUSD)
	}
	if req.ApprovalThresholdUSD != nil {
		s.Config.ApprovalThresholdUSD = *req.ApprovalThresholdUSD
	}
	if err := e.sessions.CreateSession(ctx, s); err != nil {
		// lost a race with a concurrent first command
		if existing, gerr := e.sessions.GetSession(ctx, id); gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "create session")
	}
	return s, nil
}

func (e *Engine) release(h *Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[h.SessionID] == h.ExecutionID {
		delete(e.busy, h.SessionID)
	}
	delete(e.active, h.ExecutionID)
	e.metrics.ExecutionFinished()
}

// Cancel asks a running execution to stop. The execution observes the
// request between steps and at every suspension point.
func (e *Engine) Cancel(executionID string) error {
	if !e.cancel(executionID, apperr.New(apperr.CodeCancelled, "execution cancelled by user")) {
		return apperr.Newf(apperr.CodeNotFound, "execution %s is not running", executionID)
	}
	return nil
}

func (e *Engine) cancel(executionID string, cause error) bool {
	e.mu.Lock()
	exec, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	exec.cancel(cause)
	return true
}

// Running reports the execution currently running in a session.
func (e *Engine) Running(sessionID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.busy[sessionID]
	return id, ok
}

// Handle returns the handle of a running execution.
func (e *Engine) Handle(executionID string) (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.active[executionID]
	if !ok {
		return nil, false
	}
	return exec.handle, true
}

// Shutdown cancels every running execution and waits for them to finish or
// ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, exec := range e.active {
		exec.cancel(apperr.New(apperr.CodeCancelled, "orchestrator shutting down"))
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
