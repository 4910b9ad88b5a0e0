// Package approval implements the human-in-the-loop gate that suspends
// high-value steps until a decision arrives.
package approval

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xiaot623/agentpay/internal/apperr"
	"github.com/xiaot623/agentpay/internal/domain"
	"github.com/xiaot623/agentpay/internal/logging"
	"github.com/xiaot623/agentpay/internal/metrics"
	"github.com/xiaot623/agentpay/internal/repository"
	"github.com/xiaot623/agentpay/policy"
)

// DefaultTTL is how long a request waits for a decision.
const DefaultTTL = 24 * time.Hour

// Store is the persistence the gate needs.
type Store interface {
	CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ResolveApprovalRequest(ctx context.Context, id string, resolution store.ApprovalResolution) (bool, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]domain.ApprovalRequest, error)
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error)
}

// PolicyEvaluator decides what to do with a step.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Action, string, error)
}

// ArgsValidator validates edited arguments against a tool's input schema.
type ArgsValidator func(toolName string, args json.RawMessage) error

// Options configures a Gate.
type Options struct {
	TTL                time.Duration
	DeniedTools        []string
	AlwaysApproveTools []string
}

// Gate is the approval gate. Decisions are persisted with a single
// compare-and-set so each request resolves exactly once.
type Gate struct {
	store    Store
	policy   PolicyEvaluator
	validate ArgsValidator
	opts     Options
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	waiters map[string]chan domain.ApprovalRequest
}

// NewGate creates an approval gate.
func NewGate(s Store, p PolicyEvaluator, validate ArgsValidator, opts Options, logger *zap.Logger, m *metrics.Metrics) *Gate {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Gate{
		store:    s,
		policy:   p,
		validate: validate,
		opts:     opts,
		logger:   logging.OrNop(logger),
		metrics:  m,
		now:      time.Now,
		waiters:  make(map[string]chan domain.ApprovalRequest),
	}
}

// Verdict is the gate's decision for a step.
type Verdict struct {
	Action   policy.Action
	Reason   string
	Amount   decimal.Decimal
	Currency string
}

// Step describes the step being evaluated.
type Step struct {
	ToolName  string
	Args      json.RawMessage
	AmountUSD decimal.Decimal
}

// Evaluate asks the policy whether the step may run.
func (g *Gate) Evaluate(ctx context.Context, step Step, cfg domain.SessionConfig) (Verdict, error) {
	var args interface{}
	if len(step.Args) > 0 {
		if err := json.Unmarshal(step.Args, &args); err != nil {
			return Verdict{}, apperr.Wrap(err, apperr.CodeValidation, "step arguments are not valid JSON")
		}
	}
	input := policy.Input{
		ToolName:           step.ToolName,
		Args:               args,
		AmountUSD:          step.AmountUSD.InexactFloat64(),
		ThresholdUSD:       cfg.ApprovalThresholdUSD.InexactFloat64(),
		DeniedTools:        g.opts.DeniedTools,
		AlwaysApproveTools: g.opts.AlwaysApproveTools,
	}
	if cfg.BudgetLimitUSD.Valid {
		limit := cfg.BudgetLimitUSD.Decimal.InexactFloat64()
		input.BudgetLimitUSD = &limit
	}

	action, reason, err := g.policy.Evaluate(ctx, input)
	if err != nil {
		return Verdict{}, apperr.Wrap(err, apperr.CodeInternal, "evaluate approval policy")
	}
	return Verdict{Action: action, Reason: reason, Amount: step.AmountUSD, Currency: "USD"}, nil
}

// OpenParams describes a request to open.
type OpenParams struct {
	SessionID      string
	ExecutionLogID string
	StepID         string
	ToolName       string
	Args           json.RawMessage
	Reason         string
	Amount         decimal.Decimal
	Currency       string
}

// Open persists a pending request and registers a waiter for it.
func (g *Gate) Open(ctx context.Context, p OpenParams) (*domain.ApprovalRequest, error) {
	now := g.now()
	req := &domain.ApprovalRequest{
		ID:             uuid.New().String(),
		SessionID:      p.SessionID,
		ExecutionLogID: p.ExecutionLogID,
		StepID:         p.StepID,
		ToolName:       p.ToolName,
		ToolArgs:       p.Args,
		Reason:         p.Reason,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Status:         domain.ApprovalStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.opts.TTL),
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	g.mu.Lock()
	g.waiters[req.ID] = make(chan domain.ApprovalRequest, 1)
	g.mu.Unlock()

	if err := g.store.CreateApprovalRequest(ctx, req); err != nil {
		g.dropWaiter(req.ID)
		return nil, apperr.Wrap(err, apperr.CodeInternal, "create approval request")
	}
	logging.For(ctx, g.logger).Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("tool", req.ToolName),
		zap.String("amount", req.Amount.String()))
	return req, nil
}

// Wait blocks until the request is decided, expires or ctx is done. A request
// abandoned through ctx is expired so it never stays pending.
func (g *Gate) Wait(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	g.mu.Lock()
	ch, ok := g.waiters[id]
	if !ok {
		ch = make(chan domain.ApprovalRequest, 1)
		g.waiters[id] = ch
	}
	g.mu.Unlock()
	defer g.dropWaiter(id)

	req, err := g.store.GetApprovalRequest(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load approval request")
	}
	if req == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "approval request %s not found", id)
	}
	if req.Status.IsTerminal() {
		return req, nil
	}

	timer := time.NewTimer(req.ExpiresAt.Sub(g.now()))
	defer timer.Stop()

	select {
	case resolved := <-ch:
		return &resolved, nil
	case <-timer.C:
		return g.expire(context.WithoutCancel(ctx), id, "approval timed out")
	case <-ctx.Done():
		if _, err := g.expire(context.WithoutCancel(ctx), id, "execution cancelled"); err != nil {
			g.logger.Warn("failed to expire abandoned approval", zap.String("request_id", id), zap.Error(err))
		}
		return nil, apperr.Wrap(context.Cause(ctx), apperr.CodeCancelled, "approval wait cancelled")
	}
}

// Decision is a human decision on a pending request.
type Decision struct {
	Action     domain.DecisionAction
	EditedArgs json.RawMessage
	DecidedBy  string
	Reason     string
}

// Decide resolves a pending request. A second decision on the same request
// fails with CodeAlreadyDecided.
func (g *Gate) Decide(ctx context.Context, id string, d Decision) (*domain.ApprovalRequest, error) {
	status, ok := d.Action.Status()
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "unknown decision %q", d.Action)
	}

	req, err := g.store.GetApprovalRequest(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load approval request")
	}
	if req == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "approval request %s not found", id)
	}
	if req.Status.IsTerminal() {
		return nil, apperr.Newf(apperr.CodeAlreadyDecided, "approval request %s is already %s", id, req.Status)
	}

	var edited json.RawMessage
	if status == domain.ApprovalStatusEdited {
		if len(d.EditedArgs) == 0 {
			return nil, apperr.New(apperr.CodeValidation, "edited_args is required for edit")
		}
		if g.validate != nil {
			if err := g.validate(req.ToolName, d.EditedArgs); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeValidation, "edited arguments do not match the tool schema")
			}
		}
		edited = d.EditedArgs
	}

	won, err := g.store.ResolveApprovalRequest(ctx, id, store.ApprovalResolution{
		Status:     status,
		EditedArgs: edited,
		DecidedBy:  d.DecidedBy,
		Reason:     d.Reason,
		DecidedAt:  g.now(),
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "resolve approval request")
	}
	if !won {
		return nil, apperr.Newf(apperr.CodeAlreadyDecided, "approval request %s is already decided", id)
	}
	return g.finish(ctx, id)
}

// ListPending lists pending requests, optionally for one session.
func (g *Gate) ListPending(ctx context.Context, sessionID string) ([]domain.ApprovalRequest, error) {
	reqs, err := g.store.ListPendingApprovals(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list pending approvals")
	}
	if reqs == nil {
		reqs = []domain.ApprovalRequest{}
	}
	return reqs, nil
}

// Get returns a request by ID.
func (g *Gate) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := g.store.GetApprovalRequest(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load approval request")
	}
	if req == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "approval request %s not found", id)
	}
	return req, nil
}

// RunExpiryMonitor periodically expires pending requests whose deadline has
// passed, including those left behind by a previous process.
func (g *Gate) RunExpiryMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ExpireDue(ctx)
		}
	}
}

// ExpireDue expires every pending request past its deadline and returns how
// many it resolved.
func (g *Gate) ExpireDue(ctx context.Context) int {
	due, err := g.store.ListExpiredApprovals(ctx, g.now(), 100)
	if err != nil {
		g.logger.Warn("failed to list expired approvals", zap.Error(err))
		return 0
	}
	expired := 0
	for _, req := range due {
		won, err := g.store.ResolveApprovalRequest(ctx, req.ID, store.ApprovalResolution{
			Status:    domain.ApprovalStatusExpired,
			Reason:    "approval timed out",
			DecidedAt: g.now(),
		})
		if err != nil {
			g.logger.Warn("failed to expire approval", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		if !won {
			continue
		}
		if _, err := g.finish(ctx, req.ID); err != nil {
			g.logger.Warn("failed to notify expired approval", zap.String("request_id", req.ID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired
}

func (g *Gate) expire(ctx context.Context, id, reason string) (*domain.ApprovalRequest, error) {
	won, err := g.store.ResolveApprovalRequest(ctx, id, store.ApprovalResolution{
		Status:    domain.ApprovalStatusExpired,
		Reason:    reason,
		DecidedAt: g.now(),
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "expire approval request")
	}
	if won {
		g.metrics.RecordApproval(string(domain.ApprovalStatusExpired))
	}
	// Whoever won the race, the stored row holds the single terminal state.
	return g.resolved(ctx, id)
}

// finish loads the resolved row and wakes its waiter.
func (g *Gate) finish(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := g.resolved(ctx, id)
	if err != nil {
		return nil, err
	}
	g.metrics.RecordApproval(string(req.Status))
	logging.For(ctx, g.logger).Info("approval resolved",
		zap.String("request_id", id),
		zap.String("status", string(req.Status)),
		zap.String("decided_by", req.DecidedBy))

	g.mu.Lock()
	ch, ok := g.waiters[id]
	g.mu.Unlock()
	if ok {
		select {
		case ch <- *req:
		default:
		}
	}
	return req, nil
}

func (g *Gate) resolved(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	req, err := g.store.GetApprovalRequest(ctx, id)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "load approval request")
	}
	if req == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "approval request %s not found", id)
	}
	return req, nil
}

func (g *Gate) dropWaiter(id string) {
	g.mu.Lock()
	delete(g.waiters, id)
	g.mu.Unlock()
}
