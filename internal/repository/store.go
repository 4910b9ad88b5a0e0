package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xiaot623/agentpay/internal/domain"
)

// ErrDuplicateNonce is returned when a payment attempt reuses a
// (signer, verifying_contract, nonce) triple.
var ErrDuplicateNonce = errors.New("duplicate payment nonce")

// Store defines the interface for data persistence.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) error
	TerminateSession(ctx context.Context, sessionID string) (bool, error)

	// Execution log operations
	CreateExecutionLog(ctx context.Context, log *domain.ExecutionLog) error
	GetExecutionLog(ctx context.Context, id string) (*domain.ExecutionLog, error)
	FinalizeExecutionLog(ctx context.Context, id string, completion LogCompletion) (bool, error)
	ListExecutionLogs(ctx context.Context, sessionID string, offset, limit int) ([]domain.ExecutionLog, error)

	// Tool call operations (append-only)
	AppendToolCall(ctx context.Context, call *domain.ToolCall) error
	ListToolCalls(ctx context.Context, executionLogID string) ([]domain.ToolCall, error)
	SumToolCallCost(ctx context.Context, executionLogID string) (decimal.Decimal, error)

	// Approval operations
	CreateApprovalRequest(ctx context.Context, req *domain.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (*domain.ApprovalRequest, error)
	ResolveApprovalRequest(ctx context.Context, id string, resolution ApprovalResolution) (bool, error)
	ListPendingApprovals(ctx context.Context, sessionID string) ([]domain.ApprovalRequest, error)
	ListExpiredApprovals(ctx context.Context, now time.Time, limit int) ([]domain.ApprovalRequest, error)

	// Payment attempt operations
	CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	GetPaymentAttempt(ctx context.Context, id string) (*domain.PaymentAttempt, error)
	TransitionPaymentAttempt(ctx context.Context, id string, from, to domain.PaymentStatus) (bool, error)
	CompletePaymentAttempt(ctx context.Context, id string, update PaymentUpdate) error
	ListPaymentAttempts(ctx context.Context, executionLogID string) ([]domain.PaymentAttempt, error)

	Close() error
}

// LogCompletion is the terminal update of an execution log.
type LogCompletion struct {
	Status       domain.ExecutionStatus
	Result       json.RawMessage
	ErrorCode    string
	ErrorMessage string
	TotalCostUSD decimal.Decimal
	DurationMs   int64
	CompletedAt  time.Time
}

// ApprovalResolution moves an approval request out of pending.
type ApprovalResolution struct {
	Status     domain.ApprovalStatus
	EditedArgs json.RawMessage
	DecidedBy  string
	Reason     string
	DecidedAt  time.Time
}

// PaymentUpdate records the outcome of a payment attempt.
type PaymentUpdate struct {
	Status      domain.PaymentStatus
	TxHash      string
	GasUsed     uint64
	BlockNumber uint64
	Error       string
}
