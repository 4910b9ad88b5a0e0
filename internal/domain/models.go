package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// SessionConfig holds the spending limits that apply to a session.
type SessionConfig struct {
	BudgetLimitUSD       decimal.NullDecimal `json:"budget_limit_usd"`
	ApprovalThresholdUSD decimal.Decimal     `json:"approval_threshold_usd"`
}

// Session represents a conversation scope for commands.
type Session struct {
	ID            string        `json:"id"`
	WalletAddress string        `json:"wallet_address"`
	Config        SessionConfig `json:"config"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	LastActive    time.Time     `json:"last_active"`
}

// Plan is the ordered list of steps produced by a planner.
type Plan struct {
	Summary string `json:"summary,omitempty"`
	Steps   []Step `json:"steps"`
}

// Step is a single planned tool invocation or a subagent group.
type Step struct {
	ID          string          `json:"id"`
	Kind        StepKind        `json:"kind"`
	Tool        string          `json:"tool,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
	Optional    bool            `json:"optional,omitempty"`
	Agent       string          `json:"agent,omitempty"`
	Steps       []Step          `json:"steps,omitempty"`
}

// ExecutionLog is the audit record of one command.
type ExecutionLog struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	Command      string          `json:"command"`
	Plan         json.RawMessage `json:"plan"`
	Status       ExecutionStatus `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ToolCalls    []ToolCall      `json:"tool_calls,omitempty"`
}

// ToolCall is one immutable tool invocation attempt within an execution.
type ToolCall struct {
	ID             string          `json:"id"`
	ExecutionLogID string          `json:"execution_log_id"`
	Seq            int             `json:"seq"`
	ToolName       string          `json:"tool_name"`
	ToolArgs       json.RawMessage `json:"tool_args,omitempty"`
	ToolResult     json.RawMessage `json:"tool_result,omitempty"`
	Success        bool            `json:"success"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CostUSD        decimal.Decimal `json:"cost_usd"`
	DurationMs     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ApprovalRequest is a pending or resolved human decision on a step.
type ApprovalRequest struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	ExecutionLogID string          `json:"execution_log_id"`
	StepID         string          `json:"step_id"`
	ToolName       string          `json:"tool_name"`
	ToolArgs       json.RawMessage `json:"tool_args"`
	EditedArgs     json.RawMessage `json:"edited_args,omitempty"`
	Reason         string          `json:"reason"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         ApprovalStatus  `json:"status"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
}

// EffectiveArgs returns the arguments the step should run with.
func (r *ApprovalRequest) EffectiveArgs() json.RawMessage {
	if r.Status == ApprovalStatusEdited && len(r.EditedArgs) > 0 {
		return r.EditedArgs
	}
	return r.ToolArgs
}

// PaymentAttempt records one pass through the x402 payment flow.
type PaymentAttempt struct {
	ID                string          `json:"id"`
	ExecutionLogID    string          `json:"execution_log_id"`
	ServiceURL        string          `json:"service_url"`
	Amount            decimal.Decimal `json:"amount"`
	Token             string          `json:"token"`
	Recipient         string          `json:"recipient"`
	Network           string          `json:"network"`
	Signer            string          `json:"signer"`
	VerifyingContract string          `json:"verifying_contract"`
	Nonce             string          `json:"nonce"`
	Timestamp         int64           `json:"timestamp"`
	Signature         string          `json:"signature,omitempty"`
	TxHash            string          `json:"tx_hash,omitempty"`
	GasUsed           uint64          `json:"gas_used,omitempty"`
	BlockNumber       uint64          `json:"block_number,omitempty"`
	Status            PaymentStatus   `json:"status"`
	Error             string          `json:"error,omitempty"`
	Attempt           int             `json:"attempt"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
