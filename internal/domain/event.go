package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Event is the envelope delivered to realtime observers of a session.
type Event struct {
	Type        EventType       `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Seq         uint64          `json:"seq"`
	SessionID   string          `json:"session_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// ConnectedPayload is sent once when an observer attaches.
type ConnectedPayload struct {
	SessionID    string `json:"session_id"`
	ConnectionID string `json:"connection_id"`
}

// ThinkingPayload reports engine state changes.
type ThinkingPayload struct {
	State   EngineState `json:"state"`
	Message string      `json:"message,omitempty"`
	Steps   int         `json:"steps,omitempty"`
}

// ToolCallPayload announces a tool invocation.
type ToolCallPayload struct {
	StepID   string          `json:"step_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// ToolResultPayload reports the outcome of a tool invocation.
type ToolResultPayload struct {
	StepID     string          `json:"step_id"`
	ToolName   string          `json:"tool_name"`
	Success    bool            `json:"success"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *ErrorPayload   `json:"error,omitempty"`
	CostUSD    decimal.Decimal `json:"cost_usd"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
	Skipped    bool            `json:"skipped,omitempty"`
}

// ApprovalRequiredPayload asks observers for a decision.
type ApprovalRequiredPayload struct {
	RequestID string          `json:"request_id"`
	StepID    string          `json:"step_id"`
	ToolName  string          `json:"tool_name"`
	Args      json.RawMessage `json:"args"`
	Reason    string          `json:"reason"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	ExpiresAt int64           `json:"expires_at"`
}

// ApprovalDecisionPayload echoes a decision to observers.
type ApprovalDecisionPayload struct {
	RequestID  string          `json:"request_id"`
	Status     ApprovalStatus  `json:"status"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
}

// SubagentPayload brackets a group of nested steps.
type SubagentPayload struct {
	StepID  string `json:"step_id"`
	Agent   string `json:"agent"`
	Steps   int    `json:"steps"`
	Success *bool  `json:"success,omitempty"`
}

// CompletePayload is emitted when an execution finishes successfully.
type CompletePayload struct {
	Status       ExecutionStatus `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
}

// CancelledPayload is emitted when an execution is cancelled.
type CancelledPayload struct {
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	DurationMs   int64           `json:"duration_ms"`
}

// ErrorPayload is the user-visible form of an error.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	SessionID   string `json:"session_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}
