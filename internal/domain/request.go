package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ExecuteRequest is the body of POST /v1/execute and of the realtime
// execute message.
type ExecuteRequest struct {
	Command              string           `json:"command"`
	SessionID            string           `json:"session_id,omitempty"`
	BudgetLimitUSD       *decimal.Decimal `json:"budget_limit_usd,omitempty"`
	ApprovalThresholdUSD *decimal.Decimal `json:"approval_threshold_usd,omitempty"`
	Async                bool             `json:"async,omitempty"`
}

// ExecuteResponse is the result of a command.
type ExecuteResponse struct {
	SessionID    string          `json:"session_id"`
	ExecutionID  string          `json:"execution_id"`
	Status       ExecutionStatus `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	Error        *ErrorPayload   `json:"error,omitempty"`
}

// DecisionRequest is the body of the approval decision endpoints.
type DecisionRequest struct {
	RequestID  string          `json:"request_id,omitempty"`
	EditedArgs json.RawMessage `json:"edited_args,omitempty"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// CancelRequest is the data of the realtime cancel message.
type CancelRequest struct {
	ExecutionID string `json:"execution_id"`
}

// ListPendingResponse lists pending approvals.
type ListPendingResponse struct {
	Approvals []ApprovalRequest `json:"approvals"`
}

// ListLogsResponse lists execution logs of a session.
type ListLogsResponse struct {
	Logs   []ExecutionLog `json:"logs"`
	Offset int            `json:"offset"`
	Limit  int            `json:"limit"`
}

// ToolInfo describes a tool to API consumers.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Payment     bool            `json:"payment"`
}
