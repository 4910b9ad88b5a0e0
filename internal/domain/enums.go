package domain

// ExecutionStatus represents the persisted status of an execution log.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// EngineState is the in-memory state of a running command.
type EngineState string

const (
	EngineStatePlanning  EngineState = "PLANNING"
	EngineStateExecuting EngineState = "EXECUTING"
	EngineStateSuspended EngineState = "SUSPENDED"
	EngineStateCompleted EngineState = "COMPLETED"
	EngineStateFailed    EngineState = "FAILED"
	EngineStateCancelled EngineState = "CANCELLED"
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusTerminated SessionStatus = "terminated"
)

// ApprovalStatus represents the status of an approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusEdited   ApprovalStatus = "edited"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// IsTerminal reports whether the approval has been resolved.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalStatusPending
}

// PaymentStatus represents the persisted status of a payment attempt.
type PaymentStatus string

const (
	PaymentStatusQuoted    PaymentStatus = "quoted"
	PaymentStatusSigned    PaymentStatus = "signed"
	PaymentStatusSubmitted PaymentStatus = "submitted"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// PaymentState is a state of the x402 protocol flow.
type PaymentState string

const (
	PaymentStateInit            PaymentState = "INIT"
	PaymentStateRequested       PaymentState = "REQUESTED"
	PaymentStatePaymentRequired PaymentState = "PAYMENT_REQUIRED"
	PaymentStateAuthorized      PaymentState = "AUTHORIZED"
	PaymentStateSettling        PaymentState = "SETTLING"
	PaymentStateSettled         PaymentState = "SETTLED"
	PaymentStateFailed          PaymentState = "FAILED"
)

// StepKind distinguishes tool steps from grouped subagent steps.
type StepKind string

const (
	StepKindTool     StepKind = "tool"
	StepKindSubagent StepKind = "subagent"
)

// EventType represents the type of a realtime event.
type EventType string

const (
	EventTypeConnected        EventType = "connected"
	EventTypeThinking         EventType = "thinking"
	EventTypeToolCall         EventType = "tool_call"
	EventTypeToolResult       EventType = "tool_result"
	EventTypeApprovalRequired EventType = "approval_required"
	EventTypeSubagentStart    EventType = "subagent_start"
	EventTypeSubagentEnd      EventType = "subagent_end"
	EventTypeComplete         EventType = "complete"
	EventTypeError            EventType = "error"
	EventTypeApproved         EventType = "approved"
	EventTypeRejected         EventType = "rejected"
	EventTypeEditApproved     EventType = "edit_approved"
	EventTypeCancelled        EventType = "cancelled"
)

// DecisionAction is a human decision on a pending approval.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
	DecisionEdit    DecisionAction = "edit"
)

// Status returns the terminal approval status the action resolves to.
func (a DecisionAction) Status() (ApprovalStatus, bool) {
	switch a {
	case DecisionApprove:
		return ApprovalStatusApproved, true
	case DecisionReject:
		return ApprovalStatusRejected, true
	case DecisionEdit:
		return ApprovalStatusEdited, true
	default:
		return "", false
	}
}
