package ws

import "encoding/json"

// Message types from client to server. Server to client messages are
// domain.Event envelopes.
const (
	TypeExecute = "execute"
	TypeApprove = "approve"
	TypeReject  = "reject"
	TypeEdit    = "edit"
	TypeCancel  = "cancel"
)

// InboundMessage is a client message before type dispatch.
type InboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
