// WebSocket wire schemas shared by the session hub and the frontends.
package models

import "encoding/json"

// Inbound frame types.
const (
	InboundChat        = "chat"
	InboundSubscribe   = "subscribe"
	InboundUnsubscribe = "unsubscribe"
	InboundCancel      = "cancel"
	InboundSystemInfo  = "system_info"
)

// Outbound frame types.
const (
	FrameConnected        = "connected"
	FrameSessionInfo      = "session_info"
	FrameSubscribed       = "subscribed"
	FrameUnsubscribed     = "unsubscribed"
	FrameAssistantMessage = "assistant_message"
	FrameToolUse          = "tool_use"
	FrameToolResult       = "tool_result"
	FrameSystem           = "system"
	FrameResult           = "result"
	FrameCancelling       = "cancelling"
	FrameCancelled        = "cancelled"
	FrameError            = "error"
	FrameSystemInfo       = "system_info"
)

// InboundFrame is a client command received over the WebSocket.
type InboundFrame struct {
	Type            string `json:"type"`
	Content         string `json:"content,omitempty"`
	SessionID       string `json:"sessionId,omitempty"`
	NewConversation bool   `json:"newConversation,omitempty"`
}

// SessionInfo is the snapshot of an in-memory session sent to clients.
// Timestamps are epoch milliseconds.
type SessionInfo struct {
	ID           string `json:"id"`
	MessageCount int64  `json:"messageCount"`
	IsActive     bool   `json:"isActive"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`
}

// Frame is an outbound WebSocket message. One struct covers every frame
// kind; unset fields are omitted from the JSON encoding.
type Frame struct {
	Type              string          `json:"type"`
	Message           string          `json:"message,omitempty"`
	AvailableSessions []SessionInfo   `json:"availableSessions,omitempty"`
	Data              any             `json:"data,omitempty"`
	SessionID         string          `json:"sessionId,omitempty"`
	Subtype           string          `json:"subtype,omitempty"`
	Content           string          `json:"content,omitempty"`
	ToolName          string          `json:"toolName,omitempty"`
	ToolID            string          `json:"toolId,omitempty"`
	ToolInput         json.RawMessage `json:"toolInput,omitempty"`
	ToolUseID         string          `json:"toolUseId,omitempty"`
	IsError           *bool           `json:"isError,omitempty"`
	Success           *bool           `json:"success,omitempty"`
	Result            string          `json:"result,omitempty"`
	Cost              *float64        `json:"cost,omitempty"`
	Duration          *int64          `json:"duration,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// ErrorFrame builds an error frame. sessionID may be empty when the error
// is not bound to a session.
func ErrorFrame(message, sessionID string) Frame {
	return Frame{Type: FrameError, Error: message, SessionID: sessionID}
}

// Bool returns a pointer to b for optional frame fields.
func Bool(b bool) *bool { return &b }
