// Database model for session messages
package db

// Message types. Subtype refines the type (e.g. "init", "success",
// "error_max_turns", or a tool name).
const (
	MessageTypeUser       = "user"
	MessageTypeAssistant  = "assistant"
	MessageTypeSystem     = "system"
	MessageTypeToolUse    = "tool_use"
	MessageTypeToolResult = "tool_result"
	MessageTypeResult     = "result"
	MessageTypeError      = "error"
)

// Message is one event within a session. Cost and Duration are only set on
// result rows.
type Message struct {
	ID        int64    `json:"id" gorm:"primaryKey;autoIncrement"`
	SessionID string   `json:"session_id" gorm:"index;size:64;not null"`
	Type      string   `json:"type" gorm:"index;size:20;not null"`
	Subtype   string   `json:"subtype,omitempty" gorm:"size:64"`
	Content   string   `json:"content,omitempty" gorm:"type:text"`
	Timestamp int64    `json:"timestamp" gorm:"index"`
	Cost      *float64 `json:"cost,omitempty"`
	Duration  *int64   `json:"duration,omitempty"`
	Metadata  string   `json:"metadata,omitempty" gorm:"type:text"`

	Session Session `json:"-" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

func (Message) TableName() string {
	return "messages"
}

// SearchHit is one row of a content search, carrying the parent session's
// last activity for display.
type SearchHit struct {
	Message
	SessionLastActivity int64 `json:"session_last_activity"`
}
