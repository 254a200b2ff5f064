// Database model for conversation sessions
package db

// Session is the durable record of one conversation. Timestamps are epoch
// milliseconds.
type Session struct {
	ID              string `json:"id" gorm:"primaryKey;size:64"`
	EngineSessionID string `json:"engine_session_id,omitempty" gorm:"size:64"`
	CreatedAt       int64  `json:"created_at"`
	LastActivity    int64  `json:"last_activity" gorm:"index"`
	MessageCount    int64  `json:"message_count"`
	IsActive        bool   `json:"is_active" gorm:"index"`
	Metadata        string `json:"metadata,omitempty" gorm:"type:text"`
}

func (Session) TableName() string {
	return "sessions"
}

// SessionPatch is a partial update of a session row. Nil fields are left
// untouched.
type SessionPatch struct {
	EngineSessionID *string
	LastActivity    *int64
	MessageCount    *int64
	IsActive        *bool
	Metadata        *string
}
