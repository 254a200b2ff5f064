// Database model for attached WebSocket clients
package db

// Client records one WebSocket connection. DisconnectedAt is nil while the
// client is attached; CurrentSessionID names the at-most-one session the
// client is subscribed to.
type Client struct {
	ID               string  `json:"id" gorm:"primaryKey;size:64"`
	ConnectedAt      int64   `json:"connected_at"`
	DisconnectedAt   *int64  `json:"disconnected_at,omitempty"`
	CurrentSessionID *string `json:"current_session_id,omitempty" gorm:"size:64"`
}

func (Client) TableName() string {
	return "clients"
}
