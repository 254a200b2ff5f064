// Package db is the typed repository over the embedded sqlite database.
package db

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ccgate/ccgate/pkg/utils"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// Store wraps the gorm handle with the gateway's query surface. All methods
// are safe for concurrent use; writes are serialized by sqlite's WAL mode
// with a busy timeout.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path with WAL journaling,
// NORMAL synchronous writes and foreign keys enforced, then migrates the
// schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir %s: %w", dir, err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	if err := gdb.AutoMigrate(&Session{}, &Message{}, &Client{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: gdb, logger: utils.GetLogger()}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ========== Sessions ==========

// CreateSession inserts a new session row, active with zero messages.
func (s *Store) CreateSession(id string, createdAt int64, metadata string) (*Session, error) {
	sess := &Session{
		ID:           id,
		CreatedAt:    createdAt,
		LastActivity: createdAt,
		MessageCount: 0,
		IsActive:     true,
		Metadata:     metadata,
	}
	if err := s.db.Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return sess, nil
}

// GetSession returns the session row or ErrSessionNotFound.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	if err := s.db.First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &sess, nil
}

// UpdateSession applies a partial update to a session row.
func (s *Store) UpdateSession(id string, patch SessionPatch) error {
	updates := map[string]interface{}{}
	if patch.EngineSessionID != nil {
		updates["engine_session_id"] = *patch.EngineSessionID
	}
	if patch.LastActivity != nil {
		updates["last_activity"] = *patch.LastActivity
	}
	if patch.MessageCount != nil {
		updates["message_count"] = *patch.MessageCount
	}
	if patch.IsActive != nil {
		updates["is_active"] = *patch.IsActive
	}
	if patch.Metadata != nil {
		updates["metadata"] = *patch.Metadata
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.Model(&Session{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions returns sessions by last activity, newest first.
func (s *Store) ListSessions(limit, offset int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []Session
	if err := s.db.Order("last_activity DESC").Limit(limit).Offset(offset).Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// ListActiveSessions returns sessions with a turn in flight.
func (s *Store) ListActiveSessions() ([]Session, error) {
	var sessions []Session
	if err := s.db.Where("is_active = ?", true).Order("last_activity DESC").Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

// DeleteSession removes the session row and all its messages.
func (s *Store) DeleteSession(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// ========== Messages ==========

// AppendMessage inserts a message and, in the same transaction, bumps the
// parent session's message_count and last_activity. Returns the new row id.
func (s *Store) AppendMessage(m *Message) (int64, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Session").Create(m).Error; err != nil {
			return err
		}
		res := tx.Model(&Session{}).Where("id = ?", m.SessionID).Updates(map[string]interface{}{
			"message_count": gorm.Expr("message_count + 1"),
			"last_activity": m.Timestamp,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append message to %s: %w", m.SessionID, err)
	}
	return m.ID, nil
}

// ListMessages returns a session's messages in chronological order.
func (s *Store) ListMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	var messages []Message
	if err := s.db.Where("session_id = ?", sessionID).
		Order("timestamp ASC, id ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// SearchMessages finds messages whose content contains the substring,
// newest first.
func (s *Store) SearchMessages(query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 50
	}
	var hits []SearchHit
	err := s.db.Model(&Message{}).
		Select("messages.*, sessions.last_activity AS session_last_activity").
		Joins("JOIN sessions ON sessions.id = messages.session_id").
		Where("messages.content LIKE ?", "%"+query+"%").
		Order("messages.timestamp DESC").
		Limit(limit).
		Scan(&hits).Error
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return hits, nil
}

// ========== Aggregates and maintenance ==========

// Stats summarizes the database.
type Stats struct {
	TotalSessions  int64            `json:"totalSessions"`
	ActiveSessions int64            `json:"activeSessions"`
	TotalMessages  int64            `json:"totalMessages"`
	TotalCostUSD   float64          `json:"totalCostUsd"`
	MessagesByType map[string]int64 `json:"messagesByType"`
}

// Stats returns totals, the cost sum over all rows where cost is set, and
// message counts grouped by type.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{MessagesByType: map[string]int64{}}

	if err := s.db.Model(&Session{}).Count(&st.TotalSessions).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&Session{}).Where("is_active = ?", true).Count(&st.ActiveSessions).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&Message{}).Count(&st.TotalMessages).Error; err != nil {
		return nil, err
	}
	if err := s.db.Model(&Message{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("cost IS NOT NULL").
		Scan(&st.TotalCostUSD).Error; err != nil {
		return nil, err
	}

	type typeCount struct {
		Type  string
		Count int64
	}
	var rows []typeCount
	if err := s.db.Model(&Message{}).
		Select("type, COUNT(*) AS count").
		Group("type").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		st.MessagesByType[r.Type] = r.Count
	}

	return st, nil
}

// CleanupOldSessions deletes inactive sessions whose last activity is older
// than the cutoff, cascading to their messages. Returns the number of
// sessions removed.
func (s *Store) CleanupOldSessions(days int) (int64, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()

	var removed int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Session{}).
			Where("is_active = ? AND last_activity < ?", false, cutoff).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("session_id IN ?", ids).Delete(&Message{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&Session{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup old sessions: %w", err)
	}
	return removed, nil
}

// Backup snapshots the database to path using VACUUM INTO.
func (s *Store) Backup(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup dir %s: %w", dir, err)
		}
	}
	if err := s.db.Exec("VACUUM INTO ?", path).Error; err != nil {
		return fmt.Errorf("backup to %s: %w", path, err)
	}
	return nil
}

// ========== Clients ==========

// RegisterClient records a newly attached WebSocket connection.
func (s *Store) RegisterClient(id string, connectedAt int64) error {
	c := &Client{ID: id, ConnectedAt: connectedAt}
	if err := s.db.Create(c).Error; err != nil {
		return fmt.Errorf("register client %s: %w", id, err)
	}
	return nil
}

// SetClientSession records which session a client is subscribed to.
// sessionID may be nil to clear the subscription.
func (s *Store) SetClientSession(id string, sessionID *string) error {
	return s.db.Model(&Client{}).Where("id = ?", id).
		Update("current_session_id", sessionID).Error
}

// MarkClientDisconnected stamps the disconnect time and clears the
// subscription.
func (s *Store) MarkClientDisconnected(id string, disconnectedAt int64) error {
	return s.db.Model(&Client{}).Where("id = ?", id).Updates(map[string]interface{}{
		"disconnected_at":    disconnectedAt,
		"current_session_id": nil,
	}).Error
}
