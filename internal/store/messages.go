package store

import (
	"strings"
	"time"

	"arena/internal/db"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AppendMessage inserts a chat message and bumps the session's
// message_count in the same transaction. Timestamps are assigned here,
// never below the session's current maximum, so history reads back in
// non-decreasing order.
func (s *Store) AppendMessage(sessionID string, instanceID *int, role Role, content string) (db.ChatMessage, error) {
	if !role.Valid() {
		return db.ChatMessage{}, validationf("invalid role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return db.ChatMessage{}, validationf("content is required")
	}
	if len(content) > MaxMessageContent {
		return db.ChatMessage{}, validationf("content exceeds %d bytes", MaxMessageContent)
	}

	row := db.ChatMessage{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		InstanceID: instanceID,
		Role:       string(role),
		Content:    content,
	}
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&db.Session{}).Where("id = ?", sessionID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return notFoundf("session %s", sessionID)
		}
		if instanceID != nil {
			var instCount int64
			if err := tx.Model(&db.Instance{}).
				Where("session_id = ? AND instance_id = ?", sessionID, *instanceID).
				Count(&instCount).Error; err != nil {
				return err
			}
			if instCount == 0 {
				return notFoundf("instance %d in session %s", *instanceID, sessionID)
			}
		}

		var lastTS int64
		if err := tx.Model(&db.ChatMessage{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(timestamp), 0)").
			Scan(&lastTS).Error; err != nil {
			return err
		}
		row.Timestamp = time.Now().UTC().UnixNano()
		if row.Timestamp < lastTS {
			row.Timestamp = lastTS
		}

		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Model(&db.Session{}).Where("id = ?", sessionID).Updates(map[string]any{
			"message_count": gorm.Expr("message_count + 1"),
			"updated_at":    time.Now().UTC().Unix(),
		}).Error
	})
	if err != nil {
		return db.ChatMessage{}, classify(err)
	}
	return row, nil
}

func (s *Store) ListMessages(sessionID string) ([]db.ChatMessage, error) {
	var rows []db.ChatMessage
	err := s.gdb.Where("session_id = ?", sessionID).Order("timestamp ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapIO(err)
	}
	return rows, nil
}

// DeleteMessage removes a message and decrements message_count atomically.
func (s *Store) DeleteMessage(id string) error {
	err := s.gdb.Transaction(func(tx *gorm.DB) error {
		var row db.ChatMessage
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", id).Delete(&db.ChatMessage{}).Error; err != nil {
			return err
		}
		return tx.Model(&db.Session{}).Where("id = ?", row.SessionID).Updates(map[string]any{
			"message_count": gorm.Expr("message_count - 1"),
			"updated_at":    time.Now().UTC().Unix(),
		}).Error
	})
	return classify(err)
}
