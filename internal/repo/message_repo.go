// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ChatMessage projection.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// CreateMessage inserts a new message row. A clash on id yields ErrDuplicate.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.ChatMessage) error {
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CountMessages returns the number of messages in a session.
func CountMessages(ctx context.Context, db *gorm.DB, sessionID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ChatMessage{}).Where("session_id = ?", sessionID).Count(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice in display order: CreatedAt
// ascending, ties broken by enqueue sequence.
func ListMessagesPage(ctx context.Context, db *gorm.DB, sessionID string, offset, limit int) ([]domain.ChatMessage, error) {
	var out []domain.ChatMessage
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC, seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// MarkMessageGated sets the gate flags that are true in the arguments. Flags
// never go back to false.
func MarkMessageGated(ctx context.Context, db *gorm.DB, id string, encrypted, aiValidated bool) error {
	updates := map[string]any{}
	if encrypted {
		updates["encrypted"] = true
	}
	if aiValidated {
		updates["ai_validated"] = true
	}
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = time.Now().UTC()
	return db.WithContext(ctx).Model(&domain.ChatMessage{}).Where("id = ?", id).Updates(updates).Error
}

// ConfirmMessage marks message id confirmed with the authority order. It
// returns the number of rows changed so callers can detect a missing local
// copy.
func ConfirmMessage(ctx context.Context, db *gorm.DB, id string, order *int64, at time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          domain.MessageConfirmed,
			"authority_order": order,
			"failure_reason":  "",
			"updated_at":      at,
		})
	return res.RowsAffected, res.Error
}

// SetMessageStatus moves a message to status with an optional reason.
func SetMessageStatus(ctx context.Context, db *gorm.DB, id string, status domain.MessageStatus, reason string) error {
	return db.WithContext(ctx).
		Model(&domain.ChatMessage{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "failure_reason": reason, "updated_at": time.Now().UTC()}).Error
}
