// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// countAndLatest runs the shared "COUNT + latest updated_at" pair over q.
// When q matches no rows, the count is 0 and maxUpdatedAt is nil.
func countAndLatest(q *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// MessagesStats returns the number of messages in a session and the maximum
// UpdatedAt among them.
func MessagesStats(ctx context.Context, db *gorm.DB, sessionID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return countAndLatest(db.WithContext(ctx).Model(&domain.ChatMessage{}).Where("session_id = ?", sessionID))
}

// QueueStats returns the number of queue items and the maximum UpdatedAt
// among them. It changes whenever any item transitions.
func QueueStats(ctx context.Context, db *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	return countAndLatest(db.WithContext(ctx).Model(&domain.QueueItem{}))
}

// WalletStats returns the number of transactions of a wallet and the maximum
// UpdatedAt among them.
func WalletStats(ctx context.Context, db *gorm.DB, walletID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return countAndLatest(db.WithContext(ctx).Model(&domain.TransactionRecord{}).Where("wallet_id = ?", walletID))
}
