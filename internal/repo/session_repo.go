// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// ChatSession model.
//
// Error semantics:
//   - When a session is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// EnsureSession inserts a session with the given id and title unless one
// already exists, and returns the stored row. The returned bool reports
// whether the row was created by this call.
func EnsureSession(ctx context.Context, db *gorm.DB, id, title string) (*domain.ChatSession, bool, error) {
	now := time.Now().UTC()
	s := &domain.ChatSession{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(s)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 1 {
		return s, true, nil
	}
	got, err := GetSession(ctx, db, id)
	return got, false, err
}

// GetSession fetches a single session by id, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions, most recently updated first.
func ListSessions(ctx context.Context, db *gorm.DB) ([]domain.ChatSession, error) {
	var out []domain.ChatSession
	err := db.WithContext(ctx).Order("updated_at DESC, id ASC").Find(&out).Error
	return out, err
}

// UpdateSessionTitle sets the title of session id. It returns ErrNotFound
// when no row matched.
func UpdateSessionTitle(ctx context.Context, db *gorm.DB, id, title string) error {
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// TouchSession bumps UpdatedAt so ETags over the session change.
func TouchSession(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", id).
		Update("updated_at", at).Error
}
