// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the reference authority's operation
// ledger: every accepted operation gets the next authority order of its
// target.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// AppendOperation records an accepted operation and assigns it the next
// authority order for its target. It must run inside a transaction. A second
// operation with the same idempotency key yields ErrDuplicate.
func AppendOperation(ctx context.Context, db *gorm.DB, key string, kind domain.Kind, target string, payload []byte, sealed bool) (*domain.AuthorityOperation, error) {
	var last int64
	err := db.WithContext(ctx).
		Model(&domain.AuthorityOperation{}).
		Where("target = ?", target).
		Select("COALESCE(MAX(authority_order), 0)").
		Scan(&last).Error
	if err != nil {
		return nil, err
	}
	op := &domain.AuthorityOperation{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Kind:           kind,
		Target:         target,
		AuthorityOrder: last + 1,
		Payload:        payload,
		Sealed:         sealed,
		CreatedAt:      time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(op).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return op, nil
}

// GetOperation fetches an operation by id, or ErrNotFound.
func GetOperation(ctx context.Context, db *gorm.DB, id string) (*domain.AuthorityOperation, error) {
	var op domain.AuthorityOperation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}

// GetOperationByKey fetches the operation recorded for an idempotency key.
func GetOperationByKey(ctx context.Context, db *gorm.DB, key string) (*domain.AuthorityOperation, error) {
	var op domain.AuthorityOperation
	if err := db.WithContext(ctx).Where("idempotency_key = ?", key).First(&op).Error; err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperations returns the operations of a target in authority order.
func ListOperations(ctx context.Context, db *gorm.DB, target string, offset, limit int) ([]domain.AuthorityOperation, error) {
	var out []domain.AuthorityOperation
	q := db.WithContext(ctx).Where("target = ?", target).Order("authority_order ASC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
