// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// TransactionRecord projection.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// CreateTransaction inserts a new transaction record. A clash on id yields
// ErrDuplicate.
func CreateTransaction(ctx context.Context, db *gorm.DB, t *domain.TransactionRecord) error {
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetTransaction fetches a transaction by id, or ErrNotFound.
func GetTransaction(ctx context.Context, db *gorm.DB, id string) (*domain.TransactionRecord, error) {
	var t domain.TransactionRecord
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListConfirmedTransactions returns the confirmed transactions of a wallet in
// authority order.
func ListConfirmedTransactions(ctx context.Context, db *gorm.DB, walletID string) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	err := db.WithContext(ctx).
		Where("wallet_id = ? AND status = ?", walletID, domain.TxConfirmed).
		Order("authority_order ASC, id ASC").
		Find(&out).Error
	return out, err
}

// WalletCurrency returns the currency of the wallet's earliest transaction
// that has not failed, ignoring exceptID. ok is false when there is none.
func WalletCurrency(ctx context.Context, db *gorm.DB, walletID, exceptID string) (currency string, ok bool, err error) {
	var recs []domain.TransactionRecord
	err = db.WithContext(ctx).
		Select("currency").
		Where("wallet_id = ? AND status <> ? AND id <> ?", walletID, domain.TxFailed, exceptID).
		Order("seq ASC").
		Limit(1).
		Find(&recs).Error
	if err != nil || len(recs) == 0 {
		return "", false, err
	}
	return recs[0].Currency, true, nil
}

// ListWalletTransactions returns every transaction of a wallet in display
// order: confirmed ones by authority order first, then the rest by enqueue
// sequence.
func ListWalletTransactions(ctx context.Context, db *gorm.DB, walletID string) ([]domain.TransactionRecord, error) {
	var out []domain.TransactionRecord
	err := db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("CASE WHEN status = 'confirmed' THEN 0 ELSE 1 END ASC, authority_order ASC, seq ASC").
		Find(&out).Error
	return out, err
}

// UpdateTransaction applies updates to transaction id and returns the number
// of rows changed.
func UpdateTransaction(ctx context.Context, db *gorm.DB, id string, updates map[string]any) (int64, error) {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := db.WithContext(ctx).Model(&domain.TransactionRecord{}).Where("id = ?", id).Updates(updates)
	return res.RowsAffected, res.Error
}
