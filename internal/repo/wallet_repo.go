// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for derived wallet
// state: balances and settings.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// SaveWalletBalance upserts the whole balance row.
func SaveWalletBalance(ctx context.Context, db *gorm.DB, b *domain.WalletBalance) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(b).Error
}

// GetWalletBalance returns the stored balance of a wallet, or ErrNotFound.
func GetWalletBalance(ctx context.Context, db *gorm.DB, walletID string) (*domain.WalletBalance, error) {
	var b domain.WalletBalance
	if err := db.WithContext(ctx).Where("wallet_id = ?", walletID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// GetWalletSettings returns the stored settings of a wallet. A wallet without
// settings yields a zero row (AuthorityOrder 0) rather than an error.
func GetWalletSettings(ctx context.Context, db *gorm.DB, walletID string) (*domain.WalletSettings, error) {
	var s domain.WalletSettings
	err := db.WithContext(ctx).Where("wallet_id = ?", walletID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.WalletSettings{WalletID: walletID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveWalletSettings upserts the whole settings row.
func SaveWalletSettings(ctx context.Context, db *gorm.DB, s *domain.WalletSettings) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(s).Error
}
