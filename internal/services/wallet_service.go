// Package services – WalletService
//
// WalletService reads the wallet projection: the balance derived from
// confirmed transactions in authority order, the settings applied from
// walletUpdate operations, and the transaction list in display order.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

// WalletView is what the presentation layer shows for a wallet.
type WalletView struct {
	WalletID           string          `json:"wallet_id"`
	Label              string          `json:"label,omitempty"`
	SpendingLimit      *string         `json:"spending_limit,omitempty"`
	Balance            decimal.Decimal `json:"balance"`
	Currency           string          `json:"currency,omitempty"`
	ConfirmedCount     int             `json:"confirmed_count"`
	LastAuthorityOrder int64           `json:"last_authority_order"`
	// PendingDelta is the sum of transactions not yet confirmed. It is
	// informational only and never part of Balance.
	PendingDelta decimal.Decimal            `json:"pending_delta"`
	PendingCount int                        `json:"pending_count"`
	FailedCount  int                        `json:"failed_count"`
	Transactions []domain.TransactionRecord `json:"transactions"`
}

// WalletService reads wallet projections.
type WalletService struct {
	DB *gorm.DB
}

// NewWalletService constructs a WalletService.
func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

// View assembles the wallet view. A wallet with no transactions, balance or
// settings yields ErrWalletNotFound.
func (s *WalletService) View(ctx context.Context, walletID string) (*WalletView, error) {
	tr := otel.Tracer("services/WalletService")
	ctx, span := tr.Start(ctx, "View", trace.WithAttributes(attribute.String("wallet.id", walletID)))
	defer span.End()

	v := &WalletView{WalletID: walletID, Transactions: []domain.TransactionRecord{}}
	known := false

	bal, err := repo.GetWalletBalance(ctx, s.DB, walletID)
	switch {
	case err == nil:
		known = true
		v.Balance = bal.Balance
		v.Currency = bal.Currency
		v.ConfirmedCount = bal.ConfirmedCount
		v.LastAuthorityOrder = bal.LastAuthorityOrder
	case !errors.Is(err, repo.ErrNotFound):
		return nil, err
	}

	st, err := repo.GetWalletSettings(ctx, s.DB, walletID)
	if err != nil {
		return nil, err
	}
	if st.AuthorityOrder > 0 {
		known = true
		v.Label = st.Label
		if st.SpendingLimit.Valid {
			l := st.SpendingLimit.Decimal.String()
			v.SpendingLimit = &l
		}
	}

	txs, err := repo.ListWalletTransactions(ctx, s.DB, walletID)
	if err != nil {
		return nil, err
	}
	for _, t := range txs {
		switch {
		case t.Status.IsPending():
			v.PendingDelta = v.PendingDelta.Add(t.Amount)
			v.PendingCount++
		case t.Status == domain.TxFailed:
			v.FailedCount++
		}
		if v.Currency == "" {
			v.Currency = t.Currency
		}
	}
	if len(txs) > 0 {
		known = true
		v.Transactions = txs
	}
	if !known {
		return nil, ErrWalletNotFound
	}
	span.SetAttributes(attribute.Int("wallet.transactions", len(txs)))
	return v, nil
}

// Stats returns the transaction count of a wallet and the latest update
// time across its transactions and settings, for conditional responses.
func (s *WalletService) Stats(ctx context.Context, walletID string) (int64, *time.Time, error) {
	n, latest, err := repo.WalletStats(ctx, s.DB, walletID)
	if err != nil {
		return 0, nil, err
	}
	st, err := repo.GetWalletSettings(ctx, s.DB, walletID)
	if err != nil {
		return 0, nil, err
	}
	if st.AuthorityOrder > 0 && (latest == nil || st.UpdatedAt.After(*latest)) {
		at := st.UpdatedAt
		latest = &at
	}
	return n, latest, nil
}
