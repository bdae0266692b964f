package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/authority"
	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

// ErrCurrencyMismatch is returned by RecomputeWallet when the confirmed
// transactions of a wallet do not share one currency.
var ErrCurrencyMismatch = errors.New("wallet has transactions in more than one currency")

// Resolver keeps the chat and wallet projections in step with the queue.
// Every method takes the transaction of the queue mutation it belongs to,
// so the projection and the queue row commit together.
type Resolver struct {
	Now func() time.Time
	Log zerolog.Logger
}

// NewResolver returns a Resolver using the global logger.
func NewResolver() *Resolver {
	return &Resolver{Now: func() time.Time { return time.Now().UTC() }, Log: log.Logger}
}

// MarkTransmitting moves a queued transaction to pending when its item is
// first claimed for transmission.
func (r *Resolver) MarkTransmitting(ctx context.Context, tx *gorm.DB, item *domain.QueueItem) error {
	if item.Kind != domain.KindTransaction {
		return nil
	}
	return tx.WithContext(ctx).
		Model(&domain.TransactionRecord{}).
		Where("id = ? AND status = ?", item.ID, domain.TxQueued).
		Updates(map[string]any{"status": domain.TxPending, "updated_at": r.Now()}).Error
}

// ApplyGate copies the gate flags of a message item onto the message. The
// flags only ever move from false to true.
func (r *Resolver) ApplyGate(ctx context.Context, tx *gorm.DB, item *domain.QueueItem) error {
	if item.Kind != domain.KindMessage {
		return nil
	}
	return repo.MarkMessageGated(ctx, tx, item.ID, item.Encrypted, item.AIValidated)
}

// ApplyConfirmation merges an authority acknowledgment of item.
//
//   - message: the local copy is confirmed by id; a missing copy is created
//     from the payload, never duplicated.
//   - transaction: the record is confirmed with its authority order and the
//     wallet balance is recomputed from all confirmed records.
//   - walletUpdate: applied only when its authority order is newer than the
//     last applied update.
func (r *Resolver) ApplyConfirmation(ctx context.Context, tx *gorm.DB, item *domain.QueueItem, ack authority.Ack) error {
	switch item.Kind {
	case domain.KindMessage:
		return r.confirmMessage(ctx, tx, item, ack.AuthorityOrder)
	case domain.KindTransaction:
		return r.confirmTransaction(ctx, tx, item, ack.AuthorityOrder)
	case domain.KindWalletUpdate:
		return r.applyWalletUpdate(ctx, tx, item, ack.AuthorityOrder)
	}
	return fmt.Errorf("unknown kind %q", item.Kind)
}

// ApplyPoison marks the message or transaction of a poisoned item failed.
// The transaction keeps offline_queued set: its queue item is retained.
func (r *Resolver) ApplyPoison(ctx context.Context, tx *gorm.DB, item *domain.QueueItem, reason string) error {
	switch item.Kind {
	case domain.KindMessage:
		return repo.SetMessageStatus(ctx, tx, item.ID, domain.MessageFailed, reason)
	case domain.KindTransaction:
		_, err := repo.UpdateTransaction(ctx, tx, item.ID, map[string]any{
			"status":         domain.TxFailed,
			"failure_reason": reason,
			"updated_at":     r.Now(),
		})
		return err
	}
	return nil
}

// ApplyResubmit returns the projection of a resubmitted item to its
// not-yet-transmitted state. An edited payload is copied over.
func (r *Resolver) ApplyResubmit(ctx context.Context, tx *gorm.DB, item *domain.QueueItem) error {
	switch item.Kind {
	case domain.KindMessage:
		var p domain.MessagePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return err
		}
		return tx.WithContext(ctx).
			Model(&domain.ChatMessage{}).
			Where("id = ?", item.ID).
			Updates(map[string]any{
				"status":         domain.MessagePending,
				"failure_reason": "",
				"content":        p.Content,
				"updated_at":     r.Now(),
			}).Error
	case domain.KindTransaction:
		var p domain.TransactionPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return err
		}
		_, err := repo.UpdateTransaction(ctx, tx, item.ID, map[string]any{
			"status":         domain.TxQueued,
			"failure_reason": "",
			"amount":         p.Amount,
			"currency":       p.Currency,
			"memo":           p.Memo,
			"offline_queued": true,
		})
		return err
	}
	return nil
}

// ApplyClear runs when a poisoned item is deleted: its transaction no longer
// has a queue item.
func (r *Resolver) ApplyClear(ctx context.Context, tx *gorm.DB, item *domain.QueueItem) error {
	if item.Kind != domain.KindTransaction {
		return nil
	}
	_, err := repo.UpdateTransaction(ctx, tx, item.ID, map[string]any{"offline_queued": false})
	return err
}

func (r *Resolver) confirmMessage(ctx context.Context, tx *gorm.DB, item *domain.QueueItem, order *int64) error {
	now := r.Now()
	n, err := repo.ConfirmMessage(ctx, tx, item.ID, order, now)
	if err != nil {
		return err
	}
	var p domain.MessagePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}
	if n == 0 {
		// No local copy (e.g. the projection was reset): rebuild it by id.
		if _, _, err := repo.EnsureSession(ctx, tx, p.SessionID, "New chat"); err != nil {
			return err
		}
		created := p.CreatedAt
		if created.IsZero() {
			created = item.EnqueuedAt
		}
		m := &domain.ChatMessage{
			ID:             item.ID,
			SessionID:      p.SessionID,
			Sender:         p.Sender,
			Content:        p.Content,
			Seq:            item.Seq,
			Status:         domain.MessageConfirmed,
			Encrypted:      item.Encrypted,
			AIValidated:    item.AIValidated,
			AuthorityOrder: order,
			CreatedAt:      created,
			UpdatedAt:      now,
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			return err
		}
		r.Log.Debug().Str("id", item.ID).Msg("confirmed message had no local copy; recreated")
	}
	if err := repo.MarkMessageGated(ctx, tx, item.ID, item.Encrypted, item.AIValidated); err != nil {
		return err
	}
	return repo.TouchSession(ctx, tx, p.SessionID, now)
}

func (r *Resolver) confirmTransaction(ctx context.Context, tx *gorm.DB, item *domain.QueueItem, order *int64) error {
	var p domain.TransactionPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return fmt.Errorf("decode transaction payload: %w", err)
	}
	now := r.Now()
	n, err := repo.UpdateTransaction(ctx, tx, item.ID, map[string]any{
		"status":          domain.TxConfirmed,
		"authority_order": order,
		"offline_queued":  false,
		"failure_reason":  "",
		"confirmed_at":    now,
		"updated_at":      now,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		rec := &domain.TransactionRecord{
			ID:             item.ID,
			WalletID:       p.WalletID,
			Amount:         p.Amount,
			Currency:       p.Currency,
			Memo:           p.Memo,
			Seq:            item.Seq,
			Status:         domain.TxConfirmed,
			AuthorityOrder: order,
			ConfirmedAt:    &now,
		}
		if err := repo.CreateTransaction(ctx, tx, rec); err != nil && !errors.Is(err, repo.ErrDuplicate) {
			return err
		}
	}
	_, err = r.RecomputeWallet(ctx, tx, p.WalletID)
	return err
}

// RecomputeWallet folds the confirmed transactions of walletID, stores each
// record's running balance and rewrites the wallet balance row. Amounts in
// different currencies are never summed: a mix yields ErrCurrencyMismatch
// and nothing is written.
func (r *Resolver) RecomputeWallet(ctx context.Context, tx *gorm.DB, walletID string) (*domain.WalletBalance, error) {
	recs, err := repo.ListConfirmedTransactions(ctx, tx, walletID)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(recs))
	stored := make(map[string]decimal.NullDecimal, len(recs))
	currency := ""
	for _, rec := range recs {
		var order int64
		if rec.AuthorityOrder != nil {
			order = *rec.AuthorityOrder
		}
		entries = append(entries, Entry{ID: rec.ID, Order: order, Amount: rec.Amount})
		stored[rec.ID] = rec.BalanceAfter
		if len(entries) == 1 {
			currency = rec.Currency
		} else if rec.Currency != currency {
			return nil, fmt.Errorf("%w: wallet %s: %s and %s", ErrCurrencyMismatch, walletID, currency, rec.Currency)
		}
	}

	res := Fold(entries)
	for _, st := range res.Steps {
		if prev := stored[st.ID]; prev.Valid && prev.Decimal.Equal(st.BalanceAfter) {
			continue
		}
		if _, err := repo.UpdateTransaction(ctx, tx, st.ID, map[string]any{
			"balance_after": decimal.NewNullDecimal(st.BalanceAfter),
		}); err != nil {
			return nil, err
		}
	}

	bal := &domain.WalletBalance{
		WalletID:           walletID,
		Balance:            res.Balance,
		Currency:           currency,
		ConfirmedCount:     len(res.Steps),
		LastAuthorityOrder: res.LastOrder,
		UpdatedAt:          r.Now(),
	}
	if err := repo.SaveWalletBalance(ctx, tx, bal); err != nil {
		return nil, err
	}
	return bal, nil
}

func (r *Resolver) applyWalletUpdate(ctx context.Context, tx *gorm.DB, item *domain.QueueItem, order *int64) error {
	var p domain.WalletUpdatePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return fmt.Errorf("decode wallet update payload: %w", err)
	}
	s, err := repo.GetWalletSettings(ctx, tx, p.WalletID)
	if err != nil {
		return err
	}
	if order != nil && *order <= s.AuthorityOrder {
		r.Log.Info().
			Str("id", item.ID).
			Str("wallet", p.WalletID).
			Int64("order", *order).
			Int64("applied_order", s.AuthorityOrder).
			Msg("stale wallet update ignored")
		return nil
	}
	if p.Label != nil {
		s.Label = *p.Label
	}
	if p.SpendingLimit != nil {
		s.SpendingLimit = decimal.NewNullDecimal(*p.SpendingLimit)
	}
	if order != nil {
		s.AuthorityOrder = *order
	}
	s.UpdatedAt = r.Now()
	return repo.SaveWalletSettings(ctx, tx, s)
}
