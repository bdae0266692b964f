// Package services – OutboxService
//
// OutboxService is the entry point of the presentation layer into the sync
// core. It validates and normalises an operation, writes the local
// projection row (chat message or transaction record) and the queue item in
// one database transaction, and then nudges the sync engine.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// the operation kind and, once known, the queue item id.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/conflict"
	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/queue"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

// Trigger asks the sync engine for a drain.
type Trigger interface {
	Trigger()
}

// OutboxService accepts operations from the presentation layer.
type OutboxService struct {
	Queue    *queue.Queue
	Resolver *conflict.Resolver
	Engine   Trigger // optional
	Titles   Titler

	// MaxContentRunes caps message length; 0 means 4000.
	MaxContentRunes int
	// DefaultSender is used for messages without a sender.
	DefaultSender string

	Now func() time.Time
	Log zerolog.Logger
}

// NewOutboxService returns an OutboxService with default limits.
func NewOutboxService(q *queue.Queue, r *conflict.Resolver, engine Trigger) *OutboxService {
	return &OutboxService{
		Queue:           q,
		Resolver:        r,
		Engine:          engine,
		Titles:          Titler{MaxLen: 60},
		MaxContentRunes: 4000,
		DefaultSender:   "user",
		Now:             func() time.Time { return time.Now().UTC() },
		Log:             log.Logger,
	}
}

// Enqueue stores a new operation of kind and returns its queue item.
func (s *OutboxService) Enqueue(ctx context.Context, kind domain.Kind, payload json.RawMessage) (*domain.QueueItem, error) {
	tr := otel.Tracer("services/OutboxService")
	ctx, span := tr.Start(ctx, "Enqueue", trace.WithAttributes(attribute.String("queue.kind", string(kind))))
	defer span.End()

	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	body, err := s.normalise(kind, payload)
	if err != nil {
		return nil, err
	}

	req := queue.EnqueueRequest{Kind: kind, Payload: body}
	switch kind {
	case domain.KindMessage:
		req.OnCreate = s.createMessage(ctx)
	case domain.KindTransaction:
		req.OnCreate = s.createTransaction(ctx)
	}

	item, err := s.Queue.Enqueue(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidPayload):
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		case errors.Is(err, ErrCurrencyMismatch):
			return nil, errors.Unwrap(err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.String("queue.id", item.ID))
	s.Log.Info().
		Str("id", item.ID).
		Str("kind", string(kind)).
		Str("target", item.Target).
		Int64("seq", item.Seq).
		Msg("operation queued")
	s.trigger()
	return item, nil
}

// Resubmit returns a poisoned item to the queue. A non-empty payload replaces
// the stored one after the same normalisation as Enqueue.
func (s *OutboxService) Resubmit(ctx context.Context, id string, payload json.RawMessage) (*domain.QueueItem, error) {
	tr := otel.Tracer("services/OutboxService")
	ctx, span := tr.Start(ctx, "Resubmit", trace.WithAttributes(attribute.String("queue.id", id)))
	defer span.End()

	var edited []byte
	if len(payload) > 0 && string(payload) != "null" {
		cur, err := s.Queue.Get(ctx, id)
		if err != nil {
			return nil, mapQueueErr(err)
		}
		if edited, err = s.normalise(cur.Kind, payload); err != nil {
			return nil, err
		}
	}
	item, err := s.Queue.Resubmit(ctx, id, edited, func(tx *gorm.DB, it *domain.QueueItem) error {
		if it.Kind == domain.KindTransaction {
			var p domain.TransactionPayload
			if err := json.Unmarshal(it.Payload, &p); err != nil {
				return err
			}
			if err := checkCurrency(ctx, tx, it.ID, p); err != nil {
				return err
			}
		}
		return s.Resolver.ApplyResubmit(ctx, tx, it)
	})
	if err != nil {
		return nil, mapQueueErr(err)
	}
	s.Log.Info().Str("id", id).Int("payload_version", item.PayloadVersion).Msg("poisoned item resubmitted")
	s.trigger()
	return item, nil
}

// Clear deletes a poisoned item.
func (s *OutboxService) Clear(ctx context.Context, id string) error {
	tr := otel.Tracer("services/OutboxService")
	ctx, span := tr.Start(ctx, "Clear", trace.WithAttributes(attribute.String("queue.id", id)))
	defer span.End()

	err := s.Queue.Clear(ctx, id, func(tx *gorm.DB, it *domain.QueueItem) error {
		return s.Resolver.ApplyClear(ctx, tx, it)
	})
	if err != nil {
		return mapQueueErr(err)
	}
	s.Log.Info().Str("id", id).Msg("poisoned item cleared")
	return nil
}

// Get returns one queue item.
func (s *OutboxService) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	it, err := s.Queue.Get(ctx, id)
	if err != nil {
		return nil, mapQueueErr(err)
	}
	return it, nil
}

// List returns a page of queue items and the total matching the filter.
func (s *OutboxService) List(ctx context.Context, f repo.QueueFilter) ([]domain.QueueItem, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return s.Queue.List(ctx, f)
}

// Stats returns item counts by status.
func (s *OutboxService) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	return s.Queue.Stats(ctx)
}

func (s *OutboxService) trigger() {
	if s.Engine != nil {
		s.Engine.Trigger()
	}
}

// normalise decodes payload for kind, checks required fields and returns the
// canonical JSON that is queued and later transmitted.
func (s *OutboxService) normalise(kind domain.Kind, payload json.RawMessage) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrInvalidPayload
	}
	switch kind {
	case domain.KindMessage:
		var p domain.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p.Content = norm.NFC.String(strings.TrimSpace(p.Content))
		if p.Content == "" {
			return nil, ErrEmptyContent
		}
		max := s.MaxContentRunes
		if max <= 0 {
			max = 4000
		}
		if utf8.RuneCountInString(p.Content) > max {
			return nil, ErrTooLong
		}
		p.SessionID = strings.TrimSpace(p.SessionID)
		if p.SessionID == "" {
			p.SessionID = uuid.NewString()
		}
		p.Sender = strings.TrimSpace(p.Sender)
		if p.Sender == "" {
			p.Sender = s.DefaultSender
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.Now()
		}
		return json.Marshal(p)

	case domain.KindTransaction:
		var p domain.TransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p.WalletID = strings.TrimSpace(p.WalletID)
		if p.WalletID == "" {
			return nil, fmt.Errorf("%w: wallet_id is required", ErrInvalidPayload)
		}
		if p.Amount.IsZero() {
			return nil, ErrInvalidAmount
		}
		p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
		p.Memo = norm.NFC.String(strings.TrimSpace(p.Memo))
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.Now()
		}
		return json.Marshal(p)

	case domain.KindWalletUpdate:
		var p domain.WalletUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		p.WalletID = strings.TrimSpace(p.WalletID)
		if p.WalletID == "" {
			return nil, fmt.Errorf("%w: wallet_id is required", ErrInvalidPayload)
		}
		if p.Label == nil && p.SpendingLimit == nil {
			return nil, fmt.Errorf("%w: nothing to update", ErrInvalidPayload)
		}
		if p.Label != nil {
			l := norm.NFC.String(normalizeTitle(*p.Label))
			p.Label = &l
		}
		return json.Marshal(p)
	}
	return nil, ErrInvalidKind
}

// createMessage writes the pending local copy of a message, creating and
// titling its session on first use.
func (s *OutboxService) createMessage(ctx context.Context) queue.TxHook {
	return func(tx *gorm.DB, item *domain.QueueItem) error {
		var p domain.MessagePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return err
		}
		sess, _, err := repo.EnsureSession(ctx, tx, p.SessionID, defaultTitleNew)
		if err != nil {
			return err
		}
		if s.Titles.ShouldAutoTitle(sess.Title) {
			if title := s.Titles.FromContent(p.Content); title != "" {
				if err := repo.UpdateSessionTitle(ctx, tx, sess.ID, title); err != nil {
					return err
				}
			}
		}
		return repo.CreateMessage(ctx, tx, &domain.ChatMessage{
			ID:        item.ID,
			SessionID: p.SessionID,
			Sender:    p.Sender,
			Content:   p.Content,
			Seq:       item.Seq,
			Status:    domain.MessagePending,
			CreatedAt: p.CreatedAt,
			UpdatedAt: item.EnqueuedAt,
		})
	}
}

// createTransaction writes the queued transaction record.
func (s *OutboxService) createTransaction(ctx context.Context) queue.TxHook {
	return func(tx *gorm.DB, item *domain.QueueItem) error {
		var p domain.TransactionPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return err
		}
		if err := checkCurrency(ctx, tx, item.ID, p); err != nil {
			return err
		}
		return repo.CreateTransaction(ctx, tx, &domain.TransactionRecord{
			ID:            item.ID,
			WalletID:      p.WalletID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Memo:          p.Memo,
			Seq:           item.Seq,
			Status:        domain.TxQueued,
			OfflineQueued: true,
			CreatedAt:     p.CreatedAt,
			UpdatedAt:     item.EnqueuedAt,
		})
	}
}

// checkCurrency keeps a wallet single-currency: balances are plain sums.
// It runs inside the enqueue or resubmit transaction, so two writers cannot
// both pass it with different currencies.
func checkCurrency(ctx context.Context, tx *gorm.DB, id string, p domain.TransactionPayload) error {
	cur, ok, err := repo.WalletCurrency(ctx, tx, p.WalletID, id)
	if err != nil {
		return err
	}
	if ok && cur != p.Currency {
		return fmt.Errorf("%w: wallet %s holds %s, got %s", ErrCurrencyMismatch, p.WalletID, cur, p.Currency)
	}
	return nil
}

func mapQueueErr(err error) error {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return ErrItemNotFound
	case errors.Is(err, queue.ErrNotPoisoned):
		return ErrNotPoisoned
	case errors.Is(err, queue.ErrTargetChanged):
		return ErrTargetChanged
	case errors.Is(err, queue.ErrInvalidPayload):
		return ErrInvalidPayload
	}
	return err
}
