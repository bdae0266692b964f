// Package queue is the durable local queue of operations owed to the remote
// authority. It is the only component that writes queue_items rows.
//
// Status changes are conditional: each transition names the statuses it may
// leave from and is applied under a per-id lock inside a database
// transaction. A caller that finds the item already in a terminal state (or
// already in the requested state) gets a Result with Applied=false instead of
// an error, so two racing callers can never both win with conflicting
// outcomes. Optional TxHooks run in the same transaction, which lets
// projections (messages, transactions) change atomically with the item.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/observability"
	"github.com/tbourn/go-offline-sync/internal/ordering"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

// TxHook runs inside the transaction of a queue mutation with the item as it
// will be committed. Returning an error rolls the mutation back.
type TxHook func(tx *gorm.DB, item *domain.QueueItem) error

// Observer is notified after a committed mutation. from is empty for newly
// enqueued items; item.Status is the status after the change. Deleted items
// are reported with their last stored state.
type Observer func(item domain.QueueItem, from domain.Status)

// Result describes the outcome of a conditional transition.
type Result struct {
	// Applied is true when this call performed the transition.
	Applied bool
	// From is the status observed before the call.
	From domain.Status
	// Item is the stored item after the call.
	Item *domain.QueueItem
}

// NoOp reports whether the call left the item unchanged.
func (r Result) NoOp() bool { return !r.Applied }

// EnqueueRequest describes a new operation.
type EnqueueRequest struct {
	Kind    domain.Kind
	Target  string // derived from the payload when empty
	Payload []byte
	// OnCreate runs in the enqueue transaction after the row is written.
	OnCreate TxHook
}

// Prepared is the outcome of the validation gate for one payload version.
type Prepared struct {
	AIValidated bool
	Encrypted   bool
	Sealed      []byte
}

// Queue is the durable queue. Construct it with New.
type Queue struct {
	db    *gorm.DB
	gen   *ordering.Generator
	locks *keyedMutex

	// Now is the clock; defaults to time.Now in UTC.
	Now func() time.Time
	// Observer, when set, receives committed mutations.
	Observer Observer
	Log      zerolog.Logger
}

// New returns a Queue over db. gen may be nil for the default generator.
func New(db *gorm.DB, gen *ordering.Generator) *Queue {
	if gen == nil {
		gen = &ordering.Generator{}
	}
	return &Queue{
		db:    db,
		gen:   gen,
		locks: newKeyedMutex(),
		Now:   func() time.Time { return time.Now().UTC() },
		Log:   log.Logger,
	}
}

// DB exposes the underlying handle for read-side queries in the same store.
func (q *Queue) DB() *gorm.DB { return q.db }

// Enqueue stamps and stores a new pending item.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.QueueItem, error) {
	tr := otel.Tracer("queue/Queue")
	ctx, span := tr.Start(ctx, "Enqueue", trace.WithAttributes(attribute.String("queue.kind", string(req.Kind))))
	defer span.End()

	if !req.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if len(bytes.TrimSpace(req.Payload)) == 0 || !json.Valid(req.Payload) {
		return nil, ErrInvalidPayload
	}
	target := req.Target
	if target == "" {
		t, err := ordering.TargetOf(req.Kind, req.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		target = t
	}

	now := q.Now()
	var item *domain.QueueItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, id, err := q.gen.Next(ctx, tx)
		if err != nil {
			return err
		}
		item = &domain.QueueItem{
			ID:             id,
			Seq:            seq,
			Kind:           req.Kind,
			Target:         target,
			Payload:        req.Payload,
			PayloadVersion: 1,
			Status:         domain.StatusPending,
			NextAttemptAt:  now,
			EnqueuedAt:     now,
			UpdatedAt:      now,
		}
		if err := repo.CreateQueueItem(ctx, tx, item); err != nil {
			return err
		}
		if req.OnCreate != nil {
			return req.OnCreate(tx, item)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	span.SetAttributes(attribute.String("queue.id", item.ID), attribute.Int64("queue.seq", item.Seq))

	observability.QueueTransitions.WithLabelValues(string(item.Kind), string(domain.StatusPending)).Inc()
	q.Log.Debug().Str("id", item.ID).Str("kind", string(item.Kind)).Str("target", target).Int64("seq", item.Seq).Msg("enqueued")
	q.notify(*item, "")
	return item, nil
}

// PeekReady returns pending or failed items whose backoff has elapsed at
// now, oldest first by enqueue sequence.
func (q *Queue) PeekReady(ctx context.Context, now time.Time) ([]domain.QueueItem, error) {
	return repo.ListReadyQueueItems(ctx, q.db, now, 0)
}

// Active returns all non-terminal items in enqueue order.
func (q *Queue) Active(ctx context.Context) ([]domain.QueueItem, error) {
	return repo.ListActiveQueueItems(ctx, q.db)
}

// MarkInFlight claims a pending or failed item for transmission.
func (q *Queue) MarkInFlight(ctx context.Context, id string, hooks ...TxHook) (Result, error) {
	return q.transition(ctx, id, []domain.Status{domain.StatusPending, domain.StatusFailed}, domain.StatusInFlight, nil, hooks)
}

// MarkConfirmed records an authority acknowledgment. order is the position
// the authority assigned, if any.
func (q *Queue) MarkConfirmed(ctx context.Context, id string, order *int64, hooks ...TxHook) (Result, error) {
	now := q.Now()
	return q.transition(ctx, id,
		[]domain.Status{domain.StatusPending, domain.StatusInFlight, domain.StatusFailed},
		domain.StatusConfirmed,
		map[string]any{"authority_order": order, "confirmed_at": now, "last_error": ""},
		hooks)
}

// MarkFailed records a transient failure of an in-flight item: the retry
// count is incremented and the item waits until nextAttempt.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause string, nextAttempt time.Time, hooks ...TxHook) (Result, error) {
	return q.transition(ctx, id,
		[]domain.Status{domain.StatusInFlight},
		domain.StatusFailed,
		map[string]any{"retry_count": gorm.Expr("retry_count + 1"), "next_attempt_at": nextAttempt, "last_error": cause},
		hooks)
}

// MarkPoisoned removes an item from the active set, keeping it for
// inspection until it is cleared or resubmitted.
func (q *Queue) MarkPoisoned(ctx context.Context, id string, reason string, hooks ...TxHook) (Result, error) {
	now := q.Now()
	return q.transition(ctx, id,
		[]domain.Status{domain.StatusPending, domain.StatusInFlight, domain.StatusFailed},
		domain.StatusPoisoned,
		map[string]any{"poisoned_at": now, "last_error": reason},
		hooks)
}

// Release returns an inFlight item to pending without spending a retry, for
// when the engine could not record the outcome of its transmission. The item
// becomes due at nextAttempt.
func (q *Queue) Release(ctx context.Context, id string, cause string, nextAttempt time.Time) (Result, error) {
	return q.transition(ctx, id,
		[]domain.Status{domain.StatusInFlight},
		domain.StatusPending,
		map[string]any{"next_attempt_at": nextAttempt, "last_error": cause},
		nil)
}

// MarkPrepared stores the validation gate outcome for payload version. It is
// a no-op when the item has moved on to another version or is terminal.
func (q *Queue) MarkPrepared(ctx context.Context, id string, version int, p Prepared, hooks ...TxHook) (Result, error) {
	unlock := q.locks.Lock(id)
	defer unlock()

	var res Result
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		res.From, res.Item = cur.Status, cur
		if cur.Status.Terminal() || cur.PayloadVersion != version {
			return nil
		}
		n, err := repo.UpdateQueueItemIf(ctx, tx, id, cur.Status, map[string]any{
			"gated_version": version,
			"sealed":        p.Sealed,
			"encrypted":     p.Encrypted,
			"ai_validated":  p.AIValidated,
			"updated_at":    q.Now(),
		})
		if err != nil || n == 0 {
			return err
		}
		return q.finish(ctx, tx, id, hooks, &res)
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// Recover moves inFlight items back to pending. Items for which keep returns
// true (transmissions still running in this process) are left alone. It
// returns the number of items reset.
func (q *Queue) Recover(ctx context.Context, keep func(id string) bool) (int, error) {
	inflight, _, err := repo.ListQueueItems(ctx, q.db, repo.QueueFilter{Statuses: []domain.Status{domain.StatusInFlight}})
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	byID := make(map[string]domain.QueueItem, len(inflight))
	var kept []string
	for _, it := range inflight {
		if keep != nil && keep(it.ID) {
			kept = append(kept, it.ID)
			continue
		}
		byID[it.ID] = it
	}
	if len(byID) == 0 {
		return 0, nil
	}

	ids, err := repo.ResetInFlight(ctx, q.db, kept, q.Now())
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}
	for _, id := range ids {
		it, ok := byID[id]
		if !ok {
			continue
		}
		it.Status = domain.StatusPending
		observability.QueueTransitions.WithLabelValues(string(it.Kind), string(domain.StatusPending)).Inc()
		q.notify(it, domain.StatusInFlight)
	}
	if len(ids) > 0 {
		q.Log.Info().Int("count", len(ids)).Msg("in-flight items reset to pending")
	}
	return len(ids), nil
}

// Resubmit returns a poisoned item to the pending set with a fresh retry
// budget and the same id. A non-nil payload that differs from the stored one
// replaces it and bumps the payload version, so the validation gate runs
// again.
func (q *Queue) Resubmit(ctx context.Context, id string, payload []byte, hooks ...TxHook) (*domain.QueueItem, error) {
	unlock := q.locks.Lock(id)
	defer unlock()

	var res Result
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusPoisoned {
			return ErrNotPoisoned
		}
		res.From = cur.Status

		now := q.Now()
		updates := map[string]any{
			"status":          domain.StatusPending,
			"retry_count":     0,
			"next_attempt_at": now,
			"last_error":      "",
			"poisoned_at":     nil,
			"updated_at":      now,
		}
		if payload != nil && !bytes.Equal(payload, cur.Payload) {
			if len(bytes.TrimSpace(payload)) == 0 || !json.Valid(payload) {
				return ErrInvalidPayload
			}
			target, err := ordering.TargetOf(cur.Kind, payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
			if target != cur.Target {
				return ErrTargetChanged
			}
			updates["payload"] = payload
			updates["payload_version"] = cur.PayloadVersion + 1
			updates["sealed"] = nil
			updates["encrypted"] = false
			updates["ai_validated"] = false
		}
		n, err := repo.UpdateQueueItemIf(ctx, tx, id, domain.StatusPoisoned, updates)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotPoisoned
		}
		return q.finish(ctx, tx, id, hooks, &res)
	})
	if err != nil {
		return nil, err
	}
	q.applied(res)
	return res.Item, nil
}

// Clear deletes a poisoned item. Hooks run before the row is removed.
func (q *Queue) Clear(ctx context.Context, id string, hooks ...TxHook) error {
	unlock := q.locks.Lock(id)
	defer unlock()

	var gone *domain.QueueItem
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur.Status != domain.StatusPoisoned {
			return ErrNotPoisoned
		}
		for _, h := range hooks {
			if err := h(tx, cur); err != nil {
				return err
			}
		}
		n, err := repo.DeleteQueueItemIf(ctx, tx, id, domain.StatusPoisoned)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotPoisoned
		}
		gone = cur
		return nil
	})
	if err != nil {
		return err
	}
	q.Log.Info().Str("id", id).Msg("poisoned item cleared")
	q.notify(*gone, domain.StatusPoisoned)
	return nil
}

// Prune deletes confirmed items confirmed at or before olderThan.
func (q *Queue) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return repo.DeleteConfirmedBefore(ctx, q.db, olderThan)
}

// Get returns a single item.
func (q *Queue) Get(ctx context.Context, id string) (*domain.QueueItem, error) {
	it, err := repo.GetQueueItem(ctx, q.db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return it, err
}

// List returns a filtered page of items and the total match count.
func (q *Queue) List(ctx context.Context, f repo.QueueFilter) ([]domain.QueueItem, int64, error) {
	return repo.ListQueueItems(ctx, q.db, f)
}

// Stats returns item counts by status.
func (q *Queue) Stats(ctx context.Context) (map[domain.Status]int64, error) {
	return repo.CountQueueByStatus(ctx, q.db)
}

// transition applies a status change from one of the allowed statuses.
func (q *Queue) transition(ctx context.Context, id string, from []domain.Status, to domain.Status, extra map[string]any, hooks []TxHook) (Result, error) {
	unlock := q.locks.Lock(id)
	defer unlock()

	var res Result
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		res.From, res.Item = cur.Status, cur
		if !contains(from, cur.Status) {
			if cur.Status.Terminal() || cur.Status == to {
				return nil
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}

		updates := map[string]any{"status": to, "updated_at": q.Now()}
		for k, v := range extra {
			updates[k] = v
		}
		n, err := repo.UpdateQueueItemIf(ctx, tx, id, cur.Status, updates)
		if err != nil || n == 0 {
			return err
		}
		return q.finish(ctx, tx, id, hooks, &res)
	})
	if err != nil {
		return Result{}, err
	}
	q.applied(res)
	return res, nil
}

// finish reloads the item inside tx, runs hooks and marks res applied.
func (q *Queue) finish(ctx context.Context, tx *gorm.DB, id string, hooks []TxHook, res *Result) error {
	it, err := repo.GetQueueItem(ctx, tx, id)
	if err != nil {
		return err
	}
	for _, h := range hooks {
		if err := h(tx, it); err != nil {
			return err
		}
	}
	res.Applied = true
	res.Item = it
	return nil
}

func (q *Queue) applied(res Result) {
	if !res.Applied || res.Item == nil || res.Item.Status == res.From {
		return
	}
	observability.QueueTransitions.WithLabelValues(string(res.Item.Kind), string(res.Item.Status)).Inc()
	q.notify(*res.Item, res.From)
}

func (q *Queue) load(ctx context.Context, tx *gorm.DB, id string) (*domain.QueueItem, error) {
	it, err := repo.GetQueueItem(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return it, err
}

func (q *Queue) notify(it domain.QueueItem, from domain.Status) {
	if q.Observer != nil {
		q.Observer(it, from)
	}
}

func contains(set []domain.Status, s domain.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
