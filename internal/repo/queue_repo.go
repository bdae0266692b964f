// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for QueueItem rows
// and the monotonic counter used by the logical enqueue clock.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions. They follow the "thin repository"
// approach: no business logic, only persistence and query composition.
// Status transitions are expressed as conditional updates (UpdateQueueItemIf)
// so the caller can tell whether its transition won.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the queue, services and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// activeStatuses are the statuses of items still owed to the authority.
var activeStatuses = []domain.Status{domain.StatusPending, domain.StatusFailed, domain.StatusInFlight}

// QueueFilter narrows ListQueueItems. Zero values mean "no constraint".
type QueueFilter struct {
	Statuses []domain.Status
	Kind     domain.Kind
	Target   string
	Offset   int
	Limit    int
}

// CreateQueueItem inserts item. A clash on id or seq yields ErrDuplicate.
func CreateQueueItem(ctx context.Context, db *gorm.DB, item *domain.QueueItem) error {
	if err := db.WithContext(ctx).Create(item).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetQueueItem fetches a single item by id, or ErrNotFound.
func GetQueueItem(ctx context.Context, db *gorm.DB, id string) (*domain.QueueItem, error) {
	var it domain.QueueItem
	if err := db.WithContext(ctx).Where("id = ?", id).First(&it).Error; err != nil {
		return nil, err
	}
	return &it, nil
}

// ListActiveQueueItems returns every non-terminal item ordered by seq.
func ListActiveQueueItems(ctx context.Context, db *gorm.DB) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	err := db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// ListReadyQueueItems returns pending or failed items whose backoff has
// elapsed at now, oldest-first by seq. limit <= 0 means no limit.
func ListReadyQueueItems(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.QueueItem, error) {
	var out []domain.QueueItem
	q := db.WithContext(ctx).
		Where("status IN ? AND next_attempt_at <= ?", []domain.Status{domain.StatusPending, domain.StatusFailed}, now).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// UpdateQueueItemIf applies updates to item id only while it is still in
// status from. It returns the number of rows changed (0 or 1).
func UpdateQueueItemIf(ctx context.Context, db *gorm.DB, id string, from domain.Status, updates map[string]any) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.QueueItem{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected, res.Error
}

// ResetInFlight moves inFlight items back to pending, except ids listed in
// keep. It returns the ids that were reset.
func ResetInFlight(ctx context.Context, db *gorm.DB, keep []string, now time.Time) ([]string, error) {
	var ids []string
	q := db.WithContext(ctx).Model(&domain.QueueItem{}).Where("status = ?", domain.StatusInFlight)
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	err := db.WithContext(ctx).
		Model(&domain.QueueItem{}).
		Where("id IN ? AND status = ?", ids, domain.StatusInFlight).
		Updates(map[string]any{"status": domain.StatusPending, "updated_at": now}).Error
	return ids, err
}

// ListQueueItems returns a filtered page of items ordered by seq together
// with the total number of matching rows.
func ListQueueItems(ctx context.Context, db *gorm.DB, f QueueFilter) ([]domain.QueueItem, int64, error) {
	q := db.WithContext(ctx).Model(&domain.QueueItem{})
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Target != "" {
		q = q.Where("target = ?", f.Target)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.QueueItem{}, 0, nil
	}

	var out []domain.QueueItem
	q = q.Order("seq ASC").Offset(f.Offset)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	err := q.Find(&out).Error
	return out, total, err
}

// CountQueueByStatus returns the number of items per status. Statuses with
// no rows are absent from the map.
func CountQueueByStatus(ctx context.Context, db *gorm.DB) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.QueueItem{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// DeleteQueueItemIf deletes item id only while it is in status. It returns
// the number of rows removed.
func DeleteQueueItemIf(ctx context.Context, db *gorm.DB, id string, status domain.Status) (int64, error) {
	res := db.WithContext(ctx).
		Where("id = ? AND status = ?", id, status).
		Delete(&domain.QueueItem{})
	return res.RowsAffected, res.Error
}

// DeleteConfirmedBefore removes confirmed items confirmed at or before t.
func DeleteConfirmedBefore(ctx context.Context, db *gorm.DB, t time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("status = ? AND confirmed_at <= ?", domain.StatusConfirmed, t).
		Delete(&domain.QueueItem{})
	return res.RowsAffected, res.Error
}

// NextCounter increments the named counter and returns its new value. It
// must run inside a transaction so that concurrent enqueues never observe
// the same value.
func NextCounter(ctx context.Context, db *gorm.DB, name string) (int64, error) {
	tx := db.WithContext(ctx)
	if err := tx.Exec("INSERT INTO queue_counters (name, value) VALUES (?, 0) ON CONFLICT(name) DO NOTHING", name).Error; err != nil {
		return 0, err
	}
	if err := tx.Exec("UPDATE queue_counters SET value = value + 1 WHERE name = ?", name).Error; err != nil {
		return 0, err
	}
	var v int64
	err := tx.Raw("SELECT value FROM queue_counters WHERE name = ?", name).Scan(&v).Error
	return v, err
}

// CurrentCounter returns the value of the named counter, 0 when unset.
func CurrentCounter(ctx context.Context, db *gorm.DB, name string) (int64, error) {
	var c domain.Counter
	err := db.WithContext(ctx).Where("name = ?", name).Limit(1).Find(&c).Error
	return c.Value, err
}
