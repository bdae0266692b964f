package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestMessagesStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := MessagesStats(context.Background(), db, "s1"); err == nil {
		t.Fatalf("expected error due to missing chat_messages table")
	}
}

func TestMessagesStats_ZeroAndLatest(t *testing.T) {
	db := newTestDB(t, &domain.ChatSession{}, &domain.ChatMessage{})
	ctx := context.Background()

	count, maxAt, err := MessagesStats(ctx, db, "s1")
	if err != nil || count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil, nil), got (%d, %v, %v)", count, maxAt, err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := db.Create(&domain.ChatSession{ID: "s1", Title: "t", CreatedAt: base, UpdatedAt: base}).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	for i, at := range []time.Time{base, base.Add(2 * time.Minute), base.Add(time.Minute)} {
		m := &domain.ChatMessage{
			ID: fmt.Sprintf("m%d", i), SessionID: "s1", Sender: "u", Content: "x",
			Seq: int64(i + 1), Status: domain.MessagePending, CreatedAt: base, UpdatedAt: at,
		}
		if err := db.Create(m).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	count, maxAt, err = MessagesStats(ctx, db, "s1")
	if err != nil || count != 3 || maxAt == nil || !maxAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("unexpected stats (%d, %v, %v)", count, maxAt, err)
	}
}

func TestQueueAndWalletStats(t *testing.T) {
	db := newTestDB(t, &domain.QueueItem{}, &domain.TransactionRecord{})
	ctx := context.Background()
	now := time.Now().UTC()

	if n, at, err := QueueStats(ctx, db); err != nil || n != 0 || at != nil {
		t.Fatalf("empty queue stats: %d %v %v", n, at, err)
	}
	it := &domain.QueueItem{ID: "q1", Seq: 1, Kind: domain.KindTransaction, Target: "w1", Payload: []byte("{}"), Status: domain.StatusPending, EnqueuedAt: now, NextAttemptAt: now}
	if err := db.Create(it).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}
	if n, at, err := QueueStats(ctx, db); err != nil || n != 1 || at == nil {
		t.Fatalf("queue stats: %d %v %v", n, at, err)
	}

	tx := &domain.TransactionRecord{ID: "q1", WalletID: "w1", Amount: decimal.NewFromInt(5), Currency: "EUR", Seq: 1, Status: domain.TxQueued}
	if err := db.Create(tx).Error; err != nil {
		t.Fatalf("seed tx: %v", err)
	}
	if n, at, err := WalletStats(ctx, db, "w1"); err != nil || n != 1 || at == nil {
		t.Fatalf("wallet stats: %d %v %v", n, at, err)
	}
	if n, _, err := WalletStats(ctx, db, "w2"); err != nil || n != 0 {
		t.Fatalf("other wallet stats: %d %v", n, err)
	}
}
