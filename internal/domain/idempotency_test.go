package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_Migration_UniqueClientKey(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if !db.Migrator().HasIndex(&Idempotency{}, "ux_client_key") {
		t.Fatalf("expected unique index ux_client_key")
	}

	now := time.Now().UTC()
	rec := &Idempotency{ID: "i1", ClientID: "till-1", Key: "k1", OperationID: "op1", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := db.Create(rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := *rec
	dup.ID = "i2"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation on (client_id, key)")
	}
	other := *rec
	other.ID, other.ClientID = "i3", "till-2"
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("the same key from another device should be allowed: %v", err)
	}
}

func TestAuthorityOperation_UniqueOrderPerTarget(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&AuthorityOperation{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	op := &AuthorityOperation{ID: "o1", IdempotencyKey: "k1", Kind: KindTransaction, Target: "w1", AuthorityOrder: 1, Payload: []byte("{}")}
	if err := db.Create(op).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	clash := &AuthorityOperation{ID: "o2", IdempotencyKey: "k2", Kind: KindTransaction, Target: "w1", AuthorityOrder: 1, Payload: []byte("{}")}
	if err := db.Create(clash).Error; err == nil {
		t.Fatalf("expected unique violation on (target, authority_order)")
	}
}
