package domain

import "time"

// Idempotency is the reference authority's memory of an idempotency id it has
// already processed for a device, keyed by (client id, key). A repeated
// submission with the same key inside the TTL window is answered from the
// recorded operation instead of being applied again.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	ClientID    string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_client_key,priority:1"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_client_key,priority:2"`
	OperationID string    `gorm:"type:TEXT NOT NULL"`
	Status      int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// AuthorityOperation is an operation accepted by the reference authority.
// AuthorityOrder is dense and strictly increasing per target; it is the
// position clients fold wallet balances by.
type AuthorityOperation struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	IdempotencyKey string    `json:"idempotency_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_operation_key"`
	Kind           Kind      `json:"kind"            gorm:"type:varchar(16);not null"`
	Target         string    `json:"target"          gorm:"type:varchar(128);not null;uniqueIndex:ux_target_order,priority:1"`
	AuthorityOrder int64     `json:"authority_order" gorm:"not null;uniqueIndex:ux_target_order,priority:2"`
	Payload        []byte    `json:"-"               gorm:"type:blob;not null"`
	Sealed         bool      `json:"sealed"          gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for AuthorityOperation.
func (AuthorityOperation) TableName() string { return "authority_operations" }
