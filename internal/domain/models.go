// Package domain defines the persistence models of the offline sync core: the
// durable queue, the id counter, and the local projections (chat sessions,
// messages, transactions, wallets) that the sync engine reconciles with the
// remote authority. These types are mapped with GORM and shared across the
// repository, queue, engine and HTTP layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a queued operation.
type Kind string

const (
	KindMessage      Kind = "message"
	KindTransaction  Kind = "transaction"
	KindWalletUpdate Kind = "walletUpdate"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindTransaction, KindWalletUpdate:
		return true
	}
	return false
}

// Status is the lifecycle state of a QueueItem.
//
//	pending  -> inFlight            claimed by the engine
//	inFlight -> confirmed           authority acknowledged (accepted or duplicate)
//	inFlight -> failed              transient failure, waiting for backoff
//	failed   -> inFlight            backoff elapsed, claimed again
//	*        -> poisoned            permanent failure or retry ceiling reached
//	inFlight -> pending             recovery after restart or reconnect
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "inFlight"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusPoisoned  Status = "poisoned"
)

// Terminal reports whether no further transition is allowed out of s
// (other than explicit resubmission of a poisoned item).
func (s Status) Terminal() bool { return s == StatusConfirmed || s == StatusPoisoned }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusConfirmed, StatusFailed, StatusPoisoned:
		return true
	}
	return false
}

// QueueItem is a durable record of one logical operation waiting to reach the
// remote authority. Its ID is generated at enqueue time and reused as the
// idempotency key on every transmission attempt.
//
// Fields:
//   - ID: opaque, globally unique id (counter + random part).
//   - Seq: logical enqueue position, strictly increasing per local queue.
//   - Kind/Target: the ordering lane; items sharing both drain in Seq order.
//   - Payload: JSON document as submitted by the enqueuing collaborator.
//   - PayloadVersion/GatedVersion: the validation gate runs once per version.
//   - Sealed: payload after the encryption transform (nil when not sealed).
//   - RetryCount: transient failures so far; kept until confirmed or poisoned.
//   - NextAttemptAt: earliest time the engine may claim the item again.
//   - EnqueuedAt: wall-clock time of creation.
type QueueItem struct {
	ID             string     `json:"id"               gorm:"type:varchar(64);primaryKey"`
	Seq            int64      `json:"seq"              gorm:"not null;uniqueIndex:ux_queue_seq"`
	Kind           Kind       `json:"kind"             gorm:"type:varchar(16);not null;index:idx_queue_lane,priority:1;check:kind IN ('message','transaction','walletUpdate')"`
	Target         string     `json:"target"           gorm:"type:varchar(128);not null;index:idx_queue_lane,priority:2"`
	Payload        []byte     `json:"-"                gorm:"type:blob;not null"`
	PayloadVersion int        `json:"payload_version"  gorm:"not null;default:1"`
	GatedVersion   int        `json:"-"                gorm:"not null;default:0"`
	Sealed         []byte     `json:"-"                gorm:"type:blob"`
	Encrypted      bool       `json:"encrypted"        gorm:"not null;default:false"`
	AIValidated    bool       `json:"ai_validated"     gorm:"not null;default:false"`
	Status         Status     `json:"status"           gorm:"type:varchar(16);not null;index:idx_queue_status_next,priority:1"`
	RetryCount     int        `json:"retry_count"      gorm:"not null;default:0"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"  gorm:"not null;index:idx_queue_status_next,priority:2"`
	LastError      string     `json:"last_error,omitempty" gorm:"type:text"`
	AuthorityOrder *int64     `json:"authority_order,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"      gorm:"not null"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	PoisonedAt     *time.Time `json:"poisoned_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName returns the database table name for QueueItem.
func (QueueItem) TableName() string { return "queue_items" }

// Counter is a named monotonic counter persisted next to the queue. The
// "queue" row backs the logical enqueue clock.
type Counter struct {
	Name  string `gorm:"type:varchar(32);primaryKey"`
	Value int64  `gorm:"not null;default:0"`
}

// TableName returns the database table name for Counter.
func (Counter) TableName() string { return "queue_counters" }

// ChatSession groups chat messages. Sessions are created implicitly by the
// first message enqueued for them.
type ChatSession struct {
	ID        string    `json:"id"         gorm:"type:varchar(64);primaryKey"`
	Title     string    `json:"title"      gorm:"type:varchar(255);not null;default:'New chat'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// MessageStatus is the delivery state of a ChatMessage as shown to the user.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageConfirmed MessageStatus = "confirmed"
	MessageFailed    MessageStatus = "failed"
)

// ChatMessage is the local copy of a message. Its ID equals the id of the
// QueueItem that carries it, so an authority duplicate reconciles by id.
// Content never changes after creation; Encrypted and AIValidated only move
// from false to true.
type ChatMessage struct {
	ID             string        `json:"id"              gorm:"type:varchar(64);primaryKey"`
	SessionID      string        `json:"session_id"      gorm:"type:varchar(64);not null;index:idx_session_msgs,priority:1"`
	Sender         string        `json:"sender"          gorm:"type:varchar(64);not null"`
	Content        string        `json:"content"         gorm:"type:text;not null"`
	Seq            int64         `json:"seq"             gorm:"not null;index:idx_session_msgs,priority:3"`
	Status         MessageStatus `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('pending','confirmed','failed')"`
	Encrypted      bool          `json:"encrypted"       gorm:"not null;default:false"`
	AIValidated    bool          `json:"ai_validated"    gorm:"not null;default:false"`
	AuthorityOrder *int64        `json:"authority_order,omitempty"`
	FailureReason  string        `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt      time.Time     `json:"created_at"      gorm:"index:idx_session_msgs,priority:2"`
	UpdatedAt      time.Time     `json:"updated_at"`

	// Session is the owning conversation. Messages are cascade-deleted with it.
	Session ChatSession `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChatMessage.
func (ChatMessage) TableName() string { return "chat_messages" }

// TxStatus is the one-way state machine of a TransactionRecord. TxQueued is
// the "not yet transmitted" sub-state of pending.
type TxStatus string

const (
	TxQueued    TxStatus = "queued"
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// IsPending reports whether s is pending, including the queued sub-state.
func (s TxStatus) IsPending() bool { return s == TxQueued || s == TxPending }

// TransactionRecord is the local view of a monetary operation on a wallet.
// Only confirmed records contribute to WalletBalance, folded in authority order.
type TransactionRecord struct {
	ID             string              `json:"id"              gorm:"type:varchar(64);primaryKey"`
	WalletID       string              `json:"wallet_id"       gorm:"type:varchar(64);not null;index:idx_wallet_tx,priority:1"`
	Amount         decimal.Decimal     `json:"amount"          gorm:"type:varchar(40);not null"`
	Currency       string              `json:"currency"        gorm:"type:varchar(8);not null"`
	Memo           string              `json:"memo,omitempty"  gorm:"type:varchar(255)"`
	Seq            int64               `json:"seq"             gorm:"not null"`
	Status         TxStatus            `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('queued','pending','confirmed','failed')"`
	OfflineQueued  bool                `json:"offline_queued"  gorm:"not null;default:false"`
	AuthorityOrder *int64              `json:"authority_order,omitempty" gorm:"index:idx_wallet_tx,priority:2"`
	BalanceAfter   decimal.NullDecimal `json:"balance_after"   gorm:"type:varchar(40)"`
	FailureReason  string              `json:"failure_reason,omitempty" gorm:"type:text"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ConfirmedAt    *time.Time          `json:"confirmed_at,omitempty"`
}

// TableName returns the database table name for TransactionRecord.
func (TransactionRecord) TableName() string { return "transactions" }

// WalletBalance is derived state: the fold of confirmed transactions of a
// wallet in authority order. It is rewritten as a whole on every recompute.
type WalletBalance struct {
	WalletID           string          `json:"wallet_id"            gorm:"type:varchar(64);primaryKey"`
	Balance            decimal.Decimal `json:"balance"              gorm:"type:varchar(40);not null"`
	Currency           string          `json:"currency"             gorm:"type:varchar(8)"`
	ConfirmedCount     int             `json:"confirmed_count"      gorm:"not null;default:0"`
	LastAuthorityOrder int64           `json:"last_authority_order" gorm:"not null;default:0"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// TableName returns the database table name for WalletBalance.
func (WalletBalance) TableName() string { return "wallet_balances" }

// WalletSettings holds non-monetary wallet attributes changed through
// walletUpdate operations. AuthorityOrder is the order of the last applied
// update; older updates arriving later are ignored.
type WalletSettings struct {
	WalletID       string              `json:"wallet_id"       gorm:"type:varchar(64);primaryKey"`
	Label          string              `json:"label"           gorm:"type:varchar(255)"`
	SpendingLimit  decimal.NullDecimal `json:"spending_limit"  gorm:"type:varchar(40)"`
	AuthorityOrder int64               `json:"authority_order" gorm:"not null;default:0"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// TableName returns the database table name for WalletSettings.
func (WalletSettings) TableName() string { return "wallet_settings" }
