package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessagePayload is the payload of a message-kind QueueItem.
type MessagePayload struct {
	SessionID string    `json:"session_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TransactionPayload is the payload of a transaction-kind QueueItem.
// Positive amounts credit the wallet, negative amounts debit it.
type TransactionPayload struct {
	WalletID  string          `json:"wallet_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Memo      string          `json:"memo,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// WalletUpdatePayload is the payload of a walletUpdate-kind QueueItem. Nil
// fields are left unchanged.
type WalletUpdatePayload struct {
	WalletID      string           `json:"wallet_id"`
	Label         *string          `json:"label,omitempty"`
	SpendingLimit *decimal.Decimal `json:"spending_limit,omitempty"`
}
