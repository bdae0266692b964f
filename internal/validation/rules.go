package validation

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/tbourn/go-offline-sync/internal/domain"
)

var currencyRE = regexp.MustCompile(`^[A-Z]{3}$`)

// StructureValidator checks the shape of a payload: required fields, text
// encoding, amount precision and the currency code. It applies no content
// policy, and the gate runs it even when content validation is skipped.
type StructureValidator struct {
	AmountPlaces int32 // default 2
}

// Validate implements Validator.
func (v StructureValidator) Validate(_ context.Context, kind domain.Kind, payload []byte) error {
	p, err := decode(kind, payload)
	if err != nil {
		return err
	}
	return v.check(p)
}

func (v StructureValidator) check(p any) error {
	switch p := p.(type) {
	case domain.MessagePayload:
		return v.message(p)
	case domain.TransactionPayload:
		return v.transaction(p)
	case domain.WalletUpdatePayload:
		return v.walletUpdate(p)
	}
	return nil
}

func (v StructureValidator) message(p domain.MessagePayload) error {
	if strings.TrimSpace(p.SessionID) == "" {
		return Reject("session_id is required")
	}
	if strings.TrimSpace(p.Sender) == "" {
		return Reject("sender is required")
	}
	content := strings.TrimSpace(p.Content)
	if content == "" {
		return Reject("content is empty")
	}
	if !utf8.ValidString(content) {
		return Reject("content is not valid UTF-8")
	}
	if !norm.NFC.IsNormalString(content) {
		return Reject("content is not NFC normalized")
	}
	for _, r := range content {
		if unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r' {
			return Reject("content contains control characters")
		}
	}
	return nil
}

func (v StructureValidator) transaction(p domain.TransactionPayload) error {
	if strings.TrimSpace(p.WalletID) == "" {
		return Reject("wallet_id is required")
	}
	if p.Amount.IsZero() {
		return Reject("amount must be non-zero")
	}
	places := v.AmountPlaces
	if places <= 0 {
		places = 2
	}
	if !p.Amount.Equal(p.Amount.Round(places)) {
		return Reject("amount has more than %d decimal places", places)
	}
	if !currencyRE.MatchString(p.Currency) {
		return Reject("currency must be a 3-letter ISO code")
	}
	return nil
}

func (v StructureValidator) walletUpdate(p domain.WalletUpdatePayload) error {
	if strings.TrimSpace(p.WalletID) == "" {
		return Reject("wallet_id is required")
	}
	if p.Label == nil && p.SpendingLimit == nil {
		return Reject("wallet update changes nothing")
	}
	if p.SpendingLimit != nil && p.SpendingLimit.IsNegative() {
		return Reject("spending_limit must not be negative")
	}
	return nil
}

// RuleValidator is the built-in content validator: the structural checks
// plus size and amount limits per kind. It does not call out to any model.
type RuleValidator struct {
	MaxContentRunes int             // default 4000
	MaxLabelRunes   int             // default 64
	MaxAmount       decimal.Decimal // zero means unlimited
	AmountPlaces    int32           // default 2
}

// Validate implements Validator.
func (v RuleValidator) Validate(_ context.Context, kind domain.Kind, payload []byte) error {
	p, err := decode(kind, payload)
	if err != nil {
		return err
	}
	if err := (StructureValidator{AmountPlaces: v.AmountPlaces}).check(p); err != nil {
		return err
	}
	switch p := p.(type) {
	case domain.MessagePayload:
		max := v.MaxContentRunes
		if max <= 0 {
			max = 4000
		}
		if utf8.RuneCountInString(strings.TrimSpace(p.Content)) > max {
			return Reject("content exceeds %d characters", max)
		}
	case domain.TransactionPayload:
		if !v.MaxAmount.IsZero() && p.Amount.Abs().GreaterThan(v.MaxAmount) {
			return Reject("amount exceeds %s", v.MaxAmount.String())
		}
	case domain.WalletUpdatePayload:
		max := v.MaxLabelRunes
		if max <= 0 {
			max = 64
		}
		if p.Label != nil && utf8.RuneCountInString(*p.Label) > max {
			return Reject("label exceeds %d characters", max)
		}
	}
	return nil
}

// decode unmarshals payload into the payload type of kind.
func decode(kind domain.Kind, payload []byte) (any, error) {
	switch kind {
	case domain.KindMessage:
		var p domain.MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, Reject("malformed message payload: %v", err)
		}
		return p, nil
	case domain.KindTransaction:
		var p domain.TransactionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, Reject("malformed transaction payload: %v", err)
		}
		return p, nil
	case domain.KindWalletUpdate:
		var p domain.WalletUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, Reject("malformed wallet update payload: %v", err)
		}
		return p, nil
	}
	return nil, Reject("unknown kind %q", kind)
}
