// Package ordering stamps queued operations with their identity and decides
// the order in which they may reach the authority.
//
// Every operation gets an id at enqueue time that combines a persisted,
// strictly increasing counter with a random UUID. The id is reused as the
// idempotency key on every transmission attempt. Operations that share a
// kind and a target (a chat session or a wallet) form a lane; lanes drain
// strictly in enqueue order, different lanes may drain concurrently.
package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/repo"
)

// CounterName is the counter row backing the logical enqueue clock.
const CounterName = "queue"

var (
	// ErrUnknownKind is returned for kinds outside message/transaction/walletUpdate.
	ErrUnknownKind = errors.New("unknown operation kind")

	// ErrNoTarget is returned when a payload does not name its session or wallet.
	ErrNoTarget = errors.New("payload has no target")
)

// Generator hands out (seq, id) pairs. The zero value is ready to use.
type Generator struct {
	// Counter overrides CounterName, mainly for tests.
	Counter string
	// Random overrides the random component (uuid.NewString by default).
	Random func() string
}

// Next advances the counter inside tx and returns the new sequence number
// with the id derived from it. Callers must pass an open transaction so the
// counter bump commits or rolls back with the row that uses it.
func (g *Generator) Next(ctx context.Context, tx *gorm.DB) (int64, string, error) {
	name := g.Counter
	if name == "" {
		name = CounterName
	}
	seq, err := repo.NextCounter(ctx, tx, name)
	if err != nil {
		return 0, "", fmt.Errorf("advance counter: %w", err)
	}
	rnd := uuid.NewString
	if g.Random != nil {
		rnd = g.Random
	}
	return seq, FormatID(seq, rnd()), nil
}

// FormatID renders an id as 16 hex digits of seq, a dash, and the random
// part. Ids of one queue therefore sort lexically in enqueue order.
func FormatID(seq int64, random string) string {
	return fmt.Sprintf("%016x-%s", seq, random)
}

// TargetOf extracts the lane target from a payload: the session id of a
// message, the wallet id of a transaction or wallet update.
func TargetOf(kind domain.Kind, payload []byte) (string, error) {
	var probe struct {
		SessionID string `json:"session_id"`
		WalletID  string `json:"wallet_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	var target string
	switch kind {
	case domain.KindMessage:
		target = probe.SessionID
	case domain.KindTransaction, domain.KindWalletUpdate:
		target = probe.WalletID
	default:
		return "", ErrUnknownKind
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ErrNoTarget
	}
	return target, nil
}

// LaneKey names the lane of (kind, target).
func LaneKey(kind domain.Kind, target string) string {
	return string(kind) + "/" + target
}

// Lane is the ordered backlog of one (kind, target) pair.
type Lane struct {
	Key    string
	Kind   domain.Kind
	Target string
	// Items are the non-terminal items of the lane in seq order.
	Items []domain.QueueItem
	// Due reports whether the head may be transmitted now. A head that is
	// inFlight or still waiting for its backoff blocks the whole lane.
	Due bool
	// NextAt is when the head becomes due; zero when Due or inFlight.
	NextAt time.Time
}

// Head returns the first item of the lane.
func (l Lane) Head() domain.QueueItem { return l.Items[0] }

// Plan groups active items into lanes. Items may arrive in any order; each
// lane is sorted by seq and lanes are returned ordered by their head's seq,
// so older backlogs are started first when the concurrency limit bites.
func Plan(items []domain.QueueItem, now time.Time) []Lane {
	byKey := make(map[string]*Lane)
	order := make([]string, 0)
	for _, it := range items {
		if it.Status.Terminal() {
			continue
		}
		k := LaneKey(it.Kind, it.Target)
		l, ok := byKey[k]
		if !ok {
			l = &Lane{Key: k, Kind: it.Kind, Target: it.Target}
			byKey[k] = l
			order = append(order, k)
		}
		l.Items = append(l.Items, it)
	}

	out := make([]Lane, 0, len(order))
	for _, k := range order {
		l := byKey[k]
		sort.Slice(l.Items, func(i, j int) bool { return l.Items[i].Seq < l.Items[j].Seq })
		head := l.Items[0]
		switch {
		case head.Status == domain.StatusInFlight:
		case head.NextAttemptAt.After(now):
			l.NextAt = head.NextAttemptAt
		default:
			l.Due = true
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Head().Seq < out[j].Head().Seq })
	return out
}

// NextWake returns the earliest NextAt among blocked lanes, or zero when no
// lane is waiting for a backoff.
func NextWake(lanes []Lane) time.Time {
	var at time.Time
	for _, l := range lanes {
		if l.NextAt.IsZero() {
			continue
		}
		if at.IsZero() || l.NextAt.Before(at) {
			at = l.NextAt
		}
	}
	return at
}
