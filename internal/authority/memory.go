package authority

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnreachable is returned by Memory while it is marked down.
var ErrUnreachable = errors.New("authority unreachable")

// Recorded is an operation the Memory authority accepted.
type Recorded struct {
	Submission
	Order int64
	At    time.Time
}

// Memory is an in-process authority. It deduplicates by idempotency id and
// assigns a dense order per target. Hooks let tests script failures,
// rejections and reordering.
type Memory struct {
	// Fail, when set, is consulted before anything else; a non-nil error
	// fails the attempt. attempt counts from 1 per idempotency id. It is
	// called without the internal lock held and may block.
	Fail func(s Submission, attempt int) error
	// Reject, when set, returns a non-empty reason to reject a submission.
	Reject func(s Submission) string
	// OrderFor, when set, picks the order for a new operation given the
	// next dense order of its target.
	OrderFor func(s Submission, next int64) int64

	mu       sync.Mutex
	down     bool
	byID     map[string]Recorded
	last     map[string]int64
	arrivals []Recorded
	attempts map[string]int
}

// NewMemory returns an empty, reachable authority.
func NewMemory() *Memory {
	return &Memory{
		byID:     make(map[string]Recorded),
		last:     make(map[string]int64),
		attempts: make(map[string]int),
	}
}

// SetDown makes Submit and Ping fail with ErrUnreachable while down is true.
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	m.down = down
	m.mu.Unlock()
}

// Submit implements Submitter.
func (m *Memory) Submit(ctx context.Context, s Submission) (Ack, error) {
	if err := ctx.Err(); err != nil {
		return Ack{}, err
	}
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return Ack{}, &Error{Class: Transient, Err: ErrUnreachable}
	}
	m.attempts[s.IdempotencyID]++
	attempt := m.attempts[s.IdempotencyID]
	m.mu.Unlock()

	// Fail may block; concurrent submissions overlap while it does.
	if m.Fail != nil {
		if err := m.Fail(s, attempt); err != nil {
			return Ack{}, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byID[s.IdempotencyID]; ok {
		order := rec.Order
		return Ack{Status: StatusDuplicate, AuthorityOrder: &order}, nil
	}
	if m.Reject != nil {
		if reason := m.Reject(s); reason != "" {
			return Ack{Status: StatusRejected, Reason: reason}, Rejected(reason)
		}
	}

	next := m.last[s.Target] + 1
	order := next
	if m.OrderFor != nil {
		order = m.OrderFor(s, next)
	}
	if order > m.last[s.Target] {
		m.last[s.Target] = order
	}
	rec := Recorded{Submission: s, Order: order, At: time.Now().UTC()}
	m.byID[s.IdempotencyID] = rec
	m.arrivals = append(m.arrivals, rec)
	return Ack{Status: StatusAccepted, AuthorityOrder: &order}, nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnreachable
	}
	return ctx.Err()
}

// Arrivals returns accepted operations in the order they were accepted.
func (m *Memory) Arrivals() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Recorded(nil), m.arrivals...)
}

// Operations returns the accepted operations of target in authority order.
func (m *Memory) Operations(target string) []Recorded {
	m.mu.Lock()
	var out []Recorded
	for _, r := range m.arrivals {
		if r.Target == target {
			out = append(out, r)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Attempts returns how many times id was submitted.
func (m *Memory) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}
