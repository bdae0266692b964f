package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/authority"
	"github.com/tbourn/go-offline-sync/internal/config"
	"github.com/tbourn/go-offline-sync/internal/conflict"
	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/projection"
	"github.com/tbourn/go-offline-sync/internal/queue"
	"github.com/tbourn/go-offline-sync/internal/repo"
	"github.com/tbourn/go-offline-sync/internal/validation"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db    *gorm.DB
	q     *queue.Queue
	mem   *authority.Memory
	eng   *Engine
	clock *clock
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		MaxRetries:       3,
		BaseDelay:        time.Second,
		MaxDelay:         time.Minute,
		Jitter:           0,
		ConcurrencyLimit: 2,
		AttemptTimeout:   time.Second,
		DrainInterval:    time.Hour,
	}
}

func openDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T, db *gorm.DB, mem *authority.Memory, gate *validation.Gate, cfg config.SyncConfig) *fixture {
	t.Helper()
	if db == nil {
		db = openDB(t, filepath.Join(t.TempDir(), "sync.db"))
	}
	if mem == nil {
		mem = authority.NewMemory()
	}
	c := &clock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.New(db, nil)
	q.Now = c.Now
	r := conflict.NewResolver()
	r.Now = c.Now
	eng := New(Deps{Queue: q, Authority: mem, Resolver: r, Gate: gate}, cfg)
	eng.Now = c.Now
	eng.Rand = func() float64 { return 0 }
	return &fixture{db: db, q: q, mem: mem, eng: eng, clock: c}
}

func (f *fixture) message(t *testing.T, session, content string) *domain.QueueItem {
	t.Helper()
	b, _ := json.Marshal(domain.MessagePayload{SessionID: session, Sender: "u", Content: content})
	it, err := f.q.Enqueue(context.Background(), queue.EnqueueRequest{Kind: domain.KindMessage, Payload: b})
	if err != nil {
		t.Fatalf("enqueue message: %v", err)
	}
	return it
}

func (f *fixture) transaction(t *testing.T, wallet, amount string) *domain.QueueItem {
	t.Helper()
	amt := decimal.RequireFromString(amount)
	b, _ := json.Marshal(domain.TransactionPayload{WalletID: wallet, Amount: amt, Currency: "EUR"})
	it, err := f.q.Enqueue(context.Background(), queue.EnqueueRequest{
		Kind:    domain.KindTransaction,
		Payload: b,
		OnCreate: func(tx *gorm.DB, item *domain.QueueItem) error {
			return repo.CreateTransaction(context.Background(), tx, &domain.TransactionRecord{
				ID: item.ID, WalletID: wallet, Amount: amt, Currency: "EUR",
				Seq: item.Seq, Status: domain.TxQueued, OfflineQueued: true,
			})
		},
	})
	if err != nil {
		t.Fatalf("enqueue transaction: %v", err)
	}
	return it
}

func (f *fixture) drain(t *testing.T) Report {
	t.Helper()
	rep, err := f.eng.DrainOnce(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(rep.Errors) > 0 {
		t.Fatalf("drain errors: %v", rep.Errors)
	}
	return rep
}

func (f *fixture) item(t *testing.T, id string) *domain.QueueItem {
	t.Helper()
	it, err := f.q.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return it
}

func TestDrainOnce_Offline(t *testing.T) {
	f := newFixture(t, nil, nil, nil, testConfig())
	f.message(t, "s1", "hi")
	if _, err := f.eng.DrainOnce(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if len(f.mem.Arrivals()) != 0 {
		t.Fatalf("nothing may be sent while offline")
	}
}

func TestDrainOnce_SameTargetInEnqueueOrder(t *testing.T) {
	f := newFixture(t, nil, nil, nil, testConfig())
	var s1 []string
	for _, c := range []string{"a", "b", "c"} {
		s1 = append(s1, f.message(t, "s1", c).ID)
		f.message(t, "s2", c)
	}
	f.eng.SetOnline(true)

	rep := f.drain(t)
	if rep.Lanes != 2 || rep.Attempted != 6 || rep.Confirmed != 6 {
		t.Fatalf("report: %+v", rep)
	}
	ops := f.mem.Operations("s1")
	if len(ops) != 3 {
		t.Fatalf("s1 operations: %d", len(ops))
	}
	for i, op := range ops {
		if op.IdempotencyID != s1[i] || op.Order != int64(i+1) {
			t.Fatalf("op %d = %s/%d, want %s/%d", i, op.IdempotencyID, op.Order, s1[i], i+1)
		}
	}
	var seen []string
	for _, a := range f.mem.Arrivals() {
		if a.Target == "s1" {
			seen = append(seen, a.IdempotencyID)
		}
	}
	if strings.Join(seen, ",") != strings.Join(s1, ",") {
		t.Fatalf("arrival order %v, want %v", seen, s1)
	}

	n, _ := repo.CountMessages(context.Background(), f.db, "s1")
	if n != 3 {
		t.Fatalf("confirmed messages projected: %d", n)
	}
	for _, id := range s1 {
		if it := f.item(t, id); it.Status != domain.StatusConfirmed || it.AuthorityOrder == nil {
			t.Fatalf("item %s: %+v", id, it)
		}
	}
}

func TestDrainOnce_TransientFailuresBackOff(t *testing.T) {
	mem := authority.NewMemory()
	mem.Fail = func(s authority.Submission, attempt int) error {
		if attempt <= 2 {
			return &authority.Error{Class: authority.Transient, StatusCode: 503, Reason: "unavailable"}
		}
		return nil
	}
	f := newFixture(t, nil, mem, nil, testConfig())
	m1 := f.message(t, "s1", "hello")
	m2 := f.message(t, "s1", "after")
	f.eng.SetOnline(true)

	rep := f.drain(t)
	if rep.Retried != 1 || rep.Confirmed != 0 {
		t.Fatalf("first drain: %+v", rep)
	}
	it := f.item(t, m1.ID)
	if it.Status != domain.StatusFailed || it.RetryCount != 1 || !it.NextAttemptAt.Equal(f.clock.Now().Add(time.Second)) {
		t.Fatalf("after first failure: %+v", it)
	}
	if !rep.NextWake.Equal(it.NextAttemptAt) {
		t.Fatalf("next wake %v, want %v", rep.NextWake, it.NextAttemptAt)
	}
	if f.item(t, m2.ID).Status != domain.StatusPending || mem.Attempts(m2.ID) != 0 {
		t.Fatalf("later item of the lane must wait")
	}

	// Backoff not elapsed: the whole lane is blocked.
	rep = f.drain(t)
	if rep.Attempted != 0 || rep.Blocked != 1 {
		t.Fatalf("blocked drain: %+v", rep)
	}

	f.clock.Advance(time.Second)
	f.drain(t)
	it = f.item(t, m1.ID)
	if it.RetryCount != 2 || !it.NextAttemptAt.Equal(f.clock.Now().Add(2*time.Second)) {
		t.Fatalf("after second failure: %+v", it)
	}

	f.clock.Advance(2 * time.Second)
	rep = f.drain(t)
	if rep.Confirmed != 2 {
		t.Fatalf("final drain: %+v", rep)
	}
	it = f.item(t, m1.ID)
	if it.Status != domain.StatusConfirmed || it.RetryCount != 2 || it.LastError != "" {
		t.Fatalf("confirmed item: %+v", it)
	}
	if mem.Attempts(m1.ID) != 3 {
		t.Fatalf("attempts = %d", mem.Attempts(m1.ID))
	}
}

func TestDrainOnce_RetryAfterStretchesBackoff(t *testing.T) {
	mem := authority.NewMemory()
	mem.Fail = func(s authority.Submission, attempt int) error {
		switch attempt {
		case 1:
			return &authority.Error{Class: authority.Transient, StatusCode: 429, RetryAfter: 20 * time.Second}
		case 2:
			return &authority.Error{Class: authority.Transient, StatusCode: 429, RetryAfter: time.Hour}
		}
		return nil
	}
	f := newFixture(t, nil, mem, nil, testConfig())
	m := f.message(t, "s1", "throttled")
	f.eng.SetOnline(true)

	f.drain(t)
	if it := f.item(t, m.ID); !it.NextAttemptAt.Equal(f.clock.Now().Add(20 * time.Second)) {
		t.Fatalf("retry hint ignored: next attempt %v", it.NextAttemptAt)
	}

	// A hint beyond the ceiling is capped at MaxDelay.
	f.clock.Advance(20 * time.Second)
	f.drain(t)
	if it := f.item(t, m.ID); !it.NextAttemptAt.Equal(f.clock.Now().Add(time.Minute)) {
		t.Fatalf("retry hint not capped: next attempt %v", it.NextAttemptAt)
	}
}

func TestDrainOnce_PoisonAfterRetryCeiling(t *testing.T) {
	mem := authority.NewMemory()
	cfg := testConfig()
	cfg.MaxRetries = 2
	f := newFixture(t, nil, mem, nil, cfg)
	bad := f.message(t, "s1", "never")
	good := f.message(t, "s1", "next")
	mem.Fail = func(s authority.Submission, _ int) error {
		if s.IdempotencyID == bad.ID {
			return errors.New("connection reset")
		}
		return nil
	}
	f.eng.SetOnline(true)

	f.drain(t)
	f.clock.Advance(time.Second)
	f.drain(t)
	f.clock.Advance(2 * time.Second)
	rep := f.drain(t)

	if rep.Poisoned != 1 || rep.Confirmed != 1 {
		t.Fatalf("report: %+v", rep)
	}
	it := f.item(t, bad.ID)
	if it.Status != domain.StatusPoisoned || it.RetryCount != 2 || !strings.Contains(it.LastError, "retry limit") {
		t.Fatalf("poisoned item: %+v", it)
	}
	if mem.Attempts(bad.ID) != 3 {
		t.Fatalf("attempts = %d", mem.Attempts(bad.ID))
	}
	if f.item(t, good.ID).Status != domain.StatusConfirmed {
		t.Fatalf("a poisoned item must not block its lane")
	}
	m, err := repo.GetMessage(context.Background(), f.db, bad.ID)
	if err == nil && m.Status != domain.MessageFailed {
		t.Fatalf("message projection: %+v", m)
	}

	// Nothing is retried after poisoning.
	f.clock.Advance(time.Hour)
	if rep := f.drain(t); rep.Attempted != 0 {
		t.Fatalf("poisoned item retried: %+v", rep)
	}
}

func TestDrainOnce_AuthorityRejectionIsPermanent(t *testing.T) {
	mem := authority.NewMemory()
	mem.Reject = func(s authority.Submission) string { return "insufficient funds" }
	f := newFixture(t, nil, mem, nil, testConfig())
	tx := f.transaction(t, "w1", "-500")
	f.eng.SetOnline(true)

	rep := f.drain(t)
	if rep.Poisoned != 1 || rep.Retried != 0 {
		t.Fatalf("report: %+v", rep)
	}
	it := f.item(t, tx.ID)
	if it.Status != domain.StatusPoisoned || it.RetryCount != 0 || !strings.Contains(it.LastError, "insufficient funds") {
		t.Fatalf("item: %+v", it)
	}
	rec, _ := repo.GetTransaction(context.Background(), f.db, tx.ID)
	if rec.Status != domain.TxFailed || !rec.OfflineQueued {
		t.Fatalf("record: %+v", rec)
	}
}

type validatorFunc func(kind domain.Kind, payload []byte) error

func (f validatorFunc) Validate(_ context.Context, kind domain.Kind, payload []byte) error {
	return f(kind, payload)
}

func TestDrainOnce_GateRejectionPoisonsWithoutTransmitting(t *testing.T) {
	gate := &validation.Gate{Validator: validation.RuleValidator{MaxAmount: decimal.NewFromInt(100)}}
	f := newFixture(t, nil, nil, gate, testConfig())
	big := f.transaction(t, "w1", "1000")
	ok := f.transaction(t, "w1", "25")
	f.eng.SetOnline(true)

	rep := f.drain(t)
	if rep.Poisoned != 1 || rep.Confirmed != 1 || rep.Attempted != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if f.mem.Attempts(big.ID) != 0 {
		t.Fatalf("rejected payload was transmitted")
	}
	it := f.item(t, big.ID)
	if it.Status != domain.StatusPoisoned || !strings.HasPrefix(it.LastError, "validate") {
		t.Fatalf("item: %+v", it)
	}
	bal, err := repo.GetWalletBalance(context.Background(), f.db, "w1")
	if err != nil || !bal.Balance.Equal(decimal.NewFromInt(25)) || bal.ConfirmedCount != 1 {
		t.Fatalf("balance: %+v %v", bal, err)
	}
	if it := f.item(t, ok.ID); !it.AIValidated {
		t.Fatalf("passing item should be marked validated: %+v", it)
	}
}

func TestDrainOnce_GateRunsOncePerPayloadVersion(t *testing.T) {
	calls := 0
	gate := &validation.Gate{Validator: validatorFunc(func(domain.Kind, []byte) error {
		calls++
		return nil
	})}
	mem := authority.NewMemory()
	mem.Fail = func(_ authority.Submission, attempt int) error {
		if attempt == 1 {
			return errors.New("timeout")
		}
		return nil
	}
	f := newFixture(t, nil, mem, gate, testConfig())
	f.message(t, "s1", "x")
	f.eng.SetOnline(true)

	f.drain(t)
	f.clock.Advance(time.Second)
	f.drain(t)
	if calls != 1 {
		t.Fatalf("validator calls = %d, want 1", calls)
	}
}

func TestDrainOnce_EncryptedSubmission(t *testing.T) {
	sealer, err := validation.NewSealer("correct horse battery staple")
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	gate := &validation.Gate{Encryptor: sealer, SkipAI: true}
	f := newFixture(t, nil, nil, gate, testConfig())
	m := f.message(t, "s1", "secret")
	f.eng.SetOnline(true)
	f.drain(t)

	arr := f.mem.Arrivals()
	if len(arr) != 1 || !arr[0].Encrypted || arr[0].Payload != nil || len(arr[0].Sealed) == 0 {
		t.Fatalf("submission: %+v", arr)
	}
	plain, err := sealer.Open(context.Background(), arr[0].Sealed, []byte(m.ID))
	if err != nil || !strings.Contains(string(plain), "secret") {
		t.Fatalf("open: %q %v", plain, err)
	}
	msg, err := repo.GetMessage(context.Background(), f.db, m.ID)
	if err != nil || !msg.Encrypted || !msg.AIValidated || msg.Status != domain.MessageConfirmed {
		t.Fatalf("message: %+v %v", msg, err)
	}
}

func TestDrainOnce_ReorderedAuthorityDecidesBalance(t *testing.T) {
	mem := authority.NewMemory()
	f := newFixture(t, nil, mem, nil, testConfig())
	t1 := f.transaction(t, "w1", "50")
	t2 := f.transaction(t, "w1", "30")
	// The authority places T2 ahead of T1.
	orders := map[string]int64{t1.ID: 2, t2.ID: 1}
	mem.OrderFor = func(s authority.Submission, _ int64) int64 { return orders[s.IdempotencyID] }
	f.eng.SetOnline(true)
	f.drain(t)

	ctx := context.Background()
	bal, _ := repo.GetWalletBalance(ctx, f.db, "w1")
	if !bal.Balance.Equal(decimal.NewFromInt(80)) || bal.LastAuthorityOrder != 2 {
		t.Fatalf("balance: %+v", bal)
	}
	view, _ := repo.ListWalletTransactions(ctx, f.db, "w1")
	if len(view) != 2 || view[0].ID != t2.ID || view[1].ID != t1.ID {
		t.Fatalf("display order: %+v", view)
	}
	if !view[0].BalanceAfter.Decimal.Equal(decimal.NewFromInt(30)) || !view[1].BalanceAfter.Decimal.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("running balances: %+v", view)
	}
}

func TestDrainOnce_LanesRunConcurrentlyUpToLimit(t *testing.T) {
	mem := authority.NewMemory()
	var cur, peak atomic.Int32
	mem.Fail = func(authority.Submission, int) error {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		return nil
	}
	cfg := testConfig()
	cfg.ConcurrencyLimit = 2
	f := newFixture(t, nil, mem, nil, cfg)

	want := map[string][]string{}
	for i := 0; i < 3; i++ {
		for _, w := range []string{"w1", "w2", "w3"} {
			want[w] = append(want[w], f.transaction(t, w, "10").ID)
		}
	}
	f.eng.SetOnline(true)

	rep := f.drain(t)
	if rep.Lanes != 3 || rep.Confirmed != 9 {
		t.Fatalf("report: %+v", rep)
	}
	if got := peak.Load(); got != 2 {
		t.Fatalf("peak concurrent submissions = %d, want 2", got)
	}
	got := map[string][]string{}
	for _, a := range mem.Arrivals() {
		got[a.Target] = append(got[a.Target], a.IdempotencyID)
	}
	for w, ids := range want {
		if strings.Join(got[w], ",") != strings.Join(ids, ",") {
			t.Fatalf("%s arrival order %v, want %v", w, got[w], ids)
		}
		bal, _ := repo.GetWalletBalance(context.Background(), f.db, w)
		if !bal.Balance.Equal(decimal.NewFromInt(30)) {
			t.Fatalf("%s balance: %+v", w, bal)
		}
	}
}

func TestDrainOnce_UnstoredConfirmationReleasesLane(t *testing.T) {
	f := newFixture(t, nil, nil, nil, testConfig())
	ctx := context.Background()
	t1 := f.transaction(t, "w1", "50")
	t2 := f.transaction(t, "w1", "30")

	// The authority accepts T1 but recording its confirmation fails.
	if err := f.db.Exec(`CREATE TRIGGER refuse_confirm BEFORE UPDATE ON transactions
		WHEN NEW.status = 'confirmed' BEGIN SELECT RAISE(ABORT, 'disk I/O error'); END`).Error; err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	f.eng.SetOnline(true)

	rep, err := f.eng.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(rep.Errors) != 1 || !strings.Contains(rep.Errors[0], "mark confirmed") || rep.Confirmed != 0 {
		t.Fatalf("first drain: %+v", rep)
	}
	it := f.item(t, t1.ID)
	if it.Status != domain.StatusPending || it.RetryCount != 0 || it.LastError == "" ||
		!it.NextAttemptAt.Equal(f.clock.Now().Add(time.Second)) {
		t.Fatalf("released item: %+v", it)
	}
	if f.mem.Attempts(t2.ID) != 0 {
		t.Fatalf("later item overtook the unsettled head")
	}
	if rep.NextWake.IsZero() {
		t.Fatalf("a released lane must schedule a wake-up")
	}

	if err := f.db.Exec(`DROP TRIGGER refuse_confirm`).Error; err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	f.clock.Advance(time.Second)
	rep = f.drain(t)
	if rep.Confirmed != 2 || rep.Duplicates != 1 {
		t.Fatalf("second drain: %+v", rep)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		if got := f.item(t, id); got.Status != domain.StatusConfirmed || got.LastError != "" {
			t.Fatalf("item %s: %+v", id, got)
		}
	}
	if f.mem.Attempts(t1.ID) != 2 || len(f.mem.Arrivals()) != 2 {
		t.Fatalf("authority applied t1 more than once: attempts=%d arrivals=%d", f.mem.Attempts(t1.ID), len(f.mem.Arrivals()))
	}
	bal, _ := repo.GetWalletBalance(ctx, f.db, "w1")
	if !bal.Balance.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("balance: %+v", bal)
	}
}

func TestDrainOnce_RecoversStrandedInFlightHead(t *testing.T) {
	f := newFixture(t, nil, nil, nil, testConfig())
	f.eng.SetOnline(true)
	m1 := f.message(t, "s1", "stranded")
	m2 := f.message(t, "s1", "next")
	// Left inFlight with no transmission running, e.g. after a failed release.
	if _, err := f.q.MarkInFlight(context.Background(), m1.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}

	rep := f.drain(t)
	if rep.Confirmed != 2 {
		t.Fatalf("report: %+v", rep)
	}
	for _, id := range []string{m1.ID, m2.ID} {
		if got := f.item(t, id); got.Status != domain.StatusConfirmed {
			t.Fatalf("item %s: %s", id, got.Status)
		}
	}
}

func TestDrainOnce_ClaimRegisteredBeforeItCommits(t *testing.T) {
	f := newFixture(t, nil, nil, nil, testConfig())
	it := f.message(t, "s1", "x")

	var seen, registered atomic.Bool
	var recovered atomic.Int64
	f.q.Observer = func(item domain.QueueItem, _ domain.Status) {
		if item.ID != it.ID || item.Status != domain.StatusInFlight || seen.Load() {
			return
		}
		seen.Store(true)
		registered.Store(f.eng.isInflight(item.ID))
		// A reconnect landing right after the claim commits.
		n, _ := f.q.Recover(context.Background(), f.eng.isInflight)
		recovered.Store(int64(n))
	}
	f.eng.SetOnline(true)

	rep := f.drain(t)
	if !seen.Load() || !registered.Load() || recovered.Load() != 0 {
		t.Fatalf("seen=%v registered=%v recovered=%d", seen.Load(), registered.Load(), recovered.Load())
	}
	if rep.Confirmed != 1 || f.mem.Attempts(it.ID) != 1 {
		t.Fatalf("report: %+v attempts=%d", rep, f.mem.Attempts(it.ID))
	}
	if f.eng.isInflight(it.ID) {
		t.Fatalf("claim not released after settlement")
	}
}

func TestRestart_RecoversInFlightAndReplaysIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")
	mem := authority.NewMemory()
	ctx := context.Background()

	// First run: the item reaches the authority, then the process dies
	// before the acknowledgment is recorded.
	db1 := openDB(t, path)
	f1 := newFixture(t, db1, mem, nil, testConfig())
	it := f1.message(t, "s1", "once")
	if _, err := f1.q.MarkInFlight(ctx, it.ID); err != nil {
		t.Fatalf("mark in-flight: %v", err)
	}
	if _, err := mem.Submit(ctx, authority.Submission{IdempotencyID: it.ID, Kind: it.Kind, Target: it.Target, Payload: it.Payload}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sqlDB, err := db1.DB(); err == nil {
		_ = sqlDB.Close()
	}

	db2 := openDB(t, path)
	f2 := newFixture(t, db2, mem, nil, testConfig())
	if err := f2.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f2.eng.Stop()
	if got := f2.item(t, it.ID); got.Status != domain.StatusPending {
		t.Fatalf("status after restart = %s", got.Status)
	}

	f2.eng.SetOnline(true)
	rep := f2.drain(t)
	if rep.Confirmed != 1 || rep.Duplicates != 1 {
		t.Fatalf("report: %+v", rep)
	}
	if len(mem.Arrivals()) != 1 {
		t.Fatalf("authority applied the operation %d times", len(mem.Arrivals()))
	}
	if got := f2.item(t, it.ID); got.Status != domain.StatusConfirmed || *got.AuthorityOrder != 1 {
		t.Fatalf("item: %+v", got)
	}
}

func TestSetOnline_PublishesAndRecovers(t *testing.T) {
	f := newFixture(t, nil, nil, nil, testConfig())
	hub := projection.NewHub()
	f.eng.events = hub
	sub := hub.Subscribe(8)
	defer sub.Cancel()

	it := f.message(t, "s1", "x")
	if _, err := f.q.MarkInFlight(context.Background(), it.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	f.eng.SetOnline(true)
	f.eng.SetOnline(true)

	select {
	case ev := <-sub.C:
		if ev.Type != projection.EventConnectivity || ev.Online == nil || !*ev.Online {
			t.Fatalf("event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no connectivity event")
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("repeated signal should not publish: %+v", ev)
	default:
	}
	if got := f.item(t, it.ID); got.Status != domain.StatusPending {
		t.Fatalf("reconnect should reset stale in-flight items, got %s", got.Status)
	}
	if !f.eng.Status().Online {
		t.Fatalf("status not online")
	}
}

func TestEngineLoop_DrainsWhenOnline(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, nil, nil, nil, cfg)
	f.eng.Now = func() time.Time { return time.Now().UTC() }
	f.q.Now = f.eng.Now
	it := f.message(t, "s1", "loop")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.eng.Stop()

	signals := make(chan bool, 1)
	go f.eng.Watch(ctx, signals)
	signals <- true

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.item(t, it.ID); got.Status == domain.StatusConfirmed {
			if st := f.eng.Status(); !st.Running || st.LastDrain == nil {
				t.Fatalf("status: %+v", st)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("item was not drained by the loop")
}

func TestBackoff_MonotonicAndCapped(t *testing.T) {
	base, max := 100*time.Millisecond, 10*time.Second
	prevHigh := time.Duration(0)
	for k := 0; k < 12; k++ {
		low := Backoff(k, base, max, 0.5, 0)
		high := Backoff(k, base, max, 0.5, 0.999)
		if low < prevHigh {
			t.Fatalf("retry %d: %v < previous %v", k, low, prevHigh)
		}
		if high > max || low > high {
			t.Fatalf("retry %d: low=%v high=%v", k, low, high)
		}
		prevHigh = high
	}
	if got := Backoff(0, base, max, 0, 0); got != base {
		t.Fatalf("first delay = %v", got)
	}
	if got := Backoff(3, base, max, 0, 0); got != 800*time.Millisecond {
		t.Fatalf("fourth delay = %v", got)
	}
	if got := Backoff(50, base, max, 0.5, 0.5); got != max {
		t.Fatalf("capped delay = %v", got)
	}
}

type pinger struct {
	mu   sync.Mutex
	down bool
}

func (p *pinger) Ping(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		return errors.New("down")
	}
	return nil
}

type onlineRecorder struct {
	mu  sync.Mutex
	got []bool
}

func (r *onlineRecorder) SetOnline(b bool) {
	r.mu.Lock()
	r.got = append(r.got, b)
	r.mu.Unlock()
}

func TestProber_Probe(t *testing.T) {
	p := &pinger{}
	rec := &onlineRecorder{}
	pr := NewProber(p, rec, time.Second)
	if !pr.Probe(context.Background()) {
		t.Fatalf("expected online")
	}
	p.down = true
	if pr.Probe(context.Background()) {
		t.Fatalf("expected offline")
	}
	if len(rec.got) != 2 || !rec.got[0] || rec.got[1] {
		t.Fatalf("signals: %v", rec.got)
	}
}
