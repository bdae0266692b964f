// Package syncer drives queued operations to the remote authority.
//
// One loop reacts to connectivity changes, explicit triggers, a periodic
// timer and the earliest pending backoff. Each drain groups the active
// items into lanes (same kind and target); a lane is transmitted strictly in
// enqueue order while different lanes run concurrently up to the configured
// limit. Every attempt passes the validation gate (once per payload
// version), is rate limited, and runs with its own timeout on a context that
// a shutdown does not cancel, so a write to the authority is never cut off
// halfway.
package syncer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-sync/internal/authority"
	"github.com/tbourn/go-offline-sync/internal/config"
	"github.com/tbourn/go-offline-sync/internal/conflict"
	"github.com/tbourn/go-offline-sync/internal/domain"
	"github.com/tbourn/go-offline-sync/internal/observability"
	"github.com/tbourn/go-offline-sync/internal/ordering"
	"github.com/tbourn/go-offline-sync/internal/projection"
	"github.com/tbourn/go-offline-sync/internal/queue"
	"github.com/tbourn/go-offline-sync/internal/validation"
)

// Deps are the collaborators of an Engine. Queue, Authority and Resolver
// are required.
type Deps struct {
	Queue     *queue.Queue
	Authority authority.Submitter
	Resolver  *conflict.Resolver
	Gate      *validation.Gate     // nil: no validation, no encryption
	Limiter   *rate.Limiter        // nil: unlimited
	Events    projection.Publisher // nil: no events
}

// Report summarises one drain.
type Report struct {
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Lanes      int           `json:"lanes"`
	Blocked    int           `json:"blocked"`
	Attempted  int           `json:"attempted"`
	Confirmed  int           `json:"confirmed"`
	Duplicates int           `json:"duplicates"`
	Retried    int           `json:"retried"`
	Poisoned   int           `json:"poisoned"`
	Pruned     int64         `json:"pruned"`
	NextWake   time.Time     `json:"next_wake,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
}

// Status is a snapshot of the engine.
type Status struct {
	Online    bool    `json:"online"`
	Running   bool    `json:"running"`
	Draining  bool    `json:"draining"`
	LastDrain *Report `json:"last_drain,omitempty"`
}

// Engine is the sync engine. Construct it with New.
type Engine struct {
	q        *queue.Queue
	auth     authority.Submitter
	resolver *conflict.Resolver
	gate     *validation.Gate
	limiter  *rate.Limiter
	events   projection.Publisher
	cfg      config.SyncConfig

	Log  zerolog.Logger
	Now  func() time.Time
	Rand func() float64

	online   atomic.Bool
	draining atomic.Bool
	trigger  chan struct{}
	drainMu  sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	last    *Report
	wakeAt  time.Time
	wakeSig chan struct{}
}

// New returns a stopped, offline engine.
func New(d Deps, cfg config.SyncConfig) *Engine {
	gate := d.Gate
	if gate == nil {
		gate = &validation.Gate{}
	}
	lim := d.Limiter
	if lim == nil {
		lim = rate.NewLimiter(rate.Inf, 1)
	}
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 15 * time.Second
	}
	return &Engine{
		q:        d.Queue,
		auth:     d.Authority,
		resolver: d.Resolver,
		gate:     gate,
		limiter:  lim,
		events:   d.Events,
		cfg:      cfg,
		Log:      log.Logger,
		Now:      func() time.Time { return time.Now().UTC() },
		Rand:     rand.Float64,
		trigger:  make(chan struct{}, 1),
		wakeSig:  make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
	}
}

// Start recovers items left inFlight by a previous run and starts the drain
// loop. It returns an error only when recovery fails.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	n, err := e.q.Recover(ctx, nil)
	if err != nil {
		e.mu.Unlock()
		return &StorageError{Op: "recover", Err: err}
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.Log.Info().Int("recovered", n).Bool("online", e.Online()).Msg("sync engine started")
	go e.loop(loopCtx)
	e.Trigger()
	return nil
}

// Stop ends the loop and waits for a running drain to finish. Transmissions
// already started are allowed to complete.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.drainMu.Lock()
	e.drainMu.Unlock() //nolint:staticcheck // waits for an in-progress drain
	e.Log.Info().Msg("sync engine stopped")
}

// Online reports the last connectivity signal.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline feeds the connectivity signal. Going online resets items left
// inFlight by an interrupted drain and triggers a drain.
func (e *Engine) SetOnline(online bool) {
	prev := e.online.Swap(online)
	if prev == online {
		return
	}
	if online {
		observability.Online.Set(1)
	} else {
		observability.Online.Set(0)
	}
	e.Log.Info().Bool("online", online).Msg("connectivity changed")
	e.publish(projection.Event{Type: projection.EventConnectivity, Online: &online})

	if online {
		if n, err := e.q.Recover(context.Background(), e.isInflight); err != nil {
			e.Log.Error().Err(err).Msg("recover on reconnect")
		} else if n > 0 {
			e.Log.Info().Int("count", n).Msg("reset in-flight items after reconnect")
		}
		e.Trigger()
	}
}

// Watch applies every value received on signals until ctx is done or the
// channel is closed.
func (e *Engine) Watch(ctx context.Context, signals <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-signals:
			if !ok {
				return
			}
			e.SetOnline(v)
		}
	}
}

// Trigger requests a drain. Requests coalesce while one is pending.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{Online: e.Online(), Running: e.cancel != nil, Draining: e.draining.Load()}
	if e.last != nil {
		r := *e.last
		st.LastDrain = &r
	}
	return st
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)

	interval := e.cfg.DrainInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	wake := time.NewTimer(time.Hour)
	wake.Stop()
	defer wake.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		case <-ticker.C:
		case <-wake.C:
		case <-e.wakeSig:
			e.mu.Lock()
			at := e.wakeAt
			e.mu.Unlock()
			if !wake.Stop() {
				select {
				case <-wake.C:
				default:
				}
			}
			if !at.IsZero() {
				wake.Reset(time.Until(at))
			}
			continue
		}
		if !e.Online() {
			continue
		}
		if _, err := e.DrainOnce(ctx); err != nil && !errors.Is(err, ErrOffline) {
			e.Log.Error().Err(err).Msg("drain failed")
		}
	}
}

// DrainOnce runs a single drain and returns its report. Only one drain runs
// at a time; concurrent callers wait for the running one.
func (e *Engine) DrainOnce(ctx context.Context) (Report, error) {
	if !e.Online() {
		return Report{}, ErrOffline
	}
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	e.draining.Store(true)
	defer e.draining.Store(false)

	tr := otel.Tracer("syncer/Engine")
	ctx, span := tr.Start(ctx, "DrainOnce")
	defer span.End()

	start := e.Now()
	rb := &reportBuilder{r: Report{StartedAt: start}}

	// No lane is running here, so an inFlight item this engine is not
	// transmitting was left behind by an unrecorded outcome.
	if _, err := e.q.Recover(ctx, e.isInflight); err != nil {
		rb.fail(&StorageError{Op: "recover", Err: err})
	}

	active, err := e.q.Active(ctx)
	if err != nil {
		return Report{}, &StorageError{Op: "list active", Err: err}
	}
	lanes := ordering.Plan(active, start)
	rb.r.Lanes = len(lanes)

	var g errgroup.Group
	g.SetLimit(e.cfg.ConcurrencyLimit)
	for _, lane := range lanes {
		if !lane.Due {
			rb.blocked()
			continue
		}
		lane := lane
		g.Go(func() error {
			e.drainLane(ctx, lane, rb)
			return nil
		})
	}
	_ = g.Wait()

	if e.cfg.PruneConfirmed {
		n, err := e.q.Prune(ctx, e.Now())
		if err != nil {
			rb.fail(&StorageError{Op: "prune", Err: err})
		}
		rb.r.Pruned = n
	}

	if after, err := e.q.Active(ctx); err == nil {
		rb.r.NextWake = ordering.NextWake(ordering.Plan(after, e.Now()))
	}
	e.refreshGauges(ctx)

	rep := rb.report()
	rep.Duration = e.Now().Sub(start)
	observability.DrainDuration.Observe(rep.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("drain.lanes", rep.Lanes),
		attribute.Int("drain.confirmed", rep.Confirmed),
		attribute.Int("drain.poisoned", rep.Poisoned),
	)

	e.mu.Lock()
	e.last = &rep
	e.wakeAt = rep.NextWake
	e.mu.Unlock()
	select {
	case e.wakeSig <- struct{}{}:
	default:
	}

	if rep.Attempted > 0 || len(rep.Errors) > 0 {
		e.Log.Info().
			Int("lanes", rep.Lanes).
			Int("attempted", rep.Attempted).
			Int("confirmed", rep.Confirmed).
			Int("retried", rep.Retried).
			Int("poisoned", rep.Poisoned).
			Dur("took", rep.Duration).
			Msg("drain finished")
	}
	e.publish(projection.Event{Type: projection.EventDrain, Data: rep})
	return rep, nil
}

// drainLane transmits the lane's items in order. It stops at the first item
// that is not settled (waiting for backoff, claimed elsewhere, or failed on
// local storage) so later items never overtake it.
func (e *Engine) drainLane(ctx context.Context, lane ordering.Lane, rb *reportBuilder) {
	for _, it := range lane.Items {
		if ctx.Err() != nil || !e.Online() {
			return
		}
		if it.Status == domain.StatusInFlight || it.NextAttemptAt.After(e.Now()) {
			return
		}
		if !e.process(ctx, it, rb) {
			return
		}
	}
}

// process takes one item through gate, transmission and settlement. It
// returns true when the item reached a terminal state and the lane may
// move on.
func (e *Engine) process(ctx context.Context, it domain.QueueItem, rb *reportBuilder) bool {
	tr := otel.Tracer("syncer/Engine")
	ctx, span := tr.Start(ctx, "process",
		trace.WithAttributes(
			attribute.String("queue.id", it.ID),
			attribute.String("queue.kind", string(it.Kind)),
			attribute.Int("queue.retry_count", it.RetryCount),
		),
	)
	defer span.End()

	// Settlement writes must not be cut short by a shutdown.
	wctx := context.WithoutCancel(ctx)
	l := e.Log.With().Str("id", it.ID).Str("kind", string(it.Kind)).Str("target", it.Target).Logger()

	out, err := e.gate.Prepare(ctx, it)
	if err != nil {
		observability.Transmissions.WithLabelValues(string(it.Kind), "rejected_gate").Inc()
		return e.poison(wctx, it, err.Error(), rb, l)
	}
	if !out.Cached {
		res, err := e.q.MarkPrepared(wctx, it.ID, out.Version, queue.Prepared{
			AIValidated: out.AIValidated,
			Encrypted:   out.Encrypted,
			Sealed:      out.Sealed,
		}, e.hook(wctx, e.resolver.ApplyGate))
		if err != nil {
			rb.fail(&StorageError{Op: "mark prepared", ID: it.ID, Err: err})
			return false
		}
		if !res.Applied {
			return false
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return false
	}

	// Registered before the claim commits: Recover must never see the item
	// inFlight without it.
	e.setInflight(it.ID, true)
	defer e.setInflight(it.ID, false)
	res, err := e.q.MarkInFlight(wctx, it.ID, e.hook(wctx, e.resolver.MarkTransmitting))
	if err != nil {
		rb.fail(&StorageError{Op: "mark in-flight", ID: it.ID, Err: err})
		return false
	}
	if !res.Applied {
		return false
	}
	claimed := *res.Item
	rb.attempted()

	sub := authority.Submission{
		IdempotencyID: claimed.ID,
		Kind:          claimed.Kind,
		Target:        claimed.Target,
		Encrypted:     out.Encrypted,
	}
	if out.Encrypted {
		sub.Sealed = out.Sealed
	} else {
		sub.Payload = claimed.Payload
	}

	actx, cancel := context.WithTimeout(wctx, e.cfg.AttemptTimeout)
	ack, err := e.auth.Submit(actx, sub)
	cancel()

	if err == nil && !ack.Confirms() {
		if ack.Status == authority.StatusRejected {
			err = authority.Rejected(ack.Reason)
		} else {
			err = &authority.Error{Class: authority.Transient, Reason: "unexpected ack status " + string(ack.Status)}
		}
	}

	if err == nil {
		outcome := "confirmed"
		if ack.Status == authority.StatusDuplicate {
			outcome = "duplicate"
		}
		observability.Transmissions.WithLabelValues(string(it.Kind), outcome).Inc()
		res, err := e.q.MarkConfirmed(wctx, it.ID, ack.AuthorityOrder, func(tx *gorm.DB, item *domain.QueueItem) error {
			return e.resolver.ApplyConfirmation(wctx, tx, item, ack)
		})
		if err != nil {
			rb.fail(&StorageError{Op: "mark confirmed", ID: it.ID, Err: err})
			e.release(wctx, claimed, err, rb, l)
			return false
		}
		if res.Applied {
			rb.confirmed(ack.Status == authority.StatusDuplicate)
			l.Debug().Int("retries", claimed.RetryCount).Msg("confirmed")
		}
		return true
	}

	span.RecordError(err)
	if authority.Classify(err) == authority.Permanent {
		observability.Transmissions.WithLabelValues(string(it.Kind), "permanent").Inc()
		return e.poison(wctx, claimed, err.Error(), rb, l)
	}

	observability.Transmissions.WithLabelValues(string(it.Kind), "transient").Inc()
	if claimed.RetryCount >= e.cfg.MaxRetries {
		return e.poison(wctx, claimed, "retry limit reached: "+err.Error(), rb, l)
	}
	delay := Backoff(claimed.RetryCount, e.cfg.BaseDelay, e.cfg.MaxDelay, e.cfg.Jitter, e.Rand())
	if ra := authority.RetryAfterOf(err); ra > delay {
		delay = min(ra, e.cfg.MaxDelay)
	}
	observability.RetryDelay.Observe(delay.Seconds())
	if _, ferr := e.q.MarkFailed(wctx, it.ID, err.Error(), e.Now().Add(delay)); ferr != nil {
		rb.fail(&StorageError{Op: "mark failed", ID: it.ID, Err: ferr})
		e.release(wctx, claimed, ferr, rb, l)
		return false
	}
	rb.retried()
	l.Warn().Err(err).Int("retry", claimed.RetryCount+1).Dur("delay", delay).Msg("transient failure, will retry")
	return false
}

func (e *Engine) poison(ctx context.Context, it domain.QueueItem, reason string, rb *reportBuilder, l zerolog.Logger) bool {
	res, err := e.q.MarkPoisoned(ctx, it.ID, reason, func(tx *gorm.DB, item *domain.QueueItem) error {
		return e.resolver.ApplyPoison(ctx, tx, item, reason)
	})
	if err != nil {
		rb.fail(&StorageError{Op: "mark poisoned", ID: it.ID, Err: err})
		return false
	}
	if res.Applied {
		rb.poisoned()
		l.Warn().Str("reason", reason).Msg("item poisoned")
	}
	return true
}

// release returns a claimed item to pending when the outcome of its
// transmission could not be stored. The retry count is left alone; the item
// waits one backoff step so a persistent storage fault does not spin the
// loop. If the release fails too, the next drain recovers the item.
func (e *Engine) release(ctx context.Context, it domain.QueueItem, cause error, rb *reportBuilder, l zerolog.Logger) {
	delay := Backoff(it.RetryCount, e.cfg.BaseDelay, e.cfg.MaxDelay, e.cfg.Jitter, e.Rand())
	if _, err := e.q.Release(ctx, it.ID, cause.Error(), e.Now().Add(delay)); err != nil {
		rb.fail(&StorageError{Op: "release", ID: it.ID, Err: err})
		return
	}
	l.Warn().Err(cause).Dur("delay", delay).Msg("outcome not stored, item released")
}

// hook adapts a resolver method to a queue transaction hook.
func (e *Engine) hook(ctx context.Context, fn func(context.Context, *gorm.DB, *domain.QueueItem) error) queue.TxHook {
	return func(tx *gorm.DB, item *domain.QueueItem) error { return fn(ctx, tx, item) }
}

func (e *Engine) setInflight(id string, on bool) {
	e.inflightMu.Lock()
	if on {
		e.inflight[id] = struct{}{}
	} else {
		delete(e.inflight, id)
	}
	e.inflightMu.Unlock()
}

func (e *Engine) isInflight(id string) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	_, ok := e.inflight[id]
	return ok
}

func (e *Engine) refreshGauges(ctx context.Context) {
	stats, err := e.q.Stats(ctx)
	if err != nil {
		return
	}
	for _, s := range []domain.Status{domain.StatusPending, domain.StatusInFlight, domain.StatusFailed, domain.StatusConfirmed, domain.StatusPoisoned} {
		observability.QueueItems.WithLabelValues(string(s)).Set(float64(stats[s]))
	}
}

func (e *Engine) publish(ev projection.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// reportBuilder collects counts from concurrent lanes.
type reportBuilder struct {
	mu sync.Mutex
	r  Report
}

func (b *reportBuilder) add(f func(r *Report)) {
	b.mu.Lock()
	f(&b.r)
	b.mu.Unlock()
}

func (b *reportBuilder) blocked()   { b.add(func(r *Report) { r.Blocked++ }) }
func (b *reportBuilder) attempted() { b.add(func(r *Report) { r.Attempted++ }) }
func (b *reportBuilder) retried()   { b.add(func(r *Report) { r.Retried++ }) }
func (b *reportBuilder) poisoned()  { b.add(func(r *Report) { r.Poisoned++ }) }
func (b *reportBuilder) fail(err error) {
	b.add(func(r *Report) { r.Errors = append(r.Errors, err.Error()) })
}
func (b *reportBuilder) confirmed(dup bool) {
	b.add(func(r *Report) {
		r.Confirmed++
		if dup {
			r.Duplicates++
		}
	})
}

func (b *reportBuilder) report() Report {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.r
}
