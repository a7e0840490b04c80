// Package breaker implements the per-(tenant,store) circuit breaker: a
// finite-state machine with a rolling error window, an op-timeout, and
// single-slot half-open probing. The FSM is built from two familiar
// shapes: a bound-rejection fast-path like a work queue's "reject once
// full" guard, and a mutex-guarded struct whose rolling buckets are aged
// lazily on every call rather than by a background ticker.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/metrics"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// State is one of the three reachable circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// metricValue is the gauge value exported for each state.
func (s State) metricValue() float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return -1
	}
}

// ErrBreakerOpen is returned (wrapped) when the breaker fast-rejects a call.
var ErrBreakerOpen = errors.New("breaker: open")

// ErrOpTimeout is returned (wrapped) when an invocation exceeds op-timeout.
var ErrOpTimeout = errors.New("breaker: op timeout")

// Policy configures a Breaker.
type Policy struct {
	OpTimeout         time.Duration
	ErrorThresholdPct float64 // 0..100
	ResetTimeout      time.Duration
	RollingWindow     time.Duration
	RollingBuckets    int
	VolumeThreshold   int
}

// DefaultPolicy returns the recommended defaults for a store kind.
func DefaultPolicy(store poolkey.StoreKind) Policy {
	switch store {
	case poolkey.StoreRelational:
		return Policy{
			OpTimeout: 5 * time.Second, ErrorThresholdPct: 50,
			ResetTimeout: 30 * time.Second, RollingWindow: 10 * time.Second,
			RollingBuckets: 10, VolumeThreshold: 10,
		}
	case poolkey.StoreDocument:
		return Policy{
			OpTimeout: 10 * time.Second, ErrorThresholdPct: 60,
			ResetTimeout: 45 * time.Second, RollingWindow: 10 * time.Second,
			RollingBuckets: 10, VolumeThreshold: 10,
		}
	case poolkey.StoreKV:
		return Policy{
			OpTimeout: 1 * time.Second, ErrorThresholdPct: 70,
			ResetTimeout: 15 * time.Second, RollingWindow: 10 * time.Second,
			RollingBuckets: 10, VolumeThreshold: 10,
		}
	default:
		return Policy{
			OpTimeout: 5 * time.Second, ErrorThresholdPct: 50,
			ResetTimeout: 30 * time.Second, RollingWindow: 10 * time.Second,
			RollingBuckets: 10, VolumeThreshold: 10,
		}
	}
}

// bucket is one slot of the rolling error window.
type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// EventKind identifies the events a Breaker emits to subscribers (C5).
type EventKind int

const (
	EventOpen EventKind = iota
	EventHalfOpen
	EventClose
	EventFailure
)

// Event is delivered to subscribers on every state change or failure.
type Event struct {
	Kind     EventKind
	Key      poolkey.PoolKey
	At       time.Time
	NewState State
}

// Breaker is a per-PoolKey finite-state machine guarding calls to a store.
type Breaker struct {
	mu sync.Mutex

	key    poolkey.PoolKey
	policy Policy
	logger zerolog.Logger

	state        State
	lastChange   time.Time
	buckets      []bucket
	bucketWidth  time.Duration
	halfOpenBusy bool

	subs   []chan Event
	subsMu sync.Mutex
}

// New creates a Breaker for the given PoolKey in the CLOSED state.
func New(key poolkey.PoolKey, policy Policy) *Breaker {
	if policy.RollingBuckets <= 0 {
		policy.RollingBuckets = 10
	}
	if policy.RollingWindow <= 0 {
		policy.RollingWindow = 10 * time.Second
	}
	b := &Breaker{
		key:         key,
		policy:      policy,
		logger:      log.With().Str("component", "breaker").Str("pool_key", key.String()).Logger(),
		state:       Closed,
		lastChange:  time.Now(),
		bucketWidth: policy.RollingWindow / time.Duration(policy.RollingBuckets),
	}
	b.buckets = []bucket{{start: time.Now()}}
	metrics.BreakerState.WithLabelValues(key.Store.String(), metrics.TenantLabel(key.TenantID)).Set(Closed.metricValue())
	return b
}

// State returns the breaker's current state. An OPEN breaker whose
// reset-timeout has elapsed is promoted to HALF_OPEN here as well as in
// Admit, so introspection and the next invocation agree on the FSM state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ageLocked()
	if b.state == Open && time.Since(b.lastChange) >= b.policy.ResetTimeout {
		b.transitionLocked(HalfOpen)
	}
	return b.state
}

// Subscribe registers a channel that receives every Event. The channel is
// buffered; slow subscribers drop events rather than blocking the breaker's
// hot path (mirrors the anti-thundering-herd non-blocking send in the
// teacher's coordinator.Subscribe).
func (b *Breaker) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.subsMu.Lock()
	b.subs = append(b.subs, ch)
	b.subsMu.Unlock()
	return ch
}

func (b *Breaker) emit(ev Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Execute runs op, subject to the breaker's op-timeout and state. It
// returns ErrBreakerOpen without running op if the breaker is OPEN (or a
// probe is already in flight in HALF_OPEN), ErrOpTimeout if op exceeds the
// configured op-timeout, or op's own error/return value otherwise.
//
// Execute is the simple all-in-one entrypoint used directly by tests and by
// adapters that don't go through a connection pool. The Connection Manager
// instead uses Admit/Run/Ignore/Fail below, because pool acquisition sits
// *between* admission and the timed op and must not be charged against the
// breaker's rolling window.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	ticket, err := b.Admit()
	if err != nil {
		return err
	}
	return b.Run(ctx, ticket, op)
}

// Ticket represents an admitted invocation slot. It must be resolved by
// exactly one of Run, Ignore or Fail.
type Ticket struct {
	probing bool
}

// Admit decides whether a call may proceed, returning a Ticket that tracks
// whether this call is the single HALF_OPEN probe. It returns ErrBreakerOpen
// without admitting if the breaker is OPEN (before reset-timeout) or if a
// HALF_OPEN probe is already in flight.
func (b *Breaker) Admit() (*Ticket, error) {
	probing, err := b.admit()
	if err != nil {
		return nil, err
	}
	return &Ticket{probing: probing}, nil
}

// Run executes op under the breaker's op-timeout and records the outcome
// (success/failure) into the rolling window and FSM.
func (b *Breaker) Run(ctx context.Context, t *Ticket, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, b.policy.OpTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	var opErr error
	select {
	case opErr = <-done:
	case <-opCtx.Done():
		opErr = ErrOpTimeout
	}

	b.recordOutcome(t.probing, opErr)
	return opErr
}

// Ignore releases a ticket without affecting the rolling window or the FSM
// beyond freeing a HALF_OPEN probe slot. Used when the failure that
// prevented work from running was the pool's fault, not the store's —
// AcquireTimeout and PoolDrained.
func (b *Breaker) Ignore(t *Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && t.probing {
		b.halfOpenBusy = false
	}
}

// Fail records a failure for a ticket without having run op — used when
// FactoryFailed occurs during acquire, which counts as a breaker failure
// even though no work ran.
func (b *Breaker) Fail(t *Ticket) {
	b.recordOutcome(t.probing, errFactoryFailedMarker)
}

// errFactoryFailedMarker is an internal sentinel passed to recordOutcome to
// mark a failure; it is never returned to callers.
var errFactoryFailedMarker = errors.New("breaker: factory failed (internal marker)")

// admit decides whether a call may proceed, returning whether this call is
// the single HALF_OPEN probe.
func (b *Breaker) admit() (probing bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ageLocked()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if time.Since(b.lastChange) >= b.policy.ResetTimeout {
			b.transitionLocked(HalfOpen)
			b.halfOpenBusy = true
			return true, nil
		}
		return false, ErrBreakerOpen
	case HalfOpen:
		if b.halfOpenBusy {
			return false, ErrBreakerOpen
		}
		b.halfOpenBusy = true
		return true, nil
	}
	return false, ErrBreakerOpen
}

// recordOutcome updates the rolling window and applies FSM transitions.
func (b *Breaker) recordOutcome(probing bool, opErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ageLocked()
	cur := &b.buckets[len(b.buckets)-1]
	if opErr == nil {
		cur.successes++
	} else {
		cur.failures++
		b.emitLocked(Event{Kind: EventFailure, Key: b.key, At: time.Now(), NewState: b.state})
	}

	switch b.state {
	case HalfOpen:
		b.halfOpenBusy = false
		if !probing {
			// Non-probe calls never reach here (admit rejects them), but
			// guard anyway for defense in depth.
			return
		}
		if opErr == nil {
			b.transitionLocked(Closed)
			b.resetWindowLocked()
		} else {
			b.transitionLocked(Open)
		}
	case Closed:
		total, failures := b.totalsLocked()
		if total >= b.policy.VolumeThreshold {
			pct := float64(failures) / float64(total) * 100
			if pct >= b.policy.ErrorThresholdPct {
				b.transitionLocked(Open)
			}
		}
	case Open:
		// Outcomes while OPEN come from calls admitted before the breaker
		// opened; they are counted in the window above and cause no
		// transition.
	}
}

func (b *Breaker) totalsLocked() (total, failures int) {
	for _, bk := range b.buckets {
		total += bk.successes + bk.failures
		failures += bk.failures
	}
	return
}

// ageLocked drops buckets older than the rolling window and appends a new
// current bucket when the window has rolled forward. Caller holds b.mu.
func (b *Breaker) ageLocked() {
	now := time.Now()
	cur := b.buckets[len(b.buckets)-1]
	if now.Sub(cur.start) >= b.bucketWidth {
		b.buckets = append(b.buckets, bucket{start: now})
	}
	cutoff := now.Add(-b.policy.RollingWindow)
	i := 0
	for i < len(b.buckets)-1 && b.buckets[i].start.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.buckets = b.buckets[i:]
	}
}

func (b *Breaker) resetWindowLocked() {
	b.buckets = []bucket{{start: time.Now()}}
}

// transitionLocked moves the breaker to newState, updates bookkeeping,
// emits metrics and the subscriber event. Caller holds b.mu.
func (b *Breaker) transitionLocked(newState State) {
	if newState == b.state {
		return
	}
	b.state = newState
	b.lastChange = time.Now()
	metrics.BreakerState.WithLabelValues(b.key.Store.String(), metrics.TenantLabel(b.key.TenantID)).Set(newState.metricValue())

	var kind EventKind
	switch newState {
	case Open:
		kind = EventOpen
		metrics.BreakerOpenTotal.WithLabelValues(b.key.Store.String(), metrics.TenantLabel(b.key.TenantID)).Inc()
	case HalfOpen:
		kind = EventHalfOpen
	case Closed:
		kind = EventClose
	}
	b.logger.Info().Str("new_state", newState.String()).Msg("breaker transition")
	b.emitLocked(Event{Kind: kind, Key: b.key, At: b.lastChange, NewState: newState})
}

// emitLocked calls emit without holding b.mu for longer than necessary;
// b.mu is already held by the caller, so this copies nothing unsafe because
// emit only reads b.subs under its own mutex.
func (b *Breaker) emitLocked(ev Event) {
	b.emit(ev)
}
