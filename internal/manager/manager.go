// Package manager implements the Connection Manager: it owns Pools,
// Breakers and ConnectionMetadata namespaced by PoolKey, constructs them
// lazily and serialized per key, runs the idle-reclaimer, and exposes the
// single execute() entrypoint adapters are built on.
//
// A map[string]*Pool behind a mutex, with Acquire/Release/Discard/Stats
// delegating to the right pool, extended here to also own a Breaker and
// metadata per key and to fold the execute() orchestration that would
// otherwise be scattered ad-hoc across callers into one entrypoint.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/breaker"
	"github.com/multidb/connectcore/internal/connpool"
	"github.com/multidb/connectcore/internal/metrics"
	"github.com/multidb/connectcore/internal/tierpolicy"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// WorkError wraps a failure returned by the caller-supplied work closure,
// preserving the underlying cause for observability.
type WorkError struct{ Cause error }

func (e *WorkError) Error() string { return fmt.Sprintf("manager: work failed: %v", e.Cause) }
func (e *WorkError) Unwrap() error { return e.Cause }

// EventKind identifies the lifecycle events the Manager publishes to
// subscribers: pool construction/drain plus the breaker transitions
// forwarded from each PoolKey's Breaker.
type EventKind int

const (
	EventPoolCreated EventKind = iota
	EventPoolDrained
	EventCircuitOpen
	EventCircuitHalfOpen
	EventCircuitClosed
)

// Event is delivered to Manager subscribers in emission order per PoolKey.
type Event struct {
	Kind EventKind
	Key  poolkey.PoolKey
	At   time.Time
}

// Entry bundles the Pool, Breaker and metadata owned for one PoolKey.
type Entry struct {
	Key     poolkey.PoolKey
	Pool    *connpool.Pool
	Breaker *breaker.Breaker
	Meta    *Metadata

	// admission gates how many concurrent execute() calls this PoolKey
	// admits, sized by tierpolicy's MaxConcurrent. A nil channel means no
	// ceiling (MaxConcurrent <= 0).
	admission chan struct{}

	// done stops the breaker-event forwarding goroutine when the entry is
	// closed or reclaimed.
	done chan struct{}
}

// Metadata tracks per-PoolKey connection bookkeeping: one instance per
// active PoolKey, created lazily on first use.
type Metadata struct {
	mu sync.Mutex

	Key        poolkey.PoolKey
	Tier       poolkey.Tier
	CreatedAt  time.Time
	lastUsedAt time.Time
	queryCount uint64
	errorCount uint64
}

func newMetadata(key poolkey.PoolKey, tier poolkey.Tier) *Metadata {
	now := time.Now()
	return &Metadata{Key: key, Tier: tier, CreatedAt: now, lastUsedAt: now}
}

// LastUsedAt returns the last time execute() touched this PoolKey.
func (m *Metadata) LastUsedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUsedAt
}

// QueryCount returns the monotonically non-decreasing query count.
func (m *Metadata) QueryCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryCount
}

// ErrorCount returns the monotonically non-decreasing error count.
func (m *Metadata) ErrorCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errorCount
}

func (m *Metadata) recordOutcome(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsedAt = time.Now()
	m.queryCount++
	if !success {
		m.errorCount++
	}
}

func (m *Metadata) touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsedAt = time.Now()
}

// AdapterFactory builds a connpool.Factory/Validator/Destroyer triple for a
// given PoolKey; store adapters register one per StoreKind so the Manager
// never needs to know connection-construction details.
type AdapterFactory interface {
	NewFactory(key poolkey.PoolKey) connpool.Factory
	NewValidator(key poolkey.PoolKey) connpool.Validator
	NewDestroyer(key poolkey.PoolKey) connpool.Destroyer
	BreakerPolicy() breaker.Policy
}

// PoolSizer is an optional interface an AdapterFactory may implement to
// adjust the tier policy's pool bounds per PoolKey — e.g. the replica-aware
// KV adapter sizes its read pool wider than its write pool.
type PoolSizer interface {
	PoolSizeHint(key poolkey.PoolKey, min, max int) (int, int)
}

// ConnResetter is an optional interface an AdapterFactory may implement to
// supply a session-reset hook run by the pool before a released connection
// re-enters the idle list.
type ConnResetter interface {
	NewResetter(key poolkey.PoolKey) connpool.Reset
}

// Manager is the process-wide singleton: global mutable state with
// explicit New/CloseAll lifecycle. Tests should construct a fresh
// Manager (New) per case rather than sharing one.
type Manager struct {
	mu       sync.Mutex
	entries  map[poolkey.PoolKey]*Entry
	building map[poolkey.PoolKey]chan struct{} // serializes concurrent first-use

	adapters map[poolkey.StoreKind]AdapterFactory

	idleTimeout  time.Duration
	reclaimEvery time.Duration
	stopCh       chan struct{}
	wg           sync.WaitGroup
	closed       bool

	subsMu sync.Mutex
	subs   []chan Event

	logger zerolog.Logger
}

// Options configures a Manager.
type Options struct {
	IdleTimeout     time.Duration // default 5m
	ReclaimInterval time.Duration // default 5m
}

// New constructs a Manager and starts its idle-reclaimer loop.
func New(opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ReclaimInterval <= 0 {
		opts.ReclaimInterval = 5 * time.Minute
	}
	m := &Manager{
		entries:      make(map[poolkey.PoolKey]*Entry),
		building:     make(map[poolkey.PoolKey]chan struct{}),
		adapters:     make(map[poolkey.StoreKind]AdapterFactory),
		idleTimeout:  opts.IdleTimeout,
		reclaimEvery: opts.ReclaimInterval,
		stopCh:       make(chan struct{}),
		logger:       log.With().Str("component", "manager").Logger(),
	}
	metrics.ManagerUp.Set(1)
	m.wg.Add(1)
	go m.idleReclaimLoop()
	return m
}

// RegisterAdapter wires a store kind's AdapterFactory. Must be called
// before any execute() call against that StoreKind.
func (m *Manager) RegisterAdapter(kind poolkey.StoreKind, af AdapterFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[kind] = af
}

// Subscribe registers a channel that receives every pool-created,
// pool-drained and circuit state-change Event. The channel is buffered;
// slow subscribers drop events rather than blocking the hot path.
func (m *Manager) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) emit(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// getOrBuild returns the Entry for key, constructing it if this is the
// first use. Concurrent first-use callers for the same key are serialized
// so exactly one builds the Pool/Breaker/Metadata and the rest reuse it.
func (m *Manager) getOrBuild(ctx context.Context, key poolkey.PoolKey, tier poolkey.Tier) (*Entry, error) {
	for {
		m.mu.Lock()
		if e, ok := m.entries[key]; ok {
			m.mu.Unlock()
			return e, nil
		}
		if ch, building := m.building[key]; building {
			m.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		m.building[key] = ch
		m.mu.Unlock()

		entry, err := m.build(key, tier)

		m.mu.Lock()
		delete(m.building, key)
		if err == nil {
			m.entries[key] = entry
		}
		close(ch)
		m.mu.Unlock()

		return entry, err
	}
}

func (m *Manager) build(key poolkey.PoolKey, tier poolkey.Tier) (*Entry, error) {
	m.mu.Lock()
	af, ok := m.adapters[key.Store]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("manager: no adapter registered for store %s", key.Store)
	}

	policy := tierpolicy.Lookup(tier)
	minPool, maxPool := policy.MinPool, policy.MaxPool
	if sizer, ok := af.(PoolSizer); ok {
		minPool, maxPool = sizer.PoolSizeHint(key, minPool, maxPool)
	}
	var reset connpool.Reset
	if rs, ok := af.(ConnResetter); ok {
		reset = rs.NewResetter(key)
	}

	pool := connpool.New(connpool.Options{
		Key:         key,
		MinPool:     minPool,
		MaxPool:     maxPool,
		IdleTimeout: 30 * time.Second,
		Factory:     af.NewFactory(key),
		Validator:   af.NewValidator(key),
		Destroyer:   af.NewDestroyer(key),
		Reset:       reset,
		Tier:        tier.String(),
	})

	br := breaker.New(key, af.BreakerPolicy())
	m.logger.Info().Str("pool_key", key.String()).Str("tier", tier.String()).Msg("pool constructed")

	var admission chan struct{}
	if policy.MaxConcurrent > 0 {
		admission = make(chan struct{}, policy.MaxConcurrent)
	}

	entry := &Entry{
		Key: key, Pool: pool, Breaker: br, Meta: newMetadata(key, tier),
		admission: admission, done: make(chan struct{}),
	}
	go m.forwardBreakerEvents(entry, br.Subscribe())

	m.emit(Event{Kind: EventPoolCreated, Key: key, At: time.Now()})
	return entry, nil
}

// forwardBreakerEvents republishes a breaker's state-change events to
// Manager subscribers, preserving their per-PoolKey order.
func (m *Manager) forwardBreakerEvents(e *Entry, events <-chan breaker.Event) {
	for {
		select {
		case <-e.done:
			return
		case <-m.stopCh:
			return
		case ev := <-events:
			var kind EventKind
			switch ev.Kind {
			case breaker.EventOpen:
				kind = EventCircuitOpen
			case breaker.EventHalfOpen:
				kind = EventCircuitHalfOpen
			case breaker.EventClose:
				kind = EventCircuitClosed
			default:
				continue
			}
			m.emit(Event{Kind: kind, Key: ev.Key, At: ev.At})
		}
	}
}

// Execute is the manager's single hot-path entrypoint: it consults the
// Breaker, acquires a connection within connect-timeout, runs work within
// query-timeout, releases or destroys the connection, and records outcome
// to metrics and metadata.
func Execute[T any](ctx context.Context, m *Manager, key poolkey.PoolKey, tier poolkey.Tier, opName string, work func(context.Context, *connpool.PooledConn) (T, error)) (T, error) {
	var zero T

	entry, err := m.getOrBuild(ctx, key, tier)
	if err != nil {
		return zero, err
	}

	policy := tierpolicy.Lookup(tier)
	store := key.Store.String()
	tierLabel := tier.String()

	// MaxConcurrent bounds how many simultaneous execute() calls this
	// PoolKey admits; excess callers wait here, bounded by connect-timeout,
	// before ever reaching the breaker or the pool.
	if entry.admission != nil {
		timer := time.NewTimer(policy.ConnectTimeout)
		select {
		case entry.admission <- struct{}{}:
			timer.Stop()
		case <-timer.C:
			entry.Meta.recordOutcome(false)
			metrics.QueriesTotal.WithLabelValues(store, tierLabel, "error").Inc()
			metrics.ErrorsTotal.WithLabelValues(store, tierLabel, "acquire_timeout").Inc()
			return zero, connpool.ErrAcquireTimeout
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		}
		defer func() { <-entry.admission }()
	}

	// Admission happens before acquisition: a tripped breaker rejects the
	// call with no connection ever checked out.
	ticket, admitErr := entry.Breaker.Admit()
	if admitErr != nil {
		entry.Meta.recordOutcome(false)
		metrics.QueriesTotal.WithLabelValues(store, tierLabel, "error").Inc()
		metrics.ErrorsTotal.WithLabelValues(store, tierLabel, classify(admitErr)).Inc()
		return zero, admitErr
	}

	acquireCtx, acquireCancel := context.WithTimeout(ctx, policy.ConnectTimeout)
	conn, aerr := entry.Pool.Acquire(acquireCtx, policy.ConnectTimeout)
	acquireCancel()

	if aerr != nil {
		// Pool-saturation failures (AcquireTimeout, PoolDrained) are not the
		// store's fault and must not count toward the breaker's rolling
		// window; a FactoryFailed during acquire means the store itself
		// refused a new connection and does count.
		var fe *connpool.FactoryFailedError
		if errors.As(aerr, &fe) {
			entry.Breaker.Fail(ticket)
		} else {
			entry.Breaker.Ignore(ticket)
		}

		entry.Meta.recordOutcome(false)
		metrics.QueriesTotal.WithLabelValues(store, tierLabel, "error").Inc()
		metrics.ErrorsTotal.WithLabelValues(store, tierLabel, classify(aerr)).Inc()
		return zero, aerr
	}

	var result T
	runErr := entry.Breaker.Run(ctx, ticket, func(opCtx context.Context) error {
		workCtx, workCancel := context.WithTimeout(opCtx, policy.QueryTimeout)
		defer workCancel()

		start := time.Now()
		r, werr := work(workCtx, conn)
		metrics.QueryDuration.WithLabelValues(store, tierLabel, opName).Observe(time.Since(start).Seconds())

		if werr != nil {
			// Any work failure, including cancellation/timeout, destroys
			// the connection rather than returning it to idle — this
			// adapter-agnostic layer conservatively always destroys, and
			// the work closure has no way to return the connection to
			// idle instead.
			entry.Pool.Destroy(conn)
			return &WorkError{Cause: werr}
		}

		entry.Pool.Release(conn)
		result = r
		return nil
	})

	success := runErr == nil
	entry.Meta.recordOutcome(success)

	if success {
		metrics.QueriesTotal.WithLabelValues(store, tierLabel, "success").Inc()
		return result, nil
	}

	metrics.QueriesTotal.WithLabelValues(store, tierLabel, "error").Inc()
	metrics.ErrorsTotal.WithLabelValues(store, tierLabel, classify(runErr)).Inc()

	return zero, runErr
}

func classify(err error) string {
	switch {
	case errors.Is(err, breaker.ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, breaker.ErrOpTimeout):
		return "op_timeout"
	case errors.Is(err, connpool.ErrAcquireTimeout):
		return "acquire_timeout"
	case errors.Is(err, connpool.ErrPoolDrained):
		return "pool_drained"
	default:
		var fe *connpool.FactoryFailedError
		if errors.As(err, &fe) {
			return "factory_failed"
		}
		var we *WorkError
		if errors.As(err, &we) {
			return "work_error"
		}
		return "unknown"
	}
}

// Metadata returns the ConnectionMetadata for key, if it exists.
func (m *Manager) Metadata(key poolkey.PoolKey) (*Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.Meta, true
}

// AllMetadata returns ConnectionMetadata for every active PoolKey.
func (m *Manager) AllMetadata() map[poolkey.PoolKey]*Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[poolkey.PoolKey]*Metadata, len(m.entries))
	for k, e := range m.entries {
		out[k] = e.Meta
	}
	return out
}

// PoolStats returns the Pool snapshot for key, if it exists.
func (m *Manager) PoolStats(key poolkey.PoolKey) (connpool.Stats, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return connpool.Stats{}, false
	}
	return e.Pool.Stats(), true
}

// Health reports true iff the breaker for key is not OPEN. An unknown key
// is considered healthy (nothing has failed yet).
func (m *Manager) Health(key poolkey.PoolKey) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return true
	}
	return e.Breaker.State() != breaker.Open
}

// Close drains and removes the Pool/Breaker/Metadata for a single key.
func (m *Manager) Close(key poolkey.PoolKey) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if ok {
		close(e.done)
		e.Pool.Drain(10 * time.Second)
		m.emit(Event{Kind: EventPoolDrained, Key: key, At: time.Now()})
	}
}

// CloseIdle runs one idle-reclaim pass immediately, draining every PoolKey
// whose last use is older than the idle timeout. The background reclaimer
// calls the same logic on its own tick.
func (m *Manager) CloseIdle() {
	m.reclaimIdle()
}

// CloseAll drains every pool and stops the idle-reclaimer.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.stopCh)
	entries := m.entries
	m.entries = make(map[poolkey.PoolKey]*Entry)
	m.mu.Unlock()

	m.wg.Wait()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *Entry) {
			defer wg.Done()
			close(e.done)
			e.Pool.Drain(10 * time.Second)
			m.emit(Event{Kind: EventPoolDrained, Key: e.Key, At: time.Now()})
		}(e)
	}
	wg.Wait()

	metrics.ManagerUp.Set(0)
	m.logger.Info().Msg("manager closed")
}

// idleReclaimLoop periodically drains and removes PoolKeys that have been
// idle longer than idleTimeout.
func (m *Manager) idleReclaimLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reclaimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reclaimIdle()
		}
	}
}

func (m *Manager) reclaimIdle() {
	now := time.Now()
	m.mu.Lock()
	var stale []poolkey.PoolKey
	for k, e := range m.entries {
		if now.Sub(e.Meta.LastUsedAt()) >= m.idleTimeout {
			stale = append(stale, k)
		}
	}
	m.mu.Unlock()

	for _, k := range stale {
		m.Close(k)
		m.logger.Info().Str("pool_key", k.String()).Msg("idle-reclaimed")
	}
}
