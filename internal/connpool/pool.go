package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/multidb/connectcore/internal/metrics"
	"github.com/multidb/connectcore/pkg/poolkey"
)

// Sentinel errors surfaced by Acquire.
var (
	ErrAcquireTimeout = errors.New("connpool: acquire timeout")
	ErrPoolDrained    = errors.New("connpool: pool drained")
)

// FactoryFailedError wraps a connection-factory error so callers can
// distinguish it from a work-execution failure.
type FactoryFailedError struct{ Cause error }

func (e *FactoryFailedError) Error() string {
	return fmt.Sprintf("connpool: factory failed: %v", e.Cause)
}
func (e *FactoryFailedError) Unwrap() error { return e.Cause }

// Factory creates a new raw connection.
type Factory func(ctx context.Context) (any, error)

// Validator checks that a raw connection is still usable. It must return
// within a small budget (≤100ms is typical); Pool enforces that budget
// itself so a misbehaving validator cannot stall acquisition.
type Validator func(ctx context.Context, raw any) error

// Destroyer releases OS/network resources held by a raw connection.
type Destroyer func(raw any)

// Reset restores a raw connection's session state before it re-enters the
// idle list, e.g. an sp_reset_connection-style cleanup after a released
// checkout. A reset failure destroys the connection instead of re-idling
// it.
type Reset func(ctx context.Context, raw any) error

// Options configures a Pool.
type Options struct {
	Key            poolkey.PoolKey
	MinPool        int
	MaxPool        int
	IdleTimeout    time.Duration // per-connection idle cap before shrink-back
	ValidateBudget time.Duration // validate-on-borrow timeout; default 100ms
	MaintainEvery  time.Duration // maintenance loop period; default 30s
	Factory        Factory
	Validator      Validator // optional
	Destroyer      Destroyer // optional
	Reset          Reset     // optional
	Tier           string    // label value only
}

// Stats is the observable snapshot of a pool.
type Stats struct {
	Size      int
	Available int
	Pending   int
	Max       int
}

// Pool is a bounded set of connections plus a FIFO wait queue, generic over
// the connection type via Options.Factory/Validator/Destroyer.
type Pool struct {
	mu sync.Mutex

	opts   Options
	nextID uint64
	logger zerolog.Logger

	idle     []*PooledConn // LIFO: most-recently-used at the tail
	active   map[uint64]*PooledConn
	building int // slots reserved for an in-flight createConn, counted against MaxPool
	waiters  []chan *PooledConn

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool and starts its background maintenance loop. It does
// not eagerly warm min-pool connections; call Warm to do that explicitly.
// Both warm-start and lazy growth are reasonable startup strategies; this
// implementation defaults to lazy but exposes Warm for callers that want
// an eager pool.
func New(opts Options) *Pool {
	if opts.ValidateBudget <= 0 {
		opts.ValidateBudget = 100 * time.Millisecond
	}
	if opts.MaintainEvery <= 0 {
		opts.MaintainEvery = 30 * time.Second
	}
	p := &Pool{
		opts:   opts,
		active: make(map[uint64]*PooledConn),
		stopCh: make(chan struct{}),
		logger: log.With().Str("component", "connpool").Str("pool_key", opts.Key.String()).Logger(),
	}
	p.wg.Add(1)
	go p.maintenanceLoop()
	return p
}

// Warm eagerly creates up to min-pool idle connections.
func (p *Pool) Warm(ctx context.Context) {
	p.mu.Lock()
	deficit := p.opts.MinPool - (len(p.idle) + len(p.active) + p.building)
	if deficit > 0 {
		p.building += deficit
	}
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		conn, err := p.createConn(ctx)
		p.mu.Lock()
		p.building--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("warm: failed to create connection")
			continue
		}
		p.idle = append(p.idle, conn)
		p.updateMetricsLocked()
		p.mu.Unlock()
	}
}

// Acquire obtains a connection, honoring deadline as the FIFO wait budget.
// Every Acquire is paired with exactly one Release or Destroy by the
// caller, including on cancellation and timeout.
func (p *Pool) Acquire(ctx context.Context, deadline time.Duration) (*PooledConn, error) {
	start := time.Now()
	defer func() {
		metrics.AcquireDuration.WithLabelValues(p.opts.Key.Store.String(), p.opts.Tier).Observe(time.Since(start).Seconds())
	}()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolDrained
	}

	if conn := p.popValidIdleLocked(ctx); conn != nil {
		conn.markAcquired()
		p.active[conn.id] = conn
		p.updateMetricsLocked()
		p.mu.Unlock()
		return conn, nil
	}

	// Reserve a slot against MaxPool before releasing the lock for the slow
	// factory call, so concurrent first-time acquirers past capacity fall
	// through to the FIFO waiter path below instead of all racing past the
	// capacity check and over-growing the pool.
	if len(p.idle)+len(p.active)+p.building < p.opts.MaxPool {
		p.building++
		p.mu.Unlock()

		conn, err := p.createConn(ctx)

		p.mu.Lock()
		p.building--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		conn.markAcquired()
		p.active[conn.id] = conn
		p.updateMetricsLocked()
		p.mu.Unlock()
		return conn, nil
	}

	// Pool is at capacity: join the FIFO wait queue.
	waiterCh := make(chan *PooledConn, 1)
	p.waiters = append(p.waiters, waiterCh)
	p.updateMetricsLocked()
	p.mu.Unlock()

	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case conn, ok := <-waiterCh:
		if !ok || conn == nil {
			return nil, ErrPoolDrained
		}
		return conn, nil
	case <-timer.C:
		p.abandonWaiter(waiterCh)
		return nil, ErrAcquireTimeout
	case <-ctx.Done():
		p.abandonWaiter(waiterCh)
		return nil, ctx.Err()
	}
}

// abandonWaiter removes a timed-out or cancelled waiter from the FIFO. A
// release racing the removal may already have handed a connection into the
// waiter's buffered channel; that connection is returned to the pool so it
// is never stranded in the active set.
func (p *Pool) abandonWaiter(ch chan *PooledConn) {
	p.removeWaiter(ch)
	select {
	case conn, ok := <-ch:
		if ok && conn != nil {
			p.Release(conn)
		}
	default:
	}
}

// Release returns a validated connection to the pool, or to the next
// waiter if one is queued, preserving FIFO fairness. If a Reset hook is
// configured it runs first; a reset failure destroys the connection and a
// replacement is built for any queued waiter.
func (p *Pool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		delete(p.active, conn.id)
		p.mu.Unlock()
		p.destroyConn(conn)
		return
	}
	delete(p.active, conn.id)
	p.mu.Unlock()

	if p.opts.Reset != nil {
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err := p.opts.Reset(rctx, conn.raw)
		cancel()
		if err != nil {
			p.logger.Warn().Err(err).Msg("release: session reset failed, destroying connection")
			p.destroyConn(conn)
			p.replenishForWaiter()
			return
		}
	}

	conn.markIdle()

	p.mu.Lock()
	if len(p.waiters) > 0 {
		waiterCh := p.waiters[0]
		p.waiters = p.waiters[1:]
		conn.markAcquired()
		p.active[conn.id] = conn
		p.updateMetricsLocked()
		p.mu.Unlock()
		waiterCh <- conn
		return
	}
	p.idle = append(p.idle, conn)
	p.updateMetricsLocked()
	p.mu.Unlock()
}

// Destroy forcibly removes conn from the pool (used on unrecoverable
// errors or work cancellation). If waiters are queued, a replacement
// connection is built for the head of the queue so destroying never
// strands the FIFO.
func (p *Pool) Destroy(conn *PooledConn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	delete(p.active, conn.id)
	p.updateMetricsLocked()
	p.mu.Unlock()
	p.destroyConn(conn)
	p.replenishForWaiter()
}

// Drain disallows new acquires, destroys idle connections, waits (up to
// timeout) for outstanding checkouts to be released, then destroys those
// too. Outstanding Acquire calls fail with ErrPoolDrained.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)

	for _, w := range p.waiters {
		close(w)
	}
	p.waiters = nil

	for _, c := range p.idle {
		go p.destroyConn(c)
	}
	p.idle = nil

	remaining := make([]*PooledConn, 0, len(p.active))
	for _, c := range p.active {
		remaining = append(remaining, c)
	}
	p.mu.Unlock()

	if len(remaining) > 0 {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			p.mu.Lock()
			n := len(p.active)
			p.mu.Unlock()
			if n == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	p.mu.Lock()
	leftover := make([]*PooledConn, 0, len(p.active))
	for _, c := range p.active {
		leftover = append(leftover, c)
	}
	p.active = nil
	p.mu.Unlock()

	for _, c := range leftover {
		p.destroyConn(c)
	}

	p.wg.Wait()
	p.logger.Info().Msg("pool drained")
}

// Stats returns the current pool snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      len(p.idle) + len(p.active),
		Available: len(p.idle),
		Pending:   len(p.waiters),
		Max:       p.opts.MaxPool,
	}
}

// ── internals ────────────────────────────────────────────────────────────

func (p *Pool) createConn(ctx context.Context) (*PooledConn, error) {
	raw, err := p.opts.Factory(ctx)
	if err != nil {
		return nil, &FactoryFailedError{Cause: err}
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	now := time.Now()
	return &PooledConn{
		id: id, raw: raw, state: stateIdle,
		createdAt: now, lastUsedAt: now,
	}, nil
}

// popValidIdleLocked pops the most-recently-used idle connection, skipping
// (and destroying) stale or failed-validation ones, until one passes or
// none remain. Caller holds p.mu; it is released and re-acquired around
// validation since Validator may do I/O.
func (p *Pool) popValidIdleLocked(ctx context.Context) *PooledConn {
	for len(p.idle) > 0 {
		n := len(p.idle) - 1
		conn := p.idle[n]
		p.idle = p.idle[:n]

		if p.opts.IdleTimeout > 0 && conn.idleDuration() > p.opts.IdleTimeout {
			p.mu.Unlock()
			p.destroyConn(conn)
			p.mu.Lock()
			continue
		}

		if p.opts.Validator != nil {
			p.mu.Unlock()
			vctx, cancel := context.WithTimeout(ctx, p.opts.ValidateBudget)
			err := p.opts.Validator(vctx, conn.raw)
			cancel()
			p.mu.Lock()
			if err != nil {
				p.mu.Unlock()
				p.destroyConn(conn)
				p.mu.Lock()
				continue
			}
		}
		return conn
	}
	return nil
}

func (p *Pool) destroyConn(conn *PooledConn) {
	conn.markDestroyed()
	if p.opts.Destroyer != nil {
		p.opts.Destroyer(conn.raw)
	}
}

// replenishForWaiter builds one replacement connection in the background
// when a destroy freed capacity while waiters are queued, handing it to
// the head of the FIFO (or the idle list if the waiter gave up meanwhile).
func (p *Pool) replenishForWaiter() {
	p.mu.Lock()
	if p.closed || len(p.waiters) == 0 || len(p.idle)+len(p.active)+p.building >= p.opts.MaxPool {
		p.mu.Unlock()
		return
	}
	p.building++
	p.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		conn, err := p.createConn(ctx)

		p.mu.Lock()
		p.building--
		if err != nil {
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("replenish: failed to create replacement connection")
			return
		}
		if p.closed {
			p.mu.Unlock()
			p.destroyConn(conn)
			return
		}
		if len(p.waiters) > 0 {
			waiterCh := p.waiters[0]
			p.waiters = p.waiters[1:]
			conn.markAcquired()
			p.active[conn.id] = conn
			p.updateMetricsLocked()
			p.mu.Unlock()
			waiterCh <- conn
			return
		}
		p.idle = append(p.idle, conn)
		p.updateMetricsLocked()
		p.mu.Unlock()
	}()
}

func (p *Pool) removeWaiter(ch chan *PooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.updateMetricsLocked()
}

func (p *Pool) updateMetricsLocked() {
	store := p.opts.Key.Store.String()
	tier := p.opts.Tier
	metrics.ActiveConnections.WithLabelValues(store, tier, metrics.TenantLabel(p.opts.Key.TenantID)).Set(float64(len(p.active)))
	metrics.PoolSize.WithLabelValues(store, tier, "total").Set(float64(len(p.idle) + len(p.active)))
	metrics.PoolSize.WithLabelValues(store, tier, "available").Set(float64(len(p.idle)))
	metrics.PoolSize.WithLabelValues(store, tier, "pending").Set(float64(len(p.waiters)))
}

// maintenanceLoop evicts idle connections beyond IdleTimeout and
// replenishes up to MinPool on a fixed tick (evictStale + ensureMinPool).
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.MaintainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictStale()
			p.ensureMinPool()
		}
	}
}

func (p *Pool) evictStale() {
	if p.opts.IdleTimeout <= 0 {
		return
	}
	p.mu.Lock()
	remaining := make([]*PooledConn, 0, len(p.idle))
	var evicted []*PooledConn
	for _, c := range p.idle {
		if c.idleDuration() > p.opts.IdleTimeout && len(remaining)+len(p.active) >= p.opts.MinPool {
			evicted = append(evicted, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	p.idle = remaining
	p.updateMetricsLocked()
	p.mu.Unlock()

	for _, c := range evicted {
		p.destroyConn(c)
	}
}

func (p *Pool) ensureMinPool() {
	p.mu.Lock()
	deficit := p.opts.MinPool - (len(p.idle) + len(p.active) + p.building)
	headroom := p.opts.MaxPool - (len(p.idle) + len(p.active) + p.building)
	if deficit > headroom {
		deficit = headroom
	}
	if deficit > 0 {
		p.building += deficit
	}
	p.mu.Unlock()
	if deficit <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := 0; i < deficit; i++ {
		conn, err := p.createConn(ctx)
		p.mu.Lock()
		p.building--
		if err != nil {
			remaining := deficit - i - 1
			p.building -= remaining // release reservations for attempts we won't make
			p.mu.Unlock()
			p.logger.Warn().Err(err).Msg("ensureMinPool: failed to create connection")
			return
		}
		p.idle = append(p.idle, conn)
		p.updateMetricsLocked()
		p.mu.Unlock()
	}
}
