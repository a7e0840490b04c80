// Package connpool implements a generic, bounded connection pool:
// acquire/release/validate/destroy over an abstract connection factory, a
// FIFO wait queue with acquire timeout, lazy growth and idle shrink-back.
// The same idle/active bookkeeping, LIFO idle reuse, and background
// maintenance loop as a single-store pool, generalized so the payload is
// an opaque `any` produced by a caller-supplied factory instead of a
// hardcoded *sql.DB — letting the relational, document and KV adapters
// all share one pool implementation.
package connpool

import (
	"time"
)

// PinReason describes why a connection is temporarily exempt from idle
// eviction and from being handed to a different logical operation — e.g.
// a connection holding an open transaction.
type PinReason string

const (
	PinNone        PinReason = ""
	PinTransaction PinReason = "transaction"
	PinPrepared    PinReason = "prepared"
	PinBulkLoad    PinReason = "bulk_load"
)

// connState is the lifecycle state of a slot: idle, checked-out, or
// being-destroyed.
type connState int

const (
	stateIdle connState = iota
	stateActive
	stateDestroyed
)

// PooledConn wraps an opaque driver handle with the bookkeeping the pool
// needs: identity, lifecycle state, timestamps and pin status. Store
// adapters type-assert Raw() back to their own connection type.
type PooledConn struct {
	id         uint64
	raw        any
	state      connState
	pinReason  PinReason
	pinnedAt   time.Time
	createdAt  time.Time
	lastUsedAt time.Time
	useCount   uint64
}

// Raw returns the underlying driver-level handle exactly as the factory
// produced it.
func (c *PooledConn) Raw() any { return c.raw }

// ID returns the connection's pool-local identifier.
func (c *PooledConn) ID() uint64 { return c.id }

// IsPinned reports whether the connection is currently pinned.
func (c *PooledConn) IsPinned() bool { return c.pinReason != PinNone }

// PinnedReason returns the current pin reason, or PinNone.
func (c *PooledConn) PinnedReason() PinReason { return c.pinReason }

// Pin marks the connection as pinned for reason. Calling Pin again with a
// different reason does not reset the pin clock.
func (c *PooledConn) Pin(reason PinReason) {
	if c.pinReason == PinNone {
		c.pinnedAt = time.Now()
	}
	c.pinReason = reason
}

// Unpin clears the pin and returns how long the connection was pinned.
func (c *PooledConn) Unpin() time.Duration {
	var dur time.Duration
	if c.pinReason != PinNone {
		dur = time.Since(c.pinnedAt)
	}
	c.pinReason = PinNone
	c.pinnedAt = time.Time{}
	return dur
}

// CreatedAt returns when the connection was established.
func (c *PooledConn) CreatedAt() time.Time { return c.createdAt }

// idleDuration reports how long the connection has sat idle.
func (c *PooledConn) idleDuration() time.Duration {
	return time.Since(c.lastUsedAt)
}

func (c *PooledConn) markAcquired() {
	c.state = stateActive
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *PooledConn) markIdle() {
	c.state = stateIdle
	c.lastUsedAt = time.Now()
}

func (c *PooledConn) markDestroyed() {
	c.state = stateDestroyed
}
