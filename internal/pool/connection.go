// Package pool implements the backend connection-pool manager for MariaDB/MySQL.
// Each bucket owns its own pool with a configurable min_idle, max_connections,
// health checking, and a RESET CONNECTION on release.
package pool

import (
	"database/sql"
	"sync"
	"time"
)

// PinReason describes why a connection is pinned (not returnable to the pool).
// Values mirror mariadb.PinResult.Reason (internal/mariadb/pinning.go).
type PinReason string

const (
	PinNone        PinReason = ""
	PinTransaction PinReason = "transaction"
	PinPrepared    PinReason = "prepared"
	PinTempTable   PinReason = "temp_table"
	PinTableLock   PinReason = "table_lock"
)

// ConnState is a pooled connection's lifecycle state.
type ConnState int

const (
	ConnStateIdle   ConnState = iota // sitting in the pool, available
	ConnStateActive                  // checked out by a caller
	ConnStateClosed                  // removed from the pool
)

func (s ConnState) String() string {
	switch s {
	case ConnStateActive:
		return "active"
	case ConnStateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// PooledConn wraps a *sql.DB with the bookkeeping BucketPool needs to manage
// it: identity, lifecycle state, pin state, and usage timestamps.
type PooledConn struct {
	mu sync.Mutex

	db *sql.DB

	id       uint64
	bucketID string

	state ConnState

	pinReason PinReason
	pinnedAt  time.Time

	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthCheck time.Time

	useCount uint64
}

func newPooledConn(id uint64, bucketID string, db *sql.DB) *PooledConn {
	now := time.Now()
	return &PooledConn{
		db:              db,
		id:              id,
		bucketID:        bucketID,
		state:           ConnStateIdle,
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// DB returns the underlying *sql.DB.
func (c *PooledConn) DB() *sql.DB { return c.db }

// ID returns the connection's unique identifier within its pool.
func (c *PooledConn) ID() uint64 { return c.id }

// BucketID returns the bucket this connection belongs to.
func (c *PooledConn) BucketID() string { return c.bucketID }

// State returns the connection's current lifecycle state.
func (c *PooledConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsPinned reports whether the connection is currently pinned.
func (c *PooledConn) IsPinned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinReason != PinNone
}

// PinReason returns the current pin reason, if any.
func (c *PooledConn) PinReason() PinReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinReason
}

// Pin marks the connection as pinned for the given reason.
func (c *PooledConn) Pin(reason PinReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinReason == PinNone {
		c.pinnedAt = time.Now()
	}
	c.pinReason = reason
}

// Unpin clears the pin reason and returns how long the connection was pinned.
func (c *PooledConn) Unpin() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var dur time.Duration
	if c.pinReason != PinNone {
		dur = time.Since(c.pinnedAt)
	}
	c.pinReason = PinNone
	c.pinnedAt = time.Time{}
	return dur
}

func (c *PooledConn) markAcquired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateActive
	c.lastUsedAt = time.Now()
	c.useCount++
}

func (c *PooledConn) markIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsedAt = time.Now()
}

func (c *PooledConn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateClosed
}

func (c *PooledConn) idleDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// Close closes the underlying database connection.
func (c *PooledConn) Close() error {
	c.markClosed()
	return c.db.Close()
}

// ConnSnapshot is a point-in-time view of a pooled connection's bookkeeping,
// cheap enough to build under the connection's own lock and hand to a caller
// that cannot itself take that lock (an admin "show pool" surface per
// spec.md §6, or a health-check log line).
type ConnSnapshot struct {
	ID         uint64
	BucketID   string
	State      ConnState
	PinReason  PinReason
	UseCount   uint64
	Age        time.Duration
	IdleFor    time.Duration
	SinceCheck time.Duration
}

// Snapshot captures the connection's current bookkeeping under its lock.
func (c *PooledConn) Snapshot() ConnSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	return ConnSnapshot{
		ID:         c.id,
		BucketID:   c.bucketID,
		State:      c.state,
		PinReason:  c.pinReason,
		UseCount:   c.useCount,
		Age:        now.Sub(c.createdAt),
		IdleFor:    now.Sub(c.lastUsedAt),
		SinceCheck: now.Sub(c.lastHealthCheck),
	}
}
