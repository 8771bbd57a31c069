package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joao-brasil/dbproxy/internal/metrics"
	"github.com/joao-brasil/dbproxy/pkg/bucket"
)

// BucketPool manages a pool of MariaDB/MySQL connections for a single
// bucket: acquire/release semantics with configurable limits, a warm idle
// pool, stale-connection eviction, and health checking.
type BucketPool struct {
	mu sync.Mutex

	bucket *bucket.Bucket

	// idle holds connections available for reuse, most-recently-used last.
	idle []*PooledConn

	// active tracks connections currently checked out, keyed by connection ID.
	active map[uint64]*PooledConn

	nextID atomic.Uint64

	closed bool

	// waiters is a channel-based queue of callers blocked on Acquire. Each
	// waiter posts a channel that will receive the connection handed to it.
	waiters []chan *PooledConn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBucketPool creates a pool for the given bucket and eagerly opens
// min_idle connections.
func NewBucketPool(ctx context.Context, b *bucket.Bucket) (*BucketPool, error) {
	bp := &BucketPool{
		bucket: b,
		idle:   make([]*PooledConn, 0, b.MaxConnections),
		active: make(map[uint64]*PooledConn),
		stopCh: make(chan struct{}),
	}

	for i := 0; i < b.MinIdle; i++ {
		conn, err := bp.createConn(ctx)
		if err != nil {
			log.Printf("[pool] WARNING: bucket %s — failed to create warm connection %d/%d: %v",
				b.ID, i+1, b.MinIdle, err)
			continue
		}
		bp.idle = append(bp.idle, conn)
	}

	bp.updateMetrics()
	log.Printf("[pool] bucket %s — pool initialized: %d idle, max=%d",
		b.ID, len(bp.idle), b.MaxConnections)

	bp.wg.Add(1)
	go bp.maintenanceLoop()

	return bp, nil
}

// Acquire obtains a connection from the pool. If none are available and the
// pool is already at capacity, the caller blocks until one is released, the
// queue times out, or ctx is cancelled.
func (bp *BucketPool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return nil, fmt.Errorf("pool closed for bucket %s", bp.bucket.ID)
	}

	if conn := bp.popIdle(); conn != nil {
		bp.active[conn.id] = conn
		conn.markAcquired()
		bp.updateMetrics()
		bp.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "acquired").Inc()
		return conn, nil
	}

	if total := len(bp.idle) + len(bp.active); total < bp.bucket.MaxConnections {
		bp.mu.Unlock()
		conn, err := bp.createConn(ctx)
		if err != nil {
			metrics.ConnectionErrors.WithLabelValues(bp.bucket.ID, "create_failed").Inc()
			return nil, fmt.Errorf("creating connection for bucket %s: %w", bp.bucket.ID, err)
		}
		conn.markAcquired()
		bp.mu.Lock()
		bp.active[conn.id] = conn
		bp.updateMetrics()
		bp.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "acquired").Inc()
		return conn, nil
	}

	waiterCh := bp.enqueueWaiter()
	bp.mu.Unlock()

	log.Printf("[pool] bucket %s — connection queue entered, position=%d",
		bp.bucket.ID, len(bp.waiters))

	queueTimeout := bp.bucket.QueueTimeout
	if queueTimeout == 0 {
		queueTimeout = 30 * time.Second
	}
	timer := time.NewTimer(queueTimeout)
	defer timer.Stop()

	select {
	case conn := <-waiterCh:
		if conn == nil {
			metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "queue_error").Inc()
			return nil, fmt.Errorf("pool closed while waiting for bucket %s", bp.bucket.ID)
		}
		metrics.QueueWaitDuration.WithLabelValues(bp.bucket.ID).Observe(time.Since(start).Seconds())
		metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "acquired").Inc()
		return conn, nil

	case <-timer.C:
		bp.dequeueWaiter(waiterCh)
		metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "timeout").Inc()
		metrics.QueueWaitDuration.WithLabelValues(bp.bucket.ID).Observe(time.Since(start).Seconds())
		return nil, fmt.Errorf("queue timeout (%v) for bucket %s", queueTimeout, bp.bucket.ID)

	case <-ctx.Done():
		bp.dequeueWaiter(waiterCh)
		metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "cancelled").Inc()
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool. It runs RESET CONNECTION to
// scrub session state before the connection becomes reusable.
func (bp *BucketPool) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		conn.Close()
		return
	}
	delete(bp.active, conn.id)
	bp.mu.Unlock()

	if err := bp.resetConnection(conn); err != nil {
		log.Printf("[pool] bucket %s — RESET CONNECTION failed on conn %d, closing: %v",
			bp.bucket.ID, conn.id, err)
		conn.Close()
		metrics.ConnectionErrors.WithLabelValues(bp.bucket.ID, "reset_failed").Inc()
		bp.mu.Lock()
		bp.updateMetrics()
		bp.mu.Unlock()
		return
	}

	conn.markIdle()

	bp.mu.Lock()
	if waiterCh, ok := bp.popWaiter(); ok {
		conn.markAcquired()
		bp.active[conn.id] = conn
		bp.updateMetrics()
		bp.mu.Unlock()
		waiterCh <- conn
		metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "released").Inc()
		return
	}

	bp.idle = append(bp.idle, conn)
	bp.updateMetrics()
	bp.mu.Unlock()
	metrics.ConnectionsTotal.WithLabelValues(bp.bucket.ID, "released").Inc()
}

// Discard permanently removes a connection from the pool, e.g. on error.
func (bp *BucketPool) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}
	bp.mu.Lock()
	delete(bp.active, conn.id)
	bp.updateMetrics()
	bp.mu.Unlock()
	conn.Close()
	metrics.ConnectionErrors.WithLabelValues(bp.bucket.ID, "discarded").Inc()
}

// Close shuts the pool down, closing every connection and unblocking any
// waiters with a nil delivery.
func (bp *BucketPool) Close() error {
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return nil
	}
	bp.closed = true
	close(bp.stopCh)

	for _, w := range bp.waiters {
		close(w)
	}
	bp.waiters = nil

	for _, c := range bp.idle {
		c.Close()
	}
	bp.idle = nil

	for _, c := range bp.active {
		c.Close()
	}
	bp.active = nil
	bp.mu.Unlock()

	bp.wg.Wait()

	log.Printf("[pool] bucket %s — pool closed", bp.bucket.ID)
	return nil
}

// Stats returns the pool's current statistics, including how many active
// connections are pinned (spec.md §6 admin-surface consumer contract).
func (bp *BucketPool) Stats() PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	pinned := 0
	for _, c := range bp.active {
		if c.IsPinned() {
			pinned++
		}
	}

	return PoolStats{
		BucketID:  bp.bucket.ID,
		Active:    len(bp.active),
		Idle:      len(bp.idle),
		Pinned:    pinned,
		Max:       bp.bucket.MaxConnections,
		WaitQueue: len(bp.waiters),
	}
}

// PoolStats is a point-in-time view of a bucket's pool.
type PoolStats struct {
	BucketID  string
	Active    int
	Idle      int
	Pinned    int
	Max       int
	WaitQueue int
}

// ── internal helpers ─────────────────────────────────────────────────────

func (bp *BucketPool) createConn(ctx context.Context) (*PooledConn, error) {
	id := bp.nextID.Add(1)

	db, err := sql.Open("mysql", bp.bucket.DSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// sql.DB is used as a single-connection pool (MaxOpenConns=1) so each
	// PooledConn maps 1:1 onto one physical MariaDB/MySQL connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0) // lifetime is managed by this package, not database/sql

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return newPooledConn(id, bp.bucket.ID, db), nil
}

// popIdle removes and returns the most-recently-used idle connection,
// skipping over any that went stale. Returns nil if none are available.
// Caller must hold bp.mu.
func (bp *BucketPool) popIdle() *PooledConn {
	for len(bp.idle) > 0 {
		n := len(bp.idle) - 1
		conn := bp.idle[n]
		bp.idle = bp.idle[:n]

		if bp.bucket.MaxIdleTime > 0 && conn.idleDuration() > bp.bucket.MaxIdleTime {
			conn.Close()
			continue
		}
		return conn
	}
	return nil
}

// enqueueWaiter appends a new waiter channel to the queue and updates the
// queue-length gauge. Caller must hold bp.mu.
func (bp *BucketPool) enqueueWaiter() chan *PooledConn {
	ch := make(chan *PooledConn, 1)
	bp.waiters = append(bp.waiters, ch)
	metrics.QueueLength.WithLabelValues(bp.bucket.ID).Set(float64(len(bp.waiters)))
	return ch
}

// popWaiter removes and returns the oldest waiter, if any. Caller must hold bp.mu.
func (bp *BucketPool) popWaiter() (chan *PooledConn, bool) {
	if len(bp.waiters) == 0 {
		return nil, false
	}
	ch := bp.waiters[0]
	bp.waiters = bp.waiters[1:]
	metrics.QueueLength.WithLabelValues(bp.bucket.ID).Set(float64(len(bp.waiters)))
	return ch, true
}

// dequeueWaiter removes a specific waiter channel (timeout/cancellation path).
func (bp *BucketPool) dequeueWaiter(ch chan *PooledConn) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for i, w := range bp.waiters {
		if w == ch {
			bp.waiters = append(bp.waiters[:i], bp.waiters[i+1:]...)
			metrics.QueueLength.WithLabelValues(bp.bucket.ID).Set(float64(len(bp.waiters)))
			break
		}
	}
}

// resetConnection runs RESET CONNECTION to scrub session state (the
// MariaDB/MySQL equivalent of SQL Server's sp_reset_connection: clears user
// variables, temp tables, and locks without tearing down authentication).
// Requires MariaDB >= 10.2 / MySQL >= 5.7; older servers would need a
// KILL-and-reconnect fallback, which this pool does not implement.
func (bp *BucketPool) resetConnection(conn *PooledConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.db.ExecContext(ctx, "RESET CONNECTION")
	return err
}

func (bp *BucketPool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(bp.bucket.ID).Set(float64(len(bp.active)))
	metrics.ConnectionsIdle.WithLabelValues(bp.bucket.ID).Set(float64(len(bp.idle)))
}

// maintenanceLoop runs periodic eviction and min-idle replenishment.
func (bp *BucketPool) maintenanceLoop() {
	defer bp.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-bp.stopCh:
			return
		case <-ticker.C:
			bp.evictStale()
			bp.ensureMinIdle()
		}
	}
}

// evictStale removes idle connections that exceeded max_idle_time.
func (bp *BucketPool) evictStale() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if bp.bucket.MaxIdleTime == 0 {
		return
	}

	remaining := make([]*PooledConn, 0, len(bp.idle))
	evicted := 0
	for _, conn := range bp.idle {
		if conn.idleDuration() > bp.bucket.MaxIdleTime {
			conn.Close()
			evicted++
		} else {
			remaining = append(remaining, conn)
		}
	}
	bp.idle = remaining

	if evicted > 0 {
		log.Printf("[pool] bucket %s — evicted %d stale connections", bp.bucket.ID, evicted)
		bp.updateMetrics()
	}
}

// ensureMinIdle creates new connections to keep the pool at min_idle.
func (bp *BucketPool) ensureMinIdle() {
	bp.mu.Lock()
	deficit := bp.bucket.MinIdle - len(bp.idle)
	total := len(bp.idle) + len(bp.active)
	headroom := bp.bucket.MaxConnections - total
	if deficit > headroom {
		deficit = headroom
	}
	bp.mu.Unlock()

	if deficit <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created := 0
	for i := 0; i < deficit; i++ {
		conn, err := bp.createConn(ctx)
		if err != nil {
			log.Printf("[pool] bucket %s — failed to create min_idle connection: %v",
				bp.bucket.ID, err)
			break
		}
		bp.mu.Lock()
		bp.idle = append(bp.idle, conn)
		bp.mu.Unlock()
		created++
	}

	if created > 0 {
		bp.mu.Lock()
		bp.updateMetrics()
		bp.mu.Unlock()
		log.Printf("[pool] bucket %s — replenished %d idle connections", bp.bucket.ID, created)
	}
}
