package pool

import (
	"context"
	"log"
	"time"
)

// HealthCheck pings every idle connection across the pool and discards any
// that fail, replacing the idle list with only the survivors. The
// maintenance loop does not call it; it runs only when invoked directly
// (e.g. from an admin command).
func (bp *BucketPool) HealthCheck() {
	bp.mu.Lock()
	conns := make([]*PooledConn, len(bp.idle))
	copy(conns, bp.idle)
	bp.mu.Unlock()

	healthySet := make(map[uint64]bool, len(conns))
	removed := 0

	for _, conn := range conns {
		if checkConnHealth(conn) {
			healthySet[conn.ID()] = true
		} else {
			removed++
		}
	}

	if removed == 0 {
		return
	}

	bp.mu.Lock()
	newIdle := make([]*PooledConn, 0, len(bp.idle))
	for _, c := range bp.idle {
		if healthySet[c.ID()] {
			newIdle = append(newIdle, c)
		}
	}
	bp.idle = newIdle
	bp.updateMetrics()
	bp.mu.Unlock()

	log.Printf("[pool] bucket %s — health check: removed %d unhealthy connections",
		bp.bucket.ID, removed)
}

// checkConnHealth pings a single connection with a bounded timeout. On
// failure it closes the connection (it is no longer safe to return to the
// idle list) and logs a snapshot of its bookkeeping alongside the error.
// On success it stamps the connection's last-checked time.
func checkConnHealth(conn *PooledConn) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.db.PingContext(ctx); err != nil {
		snap := conn.Snapshot()
		log.Printf("[pool] bucket %s — health check failed for conn %d (age=%s, idle=%s, uses=%d): %v",
			snap.BucketID, snap.ID, snap.Age.Round(time.Second), snap.IdleFor.Round(time.Second), snap.UseCount, err)
		conn.Close()
		return false
	}

	conn.mu.Lock()
	conn.lastHealthCheck = time.Now()
	conn.mu.Unlock()
	return true
}
