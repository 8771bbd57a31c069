package pool

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/joao-brasil/dbproxy/internal/config"
	"github.com/joao-brasil/dbproxy/pkg/bucket"
)

// Manager owns one BucketPool per configured bucket. It is the entry point
// for single-instance pooling; when the Redis coordinator is enabled, it
// sits in front of the Manager to enforce cluster-wide limits rather than
// replacing it.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*BucketPool // keyed by bucket ID
	cfg   *config.Config
}

// NewManager builds a Manager with one BucketPool per configured bucket.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	m := &Manager{
		pools: make(map[string]*BucketPool, len(cfg.Buckets)),
		cfg:   cfg,
	}

	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		pool, err := NewBucketPool(ctx, b)
		if err != nil {
			m.Close() // tear down any pools already created before returning
			return nil, fmt.Errorf("initializing pool for bucket %s: %w", b.ID, err)
		}
		m.pools[b.ID] = pool
	}

	log.Printf("[pool] manager initialized: %d bucket pools", len(m.pools))
	return m, nil
}

// poolFor looks up the pool owning a bucket ID. It is the single lookup
// path shared by every Manager method that needs to address one bucket's
// pool, so the "unknown bucket" handling only lives in one place.
func (m *Manager) poolFor(bucketID string) (*BucketPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[bucketID]
	return p, ok
}

// Acquire obtains a connection from the pool for the given bucket.
func (m *Manager) Acquire(ctx context.Context, bucketID string) (*PooledConn, error) {
	pool, ok := m.poolFor(bucketID)
	if !ok {
		return nil, fmt.Errorf("unknown bucket: %s", bucketID)
	}
	return pool.Acquire(ctx)
}

// AcquireForBucket is Acquire keyed by a resolved bucket configuration.
func (m *Manager) AcquireForBucket(ctx context.Context, b *bucket.Bucket) (*PooledConn, error) {
	return m.Acquire(ctx, b.ID)
}

// Release returns a connection to its bucket's pool.
func (m *Manager) Release(conn *PooledConn) {
	if conn == nil {
		return
	}

	pool, ok := m.poolFor(conn.BucketID())
	if !ok {
		log.Printf("[pool] WARNING: releasing connection for unknown bucket %s, closing", conn.BucketID())
		conn.Close()
		return
	}

	pool.Release(conn)
}

// Discard permanently removes a connection from its bucket's pool.
func (m *Manager) Discard(conn *PooledConn) {
	if conn == nil {
		return
	}

	pool, ok := m.poolFor(conn.BucketID())
	if !ok {
		conn.Close()
		return
	}

	pool.Discard(conn)
}

// Stats returns per-bucket pool statistics for every managed bucket.
func (m *Manager) Stats() []PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Pool returns the BucketPool for a given bucket ID.
func (m *Manager) Pool(bucketID string) (*BucketPool, bool) {
	return m.poolFor(bucketID)
}

// Close shuts down every bucket pool, aggregating the first error seen.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, p := range m.pools {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pool %s: %w", id, err)
		}
	}
	m.pools = nil

	log.Println("[pool] manager closed")
	return firstErr
}
