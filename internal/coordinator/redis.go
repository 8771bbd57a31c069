// Package coordinator implements distributed coordination over Redis for
// connection pooling across multiple proxy instances.
//
// It provides:
//   - Atomic acquire/release of connection slots via Lua scripts
//   - Per-instance connection tracking for auditability
//   - A fallback mode for when Redis is unreachable (local limits only)
//   - Pub/Sub wakeup notifications for cross-instance waiters
package coordinator

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/joao-brasil/dbproxy/internal/config"
	"github.com/joao-brasil/dbproxy/internal/metrics"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

// ── Redis key naming ─────────────────────────────────────────────────────
//
// Every key used by this package is built through one of these helpers, so
// the naming scheme lives in exactly one place and heartbeat.go/semaphore.go
// never format a key pattern of their own.

func bucketCountKey(bucketID string) string  { return fmt.Sprintf("proxy:bucket:%s:count", bucketID) }
func bucketMaxKey(bucketID string) string    { return fmt.Sprintf("proxy:bucket:%s:max", bucketID) }
func instanceConnKey(instanceID string) string {
	return fmt.Sprintf("proxy:instance:%s:conns", instanceID)
}
func instanceHBKey(instanceID string) string {
	return fmt.Sprintf("proxy:instance:%s:heartbeat", instanceID)
}
func releaseChannel(bucketID string) string { return fmt.Sprintf("proxy:release:%s", bucketID) }

const keyInstanceList = "proxy:instances" // set of active instance IDs

// RedisCoordinator manages distributed connection limits over Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        *config.Config
	instanceID string

	// SHA hashes of the Lua scripts, loaded once at startup.
	acquireSHA string
	releaseSHA string

	// fallbackMode tracks whether Redis is unreachable and we're enforcing
	// limits locally instead.
	fallbackMode atomic.Bool

	// fallbackCounts tracks local per-bucket connection counts while in
	// fallback mode.
	fallbackMu     sync.Mutex
	fallbackCounts map[string]int

	// subscribers holds one Pub/Sub subscription per bucket currently being
	// waited on.
	subMu       sync.Mutex
	subscribers map[string]*redis.PubSub

	// lifecycle
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisCoordinator builds and initializes the distributed coordinator.
func NewRedisCoordinator(ctx context.Context, cfg *config.Config) (*RedisCoordinator, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:         client,
		cfg:            cfg,
		instanceID:     cfg.Proxy.InstanceID,
		fallbackCounts: make(map[string]int),
		subscribers:    make(map[string]*redis.PubSub),
		stopCh:         make(chan struct{}),
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		if cfg.Fallback.Enabled {
			log.Printf("[coordinator] Redis unavailable (%v), starting in fallback mode", err)
			rc.fallbackMode.Store(true)
			metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
			return rc, nil
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	log.Printf("[coordinator] Redis connected: %s", cfg.Redis.Addr)

	if err := rc.loadScripts(ctx); err != nil {
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}
	if err := rc.initBucketLimits(ctx); err != nil {
		return nil, fmt.Errorf("initializing bucket limits: %w", err)
	}
	if err := rc.registerInstance(ctx); err != nil {
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	log.Printf("[coordinator] initialized: instance=%s, %d buckets registered",
		rc.instanceID, len(cfg.Buckets))

	return rc, nil
}

// loadScripts uploads the Lua scripts to Redis and caches their SHA hashes.
func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	sha, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	rc.acquireSHA = sha

	sha, err = rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}
	rc.releaseSHA = sha

	log.Printf("[coordinator] lua scripts loaded (acquire=%s..., release=%s...)",
		rc.acquireSHA[:8], rc.releaseSHA[:8])
	return nil
}

// initBucketLimits writes each bucket's max connection count to Redis.
func (rc *RedisCoordinator) initBucketLimits(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	for _, b := range rc.cfg.Buckets {
		pipe.Set(ctx, bucketMaxKey(b.ID), b.MaxConnections, 0)
		pipe.SetNX(ctx, bucketCountKey(b.ID), 0, 0) // seed the counter only if absent
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline exec: %w", err)
	}
	return nil
}

// registerInstance adds this instance to the active-instance set.
func (rc *RedisCoordinator) registerInstance(ctx context.Context) error {
	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)

	instKey := instanceConnKey(rc.instanceID)
	for _, b := range rc.cfg.Buckets {
		pipe.HSetNX(ctx, instKey, b.ID, 0)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// ── Acquire / Release ───────────────────────────────────────────────────

// Acquire atomically increments a bucket's global connection count. It
// returns nil if a slot was obtained, or an error if the bucket is at
// capacity or Redis is unreachable.
func (rc *RedisCoordinator) Acquire(ctx context.Context, bucketID string) error {
	if rc.fallbackMode.Load() {
		return rc.acquireFallback(bucketID)
	}

	result, err := rc.client.EvalSha(ctx, rc.acquireSHA,
		[]string{bucketCountKey(bucketID), bucketMaxKey(bucketID), instanceConnKey(rc.instanceID)},
		bucketID, rc.instanceID,
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("acquire", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			log.Printf("[coordinator] redis acquire failed (%v), falling back to local", err)
			rc.enterFallback()
			return rc.acquireFallback(bucketID)
		}
		return fmt.Errorf("redis acquire: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("acquire", "ok").Inc()

	switch result {
	case -1:
		return fmt.Errorf("bucket %s at max capacity", bucketID)
	case -2:
		return fmt.Errorf("bucket %s max not configured in Redis", bucketID)
	}
	return nil
}

// Release atomically decrements a bucket's global connection count and
// publishes a wakeup notification for waiting instances.
func (rc *RedisCoordinator) Release(ctx context.Context, bucketID string) error {
	if rc.fallbackMode.Load() {
		rc.releaseFallback(bucketID)
		return nil
	}

	_, err := rc.client.EvalSha(ctx, rc.releaseSHA,
		[]string{bucketCountKey(bucketID), instanceConnKey(rc.instanceID)},
		bucketID, releaseChannel(bucketID),
	).Int64()

	if err != nil {
		metrics.RedisOperations.WithLabelValues("release", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.enterFallback()
			rc.releaseFallback(bucketID)
			return nil
		}
		return fmt.Errorf("redis release: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("release", "ok").Inc()
	return nil
}

// ── Pub/Sub for cross-instance notifications ────────────────────────────

// Subscribe opens a Pub/Sub subscription for release notifications on a
// bucket. The returned channel receives the bucket ID each time any
// instance releases a connection for it.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, bucketID string) (<-chan string, error) {
	if rc.fallbackMode.Load() {
		ch := make(chan string) // closed immediately: no cross-instance coordination in fallback
		close(ch)
		return ch, nil
	}

	sub := rc.client.Subscribe(ctx, releaseChannel(bucketID))

	rc.subMu.Lock()
	rc.subscribers[bucketID] = sub
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default: // drop if the consumer is slow; it also polls
				}
			}
		}
	}()

	return notifyCh, nil
}

// ── Fallback mode ────────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		log.Printf("[coordinator] entering fallback mode (local limits)")
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback attempts to reconnect to Redis and leave fallback mode.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	if err := rc.loadScripts(ctx); err != nil { // scripts may have been evicted by a FLUSHALL
		return err
	}

	if err := rc.reconcileCounts(ctx); err != nil {
		log.Printf("[coordinator] reconciliation failed: %v", err)
		return err // stay in fallback until reconciliation succeeds
	}

	rc.fallbackMode.Store(false)
	log.Printf("[coordinator] exited fallback mode, Redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback reports whether the coordinator is currently in fallback mode.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) acquireFallback(bucketID string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	localMax := rc.localLimit(bucketID)
	current := rc.fallbackCounts[bucketID]

	if current >= localMax {
		return fmt.Errorf("bucket %s at local fallback limit (%d/%d)",
			bucketID, current, localMax)
	}

	rc.fallbackCounts[bucketID] = current + 1
	return nil
}

func (rc *RedisCoordinator) releaseFallback(bucketID string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if rc.fallbackCounts[bucketID] > 0 {
		rc.fallbackCounts[bucketID]--
	}
}

// localLimit computes the per-instance connection limit used while in
// fallback mode, as a fraction of the bucket's normal max.
func (rc *RedisCoordinator) localLimit(bucketID string) int {
	for _, b := range rc.cfg.Buckets {
		if b.ID == bucketID {
			divisor := rc.cfg.Fallback.LocalLimitDivisor
			if divisor <= 0 {
				divisor = 3
			}
			limit := b.MaxConnections / divisor
			if limit < 1 {
				limit = 1
			}
			return limit
		}
	}
	return 1
}

// reconcileCounts pushes the fallback-mode local counts into Redis after
// reconnecting.
func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	counts := make(map[string]int, len(rc.fallbackCounts))
	for k, v := range rc.fallbackCounts {
		counts[k] = v
	}
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instKey := instanceConnKey(rc.instanceID)
	for bucketID, count := range counts {
		pipe.HSet(ctx, instKey, bucketID, count)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	log.Printf("[coordinator] reconciled %d bucket counts to Redis", len(counts))
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────

// GlobalCount returns the current global connection count for a bucket.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, bucketID string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[bucketID], nil
	}

	val, err := rc.client.Get(ctx, bucketCountKey(bucketID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

// InstanceCounts returns the per-bucket connection counts for one instance.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	result, err := rc.client.HGetAll(ctx, instanceConnKey(instanceID)).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		var n int
		fmt.Sscanf(v, "%d", &n)
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances returns the set of currently-registered instance IDs.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// ── Lifecycle ─────────────────────────────────────────────────────────────

// Close shuts the coordinator down, deregisters the instance, and closes
// the Redis connection.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	close(rc.stopCh)

	rc.subMu.Lock()
	for _, sub := range rc.subscribers {
		sub.Close()
	}
	rc.subscribers = nil
	rc.subMu.Unlock()

	rc.wg.Wait()

	if !rc.fallbackMode.Load() {
		rc.client.SRem(ctx, keyInstanceList, rc.instanceID)
		rc.client.Del(ctx, instanceConnKey(rc.instanceID))
		rc.client.Del(ctx, instanceHBKey(rc.instanceID))
	}

	log.Printf("[coordinator] instance %s unregistered", rc.instanceID)
	return rc.client.Close()
}

// Client returns the underlying Redis client, for heartbeat and other
// internal uses within this package.
func (rc *RedisCoordinator) Client() redis.UniversalClient {
	return rc.client
}

// InstanceID returns this coordinator's instance ID.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
