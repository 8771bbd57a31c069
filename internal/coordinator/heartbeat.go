package coordinator

import (
	"context"
	"hash/fnv"
	"log"
	"strconv"
	"time"

	"github.com/joao-brasil/dbproxy/internal/metrics"
)

// Heartbeat periodically refreshes this instance's presence key in Redis
// and detects/cleans up dead instances whose connection slots were never
// released.
type Heartbeat struct {
	coordinator *RedisCoordinator
	interval    time.Duration
	ttl         time.Duration
	stopCh      chan struct{}
}

// NewHeartbeat creates a heartbeat worker for the given coordinator.
func NewHeartbeat(rc *RedisCoordinator) *Heartbeat {
	interval := rc.cfg.Redis.HeartbeatInterval
	if interval == 0 {
		interval = 10 * time.Second
	}
	ttl := rc.cfg.Redis.HeartbeatTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}

	return &Heartbeat{
		coordinator: rc,
		interval:    interval,
		ttl:         ttl,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the heartbeat loop in a background goroutine.
func (hb *Heartbeat) Start(ctx context.Context) {
	hb.coordinator.wg.Add(1)
	go hb.loop(ctx)
	log.Printf("[heartbeat] started: interval=%s, ttl=%s, instance=%s",
		hb.interval, hb.ttl, hb.coordinator.instanceID)
}

// Stop signals the heartbeat loop to exit.
func (hb *Heartbeat) Stop() {
	close(hb.stopCh)
}

// instanceJitter derives a small, stable per-instance delay (0-20% of the
// heartbeat interval) from the instance ID, so that many proxy instances
// started at the same moment don't all hit Redis on the same tick.
func (hb *Heartbeat) instanceJitter() time.Duration {
	h := fnv.New32a()
	h.Write([]byte(hb.coordinator.instanceID))
	frac := float64(h.Sum32()%1000) / 1000.0 * 0.2
	return time.Duration(float64(hb.interval) * frac)
}

// loop drives periodic heartbeats and dead-instance cleanup.
func (hb *Heartbeat) loop(ctx context.Context) {
	defer hb.coordinator.wg.Done()

	select {
	case <-time.After(hb.instanceJitter()):
	case <-hb.stopCh:
		return
	case <-hb.coordinator.stopCh:
		return
	}

	hb.sendHeartbeat(ctx) // send the first heartbeat as soon as jitter clears

	ticker := time.NewTicker(hb.interval)
	defer ticker.Stop()

	cleanupEvery := 3 // cleanup runs less often than the heartbeat itself
	tick := 0

	for {
		select {
		case <-hb.stopCh:
			return
		case <-hb.coordinator.stopCh:
			return
		case <-ticker.C:
			if hb.coordinator.IsFallback() {
				if err := hb.coordinator.ExitFallback(ctx); err != nil {
					continue // still unreachable, try again next tick
				}
			}

			hb.sendHeartbeat(ctx)

			tick++
			if tick%cleanupEvery == 0 {
				hb.cleanupDeadInstances(ctx)
			}
		}
	}
}

// sendHeartbeat refreshes this instance's heartbeat key with a TTL.
func (hb *Heartbeat) sendHeartbeat(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	err := hb.coordinator.client.Set(ctx, instanceHBKey(hb.coordinator.instanceID), time.Now().Unix(), hb.ttl).Err()
	if err != nil {
		log.Printf("[heartbeat] failed to send heartbeat: %v", err)
		metrics.RedisOperations.WithLabelValues("heartbeat", "error").Inc()
		return
	}

	metrics.InstanceHeartbeat.WithLabelValues(hb.coordinator.instanceID).Set(1)
	metrics.RedisOperations.WithLabelValues("heartbeat", "ok").Inc()
}

// cleanupDeadInstances finds instances whose heartbeat expired and
// reconciles their orphaned connection counts.
func (hb *Heartbeat) cleanupDeadInstances(ctx context.Context) {
	if hb.coordinator.IsFallback() {
		return
	}

	instances, err := hb.coordinator.client.SMembers(ctx, keyInstanceList).Result()
	if err != nil {
		log.Printf("[heartbeat] failed to list instances: %v", err)
		return
	}

	for _, instID := range instances {
		if instID == hb.coordinator.instanceID {
			continue
		}
		if hb.instanceIsAlive(ctx, instID) {
			continue
		}

		log.Printf("[heartbeat] instance %s appears dead (no heartbeat), cleaning up", instID)
		hb.cleanupInstance(ctx, instID)
	}
}

func (hb *Heartbeat) instanceIsAlive(ctx context.Context, instanceID string) bool {
	exists, err := hb.coordinator.client.Exists(ctx, instanceHBKey(instanceID)).Result()
	if err != nil {
		// Can't tell — assume alive rather than risk cleaning up a live instance.
		return true
	}
	return exists > 0
}

// cleanupInstance subtracts a dead instance's per-bucket connection counts
// from the global counters and removes its bookkeeping keys.
func (hb *Heartbeat) cleanupInstance(ctx context.Context, deadInstanceID string) {
	instKey := instanceConnKey(deadInstanceID)

	counts, err := hb.coordinator.client.HGetAll(ctx, instKey).Result()
	if err != nil {
		log.Printf("[heartbeat] failed to read counts for dead instance %s: %v", deadInstanceID, err)
		return
	}

	pipe := hb.coordinator.client.Pipeline()
	totalRecovered := 0

	for bucketID, countStr := range counts {
		count, err := strconv.Atoi(countStr)
		if err != nil || count <= 0 {
			continue
		}
		pipe.DecrBy(ctx, bucketCountKey(bucketID), int64(count))
		totalRecovered += count
	}

	pipe.Del(ctx, instKey)
	pipe.SRem(ctx, keyInstanceList, deadInstanceID)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[heartbeat] failed to cleanup dead instance %s: %v", deadInstanceID, err)
		return
	}

	if totalRecovered > 0 {
		log.Printf("[heartbeat] cleaned up dead instance %s: recovered %d connection slots",
			deadInstanceID, totalRecovered)
		metrics.ConnectionErrors.WithLabelValues("coordinator", "dead_instance_cleanup").Inc()
	}

	hb.correctNegativeCounts(ctx, counts)
}

// correctNegativeCounts guards against a global bucket counter drifting
// below zero, which can happen if two instances race to clean up the same
// dead instance.
func (hb *Heartbeat) correctNegativeCounts(ctx context.Context, buckets map[string]string) {
	for bucketID := range buckets {
		key := bucketCountKey(bucketID)
		val, err := hb.coordinator.client.Get(ctx, key).Int64()
		if err == nil && val < 0 {
			hb.coordinator.client.Set(ctx, key, 0, 0)
			log.Printf("[heartbeat] corrected negative count for bucket %s", bucketID)
		}
	}
}
