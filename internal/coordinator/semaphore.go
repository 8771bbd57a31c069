package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joao-brasil/dbproxy/internal/metrics"
)

// ── Distributed semaphore ────────────────────────────────────────────────
//
// The semaphore gives callers a way to wait for connection slots across
// the whole proxy fleet, not just the local instance. When a bucket's
// global limit is reached, a caller waits here until any instance releases
// a slot. It combines:
//   - Redis Pub/Sub for near-instant cross-instance wakeup
//   - A polling safety net for missed Pub/Sub deliveries
//   - A hard timeout so a caller never waits forever

// Semaphore provides distributed waiting for connection availability.
type Semaphore struct {
	coordinator *RedisCoordinator
}

// NewSemaphore creates a distributed semaphore backed by rc.
func NewSemaphore(rc *RedisCoordinator) *Semaphore {
	return &Semaphore{coordinator: rc}
}

// Wait blocks until a connection slot becomes available for bucketID, then
// atomically acquires it. Returns an error if ctx is cancelled or the wait
// exceeds timeout.
func (s *Semaphore) Wait(ctx context.Context, bucketID string, timeout time.Duration) error {
	if err := s.coordinator.Acquire(ctx, bucketID); err == nil {
		return nil // fast path: a slot was free already
	}

	start := time.Now()
	log.Printf("[semaphore] waiting for connection slot on bucket %s (timeout=%s)", bucketID, timeout)

	notifyCh, err := s.coordinator.Subscribe(ctx, bucketID)
	if err != nil {
		return s.pollUntil(ctx, bucketID, start, timeout, nil)
	}

	return s.pollUntil(ctx, bucketID, start, timeout, notifyCh)
}

// pollUntil is the shared wait loop used both when a Pub/Sub subscription
// is available (notifyCh != nil) and when it isn't. It always polls on a
// ticker as a safety net; when notifyCh is non-nil it additionally reacts
// to release notifications, and falls back to poll-only if that channel
// closes mid-wait.
func (s *Semaphore) pollUntil(ctx context.Context, bucketID string, start time.Time, timeout time.Duration, notifyCh <-chan string) error {
	remaining := timeout - time.Since(start)
	if remaining <= 0 {
		metrics.ConnectionsTotal.WithLabelValues(bucketID, "semaphore_timeout").Inc()
		return fmt.Errorf("semaphore timeout (%v) for bucket %s", timeout, bucketID)
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	pollInterval := 500 * time.Millisecond
	if notifyCh == nil {
		pollInterval = 200 * time.Millisecond // no Pub/Sub backstop, poll tighter
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	tryAcquire := func(how string) (bool, error) {
		if err := s.coordinator.Acquire(ctx, bucketID); err != nil {
			return false, nil
		}
		dur := time.Since(start)
		metrics.QueueWaitDuration.WithLabelValues(bucketID).Observe(dur.Seconds())
		log.Printf("[semaphore] acquired slot on bucket %s after %v (%s)", bucketID, dur, how)
		return true, nil
	}

	for {
		select {
		case <-ctx.Done():
			metrics.ConnectionsTotal.WithLabelValues(bucketID, "semaphore_cancelled").Inc()
			return ctx.Err()

		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(bucketID, "semaphore_timeout").Inc()
			return fmt.Errorf("semaphore timeout (%v) for bucket %s", timeout, bucketID)

		case msg, ok := <-notifyChOrNil(notifyCh):
			if !ok {
				// Subscription closed; keep waiting with polling only.
				notifyCh = nil
				continue
			}
			_ = msg
			if acquired, _ := tryAcquire("pubsub"); acquired {
				return nil
			}
			// Someone else got it first; keep waiting.

		case <-ticker.C:
			if acquired, _ := tryAcquire("poll"); acquired {
				return nil
			}
		}
	}
}

// notifyChOrNil returns ch, or a nil channel (which blocks forever in a
// select) when ch is nil, so pollUntil's select works whether or not a
// Pub/Sub subscription is active.
func notifyChOrNil(ch <-chan string) <-chan string {
	if ch == nil {
		return nil
	}
	return ch
}

// TryAcquire attempts a single non-blocking acquire.
func (s *Semaphore) TryAcquire(ctx context.Context, bucketID string) error {
	err := s.coordinator.Acquire(ctx, bucketID)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("try_acquire", "rejected").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("try_acquire", "ok").Inc()
	}
	return err
}
