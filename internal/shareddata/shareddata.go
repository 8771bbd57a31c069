// Package shareddata implements the single-producer-per-worker,
// single-collector publication primitive spec.md §4.3 names SharedData.
// It is the Go translation of
// _examples/original_source/maxutils/maxbase/include/maxbase/shareddata.hh:
// each worker owns one SharedData[T, U] instance holding two
// mutex-guarded pointers (current, new); readers call ReaderReady at the top and bottom
// of each work unit and never block; a single Collector drains every
// worker's update queue, folds U values into a master T, and republishes a
// fresh immutable T by swapping every worker's "new" pointer under a brief
// per-worker mutex.
package shareddata

import (
	"context"
	"sync"
	"time"
)

// SharedData is one worker's view of a rarely-mutated T, updated by
// submitting U values that the Collector folds in.
type SharedData[T any, U any] struct {
	mu      sync.Mutex // guards current/new swap, brief per spec.md §4.3
	current *T
	newVal  *T

	queueMu  sync.Mutex
	queueCV  *sync.Cond
	queue    []U
	queueMax int

	noBlocking bool // flipped by shutdown so Collector waits never block
}

// New creates a SharedData instance seeded with an initial snapshot and a
// bounded update queue. queueMax should be tuned so the queue never fills
// in normal operation (spec.md §4.3); a full queue blocks the submitting
// worker on a condition variable until the Collector drains it.
func New[T any, U any](initial *T, queueMax int) *SharedData[T, U] {
	sd := &SharedData[T, U]{
		current:  initial,
		newVal:   initial,
		queueMax: queueMax,
	}
	sd.queueCV = sync.NewCond(&sd.queueMu)
	return sd
}

// ReaderReady atomically copies "new" into "current" and returns it.
// Readers call this at the top and bottom of each logical work unit; it
// never blocks.
func (sd *SharedData[T, U]) ReaderReady() *T {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.current = sd.newVal
	return sd.current
}

// Current returns the most recently observed snapshot without forcing a
// refresh (use ReaderReady to pick up a new publication).
func (sd *SharedData[T, U]) Current() *T {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.current
}

// SendUpdate pushes an update value onto this worker's bounded queue. If
// the queue is full, the calling worker blocks until the Collector drains
// it, unless shutdown has flipped the no-blocking flag (spec.md §4.3
// "Cancellation").
func (sd *SharedData[T, U]) SendUpdate(u U) {
	sd.queueMu.Lock()
	defer sd.queueMu.Unlock()

	for sd.queueMax > 0 && len(sd.queue) >= sd.queueMax && !sd.noBlocking {
		sd.queueCV.Wait()
	}
	sd.queue = append(sd.queue, u)
}

// drainQueue removes and returns all queued updates, in submission order,
// and wakes any worker blocked in SendUpdate.
func (sd *SharedData[T, U]) drainQueue() []U {
	sd.queueMu.Lock()
	defer sd.queueMu.Unlock()
	out := sd.queue
	sd.queue = nil
	sd.queueCV.Broadcast()
	return out
}

// publish swaps in a freshly folded snapshot under the brief per-worker
// mutex (spec.md §4.3, §5 "one pointer store per worker").
func (sd *SharedData[T, U]) publish(t *T) {
	sd.mu.Lock()
	sd.newVal = t
	sd.mu.Unlock()
}

// shutdown flips the no-blocking flag so any worker waiting in SendUpdate
// returns immediately, and wakes them.
func (sd *SharedData[T, U]) shutdown() {
	sd.queueMu.Lock()
	sd.noBlocking = true
	sd.queueCV.Broadcast()
	sd.queueMu.Unlock()
}

// Collector is the single writer that folds per-worker updates into a
// master copy of T and republishes it to every worker.
type Collector[T any, U any] struct {
	workers []*SharedData[T, U]
	fold    func(master *T, updates []U) *T
	master  *T

	interval time.Duration
}

// NewCollector creates a Collector over the given worker SharedData
// instances. fold receives the current master snapshot and the batch of
// updates observed since the last round, and returns the next master
// snapshot (a new value — masters are never mutated in place once
// published, per spec.md §3 "shared regions are never mutated after
// publication").
func NewCollector[T any, U any](initial *T, interval time.Duration, fold func(*T, []U) *T) *Collector[T, U] {
	return &Collector[T, U]{
		master:   initial,
		fold:     fold,
		interval: interval,
	}
}

// Attach registers a worker's SharedData instance with this Collector.
func (c *Collector[T, U]) Attach(sd *SharedData[T, U]) {
	c.workers = append(c.workers, sd)
}

// Run drains every attached worker's queue on each tick, folds the
// combined updates into a new master T, and publishes it to every worker.
// It returns when ctx is cancelled, after flipping every worker's
// no-blocking flag so no producer is left waiting (spec.md §4.3
// "Cancellation").
func (c *Collector[T, U]) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, w := range c.workers {
				w.shutdown()
			}
			return
		case <-ticker.C:
			c.round()
		}
	}
}

func (c *Collector[T, U]) round() {
	var all []U
	for _, w := range c.workers {
		all = append(all, w.drainQueue()...)
	}
	if len(all) == 0 {
		return
	}
	c.master = c.fold(c.master, all)
	for _, w := range c.workers {
		w.publish(c.master)
	}
}

// PublishNow forces an immediate fold-and-publish round outside the
// ticker, used by callers that need a synchronous refresh (e.g. tests, or
// an on-demand user-cache refresh completing).
func (c *Collector[T, U]) PublishNow() {
	var all []U
	for _, w := range c.workers {
		all = append(all, w.drainQueue()...)
	}
	c.master = c.fold(c.master, all)
	for _, w := range c.workers {
		w.publish(c.master)
	}
}
