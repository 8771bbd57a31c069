package shareddata

import (
	"context"
	"testing"
	"time"
)

type counterSnapshot struct {
	total int
}

func TestReaderReadyNeverBlocksAndObservesPublication(t *testing.T) {
	sd := New[counterSnapshot, int](&counterSnapshot{total: 0}, 16)

	if got := sd.ReaderReady(); got.total != 0 {
		t.Fatalf("initial snapshot total = %d, want 0", got.total)
	}

	collector := NewCollector[counterSnapshot, int](&counterSnapshot{total: 0}, time.Hour, func(master *counterSnapshot, updates []int) *counterSnapshot {
		next := *master
		for _, u := range updates {
			next.total += u
		}
		return &next
	})
	collector.Attach(sd)

	sd.SendUpdate(3)
	sd.SendUpdate(4)
	collector.PublishNow()

	got := sd.ReaderReady()
	if got.total != 7 {
		t.Fatalf("after publish, total = %d, want 7", got.total)
	}
}

func TestCollectorRunStopsAndUnblocksProducers(t *testing.T) {
	sd := New[counterSnapshot, int](&counterSnapshot{}, 1)
	collector := NewCollector[counterSnapshot, int](&counterSnapshot{}, time.Millisecond, func(master *counterSnapshot, updates []int) *counterSnapshot {
		next := *master
		next.total += len(updates)
		return &next
	})
	collector.Attach(sd)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		collector.Run(ctx)
		close(done)
	}()

	sd.SendUpdate(1) // fills the queue (max=1)

	blocked := make(chan struct{})
	go func() {
		sd.SendUpdate(2) // would block until drained or shutdown
		close(blocked)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop after cancellation")
	}
	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("producer stayed blocked after collector shutdown")
	}
}
