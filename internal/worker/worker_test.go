package worker

import (
	"context"
	"sync"
	"testing"
)

func TestRunSyncSerializesAcrossCallers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(0)
	w.Start(ctx)
	defer w.Stop()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.RunSync(func() {
				mu.Lock()
				inFlight++
				if inFlight > maxInFlight {
					maxInFlight = inFlight
				}
				mu.Unlock()

				mu.Lock()
				inFlight--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Fatalf("max concurrent RunSync executions = %d, want 1", maxInFlight)
	}
}

func TestRunSyncReturnsAfterTaskCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(1)
	w.Start(ctx)
	defer w.Stop()

	ran := false
	w.RunSync(func() { ran = true })
	if !ran {
		t.Fatalf("expected RunSync to block until fn ran")
	}
}
