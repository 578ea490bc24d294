package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpawnRunsJobPeriodically(t *testing.T) {
	p := NewPool(nil)
	var count atomic.Int32
	p.Spawn("tick", 10*time.Millisecond, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	time.Sleep(55 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if count.Load() < 2 {
		t.Fatalf("expected job to run multiple times, ran %d", count.Load())
	}
}

func TestSpawnOnSignalRunsOnlyWhenSignaled(t *testing.T) {
	p := NewPool(nil)
	sig := make(chan struct{}, 1)
	var count atomic.Int32
	p.SpawnOnSignal("flush", sig, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	sig <- struct{}{}
	time.Sleep(20 * time.Millisecond)
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if count.Load() != 1 {
		t.Fatalf("expected exactly one signaled run, got %d", count.Load())
	}
}

func TestStopIsIdempotentAndRespectsContext(t *testing.T) {
	p := NewPool(nil)
	p.Spawn("noop", time.Hour, func(ctx context.Context) error { return nil })
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if p.State() != Stopped {
		t.Fatalf("expected Stopped state after Stop")
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// A worker stuck inside its job keeps Stop waiting until ctx expires.
	blocked := NewPool(nil)
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	blocked.Spawn("stuck", time.Millisecond, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := blocked.Stop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded from Stop, got %v", err)
	}
}

func TestBudgetExceeded(t *testing.T) {
	b := NewBudget(1)
	time.Sleep(time.Millisecond)
	if !b.Exceeded() {
		t.Fatalf("expected budget to be exceeded after sleeping past its limit")
	}
}

func TestBudgetNotYetExceeded(t *testing.T) {
	b := NewBudget(1_000_000)
	if b.Exceeded() {
		t.Fatalf("expected fresh budget to not be exceeded")
	}
}
