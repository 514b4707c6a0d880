package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestJobsFire(t *testing.T) {
	s := New(zap.NewNop())
	var fired int64
	s.Add("tick", 10*time.Millisecond, func(context.Context, time.Time) {
		atomic.AddInt64(&fired, 1)
	})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt64(&fired) == 0 {
		t.Fatal("expected the job to fire at least once")
	}
}

func TestPanickingJobKeepsTicking(t *testing.T) {
	s := New(zap.NewNop())
	var fired int64
	s.Add("explosive", 10*time.Millisecond, func(context.Context, time.Time) {
		atomic.AddInt64(&fired, 1)
		panic("boom")
	})

	s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if atomic.LoadInt64(&fired) < 2 {
		t.Fatalf("expected repeated fires despite panics, got %d", atomic.LoadInt64(&fired))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(zap.NewNop())
	s.Add("tick", 10*time.Millisecond, func(context.Context, time.Time) {})
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

func TestContextCancelStopsJobs(t *testing.T) {
	s := New(zap.NewNop())
	var fired int64
	s.Add("tick", 10*time.Millisecond, func(context.Context, time.Time) {
		atomic.AddInt64(&fired, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	time.Sleep(30 * time.Millisecond)
	before := atomic.LoadInt64(&fired)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt64(&fired) != before {
		t.Error("expected no fires after context cancel")
	}
}
