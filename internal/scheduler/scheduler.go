package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobFunc is one periodic job. Jobs guard their own preconditions and
// no-op when they do not hold.
type JobFunc func(ctx context.Context, now time.Time)

type job struct {
	name     string
	interval time.Duration
	run      JobFunc
}

// Scheduler fires registered jobs on fixed intervals, one goroutine per job,
// until stopped.
type Scheduler struct {
	jobs   []job
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *zap.Logger
}

// New creates an idle scheduler.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, run JobFunc) {
	s.jobs = append(s.jobs, job{name: name, interval: interval, run: run})
}

// Start launches all registered jobs.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fire(ctx, j, now)
		}
	}
}

// fire runs one job tick; a panicking job must not kill its loop.
func (s *Scheduler) fire(ctx context.Context, j job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panic",
				zap.String("job", j.name), zap.Any("panic", r))
		}
	}()
	j.run(ctx, now)
}

// Stop halts all jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
