package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one periodic job. The context carries the per-run timeout.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler drives fire-and-forget periodic tasks. Each task gets its own
// goroutine and ticker; a failing or panicking run is logged and never
// prevents the next tick.
type Scheduler struct {
	logger   zerolog.Logger
	tasks    []Task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{logger: logger, stopCh: make(chan struct{})}
}

// Add registers a task. Call before Start.
func (s *Scheduler) Add(t Task) {
	if t.Timeout <= 0 {
		t.Timeout = 30 * time.Second
	}
	s.tasks = append(s.tasks, t)
}

// Start launches all task loops. Each task runs once immediately, then on
// its interval.
func (s *Scheduler) Start() {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(t)
	}
}

// Stop halts all loops and waits for in-flight runs to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) loop(t Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	s.runOnce(t)
	for {
		select {
		case <-ticker.C:
			s.runOnce(t)
		case <-s.stopCh:
			return
		}
	}
}

// runOnce executes one run with panic isolation: a bad run must not take
// the loop (or the process) down with it.
func (s *Scheduler) runOnce(t Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("task", t.Name).Msg("scheduled task panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	start := time.Now()
	if err := t.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Str("task", t.Name).Msg("scheduled task failed")
		return
	}
	s.logger.Debug().Str("task", t.Name).Dur("took", time.Since(start)).Msg("scheduled task finished")
}
