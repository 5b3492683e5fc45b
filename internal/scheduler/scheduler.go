// Package scheduler runs the periodic sync tick and serves on-demand runs
// triggered by webhooks through a bounded queue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Task is a periodically executed unit of work.
type Task struct {
	// Name identifies the task in log messages.
	Name string
	// Interval is the period between successive runs.
	Interval time.Duration
	// RunFunc is executed each tick. Errors are logged but do not stop
	// the loop.
	RunFunc func(ctx context.Context) error
	logger  *logrus.Entry
}

// NewTask creates a periodic task.
func NewTask(name string, interval time.Duration, runFunc func(ctx context.Context) error, logger *logrus.Entry) *Task {
	return &Task{
		Name:     name,
		Interval: interval,
		RunFunc:  runFunc,
		logger:   logger.WithField("task", name),
	}
}

// Run executes the task in a loop: immediately on entry, then every
// Interval. The loop exits when ctx is done.
func (t *Task) Run(ctx context.Context) {
	t.logger.WithField("interval", t.Interval).Info("task started")

	t.execute(ctx)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("task stopping (context cancelled)")
			return
		case <-ticker.C:
			t.execute(ctx)
		}
	}
}

func (t *Task) execute(ctx context.Context) {
	start := time.Now()
	if err := t.RunFunc(ctx); err != nil {
		t.logger.WithError(err).WithField("duration", time.Since(start).Round(time.Millisecond)).
			Error("task execution failed")
	} else {
		t.logger.WithField("duration", time.Since(start).Round(time.Millisecond)).
			Debug("task execution completed")
	}
}

// Scheduler manages a set of periodic tasks, each in its own goroutine.
type Scheduler struct {
	tasks  []*Task
	logger *logrus.Entry
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler.
func NewScheduler(logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		logger: logger.WithField("component", "scheduler"),
	}
}

// AddTask registers a task. Must be called before Start.
func (s *Scheduler) AddTask(task *Task) {
	s.tasks = append(s.tasks, task)
}

// Start launches every registered task until ctx is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.WithField("task_count", len(s.tasks)).Info("starting scheduler")

	for _, t := range s.tasks {
		s.wg.Add(1)
		go func(task *Task) {
			defer s.wg.Done()
			task.Run(ctx)
		}(t)
	}
}

// Stop cancels all running tasks and blocks until every goroutine has
// returned.
func (s *Scheduler) Stop() {
	s.logger.Info("stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}
