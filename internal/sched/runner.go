// Package sched owns the fixed-period background loops so their lifetimes are
// tied to process shutdown instead of living as unowned timers.
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of periodic work. Errors are logged, never propagated; a
// failing pass must not stop the schedule.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(context.Context) error
}

// Runner executes registered tasks on their own tickers until the context is
// cancelled.
type Runner struct {
	Logger zerolog.Logger
	tasks  []Task
}

// Add registers a task. Tasks with no interval or no body are ignored.
func (r *Runner) Add(task Task) {
	if task.Run == nil || task.Interval <= 0 {
		return
	}
	r.tasks = append(r.tasks, task)
}

// Run blocks until ctx is cancelled, driving every registered task on its own
// ticker. The first pass of each task runs after one full interval, not
// immediately.
func (r *Runner) Run(ctx context.Context) {
	done := make(chan struct{})
	for _, task := range r.tasks {
		go r.loop(ctx, task, done)
	}
	<-ctx.Done()
	for range r.tasks {
		<-done
	}
}

func (r *Runner) loop(ctx context.Context, task Task, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := task.Run(ctx); err != nil {
				r.Logger.Error().Err(err).Str("task", task.Name).Msg("periodic task failed")
			}
		}
	}
}
