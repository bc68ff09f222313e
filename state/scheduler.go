package state

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

func (e *Env) safeRun(name string, fun func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error("task panicked", "task", name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fun(e.Context); err != nil {
		e.Log.Warn("task failed", "task", name, "error", err)
	}
}

// ScheduleTask runs fun once after delay on its own goroutine. Errors and panics are logged and
// never propagate.
func (e *Env) ScheduleTask(name string, fun func(ctx context.Context) error, delay time.Duration) *clock.Timer {
	return e.Clock.AfterFunc(delay, func() {
		if e.Context.Err() != nil {
			return
		}
		e.safeRun(name, fun)
	})
}

func (e *Env) repeatedTask(name string, fun func(ctx context.Context) error, delay time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := e.Clock.Ticker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-e.Context.Done():
			return
		case <-ticker.C:
			e.safeRun(name, fun)
		}
	}
}

// RepeatTask runs fun every delay until the env is cancelled. The returned channel is closed once
// the loop has exited.
func (e *Env) RepeatTask(name string, fun func(ctx context.Context) error, delay time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go e.repeatedTask(name, fun, delay, done)
	return done
}
