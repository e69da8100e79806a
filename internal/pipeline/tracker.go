package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Completion describes a finished background task.
type Completion struct {
	EventID string
	Task    string
	Outcome Outcome
	// Panic holds the recovered value when the task panicked.
	Panic any
}

// Tracker runs detached delivery tasks and lets the server wait for them.
// A task that panics is recovered and reported as failed-recoverable.
type Tracker struct {
	wg sync.WaitGroup

	mu    sync.Mutex
	hooks []func(Completion)
}

// NewTracker creates a Tracker that calls hooks after each task.
func NewTracker(hooks ...func(Completion)) *Tracker {
	return &Tracker{hooks: hooks}
}

// OnComplete registers a hook called after every task.
func (t *Tracker) OnComplete(fn func(Completion)) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// Go runs fn in the background. ctx must already be detached from the
// caller's cancellation.
func (t *Tracker) Go(ctx context.Context, eventID, task string, fn func(context.Context) Outcome) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		c := Completion{EventID: eventID, Task: task, Outcome: OutcomeFailedRecoverable}
		defer func() {
			if r := recover(); r != nil {
				c.Panic = r
				slog.Error("delivery task panicked",
					"event_id", eventID,
					"task", task,
					"panic", fmt.Sprint(r),
				)
			}
			t.complete(c)
		}()

		c.Outcome = fn(ctx)
	}()
}

func (t *Tracker) complete(c Completion) {
	t.mu.Lock()
	hooks := slices.Clone(t.hooks)
	t.mu.Unlock()

	for _, h := range hooks {
		h(c)
	}
}

// Wait blocks until every started task has finished or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %w", ctx.Err())
	}
}
