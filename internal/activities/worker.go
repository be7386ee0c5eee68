package activities

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Worker runs slow side jobs (LLM reflections) off the tick goroutine.
// Jobs may only send messages and rewrite the Notes of one activity.
type Worker struct {
	jobs    chan func(context.Context)
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	cancel  context.CancelFunc
}

// NewWorker creates a worker with a queue of size n. Each job gets its own
// timeout.
func NewWorker(n int, timeout time.Duration) *Worker {
	return &Worker{jobs: make(chan func(context.Context), n), timeout: timeout}
}

// Start launches the worker goroutine.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for job := range w.jobs {
			w.run(ctx, job)
		}
	}()
}

func (w *Worker) run(ctx context.Context, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("background job panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if ctx.Err() != nil {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	job(jctx)
}

// Submit queues job. With no worker, or a full queue, the job is dropped.
// Submit must not be called after Stop.
func (w *Worker) Submit(job func(context.Context)) bool {
	if w == nil {
		return false
	}
	select {
	case w.jobs <- job:
		return true
	default:
		slog.Warn("background queue full, job dropped")
		return false
	}
}

// Stop drains the queue and waits for the running job.
func (w *Worker) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		close(w.jobs)
		w.wg.Wait()
		if w.cancel != nil {
			w.cancel()
		}
	})
}
