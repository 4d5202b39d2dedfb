// Package jobs runs the scheduled entry points: on an interval in-process, or
// on demand from the HTTP job endpoints.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"campaign-notifier/pkg/notifier"
)

// Job names.
const (
	Badges    = "badges"
	Reminders = "reminders"
	Purge     = "purge"
)

// ErrUnknownJob is returned by Run for an unregistered job name.
var ErrUnknownJob = errors.New("unknown job")

// Job is one scheduled entry point.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// ErrorRecorder persists unexpected failures.
type ErrorRecorder interface {
	AddError(ctx context.Context, rec *notifier.NotificationError) error
}

// Runner owns the registered jobs.
type Runner struct {
	jobs     map[string]Job
	order    []string
	recorder ErrorRecorder
	logger   *slog.Logger

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner for jobs.
func NewRunner(recorder ErrorRecorder, logger *slog.Logger, jobs ...Job) *Runner {
	r := &Runner{jobs: make(map[string]Job, len(jobs)), recorder: recorder, logger: logger}
	for _, j := range jobs {
		r.jobs[j.Name] = j
		r.order = append(r.order, j.Name)
	}
	return r
}

// Run executes a job once. Failures inside the job are logged and recorded,
// never returned; only an unknown name is an error.
func (r *Runner) Run(ctx context.Context, name string) error {
	j, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	r.guard(ctx, j)
	return nil
}

func (r *Runner) guard(ctx context.Context, j Job) {
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return j.Run(ctx)
	}()
	if err == nil {
		r.logger.Info("Job completed", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
		return
	}

	r.logger.Error("Job failed", "job", j.Name, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	rec := &notifier.NotificationError{Job: j.Name, Error: err.Error(), Stack: string(debug.Stack())}
	// Recording uses a fresh context so a cancelled job can still be logged.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if rerr := r.recorder.AddError(recCtx, rec); rerr != nil {
		r.logger.Error("Failed to record job error", "job", j.Name, "error", rerr)
	}
}

// Start runs every job with a positive interval on its own ticker until Stop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range r.order {
		j := r.jobs[name]
		if j.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(j.Interval)
			defer ticker.Stop()
			r.logger.Info("Scheduled job", "job", j.Name, "interval", j.Interval.String())
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.guard(ctx, j)
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(r.done)
	}()
}

// Stop cancels the scheduled loops and waits for running jobs to return.
func (r *Runner) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	done := r.done
	r.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
