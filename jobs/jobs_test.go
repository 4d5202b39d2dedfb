package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"campaign-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu   sync.Mutex
	recs []*notifier.NotificationError
}

func (r *recorder) AddError(ctx context.Context, rec *notifier.NotificationError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recs)
}

func TestRunSwallowsFailures(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(rec, testLogger(),
		Job{Name: "ok", Run: func(ctx context.Context) error { return nil }},
		Job{Name: "err", Run: func(ctx context.Context) error { return errors.New("boom") }},
		Job{Name: "panic", Run: func(ctx context.Context) error { panic("kaboom") }},
	)

	for _, name := range []string{"ok", "err", "panic"} {
		if err := r.Run(context.Background(), name); err != nil {
			t.Errorf("Run(%s) = %v, want nil", name, err)
		}
	}
	if rec.count() != 2 {
		t.Fatalf("recorded %d errors, want 2", rec.count())
	}
	if rec.recs[0].Job != "err" || rec.recs[1].Job != "panic" {
		t.Errorf("records = %+v, %+v", rec.recs[0], rec.recs[1])
	}
	if rec.recs[1].Stack == "" {
		t.Error("panic record should carry a stack")
	}

	if err := r.Run(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Run(missing) = %v", err)
	}
}

func TestStartStop(t *testing.T) {
	var runs atomic.Int32
	r := NewRunner(&recorder{}, testLogger(),
		Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		}},
		Job{Name: "manual", Run: func(ctx context.Context) error {
			t.Error("jobs without an interval must not be scheduled")
			return nil
		}},
	)
	r.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	if runs.Load() < 3 {
		t.Fatalf("runs = %d, want at least 3", runs.Load())
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job ran after Stop")
	}
}
