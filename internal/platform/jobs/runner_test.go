package jobs

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingObserver struct {
	mu   sync.Mutex
	runs []string
	errs []error
}

func (o *recordingObserver) JobFinished(job string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, job)
	o.errs = append(o.errs, err)
}

func TestRunOnce_ReportsResult(t *testing.T) {
	obs := &recordingObserver{}
	var buf bytes.Buffer
	r := NewRunner(zerolog.New(&buf), WithObserver(obs))

	if err := r.RunOnce("daily_reset", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	boom := errors.New("boom")
	if err := r.RunOnce("daily_reset", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if len(obs.runs) != 2 || obs.errs[0] != nil || obs.errs[1] != boom {
		t.Errorf("observer saw runs=%v errs=%v", obs.runs, obs.errs)
	}
	if !strings.Contains(buf.String(), "job failed") {
		t.Error("expected failure to be logged")
	}
}

func TestRunOnce_AppliesTimeout(t *testing.T) {
	r := NewRunner(zerolog.Nop(), WithTimeout(10*time.Millisecond))
	err := r.RunOnce("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestAdd_RejectsBadSpec(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	if err := r.Add("bad", "not a spec", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestAdd_SchedulesNext(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	if err := r.Add("daily_reset", "15 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Start()
	defer r.Stop(context.Background())

	next, ok := r.Next("daily_reset")
	if !ok {
		t.Fatal("expected job to be registered")
	}
	if next.Minute() != 15 {
		t.Errorf("next run at minute %d, want 15", next.Minute())
	}
	if _, ok := r.Next("other"); ok {
		t.Error("unknown job should not be found")
	}
}

func TestStop_CancelsJobContext(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	r.Start()
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	err := r.RunOnce("after_stop", func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled context after stop, got %v", err)
	}
}

func TestStop_WithoutStart(t *testing.T) {
	r := NewRunner(zerolog.Nop())
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
