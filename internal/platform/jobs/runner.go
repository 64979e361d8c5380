// Package jobs runs periodic background work such as the daily reset sweep.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Func is a unit of periodic work. It receives a context that is canceled
// when the runner stops.
type Func func(ctx context.Context) error

// Observer is told about every completed run.
type Observer interface {
	JobFinished(job string, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) JobFinished(string, time.Duration, error) {}

// Runner schedules named jobs on cron specs. A job that is still running
// when its next tick arrives is skipped, and a panicking job is logged
// without stopping the runner.
type Runner struct {
	cron    *cron.Cron
	log     zerolog.Logger
	obs     Observer
	timeout time.Duration

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	names   map[cron.EntryID]string
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver reports job results, typically to telemetry.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		if o != nil {
			r.obs = o
		}
	}
}

// WithTimeout bounds a single run.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// NewRunner creates a Runner. Specs use the standard five-field format and
// are evaluated in UTC.
func NewRunner(log zerolog.Logger, opts ...Option) *Runner {
	log = log.With().Str("component", "jobs").Logger()
	cl := cronLogger{log: log}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    log,
		obs:    nopObserver{},
		ctx:    ctx,
		cancel: cancel,
		names:  make(map[cron.EntryID]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add schedules fn under name on spec.
func (r *Runner) Add(name, spec string, fn Func) error {
	id, err := r.cron.AddFunc(spec, func() { r.RunOnce(name, fn) })
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	r.log.Info().Str("job", name).Str("spec", spec).Msg("job scheduled")
	return nil
}

// RunOnce executes fn immediately under the runner's context, timeout and
// observer. The cron entries use it; the CLI calls it for one-shot runs.
func (r *Runner) RunOnce(name string, fn Func) error {
	ctx := r.ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)
	r.obs.JobFinished(name, took, err)

	if err != nil {
		r.log.Error().Err(err).Str("job", name).Dur("took", took).Msg("job failed")
		return err
	}
	r.log.Info().Str("job", name).Dur("took", took).Msg("job finished")
	return nil
}

// Next reports the next scheduled time of the named job.
func (r *Runner) Next(name string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.cron.Entries() {
		if r.names[e.ID] == name {
			return e.Next, true
		}
	}
	return time.Time{}, false
}

// Start begins scheduling. It is a no-op if already started.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
}

// Stop cancels running jobs and waits for them to return or ctx to expire.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()

	r.cancel()
	if !started {
		return nil
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.log.Info().Msg("job runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
