// Package schedule repeats dispatch sessions on a cron expression or a fixed
// interval. Triggers that land while the previous session still runs are
// skipped, not queued.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "volley/pkg/logx"
)

// Runner fires job on its schedule until stopped.
type Runner struct {
	log  logx.Logger
	spec Spec
	loc  *time.Location
	job  func(ctx context.Context)

	mu     sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	cancel context.CancelFunc

	fired   atomic.Uint64
	skipped atomic.Uint64
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates raw and tz (empty tz means local time).
func New(raw, tz string, job func(ctx context.Context), log logx.Logger) (*Runner, error) {
	if job == nil {
		return nil, fmt.Errorf("schedule: job required")
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, err
	}
	if spec.Kind == KindCron {
		if _, err := parser.Parse(spec.Cron); err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
	}
	loc := time.Local
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("schedule.timezone: %w", err)
		}
		loc = l
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{log: log, spec: spec, loc: loc, job: job}, nil
}

func (r *Runner) Spec() Spec { return r.spec }

// Start begins firing. The job receives a context that is cancelled by Stop or
// when ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	jctx, cancel := context.WithCancel(ctx)
	cl := cronLogger{r: r}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(r.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	job := cron.FuncJob(func() {
		r.fired.Add(1)
		r.job(jctx)
	})

	var err error
	switch r.spec.Kind {
	case KindInterval:
		r.entry = c.Schedule(cron.Every(r.spec.Every), job)
	default:
		r.entry, err = c.AddJob(r.spec.Cron, job)
	}
	if err != nil {
		cancel()
		return err
	}
	c.Start()
	r.c = c
	r.cancel = cancel
	r.log.Info("schedule.started",
		logx.String("spec", r.spec.String()),
		logx.String("tz", r.loc.String()),
		logx.Time("next", r.nextLocked()),
	)
	return nil
}

// Stop halts the schedule, cancels a running job's context and waits for it
// to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c, r.cancel = nil, nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	cancel()
	<-stopped.Done()
	r.log.Info("schedule.stopped", logx.Uint64("fired", r.fired.Load()), logx.Uint64("skipped", r.skipped.Load()))
}

// Next is the next fire time, zero when not started.
func (r *Runner) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLocked()
}

func (r *Runner) nextLocked() time.Time {
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.entry).Next
}

// Counts reports how many triggers ran the job and how many were skipped
// because the previous run was still going.
func (r *Runner) Counts() (fired, skipped uint64) {
	return r.fired.Load(), r.skipped.Load()
}

// cronLogger adapts cron's logger to logx and counts overlap skips.
type cronLogger struct{ r *Runner }

func (l cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" {
		l.r.skipped.Add(1)
		l.r.log.Info("schedule.skipped_overlap")
		return
	}
	l.r.log.Debug("cron."+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.r.log.Error("cron."+msg, logx.Err(err), logx.Any("kv", kv))
}
