package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

const progressEvery = 10

// run is the per-session state shared by the primary and retry passes. Only the
// goroutine running Start touches retryQ and retryQueued.
type run struct {
	c    *Controller
	ctx  context.Context
	cfg  SessionConfig
	id   string
	conc int
	log  logx.Logger
	exec *executor

	retryQ      []*Task
	retryQueued int
}

func (r *run) stopped() bool { return r.ctx.Err() != nil }

// result pairs a task with its outcome. launched is false when the batch was
// cancelled before the task was started.
type result struct {
	task     *Task
	out      Outcome
	launched bool
}

// fanOut executes batch with at most width tasks in flight and waits for all of
// them. skew, when non-nil, is slept before launching task i; a cancelled skew
// leaves the remaining tasks unlaunched.
func (r *run) fanOut(ctx context.Context, batch []*Task, width int, skew func(i int) time.Duration) []result {
	res := make([]result, len(batch))
	for i, t := range batch {
		res[i].task = t
	}

	var g errgroup.Group
	g.SetLimit(max(1, width))
	for i, t := range batch {
		if ctx.Err() != nil {
			break
		}
		if skew != nil {
			if d := skew(i); d > 0 {
				if err := r.c.sleep(ctx, d); err != nil {
					break
				}
			}
		}
		res[i].launched = true
		g.Go(func() error {
			res[i].out = r.exec.execute(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return res
}

// primaryPass walks the tasks in batches of r.conc, folding each batch into the
// session stats at the join and pausing adaptively in between.
func (r *run) primaryPass(tasks []*Task) {
	batches := chunk(tasks, r.conc)
	for i, batch := range batches {
		if r.stopped() {
			return
		}
		n := i + 1

		var skew func(int) time.Duration
		if r.cfg.Jitter {
			skew = func(int) time.Duration { return staggerDelay(r.cfg.Delay, r.conc, r.exec.rng) }
		}

		bctx, cancel := context.WithCancel(r.ctx)
		began := time.Now()
		res := r.fanOut(bctx, batch, r.conc, skew)
		cancel()

		ev := r.foldPrimary(n, res, time.Since(began))
		if n == 1 || n%progressEvery == 0 || n == len(batches) || ev.Stats.Sent == r.cfg.Total {
			st := ev.Stats
			r.log.Info("dispatch.progress",
				logx.Int("batch", n),
				logx.Int("batches", len(batches)),
				logx.Int("sent", st.Sent),
				logx.Int("total", st.Total),
				logx.Int("successful", st.Successful),
				logx.Int("failed", st.Failed),
				logx.Int("retrying", st.Retrying),
				logx.Float64("success_rate", st.Performance.SuccessRate),
				logx.Float64("rps", st.Performance.RPS),
				logx.Duration("avg_latency", st.Performance.AvgLatency),
				logx.Duration("eta", st.Performance.ETA),
			)
		}
		r.c.publish(eventbus.TopicBatch, ev)

		if n == len(batches) || r.stopped() {
			return
		}
		d := adaptiveDelay(r.cfg.Delay, n, ev.Stats.Sent, r.cfg.Total, r.cfg.Jitter, r.exec.rng)
		if err := r.c.sleep(r.ctx, d); err != nil {
			return
		}
	}
}

// foldPrimary applies one joined batch to the session counters. Failed tasks
// with retry budget left are parked in the retry queue and counted as Retrying;
// everything else is terminal.
func (r *run) foldPrimary(n int, res []result, took time.Duration) BatchEvent {
	ev := BatchEvent{SessionID: r.id, Pass: PassPrimary, Batch: n, Duration: took}
	stopping := r.stopped()

	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rs := range res {
		if !rs.launched {
			continue
		}
		ev.Size++
		t := rs.task
		switch {
		case rs.out.OK:
			t.Status = StatusSucceeded
			c.stats.Sent++
			c.stats.Successful++
			ev.Succeeded++
		case errors.Is(rs.out.Err, ErrStopped):
			t.Status = StatusFailed
			c.stats.Sent++
			c.stats.Failed++
			ev.Failed++
		default:
			t.Retries = spend(t, rs.out, r.cfg.MaxRetries)
			if t.Retries < r.cfg.MaxRetries && !stopping && len(r.retryQ) < maxRetryQueueLength {
				t.Status = StatusFailed
				r.retryQ = append(r.retryQ, t)
				r.retryQueued++
				c.stats.Retrying++
				ev.Requeued++
				continue
			}
			t.Status = StatusExhausted
			c.stats.Sent++
			c.stats.Failed++
			ev.Failed++
		}
	}
	c.stats.Batches++
	c.stats.LastBatchAt = c.now()
	ev.Stats = c.statsLocked()
	return ev
}
