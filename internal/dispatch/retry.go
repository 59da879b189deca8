package dispatch

import (
	"context"
	"errors"
	"time"

	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

// retryPass gives every queued task one more execution at half the primary
// width. Launches inside a chunk are staggered and chunks are separated by a
// short pause. Tasks still queued when the pass is cut short stay in r.retryQ
// for finalization.
func (r *run) retryPass() {
	width := retryConcurrency(r.conc)
	queued := len(r.retryQ)
	r.log.Info("retry.started", logx.Int("queued", queued), logx.Int("concurrency", width))

	stagger := func(i int) time.Duration {
		if i == 0 {
			return 0
		}
		return retryStagger
	}

	var (
		left      []*Task
		recovered int
		failed    int
	)
	chunks := chunk(r.retryQ, width)
	for i, batch := range chunks {
		if r.stopped() {
			left = append(left, flatten(chunks[i:])...)
			break
		}
		bctx, cancel := context.WithCancel(r.ctx)
		began := time.Now()
		res := r.fanOut(bctx, batch, width, stagger)
		cancel()

		ev := r.foldRetry(i+1, res, time.Since(began))
		recovered += ev.Succeeded
		failed += ev.Failed
		for _, rs := range res {
			if !rs.launched {
				left = append(left, rs.task)
			}
		}
		r.c.publish(eventbus.TopicRetry, ev)

		if i == len(chunks)-1 {
			break
		}
		if err := r.c.sleep(r.ctx, retryChunkPause); err != nil {
			left = append(left, flatten(chunks[i+1:])...)
			break
		}
	}
	r.retryQ = left

	r.log.Info("retry.completed",
		logx.Int("queued", queued),
		logx.Int("recovered", recovered),
		logx.Int("failed", failed),
		logx.Int("unresolved", len(left)),
	)
}

// foldRetry moves resolved tasks out of Retrying into Sent.
func (r *run) foldRetry(n int, res []result, took time.Duration) BatchEvent {
	ev := BatchEvent{SessionID: r.id, Pass: PassRetry, Batch: n, Duration: took}

	c := r.c
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rs := range res {
		if !rs.launched {
			continue
		}
		ev.Size++
		t := rs.task
		c.stats.Retrying--
		c.stats.Sent++
		switch {
		case rs.out.OK:
			t.Status = StatusSucceeded
			c.stats.Successful++
			c.stats.Recovered++
			ev.Succeeded++
		case errors.Is(rs.out.Err, ErrStopped):
			t.Status = StatusExhausted
			c.stats.Failed++
			ev.Failed++
		default:
			t.Retries = spend(t, rs.out, r.cfg.MaxRetries)
			t.Status = StatusExhausted
			c.stats.Failed++
			ev.Failed++
		}
	}
	c.stats.LastBatchAt = c.now()
	ev.Stats = c.statsLocked()
	return ev
}

// spend charges a failed execution's attempts against the task's budget. An
// execution that died before its first attempt still costs one.
func spend(t *Task, out Outcome, maxRetries int) int {
	return min(t.Retries+max(1, out.Attempts), maxRetries)
}

func flatten(groups [][]*Task) []*Task {
	var out []*Task
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
