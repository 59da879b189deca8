package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	logx "volley/pkg/logx"
)

const defaultReferrer = "https://www.google.com/"

var referrerPool = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"https://search.yahoo.com/",
	"https://www.facebook.com/",
	"https://t.co/",
	"https://www.reddit.com/",
	"https://www.linkedin.com/",
	"https://news.ycombinator.com/",
}

// executor runs one task to a terminal outcome.
type executor struct {
	cfg     SessionConfig
	proxies ProxyProvider
	doer    Doer
	tracker *Tracker
	rng     Rand
	sleep   Sleeper
	log     logx.Logger
}

// execute never returns a failure through anything but the Outcome. Panics from
// collaborators are recovered and reported as a failed outcome.
func (e *executor) execute(ctx context.Context, t *Task) (out Outcome) {
	out.TaskID = t.ID
	defer func() {
		if r := recover(); r != nil {
			out.OK = false
			out.Err = fmt.Errorf("panic: %v", r)
			e.log.Error("task.panic", logx.Int("task", t.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			e.tracker.Record(out.Duration, false)
		}
	}()

	t.Status = StatusInFlight
	proxy := e.pickProxy(ctx, t.ID)
	if proxy != nil {
		out.Proxy = proxy.ID
	}
	req := e.buildRequest(t, proxy)

	var lastErr error
	// The budget spans both passes: a requeued task only gets what is left.
	maxAttempts := max(1, e.cfg.MaxRetries-t.Retries)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out.Attempts = attempt
		t.LastAttempt = time.Now()

		resp, err := e.attempt(ctx, req)
		out.Duration = time.Since(t.LastAttempt)
		out.StatusCode = resp.StatusCode

		cls, cerr := classify(resp, err)
		switch cls {
		case classSuccess, classDelivered:
			out.OK = true
			if cls == classDelivered {
				out.Note = noteDelivered
			}
			e.tracker.Record(out.Duration, true)
			if sr, ok := e.proxies.(SuccessReporter); ok && proxy != nil {
				sr.ReportSuccess(proxy.ID)
			}
			return out
		}

		lastErr = cerr
		if ctx.Err() != nil {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(attempt, e.rng)
		e.log.Debug("task.retry_scheduled", logx.Int("task", t.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(cerr))
		if err := e.sleep(ctx, delay); err != nil {
			break attemptLoop
		}
	}

	e.tracker.Record(out.Duration, false)

	if ctx.Err() != nil {
		// Cancelled by stop: not the proxy's fault, no report.
		if lastErr == nil {
			out.Err = ErrStopped
		} else {
			out.Err = fmt.Errorf("%w: %w", ErrStopped, lastErr)
		}
		return out
	}

	if proxy != nil {
		e.proxies.ReportFailure(proxy.ID)
	}
	out.Err = exhausted(out.Attempts, lastErr)
	return out
}

func (e *executor) attempt(ctx context.Context, req Request) (Response, error) {
	actx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.doer.Do(actx, req)
}

func (e *executor) pickProxy(ctx context.Context, taskID int) *Proxy {
	p, err := e.proxies.ProxyForRequest(ctx, e.cfg.Tier)
	if err != nil {
		if errors.Is(err, ErrProxyExhausted) {
			e.log.Debug("proxy.exhausted; going direct", logx.Int("task", taskID), logx.String("tier", string(e.cfg.Tier)))
		} else {
			e.log.Warn("proxy.lookup_failed; going direct", logx.Int("task", taskID), logx.Err(err))
		}
		return nil
	}
	return p
}

func (e *executor) buildRequest(t *Task, proxy *Proxy) Request {
	h := http.Header{}
	if v := t.Profile.UserAgent; v != "" {
		h.Set("User-Agent", v)
	}
	if v := t.Profile.Accept; v != "" {
		h.Set("Accept", v)
	}
	if v := t.Profile.AcceptLanguage; v != "" {
		h.Set("Accept-Language", v)
	}
	ref := defaultReferrer
	if e.cfg.RandomReferrer {
		ref = referrerPool[e.rng.Intn(len(referrerPool))]
	}
	h.Set("Referer", ref)
	return Request{URL: e.cfg.TargetURL, Proxy: proxy, Header: h}
}
