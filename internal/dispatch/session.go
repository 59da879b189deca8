package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

const persistTimeout = 5 * time.Second

// Deps are the collaborators a Controller is built with. Nil members fall back
// to direct connections, blank profiles, no persistence and a time-seeded
// random source; Doer is required.
type Deps struct {
	Proxies  ProxyProvider
	Profiles ProfileProvider
	Doer     Doer
	Store    Persistence
	Bus      eventbus.Bus
	Log      logx.Logger
	Rand     Rand
	Sleep    Sleeper
	Now      func() time.Time
}

// Controller owns one session at a time and is the only surface the rest of the
// application talks to.
//
// Start blocks until the session finalizes. Stop and Stats are safe to call from
// other goroutines while Start runs.
type Controller struct {
	proxies  ProxyProvider
	profiles ProfileProvider
	doer     Doer
	store    Persistence
	bus      eventbus.Bus
	log      logx.Logger
	rng      Rand
	sleep    Sleeper
	now      func() time.Time

	mu            sync.Mutex
	running       bool
	stopRequested bool
	cancel        context.CancelFunc
	stats         Stats
	finishedAt    time.Time
	tracker       *Tracker
}

func New(d Deps) *Controller {
	c := &Controller{
		proxies:  d.Proxies,
		profiles: d.Profiles,
		doer:     d.Doer,
		store:    d.Store,
		bus:      d.Bus,
		log:      d.Log,
		rng:      d.Rand,
		sleep:    d.Sleep,
		now:      d.Now,
		tracker:  NewTracker(),
		stats:    Stats{State: StateNotStarted},
	}
	if c.proxies == nil {
		c.proxies = directProxies{}
	}
	if c.profiles == nil {
		c.profiles = blankProfiles{}
	}
	if c.store == nil {
		c.store = nopPersistence{}
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	if c.rng == nil {
		c.rng = newTimeSeededRand()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Running reports whether a session is in progress.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start runs a full session: build tasks, primary pass, retry pass, finalize.
//
// If a session is already running it logs a warning and returns
// ErrSessionRunning without touching the running session. Cancelling ctx has
// the same effect as Stop.
func (c *Controller) Start(ctx context.Context, cfg SessionConfig) (Summary, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}
	if c.doer == nil {
		return Summary{}, errors.New("dispatch: no doer configured")
	}

	c.mu.Lock()
	if c.running {
		id := c.stats.SessionID
		c.mu.Unlock()
		c.log.Warn("session.already_running", logx.String("session", id))
		return Summary{}, ErrSessionRunning
	}
	sctx, cancel := context.WithCancel(ctx)
	conc := Concurrency(cfg.Delay, cfg.Tier)
	id := uuid.NewString()
	c.running = true
	c.stopRequested = false
	c.cancel = cancel
	c.tracker = NewTracker()
	c.finishedAt = time.Time{}
	c.stats = Stats{
		SessionID:   id,
		State:       StateRunning,
		Total:       cfg.Total,
		Concurrency: conc,
		StartedAt:   c.now(),
	}
	tracker := c.tracker
	c.mu.Unlock()
	defer cancel()

	log := c.log.With(logx.String("session", id))
	r := &run{
		c:    c,
		ctx:  sctx,
		cfg:  cfg,
		id:   id,
		conc: conc,
		log:  log,
		exec: &executor{
			cfg:     cfg,
			proxies: c.proxies,
			doer:    c.doer,
			tracker: tracker,
			rng:     c.rng,
			sleep:   c.sleep,
			log:     log,
		},
	}

	snap := Snapshot{Total: cfg.Total, TargetURL: cfg.TargetURL, Tier: cfg.Tier, Device: cfg.Device, Concurrency: conc}
	log.Info("session.started",
		logx.Int("total", cfg.Total),
		logx.String("target", cfg.TargetURL),
		logx.String("tier", string(cfg.Tier)),
		logx.String("device", string(cfg.Device)),
		logx.Duration("delay", cfg.Delay),
		logx.Int("concurrency", conc),
		logx.Int("max_retries", cfg.MaxRetries),
		logx.Bool("jitter", cfg.Jitter),
	)
	c.publish(eventbus.TopicSessionStarted, SessionEvent{SessionID: id, Config: snap})

	tasks := BuildTasks(cfg.Total, cfg.Device, c.profiles)
	r.primaryPass(tasks)
	if !r.stopped() && len(r.retryQ) > 0 {
		r.retryPass()
	}
	return c.complete(ctx, r, snap)
}

// Stop flips the session to stopping and cancels in-flight requests. It is
// idempotent and a no-op when nothing is running.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.running || c.stopRequested {
		c.mu.Unlock()
		return
	}
	c.stopRequested = true
	cancel := c.cancel
	id := c.stats.SessionID
	c.mu.Unlock()

	c.log.Info("session.stop_requested", logx.String("session", id))
	if cancel != nil {
		cancel()
	}
}

// Stats returns a snapshot merged with the derived performance view.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statsLocked()
}

func (c *Controller) statsLocked() Stats {
	st := c.stats
	if st.StartedAt.IsZero() {
		st.Performance = Performance{SuccessRate: SuccessRate(0, 0)}
		return st
	}
	end := c.finishedAt
	if end.IsZero() {
		end = c.now()
	}
	st.Performance = c.tracker.Snapshot(st.Sent, st.Successful, st.Total, end.Sub(st.StartedAt))
	return st
}

// complete finalizes the session: leftover retry entries are folded as failed,
// the summary is persisted best-effort and published.
func (c *Controller) complete(ctx context.Context, r *run, snap Snapshot) (Summary, error) {
	finished := c.now()
	stopped := r.stopped()

	c.mu.Lock()
	if n := c.stats.Retrying; n > 0 {
		c.stats.Sent += n
		c.stats.Failed += n
		c.stats.Retrying = 0
		for _, t := range r.retryQ {
			if t.Status == StatusFailed {
				t.Status = StatusExhausted
			}
		}
	}
	c.finishedAt = finished
	if stopped || c.stopRequested {
		c.stats.State = StateStopped
	} else {
		c.stats.State = StateCompleted
	}
	st := c.statsLocked()
	c.running = false
	c.cancel = nil
	okN, failN := c.tracker.Counts()
	c.mu.Unlock()

	elapsed := finished.Sub(st.StartedAt)
	sum := Summary{
		SessionID:   r.id,
		TargetURL:   r.cfg.TargetURL,
		Country:     r.cfg.Country,
		Tier:        r.cfg.Tier,
		Device:      r.cfg.Device,
		State:       st.State,
		Total:       st.Total,
		Sent:        st.Sent,
		Successful:  st.Successful,
		Failed:      st.Failed,
		RetryQueued: r.retryQueued,
		Recovered:   st.Recovered,
		Batches:     st.Batches,
		Concurrency: st.Concurrency,
		StartedAt:   st.StartedAt,
		FinishedAt:  finished,
		Elapsed:     elapsed,
		SuccessRate: SuccessRate(st.Successful, st.Sent),
		AvgRate:     RequestsPerSecond(st.Sent, elapsed),
		AvgLatency:  st.Performance.AvgLatency,
		P95Latency:  st.Performance.P95Latency,
	}

	r.log.Info("session.completed",
		logx.String("state", string(sum.State)),
		logx.Int("sent", sum.Sent),
		logx.Int("successful", sum.Successful),
		logx.Int("failed", sum.Failed),
		logx.Int("total", sum.Total),
		logx.Int("retry_recovered", sum.Recovered),
		logx.Duration("elapsed", elapsed),
		logx.Float64("success_rate", sum.SuccessRate),
		logx.Float64("avg_rate", sum.AvgRate),
		logx.Duration("avg_latency", sum.AvgLatency),
		logx.Uint64("outcomes_ok", okN),
		logx.Uint64("outcomes_failed", failN),
	)

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	if err := c.store.SaveSessionResult(pctx, sum); err != nil {
		r.log.Warn("session.persist_failed", logx.Err(err))
	}
	cancel()

	c.publish(eventbus.TopicSessionCompleted, SessionEvent{SessionID: r.id, Config: snap, Summary: &sum})
	return sum, nil
}
