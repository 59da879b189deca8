package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

type memStore struct {
	mu   sync.Mutex
	sums []Summary
	err  error
}

func (m *memStore) SaveSessionResult(_ context.Context, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sums = append(m.sums, s)
	return m.err
}

func (m *memStore) saved() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Summary(nil), m.sums...)
}

func newTestController(doer Doer, store Persistence, bus eventbus.Bus) *Controller {
	return New(Deps{
		Doer:  doer,
		Store: store,
		Bus:   bus,
		Log:   logx.Nop(),
		Rand:  NewRand(11),
		Sleep: noSleep,
	})
}

func testSession(total, maxRetries int) SessionConfig {
	return SessionConfig{
		Total:      total,
		TargetURL:  "https://example.com/landing",
		Delay:      200 * time.Millisecond,
		Tier:       TierDefault,
		Device:     DeviceRandom,
		MaxRetries: maxRetries,
	}
}

func checkCounters(t *testing.T, s Summary) {
	t.Helper()
	if s.Sent != s.Successful+s.Failed {
		t.Fatalf("sent %d != successful %d + failed %d", s.Sent, s.Successful, s.Failed)
	}
	if s.Sent > s.Total {
		t.Fatalf("sent %d exceeds total %d", s.Sent, s.Total)
	}
}

func TestStartAllDelivered(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	store := &memStore{}
	c := newTestController(statusDoer(404, &calls), store, nil)

	sum, err := c.Start(context.Background(), testSession(20, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.State != StateCompleted || sum.Sent != 20 || sum.Successful != 20 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.SuccessRate != 100 {
		t.Fatalf("SuccessRate = %v, want 100", sum.SuccessRate)
	}
	if sum.Concurrency != 5 || sum.Batches != 4 {
		t.Fatalf("concurrency/batches = %d/%d, want 5/4", sum.Concurrency, sum.Batches)
	}
	if calls.Load() != 20 {
		t.Fatalf("doer calls = %d, want 20", calls.Load())
	}
	if saved := store.saved(); len(saved) != 1 || saved[0].SessionID != sum.SessionID {
		t.Fatalf("persisted summaries = %+v", saved)
	}
	if c.Running() {
		t.Fatal("controller still running after Start returned")
	}
	if st := c.Stats(); st.State != StateCompleted || st.Sent != 20 {
		t.Fatalf("Stats after completion = %+v", st)
	}
}

func TestStartAllServerErrorsExhaust(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestController(statusDoer(500, &calls), nil, nil)

	sum, err := c.Start(context.Background(), testSession(10, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.Failed != 10 || sum.Successful != 0 || sum.Sent != 10 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	// The primary execution spends the whole budget, so nothing is requeued.
	if sum.RetryQueued != 0 || sum.Recovered != 0 {
		t.Fatalf("retry accounting = queued %d recovered %d", sum.RetryQueued, sum.Recovered)
	}
	if got := calls.Load(); got != 30 {
		t.Fatalf("doer calls = %d, want 30", got)
	}
	if sum.SuccessRate != 0 {
		t.Fatalf("SuccessRate = %v, want 0", sum.SuccessRate)
	}
}

func TestStartSingleRetryBudgetSkipsRetryPass(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestController(statusDoer(502, &calls), nil, nil)

	sum, err := c.Start(context.Background(), testSession(4, 1))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.RetryQueued != 0 || sum.Failed != 4 || calls.Load() != 4 {
		t.Fatalf("unexpected summary %+v with %d calls", sum, calls.Load())
	}
}

func TestStartRetryPassRecovers(t *testing.T) {
	t.Parallel()
	const total, retries = 10, 2
	var calls atomic.Int32
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		// Each primary execution dies on its first attempt, leaving one
		// attempt of budget for the retry pass.
		if calls.Add(1) <= total {
			panic("transport blew up")
		}
		return Response{StatusCode: 200}, nil
	})
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	c := newTestController(doer, nil, bus)
	sum, err := c.Start(context.Background(), testSession(total, retries))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.Successful != total || sum.Recovered != total || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if got := calls.Load(); got != 2*total {
		t.Fatalf("doer calls = %d, want %d", got, 2*total)
	}

	var retryBatches int
	var completed bool
	for len(events) > 0 {
		ev := <-events
		switch ev.Type {
		case eventbus.TopicRetry:
			retryBatches++
			be, ok := ev.Data.(BatchEvent)
			if !ok || be.Pass != PassRetry {
				t.Fatalf("unexpected retry event payload: %#v", ev.Data)
			}
			if be.Size > retryConcurrency(sum.Concurrency) {
				t.Fatalf("retry batch size %d exceeds width", be.Size)
			}
		case eventbus.TopicSessionCompleted:
			completed = true
		}
	}
	if retryBatches == 0 || !completed {
		t.Fatalf("missing events: retry=%d completed=%v", retryBatches, completed)
	}
}

func TestStartMixedOutcomesKeepInvariants(t *testing.T) {
	t.Parallel()
	r := NewRand(99)
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		switch n := r.Intn(4); n {
		case 0:
			return Response{}, errors.New("reset by peer")
		case 1:
			return Response{StatusCode: 500}, nil
		case 2:
			return Response{StatusCode: 404}, nil
		default:
			return Response{StatusCode: 200}, nil
		}
	})
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()

	c := newTestController(doer, nil, bus)
	sum, err := c.Start(context.Background(), testSession(57, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.Sent != 57 {
		t.Fatalf("completed session sent %d of 57", sum.Sent)
	}

	prevSent := 0
	for len(events) > 0 {
		ev := <-events
		be, ok := ev.Data.(BatchEvent)
		if !ok {
			continue
		}
		st := be.Stats
		if st.Sent != st.Successful+st.Failed {
			t.Fatalf("batch %d: sent %d != %d + %d", be.Batch, st.Sent, st.Successful, st.Failed)
		}
		if st.Sent < prevSent {
			t.Fatalf("sent went backwards: %d -> %d", prevSent, st.Sent)
		}
		if st.Sent+st.Retrying > st.Total {
			t.Fatalf("sent %d + retrying %d exceeds total %d", st.Sent, st.Retrying, st.Total)
		}
		prevSent = st.Sent
	}
}

func TestStartRespectsWidth(t *testing.T) {
	t.Parallel()
	var inflight, peak atomic.Int32
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
		return Response{StatusCode: 200}, nil
	})
	c := newTestController(doer, nil, nil)
	cfg := testSession(40, 2)
	cfg.Tier = TierPremium
	cfg.Jitter = true

	if _, err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got, limit := peak.Load(), int32(Concurrency(cfg.Delay, cfg.Tier)); got > limit {
		t.Fatalf("peak in-flight %d exceeds width %d", got, limit)
	}
}

func TestStopMidSession(t *testing.T) {
	t.Parallel()
	var c *Controller
	var calls atomic.Int32
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		n := calls.Add(1)
		if n == 7 {
			c.Stop()
		}
		if n >= 7 {
			<-ctx.Done()
			return Response{}, ctx.Err()
		}
		return Response{StatusCode: 200}, nil
	})
	store := &memStore{}
	c = newTestController(doer, store, nil)

	sum, err := c.Start(context.Background(), testSession(50, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.State != StateStopped {
		t.Fatalf("State = %s, want stopped", sum.State)
	}
	if sum.Sent >= sum.Total {
		t.Fatalf("stopped session sent %d of %d", sum.Sent, sum.Total)
	}
	if sum.Successful < 5 {
		t.Fatalf("first batch should have succeeded, got %d", sum.Successful)
	}
	if sum.RetryQueued != 0 {
		t.Fatalf("stopped tasks must not be requeued, got %d", sum.RetryQueued)
	}
	if len(store.saved()) != 1 {
		t.Fatal("stopped session was not persisted")
	}

	// Idempotent and harmless once finished.
	c.Stop()
	c.Stop()
}

func TestStartWhileRunning(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		once.Do(func() { close(started) })
		<-release
		return Response{StatusCode: 200}, nil
	})
	c := newTestController(doer, nil, nil)

	done := make(chan Summary, 1)
	go func() {
		sum, err := c.Start(context.Background(), testSession(3, 1))
		if err != nil {
			t.Errorf("first Start: %v", err)
		}
		done <- sum
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first session never dispatched")
	}
	if _, err := c.Start(context.Background(), testSession(3, 1)); !errors.Is(err, ErrSessionRunning) {
		t.Fatalf("second Start err = %v, want ErrSessionRunning", err)
	}
	if st := c.Stats(); st.State != StateRunning {
		t.Fatalf("running session disturbed: %+v", st)
	}
	close(release)

	select {
	case sum := <-done:
		if sum.Sent != 3 || sum.State != StateCompleted {
			t.Fatalf("first session summary = %+v", sum)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first session did not finish")
	}
}

func TestStartInvalidConfig(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestController(statusDoer(200, &calls), nil, nil)
	cfg := testSession(0, 3)
	if _, err := c.Start(context.Background(), cfg); err == nil {
		t.Fatal("expected validation error")
	}
	if c.Running() || calls.Load() != 0 {
		t.Fatal("invalid config must not start a session")
	}
	if st := c.Stats(); st.State != StateNotStarted || st.Performance.SuccessRate != 100 {
		t.Fatalf("idle stats = %+v", st)
	}
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	store := &memStore{err: errors.New("disk full")}
	c := newTestController(statusDoer(200, &calls), store, nil)
	sum, err := c.Start(context.Background(), testSession(2, 1))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sum.State != StateCompleted || len(store.saved()) != 1 {
		t.Fatalf("unexpected result %+v", sum)
	}
}

func TestControllerReusable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestController(statusDoer(200, &calls), nil, nil)
	first, err := c.Start(context.Background(), testSession(3, 1))
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := c.Start(context.Background(), testSession(6, 1))
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("sessions share an id")
	}
	if second.Sent != 6 {
		t.Fatalf("second session counters leaked: %+v", second)
	}
}

func TestFoldPrimaryChargesEveryAttempt(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestController(statusDoer(500, &calls), nil, nil)
	cfg := testSession(1, 3).withDefaults()
	r := &run{
		c:    c,
		ctx:  context.Background(),
		cfg:  cfg,
		conc: 1,
		log:  logx.Nop(),
		exec: &executor{
			cfg:     cfg,
			proxies: directProxies{},
			doer:    statusDoer(500, &calls),
			tracker: NewTracker(),
			rng:     NewRand(3),
			sleep:   noSleep,
			log:     logx.Nop(),
		},
	}
	task := &Task{ID: 1}
	r.primaryPass([]*Task{task})

	if calls.Load() != 3 {
		t.Fatalf("doer calls = %d, want 3", calls.Load())
	}
	if task.Retries != 3 || task.Status != StatusExhausted {
		t.Fatalf("task after primary pass = %+v", task)
	}
	if len(r.retryQ) != 0 {
		t.Fatalf("exhausted task was requeued: %d queued", len(r.retryQ))
	}
}

func TestRetryBudgetSpansBothPasses(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		// First call panics and ends the primary execution after one attempt.
		if calls.Add(1) == 1 {
			panic("flaky transport")
		}
		return Response{StatusCode: 500}, nil
	})
	c := newTestController(doer, nil, nil)
	sum, err := c.Start(context.Background(), testSession(1, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.RetryQueued != 1 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	// One attempt in the primary pass, the remaining two in the retry pass.
	if got := calls.Load(); got != 3 {
		t.Fatalf("doer calls = %d, want 3", got)
	}
}

func TestStartSlowBalancedRunsSequentially(t *testing.T) {
	t.Parallel()
	var inflight, peak, calls atomic.Int32
	doer := DoerFunc(func(ctx context.Context, _ Request) (Response, error) {
		calls.Add(1)
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		return Response{StatusCode: 200}, nil
	})
	c := newTestController(doer, nil, nil)
	cfg := testSession(100, 3)
	cfg.Delay = time.Second
	cfg.Tier = TierBalanced

	sum, err := c.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	checkCounters(t, sum)
	if sum.Concurrency != 1 || sum.Batches != 100 {
		t.Fatalf("concurrency/batches = %d/%d, want 1/100", sum.Concurrency, sum.Batches)
	}
	if got := peak.Load(); got != 1 {
		t.Fatalf("peak in-flight = %d, want 1", got)
	}
	if sum.Sent != 100 || calls.Load() != 100 {
		t.Fatalf("sent %d with %d calls, want 100", sum.Sent, calls.Load())
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Split(strings.TrimSpace(s.b.String()), "\n")
}

func TestProgressLoggedWhenAllSent(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	var buf syncBuffer
	c := New(Deps{
		Doer:  statusDoer(200, &calls),
		Log:   logx.NewWriter(&buf, "info"),
		Rand:  NewRand(5),
		Sleep: noSleep,
	})
	// 20 tasks at width 5: batches 1 and 4 report, 2 and 3 stay quiet.
	if _, err := c.Start(context.Background(), testSession(20, 2)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var progress []map[string]any
	for _, line := range buf.lines() {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		if m["message"] == "dispatch.progress" {
			progress = append(progress, m)
		}
	}
	if len(progress) != 2 {
		t.Fatalf("progress lines = %d, want 2: %v", len(progress), progress)
	}
	last := progress[len(progress)-1]
	if last["sent"] != float64(20) || last["total"] != float64(20) {
		t.Fatalf("final progress = %v", last)
	}
}
