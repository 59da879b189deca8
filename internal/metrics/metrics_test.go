package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"volley/internal/dispatch"
	"volley/internal/eventbus"
	rtsup "volley/internal/runtime/supervisor"
	logx "volley/pkg/logx"
)

type fixedStats dispatch.Stats

func (f fixedStats) Stats() dispatch.Stats { return dispatch.Stats(f) }

type listFunc func(ctx context.Context, n int) ([]dispatch.Summary, error)

func (f listFunc) RecentSessions(ctx context.Context, n int) ([]dispatch.Summary, error) {
	return f(ctx, n)
}

func TestCollectorObserve(t *testing.T) {
	t.Parallel()
	c := NewCollector(logx.Nop())

	c.Observe(eventbus.Event{
		Type: eventbus.TopicSessionStarted,
		Data: dispatch.SessionEvent{SessionID: "s1", Config: dispatch.Snapshot{Concurrency: 15}},
	})
	if got := testutil.ToFloat64(c.running); got != 1 {
		t.Fatalf("running = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.concurrency); got != 15 {
		t.Fatalf("concurrency = %v, want 15", got)
	}

	c.Observe(eventbus.Event{Type: eventbus.TopicBatch, Data: dispatch.BatchEvent{
		Pass: dispatch.PassPrimary, Size: 10, Succeeded: 6, Failed: 1, Requeued: 3,
		Duration: 200 * time.Millisecond,
		Stats:    dispatch.Stats{Retrying: 3, Performance: dispatch.Performance{SuccessRate: 85.7}},
	}})
	if got := testutil.ToFloat64(c.successRate); got != 85.7 {
		t.Fatalf("success rate after primary batch = %v", got)
	}
	if got := testutil.ToFloat64(c.retrying); got != 3 {
		t.Fatalf("retry queue depth = %v, want 3", got)
	}

	// Gauges follow the latest cumulative stats carried by each event.
	c.Observe(eventbus.Event{Type: eventbus.TopicRetry, Data: dispatch.BatchEvent{
		Pass: dispatch.PassRetry, Size: 3, Succeeded: 2, Failed: 1,
		Stats: dispatch.Stats{Performance: dispatch.Performance{SuccessRate: 80}},
	}})

	if got := testutil.ToFloat64(c.requests.WithLabelValues("primary", "success")); got != 6 {
		t.Fatalf("primary success = %v", got)
	}
	if got := testutil.ToFloat64(c.requests.WithLabelValues("retry", "failure")); got != 1 {
		t.Fatalf("retry failure = %v", got)
	}
	if got := testutil.ToFloat64(c.requeued); got != 3 {
		t.Fatalf("requeued = %v", got)
	}
	if got := testutil.ToFloat64(c.successRate); got != 80 {
		t.Fatalf("success rate after retry batch = %v", got)
	}
	if got := testutil.ToFloat64(c.retrying); got != 0 {
		t.Fatalf("retry queue depth after retry batch = %v", got)
	}

	sum := dispatch.Summary{State: dispatch.StateCompleted, SuccessRate: 88}
	c.Observe(eventbus.Event{
		Type: eventbus.TopicSessionCompleted,
		Data: dispatch.SessionEvent{SessionID: "s1", Summary: &sum},
	})
	if got := testutil.ToFloat64(c.running); got != 0 {
		t.Fatalf("running after completion = %v", got)
	}
	if got := testutil.ToFloat64(c.sessions.WithLabelValues("completed")); got != 1 {
		t.Fatalf("sessions completed = %v", got)
	}
	if got := testutil.ToFloat64(c.successRate); got != 88 {
		t.Fatalf("success rate after completion = %v", got)
	}
}

func TestCollectorRunConsumesBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	c := NewCollector(logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.batches.WithLabelValues("primary")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TopicBatch, Data: dispatch.BatchEvent{Pass: dispatch.PassPrimary}})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

func get(t *testing.T, h http.Handler, target string, header map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestHandlerEndpoints(t *testing.T) {
	t.Parallel()
	c := NewCollector(logx.Nop())
	c.Observe(eventbus.Event{Type: eventbus.TopicBatch, Data: dispatch.BatchEvent{Pass: dispatch.PassPrimary, Succeeded: 4}})

	var gotN int
	srv := NewServer(ServerConfig{}, Sources{
		Gatherer: c.Registry(),
		Stats:    fixedStats{SessionID: "abc", State: dispatch.StateRunning, Sent: 7},
		Sessions: listFunc(func(_ context.Context, n int) ([]dispatch.Summary, error) {
			gotN = n
			return []dispatch.Summary{{SessionID: "abc"}}, nil
		}),
		Health: func() rtsup.Snapshot { return rtsup.Snapshot{Active: 2} },
	}, logx.Nop())
	h := srv.Handler(ServerConfig{})

	code, body := get(t, h, "/metrics", nil)
	if code != http.StatusOK || !strings.Contains(body, `volley_requests_total{pass="primary",result="success"} 4`) {
		t.Fatalf("/metrics = %d\n%s", code, body)
	}

	code, body = get(t, h, "/stats", nil)
	var st dispatch.Stats
	if code != http.StatusOK || json.Unmarshal([]byte(body), &st) != nil || st.Sent != 7 || st.SessionID != "abc" {
		t.Fatalf("/stats = %d %s", code, body)
	}

	code, body = get(t, h, "/sessions?n=9999", nil)
	if code != http.StatusOK || !strings.Contains(body, `"session_id": "abc"`) || gotN != maxSessions {
		t.Fatalf("/sessions = %d %s (n=%d)", code, body, gotN)
	}
	if code, _ = get(t, h, "/sessions?n=zero", nil); code != http.StatusBadRequest {
		t.Fatalf("/sessions bad n = %d", code)
	}

	code, body = get(t, h, "/healthz", nil)
	if code != http.StatusOK || !strings.Contains(body, `"status": "ok"`) {
		t.Fatalf("/healthz = %d %s", code, body)
	}

	if code, _ = get(t, h, "/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof should be off by default, got %d", code)
	}
}

func TestHandlerSessionsStorageError(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{}, Sources{
		Sessions: listFunc(func(context.Context, int) ([]dispatch.Summary, error) { return nil, errors.New("disk") }),
	}, logx.Nop())
	if code, _ := get(t, srv.Handler(ServerConfig{}), "/sessions", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", code)
	}
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{}, Sources{}, logx.Nop())
	h := srv.Handler(ServerConfig{Token: "s3cret"})

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{name: "missing", target: "/healthz", want: http.StatusUnauthorized},
		{name: "bad query", target: "/healthz?token=nope", want: http.StatusUnauthorized},
		{name: "query", target: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "bearer", target: "/healthz", header: map[string]string{"Authorization": "Bearer s3cret"}, want: http.StatusOK},
		{name: "bad bearer", target: "/healthz", header: map[string]string{"Authorization": "Bearer x"}, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if code, _ := get(t, h, tt.target, tt.header); code != tt.want {
				t.Fatalf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9464": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9464":          false,
		"0.0.0.0:9464":   false,
		"10.1.2.3:80":    false,
		"nonsense":       false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestServerStartStop(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
		addr = srv.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	srv.Stop(ctx)
	if srv.Addr() != "" {
		t.Fatal("listener still set after Stop")
	}
}

func TestServerRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	srv := NewServer(ServerConfig{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := srv.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v", err)
	}
}

func TestCollectorExportsBusDrops(t *testing.T) {
	c := NewCollector(logx.Nop())
	bus := eventbus.New()
	// A full subscriber forces drops before the collector is attached.
	_, unsub := bus.Subscribe(1)
	defer unsub()
	bus.Publish(eventbus.Event{Type: eventbus.TopicBatch})
	bus.Publish(eventbus.Event{Type: eventbus.TopicBatch})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mfs, err := c.Registry().Gather()
		if err != nil {
			t.Fatalf("Gather: %v", err)
		}
		got := -1.0
		for _, mf := range mfs {
			if mf.GetName() == "volley_events_dropped_total" {
				got = mf.GetMetric()[0].GetCounter().GetValue()
			}
		}
		if got >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events_dropped_total = %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
