package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"volley/internal/dispatch"
	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

type recordSender struct {
	mu   sync.Mutex
	msgs []string
	to   []Target
	err  error
}

func (r *recordSender) Send(_ context.Context, to Target, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, text)
	r.to = append(r.to, to)
	return nil
}

func (r *recordSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func sampleSummary() dispatch.Summary {
	return dispatch.Summary{
		SessionID:   "0f8e7d6c-aaaa-bbbb-cccc-123456789abc",
		TargetURL:   "https://example.com",
		Tier:        dispatch.TierPremium,
		Device:      dispatch.DeviceMobile,
		State:       dispatch.StateCompleted,
		Total:       100,
		Sent:        100,
		Successful:  92,
		Failed:      8,
		RetryQueued: 11,
		Recovered:   3,
		Concurrency: 15,
		Elapsed:     42 * time.Second,
		SuccessRate: 92,
		AvgRate:     2.38,
		P95Latency:  812 * time.Millisecond,
	}
}

func TestFormatSummary(t *testing.T) {
	t.Parallel()
	got := FormatSummary(sampleSummary())
	for _, want := range []string{
		"✅ Session 0f8e7d6c completed",
		"Target: https://example.com",
		"Sent 100/100  ok 92  failed 8",
		"Retried 11, recovered 3",
		"Success 92.0%  2.38 req/s",
		"Tier premium  device mobile  width 15",
		"Elapsed 42s  p95 812ms",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}

	low := sampleSummary()
	low.SuccessRate = 10
	low.RetryQueued = 0
	out := FormatSummary(low)
	if !strings.HasPrefix(out, "⚠️") || strings.Contains(out, "Retried") {
		t.Fatalf("low-success summary:\n%s", out)
	}

	stopped := sampleSummary()
	stopped.State = dispatch.StateStopped
	if !strings.HasPrefix(FormatSummary(stopped), "⏹") {
		t.Fatal("stopped session should use the stop icon")
	}
}

func TestRunForwardsCompletedSessions(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	rec := &recordSender{}
	n := New(rec, Config{Target: Target{ChatID: 42, ThreadID: 7}, RatePerSec: 1000}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, bus) }()

	sum := sampleSummary()
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("summary never sent")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TopicBatch, Data: dispatch.BatchEvent{}})
		bus.Publish(eventbus.Event{Type: eventbus.TopicSessionCompleted, Data: dispatch.SessionEvent{SessionID: sum.SessionID, Summary: &sum}})
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.to[0] != (Target{ChatID: 42, ThreadID: 7}) {
		t.Fatalf("target = %+v", rec.to[0])
	}
	if !strings.Contains(rec.msgs[0], "Session 0f8e7d6c") {
		t.Fatalf("message = %q", rec.msgs[0])
	}
}

func TestNotifyPropagatesSendError(t *testing.T) {
	t.Parallel()
	rec := &recordSender{err: errors.New("telegram down")}
	n := New(rec, Config{Target: Target{ChatID: 1}}, logx.Nop())
	if err := n.Notify(context.Background(), sampleSummary()); err == nil {
		t.Fatal("expected send error")
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(Config{Target: Target{ChatID: 1}}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := NewTelegram(Config{Token: "123:abc"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}
