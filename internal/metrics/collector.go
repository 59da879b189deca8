// Package metrics exports dispatcher activity to Prometheus and serves the
// ops HTTP endpoints.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"volley/internal/dispatch"
	"volley/internal/eventbus"
	logx "volley/pkg/logx"
)

const namespace = "volley"

// Collector turns bus events into Prometheus series. Counters only move
// forward, so it folds per-batch deltas rather than the cumulative Stats.
type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	requests     *prometheus.CounterVec
	requeued     prometheus.Counter
	batches      *prometheus.CounterVec
	batchSeconds *prometheus.HistogramVec
	sessions     *prometheus.CounterVec
	concurrency  prometheus.Gauge
	running      prometheus.Gauge
	successRate  prometheus.Gauge
	retrying     prometheus.Gauge
}

func NewCollector(log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		log: log,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests resolved by the dispatcher, by pass and result.",
		}, []string{"pass", "result"}),
		requeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requeued_total",
			Help:      "Tasks parked in the retry queue.",
		}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches joined, by pass.",
		}, []string{"pass"}),
		batchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Wall time from batch launch to join.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"pass"}),
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finalized sessions, by final state.",
		}, []string{"state"}),
		concurrency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "concurrency",
			Help:      "Batch width of the current or last session.",
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_running",
			Help:      "1 while a session is in progress.",
		}),
		successRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "success_rate_percent",
			Help:      "Success rate of the current or last session.",
		}),
		retrying: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "retry_queue_depth",
			Help:      "Tasks currently parked for the retry pass.",
		}),
	}
}

// Registry is what the ops server exposes on /metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Run consumes bus events until ctx is done or the subscription closes.
// It also exports the bus drop counter.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) error {
	drops := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events the bus discarded because a subscriber was full.",
	}, func() float64 { return float64(bus.Dropped()) })
	if err := c.reg.Register(drops); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
	}

	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			c.Observe(ev)
		}
	}
}

// Observe folds one event into the series.
func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case dispatch.BatchEvent:
		pass := string(d.Pass)
		c.requests.WithLabelValues(pass, "success").Add(float64(d.Succeeded))
		c.requests.WithLabelValues(pass, "failure").Add(float64(d.Failed))
		c.requeued.Add(float64(d.Requeued))
		c.batches.WithLabelValues(pass).Inc()
		c.batchSeconds.WithLabelValues(pass).Observe(d.Duration.Seconds())
		c.successRate.Set(d.Stats.Performance.SuccessRate)
		c.retrying.Set(float64(d.Stats.Retrying))
	case dispatch.SessionEvent:
		switch ev.Type {
		case eventbus.TopicSessionStarted:
			c.running.Set(1)
			c.concurrency.Set(float64(d.Config.Concurrency))
			c.retrying.Set(0)
		case eventbus.TopicSessionCompleted:
			c.running.Set(0)
			c.retrying.Set(0)
			if d.Summary != nil {
				c.sessions.WithLabelValues(string(d.Summary.State)).Inc()
				c.successRate.Set(d.Summary.SuccessRate)
			}
		}
	default:
		c.log.Debug("metrics.unknown_event", logx.String("type", ev.Type))
	}
}
