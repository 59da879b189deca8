package dispatch

import (
	"time"

	"volley/internal/eventbus"
)

// Pass identifies which pass produced a batch.
type Pass string

const (
	PassPrimary Pass = "primary"
	PassRetry   Pass = "retry"
)

// BatchEvent is published on eventbus.TopicBatch / TopicRetry after each join.
type BatchEvent struct {
	SessionID string        `json:"session_id"`
	Pass      Pass          `json:"pass"`
	Batch     int           `json:"batch"`
	Size      int           `json:"size"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Requeued  int           `json:"requeued"`
	Duration  time.Duration `json:"duration"`
	Stats     Stats         `json:"stats"`
}

// SessionEvent is published on session start and completion.
type SessionEvent struct {
	SessionID string   `json:"session_id"`
	Config    Snapshot `json:"config"`
	Summary   *Summary `json:"summary,omitempty"`
}

// Snapshot is the loggable subset of a SessionConfig.
type Snapshot struct {
	Total       int        `json:"total"`
	TargetURL   string     `json:"target_url"`
	Tier        Tier       `json:"tier"`
	Device      DeviceType `json:"device"`
	Concurrency int        `json:"concurrency"`
}

func (c *Controller) publish(topic string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: topic, Time: c.now(), Data: data})
}
