package dispatch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Tier selects which subset of proxies the provider should prefer.
type Tier string

const (
	TierPremium    Tier = "premium"
	TierBalanced   Tier = "balanced"
	TierAggressive Tier = "aggressive"
	TierDefault    Tier = "default"
)

// ParseTier normalizes a config value. Unknown values map to TierDefault.
func ParseTier(s string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierPremium:
		return TierPremium
	case TierBalanced:
		return TierBalanced
	case TierAggressive:
		return TierAggressive
	default:
		return TierDefault
	}
}

// DeviceType filters which device profiles a session draws from.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceRandom  DeviceType = "random"
)

// ParseDeviceType normalizes a config value. Unknown values map to DeviceRandom.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(strings.ToLower(strings.TrimSpace(s))) {
	case DeviceDesktop:
		return DeviceDesktop
	case DeviceMobile:
		return DeviceMobile
	case DeviceTablet:
		return DeviceTablet
	default:
		return DeviceRandom
	}
}

const (
	MinDelay = 200 * time.Millisecond
	MaxDelay = 5000 * time.Millisecond

	defaultRequestTimeout = 15 * time.Second
)

// SessionConfig is immutable for the lifetime of a session.
type SessionConfig struct {
	Total          int
	TargetURL      string
	Country        string
	Delay          time.Duration
	Tier           Tier
	Device         DeviceType
	MaxRetries     int
	Jitter         bool
	RandomReferrer bool

	// RequestTimeout bounds a single attempt. 0 means 15s.
	RequestTimeout time.Duration
}

// Validate reports the first invalid field.
func (c SessionConfig) Validate() error {
	if c.Total < 1 {
		return fmt.Errorf("session.impressions: must be >= 1 (got %d)", c.Total)
	}
	u, err := url.Parse(strings.TrimSpace(c.TargetURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("session.target_url: invalid url %q", c.TargetURL)
	}
	if c.Delay < MinDelay || c.Delay > MaxDelay {
		return fmt.Errorf("session.delay: must be within [%s, %s] (got %s)", MinDelay, MaxDelay, c.Delay)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("session.max_retries: must be >= 1 (got %d)", c.MaxRetries)
	}
	if c.RequestTimeout < 0 {
		return errors.New("session.request_timeout: must be >= 0")
	}
	return nil
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.Tier == "" {
		c.Tier = TierDefault
	}
	if c.Device == "" {
		c.Device = DeviceRandom
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	return c
}

// TaskStatus is the lifecycle state of a RequestTask.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusInFlight
	StatusSucceeded
	StatusFailed
	StatusExhausted
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Task is one outbound request owned by the session.
//
// Profile is assigned at creation and never re-rolled on retry.
// Retries counts failed attempts across both passes and never exceeds the
// session's MaxRetries.
type Task struct {
	ID          int
	Retries     int
	Profile     Profile
	Status      TaskStatus
	LastAttempt time.Time
}

// Outcome is the classified result of executing one task.
type Outcome struct {
	TaskID     int
	OK         bool
	Note       string
	StatusCode int
	Attempts   int
	Proxy      string
	Duration   time.Duration
	Err        error
}

// State is the session state machine.
type State string

const (
	StateNotStarted State = "not_started"
	StateRunning    State = "running"
	StateCompleted  State = "completed"
	StateStopped    State = "stopped"
)

// Performance is the derived view of the tracker. Values are recomputed on read.
type Performance struct {
	AvgLatency  time.Duration `json:"avg_latency"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	RPS         float64       `json:"rps"`
	SuccessRate float64       `json:"success_rate"`
	ETA         time.Duration `json:"eta"`
}

// Stats is a point-in-time snapshot of a session.
//
// Sent == Successful + Failed holds at every batch boundary. Tasks parked in the
// retry queue are counted in Retrying until the retry pass resolves them.
type Stats struct {
	SessionID   string      `json:"session_id,omitempty"`
	State       State       `json:"state"`
	Total       int         `json:"total"`
	Sent        int         `json:"sent"`
	Successful  int         `json:"successful"`
	Failed      int         `json:"failed"`
	Retrying    int         `json:"retrying"`
	Recovered   int         `json:"retry_recovered"`
	Batches     int         `json:"batches"`
	Concurrency int         `json:"concurrency"`
	StartedAt   time.Time   `json:"started_at"`
	LastBatchAt time.Time   `json:"last_batch_at"`
	Performance Performance `json:"performance"`
}

// Summary is handed to Persistence once a session finalizes.
type Summary struct {
	SessionID   string        `json:"session_id"`
	TargetURL   string        `json:"target_url"`
	Country     string        `json:"country,omitempty"`
	Tier        Tier          `json:"tier"`
	Device      DeviceType    `json:"device"`
	State       State         `json:"state"`
	Total       int           `json:"total"`
	Sent        int           `json:"sent"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	RetryQueued int           `json:"retry_queued"`
	Recovered   int           `json:"retry_recovered"`
	Batches     int           `json:"batches"`
	Concurrency int           `json:"concurrency"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Elapsed     time.Duration `json:"elapsed"`
	SuccessRate float64       `json:"success_rate"`
	AvgRate     float64       `json:"avg_rate"`
	AvgLatency  time.Duration `json:"avg_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
}
