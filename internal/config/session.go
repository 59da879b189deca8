package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"volley/internal/dispatch"
)

const (
	defaultDelay      = time.Second
	defaultMaxRetries = 3
)

// DispatchSession validates the session block and maps it onto the
// dispatcher's immutable session config.
func (c *Config) DispatchSession() (dispatch.SessionConfig, error) {
	if c == nil {
		return dispatch.SessionConfig{}, errors.New("config is nil")
	}
	s := c.Session
	delay, err := ParseDurationOrDefault("session.delay", s.Delay, defaultDelay)
	if err != nil {
		return dispatch.SessionConfig{}, err
	}
	timeout, err := ParseDurationField("session.request_timeout", s.RequestTimeout)
	if err != nil {
		return dispatch.SessionConfig{}, err
	}
	retries := s.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	out := dispatch.SessionConfig{
		Total:          s.Impressions,
		TargetURL:      strings.TrimSpace(s.TargetURL),
		Country:        strings.ToUpper(strings.TrimSpace(s.Country)),
		Delay:          delay,
		Tier:           dispatch.ParseTier(s.Tier),
		Device:         dispatch.ParseDeviceType(s.Device),
		MaxRetries:     retries,
		Jitter:         s.Jitter,
		RandomReferrer: s.RandomReferrer,
		RequestTimeout: timeout,
	}
	if err := out.Validate(); err != nil {
		return dispatch.SessionConfig{}, err
	}
	return out, nil
}

// Validate checks everything that can be checked without touching the network
// or filesystem.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.DispatchSession(); err != nil {
		return err
	}
	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				return errors.New("storage.path: required")
			}
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	for i, p := range c.Proxies.List {
		if strings.TrimSpace(p.URL) == "" {
			return fmt.Errorf("proxies.list[%d].url: required", i)
		}
	}
	for path, raw := range map[string]string{
		"proxies.cooldown_base": c.Proxies.CooldownBase,
		"proxies.cooldown_max":  c.Proxies.CooldownMax,
		"http.dial_timeout":     c.HTTP.DialTimeout,
		"ops.read_timeout":      c.Ops.ReadTimeout,
		"ops.write_timeout":     c.Ops.WriteTimeout,
		"ops.idle_timeout":      c.Ops.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.Spec) == "" {
		return errors.New("schedule.spec: required when schedule is enabled")
	}
	if n := c.Notify; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" || n.ChatID == 0 {
			return errors.New("notify: token and chat_id are required when enabled")
		}
	}
	return nil
}
