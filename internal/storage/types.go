package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const defaultKeep = 500

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds how many summaries are retained. 0 means 500.
	Keep int
}

func (c Config) keep() int {
	if c.Keep <= 0 {
		return defaultKeep
	}
	return c.Keep
}
