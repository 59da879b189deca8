package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	logx "volley/pkg/logx"
)

// Manager holds the committed config and fans reloads out to subscribers.
// Sessions read it once at start, so a reload only affects the next session.
type Manager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	sum      uint64
	validate func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator adds a check run on reloads after Config.Validate.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// Parse reads and strictly decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	return Decode(m.path, b)
}

// Load parses, validates and commits the file. It does not publish.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	m.commit(cfg, fingerprint(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config, sum uint64) *Config {
	m.mu.Lock()
	prev := m.cfg
	m.cfg, m.sum = cfg, sum
	m.mu.Unlock()
	return prev
}

// Subscribe returns a channel that always holds the newest unread config.
// A slow reader skips intermediate versions. cancel closes the channel.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// Reload re-reads the file and, when it differs from the committed config
// and passes validation, commits and publishes it. It reports whether a new
// config was published.
func (m *Manager) Reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config.parse_failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	sum := fingerprint(cfg)

	m.mu.RLock()
	same, check := sum == m.sum, m.validate
	m.mu.RUnlock()
	if same {
		m.log.Debug("config.unchanged", logx.String("path", m.path))
		return false
	}

	if err := cfg.Validate(); err != nil {
		m.log.Warn("config.rejected", logx.String("path", m.path), logx.Err(err))
		return false
	}
	if check != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := check(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config.rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}

	prev := m.commit(cfg, sum)
	m.publish(cfg)

	changed, attrs := SummarizeConfigChange(prev, cfg)
	m.log.Info("config.reloaded", append([]logx.Field{
		logx.String("path", m.path),
		logx.String("changed", strings.Join(changed, ",")),
		logx.String("fingerprint", fmt.Sprintf("%016x", sum)),
	}, attrs...)...)
	return true
}

// fingerprint hashes the canonical JSON form, so whitespace, comments and
// key order in the file do not count as changes.
func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
