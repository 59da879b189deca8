// Package proxy implements the tier-aware proxy pool the dispatcher draws from.
//
// Proxies that keep failing are benched with an exponentially growing cooldown.
// A per-proxy token bucket keeps any single exit from being hammered.
package proxy

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"volley/internal/dispatch"
	logx "volley/pkg/logx"
)

// Entry is one configured proxy.
type Entry struct {
	URL     string `json:"url"`
	Tier    string `json:"tier"`
	Weight  int    `json:"weight,omitempty"`
	Country string `json:"country,omitempty"`
}

// Options configure a Pool. Zero values get defaults in New.
type Options struct {
	Entries []Entry

	// RatePerSec limits picks per proxy. 0 disables limiting.
	RatePerSec float64

	// EvictAfter is the consecutive-failure count that benches a proxy.
	// < 0 disables benching.
	EvictAfter   int
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// ResetAfter forgets a failure streak when the last failure is older.
	ResetAfter time.Duration

	Rand dispatch.Rand
	Now  func() time.Time
	Log  logx.Logger
}

type member struct {
	proxy  dispatch.Proxy
	weight int
	lim    *rate.Limiter

	fails       int
	lastFailure time.Time
	benchUntil  time.Time

	picks    uint64
	failures uint64
}

// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	members []*member
	byID    map[string]*member

	evictAfter int
	base, maxD time.Duration
	resetAfter time.Duration

	rng dispatch.Rand
	now func() time.Time
	log logx.Logger
}

// New builds a pool from entries. Duplicate URLs are collapsed; an invalid URL
// is an error.
func New(opts Options) (*Pool, error) {
	p := &Pool{
		byID:       make(map[string]*member),
		evictAfter: opts.EvictAfter,
		base:       opts.CooldownBase,
		maxD:       opts.CooldownMax,
		resetAfter: opts.ResetAfter,
		rng:        opts.Rand,
		now:        opts.Now,
		log:        opts.Log,
	}
	if p.evictAfter == 0 {
		p.evictAfter = 3
	}
	if p.base <= 0 {
		p.base = 30 * time.Second
	}
	if p.maxD <= 0 {
		p.maxD = 10 * time.Minute
	}
	if p.resetAfter <= 0 {
		p.resetAfter = 15 * time.Minute
	}
	if p.rng == nil {
		p.rng = dispatch.NewRand(time.Now().UnixNano())
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}

	seen := make(map[string]bool, len(opts.Entries))
	for i, e := range opts.Entries {
		raw := strings.TrimSpace(e.URL)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("proxies[%d]: invalid url %q", i, e.URL)
		}
		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return nil, fmt.Errorf("proxies[%d]: unsupported scheme %q", i, u.Scheme)
		}
		// Same host with other credentials is a distinct exit.
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		id := p.uniqueID(memberID(u))
		w := e.Weight
		if w <= 0 {
			w = 1
		}
		lim := rate.NewLimiter(rate.Inf, 1)
		if opts.RatePerSec > 0 {
			lim = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
		}
		m := &member{
			proxy: dispatch.Proxy{
				ID:      id,
				URL:     raw,
				Tier:    dispatch.ParseTier(e.Tier),
				Country: strings.ToUpper(strings.TrimSpace(e.Country)),
			},
			weight: w,
			lim:    lim,
		}
		p.members = append(p.members, m)
		p.byID[id] = m
	}
	return p, nil
}

// memberID names a proxy in logs and reports without leaking its password.
func memberID(u *url.URL) string {
	if u.User != nil && u.User.Username() != "" {
		return u.User.Username() + "@" + u.Host
	}
	return u.Host
}

func (p *Pool) uniqueID(id string) string {
	if _, taken := p.byID[id]; !taken {
		return id
	}
	for n := 2; ; n++ {
		cand := id + "#" + strconv.Itoa(n)
		if _, taken := p.byID[cand]; !taken {
			return cand
		}
	}
}

// Len is the number of distinct proxies in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// eligible reports whether a proxy of tier have may serve a request for want.
func eligible(want, have dispatch.Tier) bool {
	switch want {
	case dispatch.TierPremium:
		return have == dispatch.TierPremium
	case dispatch.TierBalanced:
		return have == dispatch.TierPremium || have == dispatch.TierBalanced
	default:
		return true
	}
}

// ProxyForRequest picks a weighted-random eligible proxy. An empty pool means
// direct mode and yields (nil, nil); a pool with nothing usable right now
// yields an error wrapping dispatch.ErrProxyExhausted.
func (p *Pool) ProxyForRequest(ctx context.Context, tier dispatch.Tier) (*dispatch.Proxy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.members) == 0 {
		return nil, nil
	}

	cands := make([]*member, 0, len(p.members))
	total := 0
	for _, m := range p.members {
		if !eligible(tier, m.proxy.Tier) {
			continue
		}
		p.maybeReset(now, m)
		if !m.benchUntil.IsZero() && now.Before(m.benchUntil) {
			continue
		}
		cands = append(cands, m)
		total += m.weight
	}

	for len(cands) > 0 {
		i := pickWeighted(cands, total, p.rng)
		m := cands[i]
		if m.lim.AllowN(now, 1) {
			m.picks++
			px := m.proxy
			return &px, nil
		}
		total -= m.weight
		cands = append(cands[:i], cands[i+1:]...)
	}
	return nil, fmt.Errorf("tier %s: %w", tier, dispatch.ErrProxyExhausted)
}

func pickWeighted(cands []*member, total int, r dispatch.Rand) int {
	if total <= 0 {
		return r.Intn(len(cands))
	}
	n := r.Intn(total)
	for i, m := range cands {
		if n < m.weight {
			return i
		}
		n -= m.weight
	}
	return len(cands) - 1
}

func (p *Pool) maybeReset(now time.Time, m *member) {
	if !m.lastFailure.IsZero() && now.Sub(m.lastFailure) > p.resetAfter {
		m.fails = 0
		m.benchUntil = time.Time{}
	}
}

// ReportFailure extends the proxy's failure streak and benches it once the
// streak reaches the eviction threshold.
func (p *Pool) ReportFailure(id string) {
	now := p.now()
	p.mu.Lock()
	m := p.byID[id]
	if m == nil {
		p.mu.Unlock()
		return
	}
	p.maybeReset(now, m)
	m.fails++
	m.failures++
	m.lastFailure = now
	if p.evictAfter < 0 || m.fails < p.evictAfter {
		p.mu.Unlock()
		return
	}
	d := p.cooldown(m.fails - p.evictAfter)
	m.benchUntil = now.Add(d)
	fails := m.fails
	p.mu.Unlock()

	p.log.Warn("proxy.benched", logx.String("proxy", id), logx.Int("fails", fails), logx.Duration("cooldown", d))
}

func (p *Pool) cooldown(pow int) time.Duration {
	d := p.base
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= p.maxD {
			return p.maxD
		}
	}
	return min(d, p.maxD)
}

// ReportSuccess closes the proxy's failure streak.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.byID[id]
	if m == nil {
		return
	}
	m.fails = 0
	m.lastFailure = time.Time{}
	m.benchUntil = time.Time{}
}

// Status is a point-in-time view of one proxy.
type Status struct {
	ID         string        `json:"id"`
	Tier       dispatch.Tier `json:"tier"`
	Country    string        `json:"country,omitempty"`
	Weight     int           `json:"weight"`
	Fails      int           `json:"consecutive_failures"`
	Benched    bool          `json:"benched"`
	BenchUntil time.Time     `json:"bench_until,omitzero"`
	Picks      uint64        `json:"picks"`
	Failures   uint64        `json:"failures"`
}

// Snapshot returns the status of every proxy in pool order.
func (p *Pool) Snapshot() []Status {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Status, 0, len(p.members))
	for _, m := range p.members {
		st := Status{
			ID:       m.proxy.ID,
			Tier:     m.proxy.Tier,
			Country:  m.proxy.Country,
			Weight:   m.weight,
			Fails:    m.fails,
			Picks:    m.picks,
			Failures: m.failures,
		}
		if now.Before(m.benchUntil) {
			st.Benched = true
			st.BenchUntil = m.benchUntil
		}
		out = append(out, st)
	}
	return out
}
