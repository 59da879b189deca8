package app

import (
	"fmt"
	"strings"
	"time"

	"volley/internal/config"
	"volley/internal/dispatch"
	"volley/internal/httpclient"
	"volley/internal/metrics"
	"volley/internal/notify"
	"volley/internal/proxy"
	"volley/internal/storage"
	logx "volley/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		Keep:        sc.Keep,
	}, true, nil
}

func mapHTTPConfig(cfg *config.Config) (httpclient.Config, error) {
	h := cfg.HTTP
	dial, err := config.ParseDurationField("http.dial_timeout", h.DialTimeout)
	if err != nil {
		return httpclient.Config{}, err
	}
	return httpclient.Config{
		DialTimeout:        dial,
		MaxConnsPerHost:    h.MaxConnsPerHost,
		DisableKeepAlives:  h.DisableKeepAlives,
		DisableHTTP2:       h.DisableHTTP2,
		InsecureSkipVerify: h.InsecureSkipVerify,
		FollowRedirects:    h.FollowRedirects,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	o := cfg.Ops
	out := metrics.ServerConfig{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	// pprof CPU profiles stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 60*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second); err != nil {
		return metrics.ServerConfig{}, err
	}
	return out, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, bool) {
	n := cfg.Notify
	if n == nil || !n.Enabled {
		return notify.Config{}, false
	}
	return notify.Config{
		Token:      strings.TrimSpace(n.Token),
		Target:     notify.Target{ChatID: n.ChatID, ThreadID: n.ThreadID},
		RatePerSec: n.RatePerSec,
	}, true
}

// buildPool assembles inline entries and the optional list file into a pool.
func buildPool(cfg *config.Config, rng dispatch.Rand, log logx.Logger) (*proxy.Pool, error) {
	p := cfg.Proxies
	entries := make([]proxy.Entry, 0, len(p.List))
	for _, e := range p.List {
		entries = append(entries, proxy.Entry{URL: e.URL, Tier: e.Tier, Weight: e.Weight, Country: e.Country})
	}
	if path := strings.TrimSpace(p.File); path != "" {
		more, err := proxy.LoadList(path, p.FileTier)
		if err != nil {
			return nil, fmt.Errorf("proxies.file: %w", err)
		}
		entries = append(entries, more...)
	}
	base, err := config.ParseDurationField("proxies.cooldown_base", p.CooldownBase)
	if err != nil {
		return nil, err
	}
	maxD, err := config.ParseDurationField("proxies.cooldown_max", p.CooldownMax)
	if err != nil {
		return nil, err
	}
	return proxy.New(proxy.Options{
		Entries:      entries,
		RatePerSec:   p.RatePerSec,
		EvictAfter:   p.EvictAfter,
		CooldownBase: base,
		CooldownMax:  maxD,
		Rand:         rng,
		Log:          log,
	})
}
