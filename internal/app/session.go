package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"volley/internal/config"
	"volley/internal/device"
	"volley/internal/dispatch"
	"volley/internal/proxy"
	logx "volley/pkg/logx"
	"volley/pkg/systemd"
)

// providers hands the controller whatever pool and catalog the last session
// start installed. They are swapped only between sessions so a config reload
// never changes a running session.
type providers struct {
	pool    atomic.Pointer[proxy.Pool]
	catalog atomic.Pointer[device.Catalog]
}

func (p *providers) ProxyForRequest(ctx context.Context, tier dispatch.Tier) (*dispatch.Proxy, error) {
	if pool := p.pool.Load(); pool != nil {
		return pool.ProxyForRequest(ctx, tier)
	}
	return nil, nil
}

func (p *providers) ReportFailure(id string) {
	if pool := p.pool.Load(); pool != nil {
		pool.ReportFailure(id)
	}
}

func (p *providers) ReportSuccess(id string) {
	if pool := p.pool.Load(); pool != nil {
		pool.ReportSuccess(id)
	}
}

func (p *providers) RandomProfile(filter dispatch.DeviceType) dispatch.Profile {
	if c := p.catalog.Load(); c != nil {
		return c.RandomProfile(filter)
	}
	return dispatch.Profile{Name: "blank", Type: filter}
}

// runSession launches one session with the committed config. Concurrent
// triggers are dropped; the scheduler already skips overlaps, this guards
// the run-on-start path too.
func (a *App) runSession(ctx context.Context) {
	if !a.sessMu.TryLock() {
		a.log.Warn("session.skipped", logx.String("reason", "already running"))
		return
	}
	defer a.sessMu.Unlock()

	cfg := a.cfgm.Get()
	sc, err := cfg.DispatchSession()
	if err != nil {
		a.log.Error("session.invalid_config", logx.Err(err))
		return
	}
	if err := a.installProviders(cfg, sc); err != nil {
		a.log.Error("session.providers_failed", logx.Err(err))
		return
	}

	_, _ = systemd.Status("session running: %d requests to %s", sc.Total, sc.TargetURL)
	sum, err := a.ctrl.Start(ctx, sc)
	switch {
	case errors.Is(err, dispatch.ErrSessionRunning):
		return
	case err != nil:
		a.log.Error("session.failed", logx.Err(err))
		return
	}
	_, _ = systemd.Status("last session %s: %d/%d ok (%.1f%%)", sum.State, sum.Successful, sum.Total, sum.SuccessRate)
	a.http.CloseIdleConnections()
	a.sessions.Add(1)
}

func (a *App) installProviders(cfg *config.Config, sc dispatch.SessionConfig) error {
	rng := a.rng
	if seed := cfg.Session.Seed; seed != 0 {
		rng = dispatch.NewRand(seed)
	}
	pool, err := buildPool(cfg, rng, a.log.With(logx.String("comp", "proxy")))
	if err != nil {
		return err
	}
	a.prov.pool.Store(pool)
	a.prov.catalog.Store(device.New(sc.Country, rng))
	if pool.Len() == 0 {
		a.log.Info("session.direct", logx.String("reason", "no proxies configured"))
	}
	return nil
}

// stopSession cancels a running session and waits for it to finalize,
// bounded by ctx.
func (a *App) stopSession(ctx context.Context) {
	a.ctrl.Stop()
	for a.ctrl.Running() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}
