package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"volley/internal/config"
	"volley/internal/dispatch"
	logx "volley/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestOneShotRunPersistsSummary(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "volley.yaml", fmt.Sprintf(`
logging:
  level: error
session:
  impressions: 4
  target_url: %s
  delay: 200ms
  max_retries: 2
  seed: 7
storage:
  driver: file
  path: %s
`, target.URL, filepath.Join(dir, "volley")))

	a, err := New(cfgPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-a.Done():
	case <-ctx.Done():
		t.Fatal("one-shot run did not finish")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}

	st := a.Controller().Stats()
	if st.State != dispatch.StateCompleted || st.Sent != 4 || st.Successful != 4 {
		t.Fatalf("stats = %+v", st)
	}
	if got := hits.Load(); got != 4 {
		t.Fatalf("target hits = %d, want 4", got)
	}

	list, err := a.store.RecentSessions(ctx, 5)
	if err != nil || len(list) != 1 || list[0].SessionID != st.SessionID {
		t.Fatalf("RecentSessions = %+v, %v", list, err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopCompleted); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.json", `{"session":{"impressions":0,"target_url":"https://example.com"}}`)
	if _, err := New(path); err == nil {
		t.Fatal("expected error for zero impressions")
	}
	if _, err := New(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestMapOpsConfigDefaults(t *testing.T) {
	t.Parallel()
	oc, err := mapOpsConfig(&config.Config{Ops: config.OpsConfig{Enabled: true, Token: " t "}})
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	if oc.Token != "t" || oc.ReadTimeout != 10*time.Second || oc.WriteTimeout != time.Minute {
		t.Fatalf("ops config = %+v", oc)
	}
	if _, err := mapOpsConfig(&config.Config{Ops: config.OpsConfig{IdleTimeout: "later"}}); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	if _, enabled, err := mapStorageConfig(&config.Config{}); enabled || err != nil {
		t.Fatalf("nil storage: enabled=%v err=%v", enabled, err)
	}
	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: " SQLite ", Path: "x.db", Keep: 9}})
	if err != nil || !enabled {
		t.Fatalf("sqlite: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != time.Second || sc.Keep != 9 {
		t.Fatalf("storage config = %+v", sc)
	}
}

func TestBuildPoolMergesListFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	list := writeFile(t, dir, "proxies.txt", "# exits\nhttp://10.0.0.2:8080 balanced\nsocks5://10.0.0.3:1080\n")
	cfg := &config.Config{Proxies: config.ProxiesConfig{
		List:     []config.ProxyEntry{{URL: "http://10.0.0.1:3128", Tier: "premium"}},
		File:     list,
		FileTier: "aggressive",
	}}
	pool, err := buildPool(cfg, dispatch.NewRand(1), logx.Nop())
	if err != nil {
		t.Fatalf("buildPool: %v", err)
	}
	if pool.Len() != 3 {
		t.Fatalf("pool size = %d, want 3", pool.Len())
	}

	cfg.Proxies.File = filepath.Join(dir, "nope.txt")
	if _, err := buildPool(cfg, dispatch.NewRand(1), logx.Nop()); err == nil {
		t.Fatal("expected error for missing list file")
	}
}

func TestProvidersFallBackWhenEmpty(t *testing.T) {
	t.Parallel()
	p := &providers{}
	if px, err := p.ProxyForRequest(context.Background(), dispatch.TierPremium); px != nil || err != nil {
		t.Fatalf("ProxyForRequest = %v, %v", px, err)
	}
	p.ReportFailure("x")
	p.ReportSuccess("x")
	if prof := p.RandomProfile(dispatch.DeviceMobile); prof.Type != dispatch.DeviceMobile {
		t.Fatalf("profile = %+v", prof)
	}
}
