package config

import (
	"reflect"
	"sort"
	"strings"

	logx "volley/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Session, newCfg.Session) {
		s := newCfg.Session
		changed = append(changed, "session")
		attrs = append(attrs,
			logx.Int("session.impressions", s.Impressions),
			logx.String("session.target_url", strings.TrimSpace(s.TargetURL)),
			logx.String("session.delay", strings.TrimSpace(s.Delay)),
			logx.String("session.tier", s.Tier),
			logx.String("session.device", s.Device),
			logx.Int("session.max_retries", s.MaxRetries),
		)
	}

	if !reflect.DeepEqual(oldCfg.Proxies, newCfg.Proxies) {
		changed = append(changed, "proxies")
		attrs = append(attrs,
			logx.Int("proxies.inline", len(newCfg.Proxies.List)),
			logx.Bool("proxies.file_set", strings.TrimSpace(newCfg.Proxies.File) != ""),
			logx.Int("proxies.evict_after", newCfg.Proxies.EvictAfter),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
	}

	// Storage: nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	var oKeep, nKeep int
	if s := oldCfg.Storage; s != nil {
		oDriver, oPathSet, oKeep = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != "", s.Keep
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nPathSet, nKeep = strings.TrimSpace(s.Driver), strings.TrimSpace(s.Path) != "", s.Keep
	}
	if oDriver != nDriver || oPathSet != nPathSet || oKeep != nKeep {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.Int("storage.keep", nKeep),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.Enabled),
			logx.String("schedule.spec", strings.TrimSpace(newCfg.Schedule.Spec)),
		)
	}

	// Ops (never log token)
	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oOps.Token, nOps.Token = tokenMarker(oOps.Token), tokenMarker(nOps.Token)
	if oOps != nOps {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nOps.Addr)),
			logx.Bool("ops.token_set", nOps.Token != ""),
			logx.Bool("ops.allow_insecure", nOps.AllowInsecure),
		)
	}

	// Notify (never log token)
	oN, nN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if oN != nN {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", nN.Token != ""),
			logx.Int64("notify.chat_id", nN.ChatID),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	out := *n
	out.Token = tokenMarker(out.Token)
	return out
}
