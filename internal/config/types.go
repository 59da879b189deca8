package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "1m") or bare integers
// in milliseconds.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Session SessionConfig `json:"session"`
	Proxies ProxiesConfig `json:"proxies,omitempty"`
	HTTP    HTTPConfig    `json:"http,omitempty"`

	// Storage is optional; nil or driver "none" disables persistence.
	Storage  *StorageConfig `json:"storage,omitempty"`
	Schedule ScheduleConfig `json:"schedule,omitempty"`
	Ops      OpsConfig      `json:"ops,omitempty"`
	Notify   *NotifyConfig  `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile configures the rotating JSON log file. Zero sizes use the
// logger defaults (20 MB, 5 backups, 14 days).
type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// SessionConfig describes the session launched by the runner.
//
// Defaults (when fields are omitted/zero):
//   - delay: "1s"
//   - tier: "default"
//   - device: "random"
//   - max_retries: 3
//   - request_timeout: "15s"
type SessionConfig struct {
	Impressions    int    `json:"impressions"`
	TargetURL      string `json:"target_url"`
	Country        string `json:"country,omitempty"`
	Delay          string `json:"delay,omitempty"`
	Tier           string `json:"tier,omitempty"`
	Device         string `json:"device,omitempty"`
	MaxRetries     int    `json:"max_retries,omitempty"`
	Jitter         bool   `json:"jitter,omitempty"`
	RandomReferrer bool   `json:"random_referrer,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`

	// Seed fixes the random source for reproducible runs. 0 seeds from time.
	Seed int64 `json:"seed,omitempty"`
}

// ProxyEntry is one inline proxy.
type ProxyEntry struct {
	URL     string `json:"url"`
	Tier    string `json:"tier,omitempty"`
	Weight  int    `json:"weight,omitempty"`
	Country string `json:"country,omitempty"`
}

// ProxiesConfig configures the proxy pool. An empty pool sends requests direct.
type ProxiesConfig struct {
	List []ProxyEntry `json:"list,omitempty"`
	// File is an optional list file (one URL per line, optional tier after it).
	File     string `json:"file,omitempty"`
	FileTier string `json:"file_tier,omitempty"`

	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	EvictAfter   int     `json:"evict_after,omitempty"`
	CooldownBase string  `json:"cooldown_base,omitempty"`
	CooldownMax  string  `json:"cooldown_max,omitempty"`
}

type HTTPConfig struct {
	DialTimeout        string `json:"dial_timeout,omitempty"`
	MaxConnsPerHost    int    `json:"max_conns_per_host,omitempty"`
	DisableHTTP2       bool   `json:"disable_http2,omitempty"`
	DisableKeepAlives  bool   `json:"disable_keep_alives,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
	FollowRedirects    bool   `json:"follow_redirects,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/volley.db", "keep": 200 }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Keep        int    `json:"keep,omitempty"`
}

// ScheduleConfig repeats the session. Spec is a cron expression
// ("*/30 * * * *", "@hourly") or an interval ("45m", "01:30").
type ScheduleConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// RunOnStart also launches one session immediately.
	RunOnStart bool `json:"run_on_start,omitempty"`
}

// OpsConfig controls the HTTP ops server (/metrics, /healthz, /stats,
// /sessions and optionally pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifyConfig sends a Telegram message when a session completes.
type NotifyConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token"`
	ChatID     int64   `json:"chat_id"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}
