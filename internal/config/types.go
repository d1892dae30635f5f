package config

type Config struct {
	Telegram      TelegramConfig      `json:"telegram"`
	Logging       LoggingConfig       `json:"logging"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Weather       WeatherConfig       `json:"weather"`
	Storage       StorageConfig       `json:"storage"`
	Notifier      *NotifierConfig     `json:"notifier,omitempty"`
	Observability ObservabilityConfig `json:"observability"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout" validate:"omitempty,duration"`
	// OpsChat is the room that receives mirrored log lines, in room id form
	// ("-100123" or "-100123/42").
	OpsChat string `json:"ops_chat,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Room    LoggingRoom `json:"room"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingRoom struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// SchedulerConfig controls subscription triggers.
type SchedulerConfig struct {
	// Timezone used to interpret fire times. Defaults to the host zone.
	Timezone string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	// FireTimeout bounds one dispatch (forecast fetch plus enqueue).
	FireTimeout string `json:"fire_timeout,omitempty" validate:"omitempty,duration"`
	// Reconcile is a cron spec for store/trigger reconciliation.
	// "" means "@every 15m"; "off" disables it.
	Reconcile string `json:"reconcile,omitempty"`
}

type WeatherConfig struct {
	BaseURL     string `json:"base_url,omitempty" validate:"omitempty,url"`
	RainBaseURL string `json:"rain_base_url,omitempty" validate:"omitempty,url"`
	Timeout     string `json:"timeout,omitempty" validate:"omitempty,duration"`
	RatePerSec  int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// StorageConfig selects the subscription blob backend.
//
//	"storage": { "driver": "sqlite", "path": "./meteobot.db" }
//
// Drivers: memory, file, sqlite, bolt (path); postgres, redis (dsn).
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory file sqlite bolt postgres redis"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Key         string `json:"key,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

// NotifierConfig controls the outbound delivery queue. When the section is
// omitted the notifier runs with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers" validate:"gte=0"`
	QueueSize       int    `json:"queue_size" validate:"gte=0"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	RetryMax        int    `json:"retry_max" validate:"gte=0"`
	RetryBase       string `json:"retry_base" validate:"omitempty,duration"`
	RetryMaxDelay   string `json:"retry_max_delay" validate:"omitempty,duration"`
	DedupWindow     string `json:"dedup_window" validate:"omitempty,duration"`
	DedupMaxEntries int    `json:"dedup_max_entries" validate:"gte=0"`
}

// ObservabilityConfig controls the optional HTTP server with /healthz,
// /metrics and pprof.
//
// Binding to a non-loopback address requires a token or allow_insecure.
type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"`  // bearer token, never logged
	Pprof         bool   `json:"pprof,omitempty"`  // mount pprof handlers
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout   string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}
