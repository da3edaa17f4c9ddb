package config

// Config is the whole reminderd configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// String values may reference the environment as ${NAME} or ${NAME:-default}.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Channels  ChannelsConfig  `json:"channels"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	API       APIConfig       `json:"api"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the Reminder Store.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/reminderd.db }
//	storage: { driver: postgres, dsn: "${DATABASE_URL}" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int    `json:"max_conns,omitempty"`
}

// SchedulerConfig controls the polling loop.
//
// Enabled is a pointer so an omitted key means enabled; API-only replicas
// set it to false explicitly.
//
// Defaults: interval 30s, batch_size 100, concurrency 10, claim_lease 5m.
type SchedulerConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Interval    string `json:"interval,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	ClaimLease  string `json:"claim_lease,omitempty"`
}

// DeliveryConfig controls per-channel retries, pacing and circuit breaking.
//
// Defaults: attempts 3, retry_delay 1s, attempt_timeout 10s, no rate limit,
// circuit_trip 20 consecutive failures (-1 disables).
type DeliveryConfig struct {
	Attempts       int     `json:"attempts,omitempty"`
	RetryDelay     string  `json:"retry_delay,omitempty"`
	AttemptTimeout string  `json:"attempt_timeout,omitempty"`
	RatePerSec     float64 `json:"rate_per_sec,omitempty"`
	Burst          int     `json:"burst,omitempty"`

	CircuitTrip       int    `json:"circuit_trip,omitempty"`
	CircuitBaseDelay  string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay   string `json:"circuit_max_delay,omitempty"`
	CircuitResetAfter string `json:"circuit_reset_after,omitempty"`
}

// ChannelsConfig configures the channel adapters. A nil email or push block
// leaves that channel unconfigured; reminders asking for it fail that channel
// only.
type ChannelsConfig struct {
	InApp InAppConfig  `json:"inapp"`
	Email *EmailConfig `json:"email,omitempty"`
	Push  *PushConfig  `json:"push,omitempty"`
}

type InAppConfig struct {
	PingInterval   string   `json:"ping_interval,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	SendBuffer     int      `json:"send_buffer,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// Redis fans in-app events out across instances. Empty addr disables it.
	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

type EmailConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	From     string `json:"from,omitempty"`
	// TLS is "implicit", "starttls" or "none". Empty picks implicit on 465.
	TLS     string `json:"tls,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type PushConfig struct {
	// Driver is "telegram" or "webhook".
	Driver   string         `json:"driver"`
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
}

type TelegramConfig struct {
	Token   string `json:"token,omitempty"` // do not log
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type WebhookConfig struct {
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty"` // do not log
	Timeout string `json:"timeout,omitempty"`
}

// LifecycleConfig tunes the lifecycle service.
//
// Kinds overrides the built-in per-kind defaults; unknown kinds are rejected.
//
//	lifecycle:
//	  past_grace: 1m
//	  kinds:
//	    meeting: { lead_minutes: 10, channels: { in_app: true, push: true } }
type LifecycleConfig struct {
	PastGrace string                `json:"past_grace,omitempty"`
	Kinds     map[string]KindConfig `json:"kinds,omitempty"`
}

type KindConfig struct {
	LeadMinutes *int          `json:"lead_minutes,omitempty"`
	Channels    *ChannelFlags `json:"channels,omitempty"`
}

type ChannelFlags struct {
	InApp bool `json:"in_app"`
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// APIConfig controls the REST surface.
type APIConfig struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	Addr            string     `json:"addr,omitempty"` // default ":8080"
	CORSOrigins     []string   `json:"cors_origins,omitempty"`
	Auth            AuthConfig `json:"auth"`
	Pprof           bool       `json:"pprof,omitempty"`
	ShutdownTimeout string     `json:"shutdown_timeout,omitempty"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"` // do not log
	Issuer    string `json:"issuer,omitempty"`
	// DevOwnerHeader trusts X-Owner-ID. Development only.
	DevOwnerHeader bool `json:"dev_owner_header,omitempty"`
}

// On reports a defaulted-true switch.
func On(b *bool) bool { return b == nil || *b }
