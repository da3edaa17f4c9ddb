package config

import (
	"errors"
	"fmt"
	"strings"

	"reminderd/internal/reminder"
)

// Validate rejects configs the service cannot start with. It runs before a
// reloaded file is committed, so a bad edit never replaces a good config.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	var d Durations
	d.Get("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	d.Get("scheduler.interval", c.Scheduler.Interval, 0)
	d.Get("scheduler.claim_lease", c.Scheduler.ClaimLease, 0)
	d.Get("delivery.retry_delay", c.Delivery.RetryDelay, 0)
	d.Get("delivery.attempt_timeout", c.Delivery.AttemptTimeout, 0)
	d.Get("delivery.circuit_base_delay", c.Delivery.CircuitBaseDelay, 0)
	d.Get("delivery.circuit_max_delay", c.Delivery.CircuitMaxDelay, 0)
	d.Get("delivery.circuit_reset_after", c.Delivery.CircuitResetAfter, 0)
	d.Get("channels.inapp.ping_interval", c.Channels.InApp.PingInterval, 0)
	d.Get("channels.inapp.write_timeout", c.Channels.InApp.WriteTimeout, 0)
	d.Get("lifecycle.past_grace", c.Lifecycle.PastGrace, 0)
	d.Get("api.shutdown_timeout", c.API.ShutdownTimeout, 0)
	if c.Channels.Email != nil {
		d.Get("channels.email.timeout", c.Channels.Email.Timeout, 0)
	}
	if c.Channels.Push != nil {
		d.Get("channels.push.telegram.timeout", c.Channels.Push.Telegram.Timeout, 0)
		d.Get("channels.push.webhook.timeout", c.Channels.Push.Webhook.Timeout, 0)
	}
	if d.Err != nil {
		errs = append(errs, d.Err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			bad("storage.path is required for sqlite")
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			bad("storage.dsn is required for postgres")
		}
	case "":
		bad("storage.driver is required")
	default:
		bad("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	if c.Scheduler.BatchSize < 0 || c.Scheduler.Concurrency < 0 {
		bad("scheduler: batch_size and concurrency must be >= 0")
	}
	if c.Delivery.Attempts < 0 {
		bad("delivery.attempts must be >= 0")
	}
	if c.Delivery.RatePerSec < 0 {
		bad("delivery.rate_per_sec must be >= 0")
	}

	if e := c.Channels.Email; e != nil {
		if strings.TrimSpace(e.Host) == "" {
			bad("channels.email.host is required")
		}
		switch strings.ToLower(e.TLS) {
		case "", "implicit", "starttls", "none":
		default:
			bad("channels.email.tls: want implicit, starttls or none, got %q", e.TLS)
		}
	}
	if p := c.Channels.Push; p != nil {
		switch strings.ToLower(strings.TrimSpace(p.Driver)) {
		case "telegram":
			if strings.TrimSpace(p.Telegram.Token) == "" {
				bad("channels.push.telegram.token is required")
			}
		case "webhook":
			if strings.TrimSpace(p.Webhook.URL) == "" {
				bad("channels.push.webhook.url is required")
			}
		default:
			bad("channels.push.driver: want telegram or webhook, got %q", p.Driver)
		}
	}

	for name, k := range c.Lifecycle.Kinds {
		if !reminder.Kind(name).Valid() {
			bad("lifecycle.kinds: unknown kind %q", name)
		}
		if k.LeadMinutes != nil && *k.LeadMinutes < 0 {
			bad("lifecycle.kinds.%s.lead_minutes must be >= 0", name)
		}
	}

	if On(c.API.Enabled) && strings.TrimSpace(c.API.Auth.JWTSecret) == "" && !c.API.Auth.DevOwnerHeader {
		bad("api.auth: set jwt_secret or enable dev_owner_header")
	}
	return errors.Join(errs...)
}

// KindDefaults converts the lifecycle.kinds overrides onto the built-in table.
func (c LifecycleConfig) KindDefaults() reminder.KindDefaults {
	base := reminder.DefaultKindDefaults()
	out := reminder.KindDefaults{}
	for name, k := range c.Kinds {
		kind := reminder.Kind(name)
		v := base[kind]
		if k.LeadMinutes != nil {
			v.LeadMinutes = *k.LeadMinutes
		}
		if k.Channels != nil {
			v.Channels = reminder.Channels{InApp: k.Channels.InApp, Email: k.Channels.Email, Push: k.Channels.Push}
		}
		out[kind] = v
	}
	return base.Merge(out)
}
