package app

import (
	"strings"
	"time"

	"reminderd/internal/api"
	"reminderd/internal/channel/email"
	"reminderd/internal/channel/inapp"
	"reminderd/internal/channel/push"
	"reminderd/internal/config"
	"reminderd/internal/delivery"
	"reminderd/internal/lifecycle"
	"reminderd/internal/scheduler"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	var d config.Durations
	sc := storage.Config{
		Driver:      strings.TrimSpace(cfg.Storage.Driver),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		DSN:         strings.TrimSpace(cfg.Storage.DSN),
		BusyTimeout: d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0),
		MaxConns:    cfg.Storage.MaxConns,
	}
	return sc, d.Err
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	var d config.Durations
	sc := scheduler.Config{
		Enabled:     config.On(cfg.Scheduler.Enabled),
		Interval:    d.Get("scheduler.interval", cfg.Scheduler.Interval, 30*time.Second),
		BatchSize:   cfg.Scheduler.BatchSize,
		Concurrency: cfg.Scheduler.Concurrency,
		ClaimLease:  d.Get("scheduler.claim_lease", cfg.Scheduler.ClaimLease, 5*time.Minute),
	}
	return sc, d.Err
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	var d config.Durations
	dc := cfg.Delivery
	out := delivery.Config{
		Attempts:          dc.Attempts,
		AttemptTimeout:    d.Get("delivery.attempt_timeout", dc.AttemptTimeout, 0),
		RatePerSec:        dc.RatePerSec,
		Burst:             dc.Burst,
		CircuitTrip:       dc.CircuitTrip,
		CircuitBaseDelay:  d.Get("delivery.circuit_base_delay", dc.CircuitBaseDelay, 0),
		CircuitMaxDelay:   d.Get("delivery.circuit_max_delay", dc.CircuitMaxDelay, 0),
		CircuitResetAfter: d.Get("delivery.circuit_reset_after", dc.CircuitResetAfter, 0),
	}
	// An explicit "0s" means retry immediately; empty keeps the default.
	if strings.TrimSpace(dc.RetryDelay) != "" {
		v, err := config.ParseDurationField("delivery.retry_delay", dc.RetryDelay)
		if err != nil {
			return delivery.Config{}, err
		}
		out.RetryDelay = v
		if v == 0 {
			out.RetryDelay = -1
		}
	}
	return out, d.Err
}

func mapInApp(cfg *config.Config) (inapp.Config, error) {
	var d config.Durations
	ic := cfg.Channels.InApp
	out := inapp.Config{
		PingInterval:   d.Get("channels.inapp.ping_interval", ic.PingInterval, 0),
		WriteTimeout:   d.Get("channels.inapp.write_timeout", ic.WriteTimeout, 0),
		SendBuffer:     ic.SendBuffer,
		AllowedOrigins: ic.AllowedOrigins,
		RedisAddr:      strings.TrimSpace(ic.Redis.Addr),
		RedisPassword:  ic.Redis.Password,
		RedisDB:        ic.Redis.DB,
		RedisChannel:   ic.Redis.Channel,
	}
	return out, d.Err
}

// mapEmail returns ok=false when the channel is not configured.
func mapEmail(cfg *config.Config) (email.Config, bool, error) {
	ec := cfg.Channels.Email
	if ec == nil {
		return email.Config{}, false, nil
	}
	var d config.Durations
	out := email.Config{
		Host:     strings.TrimSpace(ec.Host),
		Port:     ec.Port,
		Username: ec.Username,
		Password: ec.Password,
		From:     ec.From,
		TLSMode:  strings.ToLower(strings.TrimSpace(ec.TLS)),
		Timeout:  d.Get("channels.email.timeout", ec.Timeout, 0),
	}
	return out, true, d.Err
}

func mapPush(cfg *config.Config) (push.Config, bool, error) {
	pc := cfg.Channels.Push
	if pc == nil {
		return push.Config{}, false, nil
	}
	var d config.Durations
	out := push.Config{
		Driver:   strings.ToLower(strings.TrimSpace(pc.Driver)),
		Telegram: push.TelegramConfig{
			Token:   pc.Telegram.Token,
			APIURL:  pc.Telegram.APIURL,
			Timeout: d.Get("channels.push.telegram.timeout", pc.Telegram.Timeout, 0),
		},
		Webhook: push.WebhookConfig{
			URL:     pc.Webhook.URL,
			Token:   pc.Webhook.Token,
			Timeout: d.Get("channels.push.webhook.timeout", pc.Webhook.Timeout, 0),
		},
	}
	return out, true, d.Err
}

func mapLifecycle(cfg *config.Config) (lifecycle.Config, error) {
	var d config.Durations
	out := lifecycle.Config{
		PastGrace: d.Get("lifecycle.past_grace", cfg.Lifecycle.PastGrace, time.Minute),
		Kinds:     cfg.Lifecycle.KindDefaults(),
	}
	return out, d.Err
}

func mapAPI(cfg *config.Config) (api.Config, time.Duration, error) {
	var d config.Durations
	ac := cfg.API
	out := api.Config{
		Addr:        strings.TrimSpace(ac.Addr),
		CORSOrigins: ac.CORSOrigins,
		Auth: api.AuthConfig{
			JWTSecret:      ac.Auth.JWTSecret,
			Issuer:         ac.Auth.Issuer,
			DevOwnerHeader: ac.Auth.DevOwnerHeader,
		},
		Pprof: ac.Pprof,
	}
	drain := d.Get("api.shutdown_timeout", ac.ShutdownTimeout, 5*time.Second)
	return out, drain, d.Err
}
