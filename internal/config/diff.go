package config

import (
	"reflect"
	"sort"
	"strings"

	logx "reminderd/pkg/logx"
)

// Change describes a reload: which sections moved, safe log attributes (no
// secrets), and which of those sections only apply after a restart.
type Change struct {
	Sections        []string
	Attrs           []logx.Field
	RestartRequired []string
}

// hotSections apply without a restart.
var hotSections = map[string]bool{
	"logging":   true,
	"scheduler": true,
}

func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
		if !hotSections[section] {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// The DSN carries credentials; only report whether it changed.
	oldS, newS := oldCfg.Storage, newCfg.Storage
	if !reflect.DeepEqual(oldS, newS) {
		mark("storage",
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Bool("storage.dsn_changed", oldS.DSN != newS.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		mark("scheduler",
			logx.Bool("scheduler.enabled", On(newCfg.Scheduler.Enabled)),
			logx.String("scheduler.interval", newCfg.Scheduler.Interval),
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
			logx.Int("scheduler.concurrency", newCfg.Scheduler.Concurrency),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		mark("delivery",
			logx.Int("delivery.attempts", newCfg.Delivery.Attempts),
			logx.String("delivery.retry_delay", newCfg.Delivery.RetryDelay),
			logx.Any("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		mark("channels",
			logx.Bool("channels.email", newCfg.Channels.Email != nil),
			logx.Bool("channels.push", newCfg.Channels.Push != nil),
			logx.Bool("channels.inapp_redis", newCfg.Channels.InApp.Redis.Addr != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lifecycle, newCfg.Lifecycle) {
		mark("lifecycle",
			logx.String("lifecycle.past_grace", newCfg.Lifecycle.PastGrace),
			logx.Int("lifecycle.kind_overrides", len(newCfg.Lifecycle.Kinds)),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		mark("api",
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.pprof", newCfg.API.Pprof),
			logx.Bool("api.jwt_secret_set", newCfg.API.Auth.JWTSecret != ""),
			logx.Bool("api.dev_owner_header", newCfg.API.Auth.DevOwnerHeader),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
