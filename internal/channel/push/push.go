// Package push delivers reminders to the owner's phone.
//
// Drivers:
//   - "telegram": a Telegram bot; the destination is the owner's chat id
//   - "webhook": JSON POST to a push gateway; the destination is passed through
package push

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"reminderd/internal/channel"
	logx "reminderd/pkg/logx"
)

type Config struct {
	Driver   string
	Telegram TelegramConfig
	Webhook  WebhookConfig
}

type TelegramConfig struct {
	Token   string
	APIURL  string // empty means api.telegram.org
	Timeout time.Duration
}

type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Open builds the configured push sender.
func Open(cfg Config, log logx.Logger) (channel.Sender, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, channel.ErrNotConfigured
	case "telegram":
		return NewTelegram(cfg.Telegram, log)
	case "webhook":
		return NewWebhook(cfg.Webhook, log)
	default:
		return nil, errors.New("unknown push driver: " + cfg.Driver)
	}
}

func renderText(msg channel.Message) string {
	if msg.Subject == "" {
		return msg.Body
	}
	return fmt.Sprintf("%s\n\n%s", msg.Subject, msg.Body)
}
