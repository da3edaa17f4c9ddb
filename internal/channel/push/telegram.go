package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"reminderd/internal/channel"
	logx "reminderd/pkg/logx"
)

const telegramTextLimit = 4000

// Telegram sends through the Bot API. The bot never polls; it only sends.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, log: log.With(logx.String("comp", "push.telegram"))}, nil
}

func (t *Telegram) Send(ctx context.Context, dest string, msg channel.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(dest), 10, 64)
	if err != nil {
		return channel.Permanent(fmt.Errorf("telegram chat id %q: %w", dest, err))
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(renderText(msg), telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.send(ctx, chat, chunk); err != nil {
			var te *tele.Error
			if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
				return channel.Permanent(err)
			}
			return err
		}
	}
	return nil
}

// send bounds one API call by ctx. telebot does not take a context, so an
// abandoned call runs on until the client timeout and its result is dropped.
func (t *Telegram) send(ctx context.Context, chat *tele.Chat, text string) error {
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks at least a third of the limit long.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
