package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reminderd/internal/channel"
	logx "reminderd/pkg/logx"
)

// Webhook posts a JSON payload to a push gateway.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	log    logx.Logger
}

type webhookPayload struct {
	To         string `json:"to"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	ReminderID string `json:"reminder_id"`
	Kind       string `json:"kind,omitempty"`
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("push webhook url is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
		log:    log.With(logx.String("comp", "push.webhook")),
	}, nil
}

func (w *Webhook) Send(ctx context.Context, dest string, msg channel.Message) error {
	b, err := json.Marshal(webhookPayload{
		To:         dest,
		Title:      msg.Subject,
		Body:       msg.Body,
		ReminderID: msg.ReminderID,
		Kind:       string(msg.Kind),
	})
	if err != nil {
		return channel.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(b))
	if err != nil {
		return channel.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	err = fmt.Errorf("push webhook: http=%d %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return err
	case resp.StatusCode/100 == 4:
		return channel.Permanent(err)
	}
	return err
}
