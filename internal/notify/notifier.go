// Package notify delivers out-of-band alerts through a Telegram-style
// bot API. The notifier fans each message out to every configured chat;
// a wrapping slog.Handler forwards Warn-and-above log records so
// operational problems reach the operator without a log tail.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"signalbot/internal/config"
)

const (
	defaultBaseURL = "https://api.telegram.org/bot"
	sendTimeout    = 10 * time.Second
	probeTimeout   = 5 * time.Second
)

// apiResponse is the bot API envelope shared by every method.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// Notifier sends messages to the configured chats. A notifier built
// without a token or without chat IDs is disabled: every method is a
// no-op and Enabled reports false.
type Notifier struct {
	client  *resty.Client
	chatIDs []string
	logger  *slog.Logger
}

// New creates a notifier from the config section. Missing token or chat
// list disables it cleanly.
func New(cfg config.NotifierConfig, logger *slog.Logger) *Notifier {
	n := &Notifier{logger: logger.With("component", "notify")}
	if cfg.Token == "" || len(cfg.ChatIDs) == 0 {
		return n
	}
	n.chatIDs = cfg.ChatIDs
	n.client = resty.New().
		SetBaseURL(defaultBaseURL + cfg.Token).
		SetTimeout(sendTimeout)
	return n
}

// Enabled reports whether the notifier has a token and at least one chat.
func (n *Notifier) Enabled() bool {
	return n.client != nil
}

// TestConnection probes the bot API identity endpoint. Called once at
// startup so a bad token fails the boot instead of silently eating
// alerts later.
func (n *Notifier) TestConnection(ctx context.Context) error {
	if !n.Enabled() {
		return nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var body apiResponse
	resp, err := n.client.R().
		SetContext(probeCtx).
		SetResult(&body).
		Get("/getMe")
	if err != nil {
		return fmt.Errorf("probe bot API: %w", err)
	}
	if resp.IsError() || !body.OK {
		return fmt.Errorf("bot API rejected token: status %d %s", resp.StatusCode(), body.Description)
	}

	var bot struct {
		Username string `json:"username"`
	}
	_ = json.Unmarshal(body.Result, &bot)
	n.logger.Info("notifier connected", "bot", bot.Username, "chats", len(n.chatIDs))
	return nil
}

// Send delivers text to every configured chat and reports whether at
// least one delivery succeeded. Failures are logged per chat, never
// returned: a broken notifier must not take the trading path down.
func (n *Notifier) Send(ctx context.Context, text string) bool {
	if !n.Enabled() {
		return false
	}

	delivered := 0
	for _, chatID := range n.chatIDs {
		if err := n.sendToChat(ctx, chatID, text); err != nil {
			n.logger.Error("notification failed", "chat", chatID, "error", err)
			continue
		}
		delivered++
	}
	return delivered > 0
}

// Warning sends text with a warning marker.
func (n *Notifier) Warning(ctx context.Context, text string) bool {
	return n.Send(ctx, "⚠️ <b>WARNING</b>\n\n"+text)
}

// Error sends text with an error marker.
func (n *Notifier) Error(ctx context.Context, text string) bool {
	return n.Send(ctx, "🚨 <b>ERROR</b>\n\n"+text)
}

func (n *Notifier) sendToChat(ctx context.Context, chatID, text string) error {
	var body apiResponse
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "HTML",
		}).
		SetResult(&body).
		SetError(&body).
		Post("/sendMessage")
	if err != nil {
		return err
	}
	if resp.IsError() || !body.OK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), body.Description)
	}
	return nil
}
