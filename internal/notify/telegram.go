// Package notify tells an operator about sessions that need attention.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/session"
	"chatbridge/internal/transport"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramMaxSendRetries = 2

// Telegram sends operator notices to one chat through a bot.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

type TelegramConfig struct {
	Token       string
	ChatID      int64
	APIEndpoint string // defaults to tgbotapi.APIEndpoint
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewTelegram connects the bot. It fails when the token is rejected.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, cfg.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	logger := cfg.Logger.With("component", "notify")
	logger.Info("telegram notifier connected", "username", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

// Notify sends text, backing off on rate limits.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err == nil {
			return nil
		}
		if attempt == telegramMaxSendRetries {
			break
		}
		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(err.Error(), "Too Many Requests") {
			backoff *= 3
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("telegram notify: %w", err)
}

// SessionChanged reports issued challenges and closed sessions.
func (t *Telegram) SessionChanged(ctx context.Context, c session.Change) {
	text := Describe(c)
	if text == "" {
		return
	}
	if err := t.Notify(ctx, text); err != nil {
		t.logger.Error("operator notification failed", "session_id", c.SessionID, "err", err)
	}
}

// Describe renders the operator notice for a change, or "" when the change
// needs no attention.
func Describe(c session.Change) string {
	head := fmt.Sprintf("[%s] session %s (account %s)", c.Channel, c.SessionID, c.AccountID)
	switch {
	case c.To == domain.StatePendingVerification && c.Challenge != nil:
		switch c.Challenge.Kind {
		case transport.ChallengeQR:
			return head + " is waiting for a QR scan. Payload:\n" + c.Challenge.Value
		case transport.ChallengePairingCode:
			return head + " pairing code: " + c.Challenge.Value
		case transport.ChallengePhoneCode:
			return head + " is waiting for the login code sent to the phone."
		}
		return head + " is waiting for verification."
	case c.To == domain.StateClosed && c.Reason != "deleted":
		return head + " was closed: " + c.Reason
	}
	return ""
}
