package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram posts notifications to a single Telegram chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram creates a Telegram notifier and verifies the token.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: telegram init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram notifier authorized", "username", bot.Self.UserName)

	return &Telegram{bot: bot, chatID: chatID, logger: logger}, nil
}

func (t *Telegram) Escalated(_ context.Context, issueKey, group, assignee string) {
	t.send(escalationText(issueKey, group, assignee))
}

func (t *Telegram) ReconcileFailed(_ context.Context, issueKey, reason string) {
	t.send(failureText(issueKey, reason))
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram notification failed", "chat_id", t.chatID, "error", err)
	}
}
