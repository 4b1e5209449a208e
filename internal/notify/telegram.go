package notify

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tiger-webhook/internal/bridgeerr"
	"tiger-webhook/pkg/types"
)

const defaultSendTimeout = 10 * time.Second

// TelegramSink delivers notifications to a single chat via a Telegram bot.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSink authorizes a bot with token and targets chatID for every
// send.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.Config, "notify.telegram", "bot authorization failed", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

var _ Sink = (*TelegramSink)(nil)

func (t *TelegramSink) Send(ctx context.Context, channel string, n types.Notification) error {
	text := fmt.Sprintf("[%s/%s] %s", channel, n.Kind, n.Message)
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return bridgeerr.Wrap(bridgeerr.Transport, "notify.telegram", "send failed", err)
	}
	return nil
}
