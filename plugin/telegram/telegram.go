// Package telegram delivers rendered messages through the Telegram Bot API.
package telegram

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/carlostoek/yabot/plugin/lucien"
)

const (
	// messagesPerSecond keeps the sender under the global Bot API
	// budget of roughly 30 messages per second.
	messagesPerSecond = 30
	sendBurst         = 5
	parseMode         = "Markdown"
)

// botAPI is the slice of tgbotapi.BotAPI the sender needs.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender pushes text messages to Telegram chats. The user IDs carried
// around the rest of the system are stringified chat IDs.
type Sender struct {
	bot     botAPI
	limiter *rate.Limiter
}

var _ lucien.Sender = (*Sender)(nil)

// New authenticates against the Bot API with the given token.
func New(token string) (*Sender, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	return &Sender{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), sendBurst),
	}, nil
}

// Send delivers one text message to the chat identified by userID,
// waiting on the rate limiter first.
func (s *Sender) Send(ctx context.Context, userID, content string) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid chat id %q", userID)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "await send slot")
	}

	msg := tgbotapi.NewMessage(chatID, content)
	msg.ParseMode = parseMode
	if _, err := s.bot.Send(msg); err != nil {
		return errors.Wrapf(err, "send to chat %d", chatID)
	}
	return nil
}
