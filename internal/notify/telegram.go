package notify

import (
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramPrefix is the target prefix for Telegram chat ids.
const TelegramPrefix = "telegram:"

const maxTelegramMessage = 4096

// Telegram sends notifications through a Telegram bot.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram channel from a bot token.
func NewTelegram(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot}, nil
}

// Send delivers a message to the chat id named by target. Messages over the
// Telegram size cap are split; markdown that the API rejects is retried as
// plain text.
func (t *Telegram) Send(target, message string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q is not a chat id: %w", target, err)
	}
	for _, part := range splitMessage(message) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				return fmt.Errorf("send telegram message: %w", err)
			}
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
