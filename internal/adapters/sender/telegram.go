package sender

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"pricewatch/internal/infra/metrics"
)

const telegramMessageLimit = 4096

// Telegram отправляет уведомления в чат через Bot API.
type Telegram struct {
	bot *tgbotapi.BotAPI
}

// NewTelegram создаёт отправитель поверх готового клиента Bot API.
func NewTelegram(bot *tgbotapi.BotAPI) *Telegram {
	return &Telegram{bot: bot}
}

// Send отправляет уведомление в чат. Адрес канала — идентификатор чата.
func (t *Telegram) Send(ctx context.Context, address string, raw []byte) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(address), 10, 64)
	if err != nil {
		return fmt.Errorf("некорректный идентификатор чата %q: %w", address, err)
	}
	subject, body, err := renderMessage(raw)
	if err != nil {
		return err
	}

	text := subject + "\n\n" + body
	for _, part := range splitMessage(text) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := tgbotapi.NewMessage(chatID, part)
		start := time.Now()
		_, err := t.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", "bot_api", start, err)
		if err != nil {
			return fmt.Errorf("отправка сообщения: %w", err)
		}
	}
	return nil
}

// splitMessage режет текст на части, укладывающиеся в лимит сообщения
// Telegram. Предпочитает границы строк, чтобы не рвать форматирование.
func splitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(trimmed)
	if len(runes) <= telegramMessageLimit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + telegramMessageLimit
		if end >= len(runes) {
			chunk := strings.Trim(string(runes[start:]), "\n")
			if chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := -1
		for i := end; i > start; i-- {
			if runes[i-1] == '\n' {
				split = i
				break
			}
		}
		if split == -1 {
			split = end
		}

		chunk := strings.Trim(string(runes[start:split]), "\n")
		if chunk != "" {
			parts = append(parts, chunk)
		}

		start = split
		for start < len(runes) && runes[start] == '\n' {
			start++
		}
	}

	if len(parts) == 0 {
		return []string{trimmed}
	}

	return parts
}
