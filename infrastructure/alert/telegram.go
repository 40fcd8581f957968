package alert

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramAPI 只依赖 Send，便于测试替换。
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel 通过 Telegram Bot 推送告警
type TelegramChannel struct {
	api         telegramAPI
	chatID      int64
	name        string
	minPriority Priority
}

// NewTelegramChannel 创建 Telegram 通道（会调用 getMe 校验 token）
func NewTelegramChannel(name, token string, chatID int64, minPriority Priority) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegramChannel(name, bot, chatID, minPriority), nil
}

func newTelegramChannel(name string, api telegramAPI, chatID int64, minPriority Priority) *TelegramChannel {
	if !minPriority.Valid() {
		minPriority = PriorityLow
	}
	return &TelegramChannel{api: api, chatID: chatID, name: name, minPriority: minPriority}
}

// Send 低于 minPriority 的告警直接跳过（视为成功）
func (c *TelegramChannel) Send(ctx context.Context, alert Alert) error {
	if alert.Priority.Rank() < c.minPriority.Rank() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(c.chatID, formatTelegram(alert))
	msg.DisableWebPagePreview = true
	if _, err := c.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Name 返回通道名称
func (c *TelegramChannel) Name() string {
	return c.name
}

func formatTelegram(alert Alert) string {
	icon := "ℹ️"
	switch alert.Priority {
	case PriorityCritical:
		icon = "🚨"
	case PriorityHigh:
		icon = "⛔"
	case PriorityMedium:
		icon = "⚠️"
	}
	text := fmt.Sprintf("%s %s\n%s", icon, alert.Title, alert.Message)
	if len(alert.Fields) > 0 {
		text += "\n" + formatFields(alert.Fields)
	}
	return text
}
