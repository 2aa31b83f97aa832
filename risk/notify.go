package risk

import (
	"fmt"

	"fundingarb/logger"
	"fundingarb/store"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier pushes high/critical RiskEvents to a single operator
// chat. It is the concrete form of 4.G's "the operator is the escalation
// path" — there is no automatic remediation, only a page.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier dials the bot API with token and targets chatID.
// Callers typically wire this in only when both are configured; a Ledger
// with a nil Notifier just skips the push.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Notify(event *store.RiskEvent) error {
	text := fmt.Sprintf("[%s] %s\n%s", event.Severity, event.EventType, event.Message)
	if event.PositionID != "" {
		text += fmt.Sprintf("\nposition: %s", event.PositionID)
	}

	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		logger.Log.WithError(err).Error("telegram notify failed")
		return err
	}
	return nil
}
