// Package notify pushes run progress to Telegram: an alert whenever a
// task needs manual attention and a summary when a run finishes.
package notify

import (
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"enlist/internal/events"
	"enlist/internal/models"
)

// Sender is the Telegram API slice the notifier needs; tests supply a fake.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	bot    Sender
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(bot Sender, chatID int64, logger zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Attach subscribes the notifier to the progress bus.
func (n *TelegramNotifier) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventRegistrationResult, n.onResult)
	bus.Subscribe(events.EventRunComplete, n.onComplete)
}

func (n *TelegramNotifier) onResult(event *events.Event) error {
	var payload events.RegistrationResultPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}
	if payload.Status != models.TaskManual {
		return nil
	}

	text := fmt.Sprintf("⚠️ Needs attention: %s\n%s\n%s",
		title(payload.Title, payload.URL), payload.URL, payload.Message)
	return n.send(text)
}

func (n *TelegramNotifier) onComplete(event *events.Event) error {
	var payload events.RunCompletePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	c := payload.Counters
	text := fmt.Sprintf("Run %s finished (%s)\n✅ %d registered, ❌ %d failed, ⚠️ %d manual of %d",
		payload.RunID, payload.Mode, c.Success, c.Failed, c.Manual, c.Total)
	return n.send(text)
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Warn().Err(err).Msg("telegram send failed")
		return err
	}
	return nil
}

func title(t, url string) string {
	if t != "" {
		return t
	}
	return url
}
