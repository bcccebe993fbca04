package notify

import (
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"bookpay/internal/events"
	"bookpay/internal/payway"
)

// TelegramNotifier forwards operationally interesting events to an ops chat.
// A nil notifier (no bot token configured) is valid and attaches nothing.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(botToken string, chatID int64, logger zerolog.Logger) (*TelegramNotifier, error) {
	if botToken == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{
		bot:    bot,
		chatID: chatID,
		logger: logger.With().Str("component", "notify").Logger(),
	}, nil
}

// AttachTo subscribes the notifier to failure and expiry events. Success
// traffic is intentionally not mirrored to chat.
func (n *TelegramNotifier) AttachTo(bus *events.EventBus) {
	if n == nil {
		return
	}
	bus.Subscribe(events.EventPaymentFailed, n.onPaymentFailed)
	bus.Subscribe(events.EventBookingExpired, n.onBookingExpired)
}

func (n *TelegramNotifier) onPaymentFailed(event *events.Event) error {
	payload, err := decodePayload(event)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("❌ Payment failed\nBooking: %d\nTran: %s\nAmount: %s %s",
		payload.BookingID, payload.TranID,
		payway.Amount(payload.TotalAmount), payload.Currency)
	return n.send(text)
}

func (n *TelegramNotifier) onBookingExpired(event *events.Event) error {
	payload, err := decodePayload(event)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("⏰ Booking expired\nBooking: %d\nUser: %d\nAmount: %s %s",
		payload.BookingID, payload.UserID,
		payway.Amount(payload.TotalAmount), payload.Currency)
	return n.send(text)
}

func (n *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	if _, err := n.bot.Send(msg); err != nil {
		n.logger.Error().Err(err).Msg("Failed to send ops notification")
		return err
	}
	return nil
}

func decodePayload(event *events.Event) (*events.BookingEventPayload, error) {
	var payload events.BookingEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &payload, nil
}
