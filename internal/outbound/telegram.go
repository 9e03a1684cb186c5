package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"inboxbot/internal/domain"
)

// TelegramConfig configures the Telegram Bot API transport.
type TelegramConfig struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	Endpoint   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TelegramTransport sends replies with sendMessage, sendPhoto and
// sendDocument.
type TelegramTransport struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewTelegramTransport builds the bot client without calling getMe, so
// startup does not depend on Telegram being reachable.
func NewTelegramTransport(cfg TelegramConfig) *TelegramTransport {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	bot := &tgbotapi.BotAPI{
		Token:  cfg.Token,
		Client: cfg.HTTPClient,
		Buffer: 100,
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot.SetAPIEndpoint(endpoint)
	return &TelegramTransport{bot: bot, logger: cfg.Logger}
}

func (t *TelegramTransport) Channel() domain.Channel { return domain.ChannelTelegram }

func (t *TelegramTransport) Send(ctx context.Context, msg domain.OutboundMessage) (string, error) {
	chatID, err := strconv.ParseInt(msg.RecipientID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: telegram chat id %q", domain.ErrValidation, msg.RecipientID)
	}

	var c tgbotapi.Chattable
	switch {
	case msg.Attachment != nil && msg.Attachment.Type == "image":
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(msg.Attachment.URL))
		photo.Caption = msg.Text
		c = photo
	case msg.Attachment != nil:
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(msg.Attachment.URL))
		doc.Caption = msg.Text
		c = doc
	default:
		c = tgbotapi.NewMessage(chatID, msg.Text)
	}

	sent, err := t.do(ctx, func() (tgbotapi.Message, error) { return t.bot.Send(c) })
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SenderAction maps typing_on to a "typing" chat action. Telegram has no
// read markers, so the other actions are no-ops.
func (t *TelegramTransport) SenderAction(ctx context.Context, recipientID string, action domain.SenderAction) error {
	if action != domain.ActionTypingOn {
		return nil
	}
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: telegram chat id %q", domain.ErrValidation, recipientID)
	}
	_, err = t.do(ctx, func() (tgbotapi.Message, error) {
		_, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
		return tgbotapi.Message{}, err
	})
	return err
}

// do runs a Bot API call and converts its failure into a SendError. The
// library has no context support, so ctx is only checked up front.
func (t *TelegramTransport) do(ctx context.Context, call func() (tgbotapi.Message, error)) (tgbotapi.Message, error) {
	if err := ctx.Err(); err != nil {
		return tgbotapi.Message{}, err
	}
	m, err := call()
	if err == nil {
		return m, nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		status := apiErr.Code
		if status == 0 {
			status = http.StatusBadRequest
		}
		t.logger.Warn("telegram api error", "code", apiErr.Code, "err", apiErr.Message)
		return tgbotapi.Message{}, &domain.SendError{Status: status, Message: apiErr.Message, Code: apiErr.Code}
	}
	return tgbotapi.Message{}, &domain.SendError{Status: 0, Message: err.Error()}
}
