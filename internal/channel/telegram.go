package channel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"inboxbot/internal/domain"
	"inboxbot/internal/metrics"
	"inboxbot/internal/ratelimit"
	"inboxbot/internal/security"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// TelegramConfig configures the Telegram webhook endpoint.
type TelegramConfig struct {
	Gatekeeper     *security.Gatekeeper
	Limiter        *ratelimit.Window
	Processor      Processor
	MaxBodyBytes   int64
	BatchTimeout   time.Duration
	ProcessTimeout time.Duration
	TrustProxy     bool
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Clock          func() time.Time
}

// Telegram receives Bot API updates pushed by setWebhook.
type Telegram struct {
	gate       *security.Gatekeeper
	limiter    *ratelimit.Window
	dispatch   *dispatcher
	maxBody    int64
	trustProxy bool
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Telegram{
		gate:       cfg.Gatekeeper,
		limiter:    cfg.Limiter,
		dispatch:   newDispatcher(cfg.Processor, cfg.BatchTimeout, cfg.ProcessTimeout, cfg.Logger),
		maxBody:    cfg.MaxBodyBytes,
		trustProxy: cfg.TrustProxy,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Clock,
	}
}

func (t *Telegram) Wait() { t.dispatch.wait() }

// HandleUpdate accepts one update. Updates that carry neither a message
// nor a callback query are acknowledged and dropped.
func (t *Telegram) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	defer t.metrics.TrackInflight()()
	label := string(domain.ChannelTelegram)
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("telegram handler panic", "panic", rec)
			t.metrics.WebhookRequest(label, http.StatusOK)
			writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		}
	}()
	reject := func(status int, msg string) {
		t.metrics.WebhookRequest(label, status)
		http.Error(w, msg, status)
	}

	if r.ContentLength > t.maxBody {
		reject(http.StatusRequestEntityTooLarge, "Payload Too Large")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject(http.StatusRequestEntityTooLarge, "Payload Too Large")
			return
		}
		reject(http.StatusBadRequest, "Bad Request")
		return
	}

	if err := t.gate.VerifySecretToken(r.Header.Get(telegramSecretHeader)); err != nil {
		t.logger.Warn("telegram secret token rejected", "remote", ClientIP(r, t.trustProxy))
		reject(http.StatusUnauthorized, "Unauthorized")
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		t.logger.Warn("telegram payload rejected", "err", err)
		reject(http.StatusBadRequest, "Bad Request")
		return
	}

	if !allowRequest(w, r, t.limiter, t.trustProxy, label, t.logger, t.metrics) {
		return
	}

	if evt, ok := TelegramEvent(update, t.now()); ok {
		t.dispatch.run([]domain.InboundEvent{evt})
	} else {
		t.logger.Debug("telegram update ignored", "update_id", update.UpdateID)
	}

	t.metrics.WebhookRequest(label, http.StatusOK)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// TelegramEvent converts an update into an inbound event. The sender id is
// the chat id so replies go back to the same chat.
func TelegramEvent(u tgbotapi.Update, receivedAt time.Time) (domain.InboundEvent, bool) {
	switch {
	case u.Message != nil && u.Message.Chat != nil:
		m := u.Message
		chatID := strconv.FormatInt(m.Chat.ID, 10)
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		payload := &domain.MessagePayload{
			MID:         "tg:" + chatID + ":" + strconv.Itoa(m.MessageID),
			Text:        text,
			Attachments: telegramAttachments(m),
		}
		return domain.InboundEvent{
			Channel:    domain.ChannelTelegram,
			SenderID:   chatID,
			Timestamp:  unixSeconds(m.Date),
			ReceivedAt: receivedAt,
			Kind:       domain.EventMessage,
			Message:    payload,
		}, true

	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		var sender string
		switch {
		case cq.Message != nil && cq.Message.Chat != nil:
			sender = strconv.FormatInt(cq.Message.Chat.ID, 10)
		case cq.From != nil:
			sender = strconv.FormatInt(cq.From.ID, 10)
		default:
			return domain.InboundEvent{}, false
		}
		return domain.InboundEvent{
			Channel:    domain.ChannelTelegram,
			SenderID:   sender,
			ReceivedAt: receivedAt,
			Kind:       domain.EventPostback,
			Postback:   &domain.PostbackPayload{MID: "tg:cb:" + cq.ID, Payload: cq.Data},
		}, true
	}
	return domain.InboundEvent{}, false
}

func telegramAttachments(m *tgbotapi.Message) []domain.Attachment {
	var out []domain.Attachment
	if len(m.Photo) > 0 {
		out = append(out, domain.Attachment{Type: "image"})
	}
	if m.Video != nil {
		out = append(out, domain.Attachment{Type: "video"})
	}
	if m.Voice != nil || m.Audio != nil {
		out = append(out, domain.Attachment{Type: "audio"})
	}
	if m.Document != nil {
		out = append(out, domain.Attachment{Type: "file"})
	}
	return out
}

func unixSeconds(s int) time.Time {
	if s <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(s), 0).UTC()
}
