package channel

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"inboxbot/internal/domain"
	"inboxbot/internal/metrics"
	"inboxbot/internal/ratelimit"
	"inboxbot/internal/security"
)

const signatureHeader = "X-Hub-Signature-256"

// WebhookConfig configures the Messenger/Instagram webhook endpoint.
type WebhookConfig struct {
	Gatekeeper     *security.Gatekeeper
	Limiter        *ratelimit.Window // nil disables per-IP limiting
	Processor      Processor
	MaxBodyBytes   int64
	BatchTimeout   time.Duration
	ProcessTimeout time.Duration
	TrustProxy     bool
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Clock          func() time.Time
}

// Webhook serves the Graph subscription handshake and event deliveries.
type Webhook struct {
	gate       *security.Gatekeeper
	limiter    *ratelimit.Window
	dispatch   *dispatcher
	maxBody    int64
	trustProxy bool
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewWebhook creates the Graph webhook handler.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Webhook{
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

// Wait blocks until events dispatched by earlier deliveries have finished.
func (h *Webhook) Wait() { h.dispatch.wait() }

// HandleVerify answers the GET subscription challenge. Both the hub.*
// parameter names and their bare forms are accepted.
func (h *Webhook) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	param := func(name string) string {
		if v := q.Get("hub." + name); v != "" {
			return v
		}
		return q.Get(name)
	}

	challenge, err := h.gate.VerifyChallenge(param("mode"), param("verify_token"), param("challenge"))
	if err != nil {
		h.logger.Warn("webhook verification rejected", "remote", ClientIP(r, h.trustProxy), "err", err)
		h.metrics.WebhookRequest("verify", http.StatusForbidden)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	h.logger.Info("webhook verified")
	h.metrics.WebhookRequest("verify", http.StatusOK)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// HandleEvents accepts a signed event delivery. Checks run in order: body
// size, signature, structure, rate limit. Accepted deliveries are answered
// with 200 once processing finished or the batch timeout elapsed.
func (h *Webhook) HandleEvents(w http.ResponseWriter, r *http.Request) {
	defer h.metrics.TrackInflight()()
	label := "graph"
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("webhook handler panic", "panic", rec)
			h.metrics.WebhookRequest(label, http.StatusOK)
			writeJSON(w, http.StatusOK, map[string]string{"status": "error"})
		}
	}()

	reject := func(status int, msg string) {
		h.metrics.WebhookRequest(label, status)
		http.Error(w, msg, status)
	}

	if r.ContentLength > h.maxBody {
		reject(http.StatusRequestEntityTooLarge, "Payload Too Large")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject(http.StatusRequestEntityTooLarge, "Payload Too Large")
			return
		}
		reject(http.StatusBadRequest, "Bad Request")
		return
	}

	if err := h.gate.VerifySignature(body, r.Header.Get(signatureHeader)); err != nil {
		h.logger.Warn("webhook signature rejected", "remote", ClientIP(r, h.trustProxy), "err", err)
		reject(http.StatusUnauthorized, "Unauthorized")
		return
	}

	ch, events, skipped, err := ParseGraph(body, h.now())
	if err != nil {
		h.logger.Warn("webhook payload rejected", "err", err)
		reject(http.StatusBadRequest, "Bad Request")
		return
	}
	label = string(ch)

	if !h.allow(w, r, label) {
		return
	}

	if skipped > 0 {
		h.logger.Debug("webhook items without known payload skipped", "channel", ch, "skipped", skipped)
	}
	h.logger.Debug("webhook received", "channel", ch, "events", len(events))
	h.dispatch.run(events)

	h.metrics.WebhookRequest(label, http.StatusOK)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "EVENT_RECEIVED")
}

// allow applies the per-IP window. Limiter storage failures let the
// request through.
func (h *Webhook) allow(w http.ResponseWriter, r *http.Request, label string) bool {
	return allowRequest(w, r, h.limiter, h.trustProxy, label, h.logger, h.metrics)
}

func allowRequest(w http.ResponseWriter, r *http.Request, limiter *ratelimit.Window, trustProxy bool,
	label string, logger *slog.Logger, m *metrics.Metrics) bool {
	if limiter == nil {
		return true
	}
	ip := ClientIP(r, trustProxy)
	_, err := limiter.Allow(r.Context(), ip)
	if err == nil {
		return true
	}
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		logger.Error("rate limiter unavailable", "err", err)
		return true
	}
	logger.Warn("webhook rate limited", "remote", ip, "retry_after", rl.RetryAfter)
	m.RateLimited("webhook")
	m.WebhookRequest(label, http.StatusTooManyRequests)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.RetryAfter)))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
