package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"inboxbot/internal/bus"
	"inboxbot/internal/domain"
	"inboxbot/internal/metrics"
	"inboxbot/internal/ratelimit"
	"inboxbot/internal/security"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// APIConfig configures the read-only data API.
type APIConfig struct {
	Store   domain.MessageStore
	Keys    *security.APIKeys
	Limiter *ratelimit.Window // per API key; nil disables limiting
	Feed    *bus.Feed         // nil disables /api/stream
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// API serves stored conversations to authenticated callers.
type API struct {
	store   domain.MessageStore
	keys    *security.APIKeys
	limiter *ratelimit.Window
	feed    *bus.Feed
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAPI(cfg APIConfig) *API {
	if cfg.Keys == nil {
		cfg.Keys = security.NewAPIKeys(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &API{
		store:   cfg.Store,
		keys:    cfg.Keys,
		limiter: cfg.Limiter,
		feed:    cfg.Feed,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Register mounts the endpoints on r, which is expected to be the /api
// subrouter.
func (a *API) Register(r *mux.Router) {
	r.Use(a.authenticate)
	r.HandleFunc("/conversations", a.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{channel}/{sender}", a.getConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{channel}/{sender}/messages", a.listMessages).Methods(http.MethodGet)
	if a.feed != nil {
		r.HandleFunc("/stream", a.stream).Methods(http.MethodGet)
	}
}

type apiKeyCtx struct{}

// authenticate checks the bearer key, then the per-key window.
func (a *API) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.keys.Authenticate(r)
		if err != nil {
			a.logger.Debug("api request rejected", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if a.limiter != nil {
			if _, err := a.limiter.Allow(r.Context(), identity); err != nil {
				var rl *domain.RateLimitError
				if errors.As(err, &rl) {
					a.metrics.RateLimited("api")
					w.Header().Set("Retry-After", strconv.Itoa(int((rl.RetryAfter+time.Second-1)/time.Second)))
					writeError(w, http.StatusTooManyRequests, "rate limited")
					return
				}
				a.logger.Error("api rate limiter unavailable", "err", err)
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), apiKeyCtx{}, identity)))
	})
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	convs, err := a.store.ListConversations(r.Context(), limit)
	if err != nil {
		a.internalError(w, r, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs, "count": len(convs)})
}

func (a *API) getConversation(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}
	conv, err := a.store.GetConversation(r.Context(), key)
	if err != nil {
		a.internalError(w, r, "get conversation", err)
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// listMessages returns the newest messages first.
func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	key, ok := conversationKey(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	msgs, err := a.store.RecentMessages(r.Context(), key, limit)
	if err != nil {
		a.internalError(w, r, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "messages": msgs, "count": len(msgs)})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger.Error("api "+op+" failed", "err", err, "request_id", RequestID(r.Context()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func conversationKey(w http.ResponseWriter, r *http.Request) (domain.ConversationKey, bool) {
	vars := mux.Vars(r)
	ch := domain.Channel(vars["channel"])
	switch ch {
	case domain.ChannelMessenger, domain.ChannelInstagram, domain.ChannelTelegram:
	default:
		writeError(w, http.StatusBadRequest, "unknown channel")
		return domain.ConversationKey{}, false
	}
	return domain.ConversationKey{Channel: ch, SenderID: vars["sender"]}, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
