package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"inboxbot/internal/conversation"
	"inboxbot/internal/domain"
	"inboxbot/internal/metrics"
)

const (
	defaultMaxReplyLength = 600
	defaultReplyMaxTokens = 400
	defaultTemperature    = 0.7
	crmSyncTimeout        = 15 * time.Second
)

// Reply sources, recorded for metrics.
const (
	SourceCache    = "cache"
	SourceFallback = "fallback"
	SourceHandoff  = "handoff"
)

// ResponderConfig holds all dependencies and tuning parameters for reply
// generation. Backend and CRM are optional.
type ResponderConfig struct {
	Backend        domain.Provider
	Fallback       *FallbackTable
	Prompt         *PromptBuilder
	Cache          *ResponseCache
	CRM            domain.CRMSync
	MaxReplyLength int // in runes
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Responder produces the reply to one user turn.
type Responder struct {
	backend  domain.Provider
	fallback *FallbackTable
	prompt   *PromptBuilder
	cache    *ResponseCache
	crm      domain.CRMSync
	maxLen   int
	logger   *slog.Logger
	metrics  *metrics.Metrics

	crmWG sync.WaitGroup
}

// Request is everything the responder knows about the turn being answered.
type Request struct {
	Key          domain.ConversationKey
	Text         string // the aggregated user turn
	Transcript   string // recent history, one line per message
	UserText     string // inbound history used for attribute extraction
	MessageCount int
	Intent       domain.Intent
	Known        domain.UserInfo
}

// Reply is the generated answer plus what was learned about the user.
type Reply struct {
	Text    string
	Source  string // cache | model:<id> | fallback | handoff
	Info    domain.UserInfo
	Learned domain.UserInfo
}

func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Fallback == nil {
		fb, err := LoadFallback(nil, "", LangES)
		if err != nil {
			return nil, err
		}
		cfg.Fallback = fb
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{})
	}
	if cfg.MaxReplyLength <= 0 {
		cfg.MaxReplyLength = defaultMaxReplyLength
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{
		backend:  cfg.Backend,
		fallback: cfg.Fallback,
		prompt:   cfg.Prompt,
		cache:    cfg.Cache,
		crm:      cfg.CRM,
		maxLen:   cfg.MaxReplyLength,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Reply answers req. It always returns non-empty text; backend failures
// fall through to the canned table.
func (r *Responder) Reply(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	extractFrom := req.UserText
	if extractFrom == "" {
		extractFrom = req.Text
	}
	info := req.Known.Merge(conversation.Extract(extractFrom))
	learned := newlyKnown(req.Known, info)
	if !learned.IsZero() {
		r.syncContact(req.Key, info)
	}
	req.Known = info

	out := Reply{Info: info, Learned: learned}
	switch {
	case req.Intent == domain.IntentEscalateHuman:
		out.Text, out.Source = r.fallback.Reply(req.Text, req.Intent, info), SourceHandoff
	default:
		out.Text, out.Source = r.generate(ctx, req)
	}
	out.Text = truncateRunes(out.Text, r.maxLen)
	r.metrics.Reply(sourceLabel(out.Source))

	r.logger.Info("reply ready",
		"channel", req.Key.Channel,
		"sender", req.Key.SenderID,
		"intent", req.Intent,
		"source", out.Source,
		"len", len(out.Text),
	)
	return out, nil
}

func (r *Responder) generate(ctx context.Context, req Request) (string, string) {
	key := CacheKey(req.Text, req.MessageCount, req.Intent)
	if text, _, ok := r.cache.Get(key); ok {
		return text, SourceCache
	}

	if r.backend != nil {
		resp, err := r.backend.Chat(ctx, domain.ChatRequest{
			Messages:    r.prompt.Build(req),
			MaxTokens:   defaultReplyMaxTokens,
			Temperature: defaultTemperature,
		})
		if err == nil && strings.TrimSpace(resp.Content) != "" {
			text := truncateRunes(strings.TrimSpace(resp.Content), r.maxLen)
			source := "model:" + resp.Model
			r.cache.Put(key, text, source)
			return text, source
		}
		r.logger.Warn("generation failed, using fallback",
			"channel", req.Key.Channel,
			"sender", req.Key.SenderID,
			"backend", r.backend.Name(),
			"err", err,
		)
	}
	return r.fallback.Reply(req.Text, req.Intent, req.Known), SourceFallback
}

// syncContact pushes the contact to the CRM in the background. Failures
// are logged and never reach the caller.
func (r *Responder) syncContact(key domain.ConversationKey, info domain.UserInfo) {
	if r.crm == nil {
		return
	}
	contact := domain.Contact{
		Channel:      key.Channel,
		SenderID:     key.SenderID,
		Name:         info.Name,
		Email:        info.Email,
		BusinessType: info.BusinessType,
	}
	r.crmWG.Add(1)
	go func() {
		defer r.crmWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), crmSyncTimeout)
		defer cancel()
		err := r.crm.SyncContact(ctx, contact)
		r.metrics.CRMSync(err)
		if err != nil {
			r.logger.Warn("crm sync failed", "channel", key.Channel, "sender", key.SenderID, "err", err)
			return
		}
		r.logger.Info("crm contact synced", "channel", key.Channel, "sender", key.SenderID)
	}()
}

// Wait blocks until background CRM pushes finish.
func (r *Responder) Wait() {
	r.crmWG.Wait()
}

func newlyKnown(before, after domain.UserInfo) domain.UserInfo {
	var u domain.UserInfo
	if before.Name == "" {
		u.Name = after.Name
	}
	if before.Email == "" {
		u.Email = after.Email
	}
	if before.BusinessType == "" {
		u.BusinessType = after.BusinessType
	}
	return u
}

// sourceLabel collapses model ids so metric cardinality stays bounded.
func sourceLabel(source string) string {
	if strings.HasPrefix(source, "model:") {
		return "model"
	}
	return source
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if max <= 3 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
