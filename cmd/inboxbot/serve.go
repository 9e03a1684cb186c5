package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inboxbot/internal/agent"
	"inboxbot/internal/bus"
	"inboxbot/internal/channel"
	"inboxbot/internal/config"
	"inboxbot/internal/conversation"
	"inboxbot/internal/crm"
	"inboxbot/internal/dedup"
	"inboxbot/internal/domain"
	"inboxbot/internal/health"
	"inboxbot/internal/intent"
	"inboxbot/internal/kv"
	"inboxbot/internal/memory"
	"inboxbot/internal/metrics"
	"inboxbot/internal/outbound"
	"inboxbot/internal/provider"
	"inboxbot/internal/ratelimit"
	"inboxbot/internal/security"
	"inboxbot/internal/server"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger = newLogger(cfg.Log)
	logger.Info("starting inboxbot", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// --- Storage ---

	kvStore, err := openKV(cfg.Storage)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	janitor, err := kv.NewJanitor(kv.JanitorConfig{
		Store:    kvStore,
		Schedule: cfg.Storage.KVPruneSchedule,
		Logger:   logger,
		OnPrune:  m.KVPruned,
	})
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	store, err := memory.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// --- Outbound ---

	apiClient := provider.SharedHTTPClient(15 * time.Second)

	breakers := outbound.NewBreakers(outbound.BreakerConfig{
		Threshold: cfg.Outbound.BreakerThreshold,
		Timeout:   cfg.Outbound.BreakerTimeout,
		OnStateChange: func(destination string, from, to outbound.BreakerState) {
			logger.Warn("circuit breaker state changed", "destination", destination, "from", from, "to", to)
			m.BreakerState(destination, int(to))
		},
	})

	var transports []domain.Transport
	if cfg.Graph.PageAccessToken != "" {
		transports = append(transports, outbound.NewGraphTransport(outbound.GraphConfig{
			Channel:     domain.ChannelMessenger,
			BaseURL:     cfg.Graph.APIBase,
			Version:     cfg.Graph.APIVersion,
			AccessToken: cfg.Graph.PageAccessToken,
			HTTPClient:  apiClient,
			Logger:      logger,
		}))
	}
	if token := cfg.Graph.InstagramToken(); token != "" {
		transports = append(transports, outbound.NewGraphTransport(outbound.GraphConfig{
			Channel:     domain.ChannelInstagram,
			BaseURL:     cfg.Graph.APIBase,
			Version:     cfg.Graph.APIVersion,
			AccessToken: token,
			HTTPClient:  apiClient,
			Logger:      logger,
		}))
	}
	if cfg.Telegram.BotToken != "" {
		transports = append(transports, outbound.NewTelegramTransport(outbound.TelegramConfig{
			Token:  cfg.Telegram.BotToken,
			Logger: logger,
		}))
	}
	if len(transports) == 0 {
		logger.Warn("no outbound transport configured, replies will fail")
	}

	sender := outbound.NewClient(outbound.ClientConfig{
		Transports:  transports,
		Store:       store,
		Budget:      ratelimit.NewBudget(cfg.Outbound.SendBurst, cfg.Outbound.SendPerMinute),
		Breakers:    breakers,
		MaxAttempts: cfg.Outbound.MaxAttempts,
		MaxBackoff:  cfg.Outbound.MaxBackoff,
		Logger:      logger,
		Metrics:     m,
	})

	// --- Generation ---

	chain := provider.NewChain(buildProviders(cfg.Generation, provider.SharedHTTPClient(cfg.Generation.Timeout)), provider.ChainConfig{
		Attempts:       cfg.Generation.Attempts,
		PerCallTimeout: cfg.Generation.Timeout,
		Logger:         logger,
		OnAttempt:      m.BackendAttempt,
	})
	if chain.Len() == 0 {
		logger.Warn("no generation backend configured, replies come from the fallback table")
	}

	fallback, err := loadFallback(cfg.Generation)
	if err != nil {
		return err
	}

	var crmSync domain.CRMSync
	if c := crm.New(crm.Config{URL: cfg.CRM.WebhookURL, APIKey: cfg.CRM.APIKey, HTTPClient: apiClient, Logger: logger}); c != nil {
		crmSync = c
	}

	responder, err := agent.NewResponder(agent.ResponderConfig{
		Backend:  chain,
		Fallback: fallback,
		Prompt: agent.NewPromptBuilder(agent.PromptConfig{
			Brand:                 cfg.Generation.BrandName,
			MinTurnsBeforeLeadAsk: cfg.Generation.MinTurnsBeforeLeadAsk,
			Extra:                 cfg.Generation.PromptExtra,
		}),
		Cache:          agent.NewResponseCache(cfg.Generation.CacheSize, cfg.Generation.CacheTTL),
		CRM:            crmSync,
		MaxReplyLength: cfg.Generation.MaxReplyLength,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	defer responder.Wait()

	// --- Pipeline ---

	policy, _ := conversation.ParsePolicy(cfg.Conversation.ResponsePolicy)
	feed := bus.NewFeed(0, logger)
	feed.On(bus.TypeEscalated, func(a bus.Activity) {
		logger.Info("conversation handed to a human", "channel", a.Channel, "sender", a.SenderID)
	})

	pipeline := agent.NewPipeline(agent.PipelineConfig{
		Store: store,
		Dedup: dedup.New(dedup.Config{Store: kvStore, Horizon: cfg.Storage.DedupTTL, Logger: logger}),
		Aggregator: conversation.NewAggregator(conversation.AggregatorConfig{
			Store:        store,
			HistoryLimit: cfg.Conversation.HistoryLimit,
			Threshold:    cfg.Conversation.GroupingThreshold,
			Policy:       policy,
		}),
		Manager:    conversation.NewManager(store, logger),
		Classifier: intent.New(),
		Responder:  responder,
		Sender:     sender,
		Logger:     logger,
		Metrics:    m,
		Feed:       feed,
	})

	// --- HTTP ---

	gate := security.NewGatekeeper(security.GatekeeperConfig{
		AppSecret:           cfg.Graph.AppSecret,
		VerifyToken:         cfg.Graph.VerifyToken,
		TelegramSecretToken: cfg.Telegram.SecretToken,
		Logger:              logger,
	})
	webhookLimiter := ratelimit.NewWindow(ratelimit.WindowConfig{
		Store:  kvStore,
		Prefix: "rl:webhook",
		Limit:  cfg.Limits.WebhookPerMinute,
	})

	webhook := channel.NewWebhook(channel.WebhookConfig{
		Gatekeeper:     gate,
		Limiter:        webhookLimiter,
		Processor:      pipeline,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		BatchTimeout:   cfg.Server.BatchTimeout,
		ProcessTimeout: cfg.Server.ProcessTimeout,
		TrustProxy:     cfg.Server.TrustProxy,
		Logger:         logger,
		Metrics:        m,
	})
	defer webhook.Wait()

	var telegram *channel.Telegram
	if cfg.Telegram.BotToken != "" {
		telegram = channel.NewTelegram(channel.TelegramConfig{
			Gatekeeper:     gate,
			Limiter:        webhookLimiter,
			Processor:      pipeline,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
			BatchTimeout:   cfg.Server.BatchTimeout,
			ProcessTimeout: cfg.Server.ProcessTimeout,
			TrustProxy:     cfg.Server.TrustProxy,
			Logger:         logger,
			Metrics:        m,
		})
		defer telegram.Wait()
	}

	keys := security.NewAPIKeys(cfg.Limits.APIKeys)
	if !keys.Enabled() {
		logger.Warn("API_KEYS is empty, the data API rejects every request")
	}
	api := server.NewAPI(server.APIConfig{
		Store: store,
		Keys:  keys,
		Limiter: ratelimit.NewWindow(ratelimit.WindowConfig{
			Store:  kvStore,
			Prefix: "rl:api",
			Limit:  cfg.Limits.APIPerMinute,
		}),
		Feed:    feed,
		Logger:  logger,
		Metrics: m,
	})

	srv := server.New(server.Config{
		Addr:     cfg.Server.Addr,
		Webhook:  webhook,
		Telegram: telegram,
		API:      api,
		Health: health.NewReporter(health.ReporterConfig{
			Store:     store,
			KV:        kvStore,
			Breakers:  breakers,
			Backends:  chain.Models(),
			Version:   version,
			StartedAt: time.Now(),
			Logger:    logger,
		}),
		Metrics:         m,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          logger,
	})

	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("waiting for in-flight events")
	return nil
}

// kvCloser is a KV store the process owns and must close.
type kvCloser interface {
	domain.KVStore
	Close() error
}

func openKV(cfg config.StorageConfig) (kvCloser, error) {
	switch cfg.KVBackend {
	case "pebble":
		s, err := kv.OpenPebble(cfg.KVPath)
		if err != nil {
			return nil, fmt.Errorf("open kv store: %w", err)
		}
		return s, nil
	default:
		return kv.NewMemoryStore(), nil
	}
}

func buildProviders(cfg config.GenerationConfig, client *http.Client) []domain.Provider {
	if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
		return nil
	}
	providers := make([]domain.Provider, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		providers = append(providers, provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      model,
			MaxTokens:  cfg.MaxTokens,
			HTTPClient: client,
			Logger:     logger,
		}))
	}
	return providers
}

func loadFallback(cfg config.GenerationConfig) (*agent.FallbackTable, error) {
	var data []byte
	if cfg.FallbackFile != "" {
		b, err := os.ReadFile(cfg.FallbackFile)
		if err != nil {
			return nil, fmt.Errorf("read fallback file: %w", err)
		}
		data = b
	}
	return agent.LoadFallback(data, cfg.BrandName, agent.Lang(cfg.FallbackLang))
}
