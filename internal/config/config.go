package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config is the root configuration for inboxbot. Every field is read from
// the environment; nested sections share one flat variable namespace.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Graph        GraphConfig        `json:"graph"`
	Telegram     TelegramConfig     `json:"telegram"`
	Limits       LimitsConfig       `json:"limits"`
	Storage      StorageConfig      `json:"storage"`
	Conversation ConversationConfig `json:"conversation"`
	Generation   GenerationConfig   `json:"generation"`
	Outbound     OutboundConfig     `json:"outbound"`
	CRM          CRMConfig          `json:"crm"`
	Log          LogConfig          `json:"log"`
}

type ServerConfig struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080" json:"addr"`
	MaxBodyBytes    int64         `env:"MAX_BODY_BYTES" envDefault:"1048576" json:"maxBodyBytes"`
	TrustProxy      bool          `env:"TRUST_PROXY" json:"trustProxy"`
	BatchTimeout    time.Duration `env:"BATCH_TIMEOUT" envDefault:"25s" json:"batchTimeout"`
	ProcessTimeout  time.Duration `env:"PROCESS_TIMEOUT" envDefault:"60s" json:"processTimeout"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" json:"shutdownTimeout"`
}

// GraphConfig covers Messenger and Instagram, which share the Graph API.
type GraphConfig struct {
	AppSecret            string `env:"APP_SECRET" json:"appSecret"`
	VerifyToken          string `env:"VERIFY_TOKEN" json:"verifyToken"`
	PageAccessToken      string `env:"PAGE_ACCESS_TOKEN" json:"pageAccessToken"`
	InstagramAccessToken string `env:"INSTAGRAM_ACCESS_TOKEN" json:"instagramAccessToken,omitempty"` // defaults to the page token
	APIBase              string `env:"GRAPH_API_BASE" envDefault:"https://graph.facebook.com" json:"apiBase"`
	APIVersion           string `env:"GRAPH_API_VERSION" envDefault:"v19.0" json:"apiVersion"`
}

type TelegramConfig struct {
	BotToken    string `env:"TELEGRAM_BOT_TOKEN" json:"botToken"`
	SecretToken string `env:"TELEGRAM_SECRET_TOKEN" json:"secretToken"`
}

type LimitsConfig struct {
	WebhookPerMinute int      `env:"WEBHOOK_RATE_LIMIT_PER_MINUTE" envDefault:"300" json:"webhookPerMinute"`
	APIPerMinute     int      `env:"API_RATE_LIMIT_PER_MINUTE" envDefault:"60" json:"apiPerMinute"`
	APIKeys          []string `env:"API_KEYS" envSeparator:"," json:"apiKeys"`
}

type StorageConfig struct {
	DBPath          string        `env:"DB_PATH" envDefault:"data/inboxbot.db" json:"dbPath"`
	KVBackend       string        `env:"KV_BACKEND" envDefault:"memory" json:"kvBackend"` // memory | pebble
	KVPath          string        `env:"KV_PATH" envDefault:"data/kv" json:"kvPath"`
	KVPruneSchedule string        `env:"KV_PRUNE_SCHEDULE" envDefault:"@every 1m" json:"kvPruneSchedule"`
	DedupTTL        time.Duration `env:"DEDUP_TTL" envDefault:"24h" json:"dedupTTL"`
}

type ConversationConfig struct {
	GroupingThreshold time.Duration `env:"GROUPING_THRESHOLD" envDefault:"30s" json:"groupingThreshold"`
	HistoryLimit      int           `env:"HISTORY_LIMIT" envDefault:"20" json:"historyLimit"`
	ResponsePolicy    string        `env:"RESPONSE_POLICY" envDefault:"immediate" json:"responsePolicy"` // immediate | quiet_period
}

type GenerationConfig struct {
	OpenAIAPIKey          string        `env:"OPENAI_API_KEY" json:"openaiAPIKey"`
	OpenAIBaseURL         string        `env:"OPENAI_BASE_URL" json:"openaiBaseURL,omitempty"`
	Models                []string      `env:"GENERATION_MODELS" envSeparator:"," envDefault:"gpt-4o-mini" json:"models"`
	Attempts              int           `env:"GENERATION_ATTEMPTS" envDefault:"2" json:"attempts"`
	Timeout               time.Duration `env:"GENERATION_TIMEOUT" envDefault:"20s" json:"timeout"`
	MaxTokens             int           `env:"GENERATION_MAX_TOKENS" envDefault:"400" json:"maxTokens"`
	CacheSize             int           `env:"RESPONSE_CACHE_SIZE" envDefault:"100" json:"cacheSize"`
	CacheTTL              time.Duration `env:"RESPONSE_CACHE_TTL" envDefault:"30m" json:"cacheTTL"`
	MaxReplyLength        int           `env:"MAX_REPLY_LENGTH" envDefault:"600" json:"maxReplyLength"`
	MinTurnsBeforeLeadAsk int           `env:"MIN_TURNS_BEFORE_LEAD_ASK" envDefault:"3" json:"minTurnsBeforeLeadAsk"`
	BrandName             string        `env:"BRAND_NAME" envDefault:"our team" json:"brandName"`
	FallbackFile          string        `env:"FALLBACK_FILE" json:"fallbackFile,omitempty"` // YAML replacing the built-in table
	FallbackLang          string        `env:"FALLBACK_LANG" envDefault:"es" json:"fallbackLang"`
	PromptExtra           string        `env:"PROMPT_EXTRA" json:"promptExtra,omitempty"`
}

type OutboundConfig struct {
	SendPerMinute    float64       `env:"SEND_RATE_LIMIT_PER_MINUTE" envDefault:"600" json:"sendPerMinute"`
	SendBurst        int           `env:"SEND_BURST" envDefault:"20" json:"sendBurst"`
	MaxAttempts      int           `env:"SEND_MAX_ATTEMPTS" envDefault:"3" json:"maxAttempts"`
	MaxBackoff       time.Duration `env:"SEND_MAX_BACKOFF" envDefault:"5s" json:"maxBackoff"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5" json:"breakerThreshold"`
	BreakerTimeout   time.Duration `env:"BREAKER_TIMEOUT" envDefault:"60s" json:"breakerTimeout"`
}

type CRMConfig struct {
	WebhookURL string `env:"CRM_WEBHOOK_URL" json:"webhookURL,omitempty"`
	APIKey     string `env:"CRM_API_KEY" json:"apiKey,omitempty"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info" json:"level"`
	Format string `env:"LOG_FORMAT" envDefault:"text" json:"format"` // text | json
}

// Load reads an optional dotenv file, then the process environment, and
// validates the result. Variables already set in the environment win over
// the file. A missing envFile is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cannot read %s: %w", envFile, err)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromMap builds a config from an explicit variable set instead of the
// process environment. Unset variables take their defaults.
func FromMap(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	if vars == nil {
		vars = map[string]string{}
	}
	if err := env.Parse(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("cannot parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks that the config has usable values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Addr == "" {
		errs = append(errs, "HTTP_ADDR must not be empty")
	}
	if cfg.Server.MaxBodyBytes < 1024 {
		errs = append(errs, "MAX_BODY_BYTES must be >= 1024")
	}
	if cfg.Server.BatchTimeout <= 0 || cfg.Server.ProcessTimeout < cfg.Server.BatchTimeout {
		errs = append(errs, "BATCH_TIMEOUT must be > 0 and PROCESS_TIMEOUT >= BATCH_TIMEOUT")
	}

	if cfg.Graph.PageAccessToken != "" || cfg.Graph.InstagramAccessToken != "" {
		if cfg.Graph.AppSecret == "" {
			errs = append(errs, "APP_SECRET is required when a Graph access token is set")
		}
		if cfg.Graph.VerifyToken == "" {
			errs = append(errs, "VERIFY_TOKEN is required when a Graph access token is set")
		}
	}

	if cfg.Telegram.BotToken != "" && cfg.Telegram.SecretToken == "" {
		errs = append(errs, "TELEGRAM_SECRET_TOKEN is required when TELEGRAM_BOT_TOKEN is set")
	}

	if cfg.Limits.WebhookPerMinute < 0 || cfg.Limits.APIPerMinute < 0 {
		errs = append(errs, "rate limits must be >= 0")
	}

	switch cfg.Storage.KVBackend {
	case "memory":
	case "pebble":
		if cfg.Storage.KVPath == "" {
			errs = append(errs, "KV_PATH is required for the pebble backend")
		}
	default:
		errs = append(errs, "KV_BACKEND must be one of: memory, pebble")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "DB_PATH must not be empty")
	}
	if cfg.Storage.DedupTTL < time.Minute {
		errs = append(errs, "DEDUP_TTL must be >= 1m")
	}

	if cfg.Conversation.HistoryLimit < 1 || cfg.Conversation.HistoryLimit > 200 {
		errs = append(errs, "HISTORY_LIMIT must be between 1 and 200")
	}
	if cfg.Conversation.GroupingThreshold <= 0 {
		errs = append(errs, "GROUPING_THRESHOLD must be > 0")
	}
	switch strings.ToLower(cfg.Conversation.ResponsePolicy) {
	case "immediate", "quiet_period":
	default:
		errs = append(errs, "RESPONSE_POLICY must be one of: immediate, quiet_period")
	}

	if cfg.Generation.Attempts < 1 || cfg.Generation.Attempts > 10 {
		errs = append(errs, "GENERATION_ATTEMPTS must be between 1 and 10")
	}
	if cfg.Generation.MaxReplyLength < 20 {
		errs = append(errs, "MAX_REPLY_LENGTH must be >= 20")
	}
	switch cfg.Generation.FallbackLang {
	case "es", "en":
	default:
		errs = append(errs, "FALLBACK_LANG must be one of: es, en")
	}

	if cfg.Outbound.MaxAttempts < 1 {
		errs = append(errs, "SEND_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Outbound.SendPerMinute <= 0 || cfg.Outbound.SendBurst < 1 {
		errs = append(errs, "SEND_RATE_LIMIT_PER_MINUTE must be > 0 and SEND_BURST >= 1")
	}
	if cfg.Outbound.BreakerThreshold < 1 || cfg.Outbound.BreakerTimeout <= 0 {
		errs = append(errs, "BREAKER_THRESHOLD must be >= 1 and BREAKER_TIMEOUT > 0")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "LOG_LEVEL must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "LOG_FORMAT must be one of: text, json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// InstagramToken returns the token used for Instagram sends.
func (g GraphConfig) InstagramToken() string {
	if g.InstagramAccessToken != "" {
		return g.InstagramAccessToken
	}
	return g.PageAccessToken
}

// EnvFileExists reports whether path names a readable dotenv file.
func EnvFileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
