package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Defaults ---

func TestDefaults_ReturnsValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.BatchTimeout != 25*time.Second {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Server.MaxBodyBytes != 1<<20 {
		t.Fatalf("unexpected MaxBodyBytes: %d", cfg.Server.MaxBodyBytes)
	}
	if len(cfg.Generation.Models) != 1 || cfg.Generation.Models[0] != "gpt-4o-mini" {
		t.Fatalf("unexpected models: %v", cfg.Generation.Models)
	}
	if cfg.Outbound.BreakerThreshold != 5 || cfg.Outbound.BreakerTimeout != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", cfg.Outbound)
	}
}

// --- FromMap ---

func TestFromMap_ParsesValues(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"HTTP_ADDR":          "127.0.0.1:9000",
		"TRUST_PROXY":        "true",
		"GROUPING_THRESHOLD": "45s",
		"GENERATION_MODELS":  "gpt-4o-mini,llama3",
		"API_KEYS":           "k1,k2",
		"KV_BACKEND":         "pebble",
	})
	if err != nil {
		t.Fatalf("FromMap: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || !cfg.Server.TrustProxy {
		t.Fatalf("unexpected server: %+v", cfg.Server)
	}
	if cfg.Conversation.GroupingThreshold != 45*time.Second {
		t.Fatalf("unexpected threshold: %v", cfg.Conversation.GroupingThreshold)
	}
	if strings.Join(cfg.Generation.Models, "|") != "gpt-4o-mini|llama3" {
		t.Fatalf("unexpected models: %v", cfg.Generation.Models)
	}
	if len(cfg.Limits.APIKeys) != 2 || cfg.Storage.KVBackend != "pebble" {
		t.Fatalf("unexpected limits/storage: %+v %+v", cfg.Limits, cfg.Storage)
	}
}

func TestFromMap_BadDuration(t *testing.T) {
	if _, err := FromMap(map[string]string{"BATCH_TIMEOUT": "soon"}); err == nil {
		t.Fatal("expected parse error")
	}
}

// --- Validate ---

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"kv backend":       func(c *Config) { c.Storage.KVBackend = "redis" },
		"history limit":    func(c *Config) { c.Conversation.HistoryLimit = 0 },
		"policy":           func(c *Config) { c.Conversation.ResponsePolicy = "sometimes" },
		"log level":        func(c *Config) { c.Log.Level = "verbose" },
		"log format":       func(c *Config) { c.Log.Format = "xml" },
		"process timeout":  func(c *Config) { c.Server.ProcessTimeout = time.Second },
		"graph secret":     func(c *Config) { c.Graph.PageAccessToken = "EAAB" },
		"attempts":         func(c *Config) { c.Generation.Attempts = 0 },
		"breaker":          func(c *Config) { c.Outbound.BreakerThreshold = 0 },
		"send rate":        func(c *Config) { c.Outbound.SendPerMinute = 0 },
		"fallback lang":    func(c *Config) { c.Generation.FallbackLang = "fr" },
		"dedup ttl":        func(c *Config) { c.Storage.DedupTTL = time.Second },
		"small body limit": func(c *Config) { c.Server.MaxBodyBytes = 10 },
		"telegram secret":  func(c *Config) { c.Telegram.BotToken = "123:abc" },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(cfg)
		if err := Validate(cfg); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "verbose"
	cfg.Storage.KVBackend = "redis"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "LOG_LEVEL") || !strings.Contains(err.Error(), "KV_BACKEND") {
		t.Fatalf("expected both problems reported, got: %v", err)
	}
}

func TestValidate_GraphWithSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Graph.PageAccessToken = "EAAB"
	cfg.Graph.AppSecret = "s"
	cfg.Graph.VerifyToken = "v"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if cfg.Graph.InstagramToken() != "EAAB" {
		t.Fatal("instagram token should fall back to the page token")
	}
}

func TestValidate_TelegramWithSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.BotToken = "123:abc"
	cfg.Telegram.SecretToken = "tg-secret"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

// --- Load ---

func TestLoad_DotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "BRAND_NAME=Acme Studio\nHTTP_ADDR=:7000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_ADDR", ":9999")
	t.Cleanup(func() { os.Unsetenv("BRAND_NAME") })

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.BrandName != "Acme Studio" {
		t.Fatalf("expected brand from file, got %q", cfg.Generation.BrandName)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("environment must win over the file, got %q", cfg.Server.Addr)
	}
}

func TestLoad_MissingFileIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing dotenv should be ignored: %v", err)
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

// --- Sanitize / Environ ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Graph.AppSecret = "0123456789abcdef"
	cfg.Generation.OpenAIAPIKey = "sk-verylongsecretkey"
	cfg.Telegram.BotToken = "short"
	cfg.Limits.APIKeys = []string{"key-abcdefghijkl"}

	s := Sanitize(cfg)
	if s.Graph.AppSecret != "0123****cdef" {
		t.Fatalf("unexpected mask: %q", s.Graph.AppSecret)
	}
	if s.Generation.OpenAIAPIKey != "sk-v****tkey" {
		t.Fatalf("unexpected mask: %q", s.Generation.OpenAIAPIKey)
	}
	if s.Telegram.BotToken != "***" {
		t.Fatalf("short secret should be fully masked, got %q", s.Telegram.BotToken)
	}
	if s.Limits.APIKeys[0] != "key-****ijkl" {
		t.Fatalf("unexpected api key mask: %q", s.Limits.APIKeys[0])
	}
	if cfg.Graph.AppSecret != "0123456789abcdef" || cfg.Limits.APIKeys[0] != "key-abcdefghijkl" {
		t.Fatal("Sanitize must not modify the original")
	}
}

func TestEnviron_ListsVariables(t *testing.T) {
	vars := Environ(Defaults())
	if len(vars) == 0 || vars[0].Name != "HTTP_ADDR" || vars[0].Value != ":8080" {
		t.Fatalf("unexpected first var: %+v", vars)
	}
	byName := map[string]string{}
	for _, v := range vars {
		byName[v.Name] = v.Value
	}
	if byName["BATCH_TIMEOUT"] != "25s" {
		t.Fatalf("durations should print in Go syntax, got %q", byName["BATCH_TIMEOUT"])
	}
	if byName["GENERATION_MODELS"] != "gpt-4o-mini" {
		t.Fatalf("unexpected models value %q", byName["GENERATION_MODELS"])
	}
	if _, ok := byName["LOG_FORMAT"]; !ok {
		t.Fatal("LOG_FORMAT missing")
	}
}
