package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"inboxbot/internal/config"
	"inboxbot/internal/memory"
	"inboxbot/internal/provider"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
)

// doctorReport counts check outcomes.
type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	printPass(check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	printWarn(check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	printFail(check, detail)
}

func doctorCmd() *cobra.Command {
	var online bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on an inboxbot installation",
		Long: `Verifies that configuration, storage, platform credentials and
generation backends are usable. Reports pass/fail for each check.
With --online it also calls the Telegram and generation APIs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("inboxbot doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
			r := &doctorReport{}

			// 1. Env file
			if config.EnvFileExists(envFile) {
				r.pass("Env file", envFile)
			} else {
				r.warn("Env file", fmt.Sprintf("%s not found, using the process environment only", envFile))
			}

			// 2. Config loads and validates
			cfg, err := config.Load(envFile)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("configuration is invalid")
			}
			r.pass("Config validation", "valid")

			// 3. Database
			if detail, err := checkDatabase(cfg.Storage.DBPath); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", detail)
			}

			// 4. KV store
			if err := checkKV(cfg.Storage); err != nil {
				if cfg.Storage.KVBackend == "pebble" {
					r.warn("KV store", fmt.Sprintf("%v (is the server running?)", err))
				} else {
					r.fail("KV store", err.Error())
				}
			} else {
				r.pass("KV store", cfg.Storage.KVBackend)
			}

			// 5. Platforms
			channels := 0
			if cfg.Graph.PageAccessToken != "" {
				channels++
				r.pass("Messenger", "page token configured")
			}
			if cfg.Graph.InstagramToken() != "" {
				channels++
				r.pass("Instagram", "access token configured")
			}
			if cfg.Telegram.BotToken != "" {
				channels++
				checkTelegram(r, cfg.Telegram, online)
			}
			if channels == 0 {
				r.fail("Channels", "no platform credentials configured")
			}

			// 6. Generation backends
			providers := buildProviders(cfg.Generation, provider.SharedHTTPClient(cfg.Generation.Timeout))
			switch {
			case len(providers) == 0:
				r.warn("Generation", "no backend configured, replies come from the fallback table")
			case online:
				chain := provider.NewChain(providers, provider.ChainConfig{Logger: logger})
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Generation.Timeout)
				err := chain.Healthy(ctx)
				cancel()
				if err != nil {
					r.fail("Generation", err.Error())
				} else {
					r.pass("Generation", chain.Name())
				}
			default:
				r.pass("Generation", fmt.Sprintf("%d model(s) configured", len(providers)))
			}
			if _, err := loadFallback(cfg.Generation); err != nil {
				r.fail("Fallback table", err.Error())
			} else {
				r.pass("Fallback table", "loaded")
			}

			// 7. Listener
			if err := checkAddr(cfg.Server.Addr); err != nil {
				r.warn("HTTP address", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr, err))
			} else {
				r.pass("HTTP address", cfg.Server.Addr+" available")
			}

			// 8. Data API
			if len(cfg.Limits.APIKeys) == 0 {
				r.warn("Data API", "API_KEYS is empty, every API call is rejected")
			} else {
				r.pass("Data API", fmt.Sprintf("%d key(s)", len(cfg.Limits.APIKeys)))
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running inboxbot.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\ninboxbot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! inboxbot is ready to run.\n")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&online, "online", false, "also call the Telegram and generation APIs")
	return cmd
}

// checkDatabase opens the store, which applies migrations, and reports the
// schema version and file size.
func checkDatabase(dbPath string) (string, error) {
	store, err := memory.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return "", err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return "", fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := store.DB().ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	store.DB().ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	schema, err := memory.GetSchemaVersion(store.DB())
	if err != nil {
		return "", err
	}
	size := "empty"
	if info, err := os.Stat(dbPath); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	return fmt.Sprintf("%s (schema v%d, %s)", dbPath, schema, size), nil
}

func checkKV(cfg config.StorageConfig) error {
	store, err := openKV(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	want := []byte(time.Now().Format(time.RFC3339Nano))
	if err := store.Set(ctx, "doctor:check", want, time.Minute); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	defer store.Delete(ctx, "doctor:check")
	got, ok, err := store.Get(ctx, "doctor:check")
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if !ok || !bytes.Equal(got, want) {
		return fmt.Errorf("check value did not round-trip")
	}
	return nil
}

func checkTelegram(r *doctorReport, cfg config.TelegramConfig, online bool) {
	if !online {
		r.pass("Telegram", "bot token configured")
		return
	}
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		r.fail("Telegram", fmt.Sprintf("getMe failed: %v", err))
		return
	}
	r.pass("Telegram", "@"+bot.Self.UserName)

	info, err := bot.GetWebhookInfo()
	switch {
	case err != nil:
		r.warn("Telegram webhook", err.Error())
	case info.URL == "":
		r.warn("Telegram webhook", "not registered with Telegram")
	case info.LastErrorDate != 0:
		when := humanize.Time(time.Unix(int64(info.LastErrorDate), 0))
		r.warn("Telegram webhook", fmt.Sprintf("%s, last error %s: %s", info.URL, when, info.LastErrorMessage))
	default:
		r.pass("Telegram webhook", fmt.Sprintf("%s (%d pending)", info.URL, info.PendingUpdateCount))
	}
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
