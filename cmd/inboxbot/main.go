package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"inboxbot/internal/config"
	"inboxbot/internal/intent"
	"inboxbot/internal/security"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.0"
	logger  *slog.Logger
	envFile string // overridable via --env-file flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "inboxbot",
		Short:        "inboxbot: webhook ingestion and auto-reply for Messenger, Instagram and Telegram",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "dotenv file read before the environment")

	root.AddCommand(serveCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(signCmd())
	root.AddCommand(classifyCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print every variable with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			for _, v := range config.Environ(config.Sanitize(cfg)) {
				fmt.Printf("%s=%s\n", v.Name, v.Value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(envFile); err != nil {
				return err
			}
			fmt.Println("configuration is valid")
			return nil
		},
	})

	return cmd
}

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <file>",
		Short: "Print the X-Hub-Signature-256 header for a payload file",
		Long: `Signs a webhook payload with APP_SECRET, for replaying captured
events against a local instance with curl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cfg.Graph.AppSecret == "" {
				return fmt.Errorf("APP_SECRET is not set")
			}
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(security.SignatureHeader([]byte(cfg.Graph.AppSecret), body))
			return nil
		},
	}
}

func classifyCmd() *cobra.Command {
	var rulesPath string

	cmd := &cobra.Command{
		Use:   "classify <text>",
		Short: "Show the intent detected for a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			classifier := intent.New()
			if rulesPath != "" {
				data, err := os.ReadFile(rulesPath)
				if err != nil {
					return err
				}
				if classifier, err = intent.Parse(data); err != nil {
					return err
				}
			}
			text := strings.Join(args, " ")
			fmt.Println(classifier.Classify(text))
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesPath, "rules", "", "YAML rule file replacing the built-in rules")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("inboxbot %s\n", version)
		},
	}
}
